package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// ErrMQTTTimeout — брокер не подтвердил операцию вовремя.
var ErrMQTTTimeout = errors.New("mqtt operation timed out")

const (
	mqttQoS         = 1
	mqttWaitTimeout = 10 * time.Second
)

// MQTTConfig — параметры MQTTSink.
type MQTTConfig struct {
	// BrokerURL, например "tcp://localhost:1883".
	BrokerURL string

	ClientID string

	// TopicPrefix — префикс топиков, по умолчанию "relay/events".
	TopicPrefix string
}

// MQTTSink публикует события в топики
// "<prefix>/<plan_execution_id>/<kind>/<status>".
type MQTTSink struct {
	client paho.Client
	prefix string
}

// NewMQTTSink создаёт клиент, но не подключается.
func NewMQTTSink(cfg MQTTConfig) *MQTTSink {
	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)

	return newMQTTSink(paho.NewClient(opts), cfg.TopicPrefix)
}

func newMQTTSink(client paho.Client, prefix string) *MQTTSink {
	if prefix == "" {
		prefix = "relay/events"
	}
	return &MQTTSink{client: client, prefix: prefix}
}

// Connect подключается к брокеру, не дольше mqttWaitTimeout.
func (s *MQTTSink) Connect() error {
	return wait(s.client.Connect())
}

// Topic возвращает топик события.
func (s *MQTTSink) Topic(e Event) string {
	return fmt.Sprintf("%s/%s/%s/%s", s.prefix, e.PlanExecutionID, e.Kind, e.Status)
}

// Emit публикует событие с QoS 1.
func (s *MQTTSink) Emit(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := wait(s.client.Publish(s.Topic(e), mqttQoS, false, body)); err != nil {
		return fmt.Errorf("publish mqtt event: %w", err)
	}
	return nil
}

// Close отключается от брокера.
func (s *MQTTSink) Close() {
	s.client.Disconnect(1000)
}

func wait(token paho.Token) error {
	if !token.WaitTimeout(mqttWaitTimeout) {
		return ErrMQTTTimeout
	}
	return token.Error()
}
