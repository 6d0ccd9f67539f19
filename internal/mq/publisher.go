package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Relay/internal/delegate"
	"github.com/shaiso/Relay/internal/domain"
)

// MessageType дублируется в свойстве type AMQP сообщения.
type MessageType string

const (
	MessageTypeExecutionPending  MessageType = "execution.pending"
	MessageTypeInterrupt         MessageType = "execution.interrupt"
	MessageTypeTaskDispatch      MessageType = "task.dispatch"
	MessageTypeTaskCancel        MessageType = "task.cancel"
	MessageTypeTaskResult        MessageType = "task.result"
	MessageTypeTaskProgress      MessageType = "task.progress"
	MessageTypeDelegateHeartbeat MessageType = "delegate.heartbeat"
	MessageTypeNotification      MessageType = "notification"
	MessageTypeEvent             MessageType = "event"
)

// Message — JSON конверт всех сообщений Relay. ID — ULID, поэтому
// сообщения одного отправителя упорядочены по ID.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

func newMessage(msgType MessageType, payload any) *Message {
	now := time.Now().UTC()
	return &Message{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: now,
	}
}

type ExecutionPendingPayload struct {
	PlanExecutionID uuid.UUID `json:"plan_execution_id"`
}

type TaskCancelPayload struct {
	TaskID uuid.UUID `json:"task_id"`
}

// route — куда уходят сообщения с фиксированным адресом.
type route struct {
	exchange Exchange
	key      RoutingKey
}

var routes = map[MessageType]route{
	MessageTypeExecutionPending:  {ExchangeExecutions, RoutingKeyPending},
	MessageTypeInterrupt:         {ExchangeExecutions, RoutingKeyInterrupt},
	MessageTypeTaskResult:        {ExchangeDelegates, RoutingKeyResult},
	MessageTypeTaskProgress:      {ExchangeDelegates, RoutingKeyProgress},
	MessageTypeDelegateHeartbeat: {ExchangeDelegates, RoutingKeyHeartbeat},
	MessageTypeNotification:      {ExchangeNotifications, RoutingKeyNotification},
}

// Publisher публикует persistent сообщения и ждёт подтверждения брокера.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, logger: logger}
}

// Publish отправляет готовый конверт. Возврат без ошибки означает, что
// брокер принял сообщение (ack в режиме подтверждений).
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, key RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         string(msg.Type),
		Timestamp:    msg.Timestamp,
		Body:         body,
	}

	err = p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, string(exchange), string(key), false, false, publishing)
		if err != nil {
			return err
		}
		if confirm == nil {
			return nil
		}
		acked, err := confirm.WaitContext(ctx)
		if err != nil {
			return err
		}
		if !acked {
			return ErrNotConfirmed
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s/%s: %w", msg.Type, exchange, key, err)
	}

	p.logger.Debug("message published", "type", msg.Type, "message_id", msg.ID, "exchange", exchange, "routing_key", key)
	return nil
}

// PublishJSON заворачивает payload в новый конверт и публикует его.
func (p *Publisher) PublishJSON(ctx context.Context, exchange Exchange, key RoutingKey, msgType MessageType, payload any) error {
	return p.Publish(ctx, exchange, key, newMessage(msgType, payload))
}

// send публикует сообщение по маршруту из routes.
func (p *Publisher) send(ctx context.Context, msgType MessageType, payload any) error {
	r, ok := routes[msgType]
	if !ok {
		return fmt.Errorf("no route for message type %s", msgType)
	}
	return p.PublishJSON(ctx, r.exchange, r.key, msgType, payload)
}

func (p *Publisher) PublishExecutionPending(ctx context.Context, planExecutionID uuid.UUID) error {
	return p.send(ctx, MessageTypeExecutionPending, ExecutionPendingPayload{PlanExecutionID: planExecutionID})
}

func (p *Publisher) PublishInterrupt(ctx context.Context, intr domain.Interrupt) error {
	return p.send(ctx, MessageTypeInterrupt, intr)
}

func (p *Publisher) PublishTaskResult(ctx context.Context, res delegate.Result) error {
	return p.send(ctx, MessageTypeTaskResult, res)
}

func (p *Publisher) PublishTaskProgress(ctx context.Context, progress delegate.Progress) error {
	return p.send(ctx, MessageTypeTaskProgress, progress)
}

func (p *Publisher) PublishHeartbeat(ctx context.Context, hb delegate.Heartbeat) error {
	return p.send(ctx, MessageTypeDelegateHeartbeat, hb)
}

// PublishNotification доставляет внешний результат ASYNC шага по
// correlation ID.
func (p *Publisher) PublishNotification(ctx context.Context, n *domain.Notification) error {
	return p.send(ctx, MessageTypeNotification, n)
}
