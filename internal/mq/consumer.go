package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Relay/internal/telemetry"
)

// Handler обрабатывает одно сообщение. Ошибка возвращает сообщение в
// очередь, ошибка, обёрнутая Permanent, отправляет его в DLQ.
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — сообщение вместе с исходной AMQP-доставкой.
type Delivery struct {
	Message Message
	Raw     amqp.Delivery
}

// Redelivered сообщает, что брокер уже отдавал это сообщение.
func (d *Delivery) Redelivered() bool {
	return d.Raw.Redelivered
}

// permanentError — ошибка, повтор которой ничего не изменит.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent помечает ошибку обработчика как неисправимую.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent проверяет, помечена ли ошибка как неисправимая.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Исходы обработки для relay_mq_deliveries_total.
const (
	outcomeAcked     = "acked"
	outcomeRequeued  = "requeued"
	outcomeDiscarded = "discarded"
)

// Consumer читает очередь и переживает переподключения Connection.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    Queue
	handler  Handler
	prefetch int

	cancelFunc context.CancelFunc

	// Подписка создаётся в конструкторе, чтобы не пропустить переподключение
	reconnect <-chan struct{}
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	Queue    Queue
	Handler  Handler
	Prefetch int // default: 1
}

// NewConsumer создаёт Consumer. Чтение начинается в Start.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		conn:      conn,
		logger:    logger.With("queue", cfg.Queue),
		queue:     cfg.Queue,
		handler:   cfg.Handler,
		prefetch:  max(cfg.Prefetch, 1),
		reconnect: conn.ReconnectNotify(),
	}
}

// Start блокируется до Stop или отмены ctx.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	return c.consume(ctx)
}

// Stop останавливает consumer.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	for ctx.Err() == nil {
		ch, deliveries, err := c.open()
		if err != nil {
			c.logger.Error("failed to start consuming", "error", err)
		} else {
			c.logger.Info("consumer started")
			err = c.drain(ctx, deliveries)
			_ = ch.Close()
			if ctx.Err() != nil {
				break
			}
			c.logger.Warn("deliveries channel closed, waiting for reconnect", "error", err)
		}

		select {
		case <-ctx.Done():
		case <-c.reconnect:
			c.logger.Info("reconnected, restarting consumer")
		}
	}
	return ctx.Err()
}

// open открывает канал с prefetch и подписывается на очередь.
func (c *Consumer) open() (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}

	// Ручной ack, consumer tag генерирует брокер
	deliveries, err := ch.Consume(string(c.queue), "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("consume: %w", err)
	}
	return ch, deliveries, nil
}

func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.settle(raw, c.handle(ctx, raw))
		}
	}
}

// handle разбирает конверт и вызывает обработчик.
func (c *Consumer) handle(ctx context.Context, raw amqp.Delivery) error {
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		return Permanent(fmt.Errorf("decode envelope: %w", err))
	}
	c.logger.Debug("received message", "message_id", msg.ID, "type", msg.Type, "redelivered", raw.Redelivered)
	return c.handler(ctx, &Delivery{Message: msg, Raw: raw})
}

// settle подтверждает или отклоняет доставку.
//
// Сообщение возвращается в очередь один раз: повторная ошибка на
// redelivered сообщении уводит его в DLQ, чтобы не крутить его вечно.
func (c *Consumer) settle(raw amqp.Delivery, err error) {
	outcome := outcomeAcked
	switch {
	case err == nil:
		_ = raw.Ack(false)
	case IsPermanent(err) || raw.Redelivered:
		outcome = outcomeDiscarded
		c.logger.Error("message dead-lettered", "message_id", raw.MessageId, "error", err)
		_ = raw.Nack(false, false)
	default:
		outcome = outcomeRequeued
		c.logger.Warn("handler failed, requeueing", "message_id", raw.MessageId, "error", err)
		_ = raw.Nack(false, true)
	}
	telemetry.MQDeliveries.WithLabelValues(string(c.queue), outcome).Inc()
}

// ParsePayload декодирует payload конверта в T.
//
// После json.Unmarshal конверта Payload — это map[string]any, поэтому
// payload проходит через повторное кодирование.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T
	if msg.Payload == nil {
		return result, Permanent(errors.New("empty payload"))
	}

	var raw []byte
	switch p := msg.Payload.(type) {
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return result, Permanent(fmt.Errorf("marshal payload: %w", err))
		}
		raw = b
	}

	if err := json.Unmarshal(raw, &result); err != nil {
		return result, Permanent(fmt.Errorf("unmarshal %s payload: %w", msg.Type, err))
	}
	return result, nil
}
