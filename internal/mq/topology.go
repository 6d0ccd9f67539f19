package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

type (
	Exchange   string
	Queue      string
	RoutingKey string
)

const (
	ExchangeExecutions    Exchange = "relay.executions"
	ExchangeDelegates     Exchange = "relay.delegates"
	ExchangeNotifications Exchange = "relay.notifications"
	ExchangeEvents        Exchange = "relay.events"
	ExchangeDLQ           Exchange = "relay.dlq"
)

const (
	QueueExecutionsPending Queue = "executions.pending"
	QueueInterrupts        Queue = "executions.interrupts"
	QueueTaskResults       Queue = "delegates.results"
	QueueTaskProgress      Queue = "delegates.progress"
	QueueHeartbeats        Queue = "delegates.heartbeats"
	QueueNotifications     Queue = "notifications"

	// QueueDLQ собирает отклонённые сообщения всех рабочих очередей.
	// Routing key мёртвого сообщения — имя очереди, откуда оно пришло.
	QueueDLQ Queue = "dlq"
)

const (
	RoutingKeyPending      RoutingKey = "pending"
	RoutingKeyInterrupt    RoutingKey = "interrupt"
	RoutingKeyResult       RoutingKey = "result"
	RoutingKeyProgress     RoutingKey = "progress"
	RoutingKeyHeartbeat    RoutingKey = "heartbeat"
	RoutingKeyNotification RoutingKey = "notify"
)

const delegateQueuePrefix = "delegate."

// DelegateQueue — очередь задач конкретного воркера.
func DelegateQueue(delegateID string) Queue {
	return Queue(delegateQueuePrefix + delegateID)
}

func DelegateRoutingKey(delegateID string) RoutingKey {
	return RoutingKey("task." + delegateID)
}

// EventRoutingKey возвращает ключ события "<kind>.<status>",
// например "node.SUCCEEDED" или "plan.FAILED".
func EventRoutingKey(kind, status string) RoutingKey {
	return RoutingKey(kind + "." + status)
}

// exchanges объявляются durable. events и dlq — topic: подписчики
// выбирают "node.*" или "plan.FAILED", а dlq принимает любой ключ.
var exchanges = []struct {
	name Exchange
	kind string
}{
	{ExchangeExecutions, amqp.ExchangeDirect},
	{ExchangeDelegates, amqp.ExchangeDirect},
	{ExchangeNotifications, amqp.ExchangeDirect},
	{ExchangeEvents, amqp.ExchangeTopic},
	{ExchangeDLQ, amqp.ExchangeTopic},
}

// binding — рабочая очередь и откуда в неё приходят сообщения.
type binding struct {
	queue    Queue
	exchange Exchange
	key      RoutingKey
}

var workQueues = []binding{
	{QueueExecutionsPending, ExchangeExecutions, RoutingKeyPending},
	{QueueInterrupts, ExchangeExecutions, RoutingKeyInterrupt},
	{QueueTaskResults, ExchangeDelegates, RoutingKeyResult},
	{QueueTaskProgress, ExchangeDelegates, RoutingKeyProgress},
	{QueueHeartbeats, ExchangeDelegates, RoutingKeyHeartbeat},
	{QueueNotifications, ExchangeNotifications, RoutingKeyNotification},
}

// deadLetterArgs направляет nack без requeue в relay.dlq.
func deadLetterArgs(q Queue) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(q),
	}
}

// SetupTopology объявляет обменники, общие очереди и DLQ. Операция
// идемпотентна, её вызывает каждый процесс при старте. Очередь воркера
// объявляется отдельно через DeclareDelegateQueue.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range exchanges {
			if err := ch.ExchangeDeclare(string(ex.name), ex.kind, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex.name, err)
			}
		}

		dlq := binding{QueueDLQ, ExchangeDLQ, "#"}
		if err := declareBound(ch, dlq, nil); err != nil {
			return err
		}
		for _, b := range workQueues {
			if err := declareBound(ch, b, deadLetterArgs(b.queue)); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeclareDelegateQueue объявляет очередь задач воркера.
//
// Очередь durable и не эксклюзивная: воркер, перезапущенный с тем же
// ID, заберёт задачи, отправленные ему за время простоя.
func DeclareDelegateQueue(ctx context.Context, conn *Connection, delegateID string) error {
	q := DelegateQueue(delegateID)
	b := binding{q, ExchangeDelegates, DelegateRoutingKey(delegateID)}
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		return declareBound(ch, b, deadLetterArgs(q))
	})
}

func declareBound(ch *amqp.Channel, b binding, args amqp.Table) error {
	if _, err := ch.QueueDeclare(string(b.queue), true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", b.queue, err)
	}
	if err := ch.QueueBind(string(b.queue), string(b.key), string(b.exchange), false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
	}
	return nil
}
