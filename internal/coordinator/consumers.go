package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/Relay/internal/delegate"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/mq"
)

// delegateHandler — часть delegate.Dispatcher, принимающая сообщения воркеров.
type delegateHandler interface {
	HandleResult(ctx context.Context, res delegate.Result) error
	HandleProgress(ctx context.Context, p delegate.Progress)
	Heartbeat(ctx context.Context, hb delegate.Heartbeat) error
}

// startConsumers создаёт consumers и запускает их в горутинах.
func (c *Coordinator) startConsumers(ctx context.Context) {
	configs := []mq.ConsumerConfig{
		{Queue: mq.QueueExecutionsPending, Handler: c.handleExecutionPending, Prefetch: 10},
		{Queue: mq.QueueInterrupts, Handler: c.handleInterrupt, Prefetch: 10},
		{Queue: mq.QueueNotifications, Handler: c.handleNotification, Prefetch: 10},
	}
	if d, ok := c.dispatcher.(delegateHandler); ok {
		configs = append(configs,
			mq.ConsumerConfig{Queue: mq.QueueTaskResults, Handler: taskResultHandler(d), Prefetch: 10},
			mq.ConsumerConfig{Queue: mq.QueueTaskProgress, Handler: taskProgressHandler(d), Prefetch: 10},
			mq.ConsumerConfig{Queue: mq.QueueHeartbeats, Handler: heartbeatHandler(d), Prefetch: 50},
		)
	}

	for _, cfg := range configs {
		consumer := mq.NewConsumer(c.conn, c.logger, cfg)
		c.consumers = append(c.consumers, consumer)

		queue := cfg.Queue
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("consumer error", "queue", queue, "error", err)
			}
		}()
	}
}

// handleExecutionPending берёт в работу новое выполнение.
func (c *Coordinator) handleExecutionPending(ctx context.Context, msg *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.ExecutionPendingPayload](&msg.Message)
	if err != nil {
		// Битое сообщение уходит в DLQ, выполнение подберёт polling
		return err
	}

	err = c.Resume(ctx, payload.PlanExecutionID)
	switch {
	case err == nil, errors.Is(err, ErrAlreadyActive):
		return nil
	case errors.Is(err, ErrPlanExecutionNotFound), errors.Is(err, ErrPlanNotFound):
		c.logger.Warn("pending execution cannot be loaded",
			"plan_execution_id", payload.PlanExecutionID,
			"error", err,
		)
		return nil
	default:
		return err
	}
}

// handleInterrupt применяет interrupt из очереди.
func (c *Coordinator) handleInterrupt(ctx context.Context, msg *mq.Delivery) error {
	intr, err := mq.ParsePayload[domain.Interrupt](&msg.Message)
	if err != nil {
		return err
	}

	err = c.Interrupt(ctx, intr)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidInterrupt), errors.Is(err, ErrNotActive),
		errors.Is(err, ErrPlanExecutionNotFound), errors.Is(err, ErrNodeExecutionNotFound):
		// Повтор даст тот же ответ
		c.logger.Warn("interrupt rejected",
			"plan_execution_id", intr.PlanExecutionID,
			"type", intr.Type,
			"error", err,
		)
		return nil
	default:
		return err
	}
}

// handleNotification доставляет внешний результат ожидающему узлу.
func (c *Coordinator) handleNotification(_ context.Context, msg *mq.Delivery) error {
	n, err := mq.ParsePayload[domain.Notification](&msg.Message)
	if err != nil {
		return err
	}
	if n.CorrelationID == "" {
		return mq.Permanent(fmt.Errorf("notification %s: empty correlation id", msg.Message.ID))
	}
	c.notifier.Notify(&n)
	return nil
}

func taskResultHandler(d delegateHandler) mq.Handler {
	return func(ctx context.Context, msg *mq.Delivery) error {
		res, err := mq.ParsePayload[delegate.Result](&msg.Message)
		if err != nil {
			return err
		}
		err = d.HandleResult(ctx, res)
		if errors.Is(err, delegate.ErrTaskNotFound) {
			return nil
		}
		return err
	}
}

func taskProgressHandler(d delegateHandler) mq.Handler {
	return func(ctx context.Context, msg *mq.Delivery) error {
		p, err := mq.ParsePayload[delegate.Progress](&msg.Message)
		if err != nil {
			return err
		}
		d.HandleProgress(ctx, p)
		return nil
	}
}

func heartbeatHandler(d delegateHandler) mq.Handler {
	return func(ctx context.Context, msg *mq.Delivery) error {
		hb, err := mq.ParsePayload[delegate.Heartbeat](&msg.Message)
		if err != nil {
			return err
		}
		return d.Heartbeat(ctx, hb)
	}
}
