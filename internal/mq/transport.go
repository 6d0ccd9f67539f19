package mq

import (
	"context"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/domain"
)

// TaskTransport доставляет задачи воркерам через обменник relay.delegates.
// Каждый воркер слушает свою очередь delegate.<id>.
type TaskTransport struct {
	pub *Publisher
}

// NewTaskTransport создаёт транспорт поверх Publisher.
func NewTaskTransport(pub *Publisher) *TaskTransport {
	return &TaskTransport{pub: pub}
}

// Send публикует задачу в очередь воркера.
func (t *TaskTransport) Send(ctx context.Context, delegateID string, task *domain.DelegateTask) error {
	return t.pub.PublishJSON(ctx, ExchangeDelegates, DelegateRoutingKey(delegateID), MessageTypeTaskDispatch, task)
}

// Cancel публикует отмену задачи в ту же очередь воркера.
func (t *TaskTransport) Cancel(ctx context.Context, delegateID string, taskID uuid.UUID) error {
	return t.pub.PublishJSON(ctx, ExchangeDelegates, DelegateRoutingKey(delegateID), MessageTypeTaskCancel,
		TaskCancelPayload{TaskID: taskID})
}
