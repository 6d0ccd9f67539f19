package delegate

import (
	"context"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/domain"
)

// TaskStore — хранилище задач делегатам.
type TaskStore interface {
	// Save создаёт или обновляет задачу.
	Save(ctx context.Context, task *domain.DelegateTask) error

	// Get возвращает задачу по ID. ErrTaskNotFound, если её нет.
	Get(ctx context.Context, id uuid.UUID) (*domain.DelegateTask, error)

	// ListActive возвращает задачи в статусах QUEUED и DISPATCHED
	// в порядке создания.
	ListActive(ctx context.Context) ([]*domain.DelegateTask, error)

	// FindByNodeExecution возвращает незавершённые задачи узла.
	FindByNodeExecution(ctx context.Context, nodeExecutionID string) ([]*domain.DelegateTask, error)
}

// Transport доставляет задачи воркерам.
type Transport interface {
	// Send отправляет задачу воркеру delegateID.
	Send(ctx context.Context, delegateID string, task *domain.DelegateTask) error

	// Cancel просит воркера прекратить выполнение задачи.
	Cancel(ctx context.Context, delegateID string, taskID uuid.UUID) error
}

// Notifier — получатель результатов задач по correlation ID.
type Notifier interface {
	Notify(n *domain.Notification) bool
}
