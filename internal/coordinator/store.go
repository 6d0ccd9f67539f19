package coordinator

import (
	"context"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/domain"
)

// PlanStore — хранилище планов.
type PlanStore interface {
	Save(ctx context.Context, plan *domain.Plan) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Plan, error)
	List(ctx context.Context) ([]*domain.Plan, error)
}

// PlanExecutionStore — хранилище выполнений планов.
type PlanExecutionStore interface {
	Create(ctx context.Context, pe *domain.PlanExecution) error
	Update(ctx context.Context, pe *domain.PlanExecution) error
	Get(ctx context.Context, id uuid.UUID) (*domain.PlanExecution, error)

	// GetByIdempotencyKey возвращает ErrPlanExecutionNotFound, если ключ не встречался.
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.PlanExecution, error)

	// ListUnfinished возвращает выполнения в статусах PENDING, RUNNING, PAUSED.
	ListUnfinished(ctx context.Context, limit int) ([]*domain.PlanExecution, error)

	// List возвращает последние выполнения; uuid.Nil — по всем планам.
	List(ctx context.Context, planID uuid.UUID, limit int) ([]*domain.PlanExecution, error)
}

// NodeExecutionStore — хранилище выполнений узлов.
//
// Save использует оптимистичную блокировку: сохраняемая версия должна
// совпадать с версией в хранилище, иначе ErrVersionConflict. После
// успешной записи Version увеличивается на единицу.
type NodeExecutionStore interface {
	Save(ctx context.Context, ne *domain.NodeExecution) error
	Get(ctx context.Context, id string) (*domain.NodeExecution, error)
	ListByPlanExecution(ctx context.Context, planExecutionID uuid.UUID) ([]*domain.NodeExecution, error)
}

// TaskDispatcher — отправка задач делегатам (режимы TASK и TASK_CHAIN).
type TaskDispatcher interface {
	Submit(ctx context.Context, planExecutionID uuid.UUID, nodeExecutionID, correlationID string, spec *domain.TaskSpec) (*domain.DelegateTask, error)
	Cancel(ctx context.Context, nodeExecutionID string) error
}

// OutputStore — внешнее хранилище крупных outputs.
type OutputStore interface {
	Put(ctx context.Context, key string, outputs map[string]any) (string, error)
	Get(ctx context.Context, ref string) (map[string]any, error)
}
