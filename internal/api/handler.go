package api

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/coordinator"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/engine"
)

// Publisher передаёт команды координатору через очередь.
// *mq.Publisher удовлетворяет этому интерфейсу.
type Publisher interface {
	PublishExecutionPending(ctx context.Context, planExecutionID uuid.UUID) error
	PublishInterrupt(ctx context.Context, intr domain.Interrupt) error
	PublishNotification(ctx context.Context, n *domain.Notification) error
}

// Handler — главный обработчик API с зависимостями.
//
// API не выполняет планы сам: новое выполнение сохраняется в PENDING,
// а координатор узнаёт о нём из очереди execution.pending или
// следующим polling'ом.
type Handler struct {
	plans      coordinator.PlanStore
	executions coordinator.PlanExecutionStore
	nodes      coordinator.NodeExecutionStore
	catalog    engine.Catalog
	publisher  Publisher
	logger     *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Plans      coordinator.PlanStore
	Executions coordinator.PlanExecutionStore
	Nodes      coordinator.NodeExecutionStore

	// Catalog проверяет типы в загружаемых планах (опционально).
	Catalog engine.Catalog

	Publisher Publisher
	Logger    *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		plans:      cfg.Plans,
		executions: cfg.Executions,
		nodes:      cfg.Nodes,
		catalog:    cfg.Catalog,
		publisher:  cfg.Publisher,
		logger:     logger,
	}
}
