package barrier

import (
	"context"

	"github.com/shaiso/Relay/internal/domain"
)

// Tx — операции над одним барьером внутри критической секции.
type Tx interface {
	// Get возвращает барьер или ErrBarrierNotFound.
	Get(ctx context.Context) (*domain.Barrier, error)

	// Save создаёт или обновляет барьер.
	Save(ctx context.Context, b *domain.Barrier) error
}

// Store — хранилище барьеров.
type Store interface {
	// Atomically выполняет fn в критической секции барьера key.
	Atomically(ctx context.Context, key string, fn func(ctx context.Context, tx Tx) error) error

	// ListByPlan возвращает барьеры выполнения плана.
	ListByPlan(ctx context.Context, planExecutionID string) ([]*domain.Barrier, error)
}
