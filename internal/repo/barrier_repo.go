package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Relay/internal/barrier"
	"github.com/shaiso/Relay/internal/domain"
)

// BarrierRepo — barrier.Store на Postgres.
//
// Критическая секция барьера — транзакция с pg_advisory_xact_lock по
// ключу барьера: несколько coordinator'ов не опустят барьер дважды.
type BarrierRepo struct {
	pool *pgxpool.Pool
}

// NewBarrierRepo создаёт новый BarrierRepo.
func NewBarrierRepo(pool *pgxpool.Pool) *BarrierRepo {
	return &BarrierRepo{pool: pool}
}

// Atomically выполняет fn в транзакции под lock'ом барьера.
func (r *BarrierRepo) Atomically(ctx context.Context, key string, fn func(ctx context.Context, tx barrier.Tx) error) error {
	return lockedTx(ctx, r.pool, "barrier", key, func(tx pgx.Tx) error {
		return fn(ctx, &barrierTx{tx: tx, key: key})
	})
}

// ListByPlan возвращает барьеры выполнения плана.
func (r *BarrierRepo) ListByPlan(ctx context.Context, planExecutionID string) ([]*domain.Barrier, error) {
	rows, err := r.pool.Query(ctx, `SELECT data FROM barriers WHERE plan_execution_id = $1 ORDER BY key`, planExecutionID)
	if err != nil {
		return nil, fmt.Errorf("list barriers: %w", err)
	}
	defer rows.Close()

	var out []*domain.Barrier
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan barrier: %w", err)
		}
		var b domain.Barrier
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("unmarshal barrier: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

type barrierTx struct {
	tx  pgx.Tx
	key string
}

func (t *barrierTx) Get(ctx context.Context) (*domain.Barrier, error) {
	var data []byte
	err := t.tx.QueryRow(ctx, `SELECT data FROM barriers WHERE key = $1`, t.key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", barrier.ErrBarrierNotFound, t.key)
	}
	if err != nil {
		return nil, fmt.Errorf("get barrier: %w", err)
	}

	var b domain.Barrier
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("unmarshal barrier: %w", err)
	}
	return &b, nil
}

func (t *barrierTx) Save(ctx context.Context, b *domain.Barrier) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal barrier: %w", err)
	}
	query := `
		INSERT INTO barriers (key, plan_execution_id, state, data, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE
		SET state = EXCLUDED.state, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
	`
	if _, err := t.tx.Exec(ctx, query, t.key, b.PlanExecutionID, b.State, data, b.UpdatedAt); err != nil {
		return fmt.Errorf("save barrier: %w", err)
	}
	return nil
}
