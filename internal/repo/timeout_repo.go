package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Relay/internal/domain"
)

// TimeoutRepo — репозиторий таймаутов узлов.
type TimeoutRepo struct {
	pool *pgxpool.Pool
}

// NewTimeoutRepo создаёт новый TimeoutRepo.
func NewTimeoutRepo(pool *pgxpool.Pool) *TimeoutRepo {
	return &TimeoutRepo{pool: pool}
}

// Save создаёт или обновляет таймаут.
func (r *TimeoutRepo) Save(ctx context.Context, inst *domain.TimeoutInstance) error {
	query := `
		INSERT INTO timeouts (id, plan_execution_id, node_execution_id, dimension, kind,
		                      duration_ms, state, paused, elapsed_ms, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state,
		    paused = EXCLUDED.paused,
		    elapsed_ms = EXCLUDED.elapsed_ms,
		    updated_at = EXCLUDED.updated_at
	`
	_, err := r.pool.Exec(ctx, query,
		inst.ID,
		inst.PlanExecutionID,
		inst.NodeExecutionID,
		inst.Dimension,
		inst.Kind,
		inst.Duration.Milliseconds(),
		inst.State,
		inst.Paused,
		inst.Elapsed.Milliseconds(),
		inst.CreatedAt,
		inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save timeout: %w", err)
	}
	return nil
}

// ListActive возвращает таймауты выполнения в состоянии RUNNING.
func (r *TimeoutRepo) ListActive(ctx context.Context, planExecutionID uuid.UUID) ([]*domain.TimeoutInstance, error) {
	query := `
		SELECT id, plan_execution_id, node_execution_id, dimension, kind,
		       duration_ms, state, paused, elapsed_ms, created_at, updated_at
		FROM timeouts
		WHERE plan_execution_id = $1 AND state = 'RUNNING'
		ORDER BY created_at ASC
	`
	rows, err := r.pool.Query(ctx, query, planExecutionID)
	if err != nil {
		return nil, fmt.Errorf("list timeouts: %w", err)
	}
	defer rows.Close()

	var out []*domain.TimeoutInstance
	for rows.Next() {
		var inst domain.TimeoutInstance
		var durationMs, elapsedMs int64
		err := rows.Scan(
			&inst.ID,
			&inst.PlanExecutionID,
			&inst.NodeExecutionID,
			&inst.Dimension,
			&inst.Kind,
			&durationMs,
			&inst.State,
			&inst.Paused,
			&elapsedMs,
			&inst.CreatedAt,
			&inst.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan timeout: %w", err)
		}
		inst.Duration = time.Duration(durationMs) * time.Millisecond
		inst.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		out = append(out, &inst)
	}
	return out, rows.Err()
}
