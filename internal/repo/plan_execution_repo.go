package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Relay/internal/coordinator"
	"github.com/shaiso/Relay/internal/domain"
)

// PlanExecutionRepo — репозиторий выполнений планов.
type PlanExecutionRepo struct {
	pool *pgxpool.Pool
}

// NewPlanExecutionRepo создаёт новый PlanExecutionRepo.
func NewPlanExecutionRepo(pool *pgxpool.Pool) *PlanExecutionRepo {
	return &PlanExecutionRepo{pool: pool}
}

const planExecutionColumns = `
	id, plan_id, status, ambiance, inputs, idempotency_key, error,
	started_at, finished_at, created_at
`

// Create создаёт выполнение. Занятый ключ идемпотентности даёт
// coordinator.ErrDuplicateIdempotencyKey.
func (r *PlanExecutionRepo) Create(ctx context.Context, pe *domain.PlanExecution) error {
	ambianceJSON, err := json.Marshal(pe.Ambiance)
	if err != nil {
		return fmt.Errorf("marshal ambiance: %w", err)
	}
	inputsJSON, err := json.Marshal(pe.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}

	query := `
		INSERT INTO plan_executions (` + planExecutionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.pool.Exec(ctx, query,
		pe.ID,
		pe.PlanID,
		pe.Status,
		ambianceJSON,
		inputsJSON,
		nullString(pe.IdempotencyKey),
		nullString(pe.Error),
		pe.StartedAt,
		pe.FinishedAt,
		pe.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %q", coordinator.ErrDuplicateIdempotencyKey, pe.IdempotencyKey)
	}
	if err != nil {
		return fmt.Errorf("insert plan execution: %w", err)
	}
	return nil
}

// Update обновляет статус и время выполнения.
func (r *PlanExecutionRepo) Update(ctx context.Context, pe *domain.PlanExecution) error {
	query := `
		UPDATE plan_executions
		SET status = $2, error = $3, started_at = $4, finished_at = $5
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		pe.ID,
		pe.Status,
		nullString(pe.Error),
		pe.StartedAt,
		pe.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update plan execution: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", coordinator.ErrPlanExecutionNotFound, pe.ID)
	}
	return nil
}

// Get возвращает выполнение по ID.
func (r *PlanExecutionRepo) Get(ctx context.Context, id uuid.UUID) (*domain.PlanExecution, error) {
	query := `SELECT ` + planExecutionColumns + ` FROM plan_executions WHERE id = $1`
	pe, err := scanPlanExecution(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", coordinator.ErrPlanExecutionNotFound, id)
	}
	return pe, err
}

// GetByIdempotencyKey возвращает выполнение по ключу идемпотентности.
func (r *PlanExecutionRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.PlanExecution, error) {
	query := `SELECT ` + planExecutionColumns + ` FROM plan_executions WHERE idempotency_key = $1`
	pe, err := scanPlanExecution(r.pool.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: idempotency key %q", coordinator.ErrPlanExecutionNotFound, key)
	}
	return pe, err
}

// ListUnfinished возвращает выполнения PENDING, RUNNING и PAUSED, старые первыми.
func (r *PlanExecutionRepo) ListUnfinished(ctx context.Context, limit int) ([]*domain.PlanExecution, error) {
	query := `
		SELECT ` + planExecutionColumns + `
		FROM plan_executions
		WHERE status IN ('PENDING', 'RUNNING', 'PAUSED')
		ORDER BY created_at ASC
		LIMIT $1
	`
	return r.list(ctx, query, limitOrAll(limit))
}

// List возвращает последние выполнения плана; uuid.Nil — по всем планам.
func (r *PlanExecutionRepo) List(ctx context.Context, planID uuid.UUID, limit int) ([]*domain.PlanExecution, error) {
	query := `
		SELECT ` + planExecutionColumns + `
		FROM plan_executions
		WHERE ($1::uuid IS NULL OR plan_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`
	var filter *uuid.UUID
	if planID != uuid.Nil {
		filter = &planID
	}
	return r.list(ctx, query, filter, limitOrAll(limit))
}

func (r *PlanExecutionRepo) list(ctx context.Context, query string, args ...any) ([]*domain.PlanExecution, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list plan executions: %w", err)
	}
	defer rows.Close()

	var out []*domain.PlanExecution
	for rows.Next() {
		pe, err := scanPlanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pe)
	}
	return out, rows.Err()
}

// limitOrAll превращает 0 в NULL: LIMIT NULL означает без ограничения.
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func scanPlanExecution(row pgx.Row) (*domain.PlanExecution, error) {
	var pe domain.PlanExecution
	var ambianceJSON, inputsJSON []byte
	var idempotencyKey, peError *string

	err := row.Scan(
		&pe.ID,
		&pe.PlanID,
		&pe.Status,
		&ambianceJSON,
		&inputsJSON,
		&idempotencyKey,
		&peError,
		&pe.StartedAt,
		&pe.FinishedAt,
		&pe.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan plan execution: %w", err)
	}

	if err := json.Unmarshal(ambianceJSON, &pe.Ambiance); err != nil {
		return nil, fmt.Errorf("unmarshal ambiance: %w", err)
	}
	if inputsJSON != nil {
		if err := json.Unmarshal(inputsJSON, &pe.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal inputs: %w", err)
		}
	}
	pe.IdempotencyKey = deref(idempotencyKey)
	pe.Error = deref(peError)
	return &pe, nil
}
