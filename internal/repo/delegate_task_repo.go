package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Relay/internal/delegate"
	"github.com/shaiso/Relay/internal/domain"
)

// DelegateTaskRepo — delegate.TaskStore на Postgres.
type DelegateTaskRepo struct {
	pool *pgxpool.Pool
}

// NewDelegateTaskRepo создаёт новый DelegateTaskRepo.
func NewDelegateTaskRepo(pool *pgxpool.Pool) *DelegateTaskRepo {
	return &DelegateTaskRepo{pool: pool}
}

const delegateTaskColumns = `
	id, plan_execution_id, node_execution_id, correlation_id, type, parameters,
	selectors, status, delegate_id, attempt, outputs, error,
	expires_at, dispatched_at, finished_at, created_at
`

// Save создаёт или обновляет задачу.
func (r *DelegateTaskRepo) Save(ctx context.Context, task *domain.DelegateTask) error {
	parametersJSON, err := json.Marshal(task.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	outputsJSON, err := json.Marshal(task.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	selectors := task.Selectors
	if selectors == nil {
		selectors = []string{}
	}

	query := `
		INSERT INTO delegate_tasks (` + delegateTaskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    delegate_id = EXCLUDED.delegate_id,
		    attempt = EXCLUDED.attempt,
		    outputs = EXCLUDED.outputs,
		    error = EXCLUDED.error,
		    expires_at = EXCLUDED.expires_at,
		    dispatched_at = EXCLUDED.dispatched_at,
		    finished_at = EXCLUDED.finished_at
	`
	_, err = r.pool.Exec(ctx, query,
		task.ID,
		task.PlanExecutionID,
		task.NodeExecutionID,
		task.CorrelationID,
		task.Type,
		parametersJSON,
		selectors,
		task.Status,
		nullString(task.DelegateID),
		task.Attempt,
		outputsJSON,
		nullString(task.Error),
		task.ExpiresAt,
		task.DispatchedAt,
		task.FinishedAt,
		task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save delegate task: %w", err)
	}
	return nil
}

// Get возвращает задачу по ID.
func (r *DelegateTaskRepo) Get(ctx context.Context, id uuid.UUID) (*domain.DelegateTask, error) {
	query := `SELECT ` + delegateTaskColumns + ` FROM delegate_tasks WHERE id = $1`
	task, err := scanDelegateTask(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", delegate.ErrTaskNotFound, id)
	}
	return task, err
}

// ListActive возвращает задачи QUEUED и DISPATCHED в порядке создания.
func (r *DelegateTaskRepo) ListActive(ctx context.Context) ([]*domain.DelegateTask, error) {
	query := `
		SELECT ` + delegateTaskColumns + `
		FROM delegate_tasks
		WHERE status IN ('QUEUED', 'DISPATCHED')
		ORDER BY created_at ASC, id ASC
	`
	return r.list(ctx, query)
}

// FindByNodeExecution возвращает незавершённые задачи узла.
func (r *DelegateTaskRepo) FindByNodeExecution(ctx context.Context, nodeExecutionID string) ([]*domain.DelegateTask, error) {
	query := `
		SELECT ` + delegateTaskColumns + `
		FROM delegate_tasks
		WHERE node_execution_id = $1 AND status IN ('QUEUED', 'DISPATCHED')
		ORDER BY created_at ASC, id ASC
	`
	return r.list(ctx, query, nodeExecutionID)
}

func (r *DelegateTaskRepo) list(ctx context.Context, query string, args ...any) ([]*domain.DelegateTask, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list delegate tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.DelegateTask
	for rows.Next() {
		task, err := scanDelegateTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanDelegateTask(row pgx.Row) (*domain.DelegateTask, error) {
	var task domain.DelegateTask
	var parametersJSON, outputsJSON []byte
	var delegateID, taskError *string

	err := row.Scan(
		&task.ID,
		&task.PlanExecutionID,
		&task.NodeExecutionID,
		&task.CorrelationID,
		&task.Type,
		&parametersJSON,
		&task.Selectors,
		&task.Status,
		&delegateID,
		&task.Attempt,
		&outputsJSON,
		&taskError,
		&task.ExpiresAt,
		&task.DispatchedAt,
		&task.FinishedAt,
		&task.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan delegate task: %w", err)
	}

	if parametersJSON != nil {
		if err := json.Unmarshal(parametersJSON, &task.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	if outputsJSON != nil {
		if err := json.Unmarshal(outputsJSON, &task.Outputs); err != nil {
			return nil, fmt.Errorf("unmarshal outputs: %w", err)
		}
	}
	task.DelegateID = deref(delegateID)
	task.Error = deref(taskError)
	return &task, nil
}
