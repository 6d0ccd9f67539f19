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

// NodeExecutionRepo — репозиторий выполнений узлов.
//
// Запись целиком лежит в data; колонки status, parent_id и version
// дублируют поля для запросов и оптимистичной блокировки.
type NodeExecutionRepo struct {
	pool *pgxpool.Pool
}

// NewNodeExecutionRepo создаёт новый NodeExecutionRepo.
func NewNodeExecutionRepo(pool *pgxpool.Pool) *NodeExecutionRepo {
	return &NodeExecutionRepo{pool: pool}
}

// Save вставляет новую запись (Version == 0) или обновляет существующую
// при совпадении версии. После записи Version увеличивается.
func (r *NodeExecutionRepo) Save(ctx context.Context, ne *domain.NodeExecution) error {
	expected := ne.Version
	ne.Version++
	data, err := json.Marshal(ne)
	if err != nil {
		ne.Version = expected
		return fmt.Errorf("marshal node execution: %w", err)
	}

	if expected == 0 {
		err = r.insert(ctx, ne, data)
	} else {
		err = r.update(ctx, ne, data, expected)
	}
	if err != nil {
		ne.Version = expected
		return err
	}
	return nil
}

func (r *NodeExecutionRepo) insert(ctx context.Context, ne *domain.NodeExecution, data []byte) error {
	query := `
		INSERT INTO node_executions (id, plan_execution_id, node_id, status, parent_id, version, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.pool.Exec(ctx, query,
		ne.ID,
		ne.PlanExecutionID,
		ne.NodeID,
		ne.Status,
		nullString(ne.ParentID),
		ne.Version,
		data,
		ne.CreatedAt,
		ne.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: node execution %s already stored", coordinator.ErrVersionConflict, ne.ID)
	}
	if err != nil {
		return fmt.Errorf("insert node execution: %w", err)
	}
	return nil
}

func (r *NodeExecutionRepo) update(ctx context.Context, ne *domain.NodeExecution, data []byte, expected int64) error {
	query := `
		UPDATE node_executions
		SET status = $2, version = $3, data = $4, updated_at = $5
		WHERE id = $1 AND version = $6
	`
	result, err := r.pool.Exec(ctx, query,
		ne.ID,
		ne.Status,
		ne.Version,
		data,
		ne.UpdatedAt,
		expected,
	)
	if err != nil {
		return fmt.Errorf("update node execution: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: node execution %s: have %d", coordinator.ErrVersionConflict, ne.ID, expected)
	}
	return nil
}

// Get возвращает выполнение узла по ID.
func (r *NodeExecutionRepo) Get(ctx context.Context, id string) (*domain.NodeExecution, error) {
	var data []byte
	err := r.pool.QueryRow(ctx, `SELECT data FROM node_executions WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", coordinator.ErrNodeExecutionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get node execution: %w", err)
	}
	return decodeNodeExecution(data)
}

// ListByPlanExecution возвращает узлы выполнения по времени создания.
func (r *NodeExecutionRepo) ListByPlanExecution(ctx context.Context, planExecutionID uuid.UUID) ([]*domain.NodeExecution, error) {
	query := `
		SELECT data
		FROM node_executions
		WHERE plan_execution_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.pool.Query(ctx, query, planExecutionID)
	if err != nil {
		return nil, fmt.Errorf("list node executions: %w", err)
	}
	defer rows.Close()

	var out []*domain.NodeExecution
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan node execution: %w", err)
		}
		ne, err := decodeNodeExecution(data)
		if err != nil {
			return nil, err
		}
		out = append(out, ne)
	}
	return out, rows.Err()
}

func decodeNodeExecution(data []byte) (*domain.NodeExecution, error) {
	var ne domain.NodeExecution
	if err := json.Unmarshal(data, &ne); err != nil {
		return nil, fmt.Errorf("unmarshal node execution: %w", err)
	}
	return &ne, nil
}
