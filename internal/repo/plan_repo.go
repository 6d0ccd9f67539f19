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

// PlanRepo — репозиторий планов. Узлы хранятся одним JSONB документом:
// план неизменяем и всегда читается целиком.
type PlanRepo struct {
	pool *pgxpool.Pool
}

// NewPlanRepo создаёт новый PlanRepo.
func NewPlanRepo(pool *pgxpool.Pool) *PlanRepo {
	return &PlanRepo{pool: pool}
}

// Save сохраняет план. Повторное сохранение того же ID ничего не меняет.
func (r *PlanRepo) Save(ctx context.Context, plan *domain.Plan) error {
	nodesJSON, err := json.Marshal(plan.Nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}

	query := `
		INSERT INTO plans (id, name, start_node, nodes, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = r.pool.Exec(ctx, query,
		plan.ID,
		plan.Name,
		plan.StartNodeID,
		nodesJSON,
		plan.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

// Get возвращает план по ID.
func (r *PlanRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Plan, error) {
	query := `
		SELECT id, name, start_node, nodes, created_at
		FROM plans
		WHERE id = $1
	`
	plan, err := scanPlan(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", coordinator.ErrPlanNotFound, id)
	}
	return plan, err
}

// List возвращает все планы, новые первыми.
func (r *PlanRepo) List(ctx context.Context) ([]*domain.Plan, error) {
	query := `
		SELECT id, name, start_node, nodes, created_at
		FROM plans
		ORDER BY created_at DESC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []*domain.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

func scanPlan(row pgx.Row) (*domain.Plan, error) {
	var plan domain.Plan
	var nodesJSON []byte

	err := row.Scan(&plan.ID, &plan.Name, &plan.StartNodeID, &nodesJSON, &plan.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	if err := json.Unmarshal(nodesJSON, &plan.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	return &plan, nil
}
