package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/restraint"
)

// RestraintRepo — restraint.Store на Postgres.
type RestraintRepo struct {
	pool *pgxpool.Pool
}

// NewRestraintRepo создаёт новый RestraintRepo.
func NewRestraintRepo(pool *pgxpool.Pool) *RestraintRepo {
	return &RestraintRepo{pool: pool}
}

// Atomically выполняет fn в транзакции под lock'ом ресурса.
// Ошибка fn откатывает все записанные заявки.
func (r *RestraintRepo) Atomically(ctx context.Context, resourceKey string, fn func(ctx context.Context, tx restraint.Tx) error) error {
	return lockedTx(ctx, r.pool, "restraint", resourceKey, func(tx pgx.Tx) error {
		return fn(ctx, &restraintTx{tx: tx, key: resourceKey})
	})
}

// DefineResource создаёт ресурс или меняет его ёмкость.
func (r *RestraintRepo) DefineResource(ctx context.Context, res *domain.ResourceRestraint) error {
	query := `
		INSERT INTO resource_restraints (key, capacity)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET capacity = EXCLUDED.capacity
	`
	if _, err := r.pool.Exec(ctx, query, res.Key, res.Capacity); err != nil {
		return fmt.Errorf("define resource: %w", err)
	}
	return nil
}

// KeysByEntity возвращает ресурсы с незавершёнными заявками сущности.
func (r *RestraintRepo) KeysByEntity(ctx context.Context, entityID string) ([]string, error) {
	return r.keys(ctx, `
		SELECT DISTINCT resource_key FROM restraint_instances
		WHERE release_entity_id = $1 AND state <> 'FINISHED'
		ORDER BY resource_key
	`, entityID)
}

// KeysByRequester возвращает ресурсы с незавершёнными заявками узла.
func (r *RestraintRepo) KeysByRequester(ctx context.Context, requesterID string) ([]string, error) {
	return r.keys(ctx, `
		SELECT DISTINCT resource_key FROM restraint_instances
		WHERE requester_id = $1 AND state <> 'FINISHED'
		ORDER BY resource_key
	`, requesterID)
}

// OpenEntities возвращает сущности, за которыми числятся незавершённые заявки.
func (r *RestraintRepo) OpenEntities(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT release_entity_id FROM restraint_instances
		WHERE state <> 'FINISHED'
		ORDER BY release_entity_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list restraint entities: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan restraint entity: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *RestraintRepo) keys(ctx context.Context, query string, id string) ([]string, error) {
	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("list restraint keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan restraint key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

type restraintTx struct {
	tx  pgx.Tx
	key string
}

func (t *restraintTx) Resource(ctx context.Context) (*domain.ResourceRestraint, error) {
	res := domain.ResourceRestraint{Key: t.key}
	err := t.tx.QueryRow(ctx, `SELECT capacity FROM resource_restraints WHERE key = $1`, t.key).Scan(&res.Capacity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", restraint.ErrResourceNotFound, t.key)
	}
	if err != nil {
		return nil, fmt.Errorf("get resource: %w", err)
	}
	return &res, nil
}

func (t *restraintTx) Instances(ctx context.Context) ([]*domain.RestraintInstance, error) {
	query := `
		SELECT id, resource_key, scope, release_entity_id, requester_id, correlation_id,
		       weight, ordering_key, state, created_at, updated_at
		FROM restraint_instances
		WHERE resource_key = $1 AND state <> 'FINISHED'
		ORDER BY ordering_key ASC, created_at ASC
	`
	rows, err := t.tx.Query(ctx, query, t.key)
	if err != nil {
		return nil, fmt.Errorf("list restraint instances: %w", err)
	}
	defer rows.Close()

	var out []*domain.RestraintInstance
	for rows.Next() {
		var inst domain.RestraintInstance
		err := rows.Scan(
			&inst.ID,
			&inst.ResourceKey,
			&inst.Scope,
			&inst.ReleaseEntityID,
			&inst.RequesterID,
			&inst.CorrelationID,
			&inst.Weight,
			&inst.OrderingKey,
			&inst.State,
			&inst.CreatedAt,
			&inst.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan restraint instance: %w", err)
		}
		out = append(out, &inst)
	}
	return out, rows.Err()
}

func (t *restraintTx) Save(ctx context.Context, inst *domain.RestraintInstance) error {
	query := `
		INSERT INTO restraint_instances (id, resource_key, scope, release_entity_id, requester_id,
		                                 correlation_id, weight, ordering_key, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
	`
	_, err := t.tx.Exec(ctx, query,
		inst.ID,
		t.key,
		inst.Scope,
		inst.ReleaseEntityID,
		inst.RequesterID,
		inst.CorrelationID,
		inst.Weight,
		inst.OrderingKey,
		inst.State,
		inst.CreatedAt,
		inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save restraint instance: %w", err)
	}
	return nil
}
