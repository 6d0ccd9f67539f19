package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/domain"
)

// MemoryPlanStore — PlanStore в памяти процесса.
type MemoryPlanStore struct {
	mu    sync.RWMutex
	plans map[uuid.UUID]*domain.Plan
}

// NewMemoryPlanStore создаёт пустой MemoryPlanStore.
func NewMemoryPlanStore() *MemoryPlanStore {
	return &MemoryPlanStore{plans: make(map[uuid.UUID]*domain.Plan)}
}

// Save сохраняет копию плана.
func (s *MemoryPlanStore) Save(_ context.Context, plan *domain.Plan) error {
	cp, err := deepCopy(plan)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.ID] = cp
	return nil
}

// Get возвращает копию плана.
func (s *MemoryPlanStore) Get(_ context.Context, id uuid.UUID) (*domain.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	return deepCopy(p)
}

// List возвращает копии всех планов по времени создания.
func (s *MemoryPlanStore) List(_ context.Context) ([]*domain.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		cp, err := deepCopy(p)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MemoryPlanExecutionStore — PlanExecutionStore в памяти процесса.
type MemoryPlanExecutionStore struct {
	mu         sync.RWMutex
	executions map[uuid.UUID]*domain.PlanExecution
}

// NewMemoryPlanExecutionStore создаёт пустой MemoryPlanExecutionStore.
func NewMemoryPlanExecutionStore() *MemoryPlanExecutionStore {
	return &MemoryPlanExecutionStore{executions: make(map[uuid.UUID]*domain.PlanExecution)}
}

// Create сохраняет новое выполнение. Ключ идемпотентности уникален.
func (s *MemoryPlanExecutionStore) Create(_ context.Context, pe *domain.PlanExecution) error {
	cp, err := deepCopy(pe)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pe.IdempotencyKey != "" {
		for _, other := range s.executions {
			if other.IdempotencyKey == pe.IdempotencyKey {
				return fmt.Errorf("%w: %q already used by %s", ErrDuplicateIdempotencyKey, pe.IdempotencyKey, other.ID)
			}
		}
	}
	s.executions[pe.ID] = cp
	return nil
}

// Update перезаписывает выполнение.
func (s *MemoryPlanExecutionStore) Update(_ context.Context, pe *domain.PlanExecution) error {
	cp, err := deepCopy(pe)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[pe.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrPlanExecutionNotFound, pe.ID)
	}
	s.executions[pe.ID] = cp
	return nil
}

// Get возвращает копию выполнения.
func (s *MemoryPlanExecutionStore) Get(_ context.Context, id uuid.UUID) (*domain.PlanExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pe, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanExecutionNotFound, id)
	}
	return deepCopy(pe)
}

// GetByIdempotencyKey ищет выполнение по ключу идемпотентности.
func (s *MemoryPlanExecutionStore) GetByIdempotencyKey(_ context.Context, key string) (*domain.PlanExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, pe := range s.executions {
		if key != "" && pe.IdempotencyKey == key {
			return deepCopy(pe)
		}
	}
	return nil, fmt.Errorf("%w: idempotency key %q", ErrPlanExecutionNotFound, key)
}

// ListUnfinished возвращает незавершённые выполнения, старые первыми.
func (s *MemoryPlanExecutionStore) ListUnfinished(_ context.Context, limit int) ([]*domain.PlanExecution, error) {
	return s.filter(limit, false, func(pe *domain.PlanExecution) bool { return !pe.IsFinished() })
}

// List возвращает выполнения, новые первыми.
func (s *MemoryPlanExecutionStore) List(_ context.Context, planID uuid.UUID, limit int) ([]*domain.PlanExecution, error) {
	return s.filter(limit, true, func(pe *domain.PlanExecution) bool {
		return planID == uuid.Nil || pe.PlanID == planID
	})
}

func (s *MemoryPlanExecutionStore) filter(limit int, newestFirst bool, keep func(pe *domain.PlanExecution) bool) ([]*domain.PlanExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.PlanExecution
	for _, pe := range s.executions {
		if !keep(pe) {
			continue
		}
		cp, err := deepCopy(pe)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryNodeExecutionStore — NodeExecutionStore в памяти процесса.
type MemoryNodeExecutionStore struct {
	mu    sync.RWMutex
	nodes map[string]*domain.NodeExecution
}

// NewMemoryNodeExecutionStore создаёт пустой MemoryNodeExecutionStore.
func NewMemoryNodeExecutionStore() *MemoryNodeExecutionStore {
	return &MemoryNodeExecutionStore{nodes: make(map[string]*domain.NodeExecution)}
}

// Save сохраняет копию с проверкой версии.
func (s *MemoryNodeExecutionStore) Save(_ context.Context, ne *domain.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.nodes[ne.ID]
	switch {
	case ok && current.Version != ne.Version:
		return fmt.Errorf("%w: node execution %s: have %d, stored %d", ErrVersionConflict, ne.ID, ne.Version, current.Version)
	case !ok && ne.Version != 0:
		return fmt.Errorf("%w: node execution %s: not stored yet", ErrVersionConflict, ne.ID)
	}

	ne.Version++
	cp, err := deepCopy(ne)
	if err != nil {
		ne.Version--
		return err
	}
	s.nodes[ne.ID] = cp
	return nil
}

// Get возвращает копию выполнения узла.
func (s *MemoryNodeExecutionStore) Get(_ context.Context, id string) (*domain.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ne, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeExecutionNotFound, id)
	}
	return deepCopy(ne)
}

// ListByPlanExecution возвращает узлы выполнения по времени создания.
func (s *MemoryNodeExecutionStore) ListByPlanExecution(_ context.Context, planExecutionID uuid.UUID) ([]*domain.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.NodeExecution
	for _, ne := range s.nodes {
		if ne.PlanExecutionID != planExecutionID {
			continue
		}
		cp, err := deepCopy(ne)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sortNodeExecutions(out)
	return out, nil
}

// sortNodeExecutions упорядочивает по времени создания, затем по ID.
func sortNodeExecutions(nes []*domain.NodeExecution) {
	sort.Slice(nes, func(i, j int) bool {
		if nes[i].CreatedAt.Equal(nes[j].CreatedAt) {
			return nes[i].ID < nes[j].ID
		}
		return nes[i].CreatedAt.Before(nes[j].CreatedAt)
	})
}

// deepCopy копирует значение через JSON: все вложенные map и срезы
// получаются независимыми от оригинала.
func deepCopy[T any](v *T) (*T, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("copy %T: %w", v, err)
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("copy %T: %w", v, err)
	}
	return out, nil
}
