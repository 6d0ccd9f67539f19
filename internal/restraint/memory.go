package restraint

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/domain"
)

// MemoryStore — Store в памяти процесса.
//
// Критическая секция ресурса — мьютекс на ключ. Изменения транзакции
// копятся в буфере и применяются только при успешном завершении fn.
type MemoryStore struct {
	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	resources map[string]domain.ResourceRestraint
	instances map[string]map[uuid.UUID]domain.RestraintInstance
}

// NewMemoryStore создаёт пустой MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:     make(map[string]*sync.Mutex),
		resources: make(map[string]domain.ResourceRestraint),
		instances: make(map[string]map[uuid.UUID]domain.RestraintInstance),
	}
}

func (s *MemoryStore) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Atomically выполняет fn под мьютексом ресурса.
func (s *MemoryStore) Atomically(ctx context.Context, resourceKey string, fn func(ctx context.Context, tx Tx) error) error {
	l := s.keyLock(resourceKey)
	l.Lock()
	defer l.Unlock()

	tx := &memoryTx{store: s, key: resourceKey, writes: make(map[uuid.UUID]domain.RestraintInstance)}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.instances[resourceKey] == nil {
		s.instances[resourceKey] = make(map[uuid.UUID]domain.RestraintInstance)
	}
	for id, inst := range tx.writes {
		s.instances[resourceKey][id] = inst
	}
	return nil
}

// DefineResource создаёт ресурс или меняет его ёмкость.
func (s *MemoryStore) DefineResource(_ context.Context, r *domain.ResourceRestraint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[r.Key] = *r
	return nil
}

// KeysByEntity возвращает ресурсы с незавершёнными заявками сущности.
func (s *MemoryStore) KeysByEntity(_ context.Context, entityID string) ([]string, error) {
	return s.keys(func(inst *domain.RestraintInstance) bool {
		return inst.ReleaseEntityID == entityID
	}), nil
}

// KeysByRequester возвращает ресурсы с незавершёнными заявками узла.
func (s *MemoryStore) KeysByRequester(_ context.Context, requesterID string) ([]string, error) {
	return s.keys(func(inst *domain.RestraintInstance) bool {
		return inst.RequesterID == requesterID
	}), nil
}

// OpenEntities возвращает сущности, за которыми числятся незавершённые заявки.
func (s *MemoryStore) OpenEntities(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for _, byID := range s.instances {
		for _, inst := range byID {
			if inst.State == domain.RestraintFinished || seen[inst.ReleaseEntityID] {
				continue
			}
			seen[inst.ReleaseEntityID] = true
			out = append(out, inst.ReleaseEntityID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Instance возвращает копию заявки по ID.
func (s *MemoryStore) Instance(id uuid.UUID) (*domain.RestraintInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, byID := range s.instances {
		if inst, ok := byID[id]; ok {
			return &inst, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
}

func (s *MemoryStore) keys(match func(*domain.RestraintInstance) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for key, byID := range s.instances {
		for _, inst := range byID {
			if inst.State != domain.RestraintFinished && match(&inst) {
				out = append(out, key)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// memoryTx — транзакция MemoryStore.
type memoryTx struct {
	store  *MemoryStore
	key    string
	writes map[uuid.UUID]domain.RestraintInstance
}

func (tx *memoryTx) Resource(context.Context) (*domain.ResourceRestraint, error) {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	r, ok := tx.store.resources[tx.key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, tx.key)
	}
	return &r, nil
}

func (tx *memoryTx) Instances(context.Context) ([]*domain.RestraintInstance, error) {
	tx.store.mu.Lock()
	merged := make(map[uuid.UUID]domain.RestraintInstance, len(tx.store.instances[tx.key]))
	for id, inst := range tx.store.instances[tx.key] {
		merged[id] = inst
	}
	tx.store.mu.Unlock()

	for id, inst := range tx.writes {
		merged[id] = inst
	}

	out := make([]*domain.RestraintInstance, 0, len(merged))
	for _, inst := range merged {
		if inst.State == domain.RestraintFinished {
			continue
		}
		inst := inst
		out = append(out, &inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (tx *memoryTx) Save(_ context.Context, inst *domain.RestraintInstance) error {
	tx.writes[inst.ID] = *inst
	return nil
}
