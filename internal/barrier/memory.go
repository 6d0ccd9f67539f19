package barrier

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/shaiso/Relay/internal/domain"
)

// MemoryStore — Store в памяти процесса с мьютексом на барьер.
type MemoryStore struct {
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	barriers map[string]*domain.Barrier
}

// NewMemoryStore создаёт пустой MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:    make(map[string]*sync.Mutex),
		barriers: make(map[string]*domain.Barrier),
	}
}

// Atomically выполняет fn под мьютексом барьера.
func (s *MemoryStore) Atomically(ctx context.Context, key string, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()

	l.Lock()
	defer l.Unlock()

	tx := &memoryTx{store: s, key: key}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if tx.written != nil {
		s.mu.Lock()
		s.barriers[key] = tx.written
		s.mu.Unlock()
	}
	return nil
}

// ListByPlan возвращает копии барьеров выполнения плана.
func (s *MemoryStore) ListByPlan(_ context.Context, planExecutionID string) ([]*domain.Barrier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Barrier
	for _, b := range s.barriers {
		if b.PlanExecutionID == planExecutionID {
			out = append(out, clone(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

type memoryTx struct {
	store   *MemoryStore
	key     string
	written *domain.Barrier
}

func (tx *memoryTx) Get(context.Context) (*domain.Barrier, error) {
	if tx.written != nil {
		return clone(tx.written), nil
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	b, ok := tx.store.barriers[tx.key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBarrierNotFound, tx.key)
	}
	return clone(b), nil
}

func (tx *memoryTx) Save(_ context.Context, b *domain.Barrier) error {
	tx.written = clone(b)
	return nil
}

func clone(b *domain.Barrier) *domain.Barrier {
	out := *b
	out.Registered = slices.Clone(b.Registered)
	out.Arrived = slices.Clone(b.Arrived)
	out.Waiters = maps.Clone(b.Waiters)
	return &out
}
