package delegate

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/domain"
)

// MemoryTaskStore — TaskStore в памяти процесса.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]domain.DelegateTask
}

// NewMemoryTaskStore создаёт пустой MemoryTaskStore.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[uuid.UUID]domain.DelegateTask)}
}

// Save сохраняет копию задачи.
func (s *MemoryTaskStore) Save(_ context.Context, task *domain.DelegateTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = *task
	return nil
}

// Get возвращает копию задачи.
func (s *MemoryTaskStore) Get(_ context.Context, id uuid.UUID) (*domain.DelegateTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return &t, nil
}

// ListActive возвращает незавершённые задачи.
func (s *MemoryTaskStore) ListActive(_ context.Context) ([]*domain.DelegateTask, error) {
	return s.filter(func(t *domain.DelegateTask) bool { return !t.IsFinished() }), nil
}

// FindByNodeExecution возвращает незавершённые задачи узла.
func (s *MemoryTaskStore) FindByNodeExecution(_ context.Context, nodeExecutionID string) ([]*domain.DelegateTask, error) {
	return s.filter(func(t *domain.DelegateTask) bool {
		return t.NodeExecutionID == nodeExecutionID && !t.IsFinished()
	}), nil
}

func (s *MemoryTaskStore) filter(keep func(t *domain.DelegateTask) bool) []*domain.DelegateTask {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.DelegateTask
	for _, t := range s.tasks {
		t := t
		if keep(&t) {
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// MemoryTransport — Transport, складывающий задачи в каналы воркеров.
// Используется в тестах и в однопроцессном режиме.
type MemoryTransport struct {
	mu       sync.Mutex
	inboxes  map[string]chan *domain.DelegateTask
	canceled map[uuid.UUID]string
	size     int
}

// NewMemoryTransport создаёт транспорт с буфером size на воркера.
func NewMemoryTransport(size int) *MemoryTransport {
	if size <= 0 {
		size = 16
	}
	return &MemoryTransport{
		inboxes:  make(map[string]chan *domain.DelegateTask),
		canceled: make(map[uuid.UUID]string),
		size:     size,
	}
}

// Inbox возвращает канал задач воркера.
func (t *MemoryTransport) Inbox(delegateID string) <-chan *domain.DelegateTask {
	return t.inbox(delegateID)
}

func (t *MemoryTransport) inbox(delegateID string) chan *domain.DelegateTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.inboxes[delegateID]
	if !ok {
		ch = make(chan *domain.DelegateTask, t.size)
		t.inboxes[delegateID] = ch
	}
	return ch
}

// Send кладёт копию задачи в канал воркера.
func (t *MemoryTransport) Send(ctx context.Context, delegateID string, task *domain.DelegateTask) error {
	cp := *task
	select {
	case t.inbox(delegateID) <- &cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel запоминает отмену.
func (t *MemoryTransport) Cancel(_ context.Context, delegateID string, taskID uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.canceled[taskID] = delegateID
	return nil
}

// Canceled возвращает true, если задача была отменена.
func (t *MemoryTransport) Canceled(taskID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.canceled[taskID]
	return ok
}
