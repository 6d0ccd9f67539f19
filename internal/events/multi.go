package events

import (
	"context"
	"errors"
	"sync"
)

// Multi рассылает событие во все sink'и.
// Ошибка одного sink'а не мешает остальным.
type Multi []Sink

// Emit вызывает все sink'и и объединяет ошибки.
func (m Multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder хранит последние события в кольцевом буфере.
// Используется API (последние события) и тестами.
type Recorder struct {
	mu     sync.RWMutex
	size   int
	events []Event
	index  int
	full   bool
}

// NewRecorder создаёт Recorder на size событий.
func NewRecorder(size int) *Recorder {
	if size <= 0 {
		size = 256
	}
	return &Recorder{
		size:   size,
		events: make([]Event, size),
	}
}

// Emit добавляет событие, вытесняя самое старое.
func (r *Recorder) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[r.index] = e
	r.index = (r.index + 1) % r.size
	if r.index == 0 {
		r.full = true
	}
	return nil
}

// Snapshot возвращает события от старых к новым.
func (r *Recorder) Snapshot() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.full {
		return append([]Event{}, r.events[:r.index]...)
	}

	out := make([]Event, 0, r.size)
	out = append(out, r.events[r.index:]...)
	out = append(out, r.events[:r.index]...)
	return out
}
