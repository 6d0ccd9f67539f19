package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/shaiso/Relay/internal/config"
	"github.com/shaiso/Relay/internal/domain"
)

// Starter запускает выполнение плана. Реализуется *coordinator.Coordinator.
type Starter interface {
	StartExecution(ctx context.Context, planID uuid.UUID, inputs map[string]any, idempotencyKey string) (*domain.PlanExecution, error)
}

// entry — триггер с разобранным расписанием.
type entry struct {
	name     string
	planID   uuid.UUID
	inputs   map[string]any
	schedule cron.Schedule
	nextDue  time.Time
}

// Scheduler — планировщик триггеров.
type Scheduler struct {
	starter  Starter
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries []*entry
}

// Config — конфигурация Scheduler.
type Config struct {
	Triggers []config.Trigger
	Starter  Starter
	Logger   *slog.Logger
	Interval time.Duration    // период тика (default: 1s)
	Now      func() time.Time // для тестов
}

// New создаёт Scheduler. Отключённые триггеры пропускаются, некорректные
// дают ошибку: лучше не стартовать, чем молча не запускать план.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Starter == nil {
		return nil, errors.New("trigger starter is required")
	}

	s := &Scheduler{
		starter:  cfg.Starter,
		logger:   cfg.Logger,
		interval: cfg.Interval,
		now:      cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.interval <= 0 {
		s.interval = time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}

	start := s.now()
	for _, t := range cfg.Triggers {
		if t.Disabled {
			s.logger.Info("trigger disabled", "trigger", t.Name)
			continue
		}
		planID, err := uuid.Parse(t.PlanID)
		if err != nil {
			return nil, fmt.Errorf("trigger %s: invalid plan_id: %w", t.Name, err)
		}
		schedule, err := ParseCron(t.Cron)
		if err != nil {
			return nil, fmt.Errorf("trigger %s: %w", t.Name, err)
		}
		s.entries = append(s.entries, &entry{
			name:     t.Name,
			planID:   planID,
			inputs:   t.Inputs,
			schedule: schedule,
			nextDue:  NextDue(schedule, start),
		})
	}

	return s, nil
}

// Len возвращает число активных триггеров.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// NextDue возвращает время следующего срабатывания триггера.
func (s *Scheduler) NextDue(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.name == name {
			return e.nextDue, true
		}
	}
	return time.Time{}, false
}

// Run вызывает Tick каждый interval до отмены ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.Len() == 0 {
		s.logger.Debug("no triggers configured")
		<-ctx.Done()
		return nil
	}

	s.logger.Info("trigger scheduler started", "triggers", s.Len(), "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("trigger scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick запускает выполнения для наступивших триггеров.
// Возвращает число запущенных выполнений.
//
// Пропущенные за время простоя срабатывания не догоняются: после
// запуска следующее время считается от текущего момента.
// Ошибка одного триггера не блокирует остальные.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.nextDue.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	started := 0
	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		if err := s.fire(ctx, e, now); err != nil {
			s.logger.Error("failed to fire trigger",
				"trigger", e.name,
				"plan_id", e.planID,
				"error", err,
			)
			// Повторим на следующем тике с тем же ключом
			continue
		}
		started++
	}

	return started
}

// fire запускает выполнение и сдвигает nextDue.
func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) error {
	s.mu.Lock()
	due := e.nextDue
	s.mu.Unlock()

	// Один запуск на триггер и время срабатывания
	key := fmt.Sprintf("%s_%d", e.name, due.Unix())

	pe, err := s.starter.StartExecution(ctx, e.planID, e.inputs, key)
	if err != nil {
		return fmt.Errorf("start execution: %w", err)
	}

	s.mu.Lock()
	e.nextDue = NextDue(e.schedule, now)
	next := e.nextDue
	s.mu.Unlock()

	s.logger.Info("trigger fired",
		"trigger", e.name,
		"plan_id", e.planID,
		"plan_execution_id", pe.ID,
		"idempotency_key", key,
		"next_due", next,
	)
	return nil
}
