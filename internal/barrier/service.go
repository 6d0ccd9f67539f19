// Package barrier реализует барьеры: точки встречи параллельных веток.
//
// Участники регистрируются при старте плана. Каждый пришедший
// участник (Arrive) оставляет correlation ID и ждёт. Барьер
// опускается ровно тогда, когда пришли все RequiredCount участников,
// и все ожидающие получают уведомление. Если участник прерван до
// прихода, барьер опускается принудительно (Abandon) с маркером
// ошибки, чтобы остальные ветки не ждали вечно.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/telemetry"
)

// Notifier — получатель уведомлений об опускании барьера.
type Notifier interface {
	Notify(n *domain.Notification) bool
}

// Config — конфигурация Service.
type Config struct {
	Store    Store
	Notifier Notifier // опционально
	Logger   *slog.Logger
	Now      func() time.Time
}

// Service — сервис барьеров.
type Service struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// New создаёт Service.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

// Key возвращает ключ барьера в рамках выполнения плана.
func Key(planExecutionID, barrierID string) string {
	return planExecutionID + "/" + barrierID
}

// RegisterParticipant регистрирует участника, создавая барьер при первом вызове.
// Повторная регистрация того же участника ничего не меняет.
func (s *Service) RegisterParticipant(ctx context.Context, key, planExecutionID, participant string, required int) (*domain.Barrier, error) {
	if required < 1 {
		return nil, fmt.Errorf("register %s on %s: required count must be positive", participant, key)
	}

	var result *domain.Barrier
	err := s.store.Atomically(ctx, key, func(ctx context.Context, tx Tx) error {
		b, err := tx.Get(ctx)
		switch {
		case errors.Is(err, ErrBarrierNotFound):
			b = domain.NewBarrier(key, planExecutionID, required)
		case err != nil:
			return err
		}

		if b.IsRegistered(participant) {
			result = b
			return nil
		}
		b.Registered = append(b.Registered, participant)
		b.UpdatedAt = s.now()
		result = b
		return tx.Save(ctx, b)
	})
	if err != nil {
		return nil, fmt.Errorf("register %s on %s: %w", participant, key, err)
	}
	return result, nil
}

// Arrive отмечает приход участника и сохраняет его correlation ID.
//
// Если участник последний, барьер опускается и все ожидающие получают
// уведомление. Если барьер уже опущен, уведомление с его исходом
// отправляется только пришедшему.
func (s *Service) Arrive(ctx context.Context, key, participant, correlationID string) (*domain.Barrier, error) {
	var (
		result   *domain.Barrier
		waiters  []string
		justDown bool
	)

	err := s.store.Atomically(ctx, key, func(ctx context.Context, tx Tx) error {
		waiters, justDown = nil, false

		b, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		if !b.IsRegistered(participant) {
			return fmt.Errorf("%w: %s", ErrNotParticipant, participant)
		}
		result = b

		if b.IsDown() {
			waiters = []string{correlationID}
			return nil
		}
		if !b.HasArrived(participant) {
			b.Arrived = append(b.Arrived, participant)
		}
		if b.Waiters == nil {
			b.Waiters = make(map[string]string)
		}
		b.Waiters[participant] = correlationID
		b.UpdatedAt = s.now()

		if len(b.Arrived) == b.RequiredCount {
			b.State = domain.BarrierDown
			b.Outcome = domain.BarrierReleased
			waiters = sortedWaiters(b)
			justDown = true
		}
		return tx.Save(ctx, b)
	})
	if err != nil {
		return nil, fmt.Errorf("arrive %s on %s: %w", participant, key, err)
	}

	if justDown {
		s.logDown(result)
	}
	s.release(result, waiters)
	return result, nil
}

// Abandon принудительно опускает барьер из-за участника participant.
// Ожидающие получают уведомление с ошибкой BARRIER_ABANDONED.
func (s *Service) Abandon(ctx context.Context, key, participant, reason string) (*domain.Barrier, error) {
	return s.abandon(ctx, key, participant, reason, false)
}

// AbandonIfNotArrived опускает барьер, только если участник
// зарегистрирован и ещё не пришёл.
func (s *Service) AbandonIfNotArrived(ctx context.Context, key, participant, reason string) (*domain.Barrier, error) {
	return s.abandon(ctx, key, participant, reason, true)
}

// AbandonPlan опускает все стоящие барьеры выполнения плана.
func (s *Service) AbandonPlan(ctx context.Context, planExecutionID, reason string) error {
	barriers, err := s.store.ListByPlan(ctx, planExecutionID)
	if err != nil {
		return fmt.Errorf("abandon barriers of %s: %w", planExecutionID, err)
	}
	for _, b := range barriers {
		if b.IsDown() {
			continue
		}
		if _, err := s.abandon(ctx, b.Key, "", reason, false); err != nil {
			return err
		}
	}
	return nil
}

// Get возвращает барьер.
func (s *Service) Get(ctx context.Context, key string) (*domain.Barrier, error) {
	var result *domain.Barrier
	err := s.store.Atomically(ctx, key, func(ctx context.Context, tx Tx) error {
		b, err := tx.Get(ctx)
		result = b
		return err
	})
	return result, err
}

func (s *Service) abandon(ctx context.Context, key, participant, reason string, onlyIfAbsent bool) (*domain.Barrier, error) {
	var (
		result   *domain.Barrier
		waiters  []string
		justDown bool
	)

	err := s.store.Atomically(ctx, key, func(ctx context.Context, tx Tx) error {
		waiters, justDown = nil, false

		b, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		result = b

		if b.IsDown() {
			return nil
		}
		if onlyIfAbsent && (!b.IsRegistered(participant) || b.HasArrived(participant)) {
			return nil
		}

		b.State = domain.BarrierDown
		b.Outcome = domain.BarrierAbandoned
		b.AbandonedBy = participant
		b.Reason = reason
		b.UpdatedAt = s.now()
		waiters = sortedWaiters(b)
		justDown = true
		return tx.Save(ctx, b)
	})
	if err != nil {
		return nil, fmt.Errorf("abandon %s: %w", key, err)
	}

	if justDown {
		s.logDown(result)
		s.release(result, waiters)
	}
	return result, nil
}

// release уведомляет ожидающих об исходе барьера.
func (s *Service) release(b *domain.Barrier, waiters []string) {
	if s.notifier == nil {
		return
	}
	for _, corr := range waiters {
		if corr == "" {
			continue
		}
		n := &domain.Notification{
			CorrelationID: corr,
			Status:        domain.StatusSucceeded,
			Outputs:       map[string]any{"barrier": b.Key, "outcome": string(b.Outcome)},
		}
		if b.Outcome == domain.BarrierAbandoned {
			n.Status = domain.StatusFailed
			n.Failure = &domain.FailureInfo{
				Kind:    domain.FailureBarrierAbandoned,
				Message: fmt.Sprintf("%s: %s by %q: %s", ErrBarrierAbandoned, b.Key, b.AbandonedBy, b.Reason),
			}
		}
		s.notifier.Notify(n)
	}
}

func (s *Service) logDown(b *domain.Barrier) {
	telemetry.BarriersDown.WithLabelValues(string(b.Outcome)).Inc()
	s.logger.Info("barrier down",
		"barrier", b.Key,
		"outcome", b.Outcome,
		"arrived", len(b.Arrived),
		"required", b.RequiredCount,
		"abandoned_by", b.AbandonedBy,
	)
}

func sortedWaiters(b *domain.Barrier) []string {
	participants := make([]string, 0, len(b.Waiters))
	for p := range b.Waiters {
		participants = append(participants, p)
	}
	sort.Strings(participants)

	out := make([]string, 0, len(participants))
	for _, p := range participants {
		out = append(out, b.Waiters[p])
	}
	return out
}
