// Package restraint реализует ресурсные ограничения: распределённый
// семафор с ёмкостью для каждого именованного ресурса.
//
// Заявка (Acquire) сразу становится ACTIVE, если её вес помещается в
// свободную ёмкость, иначе ставится в очередь BLOCKED. Когда сущность,
// к которой привязана заявка, завершается (ReleaseByEntity), заявка
// переходит в FINISHED, а голова очереди продвигается в ACTIVE, пока
// помещается.
//
// Все решения для одного ресурса принимаются внутри Store.Atomically,
// поэтому две заблокированные заявки не могут одновременно увидеть
// свободную ёмкость.
package restraint

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/telemetry"
)

// Notifier — получатель уведомлений о переходе заявки в ACTIVE.
type Notifier interface {
	Notify(n *domain.Notification) bool
}

// Request — заявка на ресурс.
type Request struct {
	ResourceKey     string
	Scope           domain.HoldingScope
	ReleaseEntityID string
	RequesterID     string
	CorrelationID   string
	Weight          int

	// OrderingKey — приоритет в очереди, меньше — раньше. Заявки с
	// равным ключом (в том числе с нулевым по умолчанию) идут в порядке подачи.
	OrderingKey int64
}

// Config — конфигурация Service.
type Config struct {
	Store    Store
	Notifier Notifier // опционально
	Logger   *slog.Logger
	Now      func() time.Time
}

// Service — сервис ресурсных ограничений.
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

// DefineResource объявляет ресурс с ёмкостью.
func (s *Service) DefineResource(ctx context.Context, key string, capacity int) error {
	if key == "" || capacity < 1 {
		return fmt.Errorf("define resource %q: capacity must be positive, got %d", key, capacity)
	}
	return s.store.DefineResource(ctx, &domain.ResourceRestraint{Key: key, Capacity: capacity})
}

// Acquire подаёт заявку.
//
// Повторная заявка того же RequesterID на тот же ресурс возвращает
// существующую: так шаг, перезапущенный после рестарта, не занимает
// ёмкость дважды.
//
// Когда заявка становится ACTIVE (сразу или позже), по её
// CorrelationID отправляется уведомление.
func (s *Service) Acquire(ctx context.Context, req Request) (*domain.RestraintInstance, error) {
	if req.Weight == 0 {
		req.Weight = 1
	}
	if req.Scope == "" {
		req.Scope = domain.ScopePlan
	}

	var result *domain.RestraintInstance
	err := s.store.Atomically(ctx, req.ResourceKey, func(ctx context.Context, tx Tx) error {
		resource, err := tx.Resource(ctx)
		if err != nil {
			return err
		}
		if req.Weight < 1 || req.Weight > resource.Capacity {
			return fmt.Errorf("%w: weight %d, capacity %d", ErrInvalidWeight, req.Weight, resource.Capacity)
		}

		instances, err := tx.Instances(ctx)
		if err != nil {
			return err
		}
		for _, inst := range instances {
			if inst.RequesterID == req.RequesterID {
				result = inst
				return nil
			}
		}

		active := activeWeight(instances)
		if err := s.checkCapacity(resource, active); err != nil {
			return err
		}

		now := s.now()
		inst := &domain.RestraintInstance{
			ID:              uuid.New(),
			ResourceKey:     req.ResourceKey,
			Scope:           req.Scope,
			ReleaseEntityID: req.ReleaseEntityID,
			RequesterID:     req.RequesterID,
			CorrelationID:   req.CorrelationID,
			Weight:          req.Weight,
			OrderingKey:     req.OrderingKey,
			State:           domain.RestraintBlocked,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if active+inst.Weight <= resource.Capacity {
			inst.State = domain.RestraintActive
			active += inst.Weight
		}

		if err := tx.Save(ctx, inst); err != nil {
			return err
		}
		telemetry.RestraintActiveWeight.WithLabelValues(req.ResourceKey).Set(float64(active))
		result = inst
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", req.ResourceKey, err)
	}

	if result.State == domain.RestraintActive {
		s.notifyActive(result)
	} else {
		telemetry.RestraintBlocked.WithLabelValues(req.ResourceKey).Inc()
	}

	s.logger.Debug("restraint acquired",
		"resource", result.ResourceKey,
		"requester_id", result.RequesterID,
		"weight", result.Weight,
		"state", result.State,
	)
	return result, nil
}

// ReleaseByEntity завершает все заявки, привязанные к entityID, и
// продвигает очереди затронутых ресурсов.
func (s *Service) ReleaseByEntity(ctx context.Context, entityID string) error {
	keys, err := s.store.KeysByEntity(ctx, entityID)
	if err != nil {
		return fmt.Errorf("release %s: %w", entityID, err)
	}
	for _, key := range keys {
		if err := s.finish(ctx, key, func(inst *domain.RestraintInstance) bool {
			return inst.ReleaseEntityID == entityID
		}); err != nil {
			return fmt.Errorf("release %s on %s: %w", entityID, key, err)
		}
	}
	return nil
}

// ReleaseOrphans освобождает заявки сущностей, которые уже завершились,
// но не успели отпустить ресурсы (например, процесс упал между
// освобождением и записью статуса). finished решает, завершена ли
// сущность; сущности с ошибкой проверки пропускаются.
func (s *Service) ReleaseOrphans(ctx context.Context, finished func(ctx context.Context, entityID string) (bool, error)) (int, error) {
	entities, err := s.store.OpenEntities(ctx)
	if err != nil {
		return 0, fmt.Errorf("list restraint entities: %w", err)
	}

	released := 0
	for _, id := range entities {
		done, err := finished(ctx, id)
		if err != nil {
			s.logger.Warn("failed to check restraint holder", "entity_id", id, "error", err)
			continue
		}
		if !done {
			continue
		}
		if err := s.ReleaseByEntity(ctx, id); err != nil {
			return released, err
		}
		s.logger.Info("orphaned restraints released", "entity_id", id)
		released++
	}
	return released, nil
}

// Cancel завершает заявки узла requesterID (ACTIVE и BLOCKED).
// Используется при прерывании узла, ожидающего ресурс.
func (s *Service) Cancel(ctx context.Context, requesterID string) error {
	keys, err := s.store.KeysByRequester(ctx, requesterID)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", requesterID, err)
	}
	for _, key := range keys {
		if err := s.finish(ctx, key, func(inst *domain.RestraintInstance) bool {
			return inst.RequesterID == requesterID
		}); err != nil {
			return fmt.Errorf("cancel %s on %s: %w", requesterID, key, err)
		}
	}
	return nil
}

// ActiveWeight возвращает сумму весов ACTIVE заявок ресурса.
func (s *Service) ActiveWeight(ctx context.Context, key string) (int, error) {
	var active int
	err := s.store.Atomically(ctx, key, func(ctx context.Context, tx Tx) error {
		instances, err := tx.Instances(ctx)
		if err != nil {
			return err
		}
		active = activeWeight(instances)
		return nil
	})
	return active, err
}

// finish переводит подходящие заявки ресурса в FINISHED и продвигает очередь.
func (s *Service) finish(ctx context.Context, key string, match func(*domain.RestraintInstance) bool) error {
	var promoted []*domain.RestraintInstance

	err := s.store.Atomically(ctx, key, func(ctx context.Context, tx Tx) error {
		promoted = nil

		resource, err := tx.Resource(ctx)
		if err != nil {
			return err
		}
		instances, err := tx.Instances(ctx)
		if err != nil {
			return err
		}

		now := s.now()
		remaining := instances[:0:0]
		for _, inst := range instances {
			if !match(inst) {
				remaining = append(remaining, inst)
				continue
			}
			inst.State = domain.RestraintFinished
			inst.UpdatedAt = now
			if err := tx.Save(ctx, inst); err != nil {
				return err
			}
		}

		active := activeWeight(remaining)
		if err := s.checkCapacity(resource, active); err != nil {
			return err
		}

		for _, inst := range promotable(remaining, resource.Capacity-active) {
			inst.State = domain.RestraintActive
			inst.UpdatedAt = now
			if err := tx.Save(ctx, inst); err != nil {
				return err
			}
			active += inst.Weight
			promoted = append(promoted, inst)
		}

		telemetry.RestraintActiveWeight.WithLabelValues(key).Set(float64(active))
		return nil
	})
	if err != nil {
		return err
	}

	for _, inst := range promoted {
		s.logger.Info("restraint promoted",
			"resource", key,
			"requester_id", inst.RequesterID,
			"weight", inst.Weight,
		)
		s.notifyActive(inst)
	}
	return nil
}

// promotable возвращает голову очереди BLOCKED, которая помещается в free.
// Продвижение останавливается на первой непоместившейся заявке.
func promotable(instances []*domain.RestraintInstance, free int) []*domain.RestraintInstance {
	var blocked []*domain.RestraintInstance
	for _, inst := range instances {
		if inst.State == domain.RestraintBlocked {
			blocked = append(blocked, inst)
		}
	}
	sort.SliceStable(blocked, func(i, j int) bool {
		a, b := blocked[i], blocked[j]
		if a.OrderingKey != b.OrderingKey {
			return a.OrderingKey < b.OrderingKey
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})

	var out []*domain.RestraintInstance
	for _, inst := range blocked {
		if inst.Weight > free {
			break
		}
		free -= inst.Weight
		out = append(out, inst)
	}
	return out
}

// checkCapacity сообщает о нарушении ёмкости.
func (s *Service) checkCapacity(resource *domain.ResourceRestraint, active int) error {
	if active <= resource.Capacity {
		return nil
	}
	telemetry.RestraintOverCapacity.WithLabelValues(resource.Key).Inc()
	s.logger.Error("restraint capacity invariant violated",
		"resource", resource.Key,
		"active_weight", active,
		"capacity", resource.Capacity,
	)
	return fmt.Errorf("%w: %s active %d > capacity %d", ErrOverCapacity, resource.Key, active, resource.Capacity)
}

func (s *Service) notifyActive(inst *domain.RestraintInstance) {
	if s.notifier == nil || inst.CorrelationID == "" {
		return
	}
	s.notifier.Notify(&domain.Notification{
		CorrelationID: inst.CorrelationID,
		Status:        domain.StatusSucceeded,
		Outputs: map[string]any{
			"resource":    inst.ResourceKey,
			"instance_id": inst.ID.String(),
			"weight":      inst.Weight,
		},
	})
}

func activeWeight(instances []*domain.RestraintInstance) int {
	var sum int
	for _, inst := range instances {
		if inst.IsHolding() {
			sum += inst.Weight
		}
	}
	return sum
}
