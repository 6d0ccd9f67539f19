// Package timeout отслеживает таймауты узлов.
//
// Engine держит активные TimeoutInstance и для каждого — Tracker,
// созданный фабрикой измерения. Когда трекер истекает, Engine
// переводит экземпляр в EXPIRED и вызывает ExpiryFunc; coordinator
// превращает это в interrupt EXPIRE для узла.
//
// Пауза узла или всего плана останавливает трекеры, и время паузы
// не засчитывается. Экземпляры сохраняются в Store, поэтому после
// рестарта отсчёт продолжается с накопленного значения.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/telemetry"
)

// Ошибки таймаутов.
var (
	// ErrTimeoutExpired — таймаут истёк (используется как причина при abort).
	ErrTimeoutExpired = errors.New("timeout expired")

	// ErrTimeoutNotFound — экземпляр не найден среди активных.
	ErrTimeoutNotFound = errors.New("timeout instance not found")
)

// ExpiryFunc вызывается один раз, когда экземпляр истекает.
type ExpiryFunc func(inst *domain.TimeoutInstance)

// Store — хранилище экземпляров таймаутов.
type Store interface {
	Save(ctx context.Context, inst *domain.TimeoutInstance) error
	ListActive(ctx context.Context, planExecutionID uuid.UUID) ([]*domain.TimeoutInstance, error)
}

// Spec — параметры нового таймаута.
type Spec struct {
	Dimension       string
	Duration        time.Duration
	NodeExecutionID string
	PlanExecutionID uuid.UUID
	// Paused регистрирует таймаут остановленным: отсчёт начнётся
	// с ResumeNode или ResumePlan.
	Paused bool
}

// Config — конфигурация Engine.
type Config struct {
	Registry *Registry
	Store    Store // опционально
	Now      func() time.Time
	Logger   *slog.Logger
}

// entry — активный таймаут.
type entry struct {
	inst     *domain.TimeoutInstance
	tracker  Tracker
	timer    *time.Timer
	onExpire ExpiryFunc
}

// Engine — движок таймаутов.
type Engine struct {
	registry *Registry
	store    Store
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	byNode  map[string]map[uuid.UUID]struct{}
	byPlan  map[uuid.UUID]map[uuid.UUID]struct{}
}

// New создаёт Engine.
func New(cfg Config) *Engine {
	if cfg.Registry == nil {
		cfg.Registry = DefaultRegistry()
	}
	cfg.Registry.Freeze()
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		registry: cfg.Registry,
		store:    cfg.Store,
		now:      cfg.Now,
		logger:   cfg.Logger,
		entries:  make(map[uuid.UUID]*entry),
		byNode:   make(map[string]map[uuid.UUID]struct{}),
		byPlan:   make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Register создаёт и запускает таймаут.
// Возвращает registry.ErrUnregisteredKey для неизвестного измерения.
func (e *Engine) Register(ctx context.Context, spec Spec, onExpire ExpiryFunc) (*domain.TimeoutInstance, error) {
	factory, err := e.registry.Get(spec.Dimension)
	if err != nil {
		return nil, err
	}
	if spec.Duration <= 0 {
		return nil, fmt.Errorf("timeout %s: duration must be positive, got %s", spec.Dimension, spec.Duration)
	}

	now := e.now()
	inst := &domain.TimeoutInstance{
		ID:              uuid.New(),
		Dimension:       spec.Dimension,
		Kind:            factory.Kind(),
		Duration:        spec.Duration,
		NodeExecutionID: spec.NodeExecutionID,
		PlanExecutionID: spec.PlanExecutionID,
		State:           domain.TimeoutRunning,
		Paused:          spec.Paused,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	tracker := factory.NewTracker(spec.Duration, 0)
	tracker.Start(now)
	if spec.Paused {
		tracker.Pause(now)
	}

	e.mu.Lock()
	e.addLocked(&entry{inst: inst, tracker: tracker, onExpire: onExpire})
	snapshot := *inst
	e.mu.Unlock()

	e.save(ctx, &snapshot)

	e.logger.Debug("timeout registered",
		"timeout_id", inst.ID,
		"dimension", inst.Dimension,
		"duration", inst.Duration,
		"node_execution_id", inst.NodeExecutionID,
	)
	return &snapshot, nil
}

// Restore возобновляет сохранённый экземпляр после рестарта.
//
// Если экземпляр не был на паузе, время с последнего сохранения
// засчитывается как активное.
func (e *Engine) Restore(ctx context.Context, inst *domain.TimeoutInstance, onExpire ExpiryFunc) error {
	if inst.State != domain.TimeoutRunning {
		return nil
	}
	factory, err := e.registry.Get(inst.Dimension)
	if err != nil {
		return err
	}

	now := e.now()
	elapsed := inst.Elapsed
	if !inst.Paused {
		elapsed += now.Sub(inst.UpdatedAt)
	}

	tracker := factory.NewTracker(inst.Duration, elapsed)
	tracker.Start(now)
	if inst.Paused {
		tracker.Pause(now)
	}

	restored := *inst
	e.mu.Lock()
	e.addLocked(&entry{inst: &restored, tracker: tracker, onExpire: onExpire})
	e.mu.Unlock()
	return nil
}

// addLocked добавляет запись и планирует срабатывание.
func (e *Engine) addLocked(en *entry) {
	id := en.inst.ID
	e.entries[id] = en

	if e.byNode[en.inst.NodeExecutionID] == nil {
		e.byNode[en.inst.NodeExecutionID] = make(map[uuid.UUID]struct{})
	}
	e.byNode[en.inst.NodeExecutionID][id] = struct{}{}

	if e.byPlan[en.inst.PlanExecutionID] == nil {
		e.byPlan[en.inst.PlanExecutionID] = make(map[uuid.UUID]struct{})
	}
	e.byPlan[en.inst.PlanExecutionID][id] = struct{}{}

	e.scheduleLocked(en)
}

// scheduleLocked перезапускает таймер на оставшееся время.
func (e *Engine) scheduleLocked(en *entry) {
	if en.timer != nil {
		en.timer.Stop()
		en.timer = nil
	}
	if en.tracker.Paused() {
		return
	}

	id := en.inst.ID
	remaining := en.tracker.Remaining(e.now())
	en.timer = time.AfterFunc(remaining, func() { e.check(id) })
}

// check вызывается таймером: проверяет и, если нужно, завершает экземпляр.
func (e *Engine) check(id uuid.UUID) {
	e.mu.Lock()
	en, ok := e.entries[id]
	if !ok || en.tracker.Paused() {
		e.mu.Unlock()
		return
	}

	now := e.now()
	if !en.tracker.Expired(now) {
		// Был сигнал активности — перепланируем
		e.scheduleLocked(en)
		e.mu.Unlock()
		return
	}

	en.inst.State = domain.TimeoutExpired
	en.inst.Elapsed = en.tracker.Elapsed(now)
	en.inst.UpdatedAt = now
	e.removeLocked(id)
	snapshot := *en.inst
	e.mu.Unlock()

	e.save(context.Background(), &snapshot)
	telemetry.TimeoutsFired.WithLabelValues(snapshot.Dimension).Inc()

	e.logger.Info("timeout expired",
		"timeout_id", snapshot.ID,
		"dimension", snapshot.Dimension,
		"elapsed", snapshot.Elapsed,
		"node_execution_id", snapshot.NodeExecutionID,
	)

	if en.onExpire != nil {
		en.onExpire(&snapshot)
	}
}

// Tick синхронно проверяет все активные экземпляры.
// Нужен, когда часы подменены и таймеры не отражают их ход.
func (e *Engine) Tick() {
	e.mu.Lock()
	ids := make([]uuid.UUID, 0, len(e.entries))
	for id := range e.entries {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.check(id)
	}
}

// removeLocked удаляет запись из индексов и останавливает таймер.
func (e *Engine) removeLocked(id uuid.UUID) {
	en, ok := e.entries[id]
	if !ok {
		return
	}
	if en.timer != nil {
		en.timer.Stop()
	}
	delete(e.entries, id)

	if set := e.byNode[en.inst.NodeExecutionID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(e.byNode, en.inst.NodeExecutionID)
		}
	}
	if set := e.byPlan[en.inst.PlanExecutionID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(e.byPlan, en.inst.PlanExecutionID)
		}
	}
}

// apply применяет fn к экземплярам из набора ids и сохраняет изменения.
func (e *Engine) apply(ctx context.Context, ids []uuid.UUID, fn func(en *entry, now time.Time) bool) {
	now := e.now()
	var changed []domain.TimeoutInstance

	e.mu.Lock()
	for _, id := range ids {
		en, ok := e.entries[id]
		if !ok {
			continue
		}
		if fn(en, now) {
			en.inst.Elapsed = en.tracker.Elapsed(now)
			en.inst.Paused = en.tracker.Paused()
			en.inst.UpdatedAt = now
			changed = append(changed, *en.inst)
		}
	}
	e.mu.Unlock()

	for i := range changed {
		e.save(ctx, &changed[i])
	}
}

func (e *Engine) nodeIDs(nodeExecutionID string) []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return keys(e.byNode[nodeExecutionID])
}

func (e *Engine) planIDs(planExecutionID uuid.UUID) []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return keys(e.byPlan[planExecutionID])
}

func (e *Engine) pause(en *entry, now time.Time) bool {
	if en.tracker.Paused() {
		return false
	}
	en.tracker.Pause(now)
	e.scheduleLocked(en)
	return true
}

func (e *Engine) resume(en *entry, now time.Time) bool {
	if !en.tracker.Paused() {
		return false
	}
	en.tracker.Resume(now)
	e.scheduleLocked(en)
	return true
}

// PauseNode останавливает таймауты узла.
func (e *Engine) PauseNode(ctx context.Context, nodeExecutionID string) {
	e.apply(ctx, e.nodeIDs(nodeExecutionID), e.pause)
}

// ResumeNode продолжает таймауты узла.
func (e *Engine) ResumeNode(ctx context.Context, nodeExecutionID string) {
	e.apply(ctx, e.nodeIDs(nodeExecutionID), e.resume)
}

// PausePlan останавливает все таймауты выполнения плана.
func (e *Engine) PausePlan(ctx context.Context, planExecutionID uuid.UUID) {
	e.apply(ctx, e.planIDs(planExecutionID), e.pause)
}

// ResumePlan продолжает все таймауты выполнения плана.
func (e *Engine) ResumePlan(ctx context.Context, planExecutionID uuid.UUID) {
	e.apply(ctx, e.planIDs(planExecutionID), e.resume)
}

// Progress передаёт сигнал активности трекерам узла.
func (e *Engine) Progress(ctx context.Context, nodeExecutionID string) {
	e.apply(ctx, e.nodeIDs(nodeExecutionID), func(en *entry, now time.Time) bool {
		if en.tracker.Kind() != KindActiveInterval {
			return false
		}
		en.tracker.Progress(now)
		return true
	})
}

// Close закрывает один экземпляр.
func (e *Engine) Close(ctx context.Context, id uuid.UUID) error {
	now := e.now()

	e.mu.Lock()
	en, ok := e.entries[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTimeoutNotFound, id)
	}
	en.inst.State = domain.TimeoutClosed
	en.inst.Elapsed = en.tracker.Elapsed(now)
	en.inst.UpdatedAt = now
	e.removeLocked(id)
	snapshot := *en.inst
	e.mu.Unlock()

	e.save(ctx, &snapshot)
	return nil
}

// CloseNode закрывает все таймауты узла.
func (e *Engine) CloseNode(ctx context.Context, nodeExecutionID string) {
	for _, id := range e.nodeIDs(nodeExecutionID) {
		_ = e.Close(ctx, id)
	}
}

// ClosePlan закрывает все таймауты выполнения плана.
func (e *Engine) ClosePlan(ctx context.Context, planExecutionID uuid.UUID) {
	for _, id := range e.planIDs(planExecutionID) {
		_ = e.Close(ctx, id)
	}
}

// Get возвращает снимок активного экземпляра.
func (e *Engine) Get(id uuid.UUID) (*domain.TimeoutInstance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	en, ok := e.entries[id]
	if !ok {
		return nil, false
	}
	snapshot := *en.inst
	snapshot.Elapsed = en.tracker.Elapsed(e.now())
	snapshot.Paused = en.tracker.Paused()
	return &snapshot, true
}

// Active возвращает количество активных экземпляров.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

func (e *Engine) save(ctx context.Context, inst *domain.TimeoutInstance) {
	if e.store == nil {
		return
	}
	if err := e.store.Save(ctx, inst); err != nil {
		e.logger.Error("failed to persist timeout instance",
			"timeout_id", inst.ID,
			"error", err,
		)
	}
}

func keys(set map[uuid.UUID]struct{}) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
