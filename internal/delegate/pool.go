package delegate

import (
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/telemetry"
)

// Heartbeat — отчёт воркера о себе.
type Heartbeat struct {
	DelegateID string    `json:"delegate_id"`
	Tags       []string  `json:"tags"`
	Capacity   int       `json:"capacity"`
	Running    int       `json:"running"`
	SentAt     time.Time `json:"sent_at"`

	// Tasks — ID задач, которые воркер выполняет сейчас.
	Tasks []uuid.UUID `json:"tasks,omitempty"`
}

// Pool — текущий состав воркеров.
//
// Load воркера в пуле — число задач, назначенных ему диспетчером:
// выбор и назначение идут под одной блокировкой, поэтому два вызова
// не увидят одну и ту же свободную ёмкость. На каждом heartbeat
// диспетчер сверяет Load с задачами, которые воркер реально выполняет
// (Dispatcher.Heartbeat); сам Pool.Heartbeat загрузку не трогает.
type Pool struct {
	logger *slog.Logger

	mu        sync.Mutex
	delegates map[string]*domain.Delegate
}

// NewPool создаёт пустой пул.
func NewPool(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		logger:    logger,
		delegates: make(map[string]*domain.Delegate),
	}
}

// Heartbeat регистрирует воркера или обновляет его теги и ёмкость.
func (p *Pool) Heartbeat(hb Heartbeat, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	d, ok := p.delegates[hb.DelegateID]
	if !ok {
		d = &domain.Delegate{ID: hb.DelegateID}
		p.delegates[hb.DelegateID] = d
		p.logger.Info("delegate registered", "delegate_id", hb.DelegateID, "tags", hb.Tags, "capacity", hb.Capacity)
	} else if d.State == domain.DelegateDisconnected {
		p.logger.Info("delegate reconnected", "delegate_id", hb.DelegateID)
	}

	d.Tags = slices.Clone(hb.Tags)
	d.Capacity = hb.Capacity
	d.State = domain.DelegateEnabled
	d.LastHeartbeat = now
	p.updateGaugeLocked()
}

// Remove удаляет воркера (корректное завершение).
func (p *Pool) Remove(delegateID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.delegates, delegateID)
	p.updateGaugeLocked()
}

// SelectAndAssign выбирает лучшего воркера по критериям и сразу
// увеличивает его загрузку. Возвращает копию воркера или false.
func (p *Pool) SelectAndAssign(criteria Criteria, req Request) (domain.Delegate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]*domain.Delegate, 0, len(p.delegates))
	for _, d := range p.delegates {
		candidates = append(candidates, d)
	}

	ranked := criteria.Rank(candidates, req)
	if len(ranked) == 0 {
		return domain.Delegate{}, false
	}

	best := ranked[0]
	best.Load++
	return copyDelegate(best), true
}

// Assign увеличивает загрузку воркера без выбора (восстановление после рестарта).
func (p *Pool) Assign(delegateID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	d, ok := p.delegates[delegateID]
	if !ok {
		// Воркер ещё не прислал heartbeat; запомним загрузку заранее
		d = &domain.Delegate{ID: delegateID, State: domain.DelegateDisconnected}
		p.delegates[delegateID] = d
	}
	d.Load++
}

// SetLoad выставляет загрузку воркера после сверки с хранилищем.
func (p *Pool) SetLoad(delegateID string, load int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if d, ok := p.delegates[delegateID]; ok {
		if d.Load != load {
			p.logger.Debug("delegate load reconciled", "delegate_id", delegateID, "from", d.Load, "to", load)
		}
		d.Load = load
	}
}

// Release уменьшает загрузку воркера.
func (p *Pool) Release(delegateID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if d, ok := p.delegates[delegateID]; ok && d.Load > 0 {
		d.Load--
	}
}

// Reap помечает отключёнными воркеров без heartbeat дольше ttl
// и возвращает их ID.
func (p *Pool) Reap(now time.Time, ttl time.Duration) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lost []string
	for id, d := range p.delegates {
		if d.State == domain.DelegateDisconnected || now.Sub(d.LastHeartbeat) <= ttl {
			continue
		}
		d.State = domain.DelegateDisconnected
		d.Load = 0
		lost = append(lost, id)
		p.logger.Warn("delegate lost", "delegate_id", id, "last_heartbeat", d.LastHeartbeat)
	}
	sort.Strings(lost)
	p.updateGaugeLocked()
	return lost
}

// Get возвращает копию воркера.
func (p *Pool) Get(delegateID string) (domain.Delegate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.delegates[delegateID]
	if !ok {
		return domain.Delegate{}, false
	}
	return copyDelegate(d), true
}

// Snapshot возвращает копии всех воркеров, отсортированные по ID.
func (p *Pool) Snapshot() []domain.Delegate {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]domain.Delegate, 0, len(p.delegates))
	for _, d := range p.delegates {
		out = append(out, copyDelegate(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Pool) updateGaugeLocked() {
	alive := 0
	for _, d := range p.delegates {
		if d.State == domain.DelegateEnabled {
			alive++
		}
	}
	telemetry.DelegatesAlive.Set(float64(alive))
}

func copyDelegate(d *domain.Delegate) domain.Delegate {
	out := *d
	out.Tags = slices.Clone(d.Tags)
	return out
}
