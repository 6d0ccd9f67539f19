package delegate

import (
	"cmp"
	"slices"
	"time"

	"github.com/shaiso/Relay/internal/domain"
)

// Request — то, что известно о задаче при выборе воркера.
type Request struct {
	Selectors []string
	Now       time.Time
}

// Criterion — один критерий выбора воркера.
//
// Критерий может фильтровать (Accept) и/или упорядочивать (Compare).
// Фильтр, не влияющий на порядок, возвращает 0 из Compare; порядок,
// не влияющий на фильтр, всегда принимает воркера.
type Criterion interface {
	Accept(d *domain.Delegate, req Request) bool
	Compare(a, b *domain.Delegate) int
}

// Criteria — упорядоченный набор критериев.
// Воркер подходит, если его принимают все критерии. Порядок
// определяется первым критерием, различающим двух воркеров.
type Criteria []Criterion

// All объединяет критерии.
func All(cs ...Criterion) Criteria {
	return Criteria(cs)
}

// And возвращает новый набор с добавленными критериями.
func (c Criteria) And(more ...Criterion) Criteria {
	out := make(Criteria, 0, len(c)+len(more))
	out = append(out, c...)
	return append(out, more...)
}

// Accept реализует Criterion, поэтому наборы можно вкладывать друг в друга.
func (c Criteria) Accept(d *domain.Delegate, req Request) bool {
	for _, cr := range c {
		if !cr.Accept(d, req) {
			return false
		}
	}
	return true
}

// Compare реализует Criterion.
func (c Criteria) Compare(a, b *domain.Delegate) int {
	for _, cr := range c {
		if r := cr.Compare(a, b); r != 0 {
			return r
		}
	}
	return 0
}

// Rank возвращает подходящих воркеров, лучший первым.
func (c Criteria) Rank(delegates []*domain.Delegate, req Request) []*domain.Delegate {
	var out []*domain.Delegate
	for _, d := range delegates {
		if c.Accept(d, req) {
			out = append(out, d)
		}
	}
	slices.SortStableFunc(out, c.Compare)
	return out
}

// DefaultCriteria — теги, ёмкость и живость, затем наименее загруженный
// с разрешением ничьей по ID.
func DefaultCriteria(heartbeatTTL time.Duration) Criteria {
	return All(MatchSelectors(), WithinCapacity(), Alive(heartbeatTTL)).And(LeastLoaded(), ByID())
}

// filter — критерий только с фильтром.
type filter func(d *domain.Delegate, req Request) bool

func (f filter) Accept(d *domain.Delegate, req Request) bool { return f(d, req) }
func (filter) Compare(_, _ *domain.Delegate) int { return 0 }

// order — критерий только с порядком.
type order func(a, b *domain.Delegate) int

func (order) Accept(_ *domain.Delegate, _ Request) bool { return true }
func (o order) Compare(a, b *domain.Delegate) int { return o(a, b) }

// MatchSelectors оставляет воркеров со всеми тегами задачи.
func MatchSelectors() Criterion {
	return filter(func(d *domain.Delegate, req Request) bool {
		return d.HasTags(req.Selectors)
	})
}

// WithinCapacity исключает воркеров, загруженных до предела.
func WithinCapacity() Criterion {
	return filter(func(d *domain.Delegate, _ Request) bool {
		return d.HasCapacity()
	})
}

// Alive оставляет воркеров, чей последний heartbeat не старше ttl.
func Alive(ttl time.Duration) Criterion {
	return filter(func(d *domain.Delegate, req Request) bool {
		if d.State == domain.DelegateDisconnected {
			return false
		}
		return ttl <= 0 || req.Now.Sub(d.LastHeartbeat) <= ttl
	})
}

// LeastLoaded ставит первыми воркеров с меньшим числом назначенных задач.
func LeastLoaded() Criterion {
	return order(func(a, b *domain.Delegate) int {
		return cmp.Compare(a.Load, b.Load)
	})
}

// ByID упорядочивает по ID, чтобы выбор был детерминированным.
func ByID() Criterion {
	return order(func(a, b *domain.Delegate) int {
		return cmp.Compare(a.ID, b.ID)
	})
}
