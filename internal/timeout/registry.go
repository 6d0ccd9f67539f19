package timeout

import (
	"time"

	"github.com/shaiso/Relay/internal/registry"
)

// Стандартные измерения.
const (
	// DimensionAbsolute — общее время выполнения узла.
	DimensionAbsolute = "ABSOLUTE"

	// DimensionActive — время без сигналов активности (heartbeat/progress).
	DimensionActive = "ACTIVE"

	// DimensionIntervention — сколько узел может ждать оператора.
	DimensionIntervention = "INTERVENTION"
)

// TrackerFactory создаёт трекеры одного вида.
type TrackerFactory interface {
	Kind() string

	// NewTracker создаёт трекер с лимитом limit и уже засчитанным временем initial.
	NewTracker(limit, initial time.Duration) Tracker
}

// AbsoluteFactory создаёт AbsoluteTracker.
type AbsoluteFactory struct{}

func (AbsoluteFactory) Kind() string { return KindAbsolute }

func (AbsoluteFactory) NewTracker(limit, initial time.Duration) Tracker {
	return NewAbsoluteTracker(limit, initial)
}

// ActiveIntervalFactory создаёт ActiveIntervalTracker.
type ActiveIntervalFactory struct{}

func (ActiveIntervalFactory) Kind() string { return KindActiveInterval }

func (ActiveIntervalFactory) NewTracker(limit, initial time.Duration) Tracker {
	return NewActiveIntervalTracker(limit, initial)
}

// Registry — реестр измерений: dimension → TrackerFactory.
// Повторная регистрация измерения — registry.ErrDuplicateRegistration.
type Registry = registry.Registry[string, TrackerFactory]

// NewRegistry создаёт пустой реестр измерений.
func NewRegistry() *Registry {
	return registry.New[string, TrackerFactory]("timeout dimensions")
}

// DefaultRegistry создаёт реестр со стандартными измерениями.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(DimensionAbsolute, AbsoluteFactory{})
	r.MustRegister(DimensionActive, ActiveIntervalFactory{})
	r.MustRegister(DimensionIntervention, AbsoluteFactory{})
	return r
}
