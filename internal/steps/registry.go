package steps

import (
	"net/http"

	"github.com/shaiso/Relay/internal/barrier"
	"github.com/shaiso/Relay/internal/registry"
	"github.com/shaiso/Relay/internal/restraint"
)

// Registry — реестр типов шагов: тип → Step.
// Повторная регистрация типа — registry.ErrDuplicateRegistration.
type Registry = registry.Registry[string, Step]

// NewRegistry создаёт пустой реестр шагов.
func NewRegistry() *Registry {
	return registry.New[string, Step]("steps")
}

// Deps — сервисы, которые нужны встроенным шагам.
type Deps struct {
	Barriers   *barrier.Service   // для barrier; без него шаг не регистрируется
	Restraints *restraint.Service // для resource_restraint; без него шаг не регистрируется
	HTTPClient *http.Client       // опционально
}

// DefaultRegistry создаёт реестр со встроенными шагами.
func DefaultRegistry(deps Deps) *Registry {
	r := NewRegistry()

	r.MustRegister(StepTypeWait, NewWaitStep())
	r.MustRegister(StepTypeHTTP, NewHTTPStep(deps.HTTPClient))
	r.MustRegister(StepTypeTransform, NewTransformStep())
	r.MustRegister(StepTypeFork, NewForkStep())
	r.MustRegister(StepTypeGroup, NewGroupStep())
	r.MustRegister(StepTypeRemote, NewRemoteStep())
	r.MustRegister(StepTypeRemoteChain, NewRemoteChainStep())

	if deps.Barriers != nil {
		r.MustRegister(StepTypeBarrier, NewBarrierStep(deps.Barriers))
	}
	if deps.Restraints != nil {
		r.MustRegister(StepTypeResourceRestraint, NewResourceRestraintStep(deps.Restraints))
	}

	return r
}

// SyncRegistry создаёт реестр только из синхронных шагов, которые
// может выполнять агент делегата: wait, http, transform.
func SyncRegistry(client *http.Client) *Registry {
	r := NewRegistry()
	r.MustRegister(StepTypeWait, NewWaitStep())
	r.MustRegister(StepTypeHTTP, NewHTTPStep(client))
	r.MustRegister(StepTypeTransform, NewTransformStep())
	return r
}
