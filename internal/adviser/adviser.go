// Package adviser решает, что делать после того, как узел получил
// терминальный результат.
//
// Адвайзеры подключаются к узлу списком obtainment'ов и перебираются
// по порядку: первый, чей CanAdvise вернул true, даёт совет (Advise).
// Если никто не принял событие, Decide возвращает
// ErrNoAdviserAccepted, и coordinator передаёт статус узла дальше как
// есть.
//
// Адвайзеры не хранят состояния: всё, что им нужно (номер попытки,
// следующий узел), берётся из события.
package adviser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/shaiso/Relay/internal/ambiance"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/registry"
)

// Ошибки адвайзеров.
var (
	// ErrNoAdviserAccepted — ни один адвайзер узла не принял событие.
	ErrNoAdviserAccepted = errors.New("no adviser accepted")

	// ErrInvalidParameters — невалидные параметры адвайзера.
	ErrInvalidParameters = errors.New("invalid adviser parameters")
)

// Event — событие завершения узла.
type Event struct {
	Ambiance      ambiance.Ambiance
	Node          *domain.Node
	NodeExecution *domain.NodeExecution

	// FromStatus — статус узла до завершения (обычно RUNNING).
	FromStatus domain.Status

	// ToStatus — терминальный статус, который получит узел.
	ToStatus domain.Status

	// Parameters — параметры из Obtainment адвайзера.
	Parameters json.RawMessage
}

// Adviser — политика реакции на завершение узла.
type Adviser interface {
	// Type возвращает тип адвайзера, по которому на него ссылается план.
	Type() string

	// CanAdvise проверяет, принимает ли адвайзер событие.
	CanAdvise(ev *Event) bool

	// OnAdviseEvent возвращает совет.
	OnAdviseEvent(ctx context.Context, ev *Event) (*domain.Advise, error)
}

// Registry — реестр адвайзеров: тип → Adviser.
type Registry = registry.Registry[string, Adviser]

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return registry.New[string, Adviser]("advisers")
}

// DefaultRegistry создаёт реестр со встроенными адвайзерами.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(TypeOnSuccess, OnSuccess{})
	r.MustRegister(TypeRetry, Retry{})
	r.MustRegister(TypeInterventionWait, InterventionWait{})
	r.MustRegister(TypeEndPlan, EndPlan{})
	r.MustRegister(TypeIgnoreFailure, IgnoreFailure{})
	return r
}

// Decide перебирает адвайзеров узла и возвращает совет первого принявшего.
// Поле Adviser совета заполняется типом адвайзера.
func Decide(ctx context.Context, reg *Registry, ev *Event) (*domain.Advise, error) {
	for _, ob := range ev.Node.Advisers {
		a, err := reg.Get(ob.Type)
		if err != nil {
			return nil, err
		}

		candidate := *ev
		candidate.Parameters = ob.Parameters
		if !a.CanAdvise(&candidate) {
			continue
		}

		advise, err := a.OnAdviseEvent(ctx, &candidate)
		if err != nil {
			return nil, fmt.Errorf("adviser %s: %w", ob.Type, err)
		}
		if advise.Adviser == "" {
			advise.Adviser = a.Type()
		}
		return advise, nil
	}
	return nil, fmt.Errorf("%w: node %s, %s → %s", ErrNoAdviserAccepted, ev.Node.ID, ev.FromStatus, ev.ToStatus)
}

// decode раскладывает параметры адвайзера в out.
func decode(params json.RawMessage, out any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	return nil
}

// failureStatuses — статусы, на которые по умолчанию реагируют адвайзеры ошибок.
var failureStatuses = []domain.Status{domain.StatusFailed, domain.StatusExpired}

// statusMatches проверяет ToStatus по списку on_statuses.
// Пустой список означает defaults.
func statusMatches(status domain.Status, onStatuses []string, defaults []domain.Status) bool {
	if len(onStatuses) == 0 {
		return slices.Contains(defaults, status)
	}
	for _, s := range onStatuses {
		if domain.ParseStatus(s) == status {
			return true
		}
	}
	return false
}
