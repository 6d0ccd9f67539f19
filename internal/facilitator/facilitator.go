// Package facilitator решает, как будет выполнен шаг узла.
//
// Фасилитатор смотрит на возможности шага (steps.Modes) и свои
// параметры из плана и возвращает FacilitatorResponse:
// режим выполнения и начальную задержку. Узел может перечислить
// фасилитаторов явно; тогда выигрывает первый, чей CanFacilitate
// вернул true. Если список пуст, режим выбирается автоматически по
// порядку предпочтения шага.
package facilitator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Relay/internal/ambiance"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/registry"
	"github.com/shaiso/Relay/internal/steps"
)

// Ошибки фасилитации.
var (
	// ErrNoFacilitatorFound — ни один фасилитатор узла не принял шаг.
	ErrNoFacilitatorFound = errors.New("no facilitator found")

	// ErrInvalidParameters — невалидные параметры фасилитатора.
	ErrInvalidParameters = errors.New("invalid facilitator parameters")
)

// Input — то, что фасилитатор знает об узле.
type Input struct {
	Ambiance ambiance.Ambiance
	Node     *domain.Node
	Step     steps.Step

	// Parameters — параметры из Obtainment (могут быть пустыми).
	Parameters json.RawMessage
}

// Facilitator — политика выбора режима выполнения.
type Facilitator interface {
	// Type возвращает тип фасилитатора, по которому на него ссылается план.
	Type() string

	// CanFacilitate проверяет, может ли фасилитатор выполнить шаг.
	CanFacilitate(ctx context.Context, in *Input) bool

	// Facilitate возвращает решение о режиме.
	Facilitate(ctx context.Context, in *Input) (*domain.FacilitatorResponse, error)
}

// Registry — реестр фасилитаторов: тип → Facilitator.
type Registry = registry.Registry[string, Facilitator]

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return registry.New[string, Facilitator]("facilitators")
}

// DefaultRegistry регистрирует фасилитатор для каждого режима.
// Тип фасилитатора совпадает с именем режима: "SYNC", "TASK", ...
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, mode := range []domain.ExecutionMode{
		domain.ModeSync,
		domain.ModeAsync,
		domain.ModeTask,
		domain.ModeTaskChain,
		domain.ModeChildren,
		domain.ModeChildChain,
	} {
		r.MustRegister(string(mode), NewModeFacilitator(mode))
	}
	return r
}

// modeParameters — параметры фасилитатора режима.
type modeParameters struct {
	// InitialWait — задержка перед первым вызовом шага ("10s").
	InitialWait string `json:"initial_wait"`
}

// ModeFacilitator выбирает один фиксированный режим, если шаг его поддерживает.
//
// Параметры:
//
//	{"initial_wait": "10s"}
type ModeFacilitator struct {
	mode domain.ExecutionMode
}

// NewModeFacilitator создаёт фасилитатор режима mode.
func NewModeFacilitator(mode domain.ExecutionMode) *ModeFacilitator {
	return &ModeFacilitator{mode: mode}
}

// Type возвращает тип фасилитатора.
func (f *ModeFacilitator) Type() string {
	return string(f.mode)
}

// Mode возвращает режим фасилитатора.
func (f *ModeFacilitator) Mode() domain.ExecutionMode {
	return f.mode
}

// CanFacilitate принимает шаг, реализующий нужный режим.
func (f *ModeFacilitator) CanFacilitate(_ context.Context, in *Input) bool {
	return in.Step != nil && steps.Supports(in.Step, f.mode)
}

// Facilitate возвращает режим и начальную задержку.
func (f *ModeFacilitator) Facilitate(_ context.Context, in *Input) (*domain.FacilitatorResponse, error) {
	var params modeParameters
	if len(in.Parameters) > 0 {
		if err := json.Unmarshal(in.Parameters, &params); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidParameters, f.Type(), err)
		}
	}

	resp := &domain.FacilitatorResponse{Mode: f.mode, Facilitator: f.Type()}
	if params.InitialWait != "" {
		d, err := time.ParseDuration(params.InitialWait)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("%w: %s: initial_wait %q", ErrInvalidParameters, f.Type(), params.InitialWait)
		}
		resp.InitialWait = d
	}
	return resp, nil
}
