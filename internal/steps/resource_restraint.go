package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/restraint"
)

const (
	// StepTypeResourceRestraint — тип шага занятия ресурса.
	StepTypeResourceRestraint = "resource_restraint"
)

// ResourceRestraintStep — занимает ёмкость ресурса (режим ASYNC).
//
// Узел ждёт в WAITING, пока заявка не станет ACTIVE. Ресурс держится
// до завершения области: PARENT — родительского узла (обычно group,
// в котором идут защищённые шаги), PLAN — всего выполнения плана.
//
// Параметры:
//
//	{
//	    "resource": "deploy/prod",
//	    "weight": 1,
//	    "scope": "PARENT",
//	    "ordering_key": 0
//	}
//
// ordering_key — приоритет в очереди ресурса: меньше раньше, по
// умолчанию 0. Отрицательный ключ обгоняет заявки по умолчанию,
// положительный пропускает их вперёд. При равных ключах порядок подачи.
type ResourceRestraintStep struct {
	restraints *restraint.Service
}

// NewResourceRestraintStep создаёт новый ResourceRestraintStep.
func NewResourceRestraintStep(restraints *restraint.Service) *ResourceRestraintStep {
	return &ResourceRestraintStep{restraints: restraints}
}

// Type возвращает тип шага.
func (s *ResourceRestraintStep) Type() string {
	return StepTypeResourceRestraint
}

type restraintParams struct {
	Resource    string `json:"resource"`
	Weight      int    `json:"weight"`
	Scope       string `json:"scope"`
	OrderingKey int64  `json:"ordering_key"`
}

// ExecuteAsync подаёт заявку на ресурс.
func (s *ResourceRestraintStep) ExecuteAsync(ctx context.Context, in *Input) (*AsyncResponse, error) {
	var params restraintParams
	if err := DecodeParameters(in.Parameters, &params); err != nil {
		return nil, err
	}
	if params.Resource == "" {
		return nil, fmt.Errorf("%w: %s: resource is required", ErrInvalidConfig, StepTypeResourceRestraint)
	}

	scope := domain.HoldingScope(strings.ToUpper(params.Scope))
	if scope == "" {
		scope = domain.ScopePlan
	}
	if scope != domain.ScopePlan && scope != domain.ScopeParent {
		return nil, fmt.Errorf("%w: %s: unknown scope %q", ErrInvalidConfig, StepTypeResourceRestraint, params.Scope)
	}

	corr := in.CorrelationID("restraint")
	_, err := s.restraints.Acquire(ctx, restraint.Request{
		ResourceKey:     params.Resource,
		Scope:           scope,
		ReleaseEntityID: ReleaseEntity(in, scope),
		RequesterID:     in.NodeExecutionID,
		CorrelationID:   corr,
		Weight:          params.Weight,
		OrderingKey:     params.OrderingKey,
	})
	if err != nil {
		return nil, err
	}
	return &AsyncResponse{CorrelationIDs: []string{corr}}, nil
}

// Rearm повторяет захват после рестарта: Acquire идемпотентен по
// RequesterID и заново уведомляет, если instance уже ACTIVE.
func (s *ResourceRestraintStep) Rearm(ctx context.Context, in *Input) error {
	_, err := s.ExecuteAsync(ctx, in)
	return err
}

// HandleAsyncResponse завершает шаг, когда заявка стала ACTIVE.
func (s *ResourceRestraintStep) HandleAsyncResponse(_ context.Context, in *Input, results map[string]*domain.Notification) (*domain.StepResponse, error) {
	n, ok := results[in.CorrelationID("restraint")]
	if !ok {
		return nil, fmt.Errorf("resource restraint %s: no result", in.Node.ID)
	}
	return n.ToStepResponse(), nil
}

// OnAbort снимает заявку узла, ожидающую или активную.
func (s *ResourceRestraintStep) OnAbort(ctx context.Context, in *Input) error {
	return s.restraints.Cancel(ctx, in.NodeExecutionID)
}

// ReleaseEntity возвращает сущность, при завершении которой освобождается ресурс.
func ReleaseEntity(in *Input, scope domain.HoldingScope) string {
	if scope == domain.ScopeParent {
		if parent, ok := in.Ambiance.Parent(); ok {
			return parent.RuntimeID
		}
	}
	return in.Ambiance.PlanExecutionID
}
