package adviser

import (
	"context"
	"fmt"

	"github.com/shaiso/Relay/internal/domain"
)

// Типы адвайзеров ошибок.
const (
	TypeInterventionWait = "intervention_wait"
	TypeEndPlan          = "end_plan"
	TypeIgnoreFailure    = "ignore_failure"
)

// InterventionWait ставит упавший узел на паузу до решения оператора.
//
// Оператор отвечает interrupt'ом RETRY, IGNORE, ABORT или
// MARK_SUCCESS. Если задан timeout и оператор не ответил, coordinator
// применяет expiry_action.
//
// Параметры:
//
//	{"timeout": "1h", "expiry_action": "ABORT", "on_statuses": ["FAILED"]}
type InterventionWait struct{}

type interventionParams struct {
	Timeout      string   `json:"timeout"`
	ExpiryAction string   `json:"expiry_action"`
	OnStatuses   []string `json:"on_statuses"`
}

// Type возвращает тип адвайзера.
func (InterventionWait) Type() string { return TypeInterventionWait }

// CanAdvise принимает ошибки.
func (InterventionWait) CanAdvise(ev *Event) bool {
	var params interventionParams
	_ = decode(ev.Parameters, &params)
	return statusMatches(ev.ToStatus, params.OnStatuses, failureStatuses)
}

// OnAdviseEvent советует INTERVENTION_WAIT.
func (InterventionWait) OnAdviseEvent(_ context.Context, ev *Event) (*domain.Advise, error) {
	var params interventionParams
	if err := decode(ev.Parameters, &params); err != nil {
		return nil, err
	}
	timeout, err := parseOptionalDuration("timeout", params.Timeout)
	if err != nil {
		return nil, err
	}
	expiry, err := parseExpiryAction(params.ExpiryAction)
	if err != nil {
		return nil, err
	}
	return &domain.Advise{
		Type:         domain.AdviseInterventionWait,
		Timeout:      timeout,
		ExpiryAction: expiry,
		Reason:       "waiting for operator",
	}, nil
}

// EndPlan немедленно завершает весь план.
//
// outcome задаёт итог: "node" (статус узла, по умолчанию), "success"
// или "failed".
//
// Параметры:
//
//	{"outcome": "node", "on_statuses": ["FAILED", "EXPIRED"]}
type EndPlan struct{}

type endPlanParams struct {
	Outcome    string   `json:"outcome"`
	OnStatuses []string `json:"on_statuses"`
}

// Type возвращает тип адвайзера.
func (EndPlan) Type() string { return TypeEndPlan }

// CanAdvise по умолчанию принимает ошибки.
func (EndPlan) CanAdvise(ev *Event) bool {
	var params endPlanParams
	_ = decode(ev.Parameters, &params)
	return statusMatches(ev.ToStatus, params.OnStatuses, failureStatuses)
}

// OnAdviseEvent советует END_PLAN, MARK_SUCCESS или MARK_FAILED.
func (EndPlan) OnAdviseEvent(_ context.Context, ev *Event) (*domain.Advise, error) {
	var params endPlanParams
	if err := decode(ev.Parameters, &params); err != nil {
		return nil, err
	}
	switch params.Outcome {
	case "", "node":
		return &domain.Advise{Type: domain.AdviseEndPlan}, nil
	case "success":
		return &domain.Advise{Type: domain.AdviseMarkSuccess}, nil
	case "failed":
		return &domain.Advise{Type: domain.AdviseMarkFailed}, nil
	default:
		return nil, fmt.Errorf("%w: unknown outcome %q", ErrInvalidParameters, params.Outcome)
	}
}

// IgnoreFailure помечает ошибку проигнорированной, и ветка идёт дальше.
//
// Параметры:
//
//	{"on_statuses": ["FAILED"]}
type IgnoreFailure struct{}

type ignoreParams struct {
	OnStatuses []string `json:"on_statuses"`
}

// Type возвращает тип адвайзера.
func (IgnoreFailure) Type() string { return TypeIgnoreFailure }

// CanAdvise принимает ошибки.
func (IgnoreFailure) CanAdvise(ev *Event) bool {
	var params ignoreParams
	_ = decode(ev.Parameters, &params)
	return statusMatches(ev.ToStatus, params.OnStatuses, failureStatuses)
}

// OnAdviseEvent советует IGNORE с переходом к Next узла.
func (IgnoreFailure) OnAdviseEvent(_ context.Context, ev *Event) (*domain.Advise, error) {
	return &domain.Advise{Type: domain.AdviseIgnore, NextNodeID: ev.Node.Next}, nil
}
