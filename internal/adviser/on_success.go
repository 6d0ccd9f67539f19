package adviser

import (
	"context"

	"github.com/shaiso/Relay/internal/domain"
)

// TypeOnSuccess — тип адвайзера успешного завершения.
const TypeOnSuccess = "on_success"

// OnSuccess переходит к следующему узлу после успешного завершения.
//
// Параметры:
//
//	{"next_node_id": "deploy"}
//
// Без next_node_id используется Next узла.
type OnSuccess struct{}

type onSuccessParams struct {
	NextNodeID string `json:"next_node_id"`
}

// Type возвращает тип адвайзера.
func (OnSuccess) Type() string { return TypeOnSuccess }

// CanAdvise принимает только успешные статусы.
func (OnSuccess) CanAdvise(ev *Event) bool {
	return ev.ToStatus.IsPositive()
}

// OnAdviseEvent советует NEXT_STEP.
func (OnSuccess) OnAdviseEvent(_ context.Context, ev *Event) (*domain.Advise, error) {
	var params onSuccessParams
	if err := decode(ev.Parameters, &params); err != nil {
		return nil, err
	}
	next := params.NextNodeID
	if next == "" {
		next = ev.Node.Next
	}
	return &domain.Advise{Type: domain.AdviseNextStep, NextNodeID: next}, nil
}
