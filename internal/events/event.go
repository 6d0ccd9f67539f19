package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/domain"
)

// Kind — к чему относится событие.
type Kind string

const (
	KindNode Kind = "node"
	KindPlan Kind = "plan"
)

// Event — изменение статуса узла или плана.
type Event struct {
	Kind Kind `json:"kind"`

	PlanID          uuid.UUID `json:"plan_id"`
	PlanExecutionID uuid.UUID `json:"plan_execution_id"`

	// Поля узла, пустые для событий плана.
	NodeExecutionID string `json:"node_execution_id,omitempty"`
	NodeID          string `json:"node_id,omitempty"`
	StepType        string `json:"step_type,omitempty"`
	RetryCount      int    `json:"retry_count,omitempty"`

	From   string `json:"from,omitempty"`
	Status string `json:"status"`

	Failure *domain.FailureInfo `json:"failure,omitempty"`
	Error   string              `json:"error,omitempty"`

	At time.Time `json:"at"`
}

// NodeEvent строит событие перехода узла.
func NodeEvent(pe *domain.PlanExecution, node *domain.Node, ne *domain.NodeExecution, from domain.Status) Event {
	e := Event{
		Kind:            KindNode,
		PlanID:          pe.PlanID,
		PlanExecutionID: pe.ID,
		NodeExecutionID: ne.ID,
		NodeID:          ne.NodeID,
		RetryCount:      ne.RetryCount,
		From:            string(from),
		Status:          string(ne.Status),
		Failure:         ne.Failure,
		At:              ne.UpdatedAt,
	}
	if node != nil {
		e.StepType = node.StepType
	}
	return e
}

// PlanEvent строит событие смены статуса плана.
func PlanEvent(pe *domain.PlanExecution, from domain.PlanStatus, at time.Time) Event {
	return Event{
		Kind:            KindPlan,
		PlanID:          pe.PlanID,
		PlanExecutionID: pe.ID,
		From:            string(from),
		Status:          string(pe.Status),
		Error:           pe.Error,
		At:              at,
	}
}

// Sink принимает события.
//
// Ошибка доставки не влияет на выполнение плана: вызывающий
// только логирует её.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// SinkFunc адаптирует функцию к Sink.
type SinkFunc func(ctx context.Context, e Event) error

// Emit вызывает f.
func (f SinkFunc) Emit(ctx context.Context, e Event) error { return f(ctx, e) }

// Discard — Sink, который ничего не делает.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })
