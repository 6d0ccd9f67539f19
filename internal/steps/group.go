package steps

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shaiso/Relay/internal/domain"
)

const (
	// StepTypeGroup — тип шага последовательного запуска детей.
	StepTypeGroup = "group"

	configContinueOnFailure = "continue_on_failure"
)

// GroupStep — запускает дочерние узлы по одному (режим CHILD_CHAIN).
//
// Следующий ребёнок запускается только после завершения предыдущего.
// Если ребёнок упал, цепочка обрывается, а group получает FAILED;
// continue_on_failure позволяет пройти всех детей.
//
// Параметры:
//
//	{"continue_on_failure": false}
type GroupStep struct{}

// NewGroupStep создаёт новый GroupStep.
func NewGroupStep() *GroupStep {
	return &GroupStep{}
}

// Type возвращает тип шага.
func (s *GroupStep) Type() string {
	return StepTypeGroup
}

// groupState — состояние цепочки между раундами.
type groupState struct {
	Index  int  `json:"index"`
	Failed bool `json:"failed"`
}

// NextChild возвращает следующего ребёнка по порядку children.
func (s *GroupStep) NextChild(_ context.Context, in *Input, round int, passThrough json.RawMessage, last *domain.NodeExecution) (*ChildChainLink, error) {
	if len(in.Node.Children) == 0 {
		return nil, fmt.Errorf("%w: %s: node %s has no children", ErrInvalidConfig, StepTypeGroup, in.Node.ID)
	}

	var state groupState
	if len(passThrough) > 0 {
		if err := json.Unmarshal(passThrough, &state); err != nil {
			return nil, fmt.Errorf("%w: group state: %v", ErrInvalidConfig, err)
		}
	}
	if round == 0 {
		state = groupState{}
	} else {
		state.Index++
	}

	if last != nil && last.CountsAsFailure() {
		state.Failed = true
		if !GetConfigBool(in.Parameters, configContinueOnFailure, false) {
			return &ChildChainLink{}, nil
		}
	}
	if state.Index >= len(in.Node.Children) {
		return &ChildChainLink{}, nil
	}

	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return &ChildChainLink{ChildID: in.Node.Children[state.Index], PassThrough: data}, nil
}

// FinishChildChain завершает group: FAILED, если хоть один ребёнок упал.
func (s *GroupStep) FinishChildChain(_ context.Context, _ *Input, children []*domain.NodeExecution) (*domain.StepResponse, error) {
	outputs := ChildOutputs(children)
	for _, child := range children {
		if child.IsLatestAttempt() && child.CountsAsFailure() {
			resp := domain.Failed(domain.FailureChildren, "child %s finished with %s", child.NodeID, child.Status)
			resp.Outputs = outputs
			return resp, nil
		}
	}
	return domain.Succeeded(outputs), nil
}
