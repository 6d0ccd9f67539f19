package steps

import (
	"context"
	"fmt"

	"github.com/shaiso/Relay/internal/domain"
)

const (
	// StepTypeFork — тип шага параллельного запуска детей.
	StepTypeFork = "fork"
)

// ForkStep — запускает все дочерние узлы параллельно (режим CHILDREN).
//
// Дети задаются полем children узла. Каждый ребёнок — голова ветки:
// ветка продолжается по next, пока не кончится. Fork завершается,
// когда завершились все ветки; если хоть одна упала и ошибку никто
// не проигнорировал, fork получает FAILED.
//
// Outputs — outputs детей по их identifier:
//
//	{
//	    "unit": {...},
//	    "lint": {...}
//	}
type ForkStep struct{}

// NewForkStep создаёт новый ForkStep.
func NewForkStep() *ForkStep {
	return &ForkStep{}
}

// Type возвращает тип шага.
func (s *ForkStep) Type() string {
	return StepTypeFork
}

// ObtainChildren возвращает детей узла.
func (s *ForkStep) ObtainChildren(_ context.Context, in *Input) ([]string, error) {
	if len(in.Node.Children) == 0 {
		return nil, fmt.Errorf("%w: %s: node %s has no children", ErrInvalidConfig, StepTypeFork, in.Node.ID)
	}
	return in.Node.Children, nil
}

// HandleChildrenResponse собирает outputs детей.
func (s *ForkStep) HandleChildrenResponse(_ context.Context, _ *Input, children []*domain.NodeExecution) (*domain.StepResponse, error) {
	return domain.Succeeded(ChildOutputs(children)), nil
}

// ChildOutputs собирает outputs выполнений по node ID.
// Если узел выполнялся несколько раз, берётся последняя попытка.
func ChildOutputs(children []*domain.NodeExecution) map[string]any {
	outputs := make(map[string]any, len(children))
	for _, child := range children {
		if !child.IsLatestAttempt() {
			continue
		}
		if child.Outputs != nil {
			outputs[child.NodeID] = child.Outputs
		} else {
			outputs[child.NodeID] = map[string]any{}
		}
	}
	return outputs
}
