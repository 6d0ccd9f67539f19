package facilitator

import (
	"context"
	"fmt"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/steps"
)

// Resolve выбирает фасилитатора узла и возвращает его решение.
//
// Явный список узла перебирается по порядку, первый принявший
// выигрывает. Тип, которого нет в реестре, возвращает
// registry.ErrUnregisteredKey: это ошибка конфигурации плана, а не
// отказ фасилитатора. Пустой список означает автоматический выбор по
// steps.Modes. Если никто не принял шаг, возвращается
// ErrNoFacilitatorFound.
func Resolve(ctx context.Context, reg *Registry, in *Input) (*domain.FacilitatorResponse, error) {
	if len(in.Node.Facilitators) == 0 {
		return auto(ctx, reg, in)
	}

	for _, ob := range in.Node.Facilitators {
		f, err := reg.Get(ob.Type)
		if err != nil {
			return nil, err
		}

		candidate := *in
		candidate.Parameters = ob.Parameters
		if !f.CanFacilitate(ctx, &candidate) {
			continue
		}
		return f.Facilitate(ctx, &candidate)
	}

	return nil, fmt.Errorf("%w: node %s (step %s)", ErrNoFacilitatorFound, in.Node.ID, in.Node.StepType)
}

// auto выбирает первый режим шага, для которого есть фасилитатор.
func auto(ctx context.Context, reg *Registry, in *Input) (*domain.FacilitatorResponse, error) {
	if in.Step != nil {
		for _, mode := range steps.Modes(in.Step) {
			f, err := reg.Get(string(mode))
			if err != nil {
				continue
			}
			if f.CanFacilitate(ctx, in) {
				return f.Facilitate(ctx, in)
			}
		}
	}
	return nil, fmt.Errorf("%w: node %s (step %s): no supported mode", ErrNoFacilitatorFound, in.Node.ID, in.Node.StepType)
}
