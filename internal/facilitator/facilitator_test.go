package facilitator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/registry"
	"github.com/shaiso/Relay/internal/steps"
)

func input(step steps.Step, obtainments ...domain.Obtainment) *Input {
	return &Input{
		Node: &domain.Node{
			ID:           "n1",
			StepType:     step.Type(),
			Facilitators: obtainments,
		},
		Step: step,
	}
}

func TestResolve_AutoPicksPreferredMode(t *testing.T) {
	reg := DefaultRegistry()
	ctx := context.Background()

	tests := []struct {
		step steps.Step
		want domain.ExecutionMode
	}{
		{steps.NewWaitStep(), domain.ModeSync},
		{steps.NewRemoteStep(), domain.ModeTask},
		{steps.NewRemoteChainStep(), domain.ModeTaskChain},
		{steps.NewForkStep(), domain.ModeChildren},
		{steps.NewGroupStep(), domain.ModeChildChain},
	}

	for _, tt := range tests {
		resp, err := Resolve(ctx, reg, input(tt.step))
		if err != nil {
			t.Errorf("%s: %v", tt.step.Type(), err)
			continue
		}
		if resp.Mode != tt.want {
			t.Errorf("%s: mode = %s, want %s", tt.step.Type(), resp.Mode, tt.want)
		}
	}
}

// Побеждает первый принявший фасилитатор в порядке, заданном узлом.
func TestResolve_FirstAcceptingWins(t *testing.T) {
	reg := DefaultRegistry()

	in := input(steps.NewWaitStep(),
		domain.Obtainment{Type: "TASK"},
		domain.Obtainment{Type: "SYNC", Parameters: json.RawMessage(`{"initial_wait": "2s"}`)},
		domain.Obtainment{Type: "ASYNC"},
	)
	resp, err := Resolve(context.Background(), reg, in)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resp.Mode != domain.ModeSync || resp.Facilitator != "SYNC" {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.InitialWait != 2*time.Second {
		t.Errorf("InitialWait = %v, want 2s", resp.InitialWait)
	}
}

func TestResolve_NoFacilitatorFound(t *testing.T) {
	reg := DefaultRegistry()

	in := input(steps.NewWaitStep(), domain.Obtainment{Type: "TASK"}, domain.Obtainment{Type: "CHILDREN"})
	_, err := Resolve(context.Background(), reg, in)
	if !errors.Is(err, ErrNoFacilitatorFound) {
		t.Errorf("expected ErrNoFacilitatorFound, got %v", err)
	}
}

func TestResolve_UnregisteredType(t *testing.T) {
	reg := DefaultRegistry()

	in := input(steps.NewWaitStep(), domain.Obtainment{Type: "TELEPORT"})
	_, err := Resolve(context.Background(), reg, in)
	if !errors.Is(err, registry.ErrUnregisteredKey) {
		t.Errorf("expected ErrUnregisteredKey, got %v", err)
	}
}

func TestResolve_InvalidInitialWait(t *testing.T) {
	reg := DefaultRegistry()

	in := input(steps.NewWaitStep(), domain.Obtainment{Type: "SYNC", Parameters: json.RawMessage(`{"initial_wait": "soon"}`)})
	_, err := Resolve(context.Background(), reg, in)
	if !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("expected ErrInvalidParameters, got %v", err)
	}
}

func TestDefaultRegistry_Duplicate(t *testing.T) {
	reg := DefaultRegistry()

	err := reg.Register("SYNC", NewModeFacilitator(domain.ModeSync))
	if !errors.Is(err, registry.ErrDuplicateRegistration) {
		t.Errorf("expected ErrDuplicateRegistration, got %v", err)
	}
}
