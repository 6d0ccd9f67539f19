package engine

import (
	"encoding/json"
	"errors"
	"testing"
)

const samplePlan = `
name: build-and-deploy
start: checkout
nodes:
  - id: checkout
    type: remote
    parameters:
      task_type: http
      selectors: [linux]
    timeouts:
      - dimension: ABSOLUTE
        duration: 10m
    next: tests
  - id: tests
    type: fork
    children: [unit, lint]
    advisers:
      - type: retry
        parameters:
          max_attempts: 3
    next: deploy
  - id: unit
    type: remote
  - id: lint
    type: remote
    skip_condition: .Inputs.skip_lint
  - id: deploy
    identifier: prod_deploy
    type: http
`

// stubCatalog — каталог с фиксированным набором типов.
type stubCatalog struct {
	steps map[string]bool
}

func (c stubCatalog) HasStep(t string) bool { return c.steps[t] }
func (c stubCatalog) HasFacilitator(string) bool { return true }
func (c stubCatalog) HasAdviser(t string) bool { return t == "retry" || t == "on_success" }
func (c stubCatalog) HasDimension(d string) bool { return d == "ABSOLUTE" }

func TestParseAndValidate(t *testing.T) {
	catalog := stubCatalog{steps: map[string]bool{"remote": true, "fork": true, "http": true}}

	plan, err := ParseAndValidate([]byte(samplePlan), catalog)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}

	if plan.Name != "build-and-deploy" || plan.StartNodeID != "checkout" {
		t.Errorf("unexpected plan header: %q %q", plan.Name, plan.StartNodeID)
	}
	if len(plan.Nodes) != 5 {
		t.Fatalf("nodes = %d, want 5", len(plan.Nodes))
	}

	checkout := plan.Nodes["checkout"]
	var params map[string]any
	if err := json.Unmarshal(checkout.StepParameters, &params); err != nil {
		t.Fatalf("decode parameters: %v", err)
	}
	if params["task_type"] != "http" {
		t.Errorf("task_type = %v", params["task_type"])
	}
	if len(checkout.Timeouts) != 1 || checkout.Timeouts[0].Type != "ABSOLUTE" {
		t.Errorf("timeouts = %+v", checkout.Timeouts)
	}

	if plan.Nodes["deploy"].RefIdentifier() != "prod_deploy" {
		t.Errorf("identifier = %s", plan.Nodes["deploy"].RefIdentifier())
	}
	if plan.Nodes["unit"].Identifier != "unit" {
		t.Errorf("default identifier = %s", plan.Nodes["unit"].Identifier)
	}
	if plan.Nodes["lint"].SkipCondition == "" {
		t.Error("skip condition lost")
	}
}

func TestParseAndValidate_JSON(t *testing.T) {
	data := `{"name": "j", "nodes": [{"id": "only", "type": "wait"}]}`

	plan, err := ParseAndValidate([]byte(data), nil)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	// start по умолчанию — первый узел
	if plan.StartNodeID != "only" {
		t.Errorf("start = %s", plan.StartNodeID)
	}
}

func TestValidate_UnknownTypes(t *testing.T) {
	catalog := stubCatalog{steps: map[string]bool{"remote": true, "fork": true}}

	_, err := ParseAndValidate([]byte(samplePlan), catalog)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !errors.Is(err, ErrUnknownStepType) || vErr.NodeID != "deploy" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"empty", `name: x`, ErrEmptyPlan},
		{"empty id", "nodes:\n  - type: wait\n", ErrEmptyNodeID},
		{"duplicate", "nodes:\n  - {id: a, type: wait}\n  - {id: a, type: wait}\n", ErrDuplicateNodeID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAndValidate([]byte(tt.data), nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestBuild_InvalidTimeout(t *testing.T) {
	data := "nodes:\n  - id: a\n    type: wait\n    timeouts:\n      - {dimension: ABSOLUTE, duration: soon}\n"
	_, err := ParseAndValidate([]byte(data), nil)
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Field != "timeouts" {
		t.Errorf("expected timeouts ValidationError, got %v", err)
	}
}

func TestParsePlan_Malformed(t *testing.T) {
	if _, err := ParsePlan([]byte("nodes: [")); err == nil {
		t.Error("expected parse error")
	}
}
