package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/shaiso/Relay/internal/domain"
)

// PlanSpec — описание плана в том виде, в каком его пишет автор.
//
// Формат — YAML (JSON тоже подходит, так как это подмножество YAML):
//
//	name: build-and-deploy
//	start: checkout
//	nodes:
//	  - id: checkout
//	    type: remote
//	    parameters: {task_type: http, selectors: [linux]}
//	    next: tests
//	  - id: tests
//	    type: fork
//	    children: [unit, lint]
//	    advisers:
//	      - type: retry
//	        parameters: {max_attempts: 3}
type PlanSpec struct {
	Name  string     `yaml:"name" json:"name"`
	Start string     `yaml:"start" json:"start"`
	Nodes []NodeSpec `yaml:"nodes" json:"nodes"`
}

// NodeSpec — описание узла.
type NodeSpec struct {
	ID            string            `yaml:"id" json:"id"`
	Identifier    string            `yaml:"identifier,omitempty" json:"identifier,omitempty"`
	Name          string            `yaml:"name,omitempty" json:"name,omitempty"`
	Type          string            `yaml:"type" json:"type"`
	Group         string            `yaml:"group,omitempty" json:"group,omitempty"`
	Parameters    map[string]any    `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Facilitators  []ObtainmentSpec  `yaml:"facilitators,omitempty" json:"facilitators,omitempty"`
	Advisers      []ObtainmentSpec  `yaml:"advisers,omitempty" json:"advisers,omitempty"`
	Timeouts      []TimeoutSpec     `yaml:"timeouts,omitempty" json:"timeouts,omitempty"`
	SkipCondition string            `yaml:"skip_condition,omitempty" json:"skip_condition,omitempty"`
	Next          string            `yaml:"next,omitempty" json:"next,omitempty"`
	Children      []string          `yaml:"children,omitempty" json:"children,omitempty"`
}

// ObtainmentSpec — ссылка на фасилитатор или адвайзер.
type ObtainmentSpec struct {
	Type       string         `yaml:"type" json:"type"`
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// TimeoutSpec — таймаут узла.
type TimeoutSpec struct {
	Dimension string `yaml:"dimension" json:"dimension"`
	Duration  string `yaml:"duration" json:"duration"`
}

// Catalog — зарегистрированные типы, против которых валидируется план.
// Реализуется сборкой реестров в cmd; nil отключает проверку типов.
type Catalog interface {
	HasStep(stepType string) bool
	HasFacilitator(facilitatorType string) bool
	HasAdviser(adviserType string) bool
	HasDimension(dimension string) bool
}

// ParsePlan разбирает PlanSpec из YAML или JSON.
func ParsePlan(data []byte) (*PlanSpec, error) {
	var spec PlanSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	return &spec, nil
}

// Build превращает PlanSpec в domain.Plan.
//
// Параметры узлов сериализуются в JSON; если start не задан,
// стартовым становится первый узел.
func Build(spec *PlanSpec) (*domain.Plan, error) {
	if spec == nil || len(spec.Nodes) == 0 {
		return nil, ErrEmptyPlan
	}

	plan := &domain.Plan{
		ID:          uuid.New(),
		Name:        spec.Name,
		StartNodeID: spec.Start,
		Nodes:       make(map[string]*domain.Node, len(spec.Nodes)),
		CreatedAt:   time.Now(),
	}
	if plan.StartNodeID == "" {
		plan.StartNodeID = spec.Nodes[0].ID
	}

	for i := range spec.Nodes {
		ns := &spec.Nodes[i]

		if ns.ID == "" {
			return nil, NewValidationError("", "id", fmt.Sprintf("node %d has empty ID", i), ErrEmptyNodeID)
		}
		if _, exists := plan.Nodes[ns.ID]; exists {
			return nil, NewValidationError(ns.ID, "id",
				fmt.Sprintf("duplicate node ID: %s", ns.ID), ErrDuplicateNodeID)
		}

		node, err := buildNode(ns)
		if err != nil {
			return nil, err
		}
		plan.Nodes[ns.ID] = node
	}

	return plan, nil
}

func buildNode(ns *NodeSpec) (*domain.Node, error) {
	params, err := marshalParams(ns.Parameters)
	if err != nil {
		return nil, NewValidationError(ns.ID, "parameters", err.Error(), err)
	}

	node := &domain.Node{
		ID:             ns.ID,
		Identifier:     ns.Identifier,
		Name:           ns.Name,
		StepType:       ns.Type,
		Group:          ns.Group,
		StepParameters: params,
		SkipCondition:  ns.SkipCondition,
		Next:           ns.Next,
		Children:       ns.Children,
	}
	if node.Identifier == "" {
		node.Identifier = ns.ID
	}

	for _, f := range ns.Facilitators {
		o, err := obtainment(ns.ID, "facilitators", f)
		if err != nil {
			return nil, err
		}
		node.Facilitators = append(node.Facilitators, o)
	}
	for _, a := range ns.Advisers {
		o, err := obtainment(ns.ID, "advisers", a)
		if err != nil {
			return nil, err
		}
		node.Advisers = append(node.Advisers, o)
	}
	for _, t := range ns.Timeouts {
		d, err := time.ParseDuration(t.Duration)
		if err != nil || d <= 0 {
			return nil, NewValidationError(ns.ID, "timeouts",
				fmt.Sprintf("invalid duration %q for dimension %s", t.Duration, t.Dimension), err)
		}
		raw, _ := json.Marshal(map[string]any{"duration": t.Duration})
		node.Timeouts = append(node.Timeouts, domain.Obtainment{Type: t.Dimension, Parameters: raw})
	}

	return node, nil
}

func obtainment(nodeID, field string, s ObtainmentSpec) (domain.Obtainment, error) {
	params, err := marshalParams(s.Parameters)
	if err != nil {
		return domain.Obtainment{}, NewValidationError(nodeID, field, err.Error(), err)
	}
	return domain.Obtainment{Type: s.Type, Parameters: params}, nil
}

// marshalParams сериализует параметры в JSON.
// yaml.v3 отдаёт map[string]any, поэтому json.Marshal справляется без конвертации.
func marshalParams(params map[string]any) (json.RawMessage, error) {
	if len(params) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	return b, nil
}

// Validate выполняет полную валидацию плана.
//
// Проверяет:
// - Наличие узлов и стартового узла
// - Ссылки next/children
// - Отсутствие циклов и узлов с несколькими родителями (делегируется Graph)
// - Зарегистрированность типов шагов, фасилитаторов, адвайзеров и таймаутов
func Validate(plan *domain.Plan, catalog Catalog) (*Graph, error) {
	if plan == nil || len(plan.Nodes) == 0 {
		return nil, ErrEmptyPlan
	}

	for _, id := range sortedIDs(plan.Nodes) {
		node := plan.Nodes[id]
		if node.ID == "" {
			return nil, NewValidationError("", "id", "node has empty ID", ErrEmptyNodeID)
		}
		if catalog == nil {
			continue
		}
		if err := validateTypes(node, catalog); err != nil {
			return nil, err
		}
	}

	return BuildGraph(plan)
}

// validateTypes проверяет, что все типы узла известны.
func validateTypes(node *domain.Node, catalog Catalog) error {
	if node.StepType == "" || !catalog.HasStep(node.StepType) {
		return NewValidationError(node.ID, "type",
			fmt.Sprintf("unknown step type: %q", node.StepType), ErrUnknownStepType)
	}
	for _, f := range node.Facilitators {
		if !catalog.HasFacilitator(f.Type) {
			return NewValidationError(node.ID, "facilitators",
				fmt.Sprintf("unknown facilitator: %s", f.Type), ErrUnknownFacilitator)
		}
	}
	for _, a := range node.Advisers {
		if !catalog.HasAdviser(a.Type) {
			return NewValidationError(node.ID, "advisers",
				fmt.Sprintf("unknown adviser: %s", a.Type), ErrUnknownAdviser)
		}
	}
	for _, t := range node.Timeouts {
		if !catalog.HasDimension(t.Type) {
			return NewValidationError(node.ID, "timeouts",
				fmt.Sprintf("unknown timeout dimension: %s", t.Type), ErrUnknownDimension)
		}
	}
	return nil
}

// ParseAndValidate — ParsePlan + Build + Validate.
func ParseAndValidate(data []byte, catalog Catalog) (*domain.Plan, error) {
	spec, err := ParsePlan(data)
	if err != nil {
		return nil, err
	}
	plan, err := Build(spec)
	if err != nil {
		return nil, err
	}
	if _, err := Validate(plan, catalog); err != nil {
		return nil, err
	}
	return plan, nil
}
