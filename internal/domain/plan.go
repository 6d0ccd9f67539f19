package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Plan — ациклический граф узлов со ссылкой на стартовый узел.
//
// Plan неизменяем: после сохранения его можно выполнять сколько угодно
// раз, каждое выполнение — отдельный PlanExecution.
type Plan struct {
	// ID — уникальный идентификатор плана.
	ID uuid.UUID `json:"id"`

	// Name — имя плана.
	Name string `json:"name"`

	// StartNodeID — ID узла, с которого начинается выполнение.
	StartNodeID string `json:"start_node_id"`

	// Nodes — узлы плана по setup ID.
	Nodes map[string]*Node `json:"nodes"`

	// CreatedAt — время сохранения плана.
	CreatedAt time.Time `json:"created_at"`
}

// Node возвращает узел по ID.
func (p *Plan) Node(id string) (*Node, bool) {
	n, ok := p.Nodes[id]
	return n, ok
}

// NodesOfType возвращает все узлы с указанным типом шага.
func (p *Plan) NodesOfType(stepType string) []*Node {
	var out []*Node
	for _, n := range p.Nodes {
		if n.StepType == stepType {
			out = append(out, n)
		}
	}
	return out
}

// Node — единица выполнения в плане.
type Node struct {
	// ID — setup ID, уникальный в рамках плана.
	ID string `json:"id"`

	// Identifier — идентификатор для ссылок из шаблонов
	// ({{ .Nodes.<identifier>.Outputs.x }}). По умолчанию равен ID.
	Identifier string `json:"identifier"`

	// Name — человекочитаемое имя.
	Name string `json:"name,omitempty"`

	// StepType — тип шага: "http", "wait", "fork", "barrier", ...
	StepType string `json:"step_type"`

	// Group — логическая группа узла, попадает в Level.
	Group string `json:"group,omitempty"`

	// StepParameters — параметры шага (JSON, могут содержать шаблоны).
	StepParameters json.RawMessage `json:"step_parameters,omitempty"`

	// Facilitators — упорядоченный список фасилитаторов.
	// Пустой список — автоматический выбор по возможностям шага.
	Facilitators []Obtainment `json:"facilitators,omitempty"`

	// Advisers — упорядоченный список адвайзеров.
	Advisers []Obtainment `json:"advisers,omitempty"`

	// Timeouts — таймауты, отслеживаемые пока узел выполняется.
	Timeouts []Obtainment `json:"timeouts,omitempty"`

	// SkipCondition — Go template, возвращающий bool.
	SkipCondition string `json:"skip_condition,omitempty"`

	// Next — следующий узел той же ветки.
	Next string `json:"next,omitempty"`

	// Children — дочерние узлы (для fork и group).
	Children []string `json:"children,omitempty"`
}

// Obtainment — ссылка на зарегистрированную реализацию (фасилитатор,
// адвайзер, измерение таймаута) с её параметрами.
type Obtainment struct {
	Type       string          `json:"type"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// RefIdentifier возвращает идентификатор для шаблонов.
func (n *Node) RefIdentifier() string {
	if n.Identifier != "" {
		return n.Identifier
	}
	return n.ID
}
