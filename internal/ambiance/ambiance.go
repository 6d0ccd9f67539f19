// Package ambiance описывает контекст выполнения узла.
//
// Ambiance — неизменяемое значение, которое передаётся каждому шагу,
// фасилитатору и адвайзеру. Оно содержит идентификаторы аккаунта и
// плана, а также стек уровней (Level): по одному уровню на каждый
// узел от корня плана до текущего узла.
//
// Спуск в дочерний узел выполняется через WithLevel, который
// возвращает копию; исходное значение не меняется. Поэтому Ambiance
// безопасно разделять между горутинами.
package ambiance

import (
	"strings"
)

// Level — один уровень вложенности: узел, внутри которого идёт выполнение.
type Level struct {
	// RuntimeID — ID выполнения узла (NodeExecution.ID).
	RuntimeID string `json:"runtime_id"`

	// SetupID — ID узла в плане (Node.ID).
	SetupID string `json:"setup_id"`

	// Identifier — человекочитаемый идентификатор узла.
	Identifier string `json:"identifier,omitempty"`

	// StepType — тип шага узла.
	StepType string `json:"step_type"`

	// Group — логическая группа (например, "stage" или "step").
	Group string `json:"group,omitempty"`

	// Order — глубина уровня, начиная с 0.
	Order int `json:"order"`
}

// Ambiance — контекст выполнения.
type Ambiance struct {
	AccountID       string            `json:"account_id,omitempty"`
	OrgID           string            `json:"org_id,omitempty"`
	ProjectID       string            `json:"project_id,omitempty"`
	PlanID          string            `json:"plan_id"`
	PlanExecutionID string            `json:"plan_execution_id"`
	Levels          []Level           `json:"levels,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// New создаёт корневой Ambiance для выполнения плана.
func New(planID, planExecutionID string) Ambiance {
	return Ambiance{
		PlanID:          planID,
		PlanExecutionID: planExecutionID,
	}
}

// WithLevel возвращает копию с добавленным уровнем.
// Order нового уровня выставляется по глубине стека.
func (a Ambiance) WithLevel(l Level) Ambiance {
	out := a.Clone()
	l.Order = len(a.Levels)
	out.Levels = append(out.Levels, l)
	return out
}

// Clone возвращает глубокую копию.
func (a Ambiance) Clone() Ambiance {
	out := a
	if a.Levels != nil {
		out.Levels = make([]Level, len(a.Levels), len(a.Levels)+1)
		copy(out.Levels, a.Levels)
	}
	if a.Metadata != nil {
		out.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Current возвращает текущий (самый глубокий) уровень.
func (a Ambiance) Current() (Level, bool) {
	if len(a.Levels) == 0 {
		return Level{}, false
	}
	return a.Levels[len(a.Levels)-1], true
}

// Parent возвращает уровень непосредственного родителя текущего узла.
func (a Ambiance) Parent() (Level, bool) {
	if len(a.Levels) < 2 {
		return Level{}, false
	}
	return a.Levels[len(a.Levels)-2], true
}

// RuntimeID возвращает ID выполнения текущего узла.
func (a Ambiance) RuntimeID() string {
	if l, ok := a.Current(); ok {
		return l.RuntimeID
	}
	return ""
}

// Depth возвращает количество уровней.
func (a Ambiance) Depth() int {
	return len(a.Levels)
}

// Path возвращает путь из setup ID уровней, например "build/test/unit".
func (a Ambiance) Path() string {
	parts := make([]string, 0, len(a.Levels))
	for _, l := range a.Levels {
		parts = append(parts, l.SetupID)
	}
	return strings.Join(parts, "/")
}

// LogAttrs возвращает пары ключ-значение для slog.
func (a Ambiance) LogAttrs() []any {
	attrs := []any{"plan_execution_id", a.PlanExecutionID}
	if l, ok := a.Current(); ok {
		attrs = append(attrs, "node_execution_id", l.RuntimeID, "node_id", l.SetupID, "step_type", l.StepType)
	}
	return attrs
}
