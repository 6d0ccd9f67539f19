package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
)

// Context — контекст для рендеринга шаблонов.
//
// Используется в Go templates для доступа к данным:
//   - {{ .Inputs.param_name }}
//   - {{ .Nodes.identifier.Outputs.field }}
//   - {{ .Nodes.identifier.Status }}
//   - {{ .Execution.ID }}
//
// Context принадлежит одному выполнению плана и изменяется только
// из его цикла обработки, поэтому блокировок не содержит.
type Context struct {
	// Inputs — входные параметры выполнения.
	Inputs map[string]any `json:"inputs"`

	// Nodes — результаты завершённых узлов по identifier.
	Nodes map[string]*NodeContext `json:"nodes"`

	// Execution — сведения о самом выполнении.
	Execution ExecutionContext `json:"execution"`
}

// NodeContext — результат узла для использования в шаблонах.
type NodeContext struct {
	// Outputs — выходные данные узла.
	Outputs map[string]any `json:"outputs"`

	// Status — терминальный статус: "SUCCEEDED", "FAILED", "SKIPPED", ...
	Status string `json:"status"`
}

// ExecutionContext — данные выполнения плана.
type ExecutionContext struct {
	ID     string `json:"id"`
	PlanID string `json:"plan_id"`
}

// NewContext создаёт новый контекст с входными параметрами.
func NewContext(inputs map[string]any) *Context {
	if inputs == nil {
		inputs = make(map[string]any)
	}
	return &Context{
		Inputs: inputs,
		Nodes:  make(map[string]*NodeContext),
	}
}

// AddNodeResult добавляет результат узла в контекст.
// Повторная попытка того же узла перезаписывает предыдущий результат.
func (c *Context) AddNodeResult(identifier string, outputs map[string]any, status string) {
	if outputs == nil {
		outputs = make(map[string]any)
	}
	c.Nodes[identifier] = &NodeContext{
		Outputs: outputs,
		Status:  status,
	}
}

// Snapshot возвращает копию контекста для чтения вне цикла обработки
// выполнения (например, из горутины SYNC шага).
func (c *Context) Snapshot() *Context {
	nodes := make(map[string]*NodeContext, len(c.Nodes))
	for id, n := range c.Nodes {
		nodes[id] = n
	}
	return &Context{
		Inputs:    c.Inputs,
		Nodes:     nodes,
		Execution: c.Execution,
	}
}

var templateFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"fromJSON": func(s string) any {
		var v any
		if json.Unmarshal([]byte(s), &v) != nil {
			return nil
		}
		return v
	},
	"default":  func(def, val any) any { return coalesce(val, def) },
	"coalesce": func(values ...any) any { return coalesce(values...) },
	// succeeded: SKIPPED тоже считается успешным исходом
	"succeeded": func(n *NodeContext) bool {
		return n != nil && (n.Status == "SUCCEEDED" || n.Status == "SKIPPED")
	},
	"failed": func(n *NodeContext) bool {
		return n != nil && (n.Status == "FAILED" || n.Status == "ABORTED" || n.Status == "EXPIRED")
	},
	"join":      func(sep string, items []string) string { return strings.Join(items, sep) },
	"split":     func(sep, s string) []string { return strings.Split(s, sep) },
	"contains":  strings.Contains,
	"hasPrefix": strings.HasPrefix,
	"hasSuffix": strings.HasSuffix,
	"lower":     strings.ToLower,
	"upper":     strings.ToUpper,
	"trim":      strings.TrimSpace,
	"replace":   strings.ReplaceAll,
}

// coalesce возвращает первое значение, не равное nil и "".
func coalesce(values ...any) any {
	for _, v := range values {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		return v
	}
	return nil
}

// parsed — разобранные шаблоны. Параметры одного узла рендерятся при
// каждой активации, текст шаблонов при этом не меняется.
var parsed sync.Map

func compile(text string) (*template.Template, error) {
	if t, ok := parsed.Load(text); ok {
		return t.(*template.Template), nil
	}
	t, err := template.New("").Funcs(templateFuncs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}
	parsed.Store(text, t)
	return t, nil
}

// Render подставляет значения в строковый шаблон. Результат всегда строка.
func Render(text string, ctx *Context) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	t, err := compile(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}
	return buf.String(), nil
}

// reference — строка, целиком состоящая из одной ссылки вида
// {{ .Nodes.build.Outputs.items }}.
var reference = regexp.MustCompile(`^\{\{\s*\.([A-Za-z_][\w-]*(?:\.[A-Za-z_][\w-]*)*)\s*\}\}$`)

// Resolve находит значение по пути "Inputs.x", "Nodes.id.Outputs.x",
// "Nodes.id.Status" или "Execution.ID".
func (c *Context) Resolve(path string) (any, bool) {
	segs := strings.Split(path, ".")
	var cur any
	switch segs[0] {
	case "Inputs":
		cur, segs = c.Inputs, segs[1:]
	case "Nodes":
		if len(segs) < 3 {
			return nil, false
		}
		n, ok := c.Nodes[segs[1]]
		if !ok {
			return nil, false
		}
		switch segs[2] {
		case "Outputs":
			cur, segs = n.Outputs, segs[3:]
		case "Status":
			return n.Status, len(segs) == 3
		default:
			return nil, false
		}
	case "Execution":
		if len(segs) != 2 {
			return nil, false
		}
		switch segs[1] {
		case "ID":
			return c.Execution.ID, true
		case "PlanID":
			return c.Execution.PlanID, true
		}
		return nil, false
	default:
		return nil, false
	}

	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[seg]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// RenderValue рендерит строки внутри map и slice.
//
// Строка из одной ссылки сохраняет тип значения: список остаётся
// списком, число числом. Остальные шаблоны дают строку.
func RenderValue(value any, ctx *Context) (any, error) {
	switch v := value.(type) {
	case string:
		if m := reference.FindStringSubmatch(strings.TrimSpace(v)); m != nil {
			if resolved, ok := ctx.Resolve(m[1]); ok {
				return resolved, nil
			}
		}
		return Render(v, ctx)

	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			r, err := RenderValue(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = r
		}
		return out, nil

	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := RenderValue(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil

	case map[string]string:
		out := make(map[string]string, len(v))
		for key, item := range v {
			r, err := Render(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = r
		}
		return out, nil

	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			r, err := Render(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil

	default:
		return value, nil
	}
}

// RenderConfig рендерит параметры шага.
func RenderConfig(config map[string]any, ctx *Context) (map[string]any, error) {
	if config == nil {
		return make(map[string]any), nil
	}
	rendered, err := RenderValue(config, ctx)
	if err != nil {
		return nil, err
	}
	return rendered.(map[string]any), nil
}

// RenderParameters разбирает JSON-параметры узла и рендерит шаблоны в них.
func RenderParameters(raw json.RawMessage, ctx *Context) (map[string]any, error) {
	if len(raw) == 0 {
		return make(map[string]any), nil
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("%w: decode parameters: %v", ErrTemplateRender, err)
	}
	return RenderConfig(params, ctx)
}

// RenderCondition вычисляет условие пропуска узла. Пустое условие истинно.
func RenderCondition(condition string, ctx *Context) (bool, error) {
	if strings.TrimSpace(condition) == "" {
		return true, nil
	}
	out, err := Render("{{if "+condition+"}}true{{else}}false{{end}}", ctx)
	if err != nil {
		return false, err
	}
	return out == "true", nil
}
