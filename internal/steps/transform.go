package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/engine"
)

// StepTypeTransform — SYNC шаг, собирающий outputs из шаблонов.
const StepTypeTransform = "transform"

// TransformStep строит outputs по параметру "mappings": ключ результата
// и шаблон над контекстом выполнения.
//
//	mappings:
//	  total: "{{ len .Nodes.fetch.Outputs.items }}"
//	  items: "{{ .Nodes.fetch.Outputs.items }}"
//
// Шаблон из одной ссылки отдаёт значение как есть. Результат прочих
// шаблонов разбирается как JSON, если это удаётся, иначе остаётся строкой.
type TransformStep struct{}

func NewTransformStep() *TransformStep { return &TransformStep{} }

func (s *TransformStep) Type() string { return StepTypeTransform }

func (s *TransformStep) ExecuteSync(ctx context.Context, in *Input) (*domain.StepResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStepCancelled, err)
	}

	mappings := mappingsOf(rawParameters(in))
	tmplCtx := in.Template
	if tmplCtx == nil {
		tmplCtx = engine.NewContext(nil)
	}

	// Порядок ключей фиксирован, чтобы ошибка была воспроизводимой.
	keys := make([]string, 0, len(mappings))
	for key := range mappings {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	outputs := make(map[string]any, len(mappings))
	for _, key := range keys {
		value, err := engine.RenderValue(mappings[key], tmplCtx)
		if err != nil {
			return nil, fmt.Errorf("transform %s: %w", key, err)
		}
		if str, ok := value.(string); ok {
			value = decodeLoose(str)
		}
		outputs[key] = value
	}
	return domain.Succeeded(outputs), nil
}

// mappingsOf оставляет только строковые шаблоны.
func mappingsOf(params map[string]any) map[string]string {
	switch m := params["mappings"].(type) {
	case map[string]string:
		return m
	case map[string]any:
		out := make(map[string]string, len(m))
		for key, v := range m {
			if str, ok := v.(string); ok {
				out[key] = str
			}
		}
		return out
	}
	return nil
}

// decodeLoose: целые числа становятся int64, прочий валидный JSON
// разбирается как есть, остальное остаётся строкой.
func decodeLoose(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return s
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	if num, ok := v.(json.Number); ok {
		if i, err := num.Int64(); err == nil {
			return i
		}
		if f, err := num.Float64(); err == nil {
			return f
		}
	}
	if _, isString := v.(string); isString {
		// JSON-строка в кавычках остаётся исходным текстом
		return s
	}
	return normalizeNumbers(v)
}

// normalizeNumbers заменяет json.Number во вложенных структурах на float64,
// как это делает обычный json.Unmarshal.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, item := range t {
			t[k] = normalizeNumbers(item)
		}
	case []any:
		for i, item := range t {
			t[i] = normalizeNumbers(item)
		}
	}
	return v
}

// rawParameters возвращает параметры узла до рендеринга. Без узла
// (вызов от делегата) используются параметры вызова.
func rawParameters(in *Input) map[string]any {
	if in.Node == nil || len(in.Node.StepParameters) == 0 {
		return in.Parameters
	}
	var raw map[string]any
	if err := json.Unmarshal(in.Node.StepParameters, &raw); err != nil {
		return in.Parameters
	}
	return raw
}
