package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shaiso/Relay/internal/ambiance"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/engine"
)

// Ошибки шагов.
var (
	// ErrInvalidConfig — невалидные параметры шага.
	ErrInvalidConfig = errors.New("invalid step config")

	// ErrStepCancelled — выполнение шага отменено.
	ErrStepCancelled = errors.New("step execution cancelled")

	// ErrUnsupportedMode — шаг не умеет выполняться в запрошенном режиме.
	ErrUnsupportedMode = errors.New("step does not support execution mode")
)

// Step — общий интерфейс типов шагов.
//
// Сам по себе Step ничего не выполняет: возможности шага задаются
// интерфейсами ниже (SyncExecutable, AsyncExecutable, ...). Шаг
// реализует один или несколько из них, а фасилитатор выбирает режим.
type Step interface {
	// Type возвращает тип шага.
	Type() string
}

// Input — входные данные вызова шага.
type Input struct {
	// Ambiance — контекст выполнения, последний уровень — этот узел.
	Ambiance ambiance.Ambiance

	// Node — определение узла.
	Node *domain.Node

	// NodeExecutionID — runtime ID выполнения узла.
	NodeExecutionID string

	// Parameters — параметры шага после рендеринга шаблонов.
	Parameters map[string]any

	// Template — контекст шаблонов (inputs плана и outputs узлов).
	Template *engine.Context
}

// CorrelationID строит correlation ID узла с суффиксом.
func (in *Input) CorrelationID(suffix string) string {
	return in.NodeExecutionID + ":" + suffix
}

// SyncExecutable — шаг, результат которого возвращается вызовом.
// Шаг должен проверять ctx.Done() для graceful shutdown.
type SyncExecutable interface {
	Step
	ExecuteSync(ctx context.Context, in *Input) (*domain.StepResponse, error)
}

// AsyncResponse — ответ асинхронного шага: результат придёт по correlation ID.
type AsyncResponse struct {
	CorrelationIDs []string
}

// AsyncExecutable — шаг, запускающий внешнюю работу и ожидающий callback.
type AsyncExecutable interface {
	Step

	// ExecuteAsync запускает работу и возвращает correlation ID.
	ExecuteAsync(ctx context.Context, in *Input) (*AsyncResponse, error)

	// HandleAsyncResponse вызывается, когда пришли результаты по всем ID.
	HandleAsyncResponse(ctx context.Context, in *Input, results map[string]*domain.Notification) (*domain.StepResponse, error)
}

// Rearmable — асинхронный шаг, ожидание которого хранится вне координатора.
// После рестарта координатор вызывает Rearm для узла в WAITING: шаг
// повторно регистрирует ожидание с теми же correlation ID, и если условие
// уже выполнено, уведомление приходит снова. Rearm должен быть идемпотентным.
type Rearmable interface {
	AsyncExecutable
	Rearm(ctx context.Context, in *Input) error
}

// TaskExecutable — шаг, работа которого выполняется делегатом.
type TaskExecutable interface {
	Step

	// ObtainTask описывает задачу для делегата.
	ObtainTask(ctx context.Context, in *Input) (*domain.TaskSpec, error)

	// HandleTaskResult превращает результат задачи в StepResponse.
	HandleTaskResult(ctx context.Context, in *Input, result *domain.Notification) (*domain.StepResponse, error)
}

// TaskChainLink — очередное звено цепочки задач.
type TaskChainLink struct {
	// Task — задача звена. Nil означает, что цепочка завершена.
	Task *domain.TaskSpec

	// PassThrough — непрозрачные данные, передаваемые в следующий раунд.
	PassThrough json.RawMessage
}

// TaskChainExecutable — шаг из последовательности задач делегату.
type TaskChainExecutable interface {
	Step

	// NextLink возвращает звено раунда round. last — результат
	// предыдущего звена (nil в первом раунде).
	NextLink(ctx context.Context, in *Input, round int, passThrough json.RawMessage, last *domain.Notification) (*TaskChainLink, error)

	// FinishChain собирает итог цепочки.
	FinishChain(ctx context.Context, in *Input, passThrough json.RawMessage, last *domain.Notification) (*domain.StepResponse, error)
}

// ChildrenExecutable — шаг, запускающий дочерние узлы параллельно.
type ChildrenExecutable interface {
	Step

	// ObtainChildren возвращает setup ID дочерних узлов.
	ObtainChildren(ctx context.Context, in *Input) ([]string, error)

	// HandleChildrenResponse собирает outputs завершённых детей.
	// Вызывается только если ни один ребёнок не упал.
	HandleChildrenResponse(ctx context.Context, in *Input, children []*domain.NodeExecution) (*domain.StepResponse, error)
}

// ChildChainLink — очередной дочерний узел цепочки.
type ChildChainLink struct {
	// ChildID — setup ID узла. Пустой означает конец цепочки.
	ChildID string

	PassThrough json.RawMessage
}

// ChildChainExecutable — шаг, запускающий дочерние узлы по одному.
type ChildChainExecutable interface {
	Step

	// NextChild возвращает следующего ребёнка. last — выполнение
	// предыдущего ребёнка (nil в первом раунде).
	NextChild(ctx context.Context, in *Input, round int, passThrough json.RawMessage, last *domain.NodeExecution) (*ChildChainLink, error)

	// FinishChildChain собирает итог по всем выполненным детям.
	FinishChildChain(ctx context.Context, in *Input, children []*domain.NodeExecution) (*domain.StepResponse, error)
}

// Abortable — шаг, которому нужно освободить внешние ресурсы при прерывании.
type Abortable interface {
	OnAbort(ctx context.Context, in *Input) error
}

// UnreachableHandler — шаг, которому нужно знать, что его узел уже не будет выполнен.
type UnreachableHandler interface {
	OnUnreachable(ctx context.Context, planExecutionID string, node *domain.Node) error
}

// PlanInitializer — шаг, которому нужна подготовка при старте выполнения плана.
type PlanInitializer interface {
	InitPlan(ctx context.Context, planExecutionID string, plan *domain.Plan) error
}

// Modes возвращает режимы, которые поддерживает шаг, в порядке предпочтения.
func Modes(s Step) []domain.ExecutionMode {
	var modes []domain.ExecutionMode
	if _, ok := s.(ChildrenExecutable); ok {
		modes = append(modes, domain.ModeChildren)
	}
	if _, ok := s.(ChildChainExecutable); ok {
		modes = append(modes, domain.ModeChildChain)
	}
	if _, ok := s.(TaskChainExecutable); ok {
		modes = append(modes, domain.ModeTaskChain)
	}
	if _, ok := s.(TaskExecutable); ok {
		modes = append(modes, domain.ModeTask)
	}
	if _, ok := s.(AsyncExecutable); ok {
		modes = append(modes, domain.ModeAsync)
	}
	if _, ok := s.(SyncExecutable); ok {
		modes = append(modes, domain.ModeSync)
	}
	return modes
}

// Supports проверяет, поддерживает ли шаг режим.
func Supports(s Step, mode domain.ExecutionMode) bool {
	for _, m := range Modes(s) {
		if m == mode {
			return true
		}
	}
	return false
}

// DecodeParameters раскладывает параметры шага в структуру через JSON.
func DecodeParameters(params map[string]any, out any) error {
	if len(params) == 0 {
		return nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// GetConfigString извлекает строковое значение из параметров.
func GetConfigString(config map[string]any, key string) string {
	if v, ok := config[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetConfigInt извлекает числовое значение из параметров.
func GetConfigInt(config map[string]any, key string) int {
	if v, ok := config[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return 0
}

// GetConfigBool извлекает булево значение из параметров.
func GetConfigBool(config map[string]any, key string, defaultVal bool) bool {
	if v, ok := config[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}

// GetConfigMapString извлекает map[string]string из параметров.
func GetConfigMapString(config map[string]any, key string) map[string]string {
	if v, ok := config[key]; ok {
		switch m := v.(type) {
		case map[string]string:
			return m
		case map[string]any:
			result := make(map[string]string)
			for k, val := range m {
				if s, ok := val.(string); ok {
					result[k] = s
				}
			}
			return result
		}
	}
	return nil
}

// GetConfigStrings извлекает список строк из параметров.
func GetConfigStrings(config map[string]any, key string) []string {
	v, ok := config[key]
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
