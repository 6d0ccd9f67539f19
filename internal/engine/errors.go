package engine

import "errors"

// Ошибки валидации плана.
var (
	// ErrEmptyPlan — план не содержит узлов.
	ErrEmptyPlan = errors.New("plan has no nodes")

	// ErrEmptyNodeID — узел не имеет ID.
	ErrEmptyNodeID = errors.New("node has empty ID")

	// ErrDuplicateNodeID — несколько узлов с одинаковым ID.
	ErrDuplicateNodeID = errors.New("duplicate node ID")

	// ErrUnknownStepType — тип шага не зарегистрирован.
	ErrUnknownStepType = errors.New("unknown step type")

	// ErrUnknownFacilitator — фасилитатор не зарегистрирован.
	ErrUnknownFacilitator = errors.New("unknown facilitator type")

	// ErrUnknownAdviser — адвайзер не зарегистрирован.
	ErrUnknownAdviser = errors.New("unknown adviser type")

	// ErrUnknownDimension — измерение таймаута не зарегистрировано.
	ErrUnknownDimension = errors.New("unknown timeout dimension")

	// ErrMissingReference — ссылка (start, next, children) на несуществующий узел.
	ErrMissingReference = errors.New("reference to unknown node")

	// ErrCyclicGraph — обнаружен цикл в графе.
	ErrCyclicGraph = errors.New("cyclic graph detected")

	// ErrSelfReference — узел ссылается сам на себя.
	ErrSelfReference = errors.New("node references itself")

	// ErrMultipleParents — узел является потомком нескольких узлов.
	ErrMultipleParents = errors.New("node has multiple parents")
)

// Ошибки рендеринга шаблонов.
var (
	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	NodeID  string // ID узла, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(nodeID, field, message string, err error) *ValidationError {
	return &ValidationError{
		NodeID:  nodeID,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
