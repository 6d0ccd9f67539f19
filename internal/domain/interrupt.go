package domain

import (
	"time"

	"github.com/google/uuid"
)

// InterruptType — тип внешнего вмешательства в выполнение.
type InterruptType string

const (
	// InterruptAbortAll — прервать всё выполнение плана.
	InterruptAbortAll InterruptType = "ABORT_ALL"

	// InterruptAbort — прервать узел и всех его потомков.
	InterruptAbort InterruptType = "ABORT"

	// InterruptPauseAll — поставить план на паузу.
	InterruptPauseAll InterruptType = "PAUSE_ALL"

	// InterruptResumeAll — снять план с паузы.
	InterruptResumeAll InterruptType = "RESUME_ALL"

	// InterruptRetry — повторить узел, ожидающий вмешательства.
	InterruptRetry InterruptType = "RETRY"

	// InterruptIgnore — проигнорировать ошибку узла и продолжить.
	InterruptIgnore InterruptType = "IGNORE"

	// InterruptMarkSuccess — принудительно завершить узел успешно.
	InterruptMarkSuccess InterruptType = "MARK_SUCCESS"

	// InterruptMarkFailed — принудительно завершить узел с ошибкой.
	InterruptMarkFailed InterruptType = "MARK_FAILED"

	// InterruptExpire — сработал таймаут узла (источник — Timeout Engine).
	InterruptExpire InterruptType = "EXPIRE"
)

// InterruptSource — кто инициировал interrupt.
type InterruptSource string

const (
	SourceOperator InterruptSource = "OPERATOR"
	SourceTimeout  InterruptSource = "TIMEOUT"
	SourceSystem   InterruptSource = "SYSTEM"
)

// IsPlanWide возвращает true для interrupt'ов, действующих на весь план.
func (t InterruptType) IsPlanWide() bool {
	switch t {
	case InterruptAbortAll, InterruptPauseAll, InterruptResumeAll:
		return true
	default:
		return false
	}
}

// Interrupt — команда оператора или системы.
type Interrupt struct {
	ID              uuid.UUID       `json:"id"`
	Type            InterruptType   `json:"type"`
	PlanExecutionID uuid.UUID       `json:"plan_execution_id"`
	NodeExecutionID string          `json:"node_execution_id,omitempty"`
	Source          InterruptSource `json:"source"`
	Reason          string          `json:"reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// NewInterrupt создаёт interrupt с новым ID.
func NewInterrupt(t InterruptType, planExecutionID uuid.UUID, nodeExecutionID string, source InterruptSource) Interrupt {
	return Interrupt{
		ID:              uuid.New(),
		Type:            t,
		PlanExecutionID: planExecutionID,
		NodeExecutionID: nodeExecutionID,
		Source:          source,
		CreatedAt:       time.Now(),
	}
}
