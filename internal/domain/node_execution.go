package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/ambiance"
)

// ExecutionMode — способ выполнения шага, выбранный фасилитатором.
type ExecutionMode string

const (
	// ModeSync — шаг выполняется сразу, результат возвращается вызовом.
	ModeSync ExecutionMode = "SYNC"

	// ModeAsync — шаг возвращает correlation ID, результат приходит callback'ом.
	ModeAsync ExecutionMode = "ASYNC"

	// ModeTask — работа отправляется делегату (удалённому воркеру).
	ModeTask ExecutionMode = "TASK"

	// ModeTaskChain — последовательность задач делегату с передачей состояния.
	ModeTaskChain ExecutionMode = "TASK_CHAIN"

	// ModeChildren — все дочерние узлы запускаются параллельно.
	ModeChildren ExecutionMode = "CHILDREN"

	// ModeChildChain — дочерние узлы запускаются по одному, раунд за раундом.
	ModeChildChain ExecutionMode = "CHILD_CHAIN"
)

// PauseReason — причина, по которой узел стоит на паузе.
type PauseReason string

const (
	PauseIntervention PauseReason = "INTERVENTION"
	PauseOperator     PauseReason = "OPERATOR"
)

// FailureKind — категория ошибки шага.
type FailureKind string

const (
	FailureApplication       FailureKind = "APPLICATION"
	FailureTimeout           FailureKind = "TIMEOUT"
	FailureNoEligibleWorkers FailureKind = "NO_ELIGIBLE_WORKERS"
	FailureNoFacilitator     FailureKind = "NO_FACILITATOR"
	FailureBarrierAbandoned  FailureKind = "BARRIER_ABANDONED"
	FailureConfiguration     FailureKind = "CONFIGURATION"
	FailureAborted           FailureKind = "ABORTED"
	FailureChildren          FailureKind = "CHILDREN_FAILED"
)

// FailureInfo — описание ошибки шага.
type FailureInfo struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Error реализует error, чтобы FailureInfo можно было логировать как ошибку.
func (f *FailureInfo) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Transition — запись в истории статусов узла.
type Transition struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

// NodeExecution — одна попытка выполнения узла плана.
//
// Записи никогда не удаляются: повтор (retry) создаёт новую
// NodeExecution, а старая остаётся в терминальном статусе и
// получает RetriedByID.
type NodeExecution struct {
	// ID — runtime ID (ULID).
	ID string `json:"id"`

	// PlanExecutionID — выполнение плана, которому принадлежит узел.
	PlanExecutionID uuid.UUID `json:"plan_execution_id"`

	// NodeID — setup ID узла в плане.
	NodeID string `json:"node_id"`

	// Ambiance — контекст выполнения (последний уровень — этот узел).
	Ambiance ambiance.Ambiance `json:"ambiance"`

	// Status — текущий статус.
	Status Status `json:"status"`

	// Mode — режим выполнения, выбранный фасилитатором.
	Mode ExecutionMode `json:"mode,omitempty"`

	// ParentID — ID родительской NodeExecution (fork/group), пусто для верхнего уровня.
	ParentID string `json:"parent_id,omitempty"`

	// PreviousID — ID предыдущей NodeExecution в ветке.
	PreviousID string `json:"previous_id,omitempty"`

	// RetryCount — номер повтора, 0 для первой попытки.
	RetryCount int `json:"retry_count"`

	// PreviousAttemptID — попытка, которую повторяет эта.
	PreviousAttemptID string `json:"previous_attempt_id,omitempty"`

	// RetriedByID — попытка, созданная для повтора этой.
	RetriedByID string `json:"retried_by_id,omitempty"`

	// FacilitatorResponse — последний ответ фасилитатора.
	FacilitatorResponse *FacilitatorResponse `json:"facilitator_response,omitempty"`

	// Advise — последний полученный совет.
	Advise *Advise `json:"advise,omitempty"`

	// CorrelationIDs — ID, по которым ожидаются callback'и.
	CorrelationIDs []string `json:"correlation_ids,omitempty"`

	// PassThroughData — непрозрачные данные раунда для *_CHAIN режимов.
	PassThroughData json.RawMessage `json:"pass_through_data,omitempty"`

	// ChainRound — номер текущего раунда цепочки.
	ChainRound int `json:"chain_round,omitempty"`

	// ChainEnd — последний раунд цепочки уже запущен.
	ChainEnd bool `json:"chain_end,omitempty"`

	// Outputs — результаты шага.
	Outputs map[string]any `json:"outputs,omitempty"`

	// OutputsRef — ссылка на результаты в blob-хранилище, если они не влезли в запись.
	OutputsRef string `json:"outputs_ref,omitempty"`

	// Failure — ошибка шага.
	Failure *FailureInfo `json:"failure,omitempty"`

	// FailureIgnored — ошибка проигнорирована (адвайзером или оператором).
	FailureIgnored bool `json:"failure_ignored,omitempty"`

	// PendingStatus — статус, который получил бы узел, если бы не пауза вмешательства.
	PendingStatus Status `json:"pending_status,omitempty"`

	// PauseReason — причина паузы.
	PauseReason PauseReason `json:"pause_reason,omitempty"`

	// Transitions — история переходов (только добавление).
	Transitions []Transition `json:"transitions,omitempty"`

	// Version — версия записи для оптимистической блокировки.
	Version int64 `json:"version"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewNodeExecution создаёт NodeExecution в статусе QUEUED.
func NewNodeExecution(id string, planExecutionID uuid.UUID, node *Node, amb ambiance.Ambiance) *NodeExecution {
	now := time.Now()
	return &NodeExecution{
		ID:              id,
		PlanExecutionID: planExecutionID,
		NodeID:          node.ID,
		Ambiance:        amb,
		Status:          StatusQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// TransitionTo переводит узел в новый статус.
// Возвращает ErrInvalidTransition, если ребра нет в таблице переходов.
func (ne *NodeExecution) TransitionTo(to Status, at time.Time) error {
	if !CanTransition(ne.Status, to) {
		return fmt.Errorf("%w: %s → %s (node execution %s)", ErrInvalidTransition, ne.Status, to, ne.ID)
	}

	ne.Transitions = append(ne.Transitions, Transition{From: ne.Status, To: to, At: at})
	ne.Status = to
	ne.UpdatedAt = at

	switch {
	case to == StatusRunning && ne.StartedAt == nil:
		ne.StartedAt = &at
	case to.IsTerminal():
		ne.EndedAt = &at
	}
	if to != StatusPaused {
		ne.PauseReason = ""
		ne.PendingStatus = ""
	}
	return nil
}

// IsTerminal возвращает true, если узел завершён.
func (ne *NodeExecution) IsTerminal() bool {
	return ne.Status.IsTerminal()
}

// IsLatestAttempt возвращает true, если попытка не была повторена.
func (ne *NodeExecution) IsLatestAttempt() bool {
	return ne.RetriedByID == ""
}

// CountsAsFailure возвращает true, если узел завершился ошибкой,
// которую никто не проигнорировал.
func (ne *NodeExecution) CountsAsFailure() bool {
	return ne.Status.IsFailure() && !ne.FailureIgnored
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если узел ещё не завершён.
func (ne *NodeExecution) Duration() time.Duration {
	if ne.StartedAt == nil || ne.EndedAt == nil {
		return 0
	}
	return ne.EndedAt.Sub(*ne.StartedAt)
}

// StepResponse — результат шага, из которого вычисляется терминальный статус.
type StepResponse struct {
	Status  Status         `json:"status"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Failure *FailureInfo   `json:"failure,omitempty"`
}

// Succeeded создаёт успешный StepResponse.
func Succeeded(outputs map[string]any) *StepResponse {
	return &StepResponse{Status: StatusSucceeded, Outputs: outputs}
}

// Failed создаёт неуспешный StepResponse.
func Failed(kind FailureKind, format string, args ...any) *StepResponse {
	return &StepResponse{
		Status:  StatusFailed,
		Failure: &FailureInfo{Kind: kind, Message: fmt.Sprintf(format, args...)},
	}
}

// FacilitatorResponse — решение фасилитатора о способе выполнения шага.
type FacilitatorResponse struct {
	Mode ExecutionMode `json:"mode"`

	// InitialWait — задержка перед вызовом шага.
	InitialWait time.Duration `json:"initial_wait,omitempty"`

	// Facilitator — тип фасилитатора, который принял решение.
	Facilitator string `json:"facilitator"`
}
