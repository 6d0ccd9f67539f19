package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// DelegateState — состояние удалённого воркера.
type DelegateState string

const (
	DelegateEnabled      DelegateState = "ENABLED"
	DelegateDisconnected DelegateState = "DISCONNECTED"
)

// Delegate — удалённый воркер, выполняющий задачи TASK-шагов.
//
// Делегат сообщает о себе heartbeat'ами: теги возможностей,
// ёмкость и текущую загрузку.
type Delegate struct {
	// ID — уникальный идентификатор воркера.
	ID string `json:"id"`

	// Tags — теги возможностей ("linux", "gpu", "region-eu", ...).
	Tags []string `json:"tags"`

	// Capacity — сколько задач воркер выполняет одновременно.
	Capacity int `json:"capacity"`

	// Load — сколько задач назначено сейчас.
	Load int `json:"load"`

	State         DelegateState `json:"state"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
}

// HasTags проверяет, что у воркера есть все указанные теги.
func (d *Delegate) HasTags(tags []string) bool {
	for _, t := range tags {
		if !slices.Contains(d.Tags, t) {
			return false
		}
	}
	return true
}

// HasCapacity возвращает true, если воркер может взять ещё задачу.
func (d *Delegate) HasCapacity() bool {
	return d.Load < d.Capacity
}

// TaskStatus — статус задачи делегата.
//
// Жизненный цикл:
//
//	QUEUED → DISPATCHED → SUCCEEDED
//	                    ↘ FAILED
//	QUEUED → EXPIRED (не нашлось подходящего воркера)
//	QUEUED | DISPATCHED → ABORTED
type TaskStatus string

const (
	// TaskStatusQueued — задача ждёт подходящего воркера.
	TaskStatusQueued TaskStatus = "QUEUED"

	// TaskStatusDispatched — задача отправлена воркеру.
	TaskStatusDispatched TaskStatus = "DISPATCHED"

	// TaskStatusSucceeded — воркер выполнил задачу.
	TaskStatusSucceeded TaskStatus = "SUCCEEDED"

	// TaskStatusFailed — воркер вернул ошибку.
	TaskStatusFailed TaskStatus = "FAILED"

	// TaskStatusExpired — истёк срок ожидания воркера.
	TaskStatusExpired TaskStatus = "EXPIRED"

	// TaskStatusAborted — задача отменена (узел прерван).
	TaskStatusAborted TaskStatus = "ABORTED"
)

// IsTerminal возвращает true, если статус финальный.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusExpired, TaskStatusAborted:
		return true
	default:
		return false
	}
}

// TaskSpec — описание работы, которую TASK-шаг хочет отдать делегату.
type TaskSpec struct {
	// Type — тип исполнителя на стороне воркера ("http", "wait", "transform").
	Type string `json:"type"`

	// Parameters — параметры исполнителя.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Selectors — теги, которые должны быть у воркера.
	Selectors []string `json:"selectors,omitempty"`

	// QueueTimeout — сколько ждать подходящего воркера (0 — значение по умолчанию).
	QueueTimeout time.Duration `json:"queue_timeout,omitempty"`
}

// DelegateTask — задача, отправляемая делегату.
type DelegateTask struct {
	// ID — уникальный идентификатор задачи.
	ID uuid.UUID `json:"id"`

	PlanExecutionID uuid.UUID `json:"plan_execution_id"`
	NodeExecutionID string    `json:"node_execution_id"`

	// CorrelationID — по нему coordinator получит результат.
	CorrelationID string `json:"correlation_id"`

	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Selectors  []string       `json:"selectors,omitempty"`

	Status TaskStatus `json:"status"`

	// DelegateID — воркер, которому назначена задача.
	DelegateID string `json:"delegate_id,omitempty"`

	// Attempt — номер отправки (увеличивается при повторной отправке после потери воркера).
	Attempt int `json:"attempt"`

	Outputs map[string]any `json:"outputs,omitempty"`
	Error   string         `json:"error,omitempty"`

	// ExpiresAt — крайний срок ожидания подходящего воркера.
	ExpiresAt time.Time `json:"expires_at"`

	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Duration возвращает продолжительность выполнения.
func (t *DelegateTask) Duration() time.Duration {
	if t.DispatchedAt == nil || t.FinishedAt == nil {
		return 0
	}
	return t.FinishedAt.Sub(*t.DispatchedAt)
}

// IsFinished возвращает true, если задача завершена.
func (t *DelegateTask) IsFinished() bool {
	return t.Status.IsTerminal()
}

// MarkDispatched переводит задачу в статус DISPATCHED.
func (t *DelegateTask) MarkDispatched(delegateID string, at time.Time) {
	t.Status = TaskStatusDispatched
	t.DelegateID = delegateID
	t.DispatchedAt = &at
	t.Attempt++
}

// MarkSucceeded переводит задачу в статус SUCCEEDED с результатами.
func (t *DelegateTask) MarkSucceeded(outputs map[string]any) {
	now := time.Now()
	t.Status = TaskStatusSucceeded
	t.FinishedAt = &now
	t.Outputs = outputs
}

// MarkFailed переводит задачу в статус FAILED с ошибкой.
func (t *DelegateTask) MarkFailed(err string) {
	now := time.Now()
	t.Status = TaskStatusFailed
	t.FinishedAt = &now
	t.Error = err
}

// MarkExpired переводит задачу в статус EXPIRED.
func (t *DelegateTask) MarkExpired(reason string) {
	now := time.Now()
	t.Status = TaskStatusExpired
	t.FinishedAt = &now
	t.Error = reason
}

// MarkAborted переводит задачу в статус ABORTED.
func (t *DelegateTask) MarkAborted() {
	now := time.Now()
	t.Status = TaskStatusAborted
	t.FinishedAt = &now
}

// ResetForRequeue возвращает задачу в очередь (воркер пропал до ответа).
func (t *DelegateTask) ResetForRequeue() {
	t.Status = TaskStatusQueued
	t.DelegateID = ""
	t.DispatchedAt = nil
	// Attempt увеличится при следующем MarkDispatched()
}
