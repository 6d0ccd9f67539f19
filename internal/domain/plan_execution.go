package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/ambiance"
)

// PlanExecution — экземпляр выполнения плана.
//
// PlanExecution создаётся когда:
// - Оператор запускает план (через API/CLI)
// - Cron-триггер срабатывает по расписанию
//
// Каждое выполнение имеет собственный набор NodeExecution.
type PlanExecution struct {
	// ID — уникальный идентификатор выполнения.
	ID uuid.UUID `json:"id"`

	// PlanID — план, который выполняется.
	PlanID uuid.UUID `json:"plan_id"`

	// Status — текущий статус.
	Status PlanStatus `json:"status"`

	// Ambiance — корневой контекст (без уровней).
	Ambiance ambiance.Ambiance `json:"ambiance"`

	// Inputs — входные параметры, доступные шаблонам как .Inputs.
	Inputs map[string]any `json:"inputs,omitempty"`

	// IdempotencyKey — ключ для предотвращения дубликатов.
	// Например, для cron-триггеров: "{trigger}_{fire_time}".
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Error — краткое описание причины неуспеха.
	Error string `json:"error,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NewPlanExecution создаёт выполнение в статусе PENDING.
func NewPlanExecution(plan *Plan, inputs map[string]any) *PlanExecution {
	id := uuid.New()
	return &PlanExecution{
		ID:        id,
		PlanID:    plan.ID,
		Status:    PlanStatusPending,
		Ambiance:  ambiance.New(plan.ID.String(), id.String()),
		Inputs:    inputs,
		CreatedAt: time.Now(),
	}
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если выполнение ещё не завершено.
func (pe *PlanExecution) Duration() time.Duration {
	if pe.StartedAt == nil || pe.FinishedAt == nil {
		return 0
	}
	return pe.FinishedAt.Sub(*pe.StartedAt)
}

// IsFinished возвращает true, если выполнение завершено (в любом статусе).
func (pe *PlanExecution) IsFinished() bool {
	return pe.Status.IsTerminal()
}

// MarkRunning переводит выполнение в статус RUNNING.
func (pe *PlanExecution) MarkRunning() {
	now := time.Now()
	pe.Status = PlanStatusRunning
	if pe.StartedAt == nil {
		pe.StartedAt = &now
	}
}

// MarkPaused переводит выполнение в статус PAUSED.
func (pe *PlanExecution) MarkPaused() {
	pe.Status = PlanStatusPaused
}

// MarkFinished переводит выполнение в терминальный статус.
func (pe *PlanExecution) MarkFinished(status PlanStatus, reason string) {
	now := time.Now()
	pe.Status = status
	pe.FinishedAt = &now
	pe.Error = reason
}
