package domain

import (
	"time"

	"github.com/google/uuid"
)

// RestraintState — состояние заявки на ресурс.
//
// Жизненный цикл:
//
//	BLOCKED → ACTIVE → FINISHED
//	ACTIVE  → FINISHED
//	BLOCKED → FINISHED (заявитель прерван)
type RestraintState string

const (
	RestraintBlocked  RestraintState = "BLOCKED"
	RestraintActive   RestraintState = "ACTIVE"
	RestraintFinished RestraintState = "FINISHED"
)

// HoldingScope — область, до завершения которой держится ресурс.
type HoldingScope string

const (
	// ScopePlan — ресурс освобождается при завершении плана.
	ScopePlan HoldingScope = "PLAN"

	// ScopeParent — ресурс освобождается при завершении родительского узла.
	ScopeParent HoldingScope = "PARENT"
)

// ResourceRestraint — именованный ресурс с ёмкостью.
type ResourceRestraint struct {
	Key      string `json:"key"`
	Capacity int    `json:"capacity"`
}

// RestraintInstance — заявка на занятие ресурса.
type RestraintInstance struct {
	ID uuid.UUID `json:"id"`

	// ResourceKey — ключ ресурса.
	ResourceKey string `json:"resource_key"`

	// Scope — область удержания.
	Scope HoldingScope `json:"scope"`

	// ReleaseEntityID — сущность (план или узел), при завершении которой
	// заявка переходит в FINISHED.
	ReleaseEntityID string `json:"release_entity_id"`

	// RequesterID — NodeExecution, которая подала заявку.
	RequesterID string `json:"requester_id"`

	// CorrelationID — кого уведомить при переходе в ACTIVE.
	CorrelationID string `json:"correlation_id"`

	// Weight — сколько ёмкости занимает заявка.
	Weight int `json:"weight"`

	// OrderingKey — ключ очереди, меньше — раньше. При равных ключах порядок подачи.
	OrderingKey int64 `json:"ordering_key"`

	State     RestraintState `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// IsHolding возвращает true, если заявка занимает ёмкость.
func (r *RestraintInstance) IsHolding() bool {
	return r.State == RestraintActive
}
