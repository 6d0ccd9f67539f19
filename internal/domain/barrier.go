package domain

import (
	"slices"
	"time"
)

// BarrierState — состояние барьера.
type BarrierState string

const (
	// BarrierStanding — барьер стоит, участники ждут.
	BarrierStanding BarrierState = "STANDING"

	// BarrierDown — барьер опущен, ожидающие освобождены.
	BarrierDown BarrierState = "DOWN"
)

// BarrierOutcome — как был опущен барьер.
type BarrierOutcome string

const (
	// BarrierReleased — все участники пришли.
	BarrierReleased BarrierOutcome = "RELEASED"

	// BarrierAbandoned — участник отвалился, барьер опущен принудительно.
	BarrierAbandoned BarrierOutcome = "ABANDONED"
)

// Barrier — точка синхронизации параллельных веток.
//
// Барьер опускается ровно тогда, когда количество пришедших
// участников равно RequiredCount.
type Barrier struct {
	// Key — ключ барьера: "{plan_execution_id}/{barrier_id}".
	Key string `json:"key"`

	PlanExecutionID string `json:"plan_execution_id"`

	// RequiredCount — сколько участников должно прийти.
	RequiredCount int `json:"required_count"`

	// Registered — зарегистрированные участники.
	Registered []string `json:"registered"`

	// Arrived — пришедшие участники.
	Arrived []string `json:"arrived"`

	// Waiters — correlation ID ожидающих по участникам.
	Waiters map[string]string `json:"waiters"`

	State   BarrierState   `json:"state"`
	Outcome BarrierOutcome `json:"outcome,omitempty"`

	// AbandonedBy — участник, из-за которого барьер опущен принудительно.
	AbandonedBy string `json:"abandoned_by,omitempty"`
	Reason      string `json:"reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewBarrier создаёт стоящий барьер.
func NewBarrier(key, planExecutionID string, required int) *Barrier {
	now := time.Now()
	return &Barrier{
		Key:             key,
		PlanExecutionID: planExecutionID,
		RequiredCount:   required,
		Waiters:         make(map[string]string),
		State:           BarrierStanding,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// IsRegistered проверяет, зарегистрирован ли участник.
func (b *Barrier) IsRegistered(participant string) bool {
	return slices.Contains(b.Registered, participant)
}

// HasArrived проверяет, пришёл ли участник.
func (b *Barrier) HasArrived(participant string) bool {
	return slices.Contains(b.Arrived, participant)
}

// IsDown возвращает true, если барьер опущен.
func (b *Barrier) IsDown() bool {
	return b.State == BarrierDown
}
