package domain

import (
	"time"

	"github.com/google/uuid"
)

// TimeoutState — состояние таймаута.
type TimeoutState string

const (
	TimeoutRunning TimeoutState = "RUNNING"
	TimeoutExpired TimeoutState = "EXPIRED"
	TimeoutClosed  TimeoutState = "CLOSED"
)

// TimeoutInstance — отслеживаемый таймаут узла.
type TimeoutInstance struct {
	ID uuid.UUID `json:"id"`

	// Dimension — измерение (ABSOLUTE, ACTIVE, INTERVENTION, ...).
	Dimension string `json:"dimension"`

	// Kind — тип трекера (absolute или active_interval).
	Kind string `json:"kind"`

	// Duration — лимит времени.
	Duration time.Duration `json:"duration"`

	NodeExecutionID string    `json:"node_execution_id"`
	PlanExecutionID uuid.UUID `json:"plan_execution_id"`

	State  TimeoutState `json:"state"`
	Paused bool         `json:"paused"`

	// Elapsed — накопленное активное время на момент UpdatedAt.
	Elapsed time.Duration `json:"elapsed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
