package api

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/domain"
)

// Plan DTOs

// PlanResponse — ответ с планом.
type PlanResponse struct {
	ID          uuid.UUID      `json:"id"`
	Name        string         `json:"name"`
	StartNodeID string         `json:"start_node_id"`
	Nodes       []NodeResponse `json:"nodes,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// NodeResponse — краткое описание узла плана.
type NodeResponse struct {
	ID       string   `json:"id"`
	StepType string   `json:"step_type"`
	Next     string   `json:"next,omitempty"`
	Children []string `json:"children,omitempty"`
}

// PlanFromDomain конвертирует domain.Plan в PlanResponse.
// withNodes=false — только заголовок (для списков).
func PlanFromDomain(p *domain.Plan, withNodes bool) PlanResponse {
	resp := PlanResponse{
		ID:          p.ID,
		Name:        p.Name,
		StartNodeID: p.StartNodeID,
		CreatedAt:   p.CreatedAt,
	}
	if !withNodes {
		return resp
	}

	ids := make([]string, 0, len(p.Nodes))
	for id := range p.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		n := p.Nodes[id]
		resp.Nodes = append(resp.Nodes, NodeResponse{
			ID:       n.ID,
			StepType: n.StepType,
			Next:     n.Next,
			Children: n.Children,
		})
	}
	return resp
}

// Execution DTOs

// StartExecutionRequest — запрос на запуск плана.
type StartExecutionRequest struct {
	Inputs         map[string]any `json:"inputs,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// ExecutionResponse — ответ с выполнением плана.
type ExecutionResponse struct {
	ID             uuid.UUID      `json:"id"`
	PlanID         uuid.UUID      `json:"plan_id"`
	Status         string         `json:"status"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Error          string         `json:"error,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ExecutionFromDomain конвертирует domain.PlanExecution в ExecutionResponse.
func ExecutionFromDomain(pe *domain.PlanExecution) ExecutionResponse {
	return ExecutionResponse{
		ID:             pe.ID,
		PlanID:         pe.PlanID,
		Status:         string(pe.Status),
		Inputs:         pe.Inputs,
		IdempotencyKey: pe.IdempotencyKey,
		Error:          pe.Error,
		StartedAt:      pe.StartedAt,
		FinishedAt:     pe.FinishedAt,
		CreatedAt:      pe.CreatedAt,
	}
}

// NodeExecutionResponse — ответ с выполнением узла.
type NodeExecutionResponse struct {
	ID                string              `json:"id"`
	NodeID            string              `json:"node_id"`
	Status            string              `json:"status"`
	Mode              string              `json:"mode,omitempty"`
	ParentID          string              `json:"parent_id,omitempty"`
	PreviousID        string              `json:"previous_id,omitempty"`
	RetryCount        int                 `json:"retry_count"`
	PreviousAttemptID string              `json:"previous_attempt_id,omitempty"`
	RetriedByID       string              `json:"retried_by_id,omitempty"`
	Outputs           map[string]any      `json:"outputs,omitempty"`
	OutputsRef        string              `json:"outputs_ref,omitempty"`
	Failure           *domain.FailureInfo `json:"failure,omitempty"`
	FailureIgnored    bool                `json:"failure_ignored,omitempty"`
	Advise            *domain.Advise      `json:"advise,omitempty"`
	PauseReason       string              `json:"pause_reason,omitempty"`
	StartedAt         *time.Time          `json:"started_at,omitempty"`
	EndedAt           *time.Time          `json:"ended_at,omitempty"`
}

// NodeExecutionFromDomain конвертирует domain.NodeExecution в NodeExecutionResponse.
func NodeExecutionFromDomain(ne *domain.NodeExecution) NodeExecutionResponse {
	return NodeExecutionResponse{
		ID:                ne.ID,
		NodeID:            ne.NodeID,
		Status:            string(ne.Status),
		Mode:              string(ne.Mode),
		ParentID:          ne.ParentID,
		PreviousID:        ne.PreviousID,
		RetryCount:        ne.RetryCount,
		PreviousAttemptID: ne.PreviousAttemptID,
		RetriedByID:       ne.RetriedByID,
		Outputs:           ne.Outputs,
		OutputsRef:        ne.OutputsRef,
		Failure:           ne.Failure,
		FailureIgnored:    ne.FailureIgnored,
		Advise:            ne.Advise,
		PauseReason:       string(ne.PauseReason),
		StartedAt:         ne.StartedAt,
		EndedAt:           ne.EndedAt,
	}
}

// Interrupt DTOs

// InterruptRequest — запрос на interrupt.
type InterruptRequest struct {
	Type            domain.InterruptType `json:"type"`
	NodeExecutionID string               `json:"node_execution_id,omitempty"`
	Reason          string               `json:"reason,omitempty"`
}

// NotificationRequest — внешний результат по correlation ID.
type NotificationRequest struct {
	CorrelationID string              `json:"correlation_id"`
	Status        domain.Status       `json:"status"`
	Outputs       map[string]any      `json:"outputs,omitempty"`
	Failure       *domain.FailureInfo `json:"failure,omitempty"`
}
