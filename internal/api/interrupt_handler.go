package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/domain"
)

// CreateInterrupt передаёт interrupt оператора координатору.
// POST /api/v1/executions/{id}/interrupts
//
// Interrupt применяется асинхронно: 202 означает, что команда принята
// в очередь. Результат виден по статусам выполнения и узлов.
func (h *Handler) CreateInterrupt(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid execution id")
		return
	}

	var req InterruptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if !operatorInterrupt(req.Type) {
		BadRequest(w, "unsupported interrupt type: "+string(req.Type))
		return
	}
	if !req.Type.IsPlanWide() && req.NodeExecutionID == "" {
		BadRequest(w, "node_execution_id is required for "+string(req.Type))
		return
	}

	pe, err := h.executions.Get(r.Context(), id)
	if HandleStoreError(w, h.logger, err, "plan execution not found") {
		return
	}
	if pe.IsFinished() {
		InvalidState(w, "plan execution is already "+string(pe.Status))
		return
	}

	if h.publisher == nil {
		Unavailable(w, "command queue is not configured")
		return
	}

	intr := domain.NewInterrupt(req.Type, pe.ID, req.NodeExecutionID, domain.SourceOperator)
	intr.Reason = req.Reason
	if err := h.publisher.PublishInterrupt(r.Context(), intr); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	h.logger.Info("interrupt accepted",
		"plan_execution_id", pe.ID,
		"type", intr.Type,
		"node_execution_id", intr.NodeExecutionID,
	)
	Accepted(w, intr)
}

// operatorInterrupt — типы, доступные оператору. EXPIRE выдаёт только
// движок таймаутов.
func operatorInterrupt(t domain.InterruptType) bool {
	switch t {
	case domain.InterruptAbortAll, domain.InterruptAbort,
		domain.InterruptPauseAll, domain.InterruptResumeAll,
		domain.InterruptRetry, domain.InterruptIgnore,
		domain.InterruptMarkSuccess, domain.InterruptMarkFailed:
		return true
	default:
		return false
	}
}

// CreateNotification доставляет внешний результат ожидающему узлу.
// POST /api/v1/notifications
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.CorrelationID == "" {
		BadRequest(w, "correlation_id is required")
		return
	}
	if !req.Status.IsTerminal() {
		BadRequest(w, "status must be terminal")
		return
	}

	if h.publisher == nil {
		Unavailable(w, "command queue is not configured")
		return
	}

	n := &domain.Notification{
		CorrelationID: req.CorrelationID,
		Status:        req.Status,
		Outputs:       req.Outputs,
		Failure:       req.Failure,
	}
	if err := h.publisher.PublishNotification(r.Context(), n); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	Accepted(w, n)
}
