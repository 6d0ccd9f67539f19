package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/coordinator"
	"github.com/shaiso/Relay/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// StartExecution создаёт выполнение плана в PENDING и сообщает координатору.
// POST /api/v1/plans/{id}/executions
func (h *Handler) StartExecution(w http.ResponseWriter, r *http.Request) {
	planID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid plan id")
		return
	}

	var req StartExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return
	}

	// Проверяем idempotency key
	if req.IdempotencyKey != "" {
		existing, err := h.executions.GetByIdempotencyKey(r.Context(), req.IdempotencyKey)
		if err == nil {
			Success(w, ExecutionFromDomain(existing))
			return
		}
		if !errors.Is(err, coordinator.ErrPlanExecutionNotFound) {
			InternalError(w, h.logger, err)
			return
		}
	}

	plan, err := h.plans.Get(r.Context(), planID)
	if HandleStoreError(w, h.logger, err, "plan not found") {
		return
	}

	pe := domain.NewPlanExecution(plan, req.Inputs)
	pe.IdempotencyKey = req.IdempotencyKey
	if err := h.executions.Create(r.Context(), pe); err != nil {
		if errors.Is(err, coordinator.ErrDuplicateIdempotencyKey) {
			existing, getErr := h.executions.GetByIdempotencyKey(r.Context(), req.IdempotencyKey)
			if HandleStoreError(w, h.logger, getErr, "plan execution not found") {
				return
			}
			Success(w, ExecutionFromDomain(existing))
			return
		}
		InternalError(w, h.logger, err)
		return
	}

	// Публикуем событие в очередь
	if h.publisher != nil {
		if err := h.publisher.PublishExecutionPending(r.Context(), pe.ID); err != nil {
			// Выполнение уже в БД: координатор подхватит его polling'ом
			h.logger.Warn("failed to publish execution.pending", "plan_execution_id", pe.ID, "error", err)
		}
	}

	h.logger.Info("plan execution created", "plan_execution_id", pe.ID, "plan_id", plan.ID)
	Created(w, ExecutionFromDomain(pe))
}

// ListExecutions возвращает выполнения, новые первыми.
// GET /api/v1/executions?plan_id=...&limit=...
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	var planID uuid.UUID
	if raw := r.URL.Query().Get("plan_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			BadRequest(w, "invalid plan_id")
			return
		}
		planID = id
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	pes, err := h.executions.List(r.Context(), planID, limit)
	if HandleStoreError(w, h.logger, err, "") {
		return
	}

	result := make([]ExecutionResponse, len(pes))
	for i, pe := range pes {
		result[i] = ExecutionFromDomain(pe)
	}

	List(w, result, len(result))
}

// GetExecution возвращает выполнение по ID.
// GET /api/v1/executions/{id}
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid execution id")
		return
	}

	pe, err := h.executions.Get(r.Context(), id)
	if HandleStoreError(w, h.logger, err, "plan execution not found") {
		return
	}

	Success(w, ExecutionFromDomain(pe))
}

// ListNodeExecutions возвращает выполнения узлов в порядке создания.
// GET /api/v1/executions/{id}/nodes
func (h *Handler) ListNodeExecutions(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid execution id")
		return
	}

	// Проверяем, что выполнение существует
	if _, err := h.executions.Get(r.Context(), id); HandleStoreError(w, h.logger, err, "plan execution not found") {
		return
	}

	nes, err := h.nodes.ListByPlanExecution(r.Context(), id)
	if HandleStoreError(w, h.logger, err, "") {
		return
	}

	result := make([]NodeExecutionResponse, len(nes))
	for i, ne := range nes {
		result[i] = NodeExecutionFromDomain(ne)
	}

	List(w, result, len(result))
}

// parseLimit разбирает limit из query; пустое значение — default.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(n, maxListLimit), nil
}
