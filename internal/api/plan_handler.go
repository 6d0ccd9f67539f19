package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/engine"
)

// maxPlanSize — предельный размер тела запроса с планом.
const maxPlanSize = 1 << 20

// ListPlans возвращает список планов.
// GET /api/v1/plans
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.plans.List(r.Context())
	if HandleStoreError(w, h.logger, err, "") {
		return
	}

	result := make([]PlanResponse, len(plans))
	for i, p := range plans {
		result[i] = PlanFromDomain(p, false)
	}

	List(w, result, len(result))
}

// CreatePlan сохраняет план из YAML или JSON.
// POST /api/v1/plans
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxPlanSize+1))
	if err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if len(data) > maxPlanSize {
		BadRequest(w, "plan is too large")
		return
	}

	plan, err := engine.ParseAndValidate(data, h.catalog)
	if err != nil {
		var verr *engine.ValidationError
		if errors.As(err, &verr) {
			InvalidState(w, verr.Error())
			return
		}
		BadRequest(w, err.Error())
		return
	}

	if err := h.plans.Save(r.Context(), plan); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	h.logger.Info("plan saved", "plan_id", plan.ID, "name", plan.Name, "nodes", len(plan.Nodes))
	Created(w, PlanFromDomain(plan, true))
}

// GetPlan возвращает план по ID.
// GET /api/v1/plans/{id}
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid plan id")
		return
	}

	plan, err := h.plans.Get(r.Context(), id)
	if HandleStoreError(w, h.logger, err, "plan not found") {
		return
	}

	Success(w, PlanFromDomain(plan, true))
}
