package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/coordinator"
	"github.com/shaiso/Relay/internal/domain"
)

// ============================================================================
// Тестовые помощники
// ============================================================================

type fakePublisher struct {
	mu            sync.Mutex
	pending       []uuid.UUID
	interrupts    []domain.Interrupt
	notifications []*domain.Notification
	err           error
}

func (p *fakePublisher) PublishExecutionPending(_ context.Context, id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, id)
	return p.err
}

func (p *fakePublisher) PublishInterrupt(_ context.Context, intr domain.Interrupt) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interrupts = append(p.interrupts, intr)
	return p.err
}

func (p *fakePublisher) PublishNotification(_ context.Context, n *domain.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifications = append(p.notifications, n)
	return p.err
}

type testAPI struct {
	mux        *http.ServeMux
	plans      *coordinator.MemoryPlanStore
	executions *coordinator.MemoryPlanExecutionStore
	nodes      *coordinator.MemoryNodeExecutionStore
	pub        *fakePublisher
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	a := &testAPI{
		mux:        http.NewServeMux(),
		plans:      coordinator.NewMemoryPlanStore(),
		executions: coordinator.NewMemoryPlanExecutionStore(),
		nodes:      coordinator.NewMemoryNodeExecutionStore(),
		pub:        &fakePublisher{},
	}
	h := NewHandler(Config{
		Plans:      a.plans,
		Executions: a.executions,
		Nodes:      a.nodes,
		Catalog:    coordinator.DefaultCatalog(),
		Publisher:  a.pub,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	h.RegisterRoutes(a.mux)
	return a
}

func (a *testAPI) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) doJSON(t *testing.T, method, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return a.do(t, method, path, body)
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Data T `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return resp.Data
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) ErrorCode {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error %q: %v", rec.Body.String(), err)
	}
	return resp.Error.Code
}

const buildPlan = `
name: build
start: checkout
nodes:
  - id: checkout
    type: wait
    parameters: {duration_ms: 10}
    next: tests
  - id: tests
    type: fork
    children: [unit, lint]
  - id: unit
    type: transform
  - id: lint
    type: transform
`

func (a *testAPI) createPlan(t *testing.T) PlanResponse {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/plans", []byte(buildPlan))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create plan: status %d, body %s", rec.Code, rec.Body.String())
	}
	return decodeData[PlanResponse](t, rec)
}

// ============================================================================
// Планы
// ============================================================================

func TestCreatePlan_FromYAML(t *testing.T) {
	a := newTestAPI(t)

	plan := a.createPlan(t)
	if plan.Name != "build" || plan.StartNodeID != "checkout" {
		t.Errorf("unexpected plan header: %+v", plan)
	}
	if len(plan.Nodes) != 4 {
		t.Fatalf("expected 4 nodes, got %d", len(plan.Nodes))
	}
	if plan.Nodes[0].ID != "checkout" || plan.Nodes[0].Next != "tests" {
		t.Errorf("nodes should be sorted by id, got %+v", plan.Nodes[0])
	}

	rec := a.do(t, http.MethodGet, "/api/v1/plans/"+plan.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get plan: status %d", rec.Code)
	}
	if got := decodeData[PlanResponse](t, rec); got.ID != plan.ID {
		t.Errorf("expected plan %s, got %s", plan.ID, got.ID)
	}

	rec = a.do(t, http.MethodGet, "/api/v1/plans", nil)
	list := decodeData[[]PlanResponse](t, rec)
	if len(list) != 1 || len(list[0].Nodes) != 0 {
		t.Errorf("list should contain one plan header, got %+v", list)
	}
}

// Неизвестный тип шага отклоняется до сохранения.
func TestCreatePlan_UnknownStepType(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/v1/plans", []byte("nodes:\n  - id: a\n    type: teleport\n"))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != ErrCodeInvalidState {
		t.Errorf("expected INVALID_STATE, got %s", code)
	}

	plans, _ := a.plans.List(context.Background())
	if len(plans) != 0 {
		t.Errorf("invalid plan must not be stored")
	}
}

func TestCreatePlan_Malformed(t *testing.T) {
	a := newTestAPI(t)

	for _, body := range []string{"nodes: [", "name: empty\n"} {
		rec := a.do(t, http.MethodPost, "/api/v1/plans", []byte(body))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestGetPlan_Errors(t *testing.T) {
	a := newTestAPI(t)

	if rec := a.do(t, http.MethodGet, "/api/v1/plans/not-a-uuid", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad id, got %d", rec.Code)
	}
	if rec := a.do(t, http.MethodGet, "/api/v1/plans/"+uuid.NewString(), nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown plan, got %d", rec.Code)
	}
}

// ============================================================================
// Выполнения
// ============================================================================

// Новое выполнение сохраняется в PENDING и публикуется координатору.
func TestStartExecution_CreatesPending(t *testing.T) {
	a := newTestAPI(t)
	plan := a.createPlan(t)

	rec := a.doJSON(t, http.MethodPost, "/api/v1/plans/"+plan.ID.String()+"/executions",
		StartExecutionRequest{Inputs: map[string]any{"branch": "main"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(HeaderRequestID) == "" {
		t.Error("expected request id header")
	}

	pe := decodeData[ExecutionResponse](t, rec)
	if pe.Status != string(domain.PlanStatusPending) || pe.PlanID != plan.ID {
		t.Errorf("unexpected execution: %+v", pe)
	}
	if pe.Inputs["branch"] != "main" {
		t.Errorf("inputs not stored: %v", pe.Inputs)
	}

	if len(a.pub.pending) != 1 || a.pub.pending[0] != pe.ID {
		t.Errorf("expected execution.pending for %s, got %v", pe.ID, a.pub.pending)
	}
	if _, err := a.executions.Get(context.Background(), pe.ID); err != nil {
		t.Errorf("execution not stored: %v", err)
	}
}

// Повтор с тем же ключом возвращает существующее выполнение.
func TestStartExecution_IdempotencyKey(t *testing.T) {
	a := newTestAPI(t)
	plan := a.createPlan(t)
	path := "/api/v1/plans/" + plan.ID.String() + "/executions"
	req := StartExecutionRequest{IdempotencyKey: "nightly_2026-10-17T00:00:00Z"}

	first := a.doJSON(t, http.MethodPost, path, req)
	second := a.doJSON(t, http.MethodPost, path, req)

	if first.Code != http.StatusCreated || second.Code != http.StatusOK {
		t.Fatalf("expected 201 then 200, got %d and %d", first.Code, second.Code)
	}
	if decodeData[ExecutionResponse](t, first).ID != decodeData[ExecutionResponse](t, second).ID {
		t.Error("idempotent start must return the same execution")
	}
	if len(a.pub.pending) != 1 {
		t.Errorf("expected one execution.pending, got %d", len(a.pub.pending))
	}
}

// Ошибка публикации не теряет выполнение: его подберёт polling.
func TestStartExecution_PublishFailureStillCreated(t *testing.T) {
	a := newTestAPI(t)
	plan := a.createPlan(t)
	a.pub.err = errors.New("broker down")

	rec := a.do(t, http.MethodPost, "/api/v1/plans/"+plan.ID.String()+"/executions", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
}

func TestStartExecution_UnknownPlan(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/api/v1/plans/"+uuid.NewString()+"/executions", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListExecutions_FilterAndLimit(t *testing.T) {
	a := newTestAPI(t)
	p1 := a.createPlan(t)
	p2 := a.createPlan(t)

	for _, id := range []uuid.UUID{p1.ID, p1.ID, p2.ID} {
		a.do(t, http.MethodPost, "/api/v1/plans/"+id.String()+"/executions", nil)
	}

	rec := a.do(t, http.MethodGet, "/api/v1/executions?plan_id="+p1.ID.String(), nil)
	if got := decodeData[[]ExecutionResponse](t, rec); len(got) != 2 {
		t.Errorf("expected 2 executions of plan 1, got %d", len(got))
	}

	rec = a.do(t, http.MethodGet, "/api/v1/executions?limit=1", nil)
	if got := decodeData[[]ExecutionResponse](t, rec); len(got) != 1 {
		t.Errorf("expected limit 1, got %d", len(got))
	}

	if rec := a.do(t, http.MethodGet, "/api/v1/executions?limit=-3", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestListNodeExecutions(t *testing.T) {
	a := newTestAPI(t)
	plan := a.createPlan(t)
	rec := a.do(t, http.MethodPost, "/api/v1/plans/"+plan.ID.String()+"/executions", nil)
	pe := decodeData[ExecutionResponse](t, rec)

	stored, _ := a.plans.Get(context.Background(), plan.ID)
	node := stored.Nodes["checkout"]
	ne := domain.NewNodeExecution("01J0000000000000000000000A", pe.ID, node, domain.NewPlanExecution(stored, nil).Ambiance)
	ne.Status = domain.StatusSucceeded
	ne.Outputs = map[string]any{"duration_ms": 10}
	if err := a.nodes.Save(context.Background(), ne); err != nil {
		t.Fatalf("save node execution: %v", err)
	}

	rec = a.do(t, http.MethodGet, "/api/v1/executions/"+pe.ID.String()+"/nodes", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	nodes := decodeData[[]NodeExecutionResponse](t, rec)
	if len(nodes) != 1 || nodes[0].NodeID != "checkout" || nodes[0].Status != string(domain.StatusSucceeded) {
		t.Errorf("unexpected node executions: %+v", nodes)
	}

	if rec := a.do(t, http.MethodGet, "/api/v1/executions/"+uuid.NewString()+"/nodes", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown execution, got %d", rec.Code)
	}
}

// ============================================================================
// Interrupt'ы и уведомления
// ============================================================================

func TestCreateInterrupt_Publishes(t *testing.T) {
	a := newTestAPI(t)
	plan := a.createPlan(t)
	pe := decodeData[ExecutionResponse](t, a.do(t, http.MethodPost, "/api/v1/plans/"+plan.ID.String()+"/executions", nil))
	path := "/api/v1/executions/" + pe.ID.String() + "/interrupts"

	rec := a.doJSON(t, http.MethodPost, path, InterruptRequest{
		Type:            domain.InterruptRetry,
		NodeExecutionID: "ne-1",
		Reason:          "flaky runner",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	if len(a.pub.interrupts) != 1 {
		t.Fatalf("expected one interrupt, got %d", len(a.pub.interrupts))
	}
	intr := a.pub.interrupts[0]
	if intr.PlanExecutionID != pe.ID || intr.Source != domain.SourceOperator || intr.Reason != "flaky runner" {
		t.Errorf("unexpected interrupt: %+v", intr)
	}
}

func TestCreateInterrupt_Validation(t *testing.T) {
	a := newTestAPI(t)
	plan := a.createPlan(t)
	pe := decodeData[ExecutionResponse](t, a.do(t, http.MethodPost, "/api/v1/plans/"+plan.ID.String()+"/executions", nil))
	path := "/api/v1/executions/" + pe.ID.String() + "/interrupts"

	// EXPIRE выдаёт только движок таймаутов
	if rec := a.doJSON(t, http.MethodPost, path, InterruptRequest{Type: domain.InterruptExpire, NodeExecutionID: "x"}); rec.Code != http.StatusBadRequest {
		t.Errorf("EXPIRE: expected 400, got %d", rec.Code)
	}
	// Узловому interrupt'у нужен узел
	if rec := a.doJSON(t, http.MethodPost, path, InterruptRequest{Type: domain.InterruptAbort}); rec.Code != http.StatusBadRequest {
		t.Errorf("ABORT without node: expected 400, got %d", rec.Code)
	}

	stored, _ := a.executions.Get(context.Background(), pe.ID)
	stored.MarkFinished(domain.PlanStatusSucceeded, "")
	if err := a.executions.Update(context.Background(), stored); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec := a.doJSON(t, http.MethodPost, path, InterruptRequest{Type: domain.InterruptAbortAll})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("finished execution: expected 422, got %d", rec.Code)
	}
	if len(a.pub.interrupts) != 0 {
		t.Errorf("rejected interrupts must not be published")
	}
}

func TestCreateNotification(t *testing.T) {
	a := newTestAPI(t)

	rec := a.doJSON(t, http.MethodPost, "/api/v1/notifications", NotificationRequest{
		CorrelationID: "ne-1:callback",
		Status:        domain.StatusSucceeded,
		Outputs:       map[string]any{"approved": true},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(a.pub.notifications) != 1 || a.pub.notifications[0].CorrelationID != "ne-1:callback" {
		t.Errorf("unexpected notifications: %+v", a.pub.notifications)
	}

	rec = a.doJSON(t, http.MethodPost, "/api/v1/notifications", NotificationRequest{
		CorrelationID: "ne-1:callback",
		Status:        domain.StatusRunning,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("non-terminal status: expected 400, got %d", rec.Code)
	}
}

// Паника в обработчике превращается в 500.
func TestRecovery(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Chain(RequestID(), Recovery(logger))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if rec.Header().Get(HeaderRequestID) != "req-42" {
		t.Errorf("incoming request id should be echoed")
	}
}

// Код ошибки определяет HTTP статус ответа.
func TestFail_StatusByCode(t *testing.T) {
	cases := map[ErrorCode]int{
		ErrCodeNotFound:     http.StatusNotFound,
		ErrCodeConflict:     http.StatusConflict,
		ErrCodeInvalidState: http.StatusUnprocessableEntity,
		ErrorCode("ODD"):    http.StatusInternalServerError,
	}
	for code, want := range cases {
		rec := httptest.NewRecorder()
		Fail(rec, code, "msg")
		if rec.Code != want {
			t.Errorf("Fail(%s) status = %d, want %d", code, rec.Code, want)
		}
		if got := errorCode(t, rec); got != code {
			t.Errorf("Fail(%s) body code = %s", code, got)
		}
	}
}

// Клиентские ошибки логируются как WARN.
func TestLogging_LevelByStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		BadRequest(w, "nope")
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "status=400") {
		t.Errorf("log = %q", out)
	}
}
