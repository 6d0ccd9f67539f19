package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/adviser"
	"github.com/shaiso/Relay/internal/barrier"
	"github.com/shaiso/Relay/internal/blob"
	"github.com/shaiso/Relay/internal/delegate"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/engine"
	"github.com/shaiso/Relay/internal/events"
	"github.com/shaiso/Relay/internal/facilitator"
	"github.com/shaiso/Relay/internal/notify"
	"github.com/shaiso/Relay/internal/registry"
	"github.com/shaiso/Relay/internal/restraint"
	"github.com/shaiso/Relay/internal/steps"
	"github.com/shaiso/Relay/internal/timeout"
)

const testTimeout = 5 * time.Second

// =============================================================================
// Test steps
// =============================================================================

// echoStep возвращает свои параметры как outputs.
type echoStep struct{}

func (echoStep) Type() string { return "echo" }

func (echoStep) ExecuteSync(_ context.Context, in *steps.Input) (*domain.StepResponse, error) {
	return domain.Succeeded(in.Parameters), nil
}

// flakyStep падает первые failures вызовов узла; -1 — падает всегда.
type flakyStep struct {
	mu    sync.Mutex
	calls map[string]int
}

func (s *flakyStep) Type() string { return "flaky" }

func (s *flakyStep) ExecuteSync(_ context.Context, in *steps.Input) (*domain.StepResponse, error) {
	key := in.Ambiance.PlanExecutionID + "/" + in.Node.ID
	s.mu.Lock()
	s.calls[key]++
	n := s.calls[key]
	s.mu.Unlock()

	failures := steps.GetConfigInt(in.Parameters, "failures")
	if failures < 0 || n <= failures {
		return nil, fmt.Errorf("attempt %d failed", n)
	}
	return domain.Succeeded(map[string]any{"attempts": n}), nil
}

// gateStep ждёт, пока тест не откроет ворота с именем из параметра gate.
// С fail: true после открытия ворот шаг падает.
type gateStep struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
}

func (s *gateStep) Type() string { return "gate" }

func (s *gateStep) gate(name string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.gates[name]
	if !ok {
		ch = make(chan struct{})
		s.gates[name] = ch
	}
	return ch
}

func (s *gateStep) open(name string) {
	close(s.gate(name))
}

func (s *gateStep) ExecuteSync(ctx context.Context, in *steps.Input) (*domain.StepResponse, error) {
	name := steps.GetConfigString(in.Parameters, "gate")
	select {
	case <-s.gate(name):
		if steps.GetConfigBool(in.Parameters, "fail", false) {
			return domain.Failed(domain.FailureApplication, "gate %s failed", name), nil
		}
		return domain.Succeeded(map[string]any{"gate": name}), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// callbackStep ждёт внешнего уведомления по "<node_execution_id>:callback".
type callbackStep struct{}

func (callbackStep) Type() string { return "callback" }

func (callbackStep) ExecuteAsync(_ context.Context, in *steps.Input) (*steps.AsyncResponse, error) {
	return &steps.AsyncResponse{CorrelationIDs: []string{in.CorrelationID("callback")}}, nil
}

func (callbackStep) HandleAsyncResponse(_ context.Context, in *steps.Input, results map[string]*domain.Notification) (*domain.StepResponse, error) {
	n, ok := results[in.CorrelationID("callback")]
	if !ok {
		return nil, errors.New("no callback result")
	}
	return n.ToStepResponse(), nil
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	c          *Coordinator
	plans      *MemoryPlanStore
	executions *MemoryPlanExecutionStore
	nodes      *MemoryNodeExecutionStore
	barriers   *barrier.Service
	restraints *restraint.Service
	gates      *gateStep
	configure  []func(*Config)

	barrierStore   *barrier.MemoryStore
	restraintStore *restraint.MemoryStore
}

func newHarness(t *testing.T, configure ...func(*Config)) *harness {
	t.Helper()

	h := &harness{
		plans:      NewMemoryPlanStore(),
		executions: NewMemoryPlanExecutionStore(),
		nodes:      NewMemoryNodeExecutionStore(),
		gates:      &gateStep{gates: make(map[string]chan struct{})},
		configure:  configure,

		barrierStore:   barrier.NewMemoryStore(),
		restraintStore: restraint.NewMemoryStore(),
	}
	h.c = h.newCoordinator(t)
	return h
}

// newCoordinator создаёт coordinator поверх хранилищ harness'а.
// Каждый вызов — как новый процесс: свой Notifier и свои сервисы.
func (h *harness) newCoordinator(t *testing.T) *Coordinator {
	t.Helper()

	notifier := notify.New(notify.Config{})
	h.barriers = barrier.New(barrier.Config{Store: h.barrierStore, Notifier: notifier})
	h.restraints = restraint.New(restraint.Config{Store: h.restraintStore, Notifier: notifier})

	reg := steps.DefaultRegistry(steps.Deps{Barriers: h.barriers, Restraints: h.restraints})
	reg.MustRegister("echo", echoStep{})
	reg.MustRegister("flaky", &flakyStep{calls: make(map[string]int)})
	reg.MustRegister("gate", h.gates)
	reg.MustRegister("callback", callbackStep{})

	cfg := Config{
		Plans:        h.plans,
		Executions:   h.executions,
		Nodes:        h.nodes,
		Steps:        reg,
		Restraints:   h.restraints,
		Barriers:     h.barriers,
		Notifier:     notifier,
		PollInterval: 20 * time.Millisecond,
		OnFatal:      func(err error) { t.Errorf("coordinator fatal error: %v", err) },
	}
	for _, fn := range h.configure {
		fn(&cfg)
	}

	c := New(cfg)
	t.Cleanup(c.Stop)
	return c
}

func (h *harness) plan(t *testing.T, src string) *domain.Plan {
	t.Helper()

	spec, err := engine.ParsePlan([]byte(src))
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	plan, err := engine.Build(spec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := h.plans.Save(context.Background(), plan); err != nil {
		t.Fatalf("Save plan: %v", err)
	}
	return plan
}

func (h *harness) start(t *testing.T, plan *domain.Plan, inputs map[string]any) *domain.PlanExecution {
	t.Helper()

	pe, err := h.c.StartExecution(context.Background(), plan.ID, inputs, "")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	return pe
}

// wait ждёт завершения выполнения через Coordinator.Wait.
func (h *harness) wait(t *testing.T, id uuid.UUID) *domain.PlanExecution {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	pe, err := h.c.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !pe.IsFinished() {
		t.Fatalf("plan execution %s is still %s", id, pe.Status)
	}
	return pe
}

// waitStored ждёт завершения по хранилищу: выполнение может быть ещё
// не подхвачено coordinator'ом.
func (h *harness) waitStored(t *testing.T, id uuid.UUID) *domain.PlanExecution {
	t.Helper()

	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		pe, err := h.executions.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if pe.IsFinished() {
			return pe
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("plan execution %s did not finish", id)
	return nil
}

// waitNode ждёт, пока последняя попытка узла не окажется в статусе status.
func (h *harness) waitNode(t *testing.T, peID uuid.UUID, nodeID string, status domain.Status) *domain.NodeExecution {
	t.Helper()

	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		for _, ne := range h.attempts(t, peID, nodeID) {
			if ne.IsLatestAttempt() && ne.Status == status {
				return ne
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("node %s did not reach %s", nodeID, status)
	return nil
}

// attempts возвращает выполнения узла в порядке создания.
func (h *harness) attempts(t *testing.T, peID uuid.UUID, nodeID string) []*domain.NodeExecution {
	t.Helper()

	nes, err := h.nodes.ListByPlanExecution(context.Background(), peID)
	if err != nil {
		t.Fatalf("ListByPlanExecution: %v", err)
	}
	var out []*domain.NodeExecution
	for _, ne := range nes {
		if ne.NodeID == nodeID {
			out = append(out, ne)
		}
	}
	return out
}

// latest возвращает единственную (или последнюю) попытку узла.
func (h *harness) latest(t *testing.T, peID uuid.UUID, nodeID string) *domain.NodeExecution {
	t.Helper()

	nes := h.attempts(t, peID, nodeID)
	if len(nes) == 0 {
		t.Fatalf("node %s was never executed", nodeID)
	}
	return nes[len(nes)-1]
}

func (h *harness) interrupt(t *testing.T, typ domain.InterruptType, peID uuid.UUID, neID string) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	return h.c.Interrupt(ctx, domain.NewInterrupt(typ, peID, neID, domain.SourceOperator))
}

func assertPlanStatus(t *testing.T, pe *domain.PlanExecution, want domain.PlanStatus) {
	t.Helper()
	if pe.Status != want {
		t.Fatalf("plan status = %s, want %s (error: %q)", pe.Status, want, pe.Error)
	}
}

// =============================================================================
// Flow
// =============================================================================

func TestLinearPlan_Succeeds(t *testing.T) {
	rec := events.NewRecorder(64)
	h := newHarness(t, func(cfg *Config) { cfg.Events = rec })
	plan := h.plan(t, `
name: linear
start: greet
nodes:
  - id: greet
    type: echo
    parameters:
      name: "{{ .Inputs.name }}"
    next: reply
  - id: reply
    type: echo
    parameters:
      text: "hello {{ .Nodes.greet.Outputs.name }}"
`)

	pe := h.wait(t, h.start(t, plan, map[string]any{"name": "relay"}).ID)
	assertPlanStatus(t, pe, domain.PlanStatusSucceeded)

	greet := h.latest(t, pe.ID, "greet")
	reply := h.latest(t, pe.ID, "reply")
	if greet.Mode != domain.ModeSync {
		t.Errorf("greet mode = %s, want SYNC", greet.Mode)
	}
	if reply.PreviousID != greet.ID {
		t.Errorf("reply.PreviousID = %s, want %s", reply.PreviousID, greet.ID)
	}
	if got := reply.Outputs["text"]; got != "hello relay" {
		t.Errorf("reply text = %v, want %q", got, "hello relay")
	}

	var planStatuses []string
	for _, e := range rec.Snapshot() {
		if e.Kind == events.KindPlan && e.PlanExecutionID == pe.ID {
			planStatuses = append(planStatuses, e.Status)
		}
	}
	if strings.Join(planStatuses, ",") != "RUNNING,SUCCEEDED" {
		t.Errorf("plan events = %v, want [RUNNING SUCCEEDED]", planStatuses)
	}
}

func TestSkipCondition_SkipsNodeAndContinues(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, `
name: skip
nodes:
  - id: first
    type: echo
    next: optional
  - id: optional
    type: flaky
    skip_condition: .Inputs.skip
    parameters:
      failures: -1
    next: last
  - id: last
    type: echo
`)

	pe := h.wait(t, h.start(t, plan, map[string]any{"skip": true}).ID)
	assertPlanStatus(t, pe, domain.PlanStatusSucceeded)

	optional := h.latest(t, pe.ID, "optional")
	if optional.Status != domain.StatusSkipped {
		t.Errorf("optional = %s, want SKIPPED", optional.Status)
	}
	if last := h.latest(t, pe.ID, "last"); last.PreviousID != optional.ID {
		t.Errorf("last should follow the skipped node")
	}
}

func TestFailure_WithoutAdvisersFailsPlan(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, `
name: failing
nodes:
  - id: broken
    type: flaky
    parameters:
      failures: -1
    next: never
  - id: never
    type: echo
`)

	pe := h.wait(t, h.start(t, plan, nil).ID)
	assertPlanStatus(t, pe, domain.PlanStatusFailed)

	if !strings.Contains(pe.Error, "broken") {
		t.Errorf("plan error %q should name the failed node", pe.Error)
	}
	if n := len(h.attempts(t, pe.ID, "never")); n != 0 {
		t.Errorf("next node executed %d times after failure", n)
	}
	broken := h.latest(t, pe.ID, "broken")
	if broken.Failure == nil || broken.Failure.Kind != domain.FailureApplication {
		t.Errorf("failure = %+v, want APPLICATION", broken.Failure)
	}
}

func TestUnknownStepType_FailsWithConfiguration(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, `
name: unknown
nodes:
  - id: mystery
    type: does_not_exist
`)

	pe := h.wait(t, h.start(t, plan, nil).ID)
	assertPlanStatus(t, pe, domain.PlanStatusFailed)

	mystery := h.latest(t, pe.ID, "mystery")
	if mystery.Failure == nil || mystery.Failure.Kind != domain.FailureConfiguration {
		t.Errorf("failure = %+v, want CONFIGURATION", mystery.Failure)
	}
}

// =============================================================================
// Advisers
// =============================================================================

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, `
name: retry
nodes:
  - id: flaky
    type: flaky
    parameters:
      failures: 2
    advisers:
      - type: retry
        parameters:
          max_attempts: 3
          initial_delay: 1ms
`)

	pe := h.wait(t, h.start(t, plan, nil).ID)
	assertPlanStatus(t, pe, domain.PlanStatusSucceeded)

	attempts := h.attempts(t, pe.ID, "flaky")
	if len(attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(attempts))
	}
	for i, ne := range attempts {
		if ne.RetryCount != i {
			t.Errorf("attempt %d: RetryCount = %d", i, ne.RetryCount)
		}
		if i < 2 {
			if ne.Status != domain.StatusFailed || ne.RetriedByID != attempts[i+1].ID {
				t.Errorf("attempt %d: status %s, retried by %q", i, ne.Status, ne.RetriedByID)
			}
			if ne.Advise == nil || ne.Advise.Type != domain.AdviseRetry {
				t.Errorf("attempt %d: advise = %+v, want RETRY", i, ne.Advise)
			}
		}
	}
	if last := attempts[2]; last.Status != domain.StatusSucceeded || last.PreviousAttemptID != attempts[1].ID {
		t.Errorf("last attempt: status %s, previous attempt %q", last.Status, last.PreviousAttemptID)
	}
}

func TestRetry_ExhaustedFailsPlan(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, `
name: retry-exhausted
nodes:
  - id: flaky
    type: flaky
    parameters:
      failures: -1
    advisers:
      - type: retry
        parameters:
          max_attempts: 2
          initial_delay: 1ms
`)

	pe := h.wait(t, h.start(t, plan, nil).ID)
	assertPlanStatus(t, pe, domain.PlanStatusFailed)

	if n := len(h.attempts(t, pe.ID, "flaky")); n != 3 {
		t.Errorf("attempts = %d, want 3 (first run and two retries)", n)
	}
}

func TestEndPlanAdviser_AbortsRunningBranches(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, `
name: end-plan
nodes:
  - id: fan
    type: fork
    children: [slow, fatal]
  - id: slow
    type: gate
  - id: fatal
    type: flaky
    parameters:
      failures: -1
    advisers:
      - type: end_plan
`)

	pe := h.wait(t, h.start(t, plan, nil).ID)
	assertPlanStatus(t, pe, domain.PlanStatusFailed)

	if slow := h.latest(t, pe.ID, "slow"); slow.Status != domain.StatusAborted {
		t.Errorf("slow = %s, want ABORTED", slow.Status)
	}
}

// =============================================================================
// Intervention
// =============================================================================

func TestIntervention_OperatorRetry(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, `
name: intervention-retry
nodes:
  - id: deploy
    type: flaky
    parameters:
      failures: 1
    advisers:
      - type: intervention_wait
`)

	pe := h.start(t, plan, nil)
	paused := h.waitNode(t, pe.ID, "deploy", domain.StatusPaused)
	if paused.PauseReason != domain.PauseIntervention || paused.PendingStatus != domain.StatusFailed {
		t.Errorf("paused node: reason %q, pending %q", paused.PauseReason, paused.PendingStatus)
	}

	if err := h.interrupt(t, domain.InterruptRetry, pe.ID, paused.ID); err != nil {
		t.Fatalf("Interrupt RETRY: %v", err)
	}

	final := h.wait(t, pe.ID)
	assertPlanStatus(t, final, domain.PlanStatusSucceeded)

	attempts := h.attempts(t, pe.ID, "deploy")
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	if attempts[0].Status != domain.StatusFailed {
		t.Errorf("first attempt = %s, want FAILED", attempts[0].Status)
	}
}

func TestIntervention_OperatorIgnore(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, `
name: intervention-ignore
nodes:
  - id: lint
    type: flaky
    parameters:
      failures: -1
    advisers:
      - type: intervention_wait
    next: publish
  - id: publish
    type: echo
`)

	pe := h.start(t, plan, nil)
	paused := h.waitNode(t, pe.ID, "lint", domain.StatusPaused)

	if err := h.interrupt(t, domain.InterruptIgnore, pe.ID, paused.ID); err != nil {
		t.Fatalf("Interrupt IGNORE: %v", err)
	}

	final := h.wait(t, pe.ID)
	assertPlanStatus(t, final, domain.PlanStatusSucceeded)

	lint := h.latest(t, pe.ID, "lint")
	if lint.Status != domain.StatusFailed || !lint.FailureIgnored {
		t.Errorf("lint: status %s, ignored %v", lint.Status, lint.FailureIgnored)
	}
	if publish := h.latest(t, pe.ID, "publish"); publish.Status != domain.StatusSucceeded {
		t.Errorf("publish = %s, want SUCCEEDED", publish.Status)
	}
}

func TestIntervention_TimeoutAppliesExpiryAction(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, `
name: intervention-timeout
nodes:
  - id: check
    type: flaky
    parameters:
      failures: -1
    advisers:
      - type: intervention_wait
        parameters:
          timeout: 20ms
          expiry_action: MARK_SUCCESS
    next: after
  - id: after
    type: echo
`)

	pe := h.wait(t, h.start(t, plan, nil).ID)
	assertPlanStatus(t, pe, domain.PlanStatusSucceeded)

	if check := h.latest(t, pe.ID, "check"); check.Status != domain.StatusSucceeded {
		t.Errorf("check = %s, want SUCCEEDED", check.Status)
	}
}

func TestIntervention_TimeoutWaitsForPlanResume(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, `
name: intervention-paused-plan
nodes:
  - id: check
    type: gate
    parameters:
      gate: paused-check
      fail: true
    advisers:
      - type: intervention_wait
        parameters:
          timeout: 30ms
          expiry_action: MARK_SUCCESS
`)

	pe := h.start(t, plan, nil)
	h.waitNode(t, pe.ID, "check", domain.StatusRunning)
	if err := h.interrupt(t, domain.InterruptPauseAll, pe.ID, ""); err != nil {
		t.Fatalf("Interrupt PAUSE_ALL: %v", err)
	}

	// Узел падает и уходит в intervention, пока план на паузе
	h.gates.open("paused-check")
	h.waitNode(t, pe.ID, "check", domain.StatusPaused)
	time.Sleep(150 * time.Millisecond)
	if check := h.latest(t, pe.ID, "check"); check.Status != domain.StatusPaused {
		t.Fatalf("check = %s while plan paused, want PAUSED", check.Status)
	}

	if err := h.interrupt(t, domain.InterruptResumeAll, pe.ID, ""); err != nil {
		t.Fatalf("Interrupt RESUME_ALL: %v", err)
	}

	final := h.wait(t, pe.ID)
	assertPlanStatus(t, final, domain.PlanStatusSucceeded)
	if check := h.latest(t, pe.ID, "check"); check.Status != domain.StatusSucceeded {
		t.Errorf("check = %s, want SUCCEEDED", check.Status)
	}
}

func TestInterrupt_RetryRequiresPausedNode(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, `
name: invalid-interrupt
nodes:
  - id: hold
    type: gate
`)

	pe := h.start(t, plan, nil)
	running := h.waitNode(t, pe.ID, "hold", domain.StatusRunning)

	err := h.interrupt(t, domain.InterruptRetry, pe.ID, running.ID)
	if !errors.Is(err, ErrInvalidInterrupt) {
		t.Errorf("expected ErrInvalidInterrupt, got %v", err)
	}
	err = h.interrupt(t, domain.InterruptAbort, pe.ID, "unknown")
	if !errors.Is(err, ErrNodeExecutionNotFound) {
		t.Errorf("expected ErrNodeExecutionNotFound, got %v", err)
	}

	if err := h.interrupt(t, domain.InterruptAbortAll, pe.ID, ""); err != nil {
		t.Fatalf("Interrupt ABORT_ALL: %v", err)
	}
	final := h.wait(t, pe.ID)
	assertPlanStatus(t, final, domain.PlanStatusAborted)

	err = h.interrupt(t, domain.InterruptAbortAll, pe.ID, "")
	if !errors.Is(err, ErrNotActive) {
		t.Errorf("interrupt after finish: expected ErrNotActive, got %v", err)
	}
}

// =============================================================================
// Abort, pause
// =============================================================================

// Прерывание fork прерывает все его ветки; следующий за fork узел не запускается.
func TestAbort_PropagatesToChildren(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, `
name: abort
nodes:
  - id: fan
    type: fork
    children: [left, right]
    next: after
  - id: left
    type: gate
  - id: right
    type: gate
  - id: after
    type: echo
`)

	pe := h.start(t, plan, nil)
	h.waitNode(t, pe.ID, "left", domain.StatusRunning)
	h.waitNode(t, pe.ID, "right", domain.StatusRunning)
	fan := h.waitNode(t, pe.ID, "fan", domain.StatusWaiting)

	if err := h.interrupt(t, domain.InterruptAbort, pe.ID, fan.ID); err != nil {
		t.Fatalf("Interrupt ABORT: %v", err)
	}

	final := h.wait(t, pe.ID)
	assertPlanStatus(t, final, domain.PlanStatusAborted)

	for _, id := range []string{"fan", "left", "right"} {
		ne := h.latest(t, pe.ID, id)
		if ne.Status != domain.StatusAborted {
			t.Errorf("%s = %s, want ABORTED", id, ne.Status)
		}
		if ne.Failure == nil || ne.Failure.Kind != domain.FailureAborted {
			t.Errorf("%s failure = %+v, want ABORTED", id, ne.Failure)
		}
	}
	if n := len(h.attempts(t, pe.ID, "after")); n != 0 {
		t.Errorf("after executed %d times", n)
	}
}

func TestPauseResume_DefersActivation(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, `
name: pause
nodes:
  - id: hold
    type: gate
    parameters:
      gate: pause-hold
    next: after
  - id: after
    type: echo
`)

	pe := h.start(t, plan, nil)
	h.waitNode(t, pe.ID, "hold", domain.StatusRunning)

	if err := h.interrupt(t, domain.InterruptPauseAll, pe.ID, ""); err != nil {
		t.Fatalf("Interrupt PAUSE_ALL: %v", err)
	}
	stored, err := h.executions.Get(context.Background(), pe.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != domain.PlanStatusPaused {
		t.Fatalf("plan status = %s, want PAUSED", stored.Status)
	}

	// Работающий шаг доводится до конца, следующий ждёт снятия паузы
	h.gates.open("pause-hold")
	h.waitNode(t, pe.ID, "hold", domain.StatusSucceeded)
	h.waitNode(t, pe.ID, "after", domain.StatusQueued)
	time.Sleep(50 * time.Millisecond)
	if after := h.latest(t, pe.ID, "after"); after.Status != domain.StatusQueued {
		t.Fatalf("after = %s while plan paused, want QUEUED", after.Status)
	}

	if err := h.interrupt(t, domain.InterruptPauseAll, pe.ID, ""); !errors.Is(err, ErrInvalidInterrupt) {
		t.Errorf("second PAUSE_ALL: expected ErrInvalidInterrupt, got %v", err)
	}
	if err := h.interrupt(t, domain.InterruptResumeAll, pe.ID, ""); err != nil {
		t.Fatalf("Interrupt RESUME_ALL: %v", err)
	}

	final := h.wait(t, pe.ID)
	assertPlanStatus(t, final, domain.PlanStatusSucceeded)
}

// =============================================================================
// Children
// =============================================================================

func TestFork_CollectsBranchOutputs(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, `
name: fork
nodes:
  - id: fan
    type: fork
    children: [unit, lint]
    next: report
  - id: unit
    type: echo
    parameters:
      suite: unit
    next: coverage
  - id: coverage
    type: echo
    parameters:
      percent: 87
  - id: lint
    type: echo
    parameters:
      suite: lint
  - id: report
    type: echo
    parameters:
      status: "{{ .Nodes.fan.Status }}"
`)

	pe := h.wait(t, h.start(t, plan, nil).ID)
	assertPlanStatus(t, pe, domain.PlanStatusSucceeded)

	fan := h.latest(t, pe.ID, "fan")
	if fan.Mode != domain.ModeChildren {
		t.Errorf("fan mode = %s, want CHILDREN", fan.Mode)
	}
	for _, id := range []string{"unit", "coverage", "lint"} {
		if _, ok := fan.Outputs[id]; !ok {
			t.Errorf("fan outputs missing %s: %v", id, fan.Outputs)
		}
		if child := h.latest(t, pe.ID, id); child.ParentID != fan.ID {
			t.Errorf("%s.ParentID = %q, want %q", id, child.ParentID, fan.ID)
		}
	}
	if report := h.latest(t, pe.ID, "report"); report.Outputs["status"] != "SUCCEEDED" {
		t.Errorf("report status = %v", report.Outputs["status"])
	}
}

func TestFork_ChildFailureFailsParent(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, `
name: fork-failure
nodes:
  - id: fan
    type: fork
    children: [good, bad]
    next: report
  - id: good
    type: echo
  - id: bad
    type: flaky
    parameters:
      failures: -1
  - id: report
    type: echo
`)

	pe := h.wait(t, h.start(t, plan, nil).ID)
	assertPlanStatus(t, pe, domain.PlanStatusFailed)

	fan := h.latest(t, pe.ID, "fan")
	if fan.Status != domain.StatusFailed || fan.Failure == nil || fan.Failure.Kind != domain.FailureChildren {
		t.Errorf("fan: status %s, failure %+v", fan.Status, fan.Failure)
	}
	if !strings.Contains(pe.Error, "node bad") {
		t.Errorf("plan error %q should point at the deepest failure", pe.Error)
	}
	if n := len(h.attempts(t, pe.ID, "report")); n != 0 {
		t.Errorf("report executed %d times", n)
	}
}

func TestGroup_RunsChildrenSequentially(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, `
name: group
nodes:
  - id: steps
    type: group
    children: [first, second]
  - id: first
    type: echo
  - id: second
    type: echo
`)

	pe := h.wait(t, h.start(t, plan, nil).ID)
	assertPlanStatus(t, pe, domain.PlanStatusSucceeded)

	group := h.latest(t, pe.ID, "steps")
	first := h.latest(t, pe.ID, "first")
	second := h.latest(t, pe.ID, "second")
	if group.Mode != domain.ModeChildChain {
		t.Errorf("group mode = %s, want CHILD_CHAIN", group.Mode)
	}
	if first.ParentID != group.ID || second.ParentID != group.ID {
		t.Error("children should belong to the group")
	}
	if second.StartedAt.Before(*first.EndedAt) {
		t.Error("second child started before first finished")
	}
}

func TestGroup_StopsOnChildFailure(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, `
name: group-failure
nodes:
  - id: steps
    type: group
    children: [first, second]
  - id: first
    type: flaky
    parameters:
      failures: -1
  - id: second
    type: echo
`)

	pe := h.wait(t, h.start(t, plan, nil).ID)
	assertPlanStatus(t, pe, domain.PlanStatusFailed)

	if n := len(h.attempts(t, pe.ID, "second")); n != 0 {
		t.Errorf("second executed %d times after first failed", n)
	}
	if group := h.latest(t, pe.ID, "steps"); group.Status != domain.StatusFailed {
		t.Errorf("group = %s, want FAILED", group.Status)
	}
}

// =============================================================================
// Timeouts
// =============================================================================

func TestNodeTimeout_ExpiresNode(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, `
name: timeout
nodes:
  - id: slow
    type: gate
    timeouts:
      - dimension: ABSOLUTE
        duration: 30ms
    next: after
  - id: after
    type: echo
`)

	pe := h.wait(t, h.start(t, plan, nil).ID)
	assertPlanStatus(t, pe, domain.PlanStatusExpired)

	slow := h.latest(t, pe.ID, "slow")
	if slow.Status != domain.StatusExpired {
		t.Errorf("slow = %s, want EXPIRED", slow.Status)
	}
	if slow.Failure == nil || slow.Failure.Kind != domain.FailureTimeout {
		t.Errorf("failure = %+v, want TIMEOUT", slow.Failure)
	}
	if n := len(h.attempts(t, pe.ID, "after")); n != 0 {
		t.Errorf("after executed %d times", n)
	}
}

// Истёкший узел проходит через адвайзеров: retry перезапускает его.
func TestNodeTimeout_RetriedByAdviser(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, `
name: timeout-retry
nodes:
  - id: slow
    type: gate
    timeouts:
      - dimension: ABSOLUTE
        duration: 20ms
    advisers:
      - type: retry
        parameters:
          max_attempts: 1
          initial_delay: 1ms
          on_statuses: [EXPIRED]
`)

	pe := h.wait(t, h.start(t, plan, nil).ID)
	assertPlanStatus(t, pe, domain.PlanStatusExpired)

	attempts := h.attempts(t, pe.ID, "slow")
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	for _, ne := range attempts {
		if ne.Status != domain.StatusExpired {
			t.Errorf("attempt %s = %s, want EXPIRED", ne.ID, ne.Status)
		}
	}
}

// =============================================================================
// Barrier, restraint
// =============================================================================

const barrierPlan = `
name: barrier
nodes:
  - id: fan
    type: fork
    children: [build_api, build_web]
    next: deploy
  - id: build_api
    type: echo
    next: sync_api
  - id: sync_api
    type: barrier
    parameters:
      barrier_id: release
  - id: build_web
    type: %s
    parameters:
      gate: web
      failures: -1
    next: sync_web
  - id: sync_web
    type: barrier
    parameters:
      barrier_id: release
  - id: deploy
    type: echo
`

// Ветки ждут друг друга на барьере; deploy стартует только после обеих.
func TestBarrier_ReleasesAllParticipants(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, fmt.Sprintf(barrierPlan, "gate"))

	pe := h.start(t, plan, nil)
	syncAPI := h.waitNode(t, pe.ID, "sync_api", domain.StatusWaiting)
	if syncAPI.Mode != domain.ModeAsync {
		t.Errorf("barrier mode = %s, want ASYNC", syncAPI.Mode)
	}
	if n := len(h.attempts(t, pe.ID, "deploy")); n != 0 {
		t.Fatal("deploy started before the barrier was released")
	}

	h.gates.open("web")

	final := h.wait(t, pe.ID)
	assertPlanStatus(t, final, domain.PlanStatusSucceeded)

	for _, id := range []string{"sync_api", "sync_web", "deploy"} {
		if ne := h.latest(t, pe.ID, id); ne.Status != domain.StatusSucceeded {
			t.Errorf("%s = %s, want SUCCEEDED", id, ne.Status)
		}
	}
}

// Ветка, которая уже не дойдёт до барьера, опускает его для остальных.
func TestBarrier_AbandonedWhenParticipantCannotArrive(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, fmt.Sprintf(barrierPlan, "flaky"))

	pe := h.wait(t, h.start(t, plan, nil).ID)
	assertPlanStatus(t, pe, domain.PlanStatusFailed)

	syncAPI := h.latest(t, pe.ID, "sync_api")
	if syncAPI.Status != domain.StatusFailed {
		t.Fatalf("sync_api = %s, want FAILED", syncAPI.Status)
	}
	if syncAPI.Failure == nil || syncAPI.Failure.Kind != domain.FailureBarrierAbandoned {
		t.Errorf("failure = %+v, want BARRIER_ABANDONED", syncAPI.Failure)
	}
	if n := len(h.attempts(t, pe.ID, "sync_web")); n != 0 {
		t.Errorf("sync_web executed %d times", n)
	}
}

// Ресурс ёмкостью 1 держит group первого выполнения; второе ждёт,
// пока group не завершится.
func TestRestraint_SerializesHolders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.restraints.DefineResource(ctx, "db", 1); err != nil {
		t.Fatalf("DefineResource: %v", err)
	}
	plan := h.plan(t, `
name: restraint
nodes:
  - id: guarded
    type: group
    children: [lock, migrate]
  - id: lock
    type: resource_restraint
    parameters:
      resource: db
      scope: PARENT
  - id: migrate
    type: gate
    parameters:
      gate: "{{ .Inputs.gate }}"
`)

	first := h.start(t, plan, map[string]any{"gate": "one"})
	h.waitNode(t, first.ID, "migrate", domain.StatusRunning)

	second := h.start(t, plan, map[string]any{"gate": "two"})
	h.waitNode(t, second.ID, "lock", domain.StatusWaiting)
	time.Sleep(50 * time.Millisecond)
	if n := len(h.attempts(t, second.ID, "migrate")); n != 0 {
		t.Fatal("second execution passed the restraint while the first held it")
	}

	h.gates.open("one")
	assertPlanStatus(t, h.wait(t, first.ID), domain.PlanStatusSucceeded)

	h.waitNode(t, second.ID, "migrate", domain.StatusRunning)
	h.gates.open("two")
	assertPlanStatus(t, h.wait(t, second.ID), domain.PlanStatusSucceeded)

	weight, err := h.restraints.ActiveWeight(ctx, "db")
	if err != nil {
		t.Fatalf("ActiveWeight: %v", err)
	}
	if weight != 0 {
		t.Errorf("active weight = %d after both finished, want 0", weight)
	}
}

// terminalWeights записывает занятую ёмкость ресурса в момент, когда
// узел nodeID сохраняется в терминальном статусе.
type terminalWeights struct {
	NodeExecutionStore

	nodeID string
	weight func() int

	mu   sync.Mutex
	seen []int
}

func (s *terminalWeights) Save(ctx context.Context, ne *domain.NodeExecution) error {
	if ne.NodeID == s.nodeID && ne.IsTerminal() {
		s.mu.Lock()
		s.seen = append(s.seen, s.weight())
		s.mu.Unlock()
	}
	return s.NodeExecutionStore.Save(ctx, ne)
}

func (s *terminalWeights) observed() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.seen...)
}

// Прерванный group отпускает ресурс до того, как его терминальный
// статус попадает в хранилище.
func TestAbort_ReleasesRestraintBeforeTerminalStatus(t *testing.T) {
	weights := &terminalWeights{nodeID: "guarded"}
	h := newHarness(t, func(cfg *Config) {
		weights.NodeExecutionStore = cfg.Nodes
		cfg.Nodes = weights
	})
	ctx := context.Background()
	weights.weight = func() int {
		w, err := h.restraints.ActiveWeight(ctx, "db")
		if err != nil {
			t.Errorf("ActiveWeight: %v", err)
		}
		return w
	}
	if err := h.restraints.DefineResource(ctx, "db", 1); err != nil {
		t.Fatalf("DefineResource: %v", err)
	}

	plan := h.plan(t, `
name: abort-restraint
nodes:
  - id: guarded
    type: group
    children: [lock, migrate]
  - id: lock
    type: resource_restraint
    parameters:
      resource: db
      scope: PARENT
  - id: migrate
    type: gate
    parameters:
      gate: abort-restraint
`)

	pe := h.start(t, plan, nil)
	h.waitNode(t, pe.ID, "migrate", domain.StatusRunning)
	guarded := h.latest(t, pe.ID, "guarded")

	if err := h.interrupt(t, domain.InterruptAbort, pe.ID, guarded.ID); err != nil {
		t.Fatalf("Interrupt ABORT: %v", err)
	}
	assertPlanStatus(t, h.wait(t, pe.ID), domain.PlanStatusAborted)

	seen := weights.observed()
	if len(seen) == 0 {
		t.Fatal("guarded was never saved as terminal")
	}
	for _, w := range seen {
		if w != 0 {
			t.Errorf("active weight when guarded became terminal = %v, want 0", seen)
			break
		}
	}
}

// После рестарта заявки уже завершённых плана и узла освобождаются,
// заявка живой сущности остаётся.
func TestStart_ReleasesOrphanedRestraints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.restraints.DefineResource(ctx, "db", 3); err != nil {
		t.Fatalf("DefineResource: %v", err)
	}
	plan := h.plan(t, `
name: orphans
nodes:
  - id: only
    type: echo
`)

	pe := h.wait(t, h.start(t, plan, nil).ID)
	assertPlanStatus(t, pe, domain.PlanStatusSucceeded)
	only := h.latest(t, pe.ID, "only")
	h.c.Stop()

	// Заявки, оставшиеся от упавшего процесса
	for _, holder := range []string{pe.ID.String(), only.ID, "live-holder"} {
		if _, err := h.restraints.Acquire(ctx, restraint.Request{
			ResourceKey:     "db",
			ReleaseEntityID: holder,
			RequesterID:     "requester-" + holder,
			CorrelationID:   "corr-" + holder,
		}); err != nil {
			t.Fatalf("Acquire %s: %v", holder, err)
		}
	}

	restarted := h.newCoordinator(t)
	if err := restarted.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(testTimeout)
	for {
		w, err := h.restraints.ActiveWeight(ctx, "db")
		if err != nil {
			t.Fatalf("ActiveWeight: %v", err)
		}
		if w == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("active weight = %d, want 1 (only the live holder)", w)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// =============================================================================
// Delegates
// =============================================================================

// withDispatcher подключает Dispatcher поверх Notifier coordinator'а.
func withDispatcher(transport *delegate.MemoryTransport, out **delegate.Dispatcher) func(*Config) {
	return func(cfg *Config) {
		d := delegate.NewDispatcher(delegate.Config{
			Transport:    transport,
			Notifier:     cfg.Notifier,
			TickInterval: 10 * time.Millisecond,
		})
		cfg.Dispatcher = d
		*out = d
	}
}

const remotePlan = `
name: remote
nodes:
  - id: remote
    type: remote
    parameters:
      task_type: echo
      selectors: [%s]
      queue_timeout: 50ms
      parameters:
        msg: "{{ .Inputs.msg }}"
`

func TestTask_DelegateResultCompletesNode(t *testing.T) {
	transport := delegate.NewMemoryTransport(4)
	var dispatcher *delegate.Dispatcher
	h := newHarness(t, withDispatcher(transport, &dispatcher))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	err := dispatcher.Heartbeat(ctx, delegate.Heartbeat{DelegateID: "d1", Tags: []string{"linux"}, Capacity: 1, SentAt: time.Now()})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	// Воркер: отвечает эхом параметров
	go func() {
		select {
		case task := <-transport.Inbox("d1"):
			_ = dispatcher.HandleResult(ctx, delegate.Result{
				TaskID:     task.ID,
				DelegateID: "d1",
				Status:     domain.TaskStatusSucceeded,
				Outputs:    map[string]any{"echo": task.Parameters["msg"]},
			})
		case <-ctx.Done():
		}
	}()

	plan := h.plan(t, fmt.Sprintf(remotePlan, "linux"))
	pe := h.wait(t, h.start(t, plan, map[string]any{"msg": "ping"}).ID)
	assertPlanStatus(t, pe, domain.PlanStatusSucceeded)

	remote := h.latest(t, pe.ID, "remote")
	if remote.Mode != domain.ModeTask {
		t.Errorf("mode = %s, want TASK", remote.Mode)
	}
	if remote.Outputs["echo"] != "ping" {
		t.Errorf("outputs = %v", remote.Outputs)
	}
}

func TestTask_NoEligibleWorkers(t *testing.T) {
	transport := delegate.NewMemoryTransport(4)
	var dispatcher *delegate.Dispatcher
	h := newHarness(t, withDispatcher(transport, &dispatcher))
	dispatcher.Start(context.Background())
	t.Cleanup(dispatcher.Stop)

	plan := h.plan(t, fmt.Sprintf(remotePlan, "gpu"))
	pe := h.wait(t, h.start(t, plan, nil).ID)
	assertPlanStatus(t, pe, domain.PlanStatusFailed)

	remote := h.latest(t, pe.ID, "remote")
	if remote.Failure == nil || remote.Failure.Kind != domain.FailureNoEligibleWorkers {
		t.Errorf("failure = %+v, want NO_ELIGIBLE_WORKERS", remote.Failure)
	}
}

func TestTask_AbortCancelsDelegateTask(t *testing.T) {
	transport := delegate.NewMemoryTransport(4)
	var dispatcher *delegate.Dispatcher
	h := newHarness(t, withDispatcher(transport, &dispatcher))
	err := dispatcher.Heartbeat(context.Background(), delegate.Heartbeat{DelegateID: "d1", Tags: []string{"linux"}, Capacity: 1, SentAt: time.Now()})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	plan := h.plan(t, fmt.Sprintf(remotePlan, "linux"))
	pe := h.start(t, plan, nil)
	h.waitNode(t, pe.ID, "remote", domain.StatusWaiting)

	var task *domain.DelegateTask
	select {
	case task = <-transport.Inbox("d1"):
	case <-time.After(testTimeout):
		t.Fatal("task was not dispatched")
	}

	if err := h.interrupt(t, domain.InterruptAbortAll, pe.ID, ""); err != nil {
		t.Fatalf("Interrupt ABORT_ALL: %v", err)
	}
	assertPlanStatus(t, h.wait(t, pe.ID), domain.PlanStatusAborted)

	if !transport.Canceled(task.ID) {
		t.Error("dispatched task should be canceled on the delegate")
	}
}

// Делегат не ответил до ABSOLUTE таймаута: узел и план истекают,
// задача отменяется на делегате.
func TestTask_AbsoluteTimeoutExpiresNode(t *testing.T) {
	transport := delegate.NewMemoryTransport(4)
	var dispatcher *delegate.Dispatcher
	h := newHarness(t, withDispatcher(transport, &dispatcher))
	err := dispatcher.Heartbeat(context.Background(), delegate.Heartbeat{DelegateID: "d1", Tags: []string{"linux"}, Capacity: 1, SentAt: time.Now()})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	plan := h.plan(t, `
name: remote-timeout
nodes:
  - id: remote
    type: remote
    parameters:
      task_type: echo
      selectors: [linux]
      queue_timeout: 10s
    timeouts:
      - dimension: ABSOLUTE
        duration: 40ms
`)
	pe := h.start(t, plan, nil)

	var task *domain.DelegateTask
	select {
	case task = <-transport.Inbox("d1"):
	case <-time.After(testTimeout):
		t.Fatal("task was not dispatched")
	}

	final := h.wait(t, pe.ID)
	assertPlanStatus(t, final, domain.PlanStatusExpired)

	remote := h.latest(t, pe.ID, "remote")
	if remote.Mode != domain.ModeTask {
		t.Errorf("mode = %s, want TASK", remote.Mode)
	}
	if remote.Status != domain.StatusExpired {
		t.Errorf("remote = %s, want EXPIRED", remote.Status)
	}
	if remote.Failure == nil || remote.Failure.Kind != domain.FailureTimeout {
		t.Errorf("failure = %+v, want TIMEOUT", remote.Failure)
	}
	if !transport.Canceled(task.ID) {
		t.Error("dispatched task should be canceled on the delegate")
	}
}

// =============================================================================
// Executions
// =============================================================================

func TestStartExecution_IdempotencyKey(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, `
name: idempotent
nodes:
  - id: only
    type: echo
`)
	ctx := context.Background()

	first, err := h.c.StartExecution(ctx, plan.ID, nil, "nightly_2026-10-17T00:00:00Z")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	h.wait(t, first.ID)

	second, err := h.c.StartExecution(ctx, plan.ID, nil, "nightly_2026-10-17T00:00:00Z")
	if err != nil {
		t.Fatalf("StartExecution (duplicate): %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate key started a new execution: %s != %s", second.ID, first.ID)
	}

	all, err := h.executions.List(ctx, plan.ID, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("executions = %d, want 1", len(all))
	}
}

func TestStartExecution_UnknownPlan(t *testing.T) {
	h := newHarness(t)

	_, err := h.c.StartExecution(context.Background(), uuid.New(), nil, "")
	if !errors.Is(err, ErrPlanNotFound) {
		t.Errorf("expected ErrPlanNotFound, got %v", err)
	}
}

func TestOutputs_OffloadedToBlobStore(t *testing.T) {
	outputs := blob.NewMemoryStore()
	h := newHarness(t, func(cfg *Config) {
		cfg.Outputs = outputs
		cfg.InlineOutputsLimit = 32
	})
	plan := h.plan(t, `
name: offload
nodes:
  - id: big
    type: echo
    parameters:
      payload: "{{ .Inputs.payload }}"
    next: small
  - id: small
    type: echo
    parameters:
      size: "{{ len .Nodes.big.Outputs.payload }}"
`)

	payload := strings.Repeat("x", 100)
	pe := h.wait(t, h.start(t, plan, map[string]any{"payload": payload}).ID)
	assertPlanStatus(t, pe, domain.PlanStatusSucceeded)

	big := h.latest(t, pe.ID, "big")
	if big.OutputsRef == "" || big.Outputs != nil {
		t.Errorf("big outputs should be offloaded: ref %q, inline %v", big.OutputsRef, big.Outputs)
	}
	if outputs.Len() != 1 {
		t.Errorf("blob objects = %d, want 1", outputs.Len())
	}
	if small := h.latest(t, pe.ID, "small"); small.Outputs["size"] != "100" {
		t.Errorf("small size = %v, want 100", small.Outputs["size"])
	}
}

// =============================================================================
// Recovery
// =============================================================================

// Новый coordinator подхватывает выполнение из хранилища и снова
// подписывает ожидающий узел на его correlation ID.
func TestRecovery_ResubscribesWaitingNode(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, `
name: recovery
nodes:
  - id: hook
    type: callback
    next: after
  - id: after
    type: echo
`)

	pe := h.start(t, plan, nil)
	hook := h.waitNode(t, pe.ID, "hook", domain.StatusWaiting)
	h.c.Stop()

	restarted := h.newCoordinator(t)
	if err := restarted.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	restarted.Notify(&domain.Notification{
		CorrelationID: hook.ID + ":callback",
		Status:        domain.StatusSucceeded,
		Outputs:       map[string]any{"ok": true},
	})

	final := h.waitStored(t, pe.ID)
	assertPlanStatus(t, final, domain.PlanStatusSucceeded)

	if n := len(h.attempts(t, pe.ID, "hook")); n != 1 {
		t.Errorf("hook executions = %d, want 1", n)
	}
	if after := h.latest(t, pe.ID, "after"); after.PreviousID != hook.ID {
		t.Errorf("after should follow the recovered hook")
	}
}

// Узел, застигнутый рестартом в RUNNING, вызывается повторно.
func TestRecovery_ReinvokesRunningNode(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, `
name: recovery-running
nodes:
  - id: hold
    type: gate
    parameters:
      gate: recovery
`)

	pe := h.start(t, plan, nil)
	h.waitNode(t, pe.ID, "hold", domain.StatusRunning)
	h.c.Stop()

	restarted := h.newCoordinator(t)
	if err := restarted.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.gates.open("recovery")

	final := h.waitStored(t, pe.ID)
	assertPlanStatus(t, final, domain.PlanStatusSucceeded)
	if n := len(h.attempts(t, pe.ID, "hold")); n != 1 {
		t.Errorf("hold executions = %d, want 1", n)
	}
}

// Ресурс освободился, пока coordinator лежал: уведомление ушло в старый
// Notifier. После рестарта шаг заново захватывает ресурс и получает ACTIVE.
func TestRecovery_RearmsRestraintReleasedWhileDown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.restraints.DefineResource(ctx, "db", 1); err != nil {
		t.Fatalf("DefineResource: %v", err)
	}
	if _, err := h.restraints.Acquire(ctx, restraint.Request{
		ResourceKey:     "db",
		ReleaseEntityID: "maintenance",
		RequesterID:     "maintenance",
		CorrelationID:   "maintenance",
	}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	plan := h.plan(t, `
name: recovery-restraint
nodes:
  - id: lock
    type: resource_restraint
    parameters:
      resource: db
    next: after
  - id: after
    type: echo
`)

	pe := h.start(t, plan, nil)
	h.waitNode(t, pe.ID, "lock", domain.StatusWaiting)
	h.c.Stop()

	stale := h.restraints
	if err := stale.ReleaseByEntity(ctx, "maintenance"); err != nil {
		t.Fatalf("ReleaseByEntity: %v", err)
	}

	restarted := h.newCoordinator(t)
	if err := restarted.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := h.waitStored(t, pe.ID)
	assertPlanStatus(t, final, domain.PlanStatusSucceeded)
	if n := len(h.attempts(t, pe.ID, "lock")); n != 1 {
		t.Errorf("lock executions = %d, want 1", n)
	}
}

// После New реестры только читаются: поздняя регистрация отклоняется.
func TestNew_FreezesRegistries(t *testing.T) {
	stepReg := steps.DefaultRegistry(steps.Deps{})
	facilitators := facilitator.DefaultRegistry()
	advisers := adviser.DefaultRegistry()
	dimensions := timeout.DefaultRegistry()

	c := New(Config{
		Plans:        NewMemoryPlanStore(),
		Executions:   NewMemoryPlanExecutionStore(),
		Nodes:        NewMemoryNodeExecutionStore(),
		Steps:        stepReg,
		Facilitators: facilitators,
		Advisers:     advisers,
		Timeouts:     timeout.New(timeout.Config{Registry: dimensions}),
	})
	t.Cleanup(c.Stop)

	late := map[string]error{
		"steps":        stepReg.Register("late", echoStep{}),
		"facilitators": facilitators.Register("LATE", facilitator.NewModeFacilitator(domain.ModeSync)),
		"advisers":     advisers.Register("late", adviser.OnSuccess{}),
		"dimensions":   dimensions.Register("LATE", timeout.AbsoluteFactory{}),
	}
	for name, err := range late {
		if !errors.Is(err, registry.ErrFrozen) {
			t.Errorf("%s: expected ErrFrozen, got %v", name, err)
		}
	}

	catalog := DefaultCatalog()
	if err := catalog.Steps.Register("late", echoStep{}); !errors.Is(err, registry.ErrFrozen) {
		t.Errorf("catalog steps: expected ErrFrozen, got %v", err)
	}
}

func TestStop_RejectsNewExecutions(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, `
name: stopped
nodes:
  - id: only
    type: echo
`)
	h.c.Stop()

	_, err := h.c.StartExecution(context.Background(), plan.ID, nil, "")
	if !errors.Is(err, ErrCoordinatorStopped) {
		t.Errorf("expected ErrCoordinatorStopped, got %v", err)
	}
}
