package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/delegate"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/mq"
	"github.com/shaiso/Relay/internal/registry"
	"github.com/shaiso/Relay/internal/steps"
)

// ============================================================================
// Тестовые помощники
// ============================================================================

type fakeReporter struct {
	mu         sync.Mutex
	results    chan delegate.Result
	progress   []delegate.Progress
	heartbeats chan delegate.Heartbeat
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{
		results:    make(chan delegate.Result, 16),
		heartbeats: make(chan delegate.Heartbeat, 16),
	}
}

func (r *fakeReporter) PublishTaskResult(_ context.Context, res delegate.Result) error {
	r.results <- res
	return nil
}

func (r *fakeReporter) PublishTaskProgress(_ context.Context, p delegate.Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
	return nil
}

func (r *fakeReporter) PublishHeartbeat(_ context.Context, hb delegate.Heartbeat) error {
	select {
	case r.heartbeats <- hb:
	default:
	}
	return nil
}

func (r *fakeReporter) result(t *testing.T) delegate.Result {
	t.Helper()
	select {
	case res := <-r.results:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task result")
		return delegate.Result{}
	}
}

func (r *fakeReporter) noResult(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case res := <-r.results:
		t.Fatalf("unexpected result: %+v", res)
	case <-time.After(wait):
	}
}

// blockingStep ждёт release или отмены контекста.
type blockingStep struct {
	started chan string
	release chan struct{}
}

func newBlockingStep() *blockingStep {
	return &blockingStep{started: make(chan string, 8), release: make(chan struct{})}
}

func (s *blockingStep) Type() string { return "block" }

func (s *blockingStep) ExecuteSync(ctx context.Context, in *steps.Input) (*domain.StepResponse, error) {
	s.started <- in.NodeExecutionID
	select {
	case <-s.release:
		return domain.Succeeded(map[string]any{"released": true}), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type failingStep struct{}

func (failingStep) Type() string { return "fail" }

func (failingStep) ExecuteSync(context.Context, *steps.Input) (*domain.StepResponse, error) {
	return domain.Failed(domain.FailureApplication, "disk is full"), nil
}

type erroringStep struct{}

func (erroringStep) Type() string { return "error" }

func (erroringStep) ExecuteSync(context.Context, *steps.Input) (*domain.StepResponse, error) {
	return nil, errors.New("connection refused")
}

// callbackOnly — шаг без синхронного режима.
type callbackOnly struct{}

func (callbackOnly) Type() string { return "callback" }

func newTestWorker(t *testing.T, capacity int, register func(r *steps.Registry)) (*Worker, *fakeReporter) {
	t.Helper()
	reg := steps.SyncRegistry(nil)
	if register != nil {
		register(reg)
	}
	rep := newFakeReporter()
	w := New(Config{
		ID:       "worker-1",
		Tags:     []string{"linux"},
		Capacity: capacity,
		Steps:    reg,
		Reporter: rep,
	})
	t.Cleanup(w.Stop)
	return w, rep
}

func newTask(taskType string, params map[string]any) *domain.DelegateTask {
	return &domain.DelegateTask{
		ID:              uuid.New(),
		PlanExecutionID: uuid.New(),
		NodeExecutionID: "ne-" + taskType,
		CorrelationID:   "ne-" + taskType + ":task",
		Type:            taskType,
		Parameters:      params,
		Status:          domain.TaskStatusDispatched,
		DelegateID:      "worker-1",
		Attempt:         1,
	}
}

// ============================================================================
// Выполнение задач
// ============================================================================

// HTTP-задача выполняется шагом http и возвращает ответ сервера.
func TestDispatch_HTTPTask_Succeeds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"build": "ok"})
	}))
	defer server.Close()

	w, rep := newTestWorker(t, 2, nil)
	task := newTask(steps.StepTypeHTTP, map[string]any{
		"method": "POST",
		"url":    server.URL,
	})

	if err := w.Dispatch(context.Background(), task); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	res := rep.result(t)
	if res.TaskID != task.ID || res.DelegateID != "worker-1" {
		t.Errorf("result for %s from %s", res.TaskID, res.DelegateID)
	}
	if res.Status != domain.TaskStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s (%s)", res.Status, res.Error)
	}
	if res.Outputs["status_code"] != http.StatusOK {
		t.Errorf("expected status_code 200, got %v", res.Outputs["status_code"])
	}
}

// Шаг вернул FAILED: сообщение об ошибке передаётся координатору.
func TestDispatch_StepFailure_ReportsFailed(t *testing.T) {
	w, rep := newTestWorker(t, 1, func(r *steps.Registry) {
		r.MustRegister("fail", failingStep{})
	})

	if err := w.Dispatch(context.Background(), newTask("fail", nil)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	res := rep.result(t)
	if res.Status != domain.TaskStatusFailed {
		t.Fatalf("expected FAILED, got %s", res.Status)
	}
	if res.Error != "disk is full" {
		t.Errorf("expected step failure message, got %q", res.Error)
	}
}

// Ошибка шага тоже превращается в FAILED.
func TestDispatch_StepError_ReportsFailed(t *testing.T) {
	w, rep := newTestWorker(t, 1, func(r *steps.Registry) {
		r.MustRegister("error", erroringStep{})
	})

	if err := w.Dispatch(context.Background(), newTask("error", nil)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	res := rep.result(t)
	if res.Status != domain.TaskStatusFailed || res.Error != "connection refused" {
		t.Errorf("expected FAILED with error, got %s %q", res.Status, res.Error)
	}
}

// Реестр шагов замораживается при создании воркера.
func TestNew_FreezesStepRegistry(t *testing.T) {
	reg := steps.SyncRegistry(nil)
	w := New(Config{ID: "worker-1", Capacity: 1, Steps: reg, Reporter: newFakeReporter()})
	t.Cleanup(w.Stop)

	if err := reg.Register("late", failingStep{}); !errors.Is(err, registry.ErrFrozen) {
		t.Errorf("expected ErrFrozen, got %v", err)
	}
}

func TestDispatch_UnknownType(t *testing.T) {
	w, rep := newTestWorker(t, 1, nil)

	if err := w.Dispatch(context.Background(), newTask("teleport", nil)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	res := rep.result(t)
	if res.Status != domain.TaskStatusFailed {
		t.Fatalf("expected FAILED, got %s", res.Status)
	}
	if !strings.Contains(res.Error, ErrUnknownTaskType.Error()) {
		t.Errorf("expected unknown type error, got %q", res.Error)
	}
}

func TestDispatch_NotSyncStep(t *testing.T) {
	w, rep := newTestWorker(t, 1, func(r *steps.Registry) {
		r.MustRegister("callback", callbackOnly{})
	})

	if err := w.Dispatch(context.Background(), newTask("callback", nil)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	res := rep.result(t)
	if !strings.Contains(res.Error, ErrNotSyncStep.Error()) {
		t.Errorf("expected not-sync error, got %q", res.Error)
	}
}

// Начало выполнения отмечается сообщением прогресса.
func TestDispatch_ReportsProgress(t *testing.T) {
	w, rep := newTestWorker(t, 1, nil)
	task := newTask(steps.StepTypeWait, map[string]any{"duration_ms": 1})

	if err := w.Dispatch(context.Background(), task); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	rep.result(t)

	rep.mu.Lock()
	defer rep.mu.Unlock()
	if len(rep.progress) != 1 || rep.progress[0].Message != "started" || rep.progress[0].TaskID != task.ID {
		t.Errorf("expected one started progress, got %+v", rep.progress)
	}
}

// ============================================================================
// Отмена и ёмкость
// ============================================================================

// Отменённая задача прерывается и не публикует результат.
func TestCancel_StopsRunningTask(t *testing.T) {
	block := newBlockingStep()
	w, rep := newTestWorker(t, 1, func(r *steps.Registry) {
		r.MustRegister("block", block)
	})
	task := newTask("block", nil)

	if err := w.Dispatch(context.Background(), task); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	<-block.started

	if !w.Cancel(task.ID) {
		t.Fatal("expected running task to be cancelled")
	}
	rep.noResult(t, 100*time.Millisecond)

	deadline := time.Now().Add(5 * time.Second)
	for w.Running() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("cancelled task still running")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if w.Cancel(task.ID) {
		t.Error("cancel of finished task should report false")
	}
}

// Сверх Capacity задача ждёт освобождения места.
func TestDispatch_RespectsCapacity(t *testing.T) {
	block := newBlockingStep()
	w, rep := newTestWorker(t, 1, func(r *steps.Registry) {
		r.MustRegister("block", block)
	})

	first := newTask("block", nil)
	first.NodeExecutionID = "first"
	second := newTask("block", nil)
	second.NodeExecutionID = "second"

	if err := w.Dispatch(context.Background(), first); err != nil {
		t.Fatalf("Dispatch first: %v", err)
	}
	<-block.started

	dispatched := make(chan error, 1)
	go func() { dispatched <- w.Dispatch(context.Background(), second) }()

	select {
	case err := <-dispatched:
		t.Fatalf("second dispatch should wait for capacity, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	block.release <- struct{}{}
	if res := rep.result(t); res.TaskID != first.ID {
		t.Fatalf("expected first result, got %s", res.TaskID)
	}
	if err := <-dispatched; err != nil {
		t.Fatalf("Dispatch second: %v", err)
	}
	if id := <-block.started; id != "second" {
		t.Errorf("expected second task to start, got %s", id)
	}
	block.release <- struct{}{}
	rep.result(t)
}

// Контекст доставки отменён, пока задача ждёт места.
func TestDispatch_CapacityWaitCancelled(t *testing.T) {
	block := newBlockingStep()
	w, _ := newTestWorker(t, 1, func(r *steps.Registry) {
		r.MustRegister("block", block)
	})

	if err := w.Dispatch(context.Background(), newTask("block", nil)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	<-block.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Dispatch(ctx, newTask("block", nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

// Повторная доставка выполняющейся задачи не запускает её второй раз.
func TestDispatch_RedeliveryIgnored(t *testing.T) {
	block := newBlockingStep()
	w, rep := newTestWorker(t, 2, func(r *steps.Registry) {
		r.MustRegister("block", block)
	})
	task := newTask("block", nil)

	for i := 0; i < 2; i++ {
		if err := w.Dispatch(context.Background(), task); err != nil {
			t.Fatalf("Dispatch %d: %v", i, err)
		}
	}
	<-block.started
	if w.Running() != 1 {
		t.Errorf("expected one running task, got %d", w.Running())
	}

	close(block.release)
	rep.result(t)
	rep.noResult(t, 50*time.Millisecond)
}

func TestDispatch_AfterStop(t *testing.T) {
	w, _ := newTestWorker(t, 1, nil)
	w.Stop()

	if err := w.Dispatch(context.Background(), newTask(steps.StepTypeWait, nil)); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("expected ErrWorkerStopped, got %v", err)
	}
}

// ============================================================================
// Сообщения очереди и heartbeat
// ============================================================================

// handleMessage разбирает task.dispatch и task.cancel.
func TestHandleMessage_DispatchAndCancel(t *testing.T) {
	block := newBlockingStep()
	w, rep := newTestWorker(t, 1, func(r *steps.Registry) {
		r.MustRegister("block", block)
	})
	task := newTask("block", map[string]any{"x": 1})

	dispatch := &mq.Delivery{Message: mq.Message{ID: "m1", Type: mq.MessageTypeTaskDispatch, Payload: task}}
	if err := w.handleMessage(context.Background(), dispatch); err != nil {
		t.Fatalf("handle dispatch: %v", err)
	}
	if id := <-block.started; id != task.NodeExecutionID {
		t.Errorf("expected node execution %s, got %s", task.NodeExecutionID, id)
	}

	cancel := &mq.Delivery{Message: mq.Message{
		ID:      "m2",
		Type:    mq.MessageTypeTaskCancel,
		Payload: mq.TaskCancelPayload{TaskID: task.ID},
	}}
	if err := w.handleMessage(context.Background(), cancel); err != nil {
		t.Fatalf("handle cancel: %v", err)
	}
	rep.noResult(t, 50*time.Millisecond)
}

func TestHandleMessage_BadPayload(t *testing.T) {
	w, _ := newTestWorker(t, 1, nil)

	d := &mq.Delivery{Message: mq.Message{Type: mq.MessageTypeTaskDispatch, Payload: "not a task"}}
	err := w.handleMessage(context.Background(), d)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !mq.IsPermanent(err) {
		t.Errorf("parse error should not be requeued: %v", err)
	}

	d = &mq.Delivery{Message: mq.Message{Type: mq.MessageTypeEvent, Payload: map[string]any{}}}
	if err = w.handleMessage(context.Background(), d); err != nil {
		t.Errorf("unexpected messages should be acked, got %v", err)
	}
}

// Start без RabbitMQ сразу публикует heartbeat с тегами и ёмкостью.
func TestStart_PublishesHeartbeat(t *testing.T) {
	rep := newFakeReporter()
	w := New(Config{
		ID:                "worker-7",
		Tags:              []string{"gpu", "linux"},
		Capacity:          3,
		HeartbeatInterval: 10 * time.Millisecond,
		Reporter:          rep,
	})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	for i := 0; i < 2; i++ {
		select {
		case hb := <-rep.heartbeats:
			if hb.DelegateID != "worker-7" || hb.Capacity != 3 || len(hb.Tags) != 2 {
				t.Errorf("unexpected heartbeat: %+v", hb)
			}
			if hb.Running != 0 {
				t.Errorf("expected no running tasks, got %d", hb.Running)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for heartbeat %d", i)
		}
	}
}

// Heartbeat перечисляет выполняющиеся задачи: по ним координатор
// сверяет загрузку и находит потерянные задачи.
func TestHeartbeat_ListsRunningTasks(t *testing.T) {
	block := newBlockingStep()
	w, rep := newTestWorker(t, 2, func(r *steps.Registry) {
		r.MustRegister("block", block)
	})
	task := newTask("block", nil)

	if err := w.Dispatch(context.Background(), task); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	<-block.started

	w.sendHeartbeat(context.Background())
	hb := <-rep.heartbeats
	if hb.Running != 1 || len(hb.Tasks) != 1 || hb.Tasks[0] != task.ID {
		t.Errorf("heartbeat running = %d, tasks = %v, want [%s]", hb.Running, hb.Tasks, task.ID)
	}

	close(block.release)
	rep.result(t)
}

func TestStart_RequiresID(t *testing.T) {
	w := New(Config{})
	if err := w.Start(context.Background()); err == nil {
		t.Error("expected error for empty worker id")
	}
}
