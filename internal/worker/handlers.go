package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/ambiance"
	"github.com/shaiso/Relay/internal/delegate"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/engine"
	"github.com/shaiso/Relay/internal/mq"
	"github.com/shaiso/Relay/internal/steps"
	"github.com/shaiso/Relay/internal/telemetry"
)

// handleMessage обрабатывает сообщение из очереди delegate.<id>.
func (w *Worker) handleMessage(ctx context.Context, delivery *mq.Delivery) error {
	switch delivery.Message.Type {
	case mq.MessageTypeTaskDispatch:
		task, err := mq.ParsePayload[domain.DelegateTask](&delivery.Message)
		if err != nil {
			w.logger.Error("failed to parse task.dispatch payload", "error", err)
			return err
		}
		return w.Dispatch(ctx, &task)

	case mq.MessageTypeTaskCancel:
		payload, err := mq.ParsePayload[mq.TaskCancelPayload](&delivery.Message)
		if err != nil {
			w.logger.Error("failed to parse task.cancel payload", "error", err)
			return err
		}
		w.Cancel(payload.TaskID)
		return nil

	default:
		w.logger.Warn("unexpected message in delegate queue", "type", delivery.Message.Type)
		return nil
	}
}

// Dispatch принимает задачу к выполнению.
//
// Если все места заняты, вызов ждёт освобождения. Повторная доставка
// уже выполняющейся задачи игнорируется.
func (w *Worker) Dispatch(ctx context.Context, task *domain.DelegateTask) error {
	if w.IsStopped() {
		return ErrWorkerStopped
	}

	w.mu.Lock()
	_, dup := w.running[task.ID]
	w.mu.Unlock()
	if dup {
		w.logger.Debug("task already running, redelivery ignored", "task_id", task.ID)
		return nil
	}

	if err := w.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for capacity: %w", err)
	}

	taskCtx, cancel := context.WithCancel(w.ctx)

	w.mu.Lock()
	if _, dup := w.running[task.ID]; dup {
		w.mu.Unlock()
		cancel()
		w.sem.Release(1)
		return nil
	}
	w.running[task.ID] = cancel
	w.mu.Unlock()

	w.group.Go(func() error {
		defer w.sem.Release(1)
		defer func() {
			w.mu.Lock()
			delete(w.running, task.ID)
			w.mu.Unlock()
			cancel()
		}()
		w.run(taskCtx, task)
		return nil
	})
	return nil
}

// Cancel отменяет выполняющуюся задачу. Результат по ней не публикуется:
// координатор уже считает её прерванной.
func (w *Worker) Cancel(taskID uuid.UUID) bool {
	w.mu.Lock()
	cancel, ok := w.running[taskID]
	w.mu.Unlock()

	if !ok {
		w.logger.Debug("cancel for unknown task ignored", "task_id", taskID)
		return false
	}
	cancel()
	w.logger.Info("task cancelled", "task_id", taskID)
	return true
}

// run выполняет задачу и публикует результат.
func (w *Worker) run(ctx context.Context, task *domain.DelegateTask) {
	logger := telemetry.WithTaskID(w.logger, task.ID.String())
	started := time.Now()

	logger.Info("task started",
		"type", task.Type,
		"node_execution_id", task.NodeExecutionID,
		"attempt", task.Attempt,
	)
	w.progress(ctx, task, "started", map[string]any{"attempt": task.Attempt})

	resp, err := w.execute(ctx, task)
	if ctx.Err() != nil {
		logger.Info("task interrupted", "duration", time.Since(started))
		telemetry.WorkerTasks.WithLabelValues(task.Type, string(domain.TaskStatusAborted)).Inc()
		return
	}

	res := delegate.Result{TaskID: task.ID, DelegateID: w.id}
	switch {
	case err != nil:
		res.Status = domain.TaskStatusFailed
		res.Error = err.Error()
	case resp.Status.IsPositive():
		res.Status = domain.TaskStatusSucceeded
		res.Outputs = resp.Outputs
	default:
		res.Status = domain.TaskStatusFailed
		res.Outputs = resp.Outputs
		res.Error = fmt.Sprintf("step finished with %s", resp.Status)
		if resp.Failure != nil {
			res.Error = resp.Failure.Message
		}
	}
	telemetry.WorkerTasks.WithLabelValues(task.Type, string(res.Status)).Inc()

	if res.Status == domain.TaskStatusSucceeded {
		logger.Info("task succeeded", "duration", time.Since(started))
	} else {
		logger.Warn("task failed", "duration", time.Since(started), "error", res.Error)
	}

	if w.reporter == nil {
		logger.Warn("reporter not available, skipping task.result publish")
		return
	}
	if err := w.reporter.PublishTaskResult(ctx, res); err != nil {
		logger.Error("failed to publish task result", "error", err)
	}
}

// execute вызывает синхронный шаг задачи.
func (w *Worker) execute(ctx context.Context, task *domain.DelegateTask) (*domain.StepResponse, error) {
	step, err := w.steps.Get(task.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, task.Type)
	}
	exec, ok := step.(steps.SyncExecutable)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotSyncStep, task.Type)
	}

	amb := ambiance.New("", task.PlanExecutionID.String()).WithLevel(ambiance.Level{
		RuntimeID: task.NodeExecutionID,
		StepType:  task.Type,
	})
	in := &steps.Input{
		Ambiance:        amb,
		NodeExecutionID: task.NodeExecutionID,
		Parameters:      task.Parameters,
		Template:        engine.NewContext(nil),
	}

	spanCtx, span := telemetry.StartStepSpan(ctx, amb, "DELEGATE")
	resp, err := exec.ExecuteSync(spanCtx, in)
	telemetry.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("step returned no response")
	}
	return resp, nil
}

func (w *Worker) progress(ctx context.Context, task *domain.DelegateTask, msg string, data map[string]any) {
	if w.reporter == nil {
		return
	}
	p := delegate.Progress{TaskID: task.ID, DelegateID: w.id, Message: msg, Data: data}
	if err := w.reporter.PublishTaskProgress(ctx, p); err != nil && ctx.Err() == nil {
		w.logger.Warn("failed to publish task progress", "task_id", task.ID, "error", err)
	}
}
