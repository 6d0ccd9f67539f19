package delegate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/telemetry"
)

// Значения по умолчанию.
const (
	defaultTickInterval = time.Second
	defaultQueueTimeout = 5 * time.Minute
	defaultHeartbeatTTL = 30 * time.Second
)

// Result — ответ воркера по задаче.
type Result struct {
	TaskID     uuid.UUID         `json:"task_id"`
	DelegateID string            `json:"delegate_id"`
	Status     domain.TaskStatus `json:"status"`
	Outputs    map[string]any    `json:"outputs,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Progress — промежуточный отчёт воркера.
type Progress struct {
	TaskID     uuid.UUID      `json:"task_id"`
	DelegateID string         `json:"delegate_id"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
}

// Dispatcher распределяет задачи TASK-шагов по воркерам.
//
// Задача сначала сохраняется в QUEUED, затем диспетчер выбирает
// воркера по Criteria. Если подходящего нет, задача ждёт в очереди
// до ExpiresAt: каждый тик и каждый heartbeat повторяют попытку.
// По истечении срока узел получает FAILED с NO_ELIGIBLE_WORKERS.
type Dispatcher struct {
	pool       *Pool
	store      TaskStore
	transport  Transport
	notifier   Notifier
	criteria   Criteria
	onProgress func(Progress)
	logger     *slog.Logger
	now        func() time.Time

	tickInterval        time.Duration
	defaultQueueTimeout time.Duration
	heartbeatTTL        time.Duration

	// mu сериализует изменения задач: тик, результаты и отправка
	// не должны гоняться за одной задачей.
	mu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// Config — конфигурация Dispatcher.
type Config struct {
	Pool       *Pool
	Store      TaskStore
	Transport  Transport
	Notifier   Notifier
	Criteria   Criteria // default: DefaultCriteria(HeartbeatTTL)
	OnProgress func(Progress)
	Logger     *slog.Logger
	Now        func() time.Time

	TickInterval        time.Duration // default: 1s
	DefaultQueueTimeout time.Duration // default: 5m
	HeartbeatTTL        time.Duration // default: 30s
}

// NewDispatcher создаёт новый Dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = defaultTickInterval
	}
	queueTimeout := cfg.DefaultQueueTimeout
	if queueTimeout <= 0 {
		queueTimeout = defaultQueueTimeout
	}
	ttl := cfg.HeartbeatTTL
	if ttl <= 0 {
		ttl = defaultHeartbeatTTL
	}
	criteria := cfg.Criteria
	if len(criteria) == 0 {
		criteria = DefaultCriteria(ttl)
	}
	pool := cfg.Pool
	if pool == nil {
		pool = NewPool(logger)
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryTaskStore()
	}

	return &Dispatcher{
		pool:                pool,
		store:               store,
		transport:           cfg.Transport,
		notifier:            cfg.Notifier,
		criteria:            criteria,
		onProgress:          cfg.OnProgress,
		logger:              logger,
		now:                 now,
		tickInterval:        tick,
		defaultQueueTimeout: queueTimeout,
		heartbeatTTL:        ttl,
	}
}

// Pool возвращает пул воркеров.
func (d *Dispatcher) Pool() *Pool {
	return d.pool
}

// Submit ставит задачу в очередь и сразу пытается её отправить.
func (d *Dispatcher) Submit(ctx context.Context, planExecutionID uuid.UUID, nodeExecutionID, correlationID string, spec *domain.TaskSpec) (*domain.DelegateTask, error) {
	if spec == nil || spec.Type == "" {
		return nil, errors.New("task spec: type is required")
	}

	now := d.now()
	timeout := spec.QueueTimeout
	if timeout <= 0 {
		timeout = d.defaultQueueTimeout
	}

	task := &domain.DelegateTask{
		ID:              uuid.New(),
		PlanExecutionID: planExecutionID,
		NodeExecutionID: nodeExecutionID,
		CorrelationID:   correlationID,
		Type:            spec.Type,
		Parameters:      spec.Parameters,
		Selectors:       spec.Selectors,
		Status:          domain.TaskStatusQueued,
		ExpiresAt:       now.Add(timeout),
		CreatedAt:       now,
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.store.Save(ctx, task); err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}

	d.logger.Info("task queued",
		"task_id", task.ID,
		"task_type", task.Type,
		"node_execution_id", nodeExecutionID,
		"selectors", task.Selectors,
	)

	if err := d.tryDispatch(ctx, task); err != nil {
		return nil, err
	}
	d.updateQueuedGauge(ctx)
	return task, nil
}

// Heartbeat обновляет пул, сверяет задачи воркера с его отчётом и
// пытается раздать ждущие задачи.
func (d *Dispatcher) Heartbeat(ctx context.Context, hb Heartbeat) error {
	now := d.now()
	d.pool.Heartbeat(hb, now)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.reconcile(ctx, hb, now); err != nil {
		return err
	}
	return d.dispatchQueued(ctx)
}

// reconcile сверяет задачи DISPATCHED воркера с heartbeat. Задача, которую
// воркер не называет дольше heartbeatTTL после отправки, потеряна
// (воркер перезапустился, не успев ответить) и возвращается в очередь.
// Более свежие задачи могут быть ещё в пути к воркеру и не трогаются.
// Load воркера приводится к числу оставшихся за ним задач.
// Вызывается под d.mu.
func (d *Dispatcher) reconcile(ctx context.Context, hb Heartbeat, now time.Time) error {
	tasks, err := d.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active tasks: %w", err)
	}

	reported := make(map[uuid.UUID]bool, len(hb.Tasks))
	for _, id := range hb.Tasks {
		reported[id] = true
	}

	var lost []*domain.DelegateTask
	assigned := 0
	for _, task := range tasks {
		if task.Status != domain.TaskStatusDispatched || task.DelegateID != hb.DelegateID {
			continue
		}
		stale := task.DispatchedAt != nil && now.Sub(*task.DispatchedAt) > d.heartbeatTTL
		if !reported[task.ID] && stale {
			lost = append(lost, task)
			continue
		}
		assigned++
	}
	d.pool.SetLoad(hb.DelegateID, assigned)

	for _, task := range lost {
		if err := d.requeue(ctx, task, now); err != nil {
			return err
		}
		d.logger.Warn("task requeued, delegate no longer runs it", "task_id", task.ID, "delegate_id", hb.DelegateID)
	}
	return nil
}

// Tick выполняет один проход диспетчера.
//
// 1. Помечает отключёнными воркеров без heartbeat и возвращает их задачи в очередь
// 2. Завершает просроченные задачи с NO_ELIGIBLE_WORKERS
// 3. Пытается отправить оставшиеся задачи из очереди
func (d *Dispatcher) Tick(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()

	// 1. Потерянные воркеры
	lost := d.pool.Reap(now, d.heartbeatTTL)
	if len(lost) > 0 {
		if err := d.requeueLost(ctx, lost, now); err != nil {
			return err
		}
	}

	// 2-3. Очередь
	return d.dispatchQueued(ctx)
}

// dispatchQueued обходит задачи в QUEUED: просроченные завершает,
// остальные пытается отправить. Вызывается под d.mu.
func (d *Dispatcher) dispatchQueued(ctx context.Context) error {
	tasks, err := d.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active tasks: %w", err)
	}

	now := d.now()
	for _, task := range tasks {
		if task.Status != domain.TaskStatusQueued {
			continue
		}
		if !now.Before(task.ExpiresAt) {
			if err := d.expire(ctx, task); err != nil {
				d.logger.Error("failed to expire task", "task_id", task.ID, "error", err)
			}
			continue
		}
		if err := d.tryDispatch(ctx, task); err != nil {
			d.logger.Error("failed to dispatch task", "task_id", task.ID, "error", err)
		}
	}

	d.updateQueuedGauge(ctx)
	return nil
}

// tryDispatch выбирает воркера и отправляет задачу. Отсутствие
// подходящего воркера не ошибка: задача остаётся в очереди.
func (d *Dispatcher) tryDispatch(ctx context.Context, task *domain.DelegateTask) error {
	delegate, ok := d.pool.SelectAndAssign(d.criteria, Request{Selectors: task.Selectors, Now: d.now()})
	if !ok {
		d.logger.Debug("no eligible delegate yet", "task_id", task.ID, "selectors", task.Selectors)
		return nil
	}

	task.MarkDispatched(delegate.ID, d.now())
	if err := d.store.Save(ctx, task); err != nil {
		d.pool.Release(delegate.ID)
		return fmt.Errorf("save dispatched task: %w", err)
	}

	if d.transport != nil {
		if err := d.transport.Send(ctx, delegate.ID, task); err != nil {
			// Воркер не получил задачу: возвращаем её в очередь
			d.pool.Release(delegate.ID)
			task.ResetForRequeue()
			if saveErr := d.store.Save(ctx, task); saveErr != nil {
				return fmt.Errorf("requeue task after send failure: %w", saveErr)
			}
			d.logger.Warn("failed to send task, requeued",
				"task_id", task.ID,
				"delegate_id", delegate.ID,
				"error", err,
			)
			return nil
		}
	}

	telemetry.DelegateTasksDispatched.WithLabelValues(task.Type).Inc()
	d.logger.Info("task dispatched",
		"task_id", task.ID,
		"delegate_id", delegate.ID,
		"attempt", task.Attempt,
	)
	return nil
}

// expire завершает задачу, для которой не нашлось воркера.
func (d *Dispatcher) expire(ctx context.Context, task *domain.DelegateTask) error {
	reason := fmt.Sprintf("%s: selectors %v, waited until %s",
		ErrNoEligibleWorkers, task.Selectors, task.ExpiresAt.Format(time.RFC3339))

	task.MarkExpired(reason)
	if err := d.store.Save(ctx, task); err != nil {
		return fmt.Errorf("save expired task: %w", err)
	}

	d.logger.Warn("task expired in queue", "task_id", task.ID, "selectors", task.Selectors)
	d.notify(&domain.Notification{
		CorrelationID: task.CorrelationID,
		Status:        domain.StatusFailed,
		Failure:       &domain.FailureInfo{Kind: domain.FailureNoEligibleWorkers, Message: reason},
	})
	return nil
}

// requeueLost возвращает в очередь задачи потерянных воркеров.
// Окно ожидания отсчитывается заново от момента потери.
func (d *Dispatcher) requeueLost(ctx context.Context, lost []string, now time.Time) error {
	tasks, err := d.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active tasks: %w", err)
	}

	gone := make(map[string]bool, len(lost))
	for _, id := range lost {
		gone[id] = true
	}

	for _, task := range tasks {
		if task.Status != domain.TaskStatusDispatched || !gone[task.DelegateID] {
			continue
		}
		from := task.DelegateID
		if err := d.requeue(ctx, task, now); err != nil {
			return err
		}
		d.logger.Warn("task requeued after delegate loss", "task_id", task.ID, "delegate_id", from)
	}
	return nil
}

// requeue возвращает задачу в QUEUED; окно ожидания отсчитывается заново.
func (d *Dispatcher) requeue(ctx context.Context, task *domain.DelegateTask, now time.Time) error {
	window := task.ExpiresAt.Sub(task.CreatedAt)
	if window <= 0 {
		window = d.defaultQueueTimeout
	}
	task.ResetForRequeue()
	task.ExpiresAt = now.Add(window)
	if err := d.store.Save(ctx, task); err != nil {
		return fmt.Errorf("requeue task %s: %w", task.ID, err)
	}
	return nil
}

// HandleResult принимает ответ воркера. Повторный ответ по
// завершённой задаче игнорируется.
func (d *Dispatcher) HandleResult(ctx context.Context, res Result) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, err := d.store.Get(ctx, res.TaskID)
	if err != nil {
		return fmt.Errorf("get task %s: %w", res.TaskID, err)
	}

	if task.IsFinished() {
		d.logger.Debug("duplicate task result ignored", "task_id", task.ID, "status", task.Status)
		return nil
	}
	if task.Status != domain.TaskStatusDispatched || task.DelegateID != res.DelegateID {
		return fmt.Errorf("%w: task %s, delegate %s", ErrUnknownDelegate, task.ID, res.DelegateID)
	}

	var n *domain.Notification
	switch res.Status {
	case domain.TaskStatusSucceeded:
		task.MarkSucceeded(res.Outputs)
		n = &domain.Notification{CorrelationID: task.CorrelationID, Status: domain.StatusSucceeded, Outputs: res.Outputs}
	default:
		msg := res.Error
		if msg == "" {
			msg = fmt.Sprintf("delegate reported %s", res.Status)
		}
		task.MarkFailed(msg)
		n = &domain.Notification{
			CorrelationID: task.CorrelationID,
			Status:        domain.StatusFailed,
			Outputs:       res.Outputs,
			Failure:       &domain.FailureInfo{Kind: domain.FailureApplication, Message: msg},
		}
	}

	if err := d.store.Save(ctx, task); err != nil {
		return fmt.Errorf("save task result: %w", err)
	}
	d.pool.Release(res.DelegateID)

	d.logger.Info("task finished",
		"task_id", task.ID,
		"delegate_id", res.DelegateID,
		"status", task.Status,
		"duration", task.Duration(),
	)
	d.notify(n)

	// Освободилась ёмкость: раздаём очередь
	return d.dispatchQueued(ctx)
}

// HandleProgress передаёт промежуточный отчёт подписчику.
func (d *Dispatcher) HandleProgress(_ context.Context, p Progress) {
	d.logger.Debug("task progress", "task_id", p.TaskID, "delegate_id", p.DelegateID, "message", p.Message)
	if d.onProgress != nil {
		d.onProgress(p)
	}
}

// Cancel прерывает незавершённые задачи узла. Уведомление не
// отправляется: узел прерывает сам coordinator.
func (d *Dispatcher) Cancel(ctx context.Context, nodeExecutionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tasks, err := d.store.FindByNodeExecution(ctx, nodeExecutionID)
	if err != nil {
		return fmt.Errorf("find tasks: %w", err)
	}

	for _, task := range tasks {
		delegateID := task.DelegateID
		wasDispatched := task.Status == domain.TaskStatusDispatched

		task.MarkAborted()
		if err := d.store.Save(ctx, task); err != nil {
			return fmt.Errorf("save aborted task: %w", err)
		}

		if wasDispatched {
			d.pool.Release(delegateID)
			if d.transport != nil {
				if err := d.transport.Cancel(ctx, delegateID, task.ID); err != nil {
					d.logger.Warn("failed to send task cancel", "task_id", task.ID, "delegate_id", delegateID, "error", err)
				}
			}
		}
		d.logger.Info("task aborted", "task_id", task.ID, "node_execution_id", nodeExecutionID)
	}

	d.updateQueuedGauge(ctx)
	return nil
}

// Restore восстанавливает загрузку пула после рестарта по задачам в DISPATCHED.
func (d *Dispatcher) Restore(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tasks, err := d.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active tasks: %w", err)
	}

	var dispatched int
	for _, task := range tasks {
		if task.Status == domain.TaskStatusDispatched {
			d.pool.Assign(task.DelegateID)
			dispatched++
		}
	}

	d.logger.Info("dispatcher restored", "active", len(tasks), "dispatched", dispatched)
	d.updateQueuedGauge(ctx)
	return nil
}

// Start запускает периодический Tick в фоне.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)

		ticker := time.NewTicker(d.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.Tick(ctx); err != nil {
					d.logger.Error("dispatcher tick failed", "error", err)
				}
			}
		}
	}()

	d.logger.Info("dispatcher started", "tick_interval", d.tickInterval)
}

// Stop останавливает фоновый цикл и ждёт его завершения.
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) notify(n *domain.Notification) {
	if d.notifier == nil {
		return
	}
	if !d.notifier.Notify(n) {
		d.logger.Warn("task result has no waiting node", "correlation_id", n.CorrelationID)
	}
}

func (d *Dispatcher) updateQueuedGauge(ctx context.Context) {
	tasks, err := d.store.ListActive(ctx)
	if err != nil {
		return
	}
	queued := 0
	for _, t := range tasks {
		if t.Status == domain.TaskStatusQueued {
			queued++
		}
	}
	telemetry.DelegateTasksQueued.Set(float64(queued))
}
