package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/adviser"
	"github.com/shaiso/Relay/internal/barrier"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/engine"
	"github.com/shaiso/Relay/internal/events"
	"github.com/shaiso/Relay/internal/facilitator"
	"github.com/shaiso/Relay/internal/mq"
	"github.com/shaiso/Relay/internal/notify"
	"github.com/shaiso/Relay/internal/restraint"
	"github.com/shaiso/Relay/internal/steps"
	"github.com/shaiso/Relay/internal/telemetry"
	"github.com/shaiso/Relay/internal/timeout"
)

// Default configuration values.
const (
	defaultPollInterval       = 10 * time.Second
	defaultBatchSize          = 100
	defaultInlineOutputsLimit = 64 << 10
)

// Coordinator управляет выполнением планов.
//
// Каждое активное выполнение обслуживает свой execution: очередь
// событий, которые обрабатываются строго по одному. Результаты шагов,
// уведомления, таймауты и interrupt'ы попадают в эту очередь, поэтому
// состояние выполнения никогда не меняется конкурентно.
//
// Coordinator:
//   - Получает новые выполнения из очереди RabbitMQ (event-driven)
//   - Периодически подхватывает незавершённые выполнения из БД (polling fallback)
//   - Восстанавливает выполнения после рестарта
//   - Принимает interrupt'ы оператора и внешние уведомления
type Coordinator struct {
	// Stores
	plans      PlanStore
	executions PlanExecutionStore
	nodes      NodeExecutionStore

	// Registries
	steps        *steps.Registry
	facilitators *facilitator.Registry
	advisers     *adviser.Registry

	// Services
	timeouts     *timeout.Engine
	timeoutStore timeout.Store
	restraints   *restraint.Service
	barriers     *barrier.Service
	notifier     *notify.Notifier
	dispatcher   TaskDispatcher

	// Outputs
	outputs     OutputStore
	inlineLimit int

	events events.Sink

	// MQ
	conn      *mq.Connection
	consumers []*mq.Consumer

	// Active executions (planExecutionID → execution)
	active map[uuid.UUID]*execution
	mu     sync.RWMutex

	// Configuration
	pollInterval time.Duration
	batchSize    int
	onFatal      func(error)
	now          func() time.Time

	// Lifecycle
	logger     *slog.Logger
	runCtx     context.Context
	runCancel  context.CancelFunc
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Coordinator.
type Config struct {
	// Stores
	Plans      PlanStore
	Executions PlanExecutionStore
	Nodes      NodeExecutionStore

	// Registries (default: встроенные фасилитаторы и адвайзеры)
	Steps        *steps.Registry
	Facilitators *facilitator.Registry
	Advisers     *adviser.Registry

	// Services
	Timeouts     *timeout.Engine    // default: движок с DefaultRegistry и TimeoutStore
	TimeoutStore timeout.Store      // для восстановления таймаутов после рестарта
	Restraints   *restraint.Service // опционально: освобождение ресурсов
	Barriers     *barrier.Service   // опционально: опускание барьеров плана
	Notifier     *notify.Notifier   // default: новый Notifier
	Dispatcher   TaskDispatcher     // опционально: режимы TASK и TASK_CHAIN

	// Outputs крупнее InlineOutputsLimit уходят в Outputs (если задан).
	Outputs            OutputStore
	InlineOutputsLimit int // default: 64 KiB

	// Events получает переходы узлов и планов (default: events.Discard).
	Events events.Sink

	// MQ (опционально: без соединения работает только polling)
	Conn *mq.Connection

	// Polling configuration
	PollInterval time.Duration // интервал polling (default: 10s)
	BatchSize    int           // количество выполнений за один poll (default: 100)

	// OnFatal вызывается, если состояние нельзя сохранить
	// (default: лог и завершение процесса).
	OnFatal func(error)

	Now    func() time.Time
	Logger *slog.Logger
}

// New создаёт новый Coordinator.
func New(cfg Config) *Coordinator {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	inlineLimit := cfg.InlineOutputsLimit
	if inlineLimit <= 0 {
		inlineLimit = defaultInlineOutputsLimit
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "coordinator")

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	facilitators := cfg.Facilitators
	if facilitators == nil {
		facilitators = facilitator.DefaultRegistry()
	}
	advisers := cfg.Advisers
	if advisers == nil {
		advisers = adviser.DefaultRegistry()
	}

	// После старта реестры только читаются
	facilitators.Freeze()
	advisers.Freeze()
	if cfg.Steps != nil {
		cfg.Steps.Freeze()
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.New(notify.Config{Logger: logger})
	}

	timeouts := cfg.Timeouts
	if timeouts == nil {
		timeouts = timeout.New(timeout.Config{
			Registry: timeout.DefaultRegistry(),
			Store:    cfg.TimeoutStore,
			Now:      now,
			Logger:   logger,
		})
	}

	sink := cfg.Events
	if sink == nil {
		sink = events.Discard
	}

	onFatal := cfg.OnFatal
	if onFatal == nil {
		onFatal = func(err error) {
			logger.Error("unrecoverable state error, exiting", "error", err)
			os.Exit(1)
		}
	}

	runCtx, runCancel := context.WithCancel(context.Background())

	return &Coordinator{
		plans:        cfg.Plans,
		executions:   cfg.Executions,
		nodes:        cfg.Nodes,
		steps:        cfg.Steps,
		facilitators: facilitators,
		advisers:     advisers,
		timeouts:     timeouts,
		timeoutStore: cfg.TimeoutStore,
		restraints:   cfg.Restraints,
		barriers:     cfg.Barriers,
		notifier:     notifier,
		dispatcher:   cfg.Dispatcher,
		outputs:      cfg.Outputs,
		inlineLimit:  inlineLimit,
		events:       sink,
		conn:         cfg.Conn,
		active:       make(map[uuid.UUID]*execution),
		pollInterval: pollInterval,
		batchSize:    batchSize,
		onFatal:      onFatal,
		now:          now,
		logger:       logger,
		runCtx:       runCtx,
		runCancel:    runCancel,
	}
}

// Notifier возвращает Notifier coordinator'а.
func (c *Coordinator) Notifier() *notify.Notifier {
	return c.notifier
}

// Start запускает Coordinator.
//
// Запускает:
//   - Consumers для очередей executions.*, delegates.* и notifications (если есть соединение)
//   - Polling горутину; первый poll восстанавливает незавершённые выполнения
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	c.logger.Info("starting coordinator",
		"poll_interval", c.pollInterval,
		"batch_size", c.batchSize,
		"amqp", c.conn != nil,
	)

	if c.conn != nil {
		c.startConsumers(ctx)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.releaseOrphanedRestraints(ctx)
		c.pollLoop(ctx)
	}()

	return nil
}

// Stop останавливает Coordinator.
//
// Выполнения остаются в хранилище в текущем состоянии и будут
// восстановлены следующим запуском.
func (c *Coordinator) Stop() {
	c.stoppedMu.Lock()
	c.stopped = true
	c.stoppedMu.Unlock()

	c.logger.Info("stopping coordinator")

	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	for _, consumer := range c.consumers {
		consumer.Stop()
	}
	c.runCancel()

	c.wg.Wait()
	c.logger.Info("coordinator stopped")
}

func (c *Coordinator) isStopped() bool {
	c.stoppedMu.RLock()
	defer c.stoppedMu.RUnlock()
	return c.stopped
}

// pollLoop периодически подхватывает незавершённые выполнения.
func (c *Coordinator) pollLoop(ctx context.Context) {
	c.poll(ctx)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

// poll загружает незавершённые выполнения, которые ещё не активны.
func (c *Coordinator) poll(ctx context.Context) {
	pes, err := c.executions.ListUnfinished(ctx, c.batchSize)
	if err != nil {
		c.logger.Error("failed to list unfinished executions", "error", err)
		return
	}

	for _, pe := range pes {
		if c.isActive(pe.ID) {
			continue
		}
		if err := c.Resume(ctx, pe.ID); err != nil && !errors.Is(err, ErrAlreadyActive) {
			c.logger.Error("failed to resume execution",
				"plan_execution_id", pe.ID,
				"error", err,
			)
		}
	}
}

// StartExecution создаёт выполнение плана и запускает его.
//
// Если idempotencyKey уже встречался, возвращается существующее
// выполнение без повторного запуска.
func (c *Coordinator) StartExecution(ctx context.Context, planID uuid.UUID, inputs map[string]any, idempotencyKey string) (*domain.PlanExecution, error) {
	if c.isStopped() {
		return nil, ErrCoordinatorStopped
	}

	if idempotencyKey != "" {
		existing, err := c.executions.GetByIdempotencyKey(ctx, idempotencyKey)
		if err == nil {
			c.logger.Info("execution already exists for idempotency key",
				"idempotency_key", idempotencyKey,
				"plan_execution_id", existing.ID,
			)
			return existing, nil
		}
		if !errors.Is(err, ErrPlanExecutionNotFound) {
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	plan, err := c.loadPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	pe := domain.NewPlanExecution(plan, inputs)
	pe.IdempotencyKey = idempotencyKey
	if err := c.executions.Create(ctx, pe); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			// Параллельный запуск с тем же ключом успел первым
			return c.executions.GetByIdempotencyKey(ctx, idempotencyKey)
		}
		return nil, fmt.Errorf("create plan execution: %w", err)
	}

	c.logger.Info("plan execution created",
		"plan_execution_id", pe.ID,
		"plan_id", plan.ID,
		"plan", plan.Name,
	)

	snapshot := *pe
	if err := c.launch(pe, plan); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Resume берёт в работу выполнение из хранилища: PENDING запускается,
// RUNNING и PAUSED восстанавливаются. Завершённые выполнения пропускаются.
func (c *Coordinator) Resume(ctx context.Context, planExecutionID uuid.UUID) error {
	if c.isStopped() {
		return ErrCoordinatorStopped
	}
	if c.isActive(planExecutionID) {
		return ErrAlreadyActive
	}

	pe, err := c.executions.Get(ctx, planExecutionID)
	if err != nil {
		return err
	}
	if pe.IsFinished() {
		return nil
	}

	plan, err := c.loadPlan(ctx, pe.PlanID)
	if err != nil {
		c.failUnloadable(ctx, pe, err)
		return err
	}
	return c.launch(pe, plan)
}

// loadPlan загружает план и проверяет его граф.
func (c *Coordinator) loadPlan(ctx context.Context, planID uuid.UUID) (*domain.Plan, error) {
	plan, err := c.plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if _, err := engine.Validate(plan, nil); err != nil {
		return nil, fmt.Errorf("plan %s: %w", planID, err)
	}
	return plan, nil
}

// failUnloadable завершает выполнение, план которого нельзя загрузить.
func (c *Coordinator) failUnloadable(ctx context.Context, pe *domain.PlanExecution, cause error) {
	if errors.Is(cause, context.Canceled) {
		return
	}
	from := pe.Status
	pe.MarkFinished(domain.PlanStatusFailed, cause.Error())
	if err := c.executions.Update(ctx, pe); err != nil {
		c.logger.Error("failed to mark execution failed", "plan_execution_id", pe.ID, "error", err)
		return
	}
	telemetry.PlanExecutionsFinished.WithLabelValues(string(pe.Status)).Inc()
	c.emit(events.PlanEvent(pe, from, c.now()))
}

// launch регистрирует execution и запускает его цикл.
func (c *Coordinator) launch(pe *domain.PlanExecution, plan *domain.Plan) error {
	graph, err := engine.BuildGraph(plan)
	if err != nil {
		return fmt.Errorf("plan %s: %w", plan.ID, err)
	}

	c.mu.Lock()
	if _, ok := c.active[pe.ID]; ok {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	e := newExecution(c, pe, plan, graph)
	c.active[pe.ID] = e
	c.mu.Unlock()

	if pe.Status == domain.PlanStatusPending {
		e.post(e.begin)
	} else {
		e.post(e.recover)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		e.run(c.runCtx)
		c.removeActive(pe.ID)
	}()
	return nil
}

// Interrupt применяет interrupt к активному выполнению и ждёт результата.
func (c *Coordinator) Interrupt(ctx context.Context, intr domain.Interrupt) error {
	if intr.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidInterrupt)
	}
	if !intr.Type.IsPlanWide() && intr.NodeExecutionID == "" {
		return fmt.Errorf("%w: %s requires node_execution_id", ErrInvalidInterrupt, intr.Type)
	}
	if intr.Source == "" {
		intr.Source = domain.SourceOperator
	}

	e := c.getActive(intr.PlanExecutionID)
	if e == nil {
		if _, err := c.executions.Get(ctx, intr.PlanExecutionID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrNotActive, intr.PlanExecutionID)
	}

	result := make(chan error, 1)
	if !e.post(func() { result <- e.applyInterrupt(intr) }) {
		return fmt.Errorf("%w: %s", ErrNotActive, intr.PlanExecutionID)
	}

	select {
	case err := <-result:
		return err
	case <-e.done:
		select {
		case err := <-result:
			return err
		default:
			return fmt.Errorf("%w: %s", ErrNotActive, intr.PlanExecutionID)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait ждёт завершения выполнения и возвращает его итоговое состояние.
func (c *Coordinator) Wait(ctx context.Context, planExecutionID uuid.UUID) (*domain.PlanExecution, error) {
	if e := c.getActive(planExecutionID); e != nil {
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	pe, err := c.executions.Get(ctx, planExecutionID)
	if err != nil {
		return nil, err
	}
	if !pe.IsFinished() && c.isStopped() {
		return pe, ErrCoordinatorStopped
	}
	return pe, nil
}

// Notify доставляет внешний результат по correlation ID.
func (c *Coordinator) Notify(n *domain.Notification) bool {
	return c.notifier.Notify(n)
}

// IsActive проверяет, обрабатывается ли выполнение.
func (c *Coordinator) IsActive(planExecutionID uuid.UUID) bool {
	return c.isActive(planExecutionID)
}

func (c *Coordinator) isActive(id uuid.UUID) bool {
	return c.getActive(id) != nil
}

func (c *Coordinator) getActive(id uuid.UUID) *execution {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active[id]
}

func (c *Coordinator) removeActive(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, id)
}

// emit отправляет событие; ошибка доставки только логируется.
func (c *Coordinator) emit(e events.Event) {
	if err := c.events.Emit(c.runCtx, e); err != nil {
		c.logger.Warn("failed to emit event",
			"kind", e.Kind,
			"status", e.Status,
			"error", err,
		)
	}
}
