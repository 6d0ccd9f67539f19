package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/shaiso/Relay/internal/delegate"
	"github.com/shaiso/Relay/internal/mq"
	"github.com/shaiso/Relay/internal/steps"
	"github.com/shaiso/Relay/internal/telemetry"
)

// Default configuration values.
const (
	defaultCapacity          = 4
	defaultHeartbeatInterval = 5 * time.Second
)

// Reporter отправляет координатору результаты, прогресс и heartbeat.
// *mq.Publisher удовлетворяет этому интерфейсу.
type Reporter interface {
	PublishTaskResult(ctx context.Context, res delegate.Result) error
	PublishTaskProgress(ctx context.Context, progress delegate.Progress) error
	PublishHeartbeat(ctx context.Context, hb delegate.Heartbeat) error
}

// Worker — агент делегата.
type Worker struct {
	id                string
	tags              []string
	capacity          int
	heartbeatInterval time.Duration

	steps    *steps.Registry
	reporter Reporter
	conn     *mq.Connection

	// Одновременно выполняемые задачи
	sem     *semaphore.Weighted
	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc

	consumer *mq.Consumer

	// Lifecycle
	logger     *slog.Logger
	ctx        context.Context
	cancelFunc context.CancelFunc
	group      errgroup.Group
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	// ID — идентификатор воркера, он же суффикс очереди delegate.<id>.
	ID string

	// Tags — теги, по которым координатор подбирает задачи.
	Tags []string

	// Capacity — сколько задач выполнять одновременно (default: 4).
	Capacity int

	// HeartbeatInterval — период heartbeat (default: 5s).
	HeartbeatInterval time.Duration

	// Steps — реестр шагов (опционально; если nil — steps.SyncRegistry(nil)).
	Steps *steps.Registry

	Reporter Reporter

	// Conn — соединение с RabbitMQ. Без него воркер не слушает очередь,
	// задачи передаются через Dispatch.
	Conn *mq.Connection

	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}

	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}

	registry := cfg.Steps
	if registry == nil {
		registry = steps.SyncRegistry(nil)
	}
	registry.Freeze()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		id:                cfg.ID,
		tags:              cfg.Tags,
		capacity:          capacity,
		heartbeatInterval: interval,
		steps:             registry,
		reporter:          cfg.Reporter,
		conn:              cfg.Conn,
		sem:               semaphore.NewWeighted(int64(capacity)),
		running:           make(map[uuid.UUID]context.CancelFunc),
		logger:            telemetry.WithDelegateID(logger, cfg.ID),
		ctx:               context.Background(),
	}
}

// ID возвращает идентификатор воркера.
func (w *Worker) ID() string {
	return w.id
}

// Start запускает Worker.
//
// Запускает:
//   - Consumer очереди delegate.<id> (если задан Conn)
//   - Цикл heartbeat
func (w *Worker) Start(ctx context.Context) error {
	if w.id == "" {
		return errors.New("worker id is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	w.ctx = ctx
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"tags", w.tags,
		"capacity", w.capacity,
		"heartbeat_interval", w.heartbeatInterval,
	)

	if w.conn != nil {
		if err := mq.DeclareDelegateQueue(ctx, w.conn, w.id); err != nil {
			cancel()
			return fmt.Errorf("declare delegate queue: %w", err)
		}

		w.consumer = mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
			Queue:    mq.DelegateQueue(w.id),
			Handler:  w.handleMessage,
			Prefetch: w.capacity,
		})

		w.group.Go(func() error {
			if err := w.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("delegate consumer error", "error", err)
			}
			return nil
		})
	}

	w.group.Go(func() error {
		w.heartbeatLoop(ctx)
		return nil
	})

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker и отменяет выполняющиеся задачи.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}

	if w.consumer != nil {
		w.consumer.Stop()
	}

	w.mu.Lock()
	for _, cancel := range w.running {
		cancel()
	}
	w.mu.Unlock()

	// Ждём завершения горутин
	_ = w.group.Wait()

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}

// Running возвращает число выполняющихся задач.
func (w *Worker) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.running)
}

// runningTasks возвращает ID выполняющихся задач.
func (w *Worker) runningTasks() []uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(w.running))
	for id := range w.running {
		ids = append(ids, id)
	}
	return ids
}

// heartbeatLoop публикует heartbeat сразу и затем раз в интервал.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	w.sendHeartbeat(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sendHeartbeat(ctx)
		}
	}
}

func (w *Worker) sendHeartbeat(ctx context.Context) {
	if w.reporter == nil {
		return
	}

	tasks := w.runningTasks()
	hb := delegate.Heartbeat{
		DelegateID: w.id,
		Tags:       w.tags,
		Capacity:   w.capacity,
		Running:    len(tasks),
		SentAt:     time.Now().UTC(),
		Tasks:      tasks,
	}
	if err := w.reporter.PublishHeartbeat(ctx, hb); err != nil && ctx.Err() == nil {
		w.logger.Warn("failed to publish heartbeat", "error", err)
	}
}
