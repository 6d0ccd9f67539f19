// Relay Coordinator — ведёт выполнения планов.
//
// Coordinator:
//   - Получает новые выполнения, interrupt'ы и уведомления из RabbitMQ
//   - Активирует узлы, применяет советы адвайзеров и таймауты
//   - Распределяет TASK-шаги по воркерам и следит за их heartbeat
//   - Запускает планы по cron-триггерам из RELAY_CONFIG
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Relay/internal/barrier"
	"github.com/shaiso/Relay/internal/blob"
	"github.com/shaiso/Relay/internal/config"
	"github.com/shaiso/Relay/internal/coordinator"
	"github.com/shaiso/Relay/internal/delegate"
	"github.com/shaiso/Relay/internal/events"
	"github.com/shaiso/Relay/internal/mq"
	"github.com/shaiso/Relay/internal/notify"
	"github.com/shaiso/Relay/internal/repo"
	"github.com/shaiso/Relay/internal/restraint"
	"github.com/shaiso/Relay/internal/steps"
	"github.com/shaiso/Relay/internal/telemetry"
	"github.com/shaiso/Relay/internal/timeout"
	"github.com/shaiso/Relay/internal/trigger"
)

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting relay-coordinator")

	if err := run(logger); err != nil {
		logger.Error("relay-coordinator failed", "error", err)
		os.Exit(1)
	}
	logger.Info("relay-coordinator stopped")
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.TraceStdout {
		if err := telemetry.SetupTracing("relay-coordinator", os.Stdout); err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer telemetry.ShutdownTracing(context.Background())
	}

	// DB pool
	pool, err := repo.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info("database connected")

	if err := repo.Migrate(ctx, pool, logger); err != nil {
		return err
	}

	// RabbitMQ
	var publisher *mq.Publisher
	mqConn, err := mq.NewConnection(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		mqConn = nil
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		publisher = mq.NewPublisher(mqConn, logger)
	}

	// Общий Notifier: через него приходят результаты барьеров,
	// ресурсов, воркеров и внешних систем
	notifier := notify.New(notify.Config{Logger: logger})

	restraints := restraint.New(restraint.Config{
		Store:    repo.NewRestraintRepo(pool),
		Notifier: notifier,
		Logger:   logger,
	})
	if cfg.File != nil {
		for _, r := range cfg.File.Resources {
			if err := restraints.DefineResource(ctx, r.Key, r.Capacity); err != nil {
				return fmt.Errorf("define resource %s: %w", r.Key, err)
			}
		}
	}

	barriers := barrier.New(barrier.Config{
		Store:    repo.NewBarrierRepo(pool),
		Notifier: notifier,
		Logger:   logger,
	})

	timeoutStore := repo.NewTimeoutRepo(pool)
	timeouts := timeout.New(timeout.Config{
		Registry: timeout.DefaultRegistry(),
		Store:    timeoutStore,
		Logger:   logger,
	})

	// Делегаты: без брокера задачи отправлять некуда
	var dispatcher *delegate.Dispatcher
	if publisher != nil {
		dispatcher = delegate.NewDispatcher(delegate.Config{
			Pool:                delegate.NewPool(logger),
			Store:               repo.NewDelegateTaskRepo(pool),
			Transport:           mq.NewTaskTransport(publisher),
			Notifier:            notifier,
			Logger:              logger,
			DefaultQueueTimeout: cfg.Coordinator.TaskQueueTimeout,
			HeartbeatTTL:        cfg.Coordinator.HeartbeatTTL,
		})
		if err := dispatcher.Restore(ctx); err != nil {
			return err
		}
		dispatcher.Start(ctx)
		defer dispatcher.Stop()
	}

	// События: лог всегда, AMQP и MQTT если настроены
	sinks := events.Multi{events.NewLogSink(logger)}
	if publisher != nil {
		sinks = append(sinks, events.NewAMQPSink(publisher))
	}
	if cfg.MQTT.BrokerURL != "" {
		mqttSink := events.NewMQTTSink(events.MQTTConfig{
			BrokerURL: cfg.MQTT.BrokerURL,
			ClientID:  cfg.MQTT.ClientID,
		})
		if err := mqttSink.Connect(); err != nil {
			logger.Warn("MQTT broker not available, events sink disabled", "error", err)
		} else {
			defer mqttSink.Close()
			sinks = append(sinks, mqttSink)
		}
	}

	// Крупные outputs
	var outputs coordinator.OutputStore
	if cfg.Blob.Enabled {
		store, err := blob.NewMinioStore(cfg.Blob.Store)
		if err != nil {
			return fmt.Errorf("create blob store: %w", err)
		}
		if err := store.EnsureBucket(ctx, cfg.Blob.Store.Region); err != nil {
			return fmt.Errorf("ensure bucket: %w", err)
		}
		outputs = store
	}

	stepRegistry := steps.DefaultRegistry(steps.Deps{
		Barriers:   barriers,
		Restraints: restraints,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	})

	coordCfg := coordinator.Config{
		Plans:              repo.NewPlanRepo(pool),
		Executions:         repo.NewPlanExecutionRepo(pool),
		Nodes:              repo.NewNodeExecutionRepo(pool),
		Steps:              stepRegistry,
		Timeouts:           timeouts,
		TimeoutStore:       timeoutStore,
		Restraints:         restraints,
		Barriers:           barriers,
		Notifier:           notifier,
		Outputs:            outputs,
		InlineOutputsLimit: cfg.Coordinator.InlineOutputs,
		Events:             sinks,
		Conn:               mqConn,
		PollInterval:       cfg.Coordinator.PollInterval,
		Logger:             logger,
	}
	if dispatcher != nil {
		coordCfg.Dispatcher = dispatcher
	}
	coord := coordinator.New(coordCfg)

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer coord.Stop()

	// Cron-триггеры
	var triggers []config.Trigger
	if cfg.File != nil {
		triggers = cfg.File.Triggers
	}
	sched, err := trigger.New(trigger.Config{
		Triggers: triggers,
		Starter:  coord,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", telemetry.MetricsHandler())
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
