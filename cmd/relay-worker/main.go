// Relay Worker — делегат, выполняющий TASK-шаги.
//
// Worker:
//   - Объявляет свою очередь delegate.{id} в RabbitMQ
//   - Выполняет задачи синхронными шагами (http, wait, transform)
//   - Отправляет heartbeat с тегами и ёмкостью
//   - Отправляет результаты и прогресс coordinator'у
//
// Воркеры масштабируются горизонтально: каждому нужен уникальный ID.
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

	"github.com/shaiso/Relay/internal/config"
	"github.com/shaiso/Relay/internal/mq"
	"github.com/shaiso/Relay/internal/steps"
	"github.com/shaiso/Relay/internal/telemetry"
	"github.com/shaiso/Relay/internal/worker"
)

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting relay-worker")

	if err := run(logger); err != nil {
		logger.Error("relay-worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("relay-worker stopped")
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
		if err := telemetry.SetupTracing("relay-worker", os.Stdout); err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer telemetry.ShutdownTracing(context.Background())
	}

	id := cfg.Worker.ID
	if id == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("RELAY_WORKER_ID is not set and hostname is unavailable: %w", err)
		}
		id = host
	}
	logger = telemetry.WithDelegateID(logger, id)

	// RabbitMQ: без брокера воркеру неоткуда брать задачи
	mqConn, err := mq.NewConnection(cfg.RabbitMQURL, logger)
	if err != nil {
		return fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	defer mqConn.Close()
	logger.Info("RabbitMQ connected")

	if err := mq.SetupTopology(ctx, mqConn); err != nil {
		return fmt.Errorf("setup topology: %w", err)
	}

	w := worker.New(worker.Config{
		ID:                id,
		Tags:              cfg.Worker.Tags,
		Capacity:          cfg.Worker.Capacity,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		Steps:             steps.SyncRegistry(&http.Client{Timeout: 30 * time.Second}),
		Reporter:          mq.NewPublisher(mqConn, logger),
		Conn:              mqConn,
		Logger:            logger,
	})

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		if w.IsStopped() || !mqConn.IsConnected() {
			rw.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(http.StatusOK)
		fmt.Fprintf(rw, "ok running=%d", w.Running())
	})
	mux.Handle("/metrics", telemetry.MetricsHandler())

	addr := config.String("RELAY_WORKER_HTTP_ADDR", ":8082")
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	w.Stop()
	return nil
}
