package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/shaiso/Relay/internal/ambiance"
)

// LogLevel читает LOG_LEVEL (debug, info, warn, error в любом регистре).
// Нераспознанное значение даёт INFO.
func LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(os.Getenv("LOG_LEVEL")))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// SetupLogger создаёт логгер процесса в stdout и делает его глобальным.
// LOG_FORMAT=text включает текстовый вывод, иначе пишется JSON.
func SetupLogger() *slog.Logger {
	logger := NewLogger(os.Stdout, os.Getenv("LOG_FORMAT"), LogLevel())
	slog.SetDefault(logger)
	return logger
}

// NewLogger собирает логгер с заданным форматом и уровнем.
// На уровне DEBUG в запись добавляется источник.
func NewLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

type loggerKey struct{}

// WithLogger кладёт логгер в контекст вызова шага.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext возвращает логгер вызова или slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithAmbiance добавляет к логгеру поля ambiance узла.
func WithAmbiance(logger *slog.Logger, amb ambiance.Ambiance) *slog.Logger {
	return logger.With(amb.LogAttrs()...)
}

func WithPlanExecutionID(logger *slog.Logger, id string) *slog.Logger {
	return logger.With("plan_execution_id", id)
}

func WithTaskID(logger *slog.Logger, id string) *slog.Logger {
	return logger.With("task_id", id)
}

func WithDelegateID(logger *slog.Logger, id string) *slog.Logger {
	return logger.With("delegate_id", id)
}
