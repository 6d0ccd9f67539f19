package events

import (
	"context"
	"log/slog"
)

// LogSink пишет события в slog.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink создаёт LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "events")}
}

// Emit логирует событие. Ошибки узлов пишутся на уровне WARN.
func (s *LogSink) Emit(ctx context.Context, e Event) error {
	attrs := []any{
		"kind", e.Kind,
		"plan_execution_id", e.PlanExecutionID,
		"from", e.From,
		"status", e.Status,
	}
	if e.Kind == KindNode {
		attrs = append(attrs,
			"node_execution_id", e.NodeExecutionID,
			"node_id", e.NodeID,
			"step_type", e.StepType,
		)
	}

	level := slog.LevelInfo
	if e.Failure != nil {
		attrs = append(attrs, "failure_kind", e.Failure.Kind, "failure", e.Failure.Message)
		level = slog.LevelWarn
	}
	if e.Error != "" {
		attrs = append(attrs, "error", e.Error)
		level = slog.LevelWarn
	}

	s.logger.Log(ctx, level, "status changed", attrs...)
	return nil
}
