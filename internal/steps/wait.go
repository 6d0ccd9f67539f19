package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/Relay/internal/domain"
)

const (
	// StepTypeWait — тип шага ожидания.
	StepTypeWait = "wait"

	// Ключи конфигурации wait.
	configDuration    = "duration"
	configDurationSec = "duration_sec"
	configDurationMs  = "duration_ms"
)

// WaitStep — шаг ожидания (режим SYNC).
//
// Приостанавливает ветку на указанное время.
// Поддерживает graceful shutdown через context cancellation.
//
// Параметры:
//
//	{"duration": "1m30s"}   // или
//	{"duration_sec": 10}    // или
//	{"duration_ms": 5000}
type WaitStep struct{}

// NewWaitStep создаёт новый WaitStep.
func NewWaitStep() *WaitStep {
	return &WaitStep{}
}

// Type возвращает тип шага.
func (s *WaitStep) Type() string {
	return StepTypeWait
}

// ExecuteSync выполняет ожидание.
func (s *WaitStep) ExecuteSync(ctx context.Context, in *Input) (*domain.StepResponse, error) {
	duration, err := s.parseDuration(in.Parameters)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		// Контекст отменён — graceful shutdown
		return nil, fmt.Errorf("%w: %v", ErrStepCancelled, ctx.Err())
	case <-timer.C:
		return domain.Succeeded(map[string]any{
			"duration_ms": duration.Milliseconds(),
		}), nil
	}
}

// parseDuration извлекает длительность из параметров.
func (s *WaitStep) parseDuration(config map[string]any) (time.Duration, error) {
	if raw := GetConfigString(config, configDuration); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return 0, fmt.Errorf("%w: %s: invalid duration %q", ErrInvalidConfig, StepTypeWait, raw)
		}
		return d, nil
	}

	if sec := GetConfigInt(config, configDurationSec); sec > 0 {
		return time.Duration(sec) * time.Second, nil
	}

	if ms := GetConfigInt(config, configDurationMs); ms > 0 {
		return time.Duration(ms) * time.Millisecond, nil
	}

	return 0, fmt.Errorf("%w: %s: duration, duration_sec or duration_ms required",
		ErrInvalidConfig, StepTypeWait)
}
