package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/Relay/internal/domain"
)

const (
	// StepTypeRemote — тип шага, выполняемого делегатом.
	StepTypeRemote = "remote"
)

// RemoteStep — отправляет работу делегату (режим TASK).
//
// Параметры:
//
//	{
//	    "task_type": "http",
//	    "selectors": ["linux", "docker"],
//	    "queue_timeout": "5m",
//	    "parameters": {"url": "https://example.com"}
//	}
//
// Делегат выбирается среди тех, у кого есть все selectors. Если
// подходящего нет дольше queue_timeout, шаг завершается с ошибкой
// NO_ELIGIBLE_WORKERS.
type RemoteStep struct{}

// NewRemoteStep создаёт новый RemoteStep.
func NewRemoteStep() *RemoteStep {
	return &RemoteStep{}
}

// Type возвращает тип шага.
func (s *RemoteStep) Type() string {
	return StepTypeRemote
}

// taskParams — параметры задачи делегату.
type taskParams struct {
	TaskType     string         `json:"task_type"`
	Selectors    []string       `json:"selectors"`
	QueueTimeout string         `json:"queue_timeout"`
	Parameters   map[string]any `json:"parameters"`
}

func (p *taskParams) spec(stepType string) (*domain.TaskSpec, error) {
	if p.TaskType == "" {
		return nil, fmt.Errorf("%w: %s: task_type is required", ErrInvalidConfig, stepType)
	}
	spec := &domain.TaskSpec{
		Type:       p.TaskType,
		Parameters: p.Parameters,
		Selectors:  p.Selectors,
	}
	if p.QueueTimeout != "" {
		d, err := time.ParseDuration(p.QueueTimeout)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: invalid queue_timeout %q", ErrInvalidConfig, stepType, p.QueueTimeout)
		}
		spec.QueueTimeout = d
	}
	return spec, nil
}

// ObtainTask описывает задачу.
func (s *RemoteStep) ObtainTask(_ context.Context, in *Input) (*domain.TaskSpec, error) {
	var params taskParams
	if err := DecodeParameters(in.Parameters, &params); err != nil {
		return nil, err
	}
	return params.spec(StepTypeRemote)
}

// HandleTaskResult возвращает результат делегата как есть.
func (s *RemoteStep) HandleTaskResult(_ context.Context, _ *Input, result *domain.Notification) (*domain.StepResponse, error) {
	return result.ToStepResponse(), nil
}
