package steps

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shaiso/Relay/internal/barrier"
	"github.com/shaiso/Relay/internal/domain"
)

const (
	// StepTypeBarrier — тип шага барьера.
	StepTypeBarrier = "barrier"

	configBarrierID = "barrier_id"
)

// BarrierStep — ожидание остальных участников барьера (режим ASYNC).
//
// Участники барьера — все узлы плана с типом barrier и одинаковым
// barrier_id. Они регистрируются при старте выполнения плана
// (InitPlan), поэтому барьер знает, сколько участников ждать, ещё до
// прихода первого.
//
// Параметры:
//
//	{"barrier_id": "before-deploy"}
//
// Если участник прерван или его ветка уже не дойдёт до барьера,
// барьер опускается принудительно, и остальные участники завершаются
// с ошибкой BARRIER_ABANDONED.
type BarrierStep struct {
	barriers *barrier.Service
}

// NewBarrierStep создаёт новый BarrierStep.
func NewBarrierStep(barriers *barrier.Service) *BarrierStep {
	return &BarrierStep{barriers: barriers}
}

// Type возвращает тип шага.
func (s *BarrierStep) Type() string {
	return StepTypeBarrier
}

// InitPlan регистрирует всех участников барьеров плана.
func (s *BarrierStep) InitPlan(ctx context.Context, planExecutionID string, plan *domain.Plan) error {
	participants := make(map[string][]string)
	for _, node := range plan.NodesOfType(StepTypeBarrier) {
		id, err := barrierID(node)
		if err != nil {
			return err
		}
		participants[id] = append(participants[id], node.ID)
	}

	for id, nodes := range participants {
		key := barrier.Key(planExecutionID, id)
		for _, nodeID := range nodes {
			if _, err := s.barriers.RegisterParticipant(ctx, key, planExecutionID, nodeID, len(nodes)); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExecuteAsync отмечает приход участника.
func (s *BarrierStep) ExecuteAsync(ctx context.Context, in *Input) (*AsyncResponse, error) {
	id, err := barrierID(in.Node)
	if err != nil {
		return nil, err
	}

	corr := in.CorrelationID("barrier")
	key := barrier.Key(in.Ambiance.PlanExecutionID, id)
	if _, err := s.barriers.Arrive(ctx, key, in.Node.ID, corr); err != nil {
		return nil, err
	}
	return &AsyncResponse{CorrelationIDs: []string{corr}}, nil
}

// Rearm повторяет приход участника после рестарта координатора. Для уже
// опущенного барьера Arrive сразу присылает исход на тот же correlation ID.
func (s *BarrierStep) Rearm(ctx context.Context, in *Input) error {
	_, err := s.ExecuteAsync(ctx, in)
	return err
}

// HandleAsyncResponse превращает исход барьера в результат шага.
func (s *BarrierStep) HandleAsyncResponse(_ context.Context, in *Input, results map[string]*domain.Notification) (*domain.StepResponse, error) {
	n, ok := results[in.CorrelationID("barrier")]
	if !ok {
		return nil, fmt.Errorf("barrier %s: no result", in.Node.ID)
	}
	return n.ToStepResponse(), nil
}

// OnAbort опускает барьер, если участник прерван до прихода.
func (s *BarrierStep) OnAbort(ctx context.Context, in *Input) error {
	return s.abandon(ctx, in.Ambiance.PlanExecutionID, in.Node, "participant aborted")
}

// OnUnreachable опускает барьер, если ветка участника уже не дойдёт до него.
func (s *BarrierStep) OnUnreachable(ctx context.Context, planExecutionID string, node *domain.Node) error {
	return s.abandon(ctx, planExecutionID, node, "participant unreachable")
}

func (s *BarrierStep) abandon(ctx context.Context, planExecutionID string, node *domain.Node, reason string) error {
	id, err := barrierID(node)
	if err != nil {
		return err
	}
	_, err = s.barriers.AbandonIfNotArrived(ctx, barrier.Key(planExecutionID, id), node.ID, reason)
	return err
}

func barrierID(node *domain.Node) (string, error) {
	var params struct {
		BarrierID string `json:"barrier_id"`
	}
	if len(node.StepParameters) > 0 {
		if err := json.Unmarshal(node.StepParameters, &params); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrInvalidConfig, StepTypeBarrier, err)
		}
	}
	if params.BarrierID == "" {
		return "", fmt.Errorf("%w: %s: %s is required (node %s)", ErrInvalidConfig, StepTypeBarrier, configBarrierID, node.ID)
	}
	return params.BarrierID, nil
}
