package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/shaiso/Relay/internal/domain"
)

const (
	// StepTypeRemoteChain — тип шага из цепочки задач делегатам.
	StepTypeRemoteChain = "remote_chain"
)

// RemoteChainStep — последовательность задач делегатам (режим TASK_CHAIN).
//
// Звенья выполняются по порядку. Каждое следующее звено получает
// outputs предыдущего в параметре previous. Ошибка звена обрывает
// цепочку.
//
// Параметры:
//
//	{
//	    "links": [
//	        {"task_type": "http", "parameters": {"url": "https://ci/build"}},
//	        {"task_type": "transform", "selectors": ["linux"], "parameters": {...}}
//	    ]
//	}
type RemoteChainStep struct{}

// NewRemoteChainStep создаёт новый RemoteChainStep.
func NewRemoteChainStep() *RemoteChainStep {
	return &RemoteChainStep{}
}

// Type возвращает тип шага.
func (s *RemoteChainStep) Type() string {
	return StepTypeRemoteChain
}

// chainState — состояние цепочки между раундами.
type chainState struct {
	Index   int              `json:"index"`
	Outputs []map[string]any `json:"outputs,omitempty"`
}

// NextLink возвращает задачу следующего звена.
func (s *RemoteChainStep) NextLink(_ context.Context, in *Input, round int, passThrough json.RawMessage, last *domain.Notification) (*TaskChainLink, error) {
	var params struct {
		Links []taskParams `json:"links"`
	}
	if err := DecodeParameters(in.Parameters, &params); err != nil {
		return nil, err
	}
	if len(params.Links) == 0 {
		return nil, fmt.Errorf("%w: %s: links are required", ErrInvalidConfig, StepTypeRemoteChain)
	}

	state, err := decodeChainState(passThrough)
	if err != nil {
		return nil, err
	}
	if round > 0 {
		if last == nil || !last.OK() {
			return &TaskChainLink{PassThrough: passThrough}, nil
		}
		state.Outputs = append(state.Outputs, last.Outputs)
		state.Index = round
	}

	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	if state.Index >= len(params.Links) {
		return &TaskChainLink{PassThrough: data}, nil
	}

	link := params.Links[state.Index]
	spec, err := link.spec(StepTypeRemoteChain)
	if err != nil {
		return nil, err
	}
	if n := len(state.Outputs); n > 0 {
		spec.Parameters = maps.Clone(spec.Parameters)
		if spec.Parameters == nil {
			spec.Parameters = make(map[string]any)
		}
		spec.Parameters["previous"] = state.Outputs[n-1]
	}
	return &TaskChainLink{Task: spec, PassThrough: data}, nil
}

// FinishChain собирает outputs всех звеньев.
func (s *RemoteChainStep) FinishChain(_ context.Context, _ *Input, passThrough json.RawMessage, last *domain.Notification) (*domain.StepResponse, error) {
	if last != nil && !last.OK() {
		return last.ToStepResponse(), nil
	}

	state, err := decodeChainState(passThrough)
	if err != nil {
		return nil, err
	}
	links := make([]any, 0, len(state.Outputs))
	for _, out := range state.Outputs {
		links = append(links, out)
	}

	outputs := map[string]any{"links": links}
	if n := len(state.Outputs); n > 0 {
		outputs["last"] = state.Outputs[n-1]
	}
	return domain.Succeeded(outputs), nil
}

func decodeChainState(raw json.RawMessage) (chainState, error) {
	var state chainState
	if len(raw) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, fmt.Errorf("%w: chain state: %v", ErrInvalidConfig, err)
	}
	return state, nil
}
