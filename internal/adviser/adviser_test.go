package adviser

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/registry"
)

func event(status domain.Status, retryCount int, advisers ...domain.Obtainment) *Event {
	node := &domain.Node{ID: "build", Next: "deploy", Advisers: advisers}
	return &Event{
		Node:          node,
		NodeExecution: &domain.NodeExecution{ID: "ne-1", NodeID: node.ID, RetryCount: retryCount},
		FromStatus:    domain.StatusRunning,
		ToStatus:      status,
	}
}

func obtain(adviserType, params string) domain.Obtainment {
	o := domain.Obtainment{Type: adviserType}
	if params != "" {
		o.Parameters = json.RawMessage(params)
	}
	return o
}

func TestDecide_OnSuccess(t *testing.T) {
	reg := DefaultRegistry()

	advise, err := Decide(context.Background(), reg, event(domain.StatusSucceeded, 0, obtain(TypeOnSuccess, "")))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if advise.Type != domain.AdviseNextStep || advise.NextNodeID != "deploy" {
		t.Errorf("unexpected advise %+v", advise)
	}
	if advise.Adviser != TypeOnSuccess {
		t.Errorf("Adviser = %q", advise.Adviser)
	}

	advise, _ = Decide(context.Background(), reg,
		event(domain.StatusSkipped, 0, obtain(TypeOnSuccess, `{"next_node_id": "notify"}`)))
	if advise.NextNodeID != "notify" {
		t.Errorf("NextNodeID = %q, want notify", advise.NextNodeID)
	}
}

// max_attempts=3: три ошибки подряд дают ровно три RETRY, четвёртая — fallback.
func TestRetry_ThreeRetriesThenFallback(t *testing.T) {
	reg := DefaultRegistry()
	ob := obtain(TypeRetry, `{"max_attempts": 3, "fallback": "MANUAL_INTERVENTION"}`)

	var types []domain.AdviseType
	for retry := 0; retry < 4; retry++ {
		advise, err := Decide(context.Background(), reg, event(domain.StatusFailed, retry, ob))
		if err != nil {
			t.Fatalf("attempt %d: %v", retry+1, err)
		}
		types = append(types, advise.Type)
	}

	want := []domain.AdviseType{
		domain.AdviseRetry, domain.AdviseRetry, domain.AdviseRetry, domain.AdviseInterventionWait,
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("advises = %v, want %v", types, want)
		}
	}
}

func TestRetry_ExhaustedFallsThroughToNextAdviser(t *testing.T) {
	reg := DefaultRegistry()
	ev := event(domain.StatusFailed, 2,
		obtain(TypeRetry, `{"max_attempts": 2}`),
		obtain(TypeEndPlan, ""),
	)

	advise, err := Decide(context.Background(), reg, ev)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if advise.Type != domain.AdviseEndPlan || advise.Adviser != TypeEndPlan {
		t.Errorf("unexpected advise %+v", advise)
	}
}

func TestRetry_Backoff(t *testing.T) {
	tests := []struct {
		params  string
		attempt int
		want    time.Duration
	}{
		{`{"backoff": "fixed", "initial_delay": "2s"}`, 3, 2 * time.Second},
		{`{"backoff": "exponential", "initial_delay": "1s"}`, 1, time.Second},
		{`{"backoff": "exponential", "initial_delay": "1s"}`, 3, 4 * time.Second},
		{`{"backoff": "exponential", "initial_delay": "1s", "max_delay": "5s", "max_attempts": 10}`, 6, 5 * time.Second},
		{`{"wait_intervals": ["1s", "10s"], "backoff": "exponential"}`, 1, time.Second},
		{`{"wait_intervals": ["1s", "10s"]}`, 3, 10 * time.Second},
	}

	for _, tt := range tests {
		ev := event(domain.StatusFailed, tt.attempt-1)
		ev.Parameters = json.RawMessage(tt.params)

		advise, err := Retry{}.OnAdviseEvent(context.Background(), ev)
		if err != nil {
			t.Errorf("%s: %v", tt.params, err)
			continue
		}
		if advise.Wait != tt.want {
			t.Errorf("%s attempt %d: wait = %v, want %v", tt.params, tt.attempt, advise.Wait, tt.want)
		}
	}
}

func TestCalculateBackoff_ZeroAttempt(t *testing.T) {
	if got := calculateBackoff(0, "exponential", time.Second, time.Minute); got != time.Second {
		t.Errorf("calculateBackoff(0) = %v, want 1s", got)
	}
}

func TestRetry_IgnoresSuccessAndAbort(t *testing.T) {
	for _, status := range []domain.Status{domain.StatusSucceeded, domain.StatusAborted} {
		if (Retry{}).CanAdvise(event(status, 0)) {
			t.Errorf("retry should not accept %s", status)
		}
	}
	ev := event(domain.StatusAborted, 0)
	ev.Parameters = json.RawMessage(`{"on_statuses": ["ABORTED"]}`)
	if !(Retry{}).CanAdvise(ev) {
		t.Error("on_statuses should override the defaults")
	}
}

func TestInterventionWait(t *testing.T) {
	ev := event(domain.StatusFailed, 0)
	ev.Parameters = json.RawMessage(`{"timeout": "30m", "expiry_action": "ignore"}`)

	advise, err := InterventionWait{}.OnAdviseEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("OnAdviseEvent: %v", err)
	}
	if advise.Type != domain.AdviseInterventionWait || advise.Timeout != 30*time.Minute {
		t.Errorf("unexpected advise %+v", advise)
	}
	if advise.ExpiryAction != domain.InterruptIgnore {
		t.Errorf("ExpiryAction = %s, want IGNORE", advise.ExpiryAction)
	}

	ev.Parameters = json.RawMessage(`{"expiry_action": "explode"}`)
	if _, err := (InterventionWait{}).OnAdviseEvent(context.Background(), ev); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("expected ErrInvalidParameters, got %v", err)
	}
}

func TestEndPlan_Outcomes(t *testing.T) {
	tests := map[string]domain.AdviseType{
		`{}`:                     domain.AdviseEndPlan,
		`{"outcome": "success"}`: domain.AdviseMarkSuccess,
		`{"outcome": "failed"}`:  domain.AdviseMarkFailed,
	}
	for params, want := range tests {
		ev := event(domain.StatusFailed, 0)
		ev.Parameters = json.RawMessage(params)
		advise, err := EndPlan{}.OnAdviseEvent(context.Background(), ev)
		if err != nil {
			t.Errorf("%s: %v", params, err)
			continue
		}
		if advise.Type != want {
			t.Errorf("%s: type = %s, want %s", params, advise.Type, want)
		}
	}
}

func TestIgnoreFailure(t *testing.T) {
	advise, err := Decide(context.Background(), DefaultRegistry(),
		event(domain.StatusExpired, 0, obtain(TypeIgnoreFailure, "")))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if advise.Type != domain.AdviseIgnore || advise.NextNodeID != "deploy" {
		t.Errorf("unexpected advise %+v", advise)
	}
}

// Никто не принял событие — это не фатально, coordinator передаёт статус дальше.
func TestDecide_NoAdviserAccepted(t *testing.T) {
	reg := DefaultRegistry()

	_, err := Decide(context.Background(), reg, event(domain.StatusFailed, 0, obtain(TypeOnSuccess, "")))
	if !errors.Is(err, ErrNoAdviserAccepted) {
		t.Errorf("expected ErrNoAdviserAccepted, got %v", err)
	}

	_, err = Decide(context.Background(), reg, event(domain.StatusFailed, 0))
	if !errors.Is(err, ErrNoAdviserAccepted) {
		t.Errorf("expected ErrNoAdviserAccepted without advisers, got %v", err)
	}
}

func TestDecide_UnregisteredAdviser(t *testing.T) {
	_, err := Decide(context.Background(), DefaultRegistry(),
		event(domain.StatusFailed, 0, obtain("pray", "")))
	if !errors.Is(err, registry.ErrUnregisteredKey) {
		t.Errorf("expected ErrUnregisteredKey, got %v", err)
	}
}
