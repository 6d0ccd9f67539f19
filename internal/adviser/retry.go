package adviser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shaiso/Relay/internal/domain"
)

// TypeRetry — тип адвайзера повторов.
const TypeRetry = "retry"

// Значения по умолчанию.
const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 30 * time.Second
)

// Retry повторяет упавший узел до max_attempts раз.
//
// Параметры:
//
//	{
//	    "max_attempts": 3,
//	    "backoff": "exponential",          // или "fixed"
//	    "initial_delay": "1s",
//	    "max_delay": "30s",
//	    "wait_intervals": ["5s", "30s"],   // явный список, важнее backoff
//	    "on_statuses": ["FAILED"],
//	    "fallback": "MANUAL_INTERVENTION", // после исчерпания попыток
//	    "intervention_timeout": "1h",
//	    "expiry_action": "ABORT"
//	}
//
// Номер попытки берётся из NodeExecution.RetryCount. Без fallback
// адвайзер после исчерпания попыток не принимает событие, и решение
// переходит к следующему адвайзеру узла.
type Retry struct{}

type retryParams struct {
	MaxAttempts         int      `json:"max_attempts"`
	Backoff             string   `json:"backoff"`
	InitialDelay        string   `json:"initial_delay"`
	MaxDelay            string   `json:"max_delay"`
	WaitIntervals       []string `json:"wait_intervals"`
	OnStatuses          []string `json:"on_statuses"`
	Fallback            string   `json:"fallback"`
	InterventionTimeout string   `json:"intervention_timeout"`
	ExpiryAction        string   `json:"expiry_action"`
}

func (p *retryParams) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return p.MaxAttempts
}

// Type возвращает тип адвайзера.
func (Retry) Type() string { return TypeRetry }

// CanAdvise принимает ошибки, пока есть попытки или задан fallback.
func (Retry) CanAdvise(ev *Event) bool {
	var params retryParams
	if err := decode(ev.Parameters, &params); err != nil {
		// Сломанные параметры всплывут ошибкой из OnAdviseEvent
		return ev.ToStatus.IsFailure()
	}
	if !statusMatches(ev.ToStatus, params.OnStatuses, failureStatuses) {
		return false
	}
	return retryCount(ev) < params.maxAttempts() || params.Fallback != ""
}

// OnAdviseEvent советует RETRY с задержкой или fallback.
func (Retry) OnAdviseEvent(_ context.Context, ev *Event) (*domain.Advise, error) {
	var params retryParams
	if err := decode(ev.Parameters, &params); err != nil {
		return nil, err
	}

	attempt := retryCount(ev) + 1
	if attempt <= params.maxAttempts() {
		wait, err := params.wait(attempt)
		if err != nil {
			return nil, err
		}
		return &domain.Advise{
			Type:   domain.AdviseRetry,
			Wait:   wait,
			Reason: fmt.Sprintf("retry %d of %d", attempt, params.maxAttempts()),
		}, nil
	}

	timeout, err := parseOptionalDuration("intervention_timeout", params.InterventionTimeout)
	if err != nil {
		return nil, err
	}
	advise, err := fallbackAdvise(params.Fallback, ev, timeout, params.ExpiryAction)
	if err != nil {
		return nil, err
	}
	advise.Reason = fmt.Sprintf("retries exhausted after %d attempts", params.maxAttempts())
	return advise, nil
}

// wait вычисляет задержку перед попыткой attempt (с 1).
func (p *retryParams) wait(attempt int) (time.Duration, error) {
	if n := len(p.WaitIntervals); n > 0 {
		idx := attempt - 1
		if idx >= n {
			idx = n - 1
		}
		return parseOptionalDuration("wait_intervals", p.WaitIntervals[idx])
	}

	initialDelay, err := parseOptionalDuration("initial_delay", p.InitialDelay)
	if err != nil {
		return 0, err
	}
	if initialDelay <= 0 {
		initialDelay = defaultInitialDelay
	}
	maxDelay, err := parseOptionalDuration("max_delay", p.MaxDelay)
	if err != nil {
		return 0, err
	}
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}

	return calculateBackoff(attempt, p.Backoff, initialDelay, maxDelay), nil
}

// calculateBackoff вычисляет задержку перед повтором.
func calculateBackoff(attempt int, backoff string, initialDelay, maxDelay time.Duration) time.Duration {
	var delay time.Duration
	switch strings.ToLower(backoff) {
	case "exponential":
		// delay = initialDelay * 2^(attempt-1)
		delay = initialDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
				break
			}
		}
	default:
		// "fixed" или неизвестный — используем initialDelay
		delay = initialDelay
	}

	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func retryCount(ev *Event) int {
	if ev.NodeExecution == nil {
		return 0
	}
	return ev.NodeExecution.RetryCount
}

// fallbackAdvise строит совет по имени действия.
func fallbackAdvise(action string, ev *Event, timeout time.Duration, expiryAction string) (*domain.Advise, error) {
	switch strings.ToUpper(action) {
	case "MANUAL_INTERVENTION", string(domain.AdviseInterventionWait):
		expiry, err := parseExpiryAction(expiryAction)
		if err != nil {
			return nil, err
		}
		return &domain.Advise{Type: domain.AdviseInterventionWait, Timeout: timeout, ExpiryAction: expiry}, nil
	case string(domain.AdviseEndPlan):
		return &domain.Advise{Type: domain.AdviseEndPlan}, nil
	case string(domain.AdviseIgnore):
		return &domain.Advise{Type: domain.AdviseIgnore, NextNodeID: ev.Node.Next}, nil
	case string(domain.AdviseMarkFailed):
		return &domain.Advise{Type: domain.AdviseMarkFailed}, nil
	case string(domain.AdviseMarkSuccess):
		return &domain.Advise{Type: domain.AdviseMarkSuccess}, nil
	default:
		return nil, fmt.Errorf("%w: unknown fallback %q", ErrInvalidParameters, action)
	}
}

// parseExpiryAction разбирает действие по истечении ожидания оператора.
// По умолчанию узел прерывается.
func parseExpiryAction(action string) (domain.InterruptType, error) {
	if action == "" {
		return domain.InterruptAbort, nil
	}
	t := domain.InterruptType(strings.ToUpper(action))
	switch t {
	case domain.InterruptAbort, domain.InterruptRetry, domain.InterruptIgnore,
		domain.InterruptMarkSuccess, domain.InterruptMarkFailed:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown expiry action %q", ErrInvalidParameters, action)
	}
}

func parseOptionalDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: %s: invalid duration %q", ErrInvalidParameters, field, value)
	}
	return d, nil
}
