package domain

import "time"

// AdviseType — что coordinator должен сделать после завершения шага.
type AdviseType string

const (
	// AdviseNextStep — перейти к следующему узлу ветки (или завершить ветку).
	AdviseNextStep AdviseType = "NEXT_STEP"

	// AdviseRetry — повторить узел новой попыткой.
	AdviseRetry AdviseType = "RETRY"

	// AdviseInterventionWait — поставить узел на паузу до решения оператора.
	AdviseInterventionWait AdviseType = "INTERVENTION_WAIT"

	// AdviseEndPlan — завершить весь план с терминальным статусом узла.
	AdviseEndPlan AdviseType = "END_PLAN"

	// AdviseMarkSuccess — завершить план успешно.
	AdviseMarkSuccess AdviseType = "MARK_SUCCESS"

	// AdviseMarkFailed — завершить план с ошибкой.
	AdviseMarkFailed AdviseType = "MARK_FAILED"

	// AdviseIgnore — пометить ошибку узла проигнорированной и идти дальше.
	AdviseIgnore AdviseType = "IGNORE"
)

// Advise — решение адвайзера.
type Advise struct {
	Type AdviseType `json:"type"`

	// Adviser — тип адвайзера, который дал совет.
	Adviser string `json:"adviser,omitempty"`

	// NextNodeID — следующий узел для NEXT_STEP и IGNORE.
	NextNodeID string `json:"next_node_id,omitempty"`

	// Wait — задержка перед повтором для RETRY.
	Wait time.Duration `json:"wait,omitempty"`

	// Timeout — сколько ждать оператора для INTERVENTION_WAIT (0 — бесконечно).
	Timeout time.Duration `json:"timeout,omitempty"`

	// ExpiryAction — что сделать, если оператор не ответил за Timeout.
	ExpiryAction InterruptType `json:"expiry_action,omitempty"`

	// Reason — пояснение для логов и UI.
	Reason string `json:"reason,omitempty"`
}
