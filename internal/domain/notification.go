package domain

// Notification — результат, доставляемый по correlation ID.
//
// Источники: делегаты (результат задачи), барьеры (опускание),
// ресурсные ограничения (заявка стала ACTIVE) и внешние системы.
type Notification struct {
	CorrelationID string         `json:"correlation_id"`
	Status        Status         `json:"status"`
	Outputs       map[string]any `json:"outputs,omitempty"`
	Failure       *FailureInfo   `json:"failure,omitempty"`
}

// OK возвращает true для успешного уведомления.
func (n *Notification) OK() bool {
	return n.Status.IsPositive()
}

// ToStepResponse превращает уведомление в StepResponse как есть.
func (n *Notification) ToStepResponse() *StepResponse {
	if n.OK() {
		return Succeeded(n.Outputs)
	}
	failure := n.Failure
	if failure == nil {
		failure = &FailureInfo{Kind: FailureApplication, Message: "callback reported failure"}
	}
	status := n.Status
	if !status.IsTerminal() {
		status = StatusFailed
	}
	return &StepResponse{Status: status, Outputs: n.Outputs, Failure: failure}
}
