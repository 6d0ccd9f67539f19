package domain

import "errors"

// ErrInvalidTransition — попытка перевести NodeExecution по ребру,
// которого нет в таблице переходов.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status — статус выполнения узла (NodeExecution).
//
// Жизненный цикл:
//
//	QUEUED → RUNNING → SUCCEEDED | FAILED | ABORTED | EXPIRED | SKIPPED
//	         RUNNING → PAUSED  → RUNNING | ABORTED | FAILED | EXPIRED
//	         RUNNING → WAITING → RUNNING | ABORTED | EXPIRED
//	QUEUED → ABORTED
//
// Терминальный статус больше никогда не меняется.
type Status string

const (
	// StatusQueued — узел создан, но ещё не запущен.
	StatusQueued Status = "QUEUED"

	// StatusRunning — шаг выполняется (или готовится к выполнению).
	StatusRunning Status = "RUNNING"

	// StatusWaiting — ожидаем внешний ответ: async callback, задачу
	// делегата или завершение дочерних узлов.
	StatusWaiting Status = "WAITING"

	// StatusPaused — узел на паузе (ожидание вмешательства оператора).
	StatusPaused Status = "PAUSED"

	// StatusSucceeded — шаг завершился успешно.
	StatusSucceeded Status = "SUCCEEDED"

	// StatusFailed — шаг завершился ошибкой.
	StatusFailed Status = "FAILED"

	// StatusAborted — узел прерван (оператором или при раскрутке плана).
	StatusAborted Status = "ABORTED"

	// StatusExpired — сработал таймаут узла.
	StatusExpired Status = "EXPIRED"

	// StatusSkipped — узел пропущен по skip condition.
	StatusSkipped Status = "SKIPPED"
)

// IsTerminal возвращает true, если статус финальный.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusAborted, StatusExpired, StatusSkipped:
		return true
	default:
		return false
	}
}

// IsPositive возвращает true для успешных терминальных статусов.
func (s Status) IsPositive() bool {
	return s == StatusSucceeded || s == StatusSkipped
}

// IsFailure возвращает true для неуспешных терминальных статусов.
func (s Status) IsFailure() bool {
	switch s {
	case StatusFailed, StatusAborted, StatusExpired:
		return true
	default:
		return false
	}
}

// transitions — допустимые переходы между статусами.
var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusAborted},
	StatusRunning: {StatusWaiting, StatusPaused, StatusSucceeded, StatusFailed, StatusAborted, StatusExpired, StatusSkipped},
	StatusWaiting: {StatusRunning, StatusAborted, StatusExpired},
	StatusPaused:  {StatusRunning, StatusAborted, StatusFailed, StatusExpired},
}

// CanTransition проверяет, разрешён ли переход from → to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseStatus парсит строку в Status.
// Неизвестные значения возвращаются как есть, валидацию делает CanTransition.
func ParseStatus(s string) Status {
	return Status(s)
}

// PlanStatus — статус выполнения плана (PlanExecution).
//
// Жизненный цикл:
//
//	PENDING → RUNNING ⇄ PAUSED
//	          RUNNING → SUCCEEDED | FAILED | ABORTED | EXPIRED
type PlanStatus string

const (
	// PlanStatusPending — выполнение создано, но coordinator его ещё не взял.
	PlanStatusPending PlanStatus = "PENDING"

	// PlanStatusRunning — план выполняется.
	PlanStatusRunning PlanStatus = "RUNNING"

	// PlanStatusPaused — оператор поставил весь план на паузу.
	PlanStatusPaused PlanStatus = "PAUSED"

	// PlanStatusSucceeded — план завершён успешно.
	PlanStatusSucceeded PlanStatus = "SUCCEEDED"

	// PlanStatusFailed — план завершён с ошибкой.
	PlanStatusFailed PlanStatus = "FAILED"

	// PlanStatusAborted — план прерван оператором.
	PlanStatusAborted PlanStatus = "ABORTED"

	// PlanStatusExpired — план прерван таймаутом.
	PlanStatusExpired PlanStatus = "EXPIRED"
)

// IsTerminal возвращает true, если статус финальный.
func (s PlanStatus) IsTerminal() bool {
	switch s {
	case PlanStatusSucceeded, PlanStatusFailed, PlanStatusAborted, PlanStatusExpired:
		return true
	default:
		return false
	}
}

// PlanStatusFor сводит терминальный статус узла к статусу плана.
func PlanStatusFor(s Status) PlanStatus {
	switch s {
	case StatusSucceeded, StatusSkipped:
		return PlanStatusSucceeded
	case StatusAborted:
		return PlanStatusAborted
	case StatusExpired:
		return PlanStatusExpired
	default:
		return PlanStatusFailed
	}
}
