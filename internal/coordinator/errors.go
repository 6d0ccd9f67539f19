package coordinator

import "errors"

// Ошибки coordinator'а.
var (
	// ErrPlanNotFound — план не найден.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrPlanExecutionNotFound — выполнение плана не найдено.
	ErrPlanExecutionNotFound = errors.New("plan execution not found")

	// ErrNodeExecutionNotFound — выполнение узла не найдено.
	ErrNodeExecutionNotFound = errors.New("node execution not found")

	// ErrAlreadyActive — выполнение уже обрабатывается этим coordinator'ом.
	ErrAlreadyActive = errors.New("plan execution already active")

	// ErrDuplicateIdempotencyKey — ключ идемпотентности уже занят другим выполнением.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrNotActive — выполнение не обрабатывается (завершено или не загружено).
	ErrNotActive = errors.New("plan execution not active")

	// ErrInvalidInterrupt — interrupt неприменим к текущему состоянию.
	ErrInvalidInterrupt = errors.New("invalid interrupt")

	// ErrVersionConflict — запись изменена другим писателем.
	ErrVersionConflict = errors.New("version conflict")

	// ErrCoordinatorStopped — coordinator остановлен.
	ErrCoordinatorStopped = errors.New("coordinator stopped")
)
