package delegate

import "errors"

// Ошибки диспетчера задач.
var (
	// ErrNoEligibleWorkers — за время ожидания не нашлось воркера
	// с нужными тегами и свободной ёмкостью.
	ErrNoEligibleWorkers = errors.New("no eligible delegate")

	// ErrTaskNotFound — задача не найдена.
	ErrTaskNotFound = errors.New("delegate task not found")

	// ErrUnknownDelegate — результат пришёл от воркера, которому задача
	// не назначалась.
	ErrUnknownDelegate = errors.New("task is not assigned to this delegate")
)
