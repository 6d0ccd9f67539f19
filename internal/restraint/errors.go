package restraint

import "errors"

// Ошибки ресурсных ограничений.
var (
	// ErrOverCapacity — сумма весов ACTIVE заявок превысила ёмкость.
	// Означает ошибку в управлении конкурентностью: логируется на уровне
	// ERROR и не исправляется автоматически.
	ErrOverCapacity = errors.New("resource restraint over capacity")

	// ErrResourceNotFound — ресурс не объявлен.
	ErrResourceNotFound = errors.New("resource restraint not defined")

	// ErrInvalidWeight — вес заявки меньше единицы или больше ёмкости.
	ErrInvalidWeight = errors.New("invalid restraint weight")

	// ErrInstanceNotFound — заявка не найдена.
	ErrInstanceNotFound = errors.New("restraint instance not found")
)
