package worker

import "errors"

// Ошибки воркера.
var (
	// ErrWorkerStopped — воркер остановлен и не принимает задачи.
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrUnknownTaskType — в реестре нет шага для типа задачи.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrNotSyncStep — шаг нельзя выполнить на воркере.
	ErrNotSyncStep = errors.New("step cannot run on a delegate")
)
