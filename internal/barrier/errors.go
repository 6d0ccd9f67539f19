package barrier

import "errors"

// Ошибки барьеров.
var (
	// ErrBarrierAbandoned — участник прерван до прихода, барьер опущен принудительно.
	ErrBarrierAbandoned = errors.New("barrier abandoned")

	// ErrBarrierNotFound — барьер не найден.
	ErrBarrierNotFound = errors.New("barrier not found")

	// ErrNotParticipant — участник не зарегистрирован на барьере.
	ErrNotParticipant = errors.New("not a barrier participant")
)
