package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/Relay/internal/coordinator"
)

// ErrorCode — машинно-читаемый код ошибки в теле ответа.
type ErrorCode string

const (
	ErrCodeBadRequest    ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeConflict      ErrorCode = "CONFLICT"
	ErrCodeInvalidState  ErrorCode = "INVALID_STATE"
	ErrCodeUnavailable   ErrorCode = "UNAVAILABLE"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// httpStatus сопоставляет код ошибки HTTP статусу.
var httpStatus = map[ErrorCode]int{
	ErrCodeBadRequest:    http.StatusBadRequest,
	ErrCodeNotFound:      http.StatusNotFound,
	ErrCodeConflict:      http.StatusConflict,
	ErrCodeInvalidState:  http.StatusUnprocessableEntity,
	ErrCodeUnavailable:   http.StatusServiceUnavailable,
	ErrCodeInternalError: http.StatusInternalServerError,
}

// Тела ответов: {"data": ...} для успеха, {"error": {...}} для ошибки.
type (
	DataResponse struct {
		Data any `json:"data"`
	}

	ListResponse struct {
		Data  any `json:"data"`
		Total int `json:"total,omitempty"`
	}

	ErrorResponse struct {
		Error ErrorDetail `json:"error"`
	}

	ErrorDetail struct {
		Code    ErrorCode `json:"code"`
		Message string    `json:"message"`
	}
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Default().Debug("write response failed", "error", err)
	}
}

func Success(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, DataResponse{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, DataResponse{Data: data})
}

// Accepted — команда поставлена в очередь координатора, но ещё не применена.
func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, DataResponse{Data: data})
}

func List(w http.ResponseWriter, data any, total int) {
	writeJSON(w, http.StatusOK, ListResponse{Data: data, Total: total})
}

// Fail отвечает ошибкой; статус берётся из кода.
func Fail(w http.ResponseWriter, code ErrorCode, message string) {
	status, ok := httpStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

func BadRequest(w http.ResponseWriter, message string)   { Fail(w, ErrCodeBadRequest, message) }
func InvalidState(w http.ResponseWriter, message string) { Fail(w, ErrCodeInvalidState, message) }
func Unavailable(w http.ResponseWriter, message string)  { Fail(w, ErrCodeUnavailable, message) }

// InternalError логирует причину и скрывает её от клиента.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Fail(w, ErrCodeInternalError, "internal server error")
}

// HandleStoreError отвечает по ошибке хранилища и возвращает true,
// если ответ уже записан.
func HandleStoreError(w http.ResponseWriter, logger *slog.Logger, err error, notFoundMsg string) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, coordinator.ErrPlanNotFound),
		errors.Is(err, coordinator.ErrPlanExecutionNotFound),
		errors.Is(err, coordinator.ErrNodeExecutionNotFound):
		Fail(w, ErrCodeNotFound, notFoundMsg)
	case errors.Is(err, coordinator.ErrDuplicateIdempotencyKey),
		errors.Is(err, coordinator.ErrVersionConflict):
		Fail(w, ErrCodeConflict, err.Error())
	default:
		InternalError(w, logger, err)
	}
	return true
}
