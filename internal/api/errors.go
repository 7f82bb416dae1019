package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/quantix-io/quantix-connect/internal/protocol"
	"github.com/quantix-io/quantix-connect/internal/runtime"
	"github.com/quantix-io/quantix-connect/internal/store"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError maps store, protocol and runtime errors onto HTTP
// responses. Every handler funnels its non-decode errors through here so
// the status mapping stays in one place.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrTemplateNotFound),
		errors.Is(err, store.ErrDeviceNotFound),
		errors.Is(err, protocol.ErrStepNotFound),
		errors.Is(err, runtime.ErrRuntimeNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())

	case errors.Is(err, store.ErrTemplateExists),
		errors.Is(err, store.ErrDeviceExists),
		errors.Is(err, store.ErrTemplateInUse):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())

	case errors.Is(err, store.ErrSystemTemplate),
		errors.Is(err, protocol.ErrStepNotManual),
		errors.Is(err, protocol.ErrWriteNotAllowed):
		writeError(w, http.StatusForbidden, ErrCodeForbidden, err.Error())

	case errors.Is(err, protocol.ErrInvalidTemplate):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())

	case errors.Is(err, store.ErrInvalidDeviceCode),
		errors.Is(err, store.ErrInvalidName):
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())

	default:
		writeInternalError(w, err.Error())
	}
}
