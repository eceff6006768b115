package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/goodtune/sessionlog/internal/usage"
	"github.com/rs/zerolog"
)

// Error kinds reported in ErrorResponse.Error.
const (
	KindValidation         = "ValidationError"
	KindNotFound           = "NotFoundError"
	KindStorageUnavailable = "StorageUnavailable"
	KindRateLimited        = "RateLimited"
	KindInternal           = "InternalError"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"InternalError","message":"Failed to encode response","code":500}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, kind, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   kind,
		Message: message,
		Code:    statusCode,
	})
}

// errorKind maps a domain error to its kind and HTTP status.
func errorKind(err error) (string, int) {
	// A store failure may wrap storage.ErrNotFound; it is still a failure.
	switch {
	case errors.Is(err, usage.ErrStorageUnavailable):
		return KindStorageUnavailable, http.StatusInternalServerError
	case errors.Is(err, usage.ErrValidation):
		return KindValidation, http.StatusBadRequest
	case usage.IsNotFound(err):
		return KindNotFound, http.StatusNotFound
	default:
		return KindInternal, http.StatusInternalServerError
	}
}

// respondError writes err to the client. Server-side failures are logged and
// replaced with a generic message.
func respondError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	kind, status := errorKind(err)
	message := err.Error()

	switch kind {
	case KindStorageUnavailable:
		logger.Error().Err(err).Msg("Storage failure")
		message = "Session storage is unavailable"
	case KindInternal:
		logger.Error().Err(err).Msg("Internal error")
		message = "Internal server error"
	}

	writeError(w, status, kind, message)
}
