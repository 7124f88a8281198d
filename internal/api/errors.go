package api

import (
	"encoding/json"
	"net/http"
)

// Error represents a structured HTTP error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrCodeInternal is the code of an unexpected server failure.
const ErrCodeInternal = "internal_error"

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusInternalServerError, Error{
		Status:  http.StatusInternalServerError,
		Code:    ErrCodeInternal,
		Message: message,
	})
}
