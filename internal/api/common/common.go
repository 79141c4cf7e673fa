// Package common holds response helpers shared by the operational routes and
// the git debug endpoint.
package common

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorResponse is the JSON body of every non-git error
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteJSONResponse encodes data before touching w, so an encoding failure
// still produces a clean 500 instead of a half-written body.
func WriteJSONResponse(w http.ResponseWriter, data any, statusCode int) {
	body, err := json.Marshal(data)
	if err != nil {
		slog.Error("Failed to encode response", "error", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(statusCode)
	_, _ = w.Write(append(body, '\n'))
}

// WriteErrorResponse writes message as an ErrorResponse
func WriteErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	WriteJSONResponse(w, ErrorResponse{Error: message}, statusCode)
}
