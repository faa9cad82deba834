// Package response renders the API's JSON envelope: every body carries a
// data payload or a structured error, plus per-request metadata.
package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every JSON body the API emits. Exactly one of Data and
// Error is set.
type Envelope struct {
	Data  any    `json:"data"`
	Error *Error `json:"error"`
	Meta  Meta   `json:"meta"`
}

// Error is the machine-readable failure half of an Envelope.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Meta carries the request correlation fields.
type Meta struct {
	RequestID string `json:"requestId"`
	Timestamp string `json:"timestamp"`
}

func newMeta(requestID string) Meta {
	if requestID == "" {
		// No request-id middleware upstream; mint one so the response is
		// still correlatable.
		requestID = uuid.New().String()
	}
	return Meta{
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func write(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("encoding response body", "error", err, "requestId", env.Meta.RequestID)
	}
}

// Success writes data under the envelope with the given status.
func Success(w http.ResponseWriter, status int, data any, requestID string) {
	write(w, status, Envelope{Data: data, Meta: newMeta(requestID)})
}

// NoContent writes a bare 204.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Err writes an error envelope with the given status and code.
func Err(w http.ResponseWriter, status int, code, message, requestID string) {
	write(w, status, Envelope{
		Error: &Error{Code: code, Message: message},
		Meta:  newMeta(requestID),
	})
}

// ErrWithDetails is Err with a caller-supplied details payload attached to
// the error.
func ErrWithDetails(w http.ResponseWriter, status int, code, message string, details any, requestID string) {
	write(w, status, Envelope{
		Error: &Error{Code: code, Message: message, Details: details},
		Meta:  newMeta(requestID),
	})
}
