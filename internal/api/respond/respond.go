// Package respond renders the service's uniform JSON envelope. Every
// non-streaming endpoint answers through these helpers so clients see
// one shape for success and failure alike.
package respond

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// Error codes carried in the envelope. They are stable API surface;
// clients branch on them.
const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeForbidden      = "FORBIDDEN"
	CodeNotFound       = "NOT_FOUND"
	CodeConflict       = "CONFLICT"
	CodeLocked         = "ACCOUNT_LOCKED"
	CodeRateLimited    = "RATE_LIMITED"
	CodeTenantRequired = "TENANT_REQUIRED"
	CodeTenantDenied   = "TENANT_SUSPENDED"
	CodeMFARequired    = "MFA_REQUIRED"
	CodeUpstream       = "UPSTREAM_ERROR"
	CodeUnavailable    = "SERVICE_UNAVAILABLE"
	CodeInternal       = "INTERNAL_ERROR"
)

// Detail is one entry in the envelope's errors array.
type Detail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type envelope struct {
	Success   bool     `json:"success"`
	Message   string   `json:"message,omitempty"`
	Data      any      `json:"data,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
	Timestamp string   `json:"timestamp"`
	Errors    []Detail `json:"errors,omitempty"`
}

// JSON writes a success envelope with the given payload.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	write(w, r, status, envelope{
		Success: true,
		Data:    data,
	})
}

// Message writes a success envelope carrying only a message.
func Message(w http.ResponseWriter, r *http.Request, status int, msg string) {
	write(w, r, status, envelope{
		Success: true,
		Message: msg,
	})
}

// Error writes a failure envelope with a single error detail.
func Error(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	Errors(w, r, status, msg, Detail{Code: code, Message: msg})
}

// FieldError writes a validation failure pinned to one field.
func FieldError(w http.ResponseWriter, r *http.Request, field, msg string) {
	Errors(w, r, http.StatusBadRequest, msg, Detail{
		Code:    CodeValidation,
		Message: msg,
		Field:   field,
	})
}

// Errors writes a failure envelope with explicit details.
func Errors(w http.ResponseWriter, r *http.Request, status int, msg string, details ...Detail) {
	write(w, r, status, envelope{
		Success: false,
		Message: msg,
		Errors:  details,
	})
}

func write(w http.ResponseWriter, r *http.Request, status int, env envelope) {
	env.RequestID = middleware.GetReqID(r.Context())
	env.Timestamp = time.Now().UTC().Format(time.RFC3339)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("write response", "error", err, "request_id", env.RequestID)
	}
}
