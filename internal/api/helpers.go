// Package api is the HTTP surface: chi router, middleware chain, and
// the handlers that translate between the wire and the services.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/modelgate/modelgate/internal/api/respond"
	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/mfa"
	"github.com/modelgate/modelgate/internal/tenant"
)

const maxRequestBody = 1 << 20

// decodeJSON reads and validates a JSON request body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respond.Error(w, r, http.StatusBadRequest, respond.CodeValidation, "invalid request body")
		return false
	}
	return true
}

// mapAuthError translates service failures to their status codes. The
// default branch keeps unexpected errors opaque.
func mapAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrEmailUnverified):
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, err.Error())
	case errors.Is(err, auth.ErrAccountLocked):
		respond.Error(w, r, http.StatusLocked, respond.CodeLocked, err.Error())
	case errors.Is(err, auth.ErrAccountDisabled):
		respond.Error(w, r, http.StatusForbidden, respond.CodeForbidden, err.Error())
	case errors.Is(err, auth.ErrTenantRequired):
		respond.Error(w, r, http.StatusBadRequest, respond.CodeTenantRequired, err.Error())
	case errors.Is(err, tenant.ErrTenantSuspended):
		respond.Error(w, r, http.StatusForbidden, respond.CodeTenantDenied, err.Error())
	case errors.Is(err, auth.ErrEmailTaken):
		respond.Error(w, r, http.StatusConflict, respond.CodeConflict, err.Error())
	case errors.Is(err, auth.ErrMFANotEnabled):
		respond.Error(w, r, http.StatusBadRequest, respond.CodeValidation, err.Error())
	case errors.Is(err, mfa.ErrInvalidCode), errors.Is(err, mfa.ErrBackupCodeUsed):
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, err.Error())
	case errors.Is(err, mfa.ErrRateLimited):
		respond.Error(w, r, http.StatusTooManyRequests, respond.CodeRateLimited, err.Error())
	case errors.Is(err, mfa.ErrNotEnrolled), errors.Is(err, mfa.ErrUnknownMethod):
		respond.Error(w, r, http.StatusBadRequest, respond.CodeValidation, err.Error())
	default:
		respond.Error(w, r, http.StatusInternalServerError, respond.CodeInternal, "internal server error")
	}
}
