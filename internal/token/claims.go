// Package token issues and validates the stateless bearer tokens used by
// the platform. Tokens are HMAC-signed and never stored; the only
// server-side state is the revocation set in the KV store.
package token

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token kinds. A verifier always states which kind it expects.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
	// KindPreAuth is the short-lived marker issued after a correct
	// password when MFA still has to run.
	KindPreAuth = "pre_auth"
)

// Claims are the custom JWT claims carried by every token kind.
// Access tokens carry the role and permission snapshot; refresh and
// pre-auth tokens carry only the subject and tenant.
type Claims struct {
	UserID      uuid.UUID `json:"uid"`
	TenantID    string    `json:"tid"`
	Roles       []string  `json:"roles,omitempty"`
	Permissions []string  `json:"perms,omitempty"`
	Kind        string    `json:"kind"`
	jwt.RegisteredClaims
}

// Reason classifies a verification failure.
type Reason string

const (
	ReasonFormat    Reason = "format"
	ReasonSignature Reason = "signature"
	ReasonExpired   Reason = "expired"
	ReasonRevoked   Reason = "revoked"
	ReasonWrongKind Reason = "wrong-kind"
)

// VerifyError is returned by Verify with a structured reason so the API
// layer can map it to a precise 401 body.
type VerifyError struct {
	Reason Reason
	err    error
}

func (e *VerifyError) Error() string {
	if e.err != nil {
		return "token " + string(e.Reason) + ": " + e.err.Error()
	}
	return "token " + string(e.Reason)
}

func (e *VerifyError) Unwrap() error { return e.err }

func verifyErr(reason Reason, err error) *VerifyError {
	return &VerifyError{Reason: reason, err: err}
}
