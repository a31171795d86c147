package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/kv"
)

const preAuthTTL = 5 * time.Minute

// Pair is one issued access/refresh pair. The two tokens carry
// independent IDs and share the subject.
type Pair struct {
	AccessToken  string
	RefreshToken string
	// ExpiresIn is the access-token lifetime in seconds, for the login
	// response body.
	ExpiresIn int64
}

// Issuer signs and verifies tokens with a symmetric MAC.
type Issuer struct {
	key        []byte
	method     jwt.SigningMethod
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	revoker    *Revoker

	// now is swapped in tests to pin expiry boundaries.
	now func() time.Time
}

// NewIssuer creates an issuer. alg must be HS256, HS384 or HS512.
func NewIssuer(key []byte, alg string, accessTTL, refreshTTL time.Duration, revoker *Revoker) (*Issuer, error) {
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return nil, fmt.Errorf("unknown signing algorithm %q", alg)
	}
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("signing algorithm %q is not an HMAC method", alg)
	}
	return &Issuer{
		key:        key,
		method:     method,
		issuer:     "modelgate",
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		revoker:    revoker,
		now:        time.Now,
	}, nil
}

func (i *Issuer) sign(claims *Claims) (string, error) {
	tok := jwt.NewWithClaims(i.method, claims)
	signed, err := tok.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (i *Issuer) baseClaims(userID uuid.UUID, tenantID, kind string, ttl time.Duration) *Claims {
	now := i.now()
	return &Claims{
		UserID:   userID,
		TenantID: tenantID,
		Kind:     kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}

// IssuePair generates an access/refresh pair for the subject. The access
// token snapshots the caller's roles and permissions at issue time.
func (i *Issuer) IssuePair(userID uuid.UUID, tenantID string, roles, permissions []string) (*Pair, error) {
	access := i.baseClaims(userID, tenantID, KindAccess, i.accessTTL)
	access.Roles = roles
	access.Permissions = permissions
	accessStr, err := i.sign(access)
	if err != nil {
		return nil, err
	}

	refresh := i.baseClaims(userID, tenantID, KindRefresh, i.refreshTTL)
	refreshStr, err := i.sign(refresh)
	if err != nil {
		return nil, err
	}

	return &Pair{
		AccessToken:  accessStr,
		RefreshToken: refreshStr,
		ExpiresIn:    int64(i.accessTTL.Seconds()),
	}, nil
}

// IssuePreAuth generates the short-lived token handed out between a
// correct password and a successful MFA step.
func (i *Issuer) IssuePreAuth(userID uuid.UUID, tenantID string) (string, error) {
	return i.sign(i.baseClaims(userID, tenantID, KindPreAuth, preAuthTTL))
}

// Verify decodes a token and checks, in order: format, signature, kind,
// expiry, revocation. If the KV store is unreachable the revocation check
// degrades to allow-but-log; short token lifetimes bound the exposure.
func (i *Issuer) Verify(ctx context.Context, tokenStr, expectKind string) (*Claims, error) {
	claims, err := i.decode(tokenStr)
	if err != nil {
		return nil, err
	}

	if claims.Kind != expectKind {
		return nil, verifyErr(ReasonWrongKind, fmt.Errorf("got %q, want %q", claims.Kind, expectKind))
	}

	now := i.now()
	if claims.ExpiresAt == nil || !now.Before(claims.ExpiresAt.Time) {
		return nil, verifyErr(ReasonExpired, nil)
	}

	revoked, err := i.revoker.IsRevoked(ctx, claims)
	if errors.Is(err, kv.ErrUnavailable) {
		slog.Warn("revocation_check_unavailable", "jti", claims.ID, "policy", "allow")
		return claims, nil
	}
	if err != nil {
		return nil, verifyErr(ReasonRevoked, err)
	}
	if revoked {
		return nil, verifyErr(ReasonRevoked, nil)
	}

	return claims, nil
}

// decode parses and checks the signature only. Expiry and kind are
// handled by Verify so failures carry precise reasons.
func (i *Issuer) decode(tokenStr string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.key, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, verifyErr(ReasonSignature, err)
		}
		return nil, verifyErr(ReasonFormat, err)
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok {
		return nil, verifyErr(ReasonFormat, nil)
	}
	return claims, nil
}

// RotateFunc resolves the subject's current roles and permissions so a
// rotated access token carries an up-to-date snapshot instead of the one
// from login time.
type RotateFunc func(claims *Claims) (roles, permissions []string, err error)

// Rotate verifies a refresh token, revokes it, and issues a fresh pair.
func (i *Issuer) Rotate(ctx context.Context, refreshToken string, resolve RotateFunc) (*Pair, *Claims, error) {
	claims, err := i.Verify(ctx, refreshToken, KindRefresh)
	if err != nil {
		return nil, nil, err
	}

	roles, permissions, err := resolve(claims)
	if err != nil {
		return nil, nil, err
	}

	// Rotation: the old refresh token must not be replayable. A KV
	// outage here is state-critical, unlike the read path.
	if err := i.revoker.RevokeID(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return nil, nil, fmt.Errorf("failed to revoke rotated token: %w", err)
	}

	pair, err := i.IssuePair(claims.UserID, claims.TenantID, roles, permissions)
	if err != nil {
		return nil, nil, err
	}
	return pair, claims, nil
}

// Revoke adds a single token to the revocation set for its remaining
// lifetime. Expiry is deliberately not validated: revoking an
// about-to-expire token must still succeed.
func (i *Issuer) Revoke(ctx context.Context, tokenStr string) error {
	claims, err := i.decode(tokenStr)
	if err != nil {
		return err
	}
	if claims.ExpiresAt == nil {
		return verifyErr(ReasonFormat, errors.New("missing exp"))
	}
	return i.revoker.RevokeID(ctx, claims.ID, claims.ExpiresAt.Time)
}

// RevokeUser stamps a revoke-before timestamp for the subject. Every
// token issued before the stamp is rejected from now on.
func (i *Issuer) RevokeUser(ctx context.Context, tenantID string, userID uuid.UUID) error {
	return i.revoker.RevokeUser(ctx, tenantID, userID, i.now(), i.refreshTTL)
}
