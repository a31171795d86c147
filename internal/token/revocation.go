package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/kv"
)

// Revoker keeps the revocation set in the KV store. Two key families:
//
//	revoke:jti:{id}            — single-token revocation, TTL = remaining lifetime
//	revoke:user:{tenant}:{id}  — revoke-before stamp, unix seconds
//
// Expired entries are swept by the store's own TTL mechanism; no cleanup
// loop is needed on our side.
type Revoker struct {
	store kv.Store
}

func NewRevoker(store kv.Store) *Revoker {
	return &Revoker{store: store}
}

func jtiKey(id string) string { return "revoke:jti:" + id }

func userKey(tenantID string, userID uuid.UUID) string {
	return "revoke:user:" + tenantID + ":" + userID.String()
}

// RevokeID blacklists a token ID until its natural expiry.
func (r *Revoker) RevokeID(ctx context.Context, id string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// Already expired; verification rejects it anyway.
		return nil
	}
	return r.store.Set(ctx, jtiKey(id), []byte("1"), ttl)
}

// RevokeUser stamps the subject: tokens issued before now are dead. The
// stamp outlives the longest-lived token that could reference it.
func (r *Revoker) RevokeUser(ctx context.Context, tenantID string, userID uuid.UUID, now time.Time, maxTokenTTL time.Duration) error {
	val := strconv.FormatInt(now.Unix(), 10)
	return r.store.Set(ctx, userKey(tenantID, userID), []byte(val), maxTokenTTL)
}

// IsRevoked reports whether the claims hit the single-token set or an
// applicable user stamp.
func (r *Revoker) IsRevoked(ctx context.Context, claims *Claims) (bool, error) {
	exists, err := r.store.Exists(ctx, jtiKey(claims.ID))
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}

	val, err := r.store.Get(ctx, userKey(claims.TenantID, claims.UserID))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	stamp, err := strconv.ParseInt(string(val), 10, 64)
	if err != nil {
		return false, fmt.Errorf("corrupt revoke stamp: %w", err)
	}
	if claims.IssuedAt == nil {
		return true, nil
	}
	return claims.IssuedAt.Time.Unix() < stamp, nil
}
