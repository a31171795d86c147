package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/modelgate/modelgate/internal/kv"
)

// FailureTracker counts consecutive password failures per (tenant, user)
// in the KV store. Increments are atomic, so concurrent failed logins
// cannot double-count or miss the threshold.
type FailureTracker struct {
	store     kv.Store
	threshold int
	window    time.Duration
	lockFor   time.Duration
}

func NewFailureTracker(store kv.Store, threshold int, window, lockFor time.Duration) *FailureTracker {
	return &FailureTracker{
		store:     store,
		threshold: threshold,
		window:    window,
		lockFor:   lockFor,
	}
}

func failureKey(tenantID, subject string) string {
	return "login:fail:" + tenantID + ":" + subject
}

// AnonymousSubject derives a stable key for emails that do not match any
// user, so enumeration attempts burn the same budget as real failures.
func AnonymousSubject(email string) string {
	sum := sha256.Sum256([]byte("anon:" + email))
	return hex.EncodeToString(sum[:16])
}

// Tick records one failure and reports whether the threshold was reached.
// When it is, the counter is cleared — the lockout takes over from there.
// A KV outage degrades to "no tracking" rather than failing the login.
func (t *FailureTracker) Tick(ctx context.Context, tenantID, subject string) (lock bool) {
	count, err := t.store.Incr(ctx, failureKey(tenantID, subject), t.window)
	if err != nil {
		if errors.Is(err, kv.ErrUnavailable) {
			slog.Warn("failure_tracking_unavailable", "tenant", tenantID)
			return false
		}
		slog.Error("failure_tracking_error", "error", err)
		return false
	}
	if count < int64(t.threshold) {
		return false
	}
	t.Clear(ctx, tenantID, subject)
	return true
}

// Clear drops the counter, on successful login or when a lockout starts.
func (t *FailureTracker) Clear(ctx context.Context, tenantID, subject string) {
	if err := t.store.Del(ctx, failureKey(tenantID, subject)); err != nil {
		slog.Warn("failure_counter_clear_failed", "tenant", tenantID, "error", err)
	}
}

// LockDuration is how long a triggered lockout lasts.
func (t *FailureTracker) LockDuration() time.Duration {
	return t.lockFor
}
