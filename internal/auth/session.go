package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/kv"
)

// Session TTLs. Sessions are an audit surface, independent of token
// validity: deleting one does not revoke tokens.
const (
	sessionTTL         = 24 * time.Hour
	sessionRememberTTL = 30 * 24 * time.Hour
)

var ErrSessionNotFound = errors.New("session not found")

// Session is a server-side record of one login, keyed by an opaque id.
type Session struct {
	ID        string    `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	TenantID  string    `json:"tenant_id"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
	IP        string    `json:"ip"`
	// TTL is the session's total lifetime, kept in the record so Touch
	// can recompute the remaining window.
	TTL time.Duration `json:"ttl"`
}

// SessionRegistry stores sessions in the KV store under TTLs. Records
// survive service restarts; logout deletes them explicitly.
type SessionRegistry struct {
	store kv.Store
}

func NewSessionRegistry(store kv.Store) *SessionRegistry {
	return &SessionRegistry{store: store}
}

func sessionKey(id string) string { return "session:" + id }

// Create registers a new session. Remember-me logins get the longer TTL.
func (r *SessionRegistry) Create(ctx context.Context, userID uuid.UUID, tenantID, ip string, remember bool) (*Session, error) {
	ttl := sessionTTL
	if remember {
		ttl = sessionRememberTTL
	}
	now := time.Now()
	s := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		TenantID:  tenantID,
		CreatedAt: now,
		LastSeen:  now,
		IP:        ip,
		TTL:       ttl,
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if err := r.store.Set(ctx, sessionKey(s.ID), data, ttl); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return s, nil
}

// Get fetches a session by its opaque id.
func (r *SessionRegistry) Get(ctx context.Context, id string) (*Session, error) {
	data, err := r.store.Get(ctx, sessionKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("corrupt session record: %w", err)
	}
	return &s, nil
}

// Touch refreshes last-seen. The expiry window stays anchored at
// creation time; touching never extends a session's lifetime.
func (r *SessionRegistry) Touch(ctx context.Context, id string) error {
	s, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	remaining := s.TTL - time.Since(s.CreatedAt)
	if remaining <= 0 {
		return ErrSessionNotFound
	}
	s.LastSeen = time.Now()
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return r.store.Set(ctx, sessionKey(id), data, remaining)
}

// Delete removes a session on logout or explicit revoke.
func (r *SessionRegistry) Delete(ctx context.Context, id string) error {
	return r.store.Del(ctx, sessionKey(id))
}
