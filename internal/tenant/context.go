package tenant

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Context is the per-request identity bundle derived from a validated
// access token. It is propagated explicitly through request contexts;
// never through global state shared across concurrent requests.
type Context struct {
	TenantID    string
	UserID      uuid.UUID
	Roles       []string
	Permissions []string
}

type ctxKey int

const (
	contextKey ctxKey = iota
	// HeaderTenantKey carries a tenant ID taken from the X-Tenant-ID
	// header before authentication has run.
	headerTenantKey
)

var ErrNoContext = errors.New("no tenant context in request")

// WithContext attaches the identity bundle to a request context.
func WithContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, contextKey, tc)
}

// FromContext returns the identity bundle set by the auth middleware.
func FromContext(ctx context.Context) (*Context, error) {
	tc, ok := ctx.Value(contextKey).(*Context)
	if !ok || tc == nil {
		return nil, ErrNoContext
	}
	return tc, nil
}

// WithHeaderTenant records the tenant ID supplied via header, before the
// token has been validated.
func WithHeaderTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, headerTenantKey, tenantID)
}

// HeaderTenant returns the header-supplied tenant ID, if any.
func HeaderTenant(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(headerTenantKey).(string)
	return id, ok && id != ""
}

// HasRole reports whether the request identity carries the given role.
func (c *Context) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}
