// Package tenant defines the tenant entity and the per-request context
// carrier. Every other entity in the system hangs off a tenant ID, and
// every store query is filtered by it.
package tenant

import (
	"errors"
	"time"
)

// Status values for a tenant.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

var ErrTenantSuspended = errors.New("tenant is suspended")

// Tenant is the root of isolation.
type Tenant struct {
	ID        string
	Name      string
	Status    string
	// Settings is the per-tenant configuration bundle (limits, enabled
	// features). Opaque to this package.
	Settings  map[string]any
	CreatedAt time.Time
}

// Active reports whether requests for this tenant may proceed.
func (t *Tenant) Active() bool {
	return t.Status == StatusActive
}
