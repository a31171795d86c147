package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/storage"
)

var (
	ErrSystemRole   = errors.New("system roles cannot be deleted")
	ErrRoleExists   = errors.New("role name already exists in tenant")
	ErrRoleNotFound = errors.New("role not found")
)

// Resolver answers permission queries against the role store and manages
// role mutations. Roles are tenant-scoped; crossing tenants is a bug, so
// every method takes the tenant explicitly.
type Resolver struct {
	roles storage.RoleStore
}

func NewResolver(roles storage.RoleStore) *Resolver {
	return &Resolver{roles: roles}
}

// GetUserPermissions returns the deduplicated union of permissions across
// the user's non-expired role assignments.
func (r *Resolver) GetUserPermissions(ctx context.Context, tenantID string, userID uuid.UUID) ([]string, []string, error) {
	roles, err := r.roles.ListForUser(ctx, tenantID, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("list user roles: %w", err)
	}

	seen := make(map[string]struct{})
	var perms, names []string
	for _, role := range roles {
		names = append(names, role.Name)
		for _, p := range role.Permissions {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			perms = append(perms, p)
		}
	}
	sort.Strings(perms)
	return names, perms, nil
}

// PermissionsOrSnapshot resolves live permissions, falling back to the
// snapshot embedded in the caller's token when the store is unreachable.
// Availability degrades to "whatever the token already proves" rather
// than a blanket deny.
func (r *Resolver) PermissionsOrSnapshot(ctx context.Context, tenantID string, userID uuid.UUID, snapshot []string) []string {
	_, perms, err := r.GetUserPermissions(ctx, tenantID, userID)
	if err != nil {
		slog.Warn("rbac_store_unavailable", "tenant", tenantID, "user", userID, "fallback", "token_snapshot")
		return snapshot
	}
	return perms
}

// CreateRole validates name uniqueness within the tenant and persists.
func (r *Resolver) CreateRole(ctx context.Context, role *storage.Role) error {
	if _, err := r.roles.GetByName(ctx, role.TenantID, role.Name); err == nil {
		return ErrRoleExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := r.roles.Create(ctx, role); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return ErrRoleExists
		}
		return err
	}
	return nil
}

// UpdateRole persists display name and permission changes.
func (r *Resolver) UpdateRole(ctx context.Context, role *storage.Role) error {
	if err := r.roles.Update(ctx, role); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrRoleNotFound
		}
		return err
	}
	return nil
}

// DeleteRole refuses system roles; otherwise deletes and cascades
// assignments through the store.
func (r *Resolver) DeleteRole(ctx context.Context, tenantID string, roleID uuid.UUID) error {
	role, err := r.roles.GetByID(ctx, tenantID, roleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrRoleNotFound
		}
		return err
	}
	if role.IsSystem {
		return ErrSystemRole
	}
	return r.roles.Delete(ctx, tenantID, roleID)
}

// AssignRole links a user to a role, optionally with an expiry.
func (r *Resolver) AssignRole(ctx context.Context, tenantID string, a *storage.RoleAssignment) error {
	return r.roles.Assign(ctx, tenantID, a)
}

// UnassignRole removes a user-role link.
func (r *Resolver) UnassignRole(ctx context.Context, tenantID string, userID, roleID uuid.UUID) error {
	return r.roles.Unassign(ctx, tenantID, userID, roleID)
}

// EnsureSystemRoles seeds the built-in roles for a tenant if any are
// missing. Idempotent; safe to call on every registration.
func (r *Resolver) EnsureSystemRoles(ctx context.Context, tenantID string) error {
	return SeedSystemRoles(ctx, r.roles, tenantID)
}

// ListRoles returns all roles of a tenant.
func (r *Resolver) ListRoles(ctx context.Context, tenantID string) ([]*storage.Role, error) {
	return r.roles.ListByTenant(ctx, tenantID)
}
