package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelgate/modelgate/internal/storage"
)

// defaultRolePermissions is the startup-seeded permission table for the
// built-in system roles.
var defaultRolePermissions = map[string]struct {
	display string
	perms   []string
}{
	"super_admin": {
		display: "Super Administrator",
		perms:   []string{SuperPermission},
	},
	"tenant_admin": {
		display: "Tenant Administrator",
		perms: []string{
			"user:*", "role:*", "channel:*", "provider:*", "mfa:*", "chat:create",
		},
	},
	"admin": {
		display: "Administrator",
		perms: []string{
			"user:read", "user:update", "role:read",
			"channel:read", "channel:write", "provider:read", "chat:create",
		},
	},
	"end_user": {
		display: "End User",
		perms: []string{
			"user:read_self", "user:update_self", "mfa:manage_self", "chat:create",
		},
	},
}

// SeedSystemRoles makes sure every built-in role exists for the tenant.
// Existing roles are left untouched so tenant admins can tune them.
func SeedSystemRoles(ctx context.Context, roles storage.RoleStore, tenantID string) error {
	for name, def := range defaultRolePermissions {
		_, err := roles.GetByName(ctx, tenantID, name)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("seed role %s: %w", name, err)
		}
		role := &storage.Role{
			TenantID:    tenantID,
			Name:        name,
			DisplayName: def.display,
			Permissions: def.perms,
			IsSystem:    true,
		}
		if err := roles.Create(ctx, role); err != nil && !errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("seed role %s: %w", name, err)
		}
	}
	return nil
}
