package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/tenant"
)

// TenantStore resolves tenants. Tenants are provisioned out of band; the
// API only reads them.
type TenantStore interface {
	GetByID(ctx context.Context, id string) (*tenant.Tenant, error)
}

// UserStore persists tenant-scoped users.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, tenantID, email string) (*User, error)
	UpdatePassword(ctx context.Context, tenantID string, id uuid.UUID, hash string) error
	SetLockout(ctx context.Context, tenantID string, id uuid.UUID, until time.Time) error
	ClearLockout(ctx context.Context, tenantID string, id uuid.UUID) error
	SetLastLogin(ctx context.Context, tenantID string, id uuid.UUID, at time.Time) error
	SetMFAEnabled(ctx context.Context, tenantID string, id uuid.UUID, enabled bool) error
}

// RoleStore persists roles and user-role assignments.
type RoleStore interface {
	Create(ctx context.Context, r *Role) error
	Update(ctx context.Context, r *Role) error
	// Delete removes the role and cascades its assignments. Callers are
	// responsible for refusing to delete system roles.
	Delete(ctx context.Context, tenantID string, id uuid.UUID) error
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Role, error)
	GetByName(ctx context.Context, tenantID, name string) (*Role, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*Role, error)
	Assign(ctx context.Context, tenantID string, a *RoleAssignment) error
	Unassign(ctx context.Context, tenantID string, userID, roleID uuid.UUID) error
	// ListForUser returns only non-expired assignments.
	ListForUser(ctx context.Context, tenantID string, userID uuid.UUID) ([]*Role, error)
}

// MFAStore persists enrollments and backup codes.
type MFAStore interface {
	UpsertEnrollment(ctx context.Context, e *MFAEnrollment) error
	GetEnrollment(ctx context.Context, tenantID string, userID uuid.UUID, method string) (*MFAEnrollment, error)
	ListEnrollments(ctx context.Context, tenantID string, userID uuid.UUID) ([]*MFAEnrollment, error)
	DeleteEnrollments(ctx context.Context, tenantID string, userID uuid.UUID) error
	// ReplaceBackupCodes swaps the full code set in one transaction; all
	// previous codes become invalid whether used or not.
	ReplaceBackupCodes(ctx context.Context, userID uuid.UUID, hashes []string) error
	ListBackupCodes(ctx context.Context, userID uuid.UUID) ([]*BackupCode, error)
	ConsumeBackupCode(ctx context.Context, id uuid.UUID) error
}

// ChannelStore persists channels; the channel manager hydrates its
// in-memory maps from here at startup.
type ChannelStore interface {
	Create(ctx context.Context, c *ChannelRecord) error
	Update(ctx context.Context, c *ChannelRecord) error
	Delete(ctx context.Context, tenantID, id string) error
	GetByID(ctx context.Context, tenantID, id string) (*ChannelRecord, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*ChannelRecord, error)
	ListAll(ctx context.Context) ([]*ChannelRecord, error)
}
