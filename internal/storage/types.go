package storage

import (
	"time"

	"github.com/google/uuid"
)

// User status values. A lockout is tracked separately in LockedUntil so an
// expired lock does not require a write to clear.
const (
	UserActive   = "active"
	UserInactive = "inactive"
)

// User is a tenant-scoped account. A user belongs to exactly one tenant
// for its lifetime.
type User struct {
	ID            uuid.UUID
	TenantID      string
	Email         string
	PasswordHash  string
	Status        string
	EmailVerified bool
	MFAEnabled    bool
	LockedUntil   *time.Time
	LastLogin     *time.Time
	CreatedAt     time.Time
}

// Locked reports whether the user is under an active lockout.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// Role is a tenant-scoped named permission set. System roles are seeded at
// startup and cannot be deleted.
type Role struct {
	ID          uuid.UUID
	TenantID    string
	Name        string
	DisplayName string
	Permissions []string
	IsSystem    bool
	CreatedAt   time.Time
}

// RoleAssignment links a user to a role, optionally until ExpiresAt.
type RoleAssignment struct {
	UserID    uuid.UUID
	RoleID    uuid.UUID
	ExpiresAt *time.Time
}

// MFAEnrollment is one (tenant, user, method) row. Secret holds the TOTP
// secret or the SMS/email contact depending on the method.
type MFAEnrollment struct {
	TenantID  string
	UserID    uuid.UUID
	Method    string
	Secret    string
	Verified  bool
	CreatedAt time.Time
}

// BackupCode is a single-use recovery credential. Only the hash is stored.
type BackupCode struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	CodeHash string
	Used     bool
}

// ChannelRecord is the durable form of a channel. Credentials are stored
// encrypted; the channel manager decrypts them into memory on load.
type ChannelRecord struct {
	ID             string
	TenantID       string
	Name           string
	ProviderType   string
	BaseURL        string
	CredentialsEnc string
	Models         []string
	Status         string
	Priority       int
	Weight         int
	MaxRPM         int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
