package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/rbac"
	"github.com/modelgate/modelgate/internal/storage"
	"github.com/modelgate/modelgate/internal/tenant"
	"github.com/modelgate/modelgate/internal/token"
)

// User-facing failure modes. ErrInvalidCredentials deliberately does not
// disclose whether the email or the password was wrong.
var (
	ErrInvalidCredentials = errors.New("user or password incorrect")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrEmailUnverified    = errors.New("email address not verified")
	ErrAccountLocked      = errors.New("account temporarily locked")
	ErrTenantRequired     = errors.New("tenant id is required")
	ErrMFANotEnabled      = errors.New("mfa not enabled")
	ErrEmailTaken         = errors.New("email already registered")
)

// SecondFactor verifies an MFA code. Implemented by the MFA engine;
// declared here so the service does not depend on its internals.
type SecondFactor interface {
	VerifyCode(ctx context.Context, tenantID string, userID uuid.UUID, method, code string) error
}

// Service orchestrates authentication. It is agnostic of HTTP transport
// and of the concrete store implementations.
type Service struct {
	users    storage.UserStore
	tenants  storage.TenantStore
	rbac     *rbac.Resolver
	tokens   *token.Issuer
	sessions *SessionRegistry
	hasher   PasswordHasher
	failures *FailureTracker
	second   SecondFactor
}

func NewService(
	users storage.UserStore,
	tenants storage.TenantStore,
	resolver *rbac.Resolver,
	tokens *token.Issuer,
	sessions *SessionRegistry,
	hasher PasswordHasher,
	failures *FailureTracker,
	second SecondFactor,
) *Service {
	return &Service{
		users:    users,
		tenants:  tenants,
		rbac:     resolver,
		tokens:   tokens,
		sessions: sessions,
		hasher:   hasher,
		failures: failures,
		second:   second,
	}
}

// LoginInput carries the credentials for a password login.
type LoginInput struct {
	TenantID string
	Email    string
	Password string
	Remember bool
	IP       string
}

// LoginResult is either a full token pair or a pre-auth marker demanding
// an MFA step.
type LoginResult struct {
	Pair         *token.Pair
	Session      *Session
	User         *storage.User
	MFARequired  bool
	PreAuthToken string
}

// Login runs the password flow: lookup, status gates, constant-time
// password check, failure accounting, then token issuance or the MFA
// partial-success marker.
func (s *Service) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	if input.TenantID == "" {
		return nil, ErrTenantRequired
	}

	t, err := s.tenants.GetByID(ctx, input.TenantID)
	if err != nil {
		// Unknown tenant reads the same as a bad login from outside.
		return nil, ErrInvalidCredentials
	}
	if !t.Active() {
		return nil, tenant.ErrTenantSuspended
	}

	user, err := s.users.GetByEmail(ctx, input.TenantID, input.Email)
	if err != nil {
		// Burn a failure tick against a stable anonymization key so
		// enumeration attempts cost as much as real failures.
		s.failures.Tick(ctx, input.TenantID, AnonymousSubject(input.Email))
		return nil, ErrInvalidCredentials
	}

	switch {
	case user.Status == storage.UserInactive:
		return nil, ErrAccountDisabled
	case !user.EmailVerified:
		return nil, ErrEmailUnverified
	case user.Locked(time.Now()):
		return nil, ErrAccountLocked
	}

	if err := s.hasher.Compare(user.PasswordHash, input.Password); err != nil {
		if s.failures.Tick(ctx, input.TenantID, user.ID.String()) {
			until := time.Now().Add(s.failures.LockDuration())
			if err := s.users.SetLockout(ctx, input.TenantID, user.ID, until); err != nil {
				slog.Error("lockout_write_failed", "user", user.ID, "error", err)
			}
			slog.Warn("account_locked", "tenant", input.TenantID, "user", user.ID, "until", until)
		}
		return nil, ErrInvalidCredentials
	}

	s.failures.Clear(ctx, input.TenantID, user.ID.String())
	if user.LockedUntil != nil {
		if err := s.users.ClearLockout(ctx, input.TenantID, user.ID); err != nil {
			slog.Warn("lockout_clear_failed", "user", user.ID, "error", err)
		}
	}

	if user.MFAEnabled {
		preAuth, err := s.tokens.IssuePreAuth(user.ID, input.TenantID)
		if err != nil {
			return nil, fmt.Errorf("failed to issue pre-auth token: %w", err)
		}
		return &LoginResult{User: user, MFARequired: true, PreAuthToken: preAuth}, nil
	}

	return s.completeLogin(ctx, user, input.Remember, input.IP)
}

// CompleteMFALogin exchanges a pre-auth token plus a valid second factor
// for the real token pair.
func (s *Service) CompleteMFALogin(ctx context.Context, preAuthToken, method, code, ip string, remember bool) (*LoginResult, error) {
	claims, err := s.tokens.Verify(ctx, preAuthToken, token.KindPreAuth)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByID(ctx, claims.TenantID, claims.UserID)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if !user.MFAEnabled {
		return nil, ErrMFANotEnabled
	}

	if err := s.second.VerifyCode(ctx, claims.TenantID, user.ID, method, code); err != nil {
		return nil, err
	}

	return s.completeLogin(ctx, user, remember, ip)
}

// completeLogin issues the pair, records last-login and creates the
// session. Session creation is state-critical: a KV outage here fails
// the login rather than silently dropping the audit record.
func (s *Service) completeLogin(ctx context.Context, user *storage.User, remember bool, ip string) (*LoginResult, error) {
	if err := s.users.SetLastLogin(ctx, user.TenantID, user.ID, time.Now()); err != nil {
		slog.Warn("last_login_write_failed", "user", user.ID, "error", err)
	}

	roles, perms, err := s.rbac.GetUserPermissions(ctx, user.TenantID, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve permissions: %w", err)
	}

	pair, err := s.tokens.IssuePair(user.ID, user.TenantID, roles, perms)
	if err != nil {
		return nil, fmt.Errorf("token generation failed: %w", err)
	}

	session, err := s.sessions.Create(ctx, user.ID, user.TenantID, ip, remember)
	if err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	slog.Info("login_success", "tenant", user.TenantID, "user", user.ID, "ip", ip)
	return &LoginResult{Pair: pair, Session: session, User: user}, nil
}

// Refresh rotates a refresh token. The old token's id lands in the
// revocation set; the new access token snapshots current permissions.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*token.Pair, error) {
	pair, claims, err := s.tokens.Rotate(ctx, refreshToken, func(c *token.Claims) ([]string, []string, error) {
		return s.rbac.GetUserPermissions(ctx, c.TenantID, c.UserID)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("token_refreshed", "tenant", claims.TenantID, "user", claims.UserID)
	return pair, nil
}

// Logout revokes the access token and deletes the session when one is
// supplied. Both are best-effort from the caller's perspective but any
// real failure is surfaced.
func (s *Service) Logout(ctx context.Context, accessToken, sessionID string) error {
	if err := s.tokens.Revoke(ctx, accessToken); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if sessionID != "" {
		if err := s.sessions.Delete(ctx, sessionID); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
	}
	return nil
}

// RegisterInput carries a self-service registration.
type RegisterInput struct {
	TenantID string
	Email    string
	Password string
}

// Register creates an active, unverified user and assigns the default
// end_user role.
func (s *Service) Register(ctx context.Context, input RegisterInput) (*storage.User, error) {
	if input.TenantID == "" {
		return nil, ErrTenantRequired
	}
	t, err := s.tenants.GetByID(ctx, input.TenantID)
	if err != nil {
		return nil, ErrTenantRequired
	}
	if !t.Active() {
		return nil, tenant.ErrTenantSuspended
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return nil, err
	}

	user := &storage.User{
		TenantID:     input.TenantID,
		Email:        input.Email,
		PasswordHash: hash,
		Status:       storage.UserActive,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}

	if err := s.assignDefaultRole(ctx, user); err != nil {
		slog.Warn("default_role_assignment_failed", "user", user.ID, "error", err)
	}

	slog.Info("user_registered", "tenant", user.TenantID, "user", user.ID)
	return user, nil
}

func (s *Service) assignDefaultRole(ctx context.Context, user *storage.User) error {
	if err := s.rbac.EnsureSystemRoles(ctx, user.TenantID); err != nil {
		return err
	}
	roles, err := s.rbac.ListRoles(ctx, user.TenantID)
	if err != nil {
		return err
	}
	for _, r := range roles {
		if r.Name == "end_user" {
			return s.rbac.AssignRole(ctx, user.TenantID, &storage.RoleAssignment{
				UserID: user.ID,
				RoleID: r.ID,
			})
		}
	}
	return fmt.Errorf("end_user role missing for tenant %s", user.TenantID)
}

// ChangePassword verifies the old password, stores the new hash, and
// stamps the user so every outstanding token dies.
func (s *Service) ChangePassword(ctx context.Context, tenantID string, userID uuid.UUID, oldPassword, newPassword string) error {
	user, err := s.users.GetByID(ctx, tenantID, userID)
	if err != nil {
		return ErrInvalidCredentials
	}
	if err := s.hasher.Compare(user.PasswordHash, oldPassword); err != nil {
		return ErrInvalidCredentials
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, tenantID, userID, hash); err != nil {
		return err
	}

	if err := s.tokens.RevokeUser(ctx, tenantID, userID); err != nil {
		slog.Warn("user_revoke_failed", "user", userID, "error", err)
	}
	slog.Info("password_changed", "tenant", tenantID, "user", userID)
	return nil
}
