package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/kv"
	"github.com/modelgate/modelgate/internal/rbac"
	"github.com/modelgate/modelgate/internal/storage"
	"github.com/modelgate/modelgate/internal/tenant"
	"github.com/modelgate/modelgate/internal/token"
)

// ---- in-memory fakes ----

type fakeTenantStore struct {
	tenants map[string]*tenant.Tenant
}

func (f *fakeTenantStore) GetByID(_ context.Context, id string) (*tenant.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t, nil
}

type fakeUserStore struct {
	users map[uuid.UUID]*storage.User
}

func (f *fakeUserStore) Create(_ context.Context, u *storage.User) error {
	for _, existing := range f.users {
		if existing.TenantID == u.TenantID && strings.EqualFold(existing.Email, u.Email) {
			return storage.ErrConflict
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	f.users[u.ID] = u
	return nil
}

func (f *fakeUserStore) GetByID(_ context.Context, tenantID string, id uuid.UUID) (*storage.User, error) {
	u, ok := f.users[id]
	if !ok || u.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	return u, nil
}

func (f *fakeUserStore) GetByEmail(_ context.Context, tenantID, email string) (*storage.User, error) {
	for _, u := range f.users {
		if u.TenantID == tenantID && strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeUserStore) UpdatePassword(ctx context.Context, tenantID string, id uuid.UUID, hash string) error {
	u, err := f.GetByID(ctx, tenantID, id)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return nil
}

func (f *fakeUserStore) SetLockout(ctx context.Context, tenantID string, id uuid.UUID, until time.Time) error {
	u, err := f.GetByID(ctx, tenantID, id)
	if err != nil {
		return err
	}
	u.LockedUntil = &until
	return nil
}

func (f *fakeUserStore) ClearLockout(ctx context.Context, tenantID string, id uuid.UUID) error {
	u, err := f.GetByID(ctx, tenantID, id)
	if err != nil {
		return err
	}
	u.LockedUntil = nil
	return nil
}

func (f *fakeUserStore) SetLastLogin(ctx context.Context, tenantID string, id uuid.UUID, at time.Time) error {
	u, err := f.GetByID(ctx, tenantID, id)
	if err != nil {
		return err
	}
	u.LastLogin = &at
	return nil
}

func (f *fakeUserStore) SetMFAEnabled(ctx context.Context, tenantID string, id uuid.UUID, enabled bool) error {
	u, err := f.GetByID(ctx, tenantID, id)
	if err != nil {
		return err
	}
	u.MFAEnabled = enabled
	return nil
}

type fakeRoleStore struct {
	roles       map[uuid.UUID]*storage.Role
	assignments map[uuid.UUID][]*storage.RoleAssignment
}

func newFakeRoleStore() *fakeRoleStore {
	return &fakeRoleStore{
		roles:       make(map[uuid.UUID]*storage.Role),
		assignments: make(map[uuid.UUID][]*storage.RoleAssignment),
	}
}

func (f *fakeRoleStore) Create(_ context.Context, r *storage.Role) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	f.roles[r.ID] = r
	return nil
}

func (f *fakeRoleStore) Update(_ context.Context, r *storage.Role) error { return nil }

func (f *fakeRoleStore) Delete(_ context.Context, _ string, id uuid.UUID) error {
	delete(f.roles, id)
	return nil
}

func (f *fakeRoleStore) GetByID(_ context.Context, tenantID string, id uuid.UUID) (*storage.Role, error) {
	r, ok := f.roles[id]
	if !ok || r.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	return r, nil
}

func (f *fakeRoleStore) GetByName(_ context.Context, tenantID, name string) (*storage.Role, error) {
	for _, r := range f.roles {
		if r.TenantID == tenantID && r.Name == name {
			return r, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeRoleStore) ListByTenant(_ context.Context, tenantID string) ([]*storage.Role, error) {
	var out []*storage.Role
	for _, r := range f.roles {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRoleStore) Assign(_ context.Context, _ string, a *storage.RoleAssignment) error {
	f.assignments[a.UserID] = append(f.assignments[a.UserID], a)
	return nil
}

func (f *fakeRoleStore) Unassign(_ context.Context, _ string, userID, roleID uuid.UUID) error {
	return nil
}

func (f *fakeRoleStore) ListForUser(_ context.Context, tenantID string, userID uuid.UUID) ([]*storage.Role, error) {
	now := time.Now()
	var out []*storage.Role
	for _, a := range f.assignments[userID] {
		if a.ExpiresAt != nil && !now.Before(*a.ExpiresAt) {
			continue
		}
		if r, ok := f.roles[a.RoleID]; ok && r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out, nil
}

// fakeSecondFactor accepts exactly one code.
type fakeSecondFactor struct {
	accept string
}

func (f *fakeSecondFactor) VerifyCode(_ context.Context, _ string, _ uuid.UUID, _ string, code string) error {
	if code != f.accept {
		return errors.New("invalid mfa code")
	}
	return nil
}

// ---- fixture ----

type fixture struct {
	service *Service
	users   *fakeUserStore
	tenants *fakeTenantStore
	roles   *fakeRoleStore
	issuer  *token.Issuer
	kv      kv.Store
	mr      *miniredis.Miniredis
	hasher  *BcryptHasher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	kvStore := kv.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	issuer, err := token.NewIssuer(
		[]byte("0123456789abcdef0123456789abcdef"), "HS256",
		time.Hour, 7*24*time.Hour, token.NewRevoker(kvStore))
	require.NoError(t, err)

	users := &fakeUserStore{users: make(map[uuid.UUID]*storage.User)}
	tenants := &fakeTenantStore{tenants: map[string]*tenant.Tenant{
		"acme": {ID: "acme", Name: "Acme", Status: tenant.StatusActive},
		"dorm": {ID: "dorm", Name: "Dormant", Status: tenant.StatusSuspended},
	}}
	roles := newFakeRoleStore()
	require.NoError(t, rbac.SeedSystemRoles(context.Background(), roles, "acme"))

	hasher := NewBcryptHasher()
	service := NewService(
		users,
		tenants,
		rbac.NewResolver(roles),
		issuer,
		NewSessionRegistry(kvStore),
		hasher,
		NewFailureTracker(kvStore, 5, 15*time.Minute, 30*time.Minute),
		&fakeSecondFactor{accept: "123456"},
	)

	return &fixture{
		service: service,
		users:   users,
		tenants: tenants,
		roles:   roles,
		issuer:  issuer,
		kv:      kvStore,
		mr:      mr,
		hasher:  hasher,
	}
}

func (f *fixture) addUser(t *testing.T, email, password string, mutate ...func(*storage.User)) *storage.User {
	t.Helper()
	hash, err := f.hasher.Hash(password)
	require.NoError(t, err)
	u := &storage.User{
		ID:            uuid.New(),
		TenantID:      "acme",
		Email:         email,
		PasswordHash:  hash,
		Status:        storage.UserActive,
		EmailVerified: true,
	}
	for _, m := range mutate {
		m(u)
	}
	f.users.users[u.ID] = u

	endUser, err := f.roles.GetByName(context.Background(), "acme", "end_user")
	require.NoError(t, err)
	require.NoError(t, f.roles.Assign(context.Background(), "acme", &storage.RoleAssignment{
		UserID: u.ID, RoleID: endUser.ID,
	}))
	return u
}

// ---- tests ----

func TestLoginSuccess(t *testing.T) {
	f := newFixture(t)
	user := f.addUser(t, "alice@acme.test", "P@ssw0rd!")

	result, err := f.service.Login(context.Background(), LoginInput{
		TenantID: "acme",
		Email:    "alice@acme.test",
		Password: "P@ssw0rd!",
		IP:       "198.51.100.7",
	})
	require.NoError(t, err)
	require.NotNil(t, result.Pair)
	assert.Equal(t, int64(3600), result.Pair.ExpiresIn)
	assert.False(t, result.MFARequired)
	require.NotNil(t, result.Session)
	assert.Equal(t, user.ID, result.Session.UserID)
	assert.NotNil(t, user.LastLogin)

	claims, err := f.issuer.Verify(context.Background(), result.Pair.AccessToken, token.KindAccess)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Contains(t, claims.Roles, "end_user")
	assert.Contains(t, claims.Permissions, "chat:create")
}

func TestLoginWrongPassword(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice@acme.test", "P@ssw0rd!")

	_, err := f.service.Login(context.Background(), LoginInput{
		TenantID: "acme", Email: "alice@acme.test", Password: "wrong",
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginUnknownUserIsGeneric(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Login(context.Background(), LoginInput{
		TenantID: "acme", Email: "ghost@acme.test", Password: "whatever",
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginUnknownTenantIsGeneric(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Login(context.Background(), LoginInput{
		TenantID: "nope", Email: "alice@acme.test", Password: "P@ssw0rd!",
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginSuspendedTenant(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Login(context.Background(), LoginInput{
		TenantID: "dorm", Email: "anyone@dorm.test", Password: "pw",
	})
	assert.ErrorIs(t, err, tenant.ErrTenantSuspended)
}

func TestLoginMissingTenant(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Login(context.Background(), LoginInput{
		Email: "alice@acme.test", Password: "P@ssw0rd!",
	})
	assert.ErrorIs(t, err, ErrTenantRequired)
}

func TestLoginStatusGates(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "disabled@acme.test", "pw123456", func(u *storage.User) {
		u.Status = storage.UserInactive
	})
	f.addUser(t, "unverified@acme.test", "pw123456", func(u *storage.User) {
		u.EmailVerified = false
	})

	_, err := f.service.Login(context.Background(), LoginInput{
		TenantID: "acme", Email: "disabled@acme.test", Password: "pw123456",
	})
	assert.ErrorIs(t, err, ErrAccountDisabled)

	_, err = f.service.Login(context.Background(), LoginInput{
		TenantID: "acme", Email: "unverified@acme.test", Password: "pw123456",
	})
	assert.ErrorIs(t, err, ErrEmailUnverified)
}

func TestLoginLockoutAfterFiveFailures(t *testing.T) {
	f := newFixture(t)
	user := f.addUser(t, "alice@acme.test", "P@ssw0rd!")
	ctx := context.Background()

	// Five wrong passwords: every one reads as a generic failure, the
	// fifth arms the lock.
	for i := 1; i <= 5; i++ {
		_, err := f.service.Login(ctx, LoginInput{
			TenantID: "acme", Email: "alice@acme.test", Password: "wrong",
		})
		assert.ErrorIs(t, err, ErrInvalidCredentials, "attempt %d", i)
	}
	require.NotNil(t, user.LockedUntil)

	// The sixth attempt reports the lock, even with the right password.
	_, err := f.service.Login(ctx, LoginInput{
		TenantID: "acme", Email: "alice@acme.test", Password: "P@ssw0rd!",
	})
	assert.ErrorIs(t, err, ErrAccountLocked)

	// Once the lock lapses, a correct login clears everything.
	past := time.Now().Add(-time.Minute)
	user.LockedUntil = &past
	result, err := f.service.Login(ctx, LoginInput{
		TenantID: "acme", Email: "alice@acme.test", Password: "P@ssw0rd!",
	})
	require.NoError(t, err)
	assert.NotNil(t, result.Pair)
	assert.Nil(t, user.LockedUntil)
}

func TestLoginFailureCounterResetsOnSuccess(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice@acme.test", "P@ssw0rd!")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = f.service.Login(ctx, LoginInput{
			TenantID: "acme", Email: "alice@acme.test", Password: "wrong",
		})
	}
	_, err := f.service.Login(ctx, LoginInput{
		TenantID: "acme", Email: "alice@acme.test", Password: "P@ssw0rd!",
	})
	require.NoError(t, err)

	// The slate is clean: four more failures do not lock.
	for i := 0; i < 4; i++ {
		_, err := f.service.Login(ctx, LoginInput{
			TenantID: "acme", Email: "alice@acme.test", Password: "wrong",
		})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err = f.service.Login(ctx, LoginInput{
		TenantID: "acme", Email: "alice@acme.test", Password: "P@ssw0rd!",
	})
	assert.NoError(t, err)
}

func TestLoginMFAPartialSuccess(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice@acme.test", "P@ssw0rd!", func(u *storage.User) {
		u.MFAEnabled = true
	})
	ctx := context.Background()

	result, err := f.service.Login(ctx, LoginInput{
		TenantID: "acme", Email: "alice@acme.test", Password: "P@ssw0rd!",
	})
	require.NoError(t, err)
	assert.True(t, result.MFARequired)
	assert.Nil(t, result.Pair, "no tokens before the second factor")
	require.NotEmpty(t, result.PreAuthToken)

	// The pre-auth token is not usable as an access token.
	_, err = f.issuer.Verify(ctx, result.PreAuthToken, token.KindAccess)
	assert.Error(t, err)

	// Wrong code: still no tokens.
	_, err = f.service.CompleteMFALogin(ctx, result.PreAuthToken, "totp", "000000", "", false)
	assert.Error(t, err)

	// Right code completes the login.
	full, err := f.service.CompleteMFALogin(ctx, result.PreAuthToken, "totp", "123456", "", false)
	require.NoError(t, err)
	require.NotNil(t, full.Pair)
	assert.NotNil(t, full.Session)
}

func TestRefreshRotates(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice@acme.test", "P@ssw0rd!")
	ctx := context.Background()

	result, err := f.service.Login(ctx, LoginInput{
		TenantID: "acme", Email: "alice@acme.test", Password: "P@ssw0rd!",
	})
	require.NoError(t, err)

	fresh, err := f.service.Refresh(ctx, result.Pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, result.Pair.RefreshToken, fresh.RefreshToken)

	// Replaying the old refresh token fails.
	_, err = f.service.Refresh(ctx, result.Pair.RefreshToken)
	assert.Error(t, err)
}

func TestLogoutRevokesAccess(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice@acme.test", "P@ssw0rd!")
	ctx := context.Background()

	result, err := f.service.Login(ctx, LoginInput{
		TenantID: "acme", Email: "alice@acme.test", Password: "P@ssw0rd!",
	})
	require.NoError(t, err)

	require.NoError(t, f.service.Logout(ctx, result.Pair.AccessToken, result.Session.ID))

	_, err = f.issuer.Verify(ctx, result.Pair.AccessToken, token.KindAccess)
	assert.Error(t, err)

	_, err = f.service.sessions.Get(ctx, result.Session.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, err := f.service.Register(ctx, RegisterInput{
		TenantID: "acme", Email: "new@acme.test", Password: "P@ssw0rd!",
	})
	require.NoError(t, err)
	assert.Equal(t, storage.UserActive, user.Status)
	assert.False(t, user.EmailVerified)

	names, perms, err := rbac.NewResolver(f.roles).GetUserPermissions(ctx, "acme", user.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"end_user"}, names)
	assert.Contains(t, perms, "chat:create")

	// Duplicate email within the tenant.
	_, err = f.service.Register(ctx, RegisterInput{
		TenantID: "acme", Email: "new@acme.test", Password: "something",
	})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	user := f.addUser(t, "alice@acme.test", "P@ssw0rd!")
	ctx := context.Background()

	err := f.service.ChangePassword(ctx, "acme", user.ID, "wrong-old", "NewP@ss99")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, f.service.ChangePassword(ctx, "acme", user.ID, "P@ssw0rd!", "NewP@ss99"))
	assert.NoError(t, f.hasher.Compare(user.PasswordHash, "NewP@ss99"))
	assert.Error(t, f.hasher.Compare(user.PasswordHash, "P@ssw0rd!"))
}
