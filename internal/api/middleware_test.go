package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/kv"
	"github.com/modelgate/modelgate/internal/storage"
	"github.com/modelgate/modelgate/internal/tenant"
	"github.com/modelgate/modelgate/internal/token"
)

type fakeTenantStore struct {
	tenants map[string]*tenant.Tenant
}

func newFakeTenantStore() *fakeTenantStore {
	return &fakeTenantStore{tenants: map[string]*tenant.Tenant{
		"acme": {ID: "acme", Name: "Acme", Status: tenant.StatusActive},
		"dorm": {ID: "dorm", Name: "Dormant", Status: tenant.StatusSuspended},
	}}
}

func (f *fakeTenantStore) GetByID(_ context.Context, id string) (*tenant.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t, nil
}

func newTestIssuer(t *testing.T) *token.Issuer {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	issuer, err := token.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), "HS256",
		time.Hour, 7*24*time.Hour, token.NewRevoker(store))
	require.NoError(t, err)
	return issuer
}

// okHandler records the identity the middleware installed.
func okHandler(captured **tenant.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tc, err := tenant.FromContext(r.Context()); err == nil {
			*captured = tc
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.NotEmpty(t, env.Errors)
	return env.Errors[0].Code
}

func TestAuthenticateInstallsIdentity(t *testing.T) {
	issuer := newTestIssuer(t)
	userID := uuid.New()
	pair, err := issuer.IssuePair(userID, "acme",
		[]string{"end_user"}, []string{"chat:create"})
	require.NoError(t, err)

	var captured *tenant.Context
	h := Authenticate(issuer, newFakeTenantStore())(okHandler(&captured))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.NotNil(t, captured)
	assert.Equal(t, "acme", captured.TenantID)
	assert.Equal(t, userID, captured.UserID)
	assert.Equal(t, []string{"end_user"}, captured.Roles)
	assert.Equal(t, []string{"chat:create"}, captured.Permissions)
}

func TestAuthenticateMissingToken(t *testing.T) {
	var captured *tenant.Context
	h := Authenticate(newTestIssuer(t), newFakeTenantStore())(okHandler(&captured))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Nil(t, captured)
}

func TestAuthenticateRejectsGarbage(t *testing.T) {
	var captured *tenant.Context
	h := Authenticate(newTestIssuer(t), newFakeTenantStore())(okHandler(&captured))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	r.Header.Set("Authorization", "Bearer not-a-token")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, w))
}

func TestAuthenticateRejectsRefreshToken(t *testing.T) {
	issuer := newTestIssuer(t)
	pair, err := issuer.IssuePair(uuid.New(), "acme", nil, nil)
	require.NoError(t, err)

	var captured *tenant.Context
	h := Authenticate(issuer, newFakeTenantStore())(okHandler(&captured))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	r.Header.Set("Authorization", "Bearer "+pair.RefreshToken)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticateSuspendedTenant(t *testing.T) {
	issuer := newTestIssuer(t)
	pair, err := issuer.IssuePair(uuid.New(), "dorm", nil, nil)
	require.NoError(t, err)

	var captured *tenant.Context
	h := Authenticate(issuer, newFakeTenantStore())(okHandler(&captured))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "TENANT_SUSPENDED", errorCode(t, w))
	assert.Nil(t, captured)
}

func TestAuthenticateUnknownTenant(t *testing.T) {
	issuer := newTestIssuer(t)
	pair, err := issuer.IssuePair(uuid.New(), "ghost", nil, nil)
	require.NoError(t, err)

	var captured *tenant.Context
	h := Authenticate(issuer, newFakeTenantStore())(okHandler(&captured))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func requirePermissionRequest(perms []string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/channels", nil)
	ctx := tenant.WithContext(r.Context(), &tenant.Context{
		TenantID:    "acme",
		UserID:      uuid.New(),
		Permissions: perms,
	})
	return r.WithContext(ctx)
}

func TestRequirePermission(t *testing.T) {
	pass := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	cases := []struct {
		name  string
		perms []string
		want  int
	}{
		{"exact match", []string{"channel:read"}, http.StatusNoContent},
		{"resource wildcard", []string{"channel:*"}, http.StatusNoContent},
		{"system admin", []string{"system:admin"}, http.StatusNoContent},
		{"other resource", []string{"user:read"}, http.StatusForbidden},
		{"empty", nil, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			RequirePermission("channel:read")(pass).ServeHTTP(w, requirePermissionRequest(tc.perms))
			assert.Equal(t, tc.want, w.Code)
		})
	}
}

func TestRequirePermissionWithoutIdentity(t *testing.T) {
	pass := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/channels", nil)
	RequirePermission("channel:read")(pass).ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTenantHeader(t *testing.T) {
	var got string
	var present bool
	h := TenantHeader(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, present = tenant.HeaderTenant(r.Context())
	}))

	r := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	r.Header.Set("X-Tenant-ID", "acme")
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.True(t, present)
	assert.Equal(t, "acme", got)

	present = true
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil))
	assert.False(t, present)
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(1, 2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	burst := func(addr string) []int {
		var codes []int
		for i := 0; i < 3; i++ {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = addr
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			codes = append(codes, w.Code)
		}
		return codes
	}

	codes := burst("198.51.100.7:4000")
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)

	// Another client has its own bucket.
	codes = burst("198.51.100.8:4000")
	assert.Equal(t, http.StatusNoContent, codes[0])
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, bearerToken(r))

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Empty(t, bearerToken(r))

	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	assert.Equal(t, "abc.def.ghi", bearerToken(r))
}
