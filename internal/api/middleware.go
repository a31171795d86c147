package api

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/modelgate/modelgate/internal/api/respond"
	"github.com/modelgate/modelgate/internal/rbac"
	"github.com/modelgate/modelgate/internal/storage"
	"github.com/modelgate/modelgate/internal/tenant"
	"github.com/modelgate/modelgate/internal/token"
)

// TenantHeader stashes the X-Tenant-ID header in the request context
// before authentication has run. Pre-auth endpoints (login, register)
// read it; authenticated endpoints trust the token's tenant instead.
func TenantHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Tenant-ID"); id != "" {
			r = r.WithContext(tenant.WithHeaderTenant(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// Authenticate validates the bearer token, gates on tenant status, and
// installs the identity bundle in the request context.
func Authenticate(issuer *token.Issuer, tenants storage.TenantStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "missing bearer token")
				return
			}

			claims, err := issuer.Verify(r.Context(), raw, token.KindAccess)
			if err != nil {
				respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, verifyMessage(err))
				return
			}

			t, err := tenants.GetByID(r.Context(), claims.TenantID)
			if err != nil {
				respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "unknown tenant")
				return
			}
			if !t.Active() {
				respond.Error(w, r, http.StatusForbidden, respond.CodeTenantDenied, "tenant is suspended")
				return
			}

			tc := &tenant.Context{
				TenantID:    claims.TenantID,
				UserID:      claims.UserID,
				Roles:       claims.Roles,
				Permissions: claims.Permissions,
			}
			next.ServeHTTP(w, r.WithContext(tenant.WithContext(r.Context(), tc)))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	tok, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(tok)
}

// verifyMessage maps a token verification failure to its client-facing
// wording without leaking internals.
func verifyMessage(err error) string {
	var verr *token.VerifyError
	if errors.As(err, &verr) {
		switch verr.Reason {
		case token.ReasonExpired:
			return "token expired"
		case token.ReasonRevoked:
			return "token revoked"
		}
	}
	return "invalid token"
}

// RequirePermission gates a route on one permission name. It assumes
// Authenticate ran earlier in the chain.
func RequirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc, err := tenant.FromContext(r.Context())
			if err != nil {
				respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
				return
			}
			if !rbac.Check(tc.Permissions, perm) {
				respond.Error(w, r, http.StatusForbidden, respond.CodeForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ipLimiter hands out one token-bucket limiter per client IP. Idle
// entries are swept so the map does not grow without bound.
type ipLimiter struct {
	mu      sync.Mutex
	clients map[string]*ipClient
	rps     rate.Limit
	burst   int
}

type ipClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(rps rate.Limit, burst int) *ipLimiter {
	l := &ipLimiter{
		clients: make(map[string]*ipClient),
		rps:     rps,
		burst:   burst,
	}
	go l.sweep()
	return l
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.clients[ip]
	if !ok {
		c = &ipClient{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = time.Now()
	return c.limiter.Allow()
}

func (l *ipLimiter) sweep() {
	for range time.Tick(time.Minute) {
		l.mu.Lock()
		for ip, c := range l.clients {
			if time.Since(c.lastSeen) > 3*time.Minute {
				delete(l.clients, ip)
			}
		}
		l.mu.Unlock()
	}
}

// RateLimit throttles by client IP with a token bucket.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	limiter := newIPLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.allow(clientIP(r)) {
				respond.Error(w, r, http.StatusTooManyRequests, respond.CodeRateLimited, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Recoverer turns panics into 500s and forwards them to Sentry with the
// request attached.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(r)
				hub.Recover(rec)
				slog.Error("panic recovered",
					"panic", rec,
					"path", r.URL.Path,
					"request_id", middleware.GetReqID(r.Context()))
				respond.Error(w, r, http.StatusInternalServerError, respond.CodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestLogger emits one structured line per request.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", clientIP(r),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
