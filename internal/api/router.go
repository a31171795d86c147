package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/modelgate/modelgate/internal/api/respond"
	"github.com/modelgate/modelgate/internal/relay"
	"github.com/modelgate/modelgate/internal/storage"
	"github.com/modelgate/modelgate/internal/token"
)

// Deps bundles everything the router needs.
type Deps struct {
	Auth     *AuthHandler
	MFA      *MFAHandler
	Roles    *RoleHandler
	Channels *ChannelHandler
	Provider *ProviderHandler
	Proxy    *relay.Proxy

	Issuer  *token.Issuer
	Tenants storage.TenantStore
}

// NewRouter wires the middleware chain and all routes.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(Recoverer)
	r.Use(TenantHeader)
	r.Use(RateLimit(50, 100))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		respond.JSON(w, req, http.StatusOK, map[string]string{"status": "ok"})
	})

	authed := Authenticate(d.Issuer, d.Tenants)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", d.Auth.Login)
			r.Post("/login/mfa", d.Auth.CompleteMFALogin)
			r.Post("/refresh", d.Auth.Refresh)
			r.Post("/register", d.Auth.Register)

			r.Group(func(r chi.Router) {
				r.Use(authed)
				r.Post("/logout", d.Auth.Logout)
				r.Get("/me", d.Auth.Me)
				r.Get("/permissions", d.Auth.Permissions)
				r.Post("/password", d.Auth.ChangePassword)
			})
		})

		r.Route("/mfa", func(r chi.Router) {
			r.Use(authed)
			r.Use(RequirePermission("mfa:manage_self"))
			r.Post("/totp/setup", d.MFA.SetupTOTP)
			r.Post("/contact/setup", d.MFA.SetupContact)
			r.Post("/send", d.MFA.SendCode)
			r.Post("/verify", d.MFA.VerifyCode)
			r.Post("/backup-codes", d.MFA.RegenerateBackupCodes)
			r.Get("/status", d.MFA.Status)
			r.Delete("/", d.MFA.Disable)
		})

		r.Route("/roles", func(r chi.Router) {
			r.Use(authed)
			r.With(RequirePermission("role:read")).Get("/", d.Roles.List)
			r.Group(func(r chi.Router) {
				r.Use(RequirePermission("role:write"))
				r.Post("/", d.Roles.Create)
				r.Put("/{roleID}", d.Roles.Update)
				r.Delete("/{roleID}", d.Roles.Delete)
				r.Post("/{roleID}/assignments", d.Roles.Assign)
				r.Delete("/{roleID}/assignments/{userID}", d.Roles.Unassign)
			})
		})

		r.Route("/channels", func(r chi.Router) {
			r.Use(authed)
			r.Group(func(r chi.Router) {
				r.Use(RequirePermission("channel:read"))
				r.Get("/", d.Channels.List)
				r.Get("/{channelID}", d.Channels.Get)
				r.Get("/{channelID}/metrics", d.Channels.Metrics)
			})
			r.Group(func(r chi.Router) {
				r.Use(RequirePermission("channel:write"))
				r.Post("/", d.Channels.Create)
				r.Put("/{channelID}", d.Channels.Update)
				r.Delete("/{channelID}", d.Channels.Delete)
				r.Patch("/{channelID}/status", d.Channels.SetStatus)
				r.Post("/{channelID}/test", d.Channels.Test)
			})
		})

		r.Route("/providers", func(r chi.Router) {
			r.Use(authed)
			r.Use(RequirePermission("provider:read"))
			r.Get("/", d.Provider.List)
			r.Get("/{providerID}/models", d.Provider.Models)
		})
	})

	// The completions endpoint lives at the OpenAI-compatible path so
	// off-the-shelf clients work unchanged.
	r.Group(func(r chi.Router) {
		r.Use(authed)
		r.Use(RequirePermission("chat:create"))
		r.Post("/v1/chat/completions", d.Proxy.ChatCompletions)
	})

	return r
}
