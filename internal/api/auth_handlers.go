package api

import (
	"net/http"

	"github.com/modelgate/modelgate/internal/api/respond"
	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/rbac"
	"github.com/modelgate/modelgate/internal/storage"
	"github.com/modelgate/modelgate/internal/tenant"
)

// AuthHandler serves the authentication endpoints.
type AuthHandler struct {
	service *auth.Service
	users   storage.UserStore
	rbac    *rbac.Resolver
}

func NewAuthHandler(service *auth.Service, users storage.UserStore, resolver *rbac.Resolver) *AuthHandler {
	return &AuthHandler{service: service, users: users, rbac: resolver}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

// tokenResponse is the success payload for login, MFA completion and
// refresh.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	SessionID    string `json:"session_id,omitempty"`
}

// mfaChallengeResponse is the partial-success payload when a second
// factor is still owed.
type mfaChallengeResponse struct {
	MFARequired  bool   `json:"mfa_required"`
	PreAuthToken string `json:"pre_auth_token"`
}

// Login handles POST /api/v1/auth/login. The tenant comes from the
// X-Tenant-ID header; credentials from the body.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" {
		respond.FieldError(w, r, "email", "email is required")
		return
	}
	if req.Password == "" {
		respond.FieldError(w, r, "password", "password is required")
		return
	}

	tenantID, _ := tenant.HeaderTenant(r.Context())
	result, err := h.service.Login(r.Context(), auth.LoginInput{
		TenantID: tenantID,
		Email:    req.Email,
		Password: req.Password,
		Remember: req.Remember,
		IP:       clientIP(r),
	})
	if err != nil {
		mapAuthError(w, r, err)
		return
	}

	if result.MFARequired {
		respond.JSON(w, r, http.StatusOK, mfaChallengeResponse{
			MFARequired:  true,
			PreAuthToken: result.PreAuthToken,
		})
		return
	}
	respond.JSON(w, r, http.StatusOK, pairResponse(result))
}

type mfaLoginRequest struct {
	PreAuthToken string `json:"pre_auth_token"`
	Method       string `json:"method"`
	Code         string `json:"code"`
	Remember     bool   `json:"remember"`
}

// CompleteMFALogin handles POST /api/v1/auth/login/mfa: the second step
// of an MFA-gated login.
func (h *AuthHandler) CompleteMFALogin(w http.ResponseWriter, r *http.Request) {
	var req mfaLoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PreAuthToken == "" || req.Method == "" || req.Code == "" {
		respond.Error(w, r, http.StatusBadRequest, respond.CodeValidation,
			"pre_auth_token, method and code are required")
		return
	}

	result, err := h.service.CompleteMFALogin(r.Context(), req.PreAuthToken, req.Method, req.Code, clientIP(r), req.Remember)
	if err != nil {
		mapAuthError(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, pairResponse(result))
}

func pairResponse(result *auth.LoginResult) tokenResponse {
	resp := tokenResponse{
		AccessToken:  result.Pair.AccessToken,
		RefreshToken: result.Pair.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    result.Pair.ExpiresIn,
	}
	if result.Session != nil {
		resp.SessionID = result.Session.ID
	}
	return resp
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh handles POST /api/v1/auth/refresh.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		respond.FieldError(w, r, "refresh_token", "refresh_token is required")
		return
	}

	pair, err := h.service.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "invalid refresh token")
		return
	}
	respond.JSON(w, r, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    pair.ExpiresIn,
	})
}

type logoutRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

// Logout handles POST /api/v1/auth/logout: revokes the presented access
// token and deletes the session when the client names one.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.Logout(r.Context(), bearerToken(r), req.SessionID); err != nil {
		respond.Error(w, r, http.StatusInternalServerError, respond.CodeInternal, "logout failed")
		return
	}
	respond.Message(w, r, http.StatusOK, "logged out")
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register handles POST /api/v1/auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" {
		respond.FieldError(w, r, "email", "email is required")
		return
	}
	if len(req.Password) < 8 {
		respond.FieldError(w, r, "password", "password must be at least 8 characters")
		return
	}

	tenantID, _ := tenant.HeaderTenant(r.Context())
	user, err := h.service.Register(r.Context(), auth.RegisterInput{
		TenantID: tenantID,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		mapAuthError(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusCreated, map[string]any{
		"id":    user.ID,
		"email": user.Email,
	})
}

// Me handles GET /api/v1/auth/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
		return
	}
	user, err := h.users.GetByID(r.Context(), tc.TenantID, tc.UserID)
	if err != nil {
		respond.Error(w, r, http.StatusNotFound, respond.CodeNotFound, "user not found")
		return
	}
	respond.JSON(w, r, http.StatusOK, map[string]any{
		"id":             user.ID,
		"tenant_id":      user.TenantID,
		"email":          user.Email,
		"status":         user.Status,
		"email_verified": user.EmailVerified,
		"mfa_enabled":    user.MFAEnabled,
		"roles":          tc.Roles,
		"last_login":     user.LastLogin,
	})
}

// Permissions handles GET /api/v1/auth/permissions: the caller's live
// permission set, falling back to the token snapshot if the store is
// down.
func (h *AuthHandler) Permissions(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
		return
	}
	perms := h.rbac.PermissionsOrSnapshot(r.Context(), tc.TenantID, tc.UserID, tc.Permissions)
	respond.JSON(w, r, http.StatusOK, map[string]any{
		"roles":       tc.Roles,
		"permissions": perms,
	})
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// ChangePassword handles POST /api/v1/auth/password. Success revokes
// every outstanding token for the user.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
		return
	}
	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.NewPassword) < 8 {
		respond.FieldError(w, r, "new_password", "password must be at least 8 characters")
		return
	}

	if err := h.service.ChangePassword(r.Context(), tc.TenantID, tc.UserID, req.OldPassword, req.NewPassword); err != nil {
		mapAuthError(w, r, err)
		return
	}
	respond.Message(w, r, http.StatusOK, "password changed")
}
