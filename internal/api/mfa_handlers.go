package api

import (
	"net/http"

	"github.com/modelgate/modelgate/internal/api/respond"
	"github.com/modelgate/modelgate/internal/mfa"
	"github.com/modelgate/modelgate/internal/storage"
	"github.com/modelgate/modelgate/internal/tenant"
)

// MFAHandler serves enrollment and verification for the second factor.
// All routes run behind Authenticate.
type MFAHandler struct {
	engine *mfa.Engine
	users  storage.UserStore
}

func NewMFAHandler(engine *mfa.Engine, users storage.UserStore) *MFAHandler {
	return &MFAHandler{engine: engine, users: users}
}

// SetupTOTP handles POST /api/v1/mfa/totp/setup. The shared secret and
// backup codes appear in this response and nowhere else.
func (h *MFAHandler) SetupTOTP(w http.ResponseWriter, r *http.Request) {
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

	setup, err := h.engine.SetupTOTP(r.Context(), tc.TenantID, tc.UserID, user.Email)
	if err != nil {
		mapAuthError(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, map[string]any{
		"secret":       setup.Secret,
		"otpauth_uri":  setup.OTPAuthURI,
		"backup_codes": setup.BackupCodes,
	})
}

type contactSetupRequest struct {
	Method  string `json:"method"`
	Contact string `json:"contact"`
}

// SetupContact handles POST /api/v1/mfa/contact/setup for the sms and
// email methods; the first verification code goes out immediately.
func (h *MFAHandler) SetupContact(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
		return
	}
	var req contactSetupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Contact == "" {
		respond.FieldError(w, r, "contact", "contact is required")
		return
	}

	if err := h.engine.SetupContact(r.Context(), tc.TenantID, tc.UserID, req.Method, req.Contact); err != nil {
		mapAuthError(w, r, err)
		return
	}
	respond.Message(w, r, http.StatusOK, "verification code sent")
}

type sendCodeRequest struct {
	Method string `json:"method"`
}

// SendCode handles POST /api/v1/mfa/send.
func (h *MFAHandler) SendCode(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
		return
	}
	var req sendCodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.engine.SendCode(r.Context(), tc.TenantID, tc.UserID, req.Method); err != nil {
		mapAuthError(w, r, err)
		return
	}
	respond.Message(w, r, http.StatusOK, "code sent")
}

type verifyCodeRequest struct {
	Method string `json:"method"`
	Code   string `json:"code"`
}

// VerifyCode handles POST /api/v1/mfa/verify. For an unverified
// enrollment the first success activates it.
func (h *MFAHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
		return
	}
	var req verifyCodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.engine.VerifyCode(r.Context(), tc.TenantID, tc.UserID, req.Method, req.Code); err != nil {
		mapAuthError(w, r, err)
		return
	}
	respond.Message(w, r, http.StatusOK, "code verified")
}

// RegenerateBackupCodes handles POST /api/v1/mfa/backup-codes. The old
// set dies with this call, used or not.
func (h *MFAHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
		return
	}

	codes, err := h.engine.RegenerateBackupCodes(r.Context(), tc.TenantID, tc.UserID)
	if err != nil {
		mapAuthError(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, map[string]any{"backup_codes": codes})
}

// Disable handles DELETE /api/v1/mfa: removes every enrollment and all
// backup codes.
func (h *MFAHandler) Disable(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
		return
	}

	if err := h.engine.Disable(r.Context(), tc.TenantID, tc.UserID); err != nil {
		mapAuthError(w, r, err)
		return
	}
	respond.Message(w, r, http.StatusOK, "mfa disabled")
}

// Status handles GET /api/v1/mfa/status.
func (h *MFAHandler) Status(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
		return
	}

	methods, err := h.engine.Status(r.Context(), tc.TenantID, tc.UserID)
	if err != nil {
		mapAuthError(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, map[string]any{"methods": methods})
}
