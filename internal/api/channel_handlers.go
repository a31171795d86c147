package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/modelgate/modelgate/internal/api/respond"
	"github.com/modelgate/modelgate/internal/channel"
	"github.com/modelgate/modelgate/internal/provider"
	"github.com/modelgate/modelgate/internal/tenant"
)

// ChannelHandler serves channel CRUD, metrics and credential testing.
type ChannelHandler struct {
	manager  *channel.Manager
	registry *provider.Registry
}

func NewChannelHandler(manager *channel.Manager, registry *provider.Registry) *ChannelHandler {
	return &ChannelHandler{manager: manager, registry: registry}
}

type channelRequest struct {
	Name         string            `json:"name"`
	ProviderType string            `json:"provider_type"`
	BaseURL      string            `json:"base_url"`
	Credentials  map[string]string `json:"credentials"`
	Models       []string          `json:"models"`
	Status       string            `json:"status"`
	Priority     int               `json:"priority"`
	Weight       int               `json:"weight"`
	MaxRPM       int               `json:"max_rpm"`
}

func (req *channelRequest) toChannel(tenantID, id string) *channel.Channel {
	return &channel.Channel{
		ID:           id,
		TenantID:     tenantID,
		Name:         req.Name,
		ProviderType: req.ProviderType,
		BaseURL:      req.BaseURL,
		Credentials:  req.Credentials,
		Models:       req.Models,
		Status:       channel.Status(req.Status),
		Priority:     req.Priority,
		Weight:       req.Weight,
		MaxRPM:       req.MaxRPM,
	}
}

// List handles GET /api/v1/channels. Credentials never leave the
// server; the Channel JSON shape omits them.
func (h *ChannelHandler) List(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
		return
	}
	channels := h.manager.ListByTenant(tc.TenantID)
	respond.JSON(w, r, http.StatusOK, map[string]any{"channels": channels})
}

// Create handles POST /api/v1/channels.
func (h *ChannelHandler) Create(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
		return
	}
	var req channelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, err := h.registry.Get(req.ProviderType); err != nil {
		respond.FieldError(w, r, "provider_type", "unknown provider type")
		return
	}

	created, err := h.manager.Register(r.Context(), req.toChannel(tc.TenantID, ""))
	if err != nil {
		respond.Error(w, r, http.StatusBadRequest, respond.CodeValidation, err.Error())
		return
	}
	respond.JSON(w, r, http.StatusCreated, created)
}

// Get handles GET /api/v1/channels/{channelID}.
func (h *ChannelHandler) Get(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
		return
	}
	ch, err := h.manager.Get(tc.TenantID, chi.URLParam(r, "channelID"))
	if err != nil {
		respond.Error(w, r, http.StatusNotFound, respond.CodeNotFound, "channel not found")
		return
	}
	respond.JSON(w, r, http.StatusOK, ch)
}

// Update handles PUT /api/v1/channels/{channelID}. Omitting credentials
// keeps the stored ones.
func (h *ChannelHandler) Update(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
		return
	}
	var req channelRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	updated, err := h.manager.Update(r.Context(), req.toChannel(tc.TenantID, chi.URLParam(r, "channelID")))
	if err != nil {
		if errors.Is(err, channel.ErrChannelNotFound) {
			respond.Error(w, r, http.StatusNotFound, respond.CodeNotFound, "channel not found")
			return
		}
		respond.Error(w, r, http.StatusBadRequest, respond.CodeValidation, err.Error())
		return
	}
	respond.JSON(w, r, http.StatusOK, updated)
}

// Delete handles DELETE /api/v1/channels/{channelID}.
func (h *ChannelHandler) Delete(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
		return
	}
	if err := h.manager.Delete(r.Context(), tc.TenantID, chi.URLParam(r, "channelID")); err != nil {
		if errors.Is(err, channel.ErrChannelNotFound) {
			respond.Error(w, r, http.StatusNotFound, respond.CodeNotFound, "channel not found")
			return
		}
		respond.Error(w, r, http.StatusInternalServerError, respond.CodeInternal, "failed to delete channel")
		return
	}
	respond.Message(w, r, http.StatusOK, "channel deleted")
}

type statusRequest struct {
	Status string `json:"status"`
}

// SetStatus handles PATCH /api/v1/channels/{channelID}/status: manual
// suspend/resume/maintenance.
func (h *ChannelHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
		return
	}
	var req statusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch channel.Status(req.Status) {
	case channel.StatusActive, channel.StatusInactive, channel.StatusMaintenance:
	default:
		respond.FieldError(w, r, "status", "status must be active, inactive or maintenance")
		return
	}

	if err := h.manager.SetStatus(r.Context(), tc.TenantID, chi.URLParam(r, "channelID"), channel.Status(req.Status)); err != nil {
		if errors.Is(err, channel.ErrChannelNotFound) {
			respond.Error(w, r, http.StatusNotFound, respond.CodeNotFound, "channel not found")
			return
		}
		respond.Error(w, r, http.StatusInternalServerError, respond.CodeInternal, "failed to update status")
		return
	}
	respond.Message(w, r, http.StatusOK, "status updated")
}

// Metrics handles GET /api/v1/channels/{channelID}/metrics.
func (h *ChannelHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
		return
	}
	snap, err := h.manager.MetricsSnapshot(tc.TenantID, chi.URLParam(r, "channelID"))
	if err != nil {
		respond.Error(w, r, http.StatusNotFound, respond.CodeNotFound, "channel not found")
		return
	}
	respond.JSON(w, r, http.StatusOK, snap)
}

// Test handles POST /api/v1/channels/{channelID}/test: a live probe of
// the channel's stored credentials.
func (h *ChannelHandler) Test(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		respond.Error(w, r, http.StatusUnauthorized, respond.CodeUnauthorized, "authentication required")
		return
	}
	ch, err := h.manager.Get(tc.TenantID, chi.URLParam(r, "channelID"))
	if err != nil {
		respond.Error(w, r, http.StatusNotFound, respond.CodeNotFound, "channel not found")
		return
	}

	latency, err := h.registry.ValidateCredentials(r.Context(), ch.ProviderType, ch.BaseURL, ch.Credentials)
	result := map[string]any{
		"ok":         err == nil,
		"latency_ms": latency.Milliseconds(),
	}
	if err != nil {
		result["error"] = err.Error()
	}
	respond.JSON(w, r, http.StatusOK, result)
}

// ProviderHandler serves the read-only provider-type catalog.
type ProviderHandler struct {
	registry *provider.Registry
}

func NewProviderHandler(registry *provider.Registry) *ProviderHandler {
	return &ProviderHandler{registry: registry}
}

type providerResponse struct {
	ID          string                     `json:"id"`
	DisplayName string                     `json:"display_name"`
	BaseURL     string                     `json:"base_url"`
	Credentials []provider.CredentialField `json:"credentials"`
	Models      []string                   `json:"models"`
}

// List handles GET /api/v1/providers.
func (h *ProviderHandler) List(w http.ResponseWriter, r *http.Request) {
	types := h.registry.List()
	out := make([]providerResponse, 0, len(types))
	for _, t := range types {
		out = append(out, providerResponse{
			ID:          t.ID,
			DisplayName: t.DisplayName,
			BaseURL:     t.BaseURL,
			Credentials: t.Credentials,
			Models:      t.Models,
		})
	}
	respond.JSON(w, r, http.StatusOK, map[string]any{"providers": out})
}

// Models handles GET /api/v1/providers/{providerID}/models.
func (h *ProviderHandler) Models(w http.ResponseWriter, r *http.Request) {
	models, err := h.registry.SupportedModels(chi.URLParam(r, "providerID"))
	if err != nil {
		respond.Error(w, r, http.StatusNotFound, respond.CodeNotFound, "unknown provider type")
		return
	}
	respond.JSON(w, r, http.StatusOK, map[string]any{"models": models})
}
