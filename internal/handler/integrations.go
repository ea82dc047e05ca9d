package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type integrationStatus struct {
	ID                string `json:"id"`
	Connected         bool   `json:"connected"`
	AccountIdentifier string `json:"account_identifier,omitempty"`
	ConnectedAt       string `json:"connected_at,omitempty"`
}

// ListIntegrations returns the integration catalog with the caller's
// connection state. No token material is ever included.
func (h *Handler) ListIntegrations(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	connected, err := h.store.ListUserIntegrations(r.Context(), userID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	byID := make(map[string]integrationStatus, len(connected))
	for _, ui := range connected {
		status := integrationStatus{
			ID:          ui.IntegrationID,
			Connected:   true,
			ConnectedAt: ui.ConnectedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
		if ui.AccountIdentifier != nil {
			status.AccountIdentifier = *ui.AccountIdentifier
		}
		byID[ui.IntegrationID] = status
	}

	catalog := h.flow.Integrations()
	out := make([]integrationStatus, 0, len(catalog))
	for _, id := range catalog {
		if status, ok := byID[id]; ok {
			out = append(out, status)
		} else {
			out = append(out, integrationStatus{ID: id})
		}
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{"integrations": out})
}

// ListUserIntegrations returns only the caller's connected integrations.
func (h *Handler) ListUserIntegrations(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	connected, err := h.store.ListUserIntegrations(r.Context(), userID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	out := make([]integrationStatus, 0, len(connected))
	for _, ui := range connected {
		status := integrationStatus{
			ID:          ui.IntegrationID,
			Connected:   true,
			ConnectedAt: ui.ConnectedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
		if ui.AccountIdentifier != nil {
			status.AccountIdentifier = *ui.AccountIdentifier
		}
		out = append(out, status)
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{"integrations": out})
}

// OAuthConnect returns the provider authorize URL for the caller.
func (h *Handler) OAuthConnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	authURL, err := h.flow.Initiate(userID, chi.URLParam(r, "integrationID"))
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"url": authURL})
}

// OAuthInitiate is the body-parameter form of OAuthConnect.
func (h *Handler) OAuthInitiate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req struct {
		IntegrationID string `json:"integration_id"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.IntegrationID == "" {
		h.Error(w, http.StatusBadRequest, "integration_id is required")
		return
	}
	authURL, err := h.flow.Initiate(userID, req.IntegrationID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"url": authURL})
}

// OAuthCallback completes the OAuth exchange. It is unauthenticated; the
// signed state token identifies the user.
func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.Error(w, http.StatusBadRequest, "authorization denied")
		return
	}
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		h.Error(w, http.StatusBadRequest, "code and state are required")
		return
	}

	ui, err := h.flow.HandleCallback(r.Context(), code, state)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	resp := map[string]interface{}{
		"connected":   true,
		"integration": ui.IntegrationID,
	}
	if ui.AccountIdentifier != nil {
		resp["account_identifier"] = *ui.AccountIdentifier
	}
	h.JSON(w, http.StatusOK, resp)
}

// RefreshIntegration rotates the stored access token.
func (h *Handler) RefreshIntegration(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	ui, err := h.flow.Refresh(r.Context(), userID, chi.URLParam(r, "integrationID"))
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	resp := map[string]interface{}{"refreshed": true}
	if ui.TokenExpiresAt != nil {
		resp["token_expires_at"] = ui.TokenExpiresAt
	}
	h.JSON(w, http.StatusOK, resp)
}

// DisconnectIntegration removes a connection and its instance bindings.
func (h *Handler) DisconnectIntegration(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if err := h.flow.Disconnect(r.Context(), userID, chi.URLParam(r, "integrationID")); err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// EnableIntegration binds an integration to an instance.
func (h *Handler) EnableIntegration(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	binding, err := h.integrations.EnableForInstance(r.Context(), userID, chi.URLParam(r, "instanceID"), chi.URLParam(r, "integrationID"))
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusCreated, binding)
}

// DisableIntegration removes a binding.
func (h *Handler) DisableIntegration(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if err := h.integrations.DisableForInstance(r.Context(), userID, chi.URLParam(r, "instanceID"), chi.URLParam(r, "integrationID")); err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

// ListInstanceIntegrations lists the integration ids enabled on an instance.
func (h *Handler) ListInstanceIntegrations(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	ids, err := h.integrations.ListForInstance(r.Context(), userID, chi.URLParam(r, "instanceID"))
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{"integrations": ids})
}
