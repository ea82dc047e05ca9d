package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/clawdeck/internal/model"
	"github.com/openclaw/clawdeck/internal/secureproxy"
)

// proxyInstance resolves the instance an agent is calling on behalf of.
// Proxy routes carry no bearer token: agents only hold their instance id,
// and the owning user is derived from the instance row.
func (h *Handler) proxyInstance(w http.ResponseWriter, r *http.Request, instanceID string) (*model.Instance, bool) {
	instance, err := h.store.GetInstance(r.Context(), instanceID)
	if err != nil {
		h.ServiceError(w, err)
		return nil, false
	}
	if instance.Status == model.InstanceStatusDeleted {
		h.Error(w, http.StatusNotFound, "not found")
		return nil, false
	}
	return instance, true
}

// proxyDispatch forwards one integration request after checking that the
// instance exists and has the integration enabled.
func (h *Handler) proxyDispatch(w http.ResponseWriter, r *http.Request, instanceID, integrationID string, req secureproxy.Request) {
	instance, ok := h.proxyInstance(w, r, instanceID)
	if !ok {
		return
	}

	enabled, err := h.integrations.IsEnabled(r.Context(), instance.OwnerUserID, instance.ID, integrationID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	if !enabled {
		h.Error(w, http.StatusForbidden, "integration not enabled for this instance")
		return
	}

	result, err := h.proxy.Call(r.Context(), instance.OwnerUserID, integrationID, req)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	// Provider failures travel inside the envelope with a 200 so agents
	// can distinguish transport errors from API errors.
	h.JSON(w, http.StatusOK, result)
}

// proxyCall handles the path-addressed form, /proxy/{instanceID}/<provider>.
func (h *Handler) proxyCall(w http.ResponseWriter, r *http.Request, integrationID string) {
	var req secureproxy.Request
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	h.proxyDispatch(w, r, chi.URLParam(r, "instanceID"), integrationID, req)
}

// proxyCallCompat handles the flat form, /proxy/<provider>, where the
// instance id travels in the request body.
func (h *Handler) proxyCallCompat(w http.ResponseWriter, r *http.Request, integrationID string) {
	var req struct {
		InstanceID string `json:"instance_id"`
		secureproxy.Request
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.InstanceID == "" {
		h.Error(w, http.StatusBadRequest, "instance_id is required")
		return
	}
	h.proxyDispatch(w, r, req.InstanceID, integrationID, req.Request)
}

// ProxySlack forwards a Slack Web API call.
func (h *Handler) ProxySlack(w http.ResponseWriter, r *http.Request) {
	h.proxyCall(w, r, model.IntegrationSlack)
}

// ProxyGitHub forwards a GitHub REST call.
func (h *Handler) ProxyGitHub(w http.ResponseWriter, r *http.Request) {
	h.proxyCall(w, r, model.IntegrationGitHub)
}

// ProxySlackCompat serves clients that pass the instance id in the body.
func (h *Handler) ProxySlackCompat(w http.ResponseWriter, r *http.Request) {
	h.proxyCallCompat(w, r, model.IntegrationSlack)
}

// ProxyGitHubCompat serves clients that pass the instance id in the body.
func (h *Handler) ProxyGitHubCompat(w http.ResponseWriter, r *http.Request) {
	h.proxyCallCompat(w, r, model.IntegrationGitHub)
}

// ProxyIntegrations tells an agent which integrations it may call.
func (h *Handler) ProxyIntegrations(w http.ResponseWriter, r *http.Request) {
	instance, ok := h.proxyInstance(w, r, chi.URLParam(r, "instanceID"))
	if !ok {
		return
	}
	ids, err := h.integrations.ListForInstance(r.Context(), instance.OwnerUserID, instance.ID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{"integrations": ids})
}
