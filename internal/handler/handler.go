// Package handler wires HTTP routes to the service layer.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/clawdeck/internal/billing"
	"github.com/openclaw/clawdeck/internal/config"
	"github.com/openclaw/clawdeck/internal/middleware"
	"github.com/openclaw/clawdeck/internal/oauth"
	"github.com/openclaw/clawdeck/internal/secureproxy"
	"github.com/openclaw/clawdeck/internal/service"
	"github.com/openclaw/clawdeck/internal/store"
)

// Handler holds the dependencies for all HTTP endpoints.
type Handler struct {
	cfg          *config.Config
	store        *store.Store
	instances    *service.InstanceService
	chat         *service.ChatService
	integrations *service.IntegrationService
	flow         *oauth.Flow
	proxy        *secureproxy.Proxy
	stripe       *billing.StripeClient
	reconciler   *billing.Reconciler
}

// New creates the handler.
func New(
	cfg *config.Config,
	s *store.Store,
	instances *service.InstanceService,
	chat *service.ChatService,
	integrations *service.IntegrationService,
	flow *oauth.Flow,
	proxy *secureproxy.Proxy,
	stripe *billing.StripeClient,
	reconciler *billing.Reconciler,
) *Handler {
	return &Handler{
		cfg:          cfg,
		store:        s,
		instances:    instances,
		chat:         chat,
		integrations: integrations,
		flow:         flow,
		proxy:        proxy,
		stripe:       stripe,
		reconciler:   reconciler,
	}
}

// Routes mounts all endpoints. Authenticated routes sit behind the bearer
// token middleware; OAuth callbacks, the billing webhook, and the proxy
// surface stay public because their callers cannot send our tokens.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)

	r.Get("/integrations/oauth/callback", h.OAuthCallback)
	r.Get("/integrations/{integrationID}/callback", h.OAuthCallback)
	r.Post("/billing/webhook", h.BillingWebhook)

	// The proxy surface is called by agents inside instances, which hold
	// only their instance id, never a user token.
	r.Route("/proxy", func(r chi.Router) {
		r.Post("/slack", h.ProxySlackCompat)
		r.Post("/github", h.ProxyGitHubCompat)
		r.Post("/{instanceID}/slack", h.ProxySlack)
		r.Post("/{instanceID}/github", h.ProxyGitHub)
		r.Get("/integrations/{instanceID}", h.ProxyIntegrations)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(h.store))

		r.Route("/instances", func(r chi.Router) {
			r.Post("/", h.CreateInstance)
			r.Get("/", h.ListInstances)
			r.Route("/{instanceID}", func(r chi.Router) {
				r.Get("/", h.GetInstance)
				r.Delete("/", h.DeleteInstance)
				r.Post("/start", h.StartInstance)
				r.Post("/stop", h.StopInstance)
				r.Post("/retry", h.RetryInstance)
				r.Post("/chat", h.SendChatMessage)
				r.Get("/chat/history", h.ChatHistory)
				r.Post("/chat/upload", h.UploadFile)
				r.Post("/files", h.UploadFile)
				r.Get("/integrations", h.ListInstanceIntegrations)
				r.Post("/integrations/{integrationID}", h.EnableIntegration)
				r.Delete("/integrations/{integrationID}", h.DisableIntegration)
			})
		})

		r.Get("/tasks/{taskID}", h.GetTask)

		r.Route("/integrations", func(r chi.Router) {
			r.Get("/", h.ListIntegrations)
			r.Get("/user", h.ListUserIntegrations)
			r.Post("/oauth/initiate", h.OAuthInitiate)
			r.Post("/oauth/refresh/{integrationID}", h.RefreshIntegration)
			r.Get("/{integrationID}/connect", h.OAuthConnect)
			r.Post("/{integrationID}/refresh", h.RefreshIntegration)
			r.Delete("/user/{integrationID}", h.DisconnectIntegration)
			r.Delete("/{integrationID}", h.DisconnectIntegration)
		})

		r.Route("/billing", func(r chi.Router) {
			r.Post("/checkout", h.CreateCheckout)
			r.Post("/portal", h.CreatePortal)
			r.Get("/invoices", h.ListInvoices)
			r.Get("/subscription", h.GetSubscription)
		})
	})
}

// Health is a liveness probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// JSON writes a JSON response.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("Encoding response: %v", err)
		}
	}
}

// Error writes a JSON error response.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// DecodeJSON decodes the request body into v.
func (h *Handler) DecodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// ServiceError maps service and store errors to HTTP responses.
func (h *Handler) ServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.Error(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrStatusConflict):
		h.Error(w, http.StatusPreconditionFailed, "instance is not in a valid state for this operation")
	case errors.Is(err, store.ErrDuplicate):
		h.Error(w, http.StatusConflict, "already exists")
	case errors.Is(err, service.ErrInvalidInput):
		h.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrInstanceNotRunning):
		h.Error(w, http.StatusBadRequest, "instance is not running")
	case errors.Is(err, service.ErrPlanLimitReached):
		h.Error(w, http.StatusPaymentRequired, "plan instance limit reached")
	case errors.Is(err, service.ErrUnsupportedFileType):
		h.Error(w, http.StatusUnsupportedMediaType, "unsupported file type")
	case errors.Is(err, service.ErrIntegrationNotConnected):
		h.Error(w, http.StatusBadRequest, "integration not connected")
	case errors.Is(err, oauth.ErrUnknownIntegration):
		h.Error(w, http.StatusNotFound, "unknown integration")
	case errors.Is(err, oauth.ErrStateInvalid), errors.Is(err, oauth.ErrStateExpired):
		h.Error(w, http.StatusBadRequest, "invalid or expired state")
	case errors.Is(err, oauth.ErrNoRefreshToken):
		h.Error(w, http.StatusBadRequest, "integration has no refresh token")
	default:
		log.Printf("Internal error: %v", err)
		h.Error(w, http.StatusInternalServerError, "internal server error")
	}
}

// userID pulls the authenticated user from the context.
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := middleware.UserID(r.Context())
	if !ok {
		h.Error(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return id, true
}
