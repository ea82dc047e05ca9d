package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/openclaw/clawdeck/internal/billing"
	"github.com/openclaw/clawdeck/internal/model"
	"github.com/openclaw/clawdeck/internal/store"
)

// maxWebhookBytes bounds the webhook body read.
const maxWebhookBytes = 1 << 20

// CreateCheckout starts a Stripe checkout session for a plan.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req struct {
		Plan string `json:"plan"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	var priceID string
	switch req.Plan {
	case "basic":
		priceID = h.cfg.StripePriceBasic
	case "pro":
		priceID = h.cfg.StripePricePro
	default:
		h.Error(w, http.StatusBadRequest, "unknown plan")
		return
	}
	if priceID == "" {
		h.Error(w, http.StatusBadRequest, "plan not available")
		return
	}

	session, err := h.stripe.CreateCheckoutSession(r.Context(), userID, priceID,
		h.cfg.FrontendURL+"/billing/success", h.cfg.FrontendURL+"/billing/cancel")
	if err != nil {
		log.Printf("Creating checkout session: %v", err)
		h.Error(w, http.StatusBadGateway, "billing provider error")
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"url": session.URL})
}

// CreatePortal opens the Stripe customer portal.
func (h *Handler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	sub, err := h.store.GetSubscriptionByUser(r.Context(), userID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	session, err := h.stripe.CreatePortalSession(r.Context(), sub.StripeCustomerID, h.cfg.FrontendURL+"/billing")
	if err != nil {
		log.Printf("Creating portal session: %v", err)
		h.Error(w, http.StatusBadGateway, "billing provider error")
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"url": session.URL})
}

// ListInvoices returns the caller's Stripe invoices.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	sub, err := h.store.GetSubscriptionByUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.JSON(w, http.StatusOK, map[string]interface{}{"invoices": []billing.Invoice{}})
			return
		}
		h.ServiceError(w, err)
		return
	}

	invoices, err := h.stripe.ListInvoices(r.Context(), sub.StripeCustomerID, 20)
	if err != nil {
		log.Printf("Listing invoices: %v", err)
		h.Error(w, http.StatusBadGateway, "billing provider error")
		return
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{"invoices": invoices})
}

// GetSubscription returns the caller's cached subscription state.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	sub, err := h.store.GetSubscriptionByUser(r.Context(), userID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, sub)
}

// BillingWebhook receives Stripe events. The signature is verified against
// the raw body before any parsing; replayed events are acknowledged without
// reprocessing, and unknown event types return 200 so Stripe stops
// retrying them.
func (h *Handler) BillingWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "reading body")
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if err := billing.VerifySignature(body, signature, h.cfg.StripeWebhookSecret, time.Now()); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid signature")
		return
	}

	var event billing.Event
	if err := json.Unmarshal(body, &event); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid event payload")
		return
	}
	if event.ID == "" {
		h.Error(w, http.StatusBadRequest, "event id is required")
		return
	}

	seen, err := h.store.RecordWebhookEvent(r.Context(), &model.BillingWebhookEvent{
		ProviderEventID: event.ID,
		EventType:       event.Type,
	})
	if err != nil {
		log.Printf("Recording webhook event %s: %v", event.ID, err)
		h.Error(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if seen {
		h.JSON(w, http.StatusOK, map[string]string{"status": "already processed"})
		return
	}

	processErr := h.reconciler.HandleEvent(r.Context(), &event)
	if err := h.store.MarkWebhookProcessed(r.Context(), event.ID, processErr); err != nil {
		log.Printf("Marking webhook event %s processed: %v", event.ID, err)
	}
	if processErr != nil {
		log.Printf("Processing webhook event %s (%s): %v", event.ID, event.Type, processErr)
		h.Error(w, http.StatusInternalServerError, "event processing failed")
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "processed"})
}
