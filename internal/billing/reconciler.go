package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/openclaw/clawdeck/internal/model"
	"github.com/openclaw/clawdeck/internal/store"
)

// Event is the generic shape of a Stripe webhook event.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Plan describes a purchasable tier.
type Plan struct {
	Name          string
	InstanceLimit int
}

// SubscriptionFetcher loads current subscription state from Stripe.
// Implemented by StripeClient; swapped out in tests.
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*StripeSubscription, error)
}

// Reconciler applies verified webhook events to the local subscription
// cache. Stripe remains the source of truth; the reconciler only mirrors it.
type Reconciler struct {
	store  *store.Store
	stripe SubscriptionFetcher
	plans  map[string]Plan // keyed by Stripe price id
}

// NewReconciler creates a reconciler with the given price-to-plan mapping.
func NewReconciler(s *store.Store, stripe SubscriptionFetcher, plans map[string]Plan) *Reconciler {
	return &Reconciler{store: s, stripe: stripe, plans: plans}
}

// HandleEvent processes one verified event. Unknown event types and events
// missing required metadata are ignored without error so Stripe does not
// retry them.
func (r *Reconciler) HandleEvent(ctx context.Context, event *Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return r.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		return r.handleSubscriptionChanged(ctx, event)
	case "customer.subscription.deleted":
		return r.handleSubscriptionDeleted(ctx, event)
	case "invoice.paid", "invoice.payment_succeeded":
		return r.handleInvoicePaid(ctx, event)
	case "invoice.payment_failed":
		return r.handleInvoiceFailed(ctx, event)
	default:
		log.Printf("Ignoring unhandled billing event type %s", event.Type)
		return nil
	}
}

func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, event *Event) error {
	var session struct {
		Customer     string            `json:"customer"`
		Subscription string            `json:"subscription"`
		Metadata     map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return fmt.Errorf("decoding checkout session: %w", err)
	}
	userID := session.Metadata["userId"]
	if userID == "" {
		log.Printf("Checkout session in event %s has no userId metadata, skipping", event.ID)
		return nil
	}
	if session.Subscription == "" {
		log.Printf("Checkout session in event %s has no subscription, skipping", event.ID)
		return nil
	}

	sub, err := r.stripe.GetSubscription(ctx, session.Subscription)
	if err != nil {
		return fmt.Errorf("fetching subscription %s: %w", session.Subscription, err)
	}
	return r.upsert(ctx, userID, sub)
}

func (r *Reconciler) handleSubscriptionChanged(ctx context.Context, event *Event) error {
	var sub StripeSubscription
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return fmt.Errorf("decoding subscription: %w", err)
	}

	userID := sub.Metadata["userId"]
	if userID == "" {
		// Fall back to an existing row created by checkout completion.
		existing, err := r.store.GetSubscriptionByStripeID(ctx, sub.ID)
		if err != nil {
			log.Printf("Subscription %s in event %s has no userId metadata and no local row, skipping", sub.ID, event.ID)
			return nil
		}
		userID = existing.UserID
	}
	return r.upsert(ctx, userID, &sub)
}

func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, event *Event) error {
	var sub StripeSubscription
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return fmt.Errorf("decoding subscription: %w", err)
	}
	existing, err := r.store.GetSubscriptionByStripeID(ctx, sub.ID)
	if err != nil {
		log.Printf("Deleted subscription %s has no local row, skipping", sub.ID)
		return nil
	}
	existing.Status = model.SubscriptionStatusCanceled
	existing.CancelAtPeriodEnd = false
	return r.store.UpsertSubscription(ctx, existing)
}

// handleInvoicePaid refreshes the local row to the live Stripe state. A paid
// invoice can end a past-due or trialing period, so the current status comes
// from Stripe rather than being assumed.
func (r *Reconciler) handleInvoicePaid(ctx context.Context, event *Event) error {
	invoice, err := decodeInvoice(event)
	if err != nil || invoice.Subscription == "" {
		return err
	}
	existing, err := r.store.GetSubscriptionByStripeID(ctx, invoice.Subscription)
	if err != nil {
		log.Printf("Invoice for subscription %s has no local row, skipping", invoice.Subscription)
		return nil
	}
	sub, err := r.stripe.GetSubscription(ctx, invoice.Subscription)
	if err != nil {
		return fmt.Errorf("fetching subscription %s: %w", invoice.Subscription, err)
	}
	return r.upsert(ctx, existing.UserID, sub)
}

func (r *Reconciler) handleInvoiceFailed(ctx context.Context, event *Event) error {
	invoice, err := decodeInvoice(event)
	if err != nil || invoice.Subscription == "" {
		return err
	}
	existing, err := r.store.GetSubscriptionByStripeID(ctx, invoice.Subscription)
	if err != nil {
		log.Printf("Invoice for subscription %s has no local row, skipping", invoice.Subscription)
		return nil
	}
	existing.Status = model.SubscriptionStatusPastDue
	return r.store.UpsertSubscription(ctx, existing)
}

type invoiceObject struct {
	Subscription string `json:"subscription"`
}

func decodeInvoice(event *Event) (*invoiceObject, error) {
	var invoice invoiceObject
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return nil, fmt.Errorf("decoding invoice: %w", err)
	}
	return &invoice, nil
}

func (r *Reconciler) upsert(ctx context.Context, userID string, sub *StripeSubscription) error {
	plan, ok := r.plans[sub.PriceID()]
	if !ok {
		plan = Plan{Name: "basic", InstanceLimit: 1}
	}

	row := &model.Subscription{
		UserID:               userID,
		StripeCustomerID:     sub.Customer,
		StripeSubscriptionID: sub.ID,
		StripePriceID:        sub.PriceID(),
		Status:               mapStripeStatus(sub.Status),
		Plan:                 plan.Name,
		InstanceLimit:        plan.InstanceLimit,
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
	}
	if sub.CurrentPeriodStart > 0 {
		start := time.Unix(sub.CurrentPeriodStart, 0)
		row.CurrentPeriodStart = &start
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0)
		row.CurrentPeriodEnd = &end
	}
	return r.store.UpsertSubscription(ctx, row)
}

func mapStripeStatus(status string) string {
	switch status {
	case "active":
		return model.SubscriptionStatusActive
	case "trialing":
		return model.SubscriptionStatusTrialing
	case "past_due":
		return model.SubscriptionStatusPastDue
	case "canceled", "incomplete_expired":
		return model.SubscriptionStatusCanceled
	case "unpaid", "incomplete":
		return model.SubscriptionStatusUnpaid
	default:
		return model.SubscriptionStatusActive
	}
}
