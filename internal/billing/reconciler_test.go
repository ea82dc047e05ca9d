package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/openclaw/clawdeck/internal/model"
	"github.com/openclaw/clawdeck/internal/store"
)

type fakeStripe struct {
	subs map[string]*StripeSubscription
}

func (f *fakeStripe) GetSubscription(ctx context.Context, id string) (*StripeSubscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription: %s", id)
	}
	return sub, nil
}

func setupReconciler(t *testing.T) (*Reconciler, *store.Store, *fakeStripe) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	s := store.New(db)
	stripe := &fakeStripe{subs: make(map[string]*StripeSubscription)}
	plans := map[string]Plan{
		"price_basic": {Name: "basic", InstanceLimit: 1},
		"price_pro":   {Name: "pro", InstanceLimit: 5},
	}
	return NewReconciler(s, stripe, plans), s, stripe
}

func makeEvent(t *testing.T, id, eventType string, object interface{}) *Event {
	t.Helper()
	raw, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("marshaling object: %v", err)
	}
	event := &Event{ID: id, Type: eventType}
	event.Data.Object = raw
	return event
}

func stripeSub(id, customer, status, priceID string) *StripeSubscription {
	sub := &StripeSubscription{
		ID:                 id,
		Customer:           customer,
		Status:             status,
		CurrentPeriodStart: 1_700_000_000,
		CurrentPeriodEnd:   1_702_592_000,
		Metadata:           map[string]string{},
	}
	sub.Items.Data = []struct {
		Price struct {
			ID string `json:"id"`
		} `json:"price"`
	}{{}}
	sub.Items.Data[0].Price.ID = priceID
	return sub
}

func TestCheckoutCompletedCreatesSubscription(t *testing.T) {
	r, s, stripe := setupReconciler(t)
	ctx := context.Background()
	stripe.subs["sub_1"] = stripeSub("sub_1", "cus_1", "active", "price_pro")

	event := makeEvent(t, "evt_1", "checkout.session.completed", map[string]interface{}{
		"customer":     "cus_1",
		"subscription": "sub_1",
		"metadata":     map[string]string{"userId": "user-1"},
	})
	if err := r.HandleEvent(ctx, event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	got, err := s.GetSubscriptionByStripeID(ctx, "sub_1")
	if err != nil {
		t.Fatalf("loading subscription: %v", err)
	}
	if got.UserID != "user-1" || got.Plan != "pro" || got.InstanceLimit != 5 {
		t.Errorf("unexpected subscription: %+v", got)
	}
	if got.Status != model.SubscriptionStatusActive {
		t.Errorf("status = %q", got.Status)
	}
	if got.CurrentPeriodEnd == nil {
		t.Error("period end not set")
	}
}

func TestCheckoutCompletedMissingUserIDIsNoOp(t *testing.T) {
	r, s, stripe := setupReconciler(t)
	ctx := context.Background()
	stripe.subs["sub_1"] = stripeSub("sub_1", "cus_1", "active", "price_basic")

	event := makeEvent(t, "evt_1", "checkout.session.completed", map[string]interface{}{
		"customer":     "cus_1",
		"subscription": "sub_1",
		"metadata":     map[string]string{},
	})
	if err := r.HandleEvent(ctx, event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if _, err := s.GetSubscriptionByStripeID(ctx, "sub_1"); err == nil {
		t.Error("subscription created despite missing userId")
	}
}

func TestSubscriptionUpdatedUsesExistingRow(t *testing.T) {
	r, s, _ := setupReconciler(t)
	ctx := context.Background()

	seed := &model.Subscription{
		UserID:               "user-1",
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		Status:               model.SubscriptionStatusActive,
		Plan:                 "basic",
		InstanceLimit:        1,
	}
	if err := s.UpsertSubscription(ctx, seed); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	// Update event without userId metadata; attribution comes from the row.
	update := stripeSub("sub_1", "cus_1", "past_due", "price_basic")
	event := makeEvent(t, "evt_2", "customer.subscription.updated", update)
	if err := r.HandleEvent(ctx, event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	got, err := s.GetSubscriptionByStripeID(ctx, "sub_1")
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if got.Status != model.SubscriptionStatusPastDue {
		t.Errorf("status = %q, want PAST_DUE", got.Status)
	}
	if got.UserID != "user-1" {
		t.Errorf("user id = %q", got.UserID)
	}
}

func TestSubscriptionDeletedMarksCanceled(t *testing.T) {
	r, s, _ := setupReconciler(t)
	ctx := context.Background()

	seed := &model.Subscription{
		UserID:               "user-1",
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		Status:               model.SubscriptionStatusActive,
		Plan:                 "basic",
		InstanceLimit:        1,
	}
	if err := s.UpsertSubscription(ctx, seed); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	event := makeEvent(t, "evt_3", "customer.subscription.deleted", map[string]string{"id": "sub_1"})
	if err := r.HandleEvent(ctx, event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	got, _ := s.GetSubscriptionByStripeID(ctx, "sub_1")
	if got.Status != model.SubscriptionStatusCanceled {
		t.Errorf("status = %q, want CANCELED", got.Status)
	}
}

func TestInvoicePaymentFailedMarksPastDue(t *testing.T) {
	r, s, _ := setupReconciler(t)
	ctx := context.Background()

	seed := &model.Subscription{
		UserID:               "user-1",
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		Status:               model.SubscriptionStatusActive,
		Plan:                 "basic",
		InstanceLimit:        1,
	}
	if err := s.UpsertSubscription(ctx, seed); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	event := makeEvent(t, "evt_4", "invoice.payment_failed", map[string]string{"subscription": "sub_1"})
	if err := r.HandleEvent(ctx, event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	got, _ := s.GetSubscriptionByStripeID(ctx, "sub_1")
	if got.Status != model.SubscriptionStatusPastDue {
		t.Errorf("status = %q, want PAST_DUE", got.Status)
	}
}

func TestInvoicePaymentSucceededRefreshesFromStripe(t *testing.T) {
	r, s, stripe := setupReconciler(t)
	ctx := context.Background()

	seed := &model.Subscription{
		UserID:               "user-1",
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		Status:               model.SubscriptionStatusPastDue,
		Plan:                 "basic",
		InstanceLimit:        1,
	}
	if err := s.UpsertSubscription(ctx, seed); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	stripe.subs["sub_1"] = stripeSub("sub_1", "cus_1", "active", "price_basic")

	event := makeEvent(t, "evt_6", "invoice.payment_succeeded", map[string]string{"subscription": "sub_1"})
	if err := r.HandleEvent(ctx, event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	got, _ := s.GetSubscriptionByStripeID(ctx, "sub_1")
	if got.Status != model.SubscriptionStatusActive {
		t.Errorf("status = %q, want ACTIVE", got.Status)
	}
}

func TestInvoicePaidRefreshErrorSurfaces(t *testing.T) {
	r, s, _ := setupReconciler(t)
	ctx := context.Background()

	seed := &model.Subscription{
		UserID:               "user-1",
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		Status:               model.SubscriptionStatusPastDue,
		Plan:                 "basic",
		InstanceLimit:        1,
	}
	if err := s.UpsertSubscription(ctx, seed); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	// Stripe fetch fails; the error must surface so delivery is retried.
	event := makeEvent(t, "evt_7", "invoice.paid", map[string]string{"subscription": "sub_1"})
	if err := r.HandleEvent(ctx, event); err == nil {
		t.Error("expected error when subscription fetch fails")
	}
	got, _ := s.GetSubscriptionByStripeID(ctx, "sub_1")
	if got.Status != model.SubscriptionStatusPastDue {
		t.Errorf("status = %q, want PAST_DUE unchanged", got.Status)
	}
}

func TestUnknownEventTypeIgnored(t *testing.T) {
	r, _, _ := setupReconciler(t)
	event := makeEvent(t, "evt_5", "charge.refunded", map[string]string{"id": "ch_1"})
	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Errorf("unknown event returned error: %v", err)
	}
}
