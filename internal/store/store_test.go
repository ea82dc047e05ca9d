package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/openclaw/clawdeck/internal/model"
)

func setupTestStore(t *testing.T) *Store {
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
	return New(db)
}

func createTestUser(t *testing.T, s *Store) *model.User {
	t.Helper()
	user := &model.User{Email: "owner-" + time.Now().Format("150405.000000000") + "@example.com"}
	if err := s.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("creating user: %v", err)
	}
	return user
}

func createTestInstance(t *testing.T, s *Store, userID, status string) *model.Instance {
	t.Helper()
	instance := &model.Instance{
		OwnerUserID: userID,
		Name:        "claw-1",
		Provider:    model.ProviderDocker,
		Status:      status,
	}
	if err := s.CreateInstance(context.Background(), instance); err != nil {
		t.Fatalf("creating instance: %v", err)
	}
	return instance
}

func TestGetInstanceForUserHidesOtherOwners(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	owner := createTestUser(t, s)
	other := createTestUser(t, s)
	instance := createTestInstance(t, s, owner.ID, model.InstanceStatusRunning)

	if _, err := s.GetInstanceForUser(ctx, instance.ID, owner.ID); err != nil {
		t.Fatalf("owner lookup: %v", err)
	}
	if _, err := s.GetInstanceForUser(ctx, instance.ID, other.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("other user lookup: got %v, want ErrNotFound", err)
	}
}

func TestGetInstanceForUserHidesDeleted(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	owner := createTestUser(t, s)
	instance := createTestInstance(t, s, owner.ID, model.InstanceStatusDeleted)

	if _, err := s.GetInstanceForUser(ctx, instance.ID, owner.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestListInstancesExcludesDeleted(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	owner := createTestUser(t, s)
	createTestInstance(t, s, owner.ID, model.InstanceStatusRunning)
	createTestInstance(t, s, owner.ID, model.InstanceStatusDeleted)

	list, err := s.ListInstancesByUser(ctx, owner.ID)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("got %d instances, want 1", len(list))
	}
}

func TestTransitionInstanceStatus(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	owner := createTestUser(t, s)
	instance := createTestInstance(t, s, owner.ID, model.InstanceStatusRunning)

	err := s.TransitionInstanceStatus(ctx, instance.ID, model.InstanceStatusStopped, model.InstanceStatusRunning)
	if err != nil {
		t.Fatalf("valid transition: %v", err)
	}

	got, err := s.GetInstance(ctx, instance.ID)
	if err != nil {
		t.Fatalf("reloading: %v", err)
	}
	if got.Status != model.InstanceStatusStopped {
		t.Errorf("status = %q, want STOPPED", got.Status)
	}
}

func TestTransitionInstanceStatusConflict(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	owner := createTestUser(t, s)
	instance := createTestInstance(t, s, owner.ID, model.InstanceStatusStopped)

	// Second stop of an already stopped instance must not win.
	err := s.TransitionInstanceStatus(ctx, instance.ID, model.InstanceStatusStopped, model.InstanceStatusRunning)
	if !errors.Is(err, ErrStatusConflict) {
		t.Errorf("got %v, want ErrStatusConflict", err)
	}
}

func TestTransitionInstanceStatusMissingRow(t *testing.T) {
	s := setupTestStore(t)
	err := s.TransitionInstanceStatus(context.Background(), "no-such-id", model.InstanceStatusStopped, model.InstanceStatusRunning)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestUpsertUserIntegrationReplacesTokens(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s)

	first := &model.UserIntegration{
		UserID:               user.ID,
		IntegrationID:        model.IntegrationSlack,
		EncryptedAccessToken: []byte("cipher-v1"),
	}
	if err := s.UpsertUserIntegration(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second := &model.UserIntegration{
		UserID:               user.ID,
		IntegrationID:        model.IntegrationSlack,
		EncryptedAccessToken: []byte("cipher-v2"),
	}
	if err := s.UpsertUserIntegration(ctx, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := s.GetUserIntegration(ctx, user.ID, model.IntegrationSlack)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.EncryptedAccessToken) != "cipher-v2" {
		t.Errorf("access token = %q, want cipher-v2", got.EncryptedAccessToken)
	}

	list, err := s.ListUserIntegrations(ctx, user.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("got %d integrations, want 1", len(list))
	}
}

func TestCreateInstanceIntegrationDuplicate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s)
	instance := createTestInstance(t, s, user.ID, model.InstanceStatusRunning)

	ui := &model.UserIntegration{
		UserID:               user.ID,
		IntegrationID:        model.IntegrationGitHub,
		EncryptedAccessToken: []byte("cipher"),
	}
	if err := s.UpsertUserIntegration(ctx, ui); err != nil {
		t.Fatalf("upsert integration: %v", err)
	}

	binding := &model.InstanceIntegration{InstanceID: instance.ID, UserIntegrationID: ui.ID}
	if err := s.CreateInstanceIntegration(ctx, binding); err != nil {
		t.Fatalf("first binding: %v", err)
	}

	dup := &model.InstanceIntegration{InstanceID: instance.ID, UserIntegrationID: ui.ID}
	if err := s.CreateInstanceIntegration(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("got %v, want ErrDuplicate", err)
	}
}

func TestDeleteUserIntegrationRemovesBindings(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s)
	instance := createTestInstance(t, s, user.ID, model.InstanceStatusRunning)

	ui := &model.UserIntegration{
		UserID:               user.ID,
		IntegrationID:        model.IntegrationGitHub,
		EncryptedAccessToken: []byte("cipher"),
	}
	if err := s.UpsertUserIntegration(ctx, ui); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	binding := &model.InstanceIntegration{InstanceID: instance.ID, UserIntegrationID: ui.ID}
	if err := s.CreateInstanceIntegration(ctx, binding); err != nil {
		t.Fatalf("binding: %v", err)
	}

	if err := s.DeleteUserIntegration(ctx, user.ID, model.IntegrationGitHub); err != nil {
		t.Fatalf("delete: %v", err)
	}

	bindings, err := s.ListInstanceIntegrations(ctx, instance.ID)
	if err != nil {
		t.Fatalf("listing bindings: %v", err)
	}
	if len(bindings) != 0 {
		t.Errorf("got %d bindings, want 0", len(bindings))
	}
}

func TestRecordWebhookEventIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	event := &model.BillingWebhookEvent{ProviderEventID: "evt_123", EventType: "invoice.paid"}
	seen, err := s.RecordWebhookEvent(ctx, event)
	if err != nil {
		t.Fatalf("first record: %v", err)
	}
	if seen {
		t.Error("first record reported seen")
	}
	if err := s.MarkWebhookProcessed(ctx, "evt_123", nil); err != nil {
		t.Fatalf("marking processed: %v", err)
	}

	replay := &model.BillingWebhookEvent{ProviderEventID: "evt_123", EventType: "invoice.paid"}
	seen, err = s.RecordWebhookEvent(ctx, replay)
	if err != nil {
		t.Fatalf("replay record: %v", err)
	}
	if !seen {
		t.Error("replay of a processed event not reported as seen")
	}
}

func TestRecordWebhookEventFailedProcessingIsNotSeen(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	event := &model.BillingWebhookEvent{ProviderEventID: "evt_456", EventType: "invoice.paid"}
	if _, err := s.RecordWebhookEvent(ctx, event); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if err := s.MarkWebhookProcessed(ctx, "evt_456", errors.New("upstream down")); err != nil {
		t.Fatalf("marking failed: %v", err)
	}

	// A retry of a failed event must run again, not dedupe.
	seen, err := s.RecordWebhookEvent(ctx, &model.BillingWebhookEvent{ProviderEventID: "evt_456", EventType: "invoice.paid"})
	if err != nil {
		t.Fatalf("retry record: %v", err)
	}
	if seen {
		t.Error("failed event reported as seen")
	}

	// Success on the retry clears the stored error and dedupes from then on.
	if err := s.MarkWebhookProcessed(ctx, "evt_456", nil); err != nil {
		t.Fatalf("marking processed: %v", err)
	}
	seen, err = s.RecordWebhookEvent(ctx, &model.BillingWebhookEvent{ProviderEventID: "evt_456", EventType: "invoice.paid"})
	if err != nil {
		t.Fatalf("final record: %v", err)
	}
	if !seen {
		t.Error("processed event not reported as seen")
	}
}

func TestUpsertSubscriptionByStripeID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s)

	sub := &model.Subscription{
		UserID:               user.ID,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		Status:               model.SubscriptionStatusActive,
		Plan:                 "basic",
		InstanceLimit:        1,
	}
	if err := s.UpsertSubscription(ctx, sub); err != nil {
		t.Fatalf("create: %v", err)
	}

	update := &model.Subscription{
		UserID:               user.ID,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		Status:               model.SubscriptionStatusPastDue,
		Plan:                 "basic",
		InstanceLimit:        1,
	}
	if err := s.UpsertSubscription(ctx, update); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetSubscriptionByStripeID(ctx, "sub_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.SubscriptionStatusPastDue {
		t.Errorf("status = %q, want PAST_DUE", got.Status)
	}
}

func TestListChatMessagesChronological(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s)
	instance := createTestInstance(t, s, user.ID, model.InstanceStatusRunning)

	for i, content := range []string{"first", "second", "third"} {
		msg := &model.ChatMessage{
			InstanceID: instance.ID,
			UserID:     user.ID,
			SessionID:  "sess",
			Role:       model.ChatRoleUser,
			Content:    content,
			CreatedAt:  time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := s.CreateChatMessage(ctx, msg); err != nil {
			t.Fatalf("creating message: %v", err)
		}
	}

	messages, err := s.ListChatMessages(ctx, instance.ID, "sess", 10)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(messages))
	}
	if messages[0].Content != "first" || messages[2].Content != "third" {
		t.Errorf("messages out of order: %q .. %q", messages[0].Content, messages[2].Content)
	}
}

func TestGetAPITokenByHashExpired(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s)

	token := &model.APIToken{
		UserID:    user.ID,
		TokenHash: "hash-expired",
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	if err := s.CreateAPIToken(ctx, token); err != nil {
		t.Fatalf("creating token: %v", err)
	}
	if _, err := s.GetAPITokenByHash(ctx, "hash-expired"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}
