// Package store provides database access for all models.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/openclaw/clawdeck/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist or is not
	// visible to the requesting user.
	ErrNotFound = errors.New("record not found")

	// ErrStatusConflict is returned when a conditional status transition
	// finds the row in a different state than expected.
	ErrStatusConflict = errors.New("status conflict")

	// ErrDuplicate is returned when a unique constraint would be violated.
	ErrDuplicate = errors.New("record already exists")
)

// Store wraps the database connection and provides data access methods.
type Store struct {
	db *gorm.DB
}

// New creates a Store backed by db.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying connection for transactional callers.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func translateErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

// --- Users and tokens ---

func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	return s.db.WithContext(ctx).Create(user).Error
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, translateErr(err)
	}
	return &user, nil
}

func (s *Store) CreateAPIToken(ctx context.Context, token *model.APIToken) error {
	return s.db.WithContext(ctx).Create(token).Error
}

// GetAPITokenByHash returns an unexpired token matching the given hash.
func (s *Store) GetAPITokenByHash(ctx context.Context, hash string) (*model.APIToken, error) {
	var token model.APIToken
	err := s.db.WithContext(ctx).
		Where("token_hash = ? AND expires_at > ?", hash, time.Now()).
		First(&token).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return &token, nil
}

// --- Instances ---

func (s *Store) CreateInstance(ctx context.Context, instance *model.Instance) error {
	return s.db.WithContext(ctx).Create(instance).Error
}

// GetInstanceForUser returns the instance only if it exists, belongs to
// userID, and is not deleted. All other cases report ErrNotFound so callers
// cannot distinguish missing rows from other users' rows.
func (s *Store) GetInstanceForUser(ctx context.Context, id, userID string) (*model.Instance, error) {
	var instance model.Instance
	err := s.db.WithContext(ctx).
		Where("id = ? AND owner_user_id = ? AND status != ?", id, userID, model.InstanceStatusDeleted).
		First(&instance).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return &instance, nil
}

// GetInstance returns an instance by id regardless of owner or deletion.
// Used by background jobs.
func (s *Store) GetInstance(ctx context.Context, id string) (*model.Instance, error) {
	var instance model.Instance
	if err := s.db.WithContext(ctx).First(&instance, "id = ?", id).Error; err != nil {
		return nil, translateErr(err)
	}
	return &instance, nil
}

// ListInstancesByUser returns the user's non-deleted instances, newest first.
func (s *Store) ListInstancesByUser(ctx context.Context, userID string) ([]model.Instance, error) {
	var instances []model.Instance
	err := s.db.WithContext(ctx).
		Where("owner_user_id = ? AND status != ?", userID, model.InstanceStatusDeleted).
		Order("created_at DESC").
		Find(&instances).Error
	return instances, err
}

// CountActiveInstances counts the user's instances that consume plan quota.
func (s *Store) CountActiveInstances(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Instance{}).
		Where("owner_user_id = ? AND status != ?", userID, model.InstanceStatusDeleted).
		Count(&count).Error
	return count, err
}

func (s *Store) UpdateInstance(ctx context.Context, instance *model.Instance) error {
	return s.db.WithContext(ctx).Save(instance).Error
}

// UpdateInstanceFields applies a partial update to an instance.
func (s *Store) UpdateInstanceFields(ctx context.Context, id string, fields map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&model.Instance{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionInstanceStatus moves an instance from one of the expected
// statuses to the target status. The update is conditional so concurrent
// transitions cannot both win; the loser gets ErrStatusConflict.
func (s *Store) TransitionInstanceStatus(ctx context.Context, id, to string, from ...string) error {
	if len(from) == 0 {
		return fmt.Errorf("transition to %s requires at least one expected status", to)
	}
	result := s.db.WithContext(ctx).Model(&model.Instance{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Distinguish a missing row from a row in the wrong state.
		var count int64
		if err := s.db.WithContext(ctx).Model(&model.Instance{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

// --- User integrations ---

// UpsertUserIntegration creates or replaces the integration row keyed by
// (user_id, integration_id). Reconnecting overwrites the stored tokens.
func (s *Store) UpsertUserIntegration(ctx context.Context, ui *model.UserIntegration) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "integration_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"encrypted_access_token",
			"encrypted_refresh_token",
			"token_expires_at",
			"account_identifier",
			"last_refreshed_at",
		}),
	}).Create(ui).Error
}

func (s *Store) GetUserIntegration(ctx context.Context, userID, integrationID string) (*model.UserIntegration, error) {
	var ui model.UserIntegration
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND integration_id = ?", userID, integrationID).
		First(&ui).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return &ui, nil
}

func (s *Store) GetUserIntegrationByID(ctx context.Context, id string) (*model.UserIntegration, error) {
	var ui model.UserIntegration
	if err := s.db.WithContext(ctx).First(&ui, "id = ?", id).Error; err != nil {
		return nil, translateErr(err)
	}
	return &ui, nil
}

func (s *Store) ListUserIntegrations(ctx context.Context, userID string) ([]model.UserIntegration, error) {
	var list []model.UserIntegration
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("connected_at DESC").
		Find(&list).Error
	return list, err
}

func (s *Store) UpdateUserIntegration(ctx context.Context, ui *model.UserIntegration) error {
	return s.db.WithContext(ctx).Save(ui).Error
}

// DeleteUserIntegration removes the connection and any instance bindings
// that reference it.
func (s *Store) DeleteUserIntegration(ctx context.Context, userID, integrationID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ui model.UserIntegration
		err := tx.Where("user_id = ? AND integration_id = ?", userID, integrationID).First(&ui).Error
		if err != nil {
			return translateErr(err)
		}
		if err := tx.Where("user_integration_id = ?", ui.ID).Delete(&model.InstanceIntegration{}).Error; err != nil {
			return err
		}
		return tx.Delete(&ui).Error
	})
}

// --- Instance integrations ---

// CreateInstanceIntegration binds a user integration to an instance.
// Returns ErrDuplicate if the binding already exists.
func (s *Store) CreateInstanceIntegration(ctx context.Context, ii *model.InstanceIntegration) error {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.InstanceIntegration{}).
		Where("instance_id = ? AND user_integration_id = ?", ii.InstanceID, ii.UserIntegrationID).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicate
	}
	return translateErr(s.db.WithContext(ctx).Create(ii).Error)
}

func (s *Store) ListInstanceIntegrations(ctx context.Context, instanceID string) ([]model.InstanceIntegration, error) {
	var list []model.InstanceIntegration
	err := s.db.WithContext(ctx).
		Preload("UserIntegration").
		Where("instance_id = ?", instanceID).
		Order("enabled_at ASC").
		Find(&list).Error
	return list, err
}

func (s *Store) DeleteInstanceIntegration(ctx context.Context, instanceID, userIntegrationID string) error {
	result := s.db.WithContext(ctx).
		Where("instance_id = ? AND user_integration_id = ?", instanceID, userIntegrationID).
		Delete(&model.InstanceIntegration{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Subscriptions ---

func (s *Store) GetSubscriptionByUser(ctx context.Context, userID string) (*model.Subscription, error) {
	var sub model.Subscription
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&sub).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return &sub, nil
}

func (s *Store) GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*model.Subscription, error) {
	var sub model.Subscription
	err := s.db.WithContext(ctx).
		Where("stripe_subscription_id = ?", stripeSubscriptionID).
		First(&sub).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return &sub, nil
}

// UpsertSubscription creates or updates the subscription keyed by the Stripe
// subscription id.
func (s *Store) UpsertSubscription(ctx context.Context, sub *model.Subscription) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "stripe_subscription_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status",
			"plan",
			"stripe_price_id",
			"instance_limit",
			"current_period_start",
			"current_period_end",
			"cancel_at_period_end",
			"updated_at",
		}),
	}).Create(sub).Error
}

// --- Billing webhook events ---

// RecordWebhookEvent stores a webhook event id for idempotency. seen reports
// whether a prior delivery of this event was processed successfully; a
// delivery whose processing failed is not a duplicate, so the provider's
// retry gets to run again.
func (s *Store) RecordWebhookEvent(ctx context.Context, event *model.BillingWebhookEvent) (seen bool, err error) {
	var existing model.BillingWebhookEvent
	err = s.db.WithContext(ctx).
		Where("provider_event_id = ?", event.ProviderEventID).
		First(&existing).Error
	if err == nil {
		return existing.ProcessedAt != nil && existing.ProcessingError == nil, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}
	return false, s.db.WithContext(ctx).Create(event).Error
}

// MarkWebhookProcessed records the processing outcome for an event. A
// success after earlier failed attempts clears the stored error.
func (s *Store) MarkWebhookProcessed(ctx context.Context, providerEventID string, processingErr error) error {
	fields := map[string]interface{}{
		"processed_at":     time.Now(),
		"processing_error": nil,
	}
	if processingErr != nil {
		fields["processing_error"] = processingErr.Error()
	}
	return s.db.WithContext(ctx).Model(&model.BillingWebhookEvent{}).
		Where("provider_event_id = ?", providerEventID).
		Updates(fields).Error
}

// --- Chat messages ---

func (s *Store) CreateChatMessage(ctx context.Context, msg *model.ChatMessage) error {
	return s.db.WithContext(ctx).Create(msg).Error
}

// ListChatMessages returns the most recent messages for an instance session,
// oldest first, capped at limit.
func (s *Store) ListChatMessages(ctx context.Context, instanceID, sessionID string, limit int) ([]model.ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var messages []model.ChatMessage
	err := s.db.WithContext(ctx).
		Where("instance_id = ? AND session_id = ?", instanceID, sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	// Reverse to chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
