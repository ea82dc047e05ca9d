// Package model defines the database models used throughout the application.
// These models work with both PostgreSQL and SQLite via GORM.
package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User represents a registered user of the control plane.
type User struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	Email     string    `gorm:"uniqueIndex;not null;type:text" json:"email"`
	Name      *string   `gorm:"type:text" json:"name,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string { return "users" }

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// APIToken represents a bearer token used to authenticate API requests.
// Only the SHA-256 hash of the token is stored.
type APIToken struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	UserID    string    `gorm:"column:user_id;not null;type:text;index" json:"user_id"`
	TokenHash string    `gorm:"column:token_hash;uniqueIndex;not null;type:text" json:"-"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index" json:"expires_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`

	User *User `gorm:"foreignKey:UserID" json:"-"`
}

func (APIToken) TableName() string { return "api_tokens" }

func (t *APIToken) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	return nil
}

// Provider kinds for instances.
const (
	ProviderDocker = "docker"
	ProviderFly    = "fly"
)

// Instance status constants representing the lifecycle of an instance.
const (
	InstanceStatusCreating = "CREATING" // Provisioning job enqueued or running
	InstanceStatusRunning  = "RUNNING"  // Agent is reachable
	InstanceStatusStopped  = "STOPPED"  // Infrastructure exists but is halted
	InstanceStatusFailed   = "FAILED"   // Provisioning failed; retry allowed
	InstanceStatusDeleted  = "DELETED"  // Terminal; row retained for audit
)

// Instance represents one OpenClaw agent deployment.
type Instance struct {
	ID          string  `gorm:"primaryKey;type:text" json:"id"`
	OwnerUserID string  `gorm:"column:owner_user_id;not null;type:text;index" json:"owner_user_id"`
	Name        string  `gorm:"not null;type:text" json:"name"`
	Provider    string  `gorm:"not null;type:text" json:"provider"`
	Status      string  `gorm:"not null;type:text;default:CREATING;index" json:"status"`
	Region      string  `gorm:"type:text" json:"region"`
	AIModel     string  `gorm:"column:ai_model;type:text" json:"ai_model"`
	LastError   *string `gorm:"column:last_error;type:text" json:"last_error,omitempty"`

	// Fly-backed instances
	FlyAppName   *string `gorm:"column:fly_app_name;type:text" json:"fly_app_name,omitempty"`
	FlyMachineID *string `gorm:"column:fly_machine_id;type:text" json:"fly_machine_id,omitempty"`
	IPAddress    *string `gorm:"column:ip_address;type:text" json:"ip_address,omitempty"`

	// Docker-backed instances
	DockerContainerID *string `gorm:"column:docker_container_id;type:text" json:"docker_container_id,omitempty"`
	DockerPort        *int    `gorm:"column:docker_port" json:"docker_port,omitempty"`

	// Agent secrets never returned in list/get responses
	TelegramBotToken *string `gorm:"column:telegram_bot_token;type:text" json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Owner        *User                 `gorm:"foreignKey:OwnerUserID" json:"-"`
	Integrations []InstanceIntegration `gorm:"foreignKey:InstanceID" json:"-"`
}

func (Instance) TableName() string { return "instances" }

func (i *Instance) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.New().String()
	}
	return nil
}

// HasBackingResource reports whether the instance has the provider-side
// identifiers required for start/stop/chat operations.
func (i *Instance) HasBackingResource() bool {
	switch i.Provider {
	case ProviderFly:
		return i.FlyAppName != nil && *i.FlyAppName != "" && i.FlyMachineID != nil && *i.FlyMachineID != ""
	case ProviderDocker:
		return i.DockerContainerID != nil && *i.DockerContainerID != ""
	default:
		return false
	}
}

// Integration provider identifiers.
const (
	IntegrationSlack  = "slack"
	IntegrationGitHub = "github"
	IntegrationGoogle = "google"
)

// UserIntegration represents a user's OAuth connection to a third-party
// provider. Tokens are stored encrypted and only decrypted inside the
// secure proxy and refresh code paths.
type UserIntegration struct {
	ID                    string     `gorm:"primaryKey;type:text" json:"id"`
	UserID                string     `gorm:"column:user_id;not null;type:text;uniqueIndex:idx_user_integration" json:"user_id"`
	IntegrationID         string     `gorm:"column:integration_id;not null;type:text;uniqueIndex:idx_user_integration" json:"integration_id"`
	EncryptedAccessToken  []byte     `gorm:"column:encrypted_access_token;not null" json:"-"`
	EncryptedRefreshToken []byte     `gorm:"column:encrypted_refresh_token" json:"-"`
	TokenExpiresAt        *time.Time `gorm:"column:token_expires_at" json:"token_expires_at,omitempty"`
	AccountIdentifier     *string    `gorm:"column:account_identifier;type:text" json:"account_identifier,omitempty"`
	ConnectedAt           time.Time  `gorm:"column:connected_at;autoCreateTime" json:"connected_at"`
	LastRefreshedAt       *time.Time `gorm:"column:last_refreshed_at" json:"last_refreshed_at,omitempty"`

	User     *User                 `gorm:"foreignKey:UserID" json:"-"`
	Bindings []InstanceIntegration `gorm:"foreignKey:UserIntegrationID;constraint:OnDelete:CASCADE" json:"-"`
}

func (UserIntegration) TableName() string { return "user_integrations" }

func (ui *UserIntegration) BeforeCreate(tx *gorm.DB) error {
	if ui.ID == "" {
		ui.ID = uuid.New().String()
	}
	return nil
}

// InstanceIntegration binds a UserIntegration to an Instance, enabling the
// sandboxed agent to use it through the secure proxy.
type InstanceIntegration struct {
	ID                string    `gorm:"primaryKey;type:text" json:"id"`
	InstanceID        string    `gorm:"column:instance_id;not null;type:text;uniqueIndex:idx_instance_user_integration" json:"instance_id"`
	UserIntegrationID string    `gorm:"column:user_integration_id;not null;type:text;uniqueIndex:idx_instance_user_integration" json:"user_integration_id"`
	EnabledAt         time.Time `gorm:"column:enabled_at;autoCreateTime" json:"enabled_at"`

	Instance        *Instance        `gorm:"foreignKey:InstanceID" json:"-"`
	UserIntegration *UserIntegration `gorm:"foreignKey:UserIntegrationID" json:"-"`
}

func (InstanceIntegration) TableName() string { return "instance_integrations" }

func (ii *InstanceIntegration) BeforeCreate(tx *gorm.DB) error {
	if ii.ID == "" {
		ii.ID = uuid.New().String()
	}
	return nil
}

// Subscription status constants mirroring Stripe subscription state.
const (
	SubscriptionStatusActive   = "ACTIVE"
	SubscriptionStatusCanceled = "CANCELED"
	SubscriptionStatusPastDue  = "PAST_DUE"
	SubscriptionStatusTrialing = "TRIALING"
	SubscriptionStatusUnpaid   = "UNPAID"
)

// Subscription mirrors a Stripe subscription. Status and period fields are a
// local cache of Stripe truth, updated only by verified webhook events or
// checkout completion.
type Subscription struct {
	ID                   string     `gorm:"primaryKey;type:text" json:"id"`
	UserID               string     `gorm:"column:user_id;not null;type:text;index" json:"user_id"`
	StripeCustomerID     string     `gorm:"column:stripe_customer_id;not null;type:text;index" json:"stripe_customer_id"`
	StripeSubscriptionID string     `gorm:"column:stripe_subscription_id;uniqueIndex;not null;type:text" json:"stripe_subscription_id"`
	StripePriceID        string     `gorm:"column:stripe_price_id;type:text" json:"stripe_price_id"`
	Status               string     `gorm:"not null;type:text;default:ACTIVE" json:"status"`
	Plan                 string     `gorm:"not null;type:text" json:"plan"`
	InstanceLimit        int        `gorm:"column:instance_limit;not null;default:1" json:"instance_limit"`
	CurrentPeriodStart   *time.Time `gorm:"column:current_period_start" json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time `gorm:"column:current_period_end" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool       `gorm:"column:cancel_at_period_end;default:false" json:"cancel_at_period_end"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	User *User `gorm:"foreignKey:UserID" json:"-"`
}

func (Subscription) TableName() string { return "subscriptions" }

func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// BillingWebhookEvent records processed Stripe webhook events for idempotent
// replay handling.
type BillingWebhookEvent struct {
	ID              string     `gorm:"primaryKey;type:text" json:"id"`
	ProviderEventID string     `gorm:"column:provider_event_id;uniqueIndex;not null;type:text" json:"provider_event_id"`
	EventType       string     `gorm:"column:event_type;not null;type:text;index" json:"event_type"`
	ProcessedAt     *time.Time `gorm:"column:processed_at" json:"processed_at,omitempty"`
	ProcessingError *string    `gorm:"column:processing_error;type:text" json:"processing_error,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
}

func (BillingWebhookEvent) TableName() string { return "billing_webhook_events" }

func (e *BillingWebhookEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// Chat message roles.
const (
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
)

// ChatMessage represents one message in an instance's chat history.
type ChatMessage struct {
	ID         string    `gorm:"primaryKey;type:text" json:"id"`
	InstanceID string    `gorm:"column:instance_id;not null;type:text;index" json:"instance_id"`
	UserID     string    `gorm:"column:user_id;not null;type:text;index" json:"user_id"`
	SessionID  string    `gorm:"column:session_id;not null;type:text;index" json:"session_id"`
	Role       string    `gorm:"not null;type:text" json:"role"`
	Content    string    `gorm:"not null;type:text" json:"content"`
	FilePath   *string   `gorm:"column:file_path;type:text" json:"file_path,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`

	Instance *Instance `gorm:"foreignKey:InstanceID" json:"-"`
}

func (ChatMessage) TableName() string { return "chat_messages" }

func (m *ChatMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// AllModels returns all model types for migration.
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&APIToken{},
		&Instance{},
		&UserIntegration{},
		&InstanceIntegration{},
		&Subscription{},
		&BillingWebhookEvent{},
		&ChatMessage{},
		&Job{},
	}
}
