package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Job statuses.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Job types.
const (
	JobTypeProvisionInstance = "provision_instance"
	JobTypeTeardownInstance  = "teardown_instance"
)

// Job represents a durable background job. Jobs survive process restarts and
// are claimed atomically by the worker loop.
type Job struct {
	ID          string     `gorm:"primaryKey;type:text" json:"id"`
	Type        string     `gorm:"not null;type:text;index" json:"type"`
	Payload     string     `gorm:"not null;type:text" json:"payload"`
	Status      string     `gorm:"not null;type:text;default:pending;index" json:"status"`
	Priority    int        `gorm:"not null;default:0" json:"priority"`
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts int        `gorm:"column:max_attempts;not null;default:3" json:"max_attempts"`
	Error       *string    `gorm:"type:text" json:"error,omitempty"`
	WorkerID    *string    `gorm:"column:worker_id;type:text" json:"worker_id,omitempty"`
	ScheduledAt time.Time  `gorm:"column:scheduled_at;not null;index" json:"scheduled_at"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }

func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = time.Now()
	}
	return nil
}

// ProvisionPayload is the payload for provision_instance and
// teardown_instance jobs.
type ProvisionPayload struct {
	InstanceID string `json:"instance_id"`
}
