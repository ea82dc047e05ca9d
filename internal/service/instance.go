package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/openclaw/clawdeck/internal/jobs"
	"github.com/openclaw/clawdeck/internal/model"
	"github.com/openclaw/clawdeck/internal/provider"
	"github.com/openclaw/clawdeck/internal/store"
)

// defaultInstanceLimit applies to users without a subscription row.
const defaultInstanceLimit = 1

// InstanceService manages the instance lifecycle. Provisioning and teardown
// run as durable jobs; status transitions are conditional updates so
// concurrent requests cannot both win.
type InstanceService struct {
	store    *store.Store
	registry *provider.Registry
	queue    *jobs.Queue

	jobMaxAttempts  int
	defaultProvider string
}

// NewInstanceService creates the lifecycle service.
func NewInstanceService(s *store.Store, registry *provider.Registry, queue *jobs.Queue, defaultProvider string, jobMaxAttempts int) *InstanceService {
	return &InstanceService{
		store:           s,
		registry:        registry,
		queue:           queue,
		jobMaxAttempts:  jobMaxAttempts,
		defaultProvider: defaultProvider,
	}
}

// CreateInstanceRequest holds the user-supplied instance settings.
type CreateInstanceRequest struct {
	Name             string `json:"name"`
	Provider         string `json:"provider"`
	Region           string `json:"region"`
	AIModel          string `json:"ai_model"`
	TelegramBotToken string `json:"telegram_bot_token"`
}

// CreateInstanceResult pairs the new instance with the provisioning task id
// so clients can poll its progress.
type CreateInstanceResult struct {
	Instance *model.Instance
	TaskID   string
}

// Create records the instance in CREATING and enqueues the provisioning job.
func (svc *InstanceService) Create(ctx context.Context, userID string, req CreateInstanceRequest) (*CreateInstanceResult, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if req.Provider == "" {
		req.Provider = svc.defaultProvider
	}
	probe := &model.Instance{Provider: req.Provider}
	if _, err := svc.registry.For(probe); err != nil {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidInput, req.Provider)
	}

	limit := defaultInstanceLimit
	if sub, err := svc.store.GetSubscriptionByUser(ctx, userID); err == nil {
		if sub.Status == model.SubscriptionStatusActive || sub.Status == model.SubscriptionStatusTrialing {
			limit = sub.InstanceLimit
		}
	}
	count, err := svc.store.CountActiveInstances(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("counting instances: %w", err)
	}
	if count >= int64(limit) {
		return nil, ErrPlanLimitReached
	}

	instance := &model.Instance{
		OwnerUserID: userID,
		Name:        req.Name,
		Provider:    req.Provider,
		Region:      req.Region,
		AIModel:     req.AIModel,
		Status:      model.InstanceStatusCreating,
	}
	if req.TelegramBotToken != "" {
		token := req.TelegramBotToken
		instance.TelegramBotToken = &token
	}
	if err := svc.store.CreateInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("creating instance: %w", err)
	}

	job, err := svc.queue.Enqueue(ctx, model.JobTypeProvisionInstance, model.ProvisionPayload{InstanceID: instance.ID}, svc.jobMaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("enqueueing provision job: %w", err)
	}

	return &CreateInstanceResult{Instance: instance, TaskID: job.ID}, nil
}

// Get returns the instance if it belongs to the user and is not deleted.
func (svc *InstanceService) Get(ctx context.Context, userID, instanceID string) (*model.Instance, error) {
	return svc.store.GetInstanceForUser(ctx, instanceID, userID)
}

// List returns the user's non-deleted instances.
func (svc *InstanceService) List(ctx context.Context, userID string) ([]model.Instance, error) {
	return svc.store.ListInstancesByUser(ctx, userID)
}

// Start brings a stopped instance back up. The transition is claimed before
// the provider call and reverted if the backend fails.
func (svc *InstanceService) Start(ctx context.Context, userID, instanceID string) (*model.Instance, error) {
	instance, err := svc.store.GetInstanceForUser(ctx, instanceID, userID)
	if err != nil {
		return nil, err
	}
	backend, err := svc.registry.For(instance)
	if err != nil {
		return nil, err
	}

	if err := svc.store.TransitionInstanceStatus(ctx, instance.ID, model.InstanceStatusRunning, model.InstanceStatusStopped); err != nil {
		return nil, err
	}
	if err := backend.Start(ctx, instance); err != nil {
		if revertErr := svc.store.TransitionInstanceStatus(ctx, instance.ID, model.InstanceStatusStopped, model.InstanceStatusRunning); revertErr != nil {
			log.Printf("Reverting start of instance %s: %v", instance.ID, revertErr)
		}
		return nil, fmt.Errorf("starting instance: %w", err)
	}
	return svc.store.GetInstanceForUser(ctx, instanceID, userID)
}

// Stop halts a running instance.
func (svc *InstanceService) Stop(ctx context.Context, userID, instanceID string) (*model.Instance, error) {
	instance, err := svc.store.GetInstanceForUser(ctx, instanceID, userID)
	if err != nil {
		return nil, err
	}
	backend, err := svc.registry.For(instance)
	if err != nil {
		return nil, err
	}

	if err := svc.store.TransitionInstanceStatus(ctx, instance.ID, model.InstanceStatusStopped, model.InstanceStatusRunning); err != nil {
		return nil, err
	}
	if err := backend.Stop(ctx, instance); err != nil {
		if revertErr := svc.store.TransitionInstanceStatus(ctx, instance.ID, model.InstanceStatusRunning, model.InstanceStatusStopped); revertErr != nil {
			log.Printf("Reverting stop of instance %s: %v", instance.ID, revertErr)
		}
		return nil, fmt.Errorf("stopping instance: %w", err)
	}
	return svc.store.GetInstanceForUser(ctx, instanceID, userID)
}

// Retry re-enqueues provisioning for a failed instance.
func (svc *InstanceService) Retry(ctx context.Context, userID, instanceID string) (*CreateInstanceResult, error) {
	instance, err := svc.store.GetInstanceForUser(ctx, instanceID, userID)
	if err != nil {
		return nil, err
	}

	if err := svc.store.TransitionInstanceStatus(ctx, instance.ID, model.InstanceStatusCreating, model.InstanceStatusFailed); err != nil {
		return nil, err
	}
	if err := svc.store.UpdateInstanceFields(ctx, instance.ID, map[string]interface{}{"last_error": nil}); err != nil {
		log.Printf("Clearing last error for instance %s: %v", instance.ID, err)
	}

	job, err := svc.queue.Enqueue(ctx, model.JobTypeProvisionInstance, model.ProvisionPayload{InstanceID: instance.ID}, svc.jobMaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("enqueueing provision job: %w", err)
	}

	instance, err = svc.store.GetInstanceForUser(ctx, instanceID, userID)
	if err != nil {
		return nil, err
	}
	return &CreateInstanceResult{Instance: instance, TaskID: job.ID}, nil
}

// Delete soft-deletes the instance and enqueues best-effort teardown of its
// infrastructure. Deleting an already deleted instance reports not found.
func (svc *InstanceService) Delete(ctx context.Context, userID, instanceID string) error {
	instance, err := svc.store.GetInstanceForUser(ctx, instanceID, userID)
	if err != nil {
		return err
	}

	err = svc.store.TransitionInstanceStatus(ctx, instance.ID, model.InstanceStatusDeleted,
		model.InstanceStatusCreating,
		model.InstanceStatusRunning,
		model.InstanceStatusStopped,
		model.InstanceStatusFailed,
	)
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			// Lost a race with another delete.
			return store.ErrNotFound
		}
		return err
	}

	if instance.HasBackingResource() {
		if _, err := svc.queue.Enqueue(ctx, model.JobTypeTeardownInstance, model.ProvisionPayload{InstanceID: instance.ID}, svc.jobMaxAttempts); err != nil {
			// Teardown is best-effort: the instance stays deleted.
			log.Printf("Enqueueing teardown for instance %s: %v", instance.ID, err)
		}
	}
	return nil
}

// ProvisionTask reports the status of a provisioning or teardown job.
func (svc *InstanceService) ProvisionTask(ctx context.Context, userID, taskID string) (*model.Job, error) {
	job, err := svc.queue.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var payload model.ProvisionPayload
	if err := decodePayload(job.Payload, &payload); err != nil {
		return nil, err
	}
	// Ownership check through the instance; deleted instances still allow
	// observing their teardown task.
	instance, err := svc.store.GetInstance(ctx, payload.InstanceID)
	if err != nil || instance.OwnerUserID != userID {
		return nil, store.ErrNotFound
	}
	return job, nil
}

func decodePayload(payloadJSON string, v interface{}) error {
	if err := json.Unmarshal([]byte(payloadJSON), v); err != nil {
		return fmt.Errorf("decoding job payload: %w", err)
	}
	return nil
}
