package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/openclaw/clawdeck/internal/model"
	"github.com/openclaw/clawdeck/internal/provider"
	"github.com/openclaw/clawdeck/internal/store"
)

// Provisioner executes provision and teardown jobs against the provider
// backends.
type Provisioner struct {
	store    *store.Store
	registry *provider.Registry
	timeout  time.Duration
}

// NewProvisioner creates the executor for instance infrastructure jobs.
func NewProvisioner(s *store.Store, registry *provider.Registry, timeout time.Duration) *Provisioner {
	return &Provisioner{store: s, registry: registry, timeout: timeout}
}

// HandleProvision creates the backend infrastructure for an instance and
// moves it from CREATING to RUNNING, or to FAILED with the error recorded.
func (p *Provisioner) HandleProvision(ctx context.Context, payloadJSON string) error {
	var payload model.ProvisionPayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}

	instance, err := p.store.GetInstance(ctx, payload.InstanceID)
	if err != nil {
		return fmt.Errorf("loading instance %s: %w", payload.InstanceID, err)
	}
	if instance.Status != model.InstanceStatusCreating {
		// The instance was deleted or already handled; nothing to do.
		log.Printf("Skipping provision for instance %s in status %s", instance.ID, instance.Status)
		return nil
	}

	backend, err := p.registry.For(instance)
	if err != nil {
		p.markFailed(ctx, instance.ID, err)
		return nil
	}

	provCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result, err := backend.Provision(provCtx, instance)
	if err != nil {
		p.markFailed(ctx, instance.ID, err)
		return nil
	}

	fields := map[string]interface{}{}
	if result.DockerContainerID != "" {
		fields["docker_container_id"] = result.DockerContainerID
		fields["docker_port"] = result.DockerPort
	}
	if result.FlyAppName != "" {
		fields["fly_app_name"] = result.FlyAppName
		fields["fly_machine_id"] = result.FlyMachineID
		fields["ip_address"] = result.IPAddress
	}
	if len(fields) > 0 {
		if err := p.store.UpdateInstanceFields(ctx, instance.ID, fields); err != nil {
			return fmt.Errorf("saving provision result for %s: %w", instance.ID, err)
		}
	}

	err = p.store.TransitionInstanceStatus(ctx, instance.ID, model.InstanceStatusRunning, model.InstanceStatusCreating)
	if err != nil {
		// The instance left CREATING while we were provisioning, most
		// likely a delete. Clean up the fresh infrastructure.
		log.Printf("Instance %s left CREATING during provisioning, tearing down: %v", instance.ID, err)
		reloaded, loadErr := p.store.GetInstance(ctx, instance.ID)
		if loadErr == nil {
			if tdErr := backend.Teardown(ctx, reloaded); tdErr != nil {
				log.Printf("Teardown after lost provision race for %s: %v", instance.ID, tdErr)
			}
		}
		return nil
	}

	log.Printf("Instance %s provisioned on %s", instance.ID, instance.Provider)
	return nil
}

func (p *Provisioner) markFailed(ctx context.Context, instanceID string, cause error) {
	msg := cause.Error()
	if err := p.store.UpdateInstanceFields(ctx, instanceID, map[string]interface{}{"last_error": msg}); err != nil {
		log.Printf("Recording provision error for %s: %v", instanceID, err)
	}
	err := p.store.TransitionInstanceStatus(ctx, instanceID, model.InstanceStatusFailed, model.InstanceStatusCreating)
	if err != nil {
		log.Printf("Marking instance %s failed: %v", instanceID, err)
		return
	}
	log.Printf("Instance %s provisioning failed: %s", instanceID, msg)
}

// HandleTeardown removes backend infrastructure for a deleted instance.
// Failures are logged, not retried forever: the row is already DELETED.
func (p *Provisioner) HandleTeardown(ctx context.Context, payloadJSON string) error {
	var payload model.ProvisionPayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}

	instance, err := p.store.GetInstance(ctx, payload.InstanceID)
	if err != nil {
		return fmt.Errorf("loading instance %s: %w", payload.InstanceID, err)
	}

	backend, err := p.registry.For(instance)
	if err != nil {
		log.Printf("No backend for instance %s teardown: %v", instance.ID, err)
		return nil
	}

	tdCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := backend.Teardown(tdCtx, instance); err != nil {
		return fmt.Errorf("tearing down instance %s: %w", instance.ID, err)
	}
	log.Printf("Instance %s infrastructure removed", instance.ID)
	return nil
}
