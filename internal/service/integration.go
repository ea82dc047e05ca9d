package service

import (
	"context"
	"log"

	"github.com/openclaw/clawdeck/internal/model"
	"github.com/openclaw/clawdeck/internal/provider"
	"github.com/openclaw/clawdeck/internal/store"
)

// IntegrationService manages instance-level integration bindings and keeps
// each agent's view of its enabled integrations up to date.
type IntegrationService struct {
	store        *store.Store
	registry     *provider.Registry
	proxyBaseURL string
}

// NewIntegrationService creates the binding service. proxyBaseURL is the
// address agents use to reach the secure proxy.
func NewIntegrationService(s *store.Store, registry *provider.Registry, proxyBaseURL string) *IntegrationService {
	return &IntegrationService{store: s, registry: registry, proxyBaseURL: proxyBaseURL}
}

// EnableForInstance binds a connected integration to an instance so the
// agent may call it through the proxy.
func (svc *IntegrationService) EnableForInstance(ctx context.Context, userID, instanceID, integrationID string) (*model.InstanceIntegration, error) {
	instance, err := svc.store.GetInstanceForUser(ctx, instanceID, userID)
	if err != nil {
		return nil, err
	}
	ui, err := svc.store.GetUserIntegration(ctx, userID, integrationID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ErrIntegrationNotConnected
		}
		return nil, err
	}

	binding := &model.InstanceIntegration{
		InstanceID:        instance.ID,
		UserIntegrationID: ui.ID,
	}
	if err := svc.store.CreateInstanceIntegration(ctx, binding); err != nil {
		return nil, err
	}

	svc.pushAgentConfig(ctx, instance)
	return binding, nil
}

// DisableForInstance removes a binding.
func (svc *IntegrationService) DisableForInstance(ctx context.Context, userID, instanceID, integrationID string) error {
	instance, err := svc.store.GetInstanceForUser(ctx, instanceID, userID)
	if err != nil {
		return err
	}
	ui, err := svc.store.GetUserIntegration(ctx, userID, integrationID)
	if err != nil {
		return err
	}
	if err := svc.store.DeleteInstanceIntegration(ctx, instance.ID, ui.ID); err != nil {
		return err
	}

	svc.pushAgentConfig(ctx, instance)
	return nil
}

// ListForInstance returns the integration ids enabled for an instance.
func (svc *IntegrationService) ListForInstance(ctx context.Context, userID, instanceID string) ([]string, error) {
	instance, err := svc.store.GetInstanceForUser(ctx, instanceID, userID)
	if err != nil {
		return nil, err
	}
	return svc.enabledIntegrations(ctx, instance.ID)
}

// IsEnabled reports whether the instance has the integration bound. Used by
// the proxy before forwarding calls.
func (svc *IntegrationService) IsEnabled(ctx context.Context, userID, instanceID, integrationID string) (bool, error) {
	ids, err := svc.ListForInstance(ctx, userID, instanceID)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == integrationID {
			return true, nil
		}
	}
	return false, nil
}

func (svc *IntegrationService) enabledIntegrations(ctx context.Context, instanceID string) ([]string, error) {
	bindings, err := svc.store.ListInstanceIntegrations(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(bindings))
	for _, b := range bindings {
		if b.UserIntegration != nil {
			ids = append(ids, b.UserIntegration.IntegrationID)
		}
	}
	return ids, nil
}

// pushAgentConfig writes the current integration list into the agent.
// Failures are logged only: the binding row is the source of truth and the
// proxy enforces it regardless of what the agent believes.
func (svc *IntegrationService) pushAgentConfig(ctx context.Context, instance *model.Instance) {
	if instance.Status != model.InstanceStatusRunning {
		return
	}
	backend, err := svc.registry.For(instance)
	if err != nil {
		return
	}
	ids, err := svc.enabledIntegrations(ctx, instance.ID)
	if err != nil {
		log.Printf("Listing integrations for instance %s: %v", instance.ID, err)
		return
	}
	cfg := provider.AgentConfig{ProxyBaseURL: svc.proxyBaseURL, Integrations: ids}
	if err := backend.WriteAgentConfig(ctx, instance, cfg); err != nil {
		log.Printf("Updating agent config for instance %s: %v", instance.ID, err)
	}
}
