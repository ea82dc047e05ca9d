// Package provider defines the runtime abstraction over instance backends.
// Each backend knows how to provision, control, and talk to one OpenClaw
// agent deployment.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/openclaw/clawdeck/internal/model"
)

var (
	// ErrProvisionFailed indicates the backend could not create the
	// instance's infrastructure.
	ErrProvisionFailed = errors.New("provisioning failed")

	// ErrAgentUnavailable indicates the agent process could not be reached
	// or returned an unusable response.
	ErrAgentUnavailable = errors.New("agent unavailable")

	// ErrUnsupportedProvider indicates no backend is registered for the
	// instance's provider kind.
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// ProvisionResult holds the backend identifiers created during provisioning.
// Only the fields for the instance's provider kind are set.
type ProvisionResult struct {
	FlyAppName        string
	FlyMachineID      string
	IPAddress         string
	DockerContainerID string
	DockerPort        int
}

// ChatResult is the agent's reply to one chat message.
type ChatResult struct {
	Response  string
	SessionID string
}

// AgentConfig is written into the instance so the agent knows which
// integrations it may call through the proxy. Tokens never appear here;
// the agent authenticates to the proxy with its instance identity.
type AgentConfig struct {
	ProxyBaseURL string   `json:"proxy_base_url"`
	Integrations []string `json:"integrations"`
}

// Provider is the backend contract. Implementations must treat Teardown as
// best-effort: it is called during deletion and its failure must not block
// the instance from being marked deleted.
type Provider interface {
	Provision(ctx context.Context, instance *model.Instance) (*ProvisionResult, error)
	Start(ctx context.Context, instance *model.Instance) error
	Stop(ctx context.Context, instance *model.Instance) error
	Teardown(ctx context.Context, instance *model.Instance) error
	SendMessage(ctx context.Context, instance *model.Instance, sessionID, message string) (*ChatResult, error)
	UploadFile(ctx context.Context, instance *model.Instance, data []byte, filename string) (string, error)
	WriteAgentConfig(ctx context.Context, instance *model.Instance, cfg AgentConfig) error
}

// Registry maps provider kinds to backends so callers never branch on the
// provider name themselves.
type Registry struct {
	backends map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Provider)}
}

// Register adds a backend under the given provider kind.
func (r *Registry) Register(kind string, p Provider) {
	r.backends[kind] = p
}

// For returns the backend for an instance.
func (r *Registry) For(instance *model.Instance) (Provider, error) {
	p, ok := r.backends[instance.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, instance.Provider)
	}
	return p, nil
}

// Kinds returns the registered provider kinds.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.backends))
	for k := range r.backends {
		kinds = append(kinds, k)
	}
	return kinds
}
