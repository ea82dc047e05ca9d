// Package mock provides an in-memory provider implementation for tests.
package mock

import (
	"context"
	"sync"

	"github.com/openclaw/clawdeck/internal/model"
	"github.com/openclaw/clawdeck/internal/provider"
)

// Provider records calls and returns configurable results.
type Provider struct {
	mu sync.Mutex

	ProvisionResult *provider.ProvisionResult
	ProvisionErr    error
	StartErr        error
	StopErr         error
	TeardownErr     error
	ChatResult      *provider.ChatResult
	ChatErr         error
	UploadPath      string
	UploadErr       error
	ConfigErr       error

	ProvisionCalls int
	StartCalls     int
	StopCalls      int
	TeardownCalls  int
	ChatCalls      int
	UploadCalls    int
	ConfigCalls    int

	LastMessage   string
	LastSessionID string
	LastFilename  string
	LastConfig    provider.AgentConfig
}

// New returns a mock provider with working defaults.
func New() *Provider {
	return &Provider{
		ProvisionResult: &provider.ProvisionResult{
			DockerContainerID: "mock-container",
			DockerPort:        40001,
		},
		ChatResult: &provider.ChatResult{Response: "mock reply"},
		UploadPath: "/workspace/uploads/mock.txt",
	}
}

func (p *Provider) Provision(ctx context.Context, instance *model.Instance) (*provider.ProvisionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ProvisionCalls++
	if p.ProvisionErr != nil {
		return nil, p.ProvisionErr
	}
	return p.ProvisionResult, nil
}

func (p *Provider) Start(ctx context.Context, instance *model.Instance) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartCalls++
	return p.StartErr
}

func (p *Provider) Stop(ctx context.Context, instance *model.Instance) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StopCalls++
	return p.StopErr
}

func (p *Provider) Teardown(ctx context.Context, instance *model.Instance) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TeardownCalls++
	return p.TeardownErr
}

func (p *Provider) SendMessage(ctx context.Context, instance *model.Instance, sessionID, message string) (*provider.ChatResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ChatCalls++
	p.LastSessionID = sessionID
	p.LastMessage = message
	if p.ChatErr != nil {
		return nil, p.ChatErr
	}
	result := *p.ChatResult
	if result.SessionID == "" {
		result.SessionID = sessionID
	}
	return &result, nil
}

func (p *Provider) UploadFile(ctx context.Context, instance *model.Instance, data []byte, filename string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.UploadCalls++
	p.LastFilename = filename
	if p.UploadErr != nil {
		return "", p.UploadErr
	}
	return p.UploadPath, nil
}

func (p *Provider) WriteAgentConfig(ctx context.Context, instance *model.Instance, cfg provider.AgentConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConfigCalls++
	p.LastConfig = cfg
	return p.ConfigErr
}
