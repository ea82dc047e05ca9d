// Package fly implements the provider contract on top of the Fly.io
// Machines API. Each instance maps to one Fly app running a single machine.
package fly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/openclaw/clawdeck/internal/model"
	"github.com/openclaw/clawdeck/internal/provider"
)

const defaultAPIBase = "https://api.machines.dev/v1"

// Provider runs instances as Fly machines.
type Provider struct {
	apiBase    string
	token      string
	org        string
	region     string
	image      string
	httpClient *http.Client

	// agentBase overrides the per-app agent URL, used in tests.
	agentBase string
}

// New creates a Fly provider using the Machines API.
func New(token, org, region, image string) *Provider {
	return &Provider{
		apiBase:    defaultAPIBase,
		token:      token,
		org:        org,
		region:     region,
		image:      image,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *Provider) appName(instance *model.Instance) (string, error) {
	if instance.FlyAppName == nil || *instance.FlyAppName == "" {
		return "", fmt.Errorf("instance %s has no fly app", instance.ID)
	}
	return *instance.FlyAppName, nil
}

func (p *Provider) machineID(instance *model.Instance) (string, error) {
	if instance.FlyMachineID == nil || *instance.FlyMachineID == "" {
		return "", fmt.Errorf("instance %s has no fly machine", instance.ID)
	}
	return *instance.FlyMachineID, nil
}

func (p *Provider) agentURL(instance *model.Instance, path string) (string, error) {
	if p.agentBase != "" {
		return p.agentBase + path, nil
	}
	app, err := p.appName(instance)
	if err != nil {
		return "", err
	}
	return "https://" + app + ".fly.dev" + path, nil
}

// doAPI performs an authenticated Machines API call and decodes the JSON
// response into out when out is non-nil.
func (p *Provider) doAPI(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.apiBase+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling machines api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("machines api %s %s: status %d: %s", method, path, resp.StatusCode, data)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

type machine struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	PrivateIP string `json:"private_ip"`
}

func (p *Provider) Provision(ctx context.Context, instance *model.Instance) (*provider.ProvisionResult, error) {
	appName := "openclaw-" + instance.ID[:8]

	createApp := map[string]string{"app_name": appName, "org_slug": p.org}
	if err := p.doAPI(ctx, http.MethodPost, "/apps", createApp, nil); err != nil {
		return nil, fmt.Errorf("%w: creating app: %v", provider.ErrProvisionFailed, err)
	}

	env := map[string]string{
		"OPENCLAW_INSTANCE_ID": instance.ID,
		"OPENCLAW_MODEL":       instance.AIModel,
	}
	if instance.TelegramBotToken != nil && *instance.TelegramBotToken != "" {
		env["TELEGRAM_BOT_TOKEN"] = *instance.TelegramBotToken
	}

	region := instance.Region
	if region == "" {
		region = p.region
	}

	createMachine := map[string]interface{}{
		"region": region,
		"config": map[string]interface{}{
			"image": p.image,
			"env":   env,
			"guest": map[string]interface{}{
				"cpu_kind":  "shared",
				"cpus":      1,
				"memory_mb": 512,
			},
			"services": []map[string]interface{}{{
				"protocol":      "tcp",
				"internal_port": 4430,
				"ports": []map[string]interface{}{
					{"port": 443, "handlers": []string{"tls", "http"}},
				},
			}},
		},
	}

	var m machine
	if err := p.doAPI(ctx, http.MethodPost, "/apps/"+appName+"/machines", createMachine, &m); err != nil {
		// Best-effort cleanup of the empty app.
		_ = p.doAPI(ctx, http.MethodDelete, "/apps/"+appName, nil, nil)
		return nil, fmt.Errorf("%w: creating machine: %v", provider.ErrProvisionFailed, err)
	}

	return &provider.ProvisionResult{
		FlyAppName:   appName,
		FlyMachineID: m.ID,
		IPAddress:    m.PrivateIP,
	}, nil
}

func (p *Provider) Start(ctx context.Context, instance *model.Instance) error {
	app, err := p.appName(instance)
	if err != nil {
		return err
	}
	machineID, err := p.machineID(instance)
	if err != nil {
		return err
	}
	return p.doAPI(ctx, http.MethodPost, "/apps/"+app+"/machines/"+machineID+"/start", nil, nil)
}

func (p *Provider) Stop(ctx context.Context, instance *model.Instance) error {
	app, err := p.appName(instance)
	if err != nil {
		return err
	}
	machineID, err := p.machineID(instance)
	if err != nil {
		return err
	}
	return p.doAPI(ctx, http.MethodPost, "/apps/"+app+"/machines/"+machineID+"/stop", nil, nil)
}

func (p *Provider) Teardown(ctx context.Context, instance *model.Instance) error {
	app, err := p.appName(instance)
	if err != nil {
		// Nothing was provisioned; nothing to tear down.
		return nil
	}
	if machineID, err := p.machineID(instance); err == nil {
		if err := p.doAPI(ctx, http.MethodDelete, "/apps/"+app+"/machines/"+machineID+"?force=true", nil, nil); err != nil {
			return fmt.Errorf("destroying machine: %w", err)
		}
	}
	if err := p.doAPI(ctx, http.MethodDelete, "/apps/"+app, nil, nil); err != nil {
		return fmt.Errorf("deleting app: %w", err)
	}
	return nil
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type chatResponse struct {
	Success   bool   `json:"success"`
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// SendMessage posts the message to the agent's HTTP API running on the
// machine.
func (p *Provider) SendMessage(ctx context.Context, instance *model.Instance, sessionID, message string) (*provider.ChatResult, error) {
	url, err := p.agentURL(instance, "/v1/chat")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrAgentUnavailable, err)
	}

	body, err := json.Marshal(chatRequest{SessionID: sessionID, Message: message})
	if err != nil {
		return nil, fmt.Errorf("marshaling chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrAgentUnavailable, err)
	}
	defer resp.Body.Close()

	var reply chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("%w: decoding reply: %v", provider.ErrAgentUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK || !reply.Success {
		msg := reply.Error
		if msg == "" {
			msg = fmt.Sprintf("agent returned status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s", provider.ErrAgentUnavailable, msg)
	}

	result := &provider.ChatResult{Response: reply.Response, SessionID: reply.SessionID}
	if result.SessionID == "" {
		result.SessionID = sessionID
	}
	return result, nil
}

// UploadFile sends the file to the agent as a multipart upload and returns
// the path the agent stored it at.
func (p *Provider) UploadFile(ctx context.Context, instance *model.Instance, data []byte, filename string) (string, error) {
	url, err := p.agentURL(instance, "/v1/files")
	if err != nil {
		return "", fmt.Errorf("%w: %v", provider.ErrAgentUnavailable, err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("writing form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("closing form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", provider.ErrAgentUnavailable, err)
	}
	defer resp.Body.Close()

	var out struct {
		Success bool   `json:"success"`
		Path    string `json:"path"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decoding reply: %v", provider.ErrAgentUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK || !out.Success {
		return "", fmt.Errorf("%w: upload failed: %s", provider.ErrAgentUnavailable, out.Error)
	}
	return out.Path, nil
}

// WriteAgentConfig pushes the integration config to the agent's config
// endpoint.
func (p *Provider) WriteAgentConfig(ctx context.Context, instance *model.Instance, cfg provider.AgentConfig) error {
	url, err := p.agentURL(instance, "/v1/config")
	if err != nil {
		return fmt.Errorf("%w: %v", provider.ErrAgentUnavailable, err)
	}

	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling agent config: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", provider.ErrAgentUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: config update returned status %d", provider.ErrAgentUnavailable, resp.StatusCode)
	}
	return nil
}
