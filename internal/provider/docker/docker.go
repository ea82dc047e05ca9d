// Package docker implements the provider contract on top of the Docker
// Engine API. Each instance maps to one container running the OpenClaw
// agent image.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	containerTypes "github.com/docker/docker/api/types/container"
	imageTypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/openclaw/clawdeck/internal/model"
	"github.com/openclaw/clawdeck/internal/provider"
)

const (
	// agentPort is the fixed port the agent listens on inside the container.
	agentPort = 4430

	// agentConfigPath is where the agent reads its integration config.
	agentConfigPath = "/etc/openclaw"

	// uploadPath is where uploaded files land inside the container.
	uploadPath = "/workspace/uploads"

	// labelInstance tags containers with the owning instance id.
	labelInstance = "clawdeck.instance"

	stopTimeoutSeconds = 10

	// defaultChatTimeout bounds one agent CLI run when no timeout is
	// configured. chatGracePeriod is added on top so the agent's own
	// timeout fires first and its error reaches stdout.
	defaultChatTimeout = 2 * time.Minute
	chatGracePeriod    = 10 * time.Second

	// maxChatOutputBytes caps how much exec output is kept per stream.
	maxChatOutputBytes = 1 << 20
)

// Provider runs instances as local Docker containers.
type Provider struct {
	client      *client.Client
	image       string
	chatTimeout time.Duration
}

// New creates a Docker provider. host may be empty to use the environment's
// default Docker endpoint; chatTimeout may be zero for the default.
func New(host, image string, chatTimeout time.Duration) (*Provider, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if chatTimeout <= 0 {
		chatTimeout = defaultChatTimeout
	}
	return &Provider{client: cli, image: image, chatTimeout: chatTimeout}, nil
}

func (p *Provider) Provision(ctx context.Context, instance *model.Instance) (*provider.ProvisionResult, error) {
	if reader, err := p.client.ImagePull(ctx, p.image, imageTypes.PullOptions{}); err == nil {
		// Drain so the pull completes; the image may also exist locally.
		buf := make([]byte, 4096)
		for {
			if _, err := reader.Read(buf); err != nil {
				break
			}
		}
		_ = reader.Close()
	} else {
		log.Printf("Image pull for %s failed, using local image if present: %v", p.image, err)
	}

	env := []string{
		"OPENCLAW_INSTANCE_ID=" + instance.ID,
		"OPENCLAW_MODEL=" + instance.AIModel,
	}
	if instance.TelegramBotToken != nil && *instance.TelegramBotToken != "" {
		env = append(env, "TELEGRAM_BOT_TOKEN="+*instance.TelegramBotToken)
	}

	port := nat.Port(fmt.Sprintf("%d/tcp", agentPort))
	containerConfig := &containerTypes.Config{
		Image: p.image,
		Env:   env,
		Labels: map[string]string{
			labelInstance: instance.ID,
		},
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostConfig := &containerTypes.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: "", // Docker assigns a free port
			}},
		},
		RestartPolicy: containerTypes.RestartPolicy{Name: containerTypes.RestartPolicyUnlessStopped},
	}

	name := "openclaw-" + instance.ID
	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("%w: creating container: %v", provider.ErrProvisionFailed, err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, containerTypes.StartOptions{}); err != nil {
		_ = p.client.ContainerRemove(ctx, resp.ID, containerTypes.RemoveOptions{Force: true})
		return nil, fmt.Errorf("%w: starting container: %v", provider.ErrProvisionFailed, err)
	}

	hostPort, err := p.resolveHostPort(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrProvisionFailed, err)
	}

	return &provider.ProvisionResult{
		DockerContainerID: resp.ID,
		DockerPort:        hostPort,
	}, nil
}

func (p *Provider) resolveHostPort(ctx context.Context, containerID string) (int, error) {
	inspect, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, fmt.Errorf("inspecting container: %w", err)
	}
	port := nat.Port(fmt.Sprintf("%d/tcp", agentPort))
	bindings := inspect.NetworkSettings.Ports[port]
	if len(bindings) == 0 {
		return 0, fmt.Errorf("no host binding for port %s", port)
	}
	hostPort, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, fmt.Errorf("parsing host port %q: %w", bindings[0].HostPort, err)
	}
	return hostPort, nil
}

func (p *Provider) containerID(instance *model.Instance) (string, error) {
	if instance.DockerContainerID == nil || *instance.DockerContainerID == "" {
		return "", fmt.Errorf("instance %s has no container", instance.ID)
	}
	return *instance.DockerContainerID, nil
}

func (p *Provider) Start(ctx context.Context, instance *model.Instance) error {
	id, err := p.containerID(instance)
	if err != nil {
		return err
	}
	if err := p.client.ContainerStart(ctx, id, containerTypes.StartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", id, err)
	}
	return nil
}

func (p *Provider) Stop(ctx context.Context, instance *model.Instance) error {
	id, err := p.containerID(instance)
	if err != nil {
		return err
	}
	timeout := stopTimeoutSeconds
	if err := p.client.ContainerStop(ctx, id, containerTypes.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stopping container %s: %w", id, err)
	}
	return nil
}

func (p *Provider) Teardown(ctx context.Context, instance *model.Instance) error {
	id, err := p.containerID(instance)
	if err != nil {
		// Nothing was provisioned; nothing to tear down.
		return nil
	}
	if err := p.client.ContainerRemove(ctx, id, containerTypes.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("removing container %s: %w", id, err)
	}
	return nil
}

// agentReply is the JSON document the agent CLI prints on stdout as its
// final line.
type agentReply struct {
	Success   bool   `json:"success"`
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// SendMessage runs the agent CLI inside the container and parses its stdout.
// The CLI writes progress noise to stderr and can exit non-zero even when it
// produced a valid reply, so only the stdout JSON decides the outcome.
func (p *Provider) SendMessage(ctx context.Context, instance *model.Instance, sessionID, message string) (*provider.ChatResult, error) {
	id, err := p.containerID(instance)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrAgentUnavailable, err)
	}

	execCtx, cancel := context.WithTimeout(ctx, p.chatTimeout+chatGracePeriod)
	defer cancel()

	cmd := []string{"openclaw-agent", "chat", "--session", sessionID, "--message", message, "--json"}
	stdout, stderr, exitCode, err := p.exec(execCtx, id, cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrAgentUnavailable, err)
	}

	reply, ok := parseReply(stdout)
	if !ok {
		if exitCode != 0 {
			return nil, fmt.Errorf("%w: agent exited %d: %s", provider.ErrAgentUnavailable, exitCode, firstLine(stderr))
		}
		return nil, fmt.Errorf("%w: no reply in agent output", provider.ErrAgentUnavailable)
	}
	if !reply.Success {
		return nil, fmt.Errorf("%w: %s", provider.ErrAgentUnavailable, reply.Error)
	}

	result := &provider.ChatResult{Response: reply.Response, SessionID: reply.SessionID}
	if result.SessionID == "" {
		result.SessionID = sessionID
	}
	return result, nil
}

// parseReply scans stdout from the last line backwards for the agent's JSON
// reply, skipping any trailing noise.
func parseReply(stdout []byte) (*agentReply, bool) {
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var reply agentReply
		if err := json.Unmarshal([]byte(line), &reply); err != nil {
			continue
		}
		if reply.Success || reply.Error != "" {
			return &reply, true
		}
	}
	return nil, false
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// capBuffer accepts all writes but retains at most max bytes.
type capBuffer struct {
	buf bytes.Buffer
	max int
}

func newCapBuffer(max int) *capBuffer {
	return &capBuffer{max: max}
}

func (b *capBuffer) Write(p []byte) (int, error) {
	if remaining := b.max - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *capBuffer) Bytes() []byte { return b.buf.Bytes() }

func (p *Provider) exec(ctx context.Context, containerID string, cmd []string) (stdout, stderr []byte, exitCode int, err error) {
	execCreate, err := p.client.ContainerExecCreate(ctx, containerID, containerTypes.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, nil, 0, fmt.Errorf("creating exec: %w", err)
	}

	resp, err := p.client.ContainerExecAttach(ctx, execCreate.ID, containerTypes.ExecStartOptions{})
	if err != nil {
		return nil, nil, 0, fmt.Errorf("attaching exec: %w", err)
	}
	defer resp.Close()

	// A noisy agent must not grow memory without bound: each stream is
	// kept only up to its cap, the rest is drained and dropped.
	outBuf := newCapBuffer(maxChatOutputBytes)
	errBuf := newCapBuffer(maxChatOutputBytes)
	if _, err := stdcopy.StdCopy(outBuf, errBuf, resp.Reader); err != nil {
		return nil, nil, 0, fmt.Errorf("reading exec output: %w", err)
	}

	inspect, err := p.client.ContainerExecInspect(ctx, execCreate.ID)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("inspecting exec: %w", err)
	}
	return outBuf.Bytes(), errBuf.Bytes(), inspect.ExitCode, nil
}

// UploadFile copies the file into the container's upload directory and
// returns the in-container path.
func (p *Provider) UploadFile(ctx context.Context, instance *model.Instance, data []byte, filename string) (string, error) {
	id, err := p.containerID(instance)
	if err != nil {
		return "", fmt.Errorf("%w: %v", provider.ErrAgentUnavailable, err)
	}
	if err := p.copyFile(ctx, id, uploadPath, filename, data); err != nil {
		return "", err
	}
	return uploadPath + "/" + filename, nil
}

func (p *Provider) WriteAgentConfig(ctx context.Context, instance *model.Instance, cfg provider.AgentConfig) error {
	id, err := p.containerID(instance)
	if err != nil {
		return fmt.Errorf("%w: %v", provider.ErrAgentUnavailable, err)
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling agent config: %w", err)
	}
	return p.copyFile(ctx, id, agentConfigPath, "integrations.json", data)
}

// copyFile writes a single file into the container as a tar stream.
func (p *Provider) copyFile(ctx context.Context, containerID, dir, filename string, data []byte) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    filename,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("writing tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar: %w", err)
	}

	if err := p.client.CopyToContainer(ctx, containerID, dir, &buf, containerTypes.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copying %s to container: %w", filename, err)
	}
	return nil
}
