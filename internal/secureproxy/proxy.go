// Package secureproxy forwards integration API calls on behalf of agents so
// that plaintext tokens never leave the control plane. Provider responses
// are normalized into a single envelope.
package secureproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openclaw/clawdeck/internal/model"
)

// Result is the normalized envelope returned for every proxied call.
// Exactly one of Data and Error is meaningful, selected by Success.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// TokenSource yields a usable plaintext access token for a user's
// integration. Implemented by the OAuth flow, which transparently refreshes
// expired tokens.
type TokenSource interface {
	AccessToken(ctx context.Context, userID, integrationID string) (string, error)
}

// Proxy executes integration calls with tokens resolved in-process.
type Proxy struct {
	tokens     TokenSource
	httpClient *http.Client

	// API hosts, overridable in tests.
	slackBase  string
	githubBase string
}

// New creates a proxy backed by the given token source.
func New(tokens TokenSource) *Proxy {
	return &Proxy{
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		slackBase:  "https://slack.com/api",
		githubBase: "https://api.github.com",
	}
}

// NewWithBases creates a proxy with custom API hosts. Used in tests.
func NewWithBases(tokens TokenSource, slackBase, githubBase string) *Proxy {
	p := New(tokens)
	if slackBase != "" {
		p.slackBase = slackBase
	}
	if githubBase != "" {
		p.githubBase = githubBase
	}
	return p
}

// Call dispatches a proxied request for the given integration.
func (p *Proxy) Call(ctx context.Context, userID, integrationID string, req Request) (*Result, error) {
	token, err := p.tokens.AccessToken(ctx, userID, integrationID)
	if err != nil {
		return nil, err
	}
	switch integrationID {
	case model.IntegrationSlack:
		return p.callSlack(ctx, token, req)
	case model.IntegrationGitHub:
		return p.callGitHub(ctx, token, req)
	default:
		return nil, fmt.Errorf("no proxy adapter for integration %s", integrationID)
	}
}

// Request describes one proxied API call. For Slack, Method is the Web API
// method name (for example "chat.postMessage") and Body is the JSON
// arguments. For GitHub, Method is the HTTP verb and Path the API path.
type Request struct {
	Method string          `json:"method"`
	Path   string          `json:"path,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

func failure(format string, args ...interface{}) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...)}
}
