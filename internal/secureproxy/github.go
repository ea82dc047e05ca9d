package secureproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var allowedGitHubVerbs = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPatch:  true,
	http.MethodPut:    true,
	http.MethodDelete: true,
}

// callGitHub forwards a REST call to the GitHub API. GitHub signals failure
// through the HTTP status and an error body of the form {"message": "..."}.
func (p *Proxy) callGitHub(ctx context.Context, token string, proxyReq Request) (*Result, error) {
	verb := strings.ToUpper(proxyReq.Method)
	if !allowedGitHubVerbs[verb] {
		return failure("unsupported github method %q", proxyReq.Method), nil
	}
	if proxyReq.Path == "" || !strings.HasPrefix(proxyReq.Path, "/") {
		return failure("github path must start with /"), nil
	}

	var bodyReader io.Reader
	if len(proxyReq.Body) > 0 {
		bodyReader = bytes.NewReader(proxyReq.Body)
	}
	req, err := http.NewRequestWithContext(ctx, verb, p.githubBase+proxyReq.Path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating github request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return failure("github unreachable: %v", err), nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return failure("reading github response: %v", err), nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ghErr struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &ghErr)
		msg := ghErr.Message
		if msg == "" {
			msg = fmt.Sprintf("github error (status %d)", resp.StatusCode)
		}
		return &Result{Success: false, Error: msg}, nil
	}

	if len(bytes.TrimSpace(data)) == 0 {
		// 204 responses have no body.
		data = json.RawMessage("null")
	}
	return &Result{Success: true, Data: data}, nil
}
