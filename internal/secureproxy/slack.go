package secureproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// callSlack invokes a Slack Web API method. Slack signals failure through
// the "ok" field rather than the HTTP status, so the envelope is built from
// the response body.
func (p *Proxy) callSlack(ctx context.Context, token string, proxyReq Request) (*Result, error) {
	if proxyReq.Method == "" {
		return failure("slack method is required"), nil
	}

	body := proxyReq.Body
	if body == nil {
		body = json.RawMessage("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.slackBase+"/"+proxyReq.Method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating slack request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return failure("slack unreachable: %v", err), nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return failure("reading slack response: %v", err), nil
	}

	var envelope struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return failure("slack returned non-JSON response (status %d)", resp.StatusCode), nil
	}
	if !envelope.OK {
		msg := envelope.Error
		if msg == "" {
			msg = fmt.Sprintf("slack error (status %d)", resp.StatusCode)
		}
		return &Result{Success: false, Error: msg}, nil
	}
	return &Result{Success: true, Data: data}, nil
}
