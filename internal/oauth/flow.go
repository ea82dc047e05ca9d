package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"
	googleoauth "golang.org/x/oauth2/google"

	"github.com/openclaw/clawdeck/internal/config"
	"github.com/openclaw/clawdeck/internal/crypto"
	"github.com/openclaw/clawdeck/internal/model"
	"github.com/openclaw/clawdeck/internal/store"
)

var (
	// ErrUnknownIntegration is returned for integration ids with no OAuth
	// configuration.
	ErrUnknownIntegration = errors.New("unknown integration")

	// ErrNoRefreshToken is returned when a refresh is requested but the
	// provider issued no refresh token.
	ErrNoRefreshToken = errors.New("integration has no refresh token")
)

// slackEndpoint is Slack's OAuth v2 endpoint. The x/oauth2 package has no
// constant for it.
var slackEndpoint = oauth2.Endpoint{
	AuthURL:  "https://slack.com/oauth/v2/authorize",
	TokenURL: "https://slack.com/api/oauth.v2.access",
}

// Flow drives the OAuth connection lifecycle: initiate, callback, refresh,
// disconnect. Tokens are encrypted before they reach the store.
type Flow struct {
	store     *store.Store
	encryptor *crypto.Encryptor
	signer    *StateSigner

	configs    map[string]*oauth2.Config
	httpClient *http.Client

	// identityBase overrides provider identity API hosts, used in tests.
	identityBase map[string]string
}

// NewFlow builds the per-integration OAuth configs from app credentials.
// Providers with no configured client id are left out and report
// ErrUnknownIntegration.
func NewFlow(s *store.Store, enc *crypto.Encryptor, signer *StateSigner, cfg *config.Config) *Flow {
	f := &Flow{
		store:        s,
		encryptor:    enc,
		signer:       signer,
		configs:      make(map[string]*oauth2.Config),
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		identityBase: make(map[string]string),
	}

	redirect := func(integrationID string) string {
		return cfg.OAuthRedirectBase + "/integrations/" + integrationID + "/callback"
	}

	if cfg.Slack.ClientID != "" {
		f.configs[model.IntegrationSlack] = &oauth2.Config{
			ClientID:     cfg.Slack.ClientID,
			ClientSecret: cfg.Slack.ClientSecret,
			Endpoint:     slackEndpoint,
			RedirectURL:  redirect(model.IntegrationSlack),
			Scopes:       []string{"chat:write", "channels:read", "files:write"},
		}
	}
	if cfg.GitHub.ClientID != "" {
		f.configs[model.IntegrationGitHub] = &oauth2.Config{
			ClientID:     cfg.GitHub.ClientID,
			ClientSecret: cfg.GitHub.ClientSecret,
			Endpoint:     githuboauth.Endpoint,
			RedirectURL:  redirect(model.IntegrationGitHub),
			Scopes:       []string{"repo", "read:user"},
		}
	}
	if cfg.Google.ClientID != "" {
		// Google accepts plain-http localhost callbacks, so its redirect
		// can be configured separately from the TLS base the others need.
		googleRedirect := cfg.GoogleOAuthRedirectURL
		if googleRedirect == "" {
			googleRedirect = redirect(model.IntegrationGoogle)
		}
		f.configs[model.IntegrationGoogle] = &oauth2.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			Endpoint:     googleoauth.Endpoint,
			RedirectURL:  googleRedirect,
			Scopes: []string{
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/calendar",
			},
		}
	}
	return f
}

// Integrations returns the integration ids with OAuth configured.
func (f *Flow) Integrations() []string {
	ids := make([]string, 0, len(f.configs))
	for id := range f.configs {
		ids = append(ids, id)
	}
	return ids
}

// Initiate returns the provider authorize URL carrying a signed state token.
func (f *Flow) Initiate(userID, integrationID string) (string, error) {
	cfg, ok := f.configs[integrationID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownIntegration, integrationID)
	}
	state, err := f.signer.Sign(userID, integrationID)
	if err != nil {
		return "", fmt.Errorf("signing state: %w", err)
	}
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if integrationID == model.IntegrationGoogle {
		// Google only returns a refresh token when consent is re-prompted.
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "consent"))
	}
	return cfg.AuthCodeURL(state, opts...), nil
}

// HandleCallback verifies the state, exchanges the code, resolves the
// account identity, and upserts the encrypted connection. Reconnecting
// replaces any existing tokens for the same (user, integration) pair.
func (f *Flow) HandleCallback(ctx context.Context, code, stateToken string) (*model.UserIntegration, error) {
	state, err := f.signer.Verify(stateToken)
	if err != nil {
		return nil, err
	}
	cfg, ok := f.configs[state.IntegrationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntegration, state.IntegrationID)
	}

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchanging code: %w", err)
	}

	account, err := f.resolveAccount(ctx, state.IntegrationID, token)
	if err != nil {
		// Identity lookup is informational; the connection still works.
		account = ""
	}

	ui, err := f.buildIntegration(state.UserID, state.IntegrationID, token, account)
	if err != nil {
		return nil, err
	}
	if err := f.store.UpsertUserIntegration(ctx, ui); err != nil {
		return nil, fmt.Errorf("saving integration: %w", err)
	}
	return ui, nil
}

func (f *Flow) buildIntegration(userID, integrationID string, token *oauth2.Token, account string) (*model.UserIntegration, error) {
	encAccess, err := f.encryptor.EncryptString(token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypting access token: %w", err)
	}
	ui := &model.UserIntegration{
		UserID:               userID,
		IntegrationID:        integrationID,
		EncryptedAccessToken: encAccess,
	}
	if token.RefreshToken != "" {
		encRefresh, err := f.encryptor.EncryptString(token.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("encrypting refresh token: %w", err)
		}
		ui.EncryptedRefreshToken = encRefresh
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry
		ui.TokenExpiresAt = &expiry
	}
	if account != "" {
		ui.AccountIdentifier = &account
	}
	return ui, nil
}

// AccessToken decrypts the stored access token, refreshing it first when it
// is expired and a refresh token exists. This is the only read path for
// plaintext tokens.
func (f *Flow) AccessToken(ctx context.Context, userID, integrationID string) (string, error) {
	ui, err := f.store.GetUserIntegration(ctx, userID, integrationID)
	if err != nil {
		return "", err
	}
	if ui.TokenExpiresAt != nil && time.Now().After(ui.TokenExpiresAt.Add(-time.Minute)) && len(ui.EncryptedRefreshToken) > 0 {
		refreshed, err := f.Refresh(ctx, userID, integrationID)
		if err != nil {
			return "", err
		}
		ui = refreshed
	}
	return f.encryptor.DecryptString(ui.EncryptedAccessToken)
}

// Refresh exchanges the stored refresh token for a new access token and
// persists the rotated credentials.
func (f *Flow) Refresh(ctx context.Context, userID, integrationID string) (*model.UserIntegration, error) {
	cfg, ok := f.configs[integrationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntegration, integrationID)
	}
	ui, err := f.store.GetUserIntegration(ctx, userID, integrationID)
	if err != nil {
		return nil, err
	}
	if len(ui.EncryptedRefreshToken) == 0 {
		return nil, ErrNoRefreshToken
	}
	refreshToken, err := f.encryptor.DecryptString(ui.EncryptedRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypting refresh token: %w", err)
	}

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Now().Add(-time.Hour)})
	token, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	encAccess, err := f.encryptor.EncryptString(token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypting access token: %w", err)
	}
	ui.EncryptedAccessToken = encAccess
	if token.RefreshToken != "" && token.RefreshToken != refreshToken {
		encRefresh, err := f.encryptor.EncryptString(token.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("encrypting refresh token: %w", err)
		}
		ui.EncryptedRefreshToken = encRefresh
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry
		ui.TokenExpiresAt = &expiry
	}
	now := time.Now()
	ui.LastRefreshedAt = &now

	if err := f.store.UpdateUserIntegration(ctx, ui); err != nil {
		return nil, fmt.Errorf("saving refreshed tokens: %w", err)
	}
	return ui, nil
}

// Disconnect removes the connection and any instance bindings.
func (f *Flow) Disconnect(ctx context.Context, userID, integrationID string) error {
	return f.store.DeleteUserIntegration(ctx, userID, integrationID)
}

// resolveAccount fetches a human-readable account identifier from the
// provider's identity API.
func (f *Flow) resolveAccount(ctx context.Context, integrationID string, token *oauth2.Token) (string, error) {
	switch integrationID {
	case model.IntegrationSlack:
		// Slack includes the team in the token response.
		if team, ok := token.Extra("team").(map[string]interface{}); ok {
			if name, ok := team["name"].(string); ok {
				return name, nil
			}
		}
		return "", nil
	case model.IntegrationGitHub:
		var user struct {
			Login string `json:"login"`
		}
		if err := f.getIdentity(ctx, integrationID, "https://api.github.com", "/user", token.AccessToken, &user); err != nil {
			return "", err
		}
		return user.Login, nil
	case model.IntegrationGoogle:
		var info struct {
			Email string `json:"email"`
		}
		if err := f.getIdentity(ctx, integrationID, "https://www.googleapis.com", "/oauth2/v2/userinfo", token.AccessToken, &info); err != nil {
			return "", err
		}
		return info.Email, nil
	}
	return "", nil
}

func (f *Flow) getIdentity(ctx context.Context, integrationID, defaultBase, path, accessToken string, out interface{}) error {
	base := defaultBase
	if override, ok := f.identityBase[integrationID]; ok {
		base = override
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("identity lookup returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
