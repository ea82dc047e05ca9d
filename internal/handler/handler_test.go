package handler

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/openclaw/clawdeck/internal/billing"
	"github.com/openclaw/clawdeck/internal/config"
	"github.com/openclaw/clawdeck/internal/crypto"
	"github.com/openclaw/clawdeck/internal/jobs"
	"github.com/openclaw/clawdeck/internal/middleware"
	"github.com/openclaw/clawdeck/internal/model"
	"github.com/openclaw/clawdeck/internal/oauth"
	"github.com/openclaw/clawdeck/internal/provider"
	"github.com/openclaw/clawdeck/internal/provider/mock"
	"github.com/openclaw/clawdeck/internal/secureproxy"
	"github.com/openclaw/clawdeck/internal/service"
	"github.com/openclaw/clawdeck/internal/store"
)

type env struct {
	router  chi.Router
	store   *store.Store
	queue   *jobs.Queue
	backend *mock.Provider
	stripe  *fakeFetcher
	cfg     *config.Config
	user    *model.User
	token   string
}

type fakeFetcher struct {
	subs map[string]*billing.StripeSubscription
}

func (f *fakeFetcher) GetSubscription(ctx context.Context, id string) (*billing.StripeSubscription, error) {
	if sub, ok := f.subs[id]; ok {
		return sub, nil
	}
	return nil, fmt.Errorf("no such subscription: %s", id)
}

func setupEnv(t *testing.T) *env {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	s := store.New(db)

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generating key: %v", err)
	}
	enc, err := crypto.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	cfg := &config.Config{
		BaseURL:             "http://localhost:8080",
		OAuthRedirectBase:   "http://localhost:8080",
		StripeWebhookSecret: "whsec_test",
		MaxUploadBytes:      1 << 20,
		GitHub:              config.OAuthApp{ClientID: "gh", ClientSecret: "ghs"},
		Slack:               config.OAuthApp{ClientID: "sl", ClientSecret: "sls"},
	}

	backend := mock.New()
	registry := provider.NewRegistry()
	registry.Register(model.ProviderDocker, backend)

	queue := jobs.NewQueue(s)
	instances := service.NewInstanceService(s, registry, queue, model.ProviderDocker, 3)
	chat := service.NewChatService(s, registry, cfg.MaxUploadBytes)
	integrations := service.NewIntegrationService(s, registry, cfg.BaseURL+"/proxy")

	signer := oauth.NewStateSigner([]byte("signing-secret"), 10*time.Minute)
	flow := oauth.NewFlow(s, enc, signer, cfg)
	proxy := secureproxy.New(flow)
	stripe := billing.NewStripeClient("sk_test_none")
	fetcher := &fakeFetcher{subs: make(map[string]*billing.StripeSubscription)}
	reconciler := billing.NewReconciler(s, fetcher, map[string]billing.Plan{
		"price_basic": {Name: "basic", InstanceLimit: 1},
	})

	h := New(cfg, s, instances, chat, integrations, flow, proxy, stripe, reconciler)
	router := chi.NewRouter()
	h.Routes(router)

	user := &model.User{Email: "handler@example.com"}
	if err := s.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("creating user: %v", err)
	}
	raw := "clawdeck_handler_token"
	if err := s.CreateAPIToken(context.Background(), &model.APIToken{
		UserID:    user.ID,
		TokenHash: middleware.HashToken(raw),
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("creating token: %v", err)
	}

	return &env{
		router:  router,
		store:   s,
		queue:   queue,
		backend: backend,
		stripe:  fetcher,
		cfg:     cfg,
		user:    user,
		token:   raw,
	}
}

func (e *env) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+e.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *env) seedInstance(t *testing.T, status string) *model.Instance {
	t.Helper()
	containerID := "ctr-1"
	botToken := "tg-secret-token"
	instance := &model.Instance{
		OwnerUserID:       e.user.ID,
		Name:              "claw-1",
		Provider:          model.ProviderDocker,
		Status:            status,
		DockerContainerID: &containerID,
		TelegramBotToken:  &botToken,
	}
	if err := e.store.CreateInstance(context.Background(), instance); err != nil {
		t.Fatalf("seeding instance: %v", err)
	}
	return instance
}

func TestAuthRequired(t *testing.T) {
	e := setupEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/instances", nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestCreateInstanceReturnsTask(t *testing.T) {
	e := setupEnv(t)

	rec := e.request(t, http.MethodPost, "/instances", map[string]string{
		"name":               "claw-1",
		"telegram_bot_token": "tg-secret-token",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != model.InstanceStatusCreating {
		t.Errorf("status = %q, want CREATING", resp.Status)
	}
	if resp.TaskID == "" {
		t.Error("no task id")
	}
	if strings.Contains(rec.Body.String(), "tg-secret-token") {
		t.Error("bot token echoed in response")
	}

	taskRec := e.request(t, http.MethodGet, "/tasks/"+resp.TaskID, nil)
	if taskRec.Code != http.StatusOK {
		t.Errorf("task status = %d", taskRec.Code)
	}
}

func TestGetInstanceNeverLeaksSecrets(t *testing.T) {
	e := setupEnv(t)
	instance := e.seedInstance(t, model.InstanceStatusRunning)

	rec := e.request(t, http.MethodGet, "/instances/"+instance.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "tg-secret-token") {
		t.Error("bot token in instance response")
	}
}

func TestChatOnStoppedInstance(t *testing.T) {
	e := setupEnv(t)
	instance := e.seedInstance(t, model.InstanceStatusStopped)

	rec := e.request(t, http.MethodPost, "/instances/"+instance.ID+"/chat", map[string]string{"message": "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if e.backend.ChatCalls != 0 {
		t.Error("provider called for stopped instance")
	}
}

func TestChatRoundTrip(t *testing.T) {
	e := setupEnv(t)
	instance := e.seedInstance(t, model.InstanceStatusRunning)

	rec := e.request(t, http.MethodPost, "/instances/"+instance.ID+"/chat", map[string]string{"message": "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	histRec := e.request(t, http.MethodGet, "/instances/"+instance.ID+"/chat/history", nil)
	var hist struct {
		Messages []model.ChatMessage `json:"messages"`
	}
	if err := json.Unmarshal(histRec.Body.Bytes(), &hist); err != nil {
		t.Fatalf("decoding history: %v", err)
	}
	if len(hist.Messages) != 2 {
		t.Errorf("history length = %d, want 2", len(hist.Messages))
	}
}

func TestDeleteInstanceTwice(t *testing.T) {
	e := setupEnv(t)
	instance := e.seedInstance(t, model.InstanceStatusRunning)

	first := e.request(t, http.MethodDelete, "/instances/"+instance.ID, nil)
	if first.Code != http.StatusOK {
		t.Fatalf("first delete: status = %d", first.Code)
	}
	second := e.request(t, http.MethodDelete, "/instances/"+instance.ID, nil)
	if second.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", second.Code)
	}
}

func TestStartRunningInstanceConflict(t *testing.T) {
	e := setupEnv(t)
	instance := e.seedInstance(t, model.InstanceStatusRunning)

	rec := e.request(t, http.MethodPost, "/instances/"+instance.ID+"/start", nil)
	if rec.Code != http.StatusPreconditionFailed {
		t.Errorf("status = %d, want 412", rec.Code)
	}
}

func TestOtherUsersInstanceIs404(t *testing.T) {
	e := setupEnv(t)
	instance := e.seedInstance(t, model.InstanceStatusRunning)

	other := &model.User{Email: "intruder@example.com"}
	if err := e.store.CreateUser(context.Background(), other); err != nil {
		t.Fatalf("creating user: %v", err)
	}
	otherToken := "intruder-token"
	if err := e.store.CreateAPIToken(context.Background(), &model.APIToken{
		UserID:    other.ID,
		TokenHash: middleware.HashToken(otherToken),
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("creating token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/instances/"+instance.ID, nil)
	req.Header.Set("Authorization", "Bearer "+otherToken)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestProxyWithoutBindingForbidden(t *testing.T) {
	e := setupEnv(t)
	instance := e.seedInstance(t, model.InstanceStatusRunning)

	// Agents call the proxy without a bearer token; the instance id is
	// the whole credential.
	body := bytes.NewReader([]byte(`{"method":"chat.postMessage"}`))
	req := httptest.NewRequest(http.MethodPost, "/proxy/"+instance.ID+"/slack", body)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestProxyIntegrationsListsWithoutTokenMaterial(t *testing.T) {
	e := setupEnv(t)
	instance := e.seedInstance(t, model.InstanceStatusRunning)

	if err := e.store.UpsertUserIntegration(context.Background(), &model.UserIntegration{
		UserID:               e.user.ID,
		IntegrationID:        model.IntegrationSlack,
		EncryptedAccessToken: []byte("ciphertext"),
	}); err != nil {
		t.Fatalf("seeding integration: %v", err)
	}
	enable := e.request(t, http.MethodPost, "/instances/"+instance.ID+"/integrations/slack", nil)
	if enable.Code != http.StatusCreated {
		t.Fatalf("enable: status = %d, body = %s", enable.Code, enable.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/proxy/integrations/"+instance.ID, nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Integrations []string `json:"integrations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(resp.Integrations) != 1 || resp.Integrations[0] != model.IntegrationSlack {
		t.Errorf("integrations = %v", resp.Integrations)
	}
	if strings.Contains(rec.Body.String(), "ciphertext") {
		t.Error("token material in proxy listing")
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	e := setupEnv(t)

	body := []byte(`{"id":"evt_1","type":"invoice.paid","data":{"object":{}}}`)
	req := httptest.NewRequest(http.MethodPost, "/billing/webhook", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", "t=123,v1=deadbeef")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookUnknownEventAccepted(t *testing.T) {
	e := setupEnv(t)

	body := []byte(`{"id":"evt_2","type":"charge.refunded","data":{"object":{}}}`)
	req := httptest.NewRequest(http.MethodPost, "/billing/webhook", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", billing.SignPayload(body, e.cfg.StripeWebhookSecret, time.Now()))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookReplayAcknowledged(t *testing.T) {
	e := setupEnv(t)

	body := []byte(`{"id":"evt_3","type":"charge.refunded","data":{"object":{}}}`)
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/billing/webhook", bytes.NewReader(body))
		req.Header.Set("Stripe-Signature", billing.SignPayload(body, e.cfg.StripeWebhookSecret, time.Now()))
		rec := httptest.NewRecorder()
		e.router.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(); rec.Code != http.StatusOK {
		t.Fatalf("first delivery: status = %d", rec.Code)
	}
	rec := send()
	if rec.Code != http.StatusOK {
		t.Errorf("replay: status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "already processed") {
		t.Errorf("replay body = %s", rec.Body.String())
	}
}

func TestWebhookRetryAfterFailureReprocesses(t *testing.T) {
	e := setupEnv(t)

	body := []byte(`{"id":"evt_4","type":"checkout.session.completed","data":{"object":{"customer":"cus_9","subscription":"sub_9","metadata":{"userId":"` + e.user.ID + `"}}}}`)
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/billing/webhook", bytes.NewReader(body))
		req.Header.Set("Stripe-Signature", billing.SignPayload(body, e.cfg.StripeWebhookSecret, time.Now()))
		rec := httptest.NewRecorder()
		e.router.ServeHTTP(rec, req)
		return rec
	}

	// Stripe does not know sub_9 yet, so processing fails.
	if rec := send(); rec.Code != http.StatusInternalServerError {
		t.Fatalf("first delivery: status = %d, want 500", rec.Code)
	}

	// The retry of the same event id must run again, not dedupe.
	var sub billing.StripeSubscription
	if err := json.Unmarshal([]byte(`{"id":"sub_9","customer":"cus_9","status":"active","items":{"data":[{"price":{"id":"price_basic"}}]}}`), &sub); err != nil {
		t.Fatalf("building subscription: %v", err)
	}
	e.stripe.subs["sub_9"] = &sub

	if rec := send(); rec.Code != http.StatusOK {
		t.Fatalf("retry: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	got, err := e.store.GetSubscriptionByStripeID(context.Background(), "sub_9")
	if err != nil {
		t.Fatalf("subscription row not created on retry: %v", err)
	}
	if got.UserID != e.user.ID || got.Status != model.SubscriptionStatusActive {
		t.Errorf("subscription = %+v", got)
	}

	// A third, byte-identical delivery now dedupes.
	rec := send()
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "already processed") {
		t.Errorf("replay after success: status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestListIntegrationsShowsConnectionState(t *testing.T) {
	e := setupEnv(t)

	account := "octocat"
	if err := e.store.UpsertUserIntegration(context.Background(), &model.UserIntegration{
		UserID:               e.user.ID,
		IntegrationID:        model.IntegrationGitHub,
		EncryptedAccessToken: []byte("ciphertext"),
		AccountIdentifier:    &account,
	}); err != nil {
		t.Fatalf("seeding integration: %v", err)
	}

	rec := e.request(t, http.MethodGet, "/integrations", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Integrations []integrationStatus `json:"integrations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}

	var github *integrationStatus
	for i := range resp.Integrations {
		if resp.Integrations[i].ID == model.IntegrationGitHub {
			github = &resp.Integrations[i]
		}
	}
	if github == nil || !github.Connected || github.AccountIdentifier != "octocat" {
		t.Errorf("github status = %+v", github)
	}
	if strings.Contains(rec.Body.String(), "ciphertext") {
		t.Error("token material in integrations response")
	}
}

func TestOAuthConnectReturnsAuthURL(t *testing.T) {
	e := setupEnv(t)

	rec := e.request(t, http.MethodGet, "/integrations/github/connect", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !strings.Contains(resp.URL, "state=") {
		t.Errorf("auth url has no state: %s", resp.URL)
	}
}

func TestOAuthInitiateBodyForm(t *testing.T) {
	e := setupEnv(t)

	rec := e.request(t, http.MethodPost, "/integrations/oauth/initiate", map[string]string{
		"integration_id": "github",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !strings.Contains(resp.URL, "state=") {
		t.Errorf("auth url has no state: %s", resp.URL)
	}

	missing := e.request(t, http.MethodPost, "/integrations/oauth/initiate", map[string]string{})
	if missing.Code != http.StatusBadRequest {
		t.Errorf("missing integration_id: status = %d, want 400", missing.Code)
	}
}

func TestListUserIntegrationsConnectedOnly(t *testing.T) {
	e := setupEnv(t)

	if err := e.store.UpsertUserIntegration(context.Background(), &model.UserIntegration{
		UserID:               e.user.ID,
		IntegrationID:        model.IntegrationGitHub,
		EncryptedAccessToken: []byte("ciphertext"),
	}); err != nil {
		t.Fatalf("seeding integration: %v", err)
	}

	rec := e.request(t, http.MethodGet, "/integrations/user", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Integrations []integrationStatus `json:"integrations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(resp.Integrations) != 1 || resp.Integrations[0].ID != model.IntegrationGitHub || !resp.Integrations[0].Connected {
		t.Errorf("integrations = %+v", resp.Integrations)
	}
	if strings.Contains(rec.Body.String(), "ciphertext") {
		t.Error("token material in integrations response")
	}
}

func TestProxyBodyFormRequiresInstanceID(t *testing.T) {
	e := setupEnv(t)
	instance := e.seedInstance(t, model.InstanceStatusRunning)

	// Flat form: the instance id travels in the body instead of the path.
	body := bytes.NewReader([]byte(`{"instance_id":"` + instance.ID + `","method":"chat.postMessage"}`))
	req := httptest.NewRequest(http.MethodPost, "/proxy/slack", body)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("unbound integration: status = %d, want 403", rec.Code)
	}

	missing := httptest.NewRequest(http.MethodPost, "/proxy/slack", bytes.NewReader([]byte(`{"method":"chat.postMessage"}`)))
	missingRec := httptest.NewRecorder()
	e.router.ServeHTTP(missingRec, missing)
	if missingRec.Code != http.StatusBadRequest {
		t.Errorf("missing instance_id: status = %d, want 400", missingRec.Code)
	}
}

func TestChatUploadAlias(t *testing.T) {
	e := setupEnv(t)
	instance := e.seedInstance(t, model.InstanceStatusRunning)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="notes.txt"`)
	header.Set("Content-Type", "text/plain")
	part, err := mw.CreatePart(header)
	if err != nil {
		t.Fatalf("creating part: %v", err)
	}
	if _, err := part.Write([]byte("hello")); err != nil {
		t.Fatalf("writing part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/instances/"+instance.ID+"/chat/upload", &buf)
	req.Header.Set("Authorization", "Bearer "+e.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if e.backend.UploadCalls != 1 || e.backend.LastFilename != "notes.txt" {
		t.Errorf("upload calls = %d, filename = %q", e.backend.UploadCalls, e.backend.LastFilename)
	}
}

func TestEnableIntegrationConflictOnDuplicate(t *testing.T) {
	e := setupEnv(t)
	instance := e.seedInstance(t, model.InstanceStatusRunning)

	if err := e.store.UpsertUserIntegration(context.Background(), &model.UserIntegration{
		UserID:               e.user.ID,
		IntegrationID:        model.IntegrationSlack,
		EncryptedAccessToken: []byte("ciphertext"),
	}); err != nil {
		t.Fatalf("seeding integration: %v", err)
	}

	first := e.request(t, http.MethodPost, "/instances/"+instance.ID+"/integrations/slack", nil)
	if first.Code != http.StatusCreated {
		t.Fatalf("first enable: status = %d, body = %s", first.Code, first.Body.String())
	}
	second := e.request(t, http.MethodPost, "/instances/"+instance.ID+"/integrations/slack", nil)
	if second.Code != http.StatusConflict {
		t.Errorf("second enable: status = %d, want 409", second.Code)
	}
}
