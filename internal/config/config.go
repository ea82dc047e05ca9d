// Package config loads application configuration from environment variables.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// OAuthApp holds the client credentials for one OAuth provider.
type OAuthApp struct {
	ClientID     string
	ClientSecret string
}

// Config holds all application configuration.
type Config struct {
	// Server
	Port           int
	BaseURL        string
	FrontendURL    string
	NgrokDomain    string
	AllowedOrigins []string

	// Database
	DatabaseDSN    string
	DatabaseDriver string // "postgres" or "sqlite"

	// Secrets
	EncryptionKey      []byte // 32 bytes, hex-encoded in env
	StateSigningSecret []byte

	// Providers
	DefaultProvider  string
	DockerImage      string
	DockerHost       string
	FlyAPIToken      string
	FlyOrg           string
	FlyRegion        string
	ProvisionTimeout time.Duration

	// OAuth apps
	Slack                  OAuthApp
	GitHub                 OAuthApp
	Google                 OAuthApp
	OAuthRedirectBase      string
	GoogleOAuthRedirectURL string
	StateTokenTTL          time.Duration

	// Billing
	StripeSecretKey     string
	StripeWebhookSecret string
	StripePriceBasic    string
	StripePricePro      string

	// Jobs
	WorkerPollInterval time.Duration
	JobMaxAttempts     int

	// Chat
	ChatTimeout    time.Duration
	MaxUploadBytes int64
}

// Load reads configuration from the environment. A .env file is loaded first
// if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnvInt("PORT", 8080),
		BaseURL:        getEnv("API_URL", "http://localhost:8080"),
		FrontendURL:    getEnv("FRONTEND_URL", "http://localhost:3000"),
		NgrokDomain:    getEnv("NGROK_DOMAIN", ""),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),

		DatabaseDSN: getEnv("DATABASE_DSN", "file:clawdeck.db"),

		DefaultProvider:  getEnv("DEFAULT_PROVIDER", "docker"),
		DockerImage:      getEnv("DOCKER_IMAGE", "openclaw/agent:latest"),
		DockerHost:       getEnv("DOCKER_HOST", ""),
		FlyAPIToken:      getEnv("FLY_API_TOKEN", ""),
		FlyOrg:           getEnv("FLY_ORG", "personal"),
		FlyRegion:        getEnv("FLY_REGION", "iad"),
		ProvisionTimeout: getEnvDuration("PROVISION_TIMEOUT", 5*time.Minute),

		Slack: OAuthApp{
			ClientID:     getEnv("SLACK_CLIENT_ID", ""),
			ClientSecret: getEnv("SLACK_CLIENT_SECRET", ""),
		},
		GitHub: OAuthApp{
			ClientID:     getEnv("GITHUB_CLIENT_ID", ""),
			ClientSecret: getEnv("GITHUB_CLIENT_SECRET", ""),
		},
		Google: OAuthApp{
			ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		},
		OAuthRedirectBase:      getEnv("OAUTH_REDIRECT_BASE_URL", ""),
		GoogleOAuthRedirectURL: getEnv("GOOGLE_OAUTH_REDIRECT_URL", ""),
		StateTokenTTL:          getEnvDuration("OAUTH_STATE_TTL", 10*time.Minute),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripePriceBasic:    getEnv("STRIPE_PRICE_BASIC", ""),
		StripePricePro:      getEnv("STRIPE_PRICE_PRO", ""),

		WorkerPollInterval: getEnvDuration("WORKER_POLL_INTERVAL", 5*time.Second),
		JobMaxAttempts:     getEnvInt("JOB_MAX_ATTEMPTS", 3),

		ChatTimeout:    getEnvDuration("CHAT_TIMEOUT", 2*time.Minute),
		MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 10*1024*1024)),
	}

	cfg.DatabaseDriver = detectDriver(cfg.DatabaseDSN)

	keyHex := getEnv("ENCRYPTION_KEY", "")
	if keyHex == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be hex-encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	cfg.EncryptionKey = key

	stateSecret := getEnv("STATE_SIGNING_SECRET", "")
	if stateSecret == "" {
		return nil, fmt.Errorf("STATE_SIGNING_SECRET is required")
	}
	cfg.StateSigningSecret = []byte(stateSecret)

	// OAuth providers require a TLS callback during local development, so a
	// configured ngrok domain takes precedence over the plain API URL.
	if cfg.OAuthRedirectBase == "" {
		if cfg.NgrokDomain != "" {
			cfg.OAuthRedirectBase = "https://" + cfg.NgrokDomain
		} else {
			cfg.OAuthRedirectBase = cfg.BaseURL
		}
	}

	return cfg, nil
}

func detectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
