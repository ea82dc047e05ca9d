package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/openclaw/clawdeck/internal/billing"
	"github.com/openclaw/clawdeck/internal/config"
	"github.com/openclaw/clawdeck/internal/crypto"
	"github.com/openclaw/clawdeck/internal/database"
	"github.com/openclaw/clawdeck/internal/handler"
	"github.com/openclaw/clawdeck/internal/jobs"
	"github.com/openclaw/clawdeck/internal/model"
	"github.com/openclaw/clawdeck/internal/oauth"
	"github.com/openclaw/clawdeck/internal/provider"
	"github.com/openclaw/clawdeck/internal/provider/docker"
	"github.com/openclaw/clawdeck/internal/provider/fly"
	"github.com/openclaw/clawdeck/internal/secureproxy"
	"github.com/openclaw/clawdeck/internal/service"
	"github.com/openclaw/clawdeck/internal/store"
)

func main() {
	// Load configuration (reads .env if present)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Connect to database and run migrations
	db, err := database.New(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	log.Printf("Database ready (driver: %s)", cfg.DatabaseDriver)

	s := store.New(db)

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize encryption: %v", err)
	}

	// Provider backends. Docker is best-effort so the control plane still
	// serves API traffic on hosts without a Docker socket.
	registry := provider.NewRegistry()
	if dockerBackend, dockerErr := docker.New(cfg.DockerHost, cfg.DockerImage, cfg.ChatTimeout); dockerErr != nil {
		log.Printf("Warning: Docker backend unavailable: %v", dockerErr)
	} else {
		registry.Register(model.ProviderDocker, dockerBackend)
		log.Printf("Docker backend initialized (image: %s)", cfg.DockerImage)
	}
	if cfg.FlyAPIToken != "" {
		registry.Register(model.ProviderFly, fly.New(cfg.FlyAPIToken, cfg.FlyOrg, cfg.FlyRegion, cfg.DockerImage))
		log.Printf("Fly backend initialized (org: %s, region: %s)", cfg.FlyOrg, cfg.FlyRegion)
	}

	// Durable job queue and worker for async provisioning
	queue := jobs.NewQueue(s)
	provisioner := jobs.NewProvisioner(s, registry, cfg.ProvisionTimeout)
	worker := jobs.NewWorker(queue, cfg.WorkerPollInterval)
	worker.Register(model.JobTypeProvisionInstance, provisioner.HandleProvision)
	worker.Register(model.JobTypeTeardownInstance, provisioner.HandleTeardown)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(workerCtx)
	}()

	// OAuth flows and the token proxy
	signer := oauth.NewStateSigner(cfg.StateSigningSecret, cfg.StateTokenTTL)
	flow := oauth.NewFlow(s, encryptor, signer, cfg)
	proxy := secureproxy.New(flow)

	// Billing
	stripe := billing.NewStripeClient(cfg.StripeSecretKey)
	plans := map[string]billing.Plan{}
	if cfg.StripePriceBasic != "" {
		plans[cfg.StripePriceBasic] = billing.Plan{Name: "basic", InstanceLimit: 1}
	}
	if cfg.StripePricePro != "" {
		plans[cfg.StripePricePro] = billing.Plan{Name: "pro", InstanceLimit: 5}
	}
	reconciler := billing.NewReconciler(s, stripe, plans)

	// Services
	instances := service.NewInstanceService(s, registry, queue, cfg.DefaultProvider, cfg.JobMaxAttempts)
	chat := service.NewChatService(s, registry, cfg.MaxUploadBytes)
	integrations := service.NewIntegrationService(s, registry, cfg.BaseURL+"/proxy")

	// Router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h := handler.New(cfg, s, instances, chat, integrations, flow, proxy, stripe, reconciler)
	h.Routes(r)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on port %d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Stop the worker first so no job is claimed mid-shutdown
	stopWorker()
	<-workerDone

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
