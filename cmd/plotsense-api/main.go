// Package main is the entry point for the plotsense-api server.
// Note: identity (users, sessions) is handled by Clerk; this service owns
// the credit ledger and payment reconciliation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/plotsense/plotsense-api/internal/auth"
	"github.com/plotsense/plotsense-api/internal/config"
	"github.com/plotsense/plotsense-api/internal/database"
	"github.com/plotsense/plotsense-api/internal/http/handlers"
	"github.com/plotsense/plotsense-api/internal/http/mw"
	"github.com/plotsense/plotsense-api/internal/logging"
	"github.com/plotsense/plotsense-api/internal/repository"
	"github.com/plotsense/plotsense-api/internal/service"
	"github.com/plotsense/plotsense-api/internal/worker"
)

func main() {
	// Initialize logger with TTY detection, source paths, and format control
	logger := logging.SetDefault()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	db, err := database.New(cfg.DatabaseURL, cfg.TursoURL, cfg.TursoAuthToken)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := database.Migrate(db, logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional S3-backed tier settings overrides
	s3Client, err := config.NewS3Client(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize object storage", "error", err)
		os.Exit(1)
	}
	tiers := config.NewTierSettingsLoader(s3Client, cfg.StorageBucket, cfg.TierSettingsKey, logger)
	tiers.MaybeRefresh(ctx)

	repos := repository.NewRepositories(db, tiers.Current().LogCap)

	// Services
	accountSvc := service.NewAccountService(repos, logger)
	ledgerSvc := service.NewLedgerService(repos, tiers, logger)
	subscriptionSvc := service.NewSubscriptionService(repos, tiers, logger)
	reconciler := service.NewReconciler(repos, ledgerSvc, subscriptionSvc, accountSvc, logger)
	activitySvc := service.NewActivityService(repos, cfg.ActivityQueueSize, cfg.ActivityRetention, cfg.ActivityFlushInterval, logger)
	activitySvc.Start()

	clerkVerifier := auth.NewClerkVerifier(cfg.ClerkIssuerURL)
	logger.Info("clerk authentication enabled", "issuer", cfg.ClerkIssuerURL)

	// Periodic refresh scheduler
	var scheduler *worker.RefreshScheduler
	if cfg.RefreshEnabled {
		scheduler = worker.New(repos, ledgerSvc, subscriptionSvc, tiers, worker.Config{
			Interval: cfg.RefreshInterval,
			Window:   cfg.RefreshWindow,
			Batch:    cfg.RefreshBatch,
		}, logger)
		scheduler.Start(ctx)
	}

	// Router and middleware
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Request size limit (1MB) - prevent large payload attacks
	router.Use(middleware.RequestSize(1 * 1024 * 1024))

	// Global rate limit by IP
	router.Use(httprate.LimitByIP(cfg.RateLimitRequests, cfg.RateLimitWindow))

	// Main API with OpenAPI docs
	humaConfig := huma.DefaultConfig("PlotSense API", "1.0.0")
	humaConfig.Info.Description = "Credit ledger and payment reconciliation for the PlotSense location-analysis platform."
	humaConfig.Servers = []*huma.Server{
		{URL: cfg.BaseURL, Description: "API Server"},
	}
	humaConfig.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearerAuth": {
			Type:        "http",
			Scheme:      "bearer",
			Description: "Clerk session JWT in the Authorization header.",
		},
	}
	api := humachi.New(router, humaConfig)

	// Config for protected routes (docs are served by the main API)
	protectedConfig := huma.DefaultConfig("PlotSense API", "1.0.0")
	protectedConfig.Info.Description = humaConfig.Info.Description
	protectedConfig.Servers = humaConfig.Servers
	protectedConfig.DocsPath = ""
	protectedConfig.OpenAPIPath = ""
	protectedConfig.SchemasPath = ""

	// Probes kept out of the docs (internal use only)
	hiddenConfig := huma.DefaultConfig("PlotSense API", "1.0.0")
	hiddenConfig.DocsPath = ""
	hiddenConfig.OpenAPIPath = ""
	hiddenConfig.SchemasPath = ""
	hiddenAPI := humachi.New(router, hiddenConfig)

	// Health check (public)
	huma.Get(api, "/api/v1/health", handlers.HealthCheck)

	// Kubernetes probes
	huma.Get(hiddenAPI, "/healthz", handlers.Livez)
	readyzHandler := handlers.NewReadyzHandler(db)
	huma.Get(hiddenAPI, "/readyz", readyzHandler.Readyz)

	// Payment provider webhooks (signature verified by the handlers, not
	// user auth)
	stripeWebhook := handlers.NewStripeWebhookHandler(cfg, tiers, reconciler, logger)
	router.Post("/api/v1/webhooks/stripe", stripeWebhook.HandleWebhook)

	paypalWebhook := handlers.NewPayPalWebhookHandler(cfg, tiers, reconciler, logger)
	router.Post("/api/v1/webhooks/paypal", paypalWebhook.HandleWebhook)

	if cfg.ClerkWebhookSecret != "" {
		clerkWebhook := handlers.NewClerkWebhookHandler(cfg, accountSvc, repos, logger)
		router.Post("/api/v1/webhooks/clerk", clerkWebhook.HandleWebhook)
		logger.Info("clerk webhook endpoint enabled")
	}

	// Protected routes
	router.Group(func(r chi.Router) {
		r.Use(mw.Auth(clerkVerifier))

		protectedAPI := humachi.New(r, protectedConfig)

		creditsHandler := handlers.NewCreditsHandler(ledgerSvc, accountSvc, activitySvc, logger)
		huma.Get(protectedAPI, "/api/v1/credits/check", creditsHandler.CheckCredits)
		huma.Post(protectedAPI, "/api/v1/credits/deduct", creditsHandler.DeductCredits)
		huma.Post(protectedAPI, "/api/v1/credits/refund", creditsHandler.RefundCredits)
		huma.Get(protectedAPI, "/api/v1/credits/history", creditsHandler.CreditHistory)
		huma.Get(protectedAPI, "/api/v1/activity", creditsHandler.RecentActivity)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
		<-sigChan

		logger.Info("shutting down server")

		cancel()
		if scheduler != nil {
			scheduler.Stop()
		}
		activitySvc.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	logger.Info("starting server", "port", cfg.Port, "base_url", cfg.BaseURL)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
