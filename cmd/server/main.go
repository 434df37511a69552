package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fuomag9/comments-collator/internal/api"
	"github.com/fuomag9/comments-collator/internal/commentsync"
	"github.com/fuomag9/comments-collator/internal/config"
	"github.com/fuomag9/comments-collator/internal/database"
	"github.com/fuomag9/comments-collator/internal/figma"
	"github.com/fuomag9/comments-collator/internal/jobs"
	"github.com/fuomag9/comments-collator/internal/logging"
	"github.com/fuomag9/comments-collator/internal/models"
	"github.com/fuomag9/comments-collator/internal/oauth"
	"github.com/fuomag9/comments-collator/internal/repository"
	"github.com/fuomag9/comments-collator/internal/seal"
	"github.com/fuomag9/comments-collator/internal/session"
	"github.com/fuomag9/comments-collator/internal/tokenstore"
	"github.com/fuomag9/comments-collator/internal/webhook"
	"github.com/fuomag9/comments-collator/internal/websocket"
)

func main() {
	// Load configuration
	cfg := config.Load()

	logger, slogger := logging.New(os.Stdout, cfg.Log.Format, cfg.Log.Level)
	slog.SetDefault(slogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(db)

	// Run migrations
	if err := database.Migrate(db, cfg.Database.Type); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	sealer, err := seal.FromConfig(cfg.EncryptionKey, cfg.JWTSecret)
	if err != nil {
		log.Fatalf("Failed to set up credential encryption: %v", err)
	}
	if cfg.EncryptionKey == "" {
		logger.Warn(ctx, "TOKEN_ENCRYPTION_KEY not set, deriving the credential key from JWT_SECRET")
	}

	repos := repository.New(db, sealer, nil)
	sessions := session.New(db, cfg.SessionMaxAge, nil, logger)
	states := tokenstore.New(tokenstore.NewGormTier(db), tokenstore.NewMemoryTier(), nil, logger)

	provider := oauth.NewClient(cfg.Figma, nil)
	flow := oauth.NewFlow(provider, states, repos, sessions, cfg.StateTTL, nil, logger)
	figmaClient := figma.NewClient(cfg.Figma.APIBaseURL, oauth.NewTokenSource(provider, repos.Users, nil, logger), nil)

	// Initialize WebSocket hub
	hub := websocket.NewHub(sessions, func(ctx context.Context, userID, fileKey string) error {
		_, err := repos.Permissions.Require(ctx, userID, fileKey, models.PermissionRead)
		return err
	}, cfg.CORSOrigins, logger.With("component", "websocket"))
	go hub.Run(ctx)

	engine := commentsync.New(repos, figmaClient, hub, cfg.Sync, nil, logger)
	receiver := webhook.NewReceiver(cfg.WebhookSecret, repos, engine, nil, logger)
	if cfg.WebhookSecret == "" {
		logger.Warn(ctx, "WEBHOOK_SECRET not set, every webhook delivery will be rejected")
	}

	// Initialize job scheduler
	scheduler := jobs.NewScheduler(db, cfg.Database.Type, sessions, states, repos.Webhooks, nil, logger)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start job scheduler: %v", err)
	}
	defer scheduler.Stop()

	// Setup API router
	router := api.NewRouter(ctx, api.Deps{
		Config:    cfg,
		Repos:     repos,
		Sessions:  sessions,
		Flow:      flow,
		Engine:    engine,
		Files:     figmaClient,
		Webhooks:  receiver,
		Hub:       hub,
		Retention: scheduler,
		Log:       logger,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info(ctx, "Server starting", "port", cfg.Port, "environment", cfg.Environment, "database", cfg.Database.Type)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	logger.Info(context.Background(), "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "Server forced to shutdown", "error", err)
		return
	}

	logger.Info(shutdownCtx, "Server exited")
}
