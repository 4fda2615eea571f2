// Agent Relay - real-time session and message routing server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/agent-relay/internal/agent"
	"github.com/ashureev/agent-relay/internal/api"
	"github.com/ashureev/agent-relay/internal/config"
	"github.com/ashureev/agent-relay/internal/identity"
	"github.com/ashureev/agent-relay/internal/interaction"
	"github.com/ashureev/agent-relay/internal/middleware"
	"github.com/ashureev/agent-relay/internal/router"
	"github.com/ashureev/agent-relay/internal/session"
	"github.com/ashureev/agent-relay/internal/store"
	"github.com/ashureev/agent-relay/internal/telemetry"
	"github.com/ashureev/agent-relay/internal/transport"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting relay", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.Init(cfg.MetricsEnabled)
	if err != nil {
		slog.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	// Optional transcript store.
	var transcripts store.TranscriptStore
	if cfg.Transcripts.Enabled {
		db, err := store.NewSQLite(cfg.Transcripts.DBPath)
		if err != nil {
			slog.Error("Failed to initialize transcript database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := db.Close(); closeErr != nil {
				slog.Error("Failed to close transcript database", "error", closeErr)
			}
		}()
		transcripts = db
		store.StartRetentionWorker(ctx, db, cfg.Transcripts.Retention)
		slog.Info("Transcript database connected", "path", cfg.Transcripts.DBPath)
	}

	// Optional remote orchestrator.
	var orchestrator agent.Orchestrator = agent.Unavailable{}
	if cfg.OrchestratorAddr != "" {
		slog.Info("Connecting to agent orchestrator via gRPC", "address", cfg.OrchestratorAddr)
		client, err := agent.NewGrpcOrchestrator(agent.DefaultGrpcConfig(cfg.OrchestratorAddr), logger)
		if err != nil {
			slog.Warn("Failed to connect to orchestrator, chat turns will fail", "error", err)
		} else {
			orchestrator = client
		}
	} else {
		slog.Info("Agent orchestrator disabled (ORCHESTRATOR_ADDR not set)")
	}
	defer orchestrator.Close()

	queue := interaction.NewQueue(interaction.Options{
		Capacity: cfg.Interactions.QueueSize,
		TTL:      cfg.Interactions.TTL,
		Metrics:  provider.Metrics,
		Logger:   logger,
	})
	interaction.StartJanitor(ctx, queue, cfg.Interactions.SweepInterval)

	registry := session.NewRegistry(session.Options{
		GracePeriod:  cfg.SessionGracePeriod,
		WriteTimeout: cfg.WriteTimeout,
		Metrics:      provider.Metrics,
		Logger:       logger,
		OnSessionDeleted: func(sessionID string) {
			if n := queue.Clear(sessionID); n > 0 {
				slog.Info("Discarded interactions of deleted session", "session_id", sessionID, "count", n)
			}
		},
	})

	rt := router.New(router.Options{
		Registry:     registry,
		Queue:        queue,
		Orchestrator: orchestrator,
		Transcripts:  transcripts,
		Metrics:      provider.Metrics,
		Logger:       logger,
	})

	wsHandler := transport.NewHandler(transport.Options{
		Registry:       registry,
		Router:         rt,
		Metrics:        provider.Metrics,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	apiHandler := api.NewHandler(api.Deps{
		Registry:    registry,
		Queue:       queue,
		Turns:       rt,
		Transcripts: transcripts,
		Telemetry:   provider,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	apiHandler.RegisterRoutes(r)

	// WebSocket endpoint; bad connection parameters are rejected before upgrade.
	r.With(identity.Middleware).Get("/ws", wsHandler.ServeHTTP)

	// No WriteTimeout: WebSocket connections are long-lived.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := wsHandler.Wait(shutdownCtx); err != nil {
		slog.Warn("In-flight turns did not finish before shutdown", "error", err)
	}
	registry.Close()
	if err := provider.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Failed to shut down metrics provider", "error", err)
	}

	slog.Info("Server stopped successfully")
}
