package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"

	"github.com/peptidehub/be-workflows/internal/client"
	"github.com/peptidehub/be-workflows/internal/config"
	"github.com/peptidehub/be-workflows/internal/database"
	"github.com/peptidehub/be-workflows/internal/handler"
	"github.com/peptidehub/be-workflows/internal/logger"
	"github.com/peptidehub/be-workflows/internal/middleware"
	"github.com/peptidehub/be-workflows/internal/repository"
	"github.com/peptidehub/be-workflows/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("environment", cfg.Service.Environment).
		Msg("Starting Workflow Engine Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Connect NATS when configured; the publisher is a no-op otherwise.
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Service.Name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Drain()
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("NATS_URL not set; notifications disabled")
	}

	// Clients
	identityClient := client.NewIdentityHTTPClient(cfg.Identity.BaseURL, cfg.Identity.Timeout, log.Logger)
	notifier := client.NewNotificationPublisher(nc, identityClient, log.Logger)

	// Repositories
	ruleRepo := repository.NewRuleRepository(db)
	requestRepo := repository.NewRequestRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// Services
	approvalService := service.NewApprovalService(requestRepo, auditRepo, notifier, log)
	resolver := service.NewRuleResolver(ruleRepo, log)
	dispatcher := service.NewActionDispatcher(approvalService, notifier, log)
	engine := service.NewWorkflowEngineService(resolver, dispatcher, approvalService, identityClient, log)
	ruleService := service.NewRuleService(ruleRepo, requestRepo, log)

	// Expiry sweeper
	sweeper := service.NewExpirySweeper(approvalService, cfg.Sweeper.Interval, cfg.Sweeper.BatchSize, log)
	if cfg.Sweeper.Enabled {
		go sweeper.Run(ctx)
	} else {
		log.Warn().Msg("Expiry sweeper disabled")
	}

	// HTTP routes
	router := mux.NewRouter()
	httpHandler := handler.NewHTTPHandler(engine, ruleService, log)
	httpHandler.RegisterRoutes(router)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if err := db.Ping(r.Context()); err != nil {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status":           status,
			"sweeper_last_run": sweeper.LastRun(),
		})
	}).Methods(http.MethodGet)

	// Apply middleware
	var h http.Handler = router
	h = middleware.Timeout(30 * time.Second)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.RequestID(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
