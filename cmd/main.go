package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"integration-service/internal/dispatcher"
	"integration-service/internal/handler"
	"integration-service/internal/ledger"
	"integration-service/internal/middleware"
	"integration-service/internal/notifier"
	"integration-service/internal/registry"
	"integration-service/pkg/config"
	"integration-service/pkg/database"
	"integration-service/pkg/jwtutil"
	"integration-service/pkg/logger"
	"integration-service/prometheus"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

func main() {
	// Load configuration from .env file and environment variables
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger with config
	logger.InitLogger(cfg)
	log := logger.GetLogger()
	log.Info("Starting integration service...", zap.String("environment", cfg.Server.Env))

	// Initialize JWT utilities
	jwtutil.Init(cfg)

	// Initialize database (includes migrations)
	if err := database.InitDB(cfg, log); err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	log.Info("Database connection established and migrations completed")

	// Initialize Prometheus metrics
	prometheus.InitMetrics(cfg)
	log.Info("Prometheus metrics initialized")

	// Wire up the domain components
	db := database.GetDB()
	reg := registry.New(db, log)
	led := ledger.New(db, log, cfg.Dispatcher.MaxAttempts, cfg.Webhook.ResponseBodyLimit)
	events := notifier.New(db, led, log)
	handler.Init(reg, led, events)
	middleware.InitAPIKeyAuth(reg)

	// Seed the active credential gauge from the database so it reflects
	// reality after a restart
	if count, err := reg.CountActive(); err != nil {
		log.Warn("Failed to count active credentials", zap.Error(err))
	} else {
		prometheus.SetActiveCredentials(count)
	}

	// Start the webhook dispatcher
	ctx, cancel := context.WithCancel(context.Background())
	disp := dispatcher.New(reg, led, cfg.Dispatcher, log)
	disp.Start(ctx)

	// Initialize Echo framework
	e := echo.New()

	// Apply global middleware - order matters
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())
	e.Use(middleware.RequestIDMiddleware)
	e.Use(logger.Middleware(log))
	e.Use(prometheus.MetricsMiddleware())

	// Public routes - no authentication required
	e.GET("/", handler.Hello)
	e.GET("/health", handler.HealthCheck)
	e.GET("/metrics", prometheus.HandlerFunc())

	// Admin authentication
	auth := e.Group("/auth")
	auth.POST("/register", handler.Register)
	auth.POST("/login", handler.Login)

	// Credential management - requires an admin JWT
	api := e.Group("/api", middleware.AuthMiddleware)
	api.POST("/credentials", handler.CreateCredential)
	api.GET("/credentials", handler.ListCredentials)
	api.POST("/credentials/:id/rotate", handler.RotateCredential)
	api.PUT("/credentials/:id/status", handler.UpdateCredentialStatus)
	api.DELETE("/credentials/:id", handler.DeleteCredential)
	api.GET("/credentials/:id/deliveries", handler.ListCredentialDeliveries)
	api.POST("/credentials/:id/repair-connections", handler.RepairConnections)
	api.POST("/deliveries/:id/replay", handler.ReplayDelivery)

	// Integration-facing routes - authenticated by API key
	v1 := e.Group("/v1", middleware.APIKeyAuthMiddleware)
	v1.GET("/credentials/me", handler.CurrentCredential)
	v1.POST("/connections", handler.OpenConnection)
	v1.DELETE("/connections/:id", handler.CloseConnection)

	// Event ingest from the chat backend
	internal := e.Group("/internal", middleware.AuthMiddleware)
	internal.POST("/events", handler.IngestEvent)

	// Start server in the background so shutdown can be coordinated
	go func() {
		port := cfg.Server.Port
		log.Info("Starting server", zap.String("port", port))
		if err := e.Start(":" + port); err != nil {
			log.Info("Server stopped", zap.Error(err))
		}
	}()

	// Wait for a shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	// Stop the dispatcher first so no new deliveries go out mid-shutdown
	cancel()
	disp.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}

	log.Info("Shutdown complete")
}
