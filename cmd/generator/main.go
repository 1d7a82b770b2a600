package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rossigee/page-generator/internal/api"
	"github.com/rossigee/page-generator/internal/backend"
	"github.com/rossigee/page-generator/internal/config"
	"github.com/rossigee/page-generator/internal/jobs"
	"github.com/rossigee/page-generator/internal/metrics"
	"github.com/rossigee/page-generator/internal/minio"
	"github.com/rossigee/page-generator/internal/pexels"
	"github.com/rossigee/page-generator/internal/progress"
	"github.com/rossigee/page-generator/internal/storage"
	"github.com/sirupsen/logrus"
)

// Version is set at build time
var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	if err := config.ConfigureLogging(cfg.Log); err != nil {
		logrus.Fatalf("Failed to configure logging: %v", err)
	}
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	metrics.Register()

	// Initialize components
	store, err := storage.NewStore(cfg.DB.Path)
	if err != nil {
		logrus.Fatalf("Failed to initialize job store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close job store")
		}
	}()

	// Jobs of a previous process can never finish
	if recovered, err := store.MarkInProgressJobsFailed(context.Background()); err != nil {
		logrus.WithError(err).Warn("Failed to recover interrupted jobs")
	} else if recovered > 0 {
		logrus.WithField("count", recovered).Warn("Marked interrupted jobs as failed")
	}

	broker, err := newBroker(cfg.Redis)
	if err != nil {
		logrus.Fatalf("Failed to initialize progress broker: %v", err)
	}
	defer func() {
		_ = broker.Close() // Close errors are not critical
	}()

	channel := progress.NewChannel(store, broker, cfg.Jobs.RecentEvents)

	backendClient := backend.NewClient(cfg.Backend)
	if !backendClient.IsConfigured() {
		logrus.Warn("BACKEND_API_KEY is not set, generation requests will fail")
	}

	opts := jobs.Options{
		MaxConcurrent:  cfg.Jobs.MaxConcurrent,
		BackendTimeout: cfg.Backend.Timeout,
	}
	if cfg.Pexels.Enabled() {
		opts.Photos = pexels.NewClient(cfg.Pexels)
	} else {
		logrus.Info("PEXELS_API_KEY is not set, image slots will not be resolved")
	}
	if cfg.MinIO.Enabled() {
		archive, err := minio.NewClient(cfg.MinIO)
		if err != nil {
			logrus.Fatalf("Failed to initialize MinIO client: %v", err)
		}
		opts.Archive = archive
	}

	jobManager := jobs.NewManager(store, backendClient, channel, opts)

	// Initialize Gin router
	router := gin.New()

	// Add middleware
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// Initialize API handlers
	apiHandler := api.NewHandler(jobManager, channel, store, api.Config{
		PollInterval: cfg.Jobs.PollInterval,
		DegradedAt:   cfg.Jobs.MaxConcurrent,
		Version:      Version,
	})

	// Setup routes
	api.SetupRoutes(router, apiHandler)

	// Create HTTP server. No write timeout: event streams stay open until the job finishes.
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logrus.WithFields(logrus.Fields{
			"addr":    srv.Addr,
			"version": Version,
		}).Info("Starting page generator server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down server...")

	// Give outstanding requests 30 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("Server forced to shutdown")
	}

	// Running pipelines get the backend timeout plus a margin to reach a terminal state
	jobCtx, jobCancel := context.WithTimeout(context.Background(), cfg.Backend.Timeout+30*time.Second)
	defer jobCancel()

	if err := jobManager.Shutdown(jobCtx); err != nil {
		logrus.WithError(err).Warn("Generation jobs still running at exit")
	}

	logrus.Info("Server exited")
}

// newBroker uses Redis when configured so every instance sees every job change
func newBroker(cfg config.RedisConfig) (progress.Broker, error) {
	if !cfg.Enabled() {
		return progress.NewMemoryBroker(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close() // Close errors are not critical
		return nil, fmt.Errorf("redis not available at %s: %w", cfg.Addr, err)
	}

	broker, err := progress.NewRedisBroker(ctx, client)
	if err != nil {
		_ = client.Close() // Close errors are not critical
		return nil, err
	}

	logrus.WithField("addr", cfg.Addr).Info("Using Redis for job progress notifications")
	return broker, nil
}
