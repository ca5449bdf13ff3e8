package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sessionforge/orchestrator/internal/api"
	"github.com/sessionforge/orchestrator/internal/backend"
	"github.com/sessionforge/orchestrator/internal/events"
	"github.com/sessionforge/orchestrator/internal/provider"
	"github.com/sessionforge/orchestrator/internal/repository"
	"github.com/sessionforge/orchestrator/internal/service"
	"github.com/sessionforge/orchestrator/internal/storage"
	"github.com/sessionforge/orchestrator/pkg/config"
	"github.com/sessionforge/orchestrator/pkg/logger"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	appLogger := logger.NewLogger(logger.ParseLevel(cfg.LogLevel), os.Stdout, cfg.LogJSON)
	logger.SetDefault(appLogger)

	logger.Info("Starting application", map[string]interface{}{
		"app":     cfg.AppName,
		"debug":   cfg.Debug,
		"port":    cfg.Port,
		"backend": cfg.Backend,
	})

	// Initialize database
	if err := repository.InitDB(cfg); err != nil {
		logger.Fatal("Failed to initialize database", err, nil)
	}
	db := repository.GetDB()
	if err := repository.Migrate(db); err != nil {
		logger.Fatal("Failed to run migrations", err, nil)
	}
	logger.Info("Database initialized", nil)

	// Initialize Event-Bus storage (PostgreSQL, plus InfluxDB when configured)
	dbStorage := events.NewDatabaseEventStorage(db)
	var eventStorage events.EventStorage = dbStorage
	if cfg.InfluxDBURL != "" && cfg.InfluxDBToken != "" {
		influxClient, err := storage.NewInfluxDBClient(storage.InfluxDBConfig{
			URL:    cfg.InfluxDBURL,
			Token:  cfg.InfluxDBToken,
			Org:    cfg.InfluxDBOrg,
			Bucket: cfg.InfluxDBBucket,
		})
		if err != nil {
			logger.Warn("Failed to initialize InfluxDB, falling back to database-only event storage", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			defer influxClient.Close()
			eventStorage = events.NewMultiEventStorage(dbStorage, events.NewInfluxDBEventStorage(influxClient))
			logger.Info("Event-Bus initialized with dual storage (PostgreSQL + InfluxDB)", map[string]interface{}{
				"influxdb_url": cfg.InfluxDBURL,
				"bucket":       cfg.InfluxDBBucket,
			})
		}
	} else {
		logger.Info("Event-Bus initialized with database storage only", nil)
	}
	events.SetEventStorage(eventStorage)

	// Initialize the compute backend
	podBackend, jobBackend, err := buildBackends(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize compute backend", err, nil)
	}

	// Initialize store and services
	store := repository.NewStore(db)
	billingService := service.NewBillingService(store, cfg)
	sessionService := service.NewSessionService(
		store, billingService, cfg,
		provider.NewPodsProvider(podBackend, cfg),
		provider.NewJobsProvider(jobBackend, cfg),
	)
	monitorService := service.NewMonitorService(store, sessionService, billingService, cfg)
	templateService := service.NewTemplateService(store)
	storageService := service.NewStorageService(store, billingService, cfg)

	monitorService.Start()
	defer monitorService.Stop()

	// Setup router
	router := api.SetupRouter(
		api.NewSessionHandler(sessionService, cfg),
		api.NewBillingHandler(billingService),
		api.NewWorkspaceHandler(store),
		api.NewStorageHandler(storageService),
		api.NewTemplateHandler(templateService),
		api.NewEventHandler(),
		api.NewHealthHandler(db),
		cfg,
	)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down gracefully...", nil)
		monitorService.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("HTTP shutdown failed", err, nil)
		}
	}()

	logger.Info("Server starting", map[string]interface{}{
		"address":      srv.Addr,
		"api_endpoint": fmt.Sprintf("http://localhost%s/api", srv.Addr),
		"health_check": fmt.Sprintf("http://localhost%s/health", srv.Addr),
	})
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("Failed to start server", err, nil)
	}
	logger.Info("Shutdown complete", nil)
}

// buildBackends picks the configured compute backend. Kubernetes is the
// production backend; Docker serves local development.
func buildBackends(cfg *config.Config) (backend.PodBackend, backend.JobBackend, error) {
	switch cfg.Backend {
	case "docker":
		d, err := backend.NewDockerBackend()
		if err != nil {
			return nil, nil, err
		}
		return d, d, nil
	default:
		k, err := backend.NewKubernetesBackend(cfg)
		if err != nil {
			return nil, nil, err
		}
		return k, k, nil
	}
}
