package main

import (
	"context"
	"errors"
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
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/obot-platform/leadqueue/server/internal/config"
	"github.com/obot-platform/leadqueue/server/internal/crm"
	"github.com/obot-platform/leadqueue/server/internal/database"
	"github.com/obot-platform/leadqueue/server/internal/directory"
	"github.com/obot-platform/leadqueue/server/internal/dispatcher"
	"github.com/obot-platform/leadqueue/server/internal/events"
	"github.com/obot-platform/leadqueue/server/internal/handler"
	"github.com/obot-platform/leadqueue/server/internal/jobs"
	"github.com/obot-platform/leadqueue/server/internal/lock"
	"github.com/obot-platform/leadqueue/server/internal/logfile"
	"github.com/obot-platform/leadqueue/server/internal/logger"
	"github.com/obot-platform/leadqueue/server/internal/middleware"
	"github.com/obot-platform/leadqueue/server/internal/service"
	"github.com/obot-platform/leadqueue/server/internal/store"
	"github.com/obot-platform/leadqueue/server/internal/version"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logOpts := logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}
	if cfg.LogFile != "" {
		f, err := logfile.Open(cfg.LogFile)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer f.Close()
		logOpts.Output = f
	}
	logr := logger.New(logOpts)
	defer func() { _ = logr.Sync() }()

	db, err := database.New(cfg, logr)
	if err != nil {
		logr.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	logr.Info("running database migrations", zap.String("driver", db.Driver))
	if err := db.Migrate(); err != nil {
		logr.Fatal("failed to run migrations", zap.Error(err))
	}

	s := store.New(db.DB)
	ctx := context.Background()

	// Per-unit exclusive sections, optionally shared through Redis
	var locker lock.Locker = lock.NewLocal(cfg.LockTimeout)
	if cfg.RedisURL != "" {
		client, err := lock.NewRedisClient(cfg.RedisURL)
		if err != nil {
			logr.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		defer client.Close()
		locker = lock.Chain(cfg.LockTimeout, locker, lock.NewRedis(client, lock.RedisOptions{Timeout: cfg.LockTimeout}, logr))
		logr.Info("unit locks shared through redis")
	}

	// Agent directory
	dir := directory.NewCached(directory.NewDB(s), cfg.DirectoryCacheTTL)
	var watcher *directory.Watcher
	if cfg.DirectoryFile != "" {
		if err := directory.LoadFile(ctx, s, cfg.DirectoryFile); err != nil {
			logr.Fatal("failed to load directory file", zap.String("path", cfg.DirectoryFile), zap.Error(err))
		}
		watcher, err = directory.NewWatcher(s, cfg.DirectoryFile, dir, logr)
		if err != nil {
			logr.Warn("directory file will not be watched", zap.Error(err))
		} else {
			watcher.Start(ctx)
		}
		logr.Info("directory loaded", zap.String("path", cfg.DirectoryFile))
	}

	// Event poller and broker for SSE
	eventPoller := events.NewPoller(s, events.DefaultPollerConfig(), logr)
	if err := eventPoller.Start(ctx); err != nil {
		logr.Fatal("failed to start event poller", zap.Error(err))
	}
	eventBroker := events.NewBroker(s, eventPoller)

	cleaner := events.NewCleaner(s, cfg.EventRetention, logr)
	cleaner.Start(ctx)

	// CRM push through the job queue
	jobQueue := jobs.NewQueue(s, cfg)
	crmClient := crm.NewClient(cfg.CRMWebhookURL, cfg.CRMTimeout, logr)

	var disp *dispatcher.Service
	if cfg.DispatcherEnabled {
		disp = dispatcher.NewService(s, cfg, logr)
		if crmClient.Enabled() {
			disp.RegisterExecutor(jobs.NewAssignmentSyncExecutor(crmClient))
		}
		disp.Start(ctx)
		jobQueue.SetNotifyFunc(disp.NotifyNewJob)
		logr.Info("job dispatcher started", zap.String("server_id", disp.ServerID()))
	} else {
		logr.Info("job dispatcher disabled")
	}

	distOpts := service.DistributionOptions{DedupLeads: cfg.LeadDedupEnabled}
	if crmClient.Enabled() {
		distOpts.Syncer = jobQueue
		logr.Info("crm push enabled")
	}

	h := handler.New(
		service.NewDistributionService(s, locker, dir, eventBroker, distOpts, logr),
		service.NewRotationService(s, locker, dir, eventBroker, logr),
		service.NewAbsenceService(s, eventBroker, logr),
		eventBroker,
		logr,
	)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(logr))
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", middleware.APIKeyHeader},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKey(cfg.AdminAPIKey))
		h.Mount(r)
	})
	if cfg.AdminAPIKey == "" {
		logr.Warn("ADMIN_API_KEY not set, the API is unauthenticated")
	}

	// No write timeout: the events stream is long-lived
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logr.Info("server starting", zap.Int("port", cfg.Port), zap.String("version", version.Get()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logr.Info("shutting down server")

	// Stop dispatcher first (finish in-flight jobs)
	if disp != nil {
		disp.Stop()
	}
	if watcher != nil {
		watcher.Stop()
	}
	cleaner.Stop()

	// Closes SSE subscribers so their handlers return
	eventPoller.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("server forced to shutdown", zap.Error(err))
	}

	logr.Info("server stopped")
}
