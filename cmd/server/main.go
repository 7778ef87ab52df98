package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lysyi3m/ingest-comb/internal/api"
	"github.com/lysyi3m/ingest-comb/internal/cfg"
	"github.com/lysyi3m/ingest-comb/internal/classifier"
	"github.com/lysyi3m/ingest-comb/internal/connector"
	"github.com/lysyi3m/ingest-comb/internal/database"
	"github.com/lysyi3m/ingest-comb/internal/pipeline"
	"github.com/lysyi3m/ingest-comb/internal/queue"
	"github.com/lysyi3m/ingest-comb/internal/scheduler"
	"github.com/lysyi3m/ingest-comb/internal/sources"
	"github.com/lysyi3m/ingest-comb/internal/tasks"
)

func main() {
	appCfg, err := cfg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if appCfg == nil {
		return
	}

	level := slog.LevelInfo
	if appCfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := run(appCfg); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(appCfg *cfg.Cfg) error {
	slog.Info("Starting Ingest Comb", "version", appCfg.Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewConnection(appCfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		return err
	}
	slog.Info("Database ready", "path", db.Path(), "schema_version", version, "dirty", dirty)

	store := database.NewStore(db)

	if err := syncSources(ctx, store, appCfg.SourcesFile); err != nil {
		return err
	}

	jobs := queue.New(db, queue.Policy{
		MaxAttempts: appCfg.MaxAttempts,
		BaseDelay:   appCfg.RetryBaseDelay,
		MaxDelay:    appCfg.RetryMaxDelay,
		Lease:       appCfg.JobLease,
	})

	requeued, dead, err := jobs.RecoverExpired(ctx)
	if err != nil {
		return err
	}
	if requeued > 0 || dead > 0 {
		slog.Info("Recovered interrupted jobs", "requeued", requeued, "dead", dead)
	}

	sched := scheduler.New(store, jobs, appCfg.Schedule)

	if appCfg.SweepOnce {
		n, err := sched.Sweep(ctx, time.Now())
		slog.Info("Sweep finished", "enqueued", n)
		return err
	}

	compliance, err := classifier.New(ctx, classifier.Options{
		Provider:        appCfg.Classifier,
		Model:           appCfg.ClassifierModel,
		AnthropicAPIKey: appCfg.AnthropicAPIKey,
		GeminiAPIKey:    appCfg.GeminiAPIKey,
		Timeout:         appCfg.ClassifierTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create classifier: %w", err)
	}
	defer compliance.Close()
	slog.Info("Classifier ready", "provider", appCfg.Classifier)

	connectors := connector.NewDefaultRegistry(connector.Options{
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				MaxIdleConnsPerHost: 5,
			},
		},
		UserAgent: appCfg.UserAgent,
		Timeout:   appCfg.FetchTimeout,
		MaxPages:  appCfg.MaxPages,
		Rate:      appCfg.FetchRate,
	})

	orchestrator := pipeline.NewOrchestrator(store, connectors, compliance, pipeline.AuditSink{})
	task := tasks.NewIngestionRunTask(store, orchestrator)

	workers := jobs.Consume(ctx, tasks.JobTypeIngestionRun, task, appCfg.WorkerCount, appCfg.PollInterval)
	defer workers.Stop()

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	handler := api.NewHandler(store, jobs, sched, appCfg.Version)
	httpServer := &http.Server{
		Addr:         ":" + appCfg.Port,
		Handler:      api.NewServer(handler, appCfg.APIAccessKey),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "port", appCfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case serverErr = <-serverErrChan:
		slog.Error("Server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	// Deferred calls stop the scheduler, drain workers, close the classifier
	// and the database in that order.
	return serverErr
}

func syncSources(ctx context.Context, store *database.Store, path string) error {
	defs, err := sources.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Sources file not found, keeping stored sources", "path", path)
		return nil
	}
	if err != nil {
		return err
	}

	_, err = sources.Sync(ctx, store, defs, time.Now())
	return err
}
