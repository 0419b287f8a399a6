package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/STRATINT/digest/internal/analysis"
	"github.com/STRATINT/digest/internal/cloudsql"
	"github.com/STRATINT/digest/internal/config"
	"github.com/STRATINT/digest/internal/database"
	"github.com/STRATINT/digest/internal/digest"
	"github.com/STRATINT/digest/internal/ingestion"
	"github.com/STRATINT/digest/internal/logging"
	"github.com/STRATINT/digest/internal/metrics"
	"github.com/STRATINT/digest/internal/models"
	"github.com/STRATINT/digest/internal/providers"
	"github.com/STRATINT/digest/internal/registry"
)

// app holds the wiring shared by every command.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Collector

	sources    *registry.Registry[ingestion.Collector]
	providers  *registry.Registry[providers.Provider]
	collection *ingestion.Scheduler
	processor  *analysis.Processor

	db   *sql.DB
	runs digest.RunStore
}

// newApp loads the environment config and builds the pipeline. withHistory
// connects the run history database when one is configured and falls back
// to an in-memory store otherwise.
func newApp(ctx context.Context, withHistory bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	m, err := metrics.NewCollector()
	if err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		sources:   ingestion.DefaultSources(logger),
		providers: providers.DefaultProviders(logger),
	}
	a.collection = ingestion.NewScheduler(a.sources, logger, m)
	a.processor = analysis.NewProcessor(a.providers, logger, m)

	if !withHistory {
		return a, nil
	}

	if !cfg.Database.Enabled() {
		a.runs = digest.NewMemoryRunStore()
		return a, nil
	}

	dsn, err := cloudsql.BuildDatabaseURL(cfg.Database)
	if err != nil {
		return nil, err
	}
	logger.Info("connecting to run history database", "connection", cloudsql.ConnectionInfo(cfg.Database))
	db, err := database.Connect(ctx, database.DefaultConfig(dsn))
	if err != nil {
		return nil, err
	}
	if err := database.RunMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	a.db = db
	a.runs = database.NewRunRepository(db)
	return a, nil
}

func (a *app) executor() *digest.Executor {
	return digest.NewExecutor(a.collection, a.processor, a.runs, a.cfg, a.logger)
}

// close flushes the metrics textfile and releases the database.
func (a *app) close() {
	if path := a.cfg.Metrics.TextfilePath; path != "" {
		if err := a.metrics.WriteTextfile(path); err != nil {
			a.logger.Warn("failed to write metrics textfile", "path", path, "error", err)
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

// providerConfig builds a provider config from flags, filling credentials
// from the environment.
func (a *app) providerConfig(name, model, baseURL string) models.ProviderConfig {
	cfg := models.ProviderConfig{Provider: name, Model: model, BaseURL: baseURL}
	if cfg.Provider == "" {
		cfg.Provider = a.cfg.AI.Provider
	}
	cfg.APIKey = a.cfg.AI.APIKeyFor(cfg.Provider)
	if cfg.Provider == "openai" && cfg.Model == "" {
		cfg.Model = a.cfg.AI.Model
	}
	if cfg.Provider == "ollama" && cfg.BaseURL == "" {
		cfg.BaseURL = a.cfg.AI.OllamaBaseURL
	}
	return cfg
}

// timeRange resolves the --start/--end flags against the job granularity.
// Without --start the window is the granularity period ending at --end.
func timeRange(job config.Job, start, end string, now time.Time) (models.TimeRange, error) {
	endAt := now.UTC()
	if end != "" {
		t, err := parseWhen(end)
		if err != nil {
			return models.TimeRange{}, fmt.Errorf("invalid --end: %w", err)
		}
		endAt = t
	}

	if start == "" {
		return models.TimeRangeEnding(endAt, job.Granularity)
	}

	startAt, err := parseWhen(start)
	if err != nil {
		return models.TimeRange{}, fmt.Errorf("invalid --start: %w", err)
	}
	return models.NewTimeRange(startAt, endAt, job.Granularity)
}

func parseWhen(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not a date (2006-01-02) or RFC3339 timestamp", raw)
}
