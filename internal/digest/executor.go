// Package digest runs a job end to end: collect every source, drop duplicate
// records, build the prompt, generate the report and record the run.
package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/STRATINT/digest/internal/analysis"
	"github.com/STRATINT/digest/internal/config"
	"github.com/STRATINT/digest/internal/errs"
	"github.com/STRATINT/digest/internal/ingestion"
	"github.com/STRATINT/digest/internal/logging"
	"github.com/STRATINT/digest/internal/models"
)

// ErrNoData is returned when no source produced a batch.
var ErrNoData = errors.New("no source produced data")

// Executor runs digest jobs.
type Executor struct {
	collection *ingestion.Scheduler
	processor  *analysis.Processor
	runs       RunStore
	defaults   config.Config
	logger     *slog.Logger

	// OnProgress, if set, receives collection progress events.
	OnProgress func(ingestion.ProgressEvent)
}

// NewExecutor wires an executor. runs may be nil to skip run history.
func NewExecutor(collection *ingestion.Scheduler, processor *analysis.Processor, runs RunStore, defaults config.Config, logger *slog.Logger) *Executor {
	return &Executor{
		collection: collection,
		processor:  processor,
		runs:       runs,
		defaults:   defaults,
		logger:     logging.OrDiscard(logger).With("component", "digest"),
	}
}

// Result is the outcome of one executed job.
type Result struct {
	RunID      string                        `json:"run_id,omitempty"`
	Report     *models.ProcessedReport       `json:"report"`
	Collection *ingestion.AggregateResult    `json:"collection"`
	Dedup      *ingestion.DeduplicationStats `json:"dedup,omitempty"`
}

// Collect runs only the collection stage of job.
func (e *Executor) Collect(ctx context.Context, job config.Job, tr models.TimeRange) (*ingestion.AggregateResult, error) {
	return e.collection.Collect(ctx, job.Sources, tr, e.collectionOptions(job))
}

// Execute runs job for tr. The returned Result carries the collection
// outcome even when report generation fails.
func (e *Executor) Execute(ctx context.Context, job config.Job, tr models.TimeRange) (*Result, error) {
	result := &Result{}

	if e.runs != nil {
		runID, err := e.runs.CreateRun(ctx, job.Name, tr)
		if err != nil {
			return nil, fmt.Errorf("failed to create run: %w", err)
		}
		result.RunID = runID
	}

	e.logger.Info("executing digest job",
		"job", job.Name,
		"run_id", result.RunID,
		"report_type", job.ReportType,
		"range", tr.String(),
		"sources", len(job.Sources),
	)

	collected, err := e.Collect(ctx, job, tr)
	result.Collection = collected
	if err != nil {
		e.fail(ctx, result, 0, err)
		return result, fmt.Errorf("collection failed: %w", err)
	}

	batches := collected.Batches
	if len(batches) == 0 {
		e.fail(ctx, result, 0, ErrNoData)
		return result, ErrNoData
	}

	if job.Deduplicate {
		dedup := ingestion.NewDeduplicator(ingestion.DefaultSimilarityThreshold)
		batches = dedup.Filter(batches)
		stats := dedup.Stats()
		result.Dedup = &stats
		e.logger.Info("deduplicated records",
			"job", job.Name,
			"processed", stats.TotalProcessed,
			"duplicates", stats.Duplicates,
		)
	}

	records := models.RecordCount(batches)
	prompt := analysis.GeneratePrompt(batches, job.ReportType, job.Template)

	report, err := e.processor.ProcessAs(ctx, job.ReportType, batches, prompt,
		e.providerConfig(job.Provider), e.retryPolicy(job), e.fallbackPolicy(job))
	if err != nil {
		e.fail(ctx, result, records, err)
		return result, fmt.Errorf("report generation failed: %w", err)
	}
	result.Report = report

	if e.runs != nil {
		if err := e.runs.CompleteRun(ctx, result.RunID, records, report.Metadata.ProviderUsed); err != nil {
			e.logger.Error("failed to record completed run", "run_id", result.RunID, "error", err)
		}
	}

	e.logger.Info("digest job completed",
		"job", job.Name,
		"run_id", result.RunID,
		"records", records,
		"provider", report.Metadata.ProviderUsed,
		"processing_time_ms", report.Metadata.ProcessingTimeMs,
	)
	return result, nil
}

func (e *Executor) fail(ctx context.Context, result *Result, records int, cause error) {
	e.logger.Error("digest job failed", "run_id", result.RunID, "code", errs.CodeOf(cause), "error", cause)
	if e.runs == nil {
		return
	}
	if err := e.runs.FailRun(ctx, result.RunID, records, cause.Error()); err != nil {
		e.logger.Error("failed to record failed run", "run_id", result.RunID, "error", err)
	}
}

func (e *Executor) collectionOptions(job config.Job) ingestion.Options {
	opts := ingestion.Options{
		Sequential:     job.Collection.Sequential,
		MaxConcurrency: e.defaults.Collection.MaxConcurrency,
		FailFast:       job.Collection.FailFast,
		GlobalTimeout:  e.defaults.Collection.GlobalTimeout,
		DefaultTimeout: e.defaults.Collection.TaskTimeout,
		RetryDelay:     e.defaults.Collection.RetryDelay,
		OnProgress:     e.OnProgress,
	}
	if job.Collection.MaxConcurrency > 0 {
		opts.MaxConcurrency = job.Collection.MaxConcurrency
	}
	if job.Collection.GlobalTimeout > 0 {
		opts.GlobalTimeout = job.Collection.GlobalTimeout
	}
	if job.Collection.DefaultTimeout > 0 {
		opts.DefaultTimeout = job.Collection.DefaultTimeout
	}
	if job.Collection.RetryDelay > 0 {
		opts.RetryDelay = job.Collection.RetryDelay
	}
	return opts
}

// providerConfig fills credentials and endpoints the job file leaves to the
// environment.
func (e *Executor) providerConfig(cfg models.ProviderConfig) models.ProviderConfig {
	ai := e.defaults.AI
	if cfg.APIKey == "" {
		cfg.APIKey = ai.APIKeyFor(cfg.Provider)
	}
	if cfg.Provider == "ollama" && cfg.BaseURL == "" {
		cfg.BaseURL = ai.OllamaBaseURL
	}
	if cfg.Provider == "openai" && cfg.Model == "" {
		cfg.Model = ai.Model
	}
	return cfg
}

func (e *Executor) retryPolicy(job config.Job) *analysis.RetryPolicy {
	policy := analysis.DefaultRetryPolicy()
	policy.MaxRetries = e.defaults.AI.MaxRetries
	policy.BaseDelay = e.defaults.AI.BaseDelay
	policy.MaxDelay = e.defaults.AI.MaxDelay

	if r := job.Retry; r != nil {
		if r.MaxRetries != nil {
			policy.MaxRetries = *r.MaxRetries
		}
		if r.BaseDelay > 0 {
			policy.BaseDelay = r.BaseDelay
		}
		if r.MaxDelay > 0 {
			policy.MaxDelay = r.MaxDelay
		}
		if r.BackoffMultiplier > 0 {
			policy.BackoffMultiplier = r.BackoffMultiplier
		}
		if len(r.RetryableCodes) > 0 {
			policy.RetryableCodes = make([]errs.Code, 0, len(r.RetryableCodes))
			for _, code := range r.RetryableCodes {
				policy.RetryableCodes = append(policy.RetryableCodes, errs.Code(code))
			}
		}
	}
	return &policy
}

func (e *Executor) fallbackPolicy(job config.Job) *analysis.FallbackPolicy {
	if job.Fallback == nil {
		return nil
	}
	fb := &analysis.FallbackPolicy{
		Enabled:          job.Fallback.Enabled,
		SimplifiedPrompt: job.Fallback.SimplifiedPrompt,
		TemplateReport:   job.Fallback.TemplateReport,
	}
	for _, p := range job.Fallback.Providers {
		fb.FallbackProviders = append(fb.FallbackProviders, e.providerConfig(p))
	}
	return fb
}
