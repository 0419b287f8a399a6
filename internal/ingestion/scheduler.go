package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/STRATINT/digest/internal/errs"
	"github.com/STRATINT/digest/internal/logging"
	"github.com/STRATINT/digest/internal/metrics"
	"github.com/STRATINT/digest/internal/models"
	"github.com/STRATINT/digest/internal/registry"
)

// ErrCollectionAborted wraps the first task error when FailFast stops a run.
var ErrCollectionAborted = errors.New("collection aborted")

const defaultTaskTimeout = 30 * time.Second

// Options controls one collection run. The zero value runs every enabled
// source concurrently, keeps going after failures and applies a 30s per-task
// timeout.
type Options struct {
	Sequential     bool          // run tasks one at a time in config order
	MaxConcurrency int           // in-flight task cap; 0 means one slot per enabled source
	FailFast       bool          // abort the run on the first failed task
	GlobalTimeout  time.Duration // bound for the whole run; 0 means none
	DefaultTimeout time.Duration // per-task timeout when the config sets none
	RetryDelay     time.Duration // pause between attempts; 0 retries immediately
	OnProgress     func(ProgressEvent)
}

// Summary aggregates counts for a run. Successful+Failed equals Enabled, and
// Total counts every config including disabled ones.
type Summary struct {
	Total          int           `json:"total"`
	Enabled        int           `json:"enabled"`
	Disabled       int           `json:"disabled"`
	Successful     int           `json:"successful"`
	Failed         int           `json:"failed"`
	Records        int           `json:"records"`
	CollectionTime time.Duration `json:"collection_time"`
}

// TaskStatus is the terminal state of one task.
type TaskStatus string

const (
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// TaskReport describes how one enabled source settled.
type TaskReport struct {
	Name     string        `json:"name"`
	Type     string        `json:"type"`
	Status   TaskStatus    `json:"status"`
	Attempts int           `json:"attempts"`
	Failures []*errs.Error `json:"-"`
	Duration time.Duration `json:"duration"`
}

// AggregateResult holds every batch and error of a run, in settlement order.
type AggregateResult struct {
	Batches []models.CollectedBatch `json:"batches"`
	Errors  []*errs.Error           `json:"-"`
	Tasks   []TaskReport            `json:"tasks"`
	Summary Summary                 `json:"summary"`
}

// Scheduler runs collections for a set of source configs against the source registry.
type Scheduler struct {
	sources *registry.Registry[Collector]
	logger  *slog.Logger
	metrics *metrics.Collector
}

// NewScheduler creates a scheduler. metrics may be nil.
func NewScheduler(sources *registry.Registry[Collector], logger *slog.Logger, m *metrics.Collector) *Scheduler {
	return &Scheduler{
		sources: sources,
		logger:  logging.OrDiscard(logger).With("component", "collection"),
		metrics: m,
	}
}

// Run is an in-flight collection started by Scheduler.Start.
type Run struct {
	progress chan ProgressEvent
	done     chan struct{}

	result *AggregateResult
	err    error
}

// Progress streams one event per settled task. The channel is buffered for
// the whole run and closed when the run finishes, so consumers may ignore it.
func (r *Run) Progress() <-chan ProgressEvent {
	return r.progress
}

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes and returns its result.
func (r *Run) Wait() (*AggregateResult, error) {
	<-r.done
	return r.result, r.err
}

// Start begins collecting asynchronously.
func (s *Scheduler) Start(ctx context.Context, configs []models.SourceConfig, tr models.TimeRange, opts Options) *Run {
	enabled := 0
	for _, cfg := range configs {
		if cfg.Enabled {
			enabled++
		}
	}

	run := &Run{
		progress: make(chan ProgressEvent, enabled+1),
		done:     make(chan struct{}),
	}

	go func() {
		defer close(run.done)
		defer close(run.progress)
		run.result, run.err = s.execute(ctx, configs, tr, opts, func(ev ProgressEvent) {
			run.progress <- ev
		})
	}()

	return run
}

// Collect runs a collection to completion, invoking opts.OnProgress for every
// event in settlement order.
func (s *Scheduler) Collect(ctx context.Context, configs []models.SourceConfig, tr models.TimeRange, opts Options) (*AggregateResult, error) {
	run := s.Start(ctx, configs, tr, opts)
	for ev := range run.Progress() {
		if opts.OnProgress != nil {
			opts.OnProgress(ev)
		}
	}
	return run.Wait()
}

// TestSources checks connectivity of every enabled config. Unknown types are
// reported as validation errors.
func (s *Scheduler) TestSources(ctx context.Context, configs []models.SourceConfig) map[string]error {
	results := make(map[string]error, len(configs))

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		collector, ok := s.sources.Get(cfg.Type)
		if !ok {
			results[cfg.Name] = errs.New(errs.Validation, "source type %q is not registered", cfg.Type).WithSource(cfg.Name)
			continue
		}
		reachable, err := collector.TestConnection(ctx, cfg)
		switch {
		case err != nil:
			results[cfg.Name] = errs.Classify(err).WithSource(cfg.Name)
		case !reachable:
			results[cfg.Name] = errs.New(errs.Connection, "source is not reachable").WithSource(cfg.Name)
		default:
			results[cfg.Name] = nil
		}
	}

	return results
}

type taskOutcome struct {
	cfg    models.SourceConfig
	batch  *models.CollectedBatch
	err    *errs.Error
	report TaskReport
}

func (s *Scheduler) execute(ctx context.Context, configs []models.SourceConfig, tr models.TimeRange, opts Options, emit func(ProgressEvent)) (*AggregateResult, error) {
	start := time.Now()

	if err := tr.Validate(); err != nil {
		return nil, errs.Wrap(errs.Validation, err, "invalid time range: %v", err)
	}

	result := &AggregateResult{
		Batches: []models.CollectedBatch{},
		Summary: Summary{Total: len(configs)},
	}

	enabled := make([]models.SourceConfig, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			result.Summary.Disabled++
			s.logger.Debug("skipping disabled source", "source", cfg.Name, "type", cfg.Type)
			continue
		}
		enabled = append(enabled, cfg)
	}
	result.Summary.Enabled = len(enabled)

	if opts.GlobalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.GlobalTimeout)
		defer cancel()
	}

	limit := opts.MaxConcurrency
	if limit <= 0 || limit > len(enabled) {
		limit = len(enabled)
	}
	if opts.Sequential {
		limit = 1
	}

	s.logger.Info("collection started",
		"sources", len(configs),
		"enabled", len(enabled),
		"concurrent", !opts.Sequential,
		"max_concurrency", limit,
		"time_range", tr.String(),
	)

	var mu sync.Mutex
	tracker := newProgressTracker(len(enabled), emit)

	settle := func(o taskOutcome) *errs.Error {
		mu.Lock()
		defer mu.Unlock()

		result.Tasks = append(result.Tasks, o.report)
		if o.err != nil {
			result.Errors = append(result.Errors, o.err)
			result.Summary.Failed++
		} else {
			result.Batches = append(result.Batches, *o.batch)
			result.Summary.Successful++
			result.Summary.Records += len(o.batch.Records)
		}
		tracker.settle(o.cfg.Name, o.err == nil)

		if o.err != nil && opts.FailFast {
			return o.err
		}
		return nil
	}

	var abortErr *errs.Error
	if opts.Sequential {
		for _, cfg := range enabled {
			if err := settle(s.runTask(ctx, cfg, tr, opts)); err != nil {
				abortErr = err
				break
			}
		}
	} else {
		abortErr = s.runConcurrent(ctx, enabled, tr, opts, limit, settle)
	}

	mu.Lock()
	tracker.finish()
	mu.Unlock()

	result.Summary.CollectionTime = time.Since(start)

	if abortErr != nil {
		s.logger.Error("collection aborted",
			"source", abortErr.Source,
			"code", abortErr.Code,
			"error", abortErr,
			"duration_ms", result.Summary.CollectionTime.Milliseconds(),
		)
		return nil, fmt.Errorf("%w: %w", ErrCollectionAborted, abortErr)
	}

	s.logger.Info("collection finished",
		"successful", result.Summary.Successful,
		"failed", result.Summary.Failed,
		"disabled", result.Summary.Disabled,
		"records", result.Summary.Records,
		"duration_ms", result.Summary.CollectionTime.Milliseconds(),
	)

	return result, nil
}

// runConcurrent runs tasks in a sliding window of limit slots. A new task
// starts as soon as any slot frees. With FailFast the group context is
// cancelled by the first failure and tasks not yet started are dropped.
func (s *Scheduler) runConcurrent(ctx context.Context, enabled []models.SourceConfig, tr models.TimeRange, opts Options, limit int, settle func(taskOutcome) *errs.Error) *errs.Error {
	if len(enabled) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	// true once a sibling failure (not the caller) cancelled the group
	siblingFailed := func() bool {
		return opts.FailFast && gctx.Err() != nil && ctx.Err() == nil
	}

	for _, cfg := range enabled {
		if siblingFailed() {
			break
		}
		g.Go(func() error {
			if siblingFailed() {
				return nil
			}
			outcome := s.runTask(gctx, cfg, tr, opts)
			if outcome.err != nil && siblingFailed() && errs.HasCode(outcome.err, errs.Timeout) {
				return nil
			}
			if err := settle(outcome); err != nil {
				return err
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		return nil
	}
	var tagged *errs.Error
	if errors.As(err, &tagged) {
		return tagged
	}
	return errs.Classify(err)
}

func (s *Scheduler) runTask(ctx context.Context, cfg models.SourceConfig, tr models.TimeRange, opts Options) taskOutcome {
	start := time.Now()
	outcome := taskOutcome{
		cfg:    cfg,
		report: TaskReport{Name: cfg.Name, Type: cfg.Type},
	}

	finish := func() taskOutcome {
		outcome.report.Duration = time.Since(start)
		records := 0
		if outcome.err != nil {
			outcome.report.Status = TaskFailed
		} else {
			outcome.report.Status = TaskSucceeded
			records = len(outcome.batch.Records)
		}
		s.metrics.ObserveTask(cfg.Type, string(outcome.report.Status), outcome.report.Duration, records)
		return outcome
	}

	collector, ok := s.sources.Get(cfg.Type)
	if !ok {
		outcome.err = errs.New(errs.Validation, "source type %q is not registered", cfg.Type).WithSource(cfg.Name)
		outcome.report.Failures = []*errs.Error{outcome.err}
		s.metrics.IncCollectionError(cfg.Type, string(errs.Validation))
		s.logger.Warn("source rejected", "source", cfg.Name, "type", cfg.Type, "error", outcome.err)
		return finish()
	}

	if vr := collector.Validate(cfg); !vr.IsValid {
		outcome.err = validationError(cfg, vr)
		outcome.report.Failures = []*errs.Error{outcome.err}
		s.metrics.IncCollectionError(cfg.Type, string(errs.Validation))
		s.logger.Warn("source rejected", "source", cfg.Name, "type", cfg.Type, "error", outcome.err)
		return finish()
	} else if len(vr.Warnings) > 0 {
		s.logger.Warn("source configuration warnings", "source", cfg.Name, "warnings", vr.Warnings)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = opts.DefaultTimeout
	}
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}

	s.logger.Debug("collecting source", "source", cfg.Name, "type", cfg.Type, "timeout", timeout, "max_retries", cfg.Retries())

	retried := collectWithRetry(ctx, cfg.Name, cfg.Retries(), opts.RetryDelay,
		func(ctx context.Context) (*models.CollectedBatch, error) {
			return timedAttempt(ctx, collector, cfg, tr, timeout)
		},
		func(attempt int, err *errs.Error) {
			s.metrics.IncCollectionRetry(cfg.Type)
			s.logger.Warn("collection attempt failed, retrying",
				"source", cfg.Name,
				"attempt", attempt,
				"max_retries", cfg.Retries(),
				"code", err.Code,
				"error", err,
			)
		},
	)

	outcome.report.Attempts = retried.attempts
	outcome.report.Failures = retried.failures
	for _, f := range retried.failures {
		s.metrics.IncCollectionError(cfg.Type, string(f.Code))
	}

	if retried.err != nil {
		outcome.err = retried.err
		s.logger.Error("collection failed",
			"source", cfg.Name,
			"type", cfg.Type,
			"attempts", retried.attempts,
			"code", retried.err.Code,
			"error", retried.err,
		)
		return finish()
	}

	outcome.batch = retried.batch
	s.logger.Info("collection completed",
		"source", cfg.Name,
		"type", cfg.Type,
		"records", len(retried.batch.Records),
		"attempts", retried.attempts,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return finish()
}
