package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/STRATINT/digest/internal/errs"
	"github.com/STRATINT/digest/internal/models"
)

// attemptFunc performs one collection attempt.
type attemptFunc func(ctx context.Context) (*models.CollectedBatch, error)

// retryOutcome is the result of a retried collection.
type retryOutcome struct {
	batch    *models.CollectedBatch
	err      *errs.Error
	attempts int
	failures []*errs.Error
}

// collectWithRetry invokes fn until it succeeds or maxRetries re-invocations
// have failed. Retries are immediate unless delay is positive. Validation and
// Unsupported errors are never retried since a second attempt cannot change them.
func collectWithRetry(ctx context.Context, source string, maxRetries int, delay time.Duration, fn attemptFunc, onRetry func(attempt int, err *errs.Error)) retryOutcome {
	var out retryOutcome

	for attempt := 1; ; attempt++ {
		out.attempts = attempt

		batch, err := fn(ctx)
		if err == nil {
			out.batch = batch
			out.err = nil
			return out
		}

		tagged := errs.Classify(err)
		if tagged.Source == "" {
			tagged = tagged.WithSource(source)
		}
		out.failures = append(out.failures, tagged)
		out.err = tagged

		if attempt > maxRetries || !retryableCollectionError(tagged) || ctx.Err() != nil {
			return out
		}

		if onRetry != nil {
			onRetry(attempt, tagged)
		}

		if delay > 0 {
			select {
			case <-ctx.Done():
				out.err = errs.Wrap(errs.Timeout, ctx.Err(), "retry cancelled: %v", ctx.Err()).WithSource(source)
				out.failures = append(out.failures, out.err)
				return out
			case <-time.After(delay):
			}
		}
	}
}

func retryableCollectionError(err *errs.Error) bool {
	switch err.Code {
	case errs.Validation, errs.Unsupported:
		return false
	default:
		return true
	}
}

// timedAttempt races one collector call against timeout. The collector gets a
// context that is cancelled when the timer fires; the result is abandoned
// either way, so collectors that ignore the context cannot stall the run.
func timedAttempt(ctx context.Context, collector Collector, cfg models.SourceConfig, tr models.TimeRange, timeout time.Duration) (*models.CollectedBatch, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		batch *models.CollectedBatch
		err   error
	}
	ch := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: errs.New(errs.Processing, "collector panicked: %v", r)}
			}
		}()
		batch, err := collector.Collect(attemptCtx, cfg, tr)
		ch <- result{batch: batch, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if attemptCtx.Err() != nil {
				return nil, errs.Wrap(errs.Timeout, r.err, "collection of %s exceeded %v", cfg.Name, timeout)
			}
			return nil, r.err
		}
		if r.batch == nil {
			return nil, errs.New(errs.Processing, "collector %s returned no batch", cfg.Type)
		}
		return r.batch, nil
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.Timeout, ctx.Err(), "collection of %s aborted: %v", cfg.Name, ctx.Err())
		}
		return nil, errs.Wrap(errs.Timeout, attemptCtx.Err(), "collection of %s exceeded %v", cfg.Name, timeout)
	}
}

func validationError(cfg models.SourceConfig, result models.ValidationResult) *errs.Error {
	msg := "invalid configuration"
	if len(result.Errors) > 0 {
		msg = fmt.Sprintf("invalid configuration: %v", result.Errors)
	}
	return errs.New(errs.Validation, "%s", msg).WithSource(cfg.Name)
}
