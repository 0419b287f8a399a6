// Package analysis turns collected batches into a report through an AI
// provider, with per-provider retries, fallback providers and a static
// template as the last stage.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/STRATINT/digest/internal/errs"
	"github.com/STRATINT/digest/internal/inference"
	"github.com/STRATINT/digest/internal/logging"
	"github.com/STRATINT/digest/internal/metrics"
	"github.com/STRATINT/digest/internal/models"
	"github.com/STRATINT/digest/internal/providers"
	"github.com/STRATINT/digest/internal/registry"
)

// ProviderUsedFallback marks a report that came from the fallback template.
const ProviderUsedFallback = "fallback"

const canaryPrompt = `Reply with exactly this JSON: {"title":"ok","summary":"ok","sections":[]}`

// Processor generates reports. Attempts for one Process call run strictly
// one after another.
type Processor struct {
	providers *registry.Registry[providers.Provider]
	logger    *slog.Logger
	calls     *inference.Logger

	sleep        func(ctx context.Context, d time.Duration) error
	jitter       func(limit time.Duration) time.Duration
	newRequestID func() string
	now          func() time.Time
}

// NewProcessor creates a processor over the provider registry. logger and m may be nil.
func NewProcessor(reg *registry.Registry[providers.Provider], logger *slog.Logger, m *metrics.Collector) *Processor {
	logger = logging.OrDiscard(logger)
	return &Processor{
		providers:    reg,
		logger:       logger.With("component", "analysis"),
		calls:        inference.NewLogger(logger, m),
		sleep:        sleepContext,
		jitter:       randomJitter,
		newRequestID: uuid.NewString,
		now:          time.Now,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit)
}

// Process generates a report for batches. The report type follows the
// granularity of the first batch. retry and fallback may be nil.
func (p *Processor) Process(ctx context.Context, batches []models.CollectedBatch, prompt string, cfg models.ProviderConfig, retry *RetryPolicy, fallback *FallbackPolicy) (*models.ProcessedReport, error) {
	reportType := models.ReportTypeCustom
	if len(batches) > 0 {
		reportType = models.ReportTypeFor(batches[0].TimeRange.Granularity)
	}
	return p.ProcessAs(ctx, reportType, batches, prompt, cfg, retry, fallback)
}

// ProcessAs is Process with an explicit report type. Only the terminal state
// is returned: a report from the first provider that succeeds, the fallback
// template, or the primary provider's last error.
func (p *Processor) ProcessAs(ctx context.Context, reportType models.ReportType, batches []models.CollectedBatch, prompt string, cfg models.ProviderConfig, retry *RetryPolicy, fallback *FallbackPolicy) (*models.ProcessedReport, error) {
	start := p.now()
	requestID := p.newRequestID()

	policy := DefaultRetryPolicy()
	if retry != nil {
		policy = *retry
	}

	req := newRequest(reportType, batches, prompt)

	report, primaryErr := p.runProvider(ctx, requestID, req, cfg, policy)
	if primaryErr == nil {
		return p.finish(report, start, requestID), nil
	}

	if fallback == nil || !fallback.Enabled {
		return nil, primaryErr
	}

	lastErr := primaryErr
	if ctx.Err() == nil && len(fallback.FallbackProviders) > 0 {
		fbReq := req
		if strings.TrimSpace(fallback.SimplifiedPrompt) != "" {
			fbReq.Prompt = GeneratePrompt(batches, reportType, fallback.SimplifiedPrompt)
		}

		for _, fbCfg := range fallback.FallbackProviders {
			p.calls.LogFallback(ctx, requestID, "provider", fbCfg.Provider, lastErr)

			report, err := p.runProvider(ctx, requestID, fbReq, fbCfg, policy)
			if err == nil {
				return p.finish(report, start, requestID), nil
			}
			lastErr = err
			if ctx.Err() != nil {
				break
			}
		}
	}

	if fallback.TemplateReport != nil {
		p.calls.LogFallback(ctx, requestID, "template", ProviderUsedFallback, lastErr)
		out := fallback.TemplateReport.Clone()
		out.Metadata.ProviderUsed = ProviderUsedFallback
		out.Metadata.ProcessingTimeMs = p.now().Sub(start).Milliseconds()
		return out, nil
	}

	p.logger.Warn("all providers exhausted",
		"request_id", requestID,
		"primary", cfg.Provider,
		"fallbacks", len(fallback.FallbackProviders),
		"code", primaryErr.Code,
	)
	return nil, primaryErr
}

func newRequest(reportType models.ReportType, batches []models.CollectedBatch, prompt string) providers.Request {
	req := providers.Request{
		SystemPrompt: buildSystemPrompt(),
		Prompt:       prompt,
		ReportType:   reportType,
		SourcesUsed:  models.SourceNames(batches),
		Batches:      batches,
		JSONMode:     true,
	}
	if len(batches) > 0 {
		req.TimeRange = batches[0].TimeRange
	}
	return req
}

func (p *Processor) finish(report *models.ProcessedReport, start time.Time, requestID string) *models.ProcessedReport {
	report.Metadata.ProcessingTimeMs = p.now().Sub(start).Milliseconds()
	report.Metadata.RequestID = requestID
	return report
}

// resolve looks up and validates the provider for cfg. Failures here are
// never retried.
func (p *Processor) resolve(cfg models.ProviderConfig) (providers.Provider, *errs.Error) {
	provider, ok := p.providers.Get(cfg.Provider)
	if !ok {
		return nil, errs.New(errs.Unsupported, "provider %q is not registered", cfg.Provider).WithProvider(cfg.Provider)
	}
	if result := provider.ValidateConfig(cfg); !result.IsValid {
		return nil, errs.New(errs.Validation, "invalid provider config: %s", strings.Join(result.Errors, "; ")).WithProvider(cfg.Provider)
	}
	return provider, nil
}

// runProvider drives the attempt loop for one provider and returns its last
// error once retries are exhausted or the error is not retryable.
func (p *Processor) runProvider(ctx context.Context, requestID string, req providers.Request, cfg models.ProviderConfig, policy RetryPolicy) (*models.ProcessedReport, *errs.Error) {
	provider, err := p.resolve(cfg)
	if err != nil {
		p.calls.LogCall(ctx, inference.CallParams{
			RequestID:   requestID,
			Provider:    cfg.Provider,
			Model:       cfg.Model,
			Attempt:     1,
			MaxAttempts: 1,
			DataSize:    req.DataSize(),
			Err:         err,
		})
		return nil, err
	}

	maxRetries := policy.MaxRetries
	if cfg.MaxRetries != nil {
		maxRetries = *cfg.MaxRetries
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	total := maxRetries + 1

	for attempt := 1; ; attempt++ {
		callStart := p.now()
		report, usage, model, callErr := p.attempt(ctx, provider, req, cfg)
		latency := p.now().Sub(callStart)

		if callErr == nil {
			p.calls.LogCall(ctx, inference.CallParams{
				RequestID:   requestID,
				Provider:    provider.Name(),
				Model:       model,
				Attempt:     attempt,
				MaxAttempts: total,
				DataSize:    req.DataSize(),
				Latency:     latency,
				Usage:       usage,
			})
			report.Metadata.ProviderUsed = provider.Name()
			report.Metadata.Model = model
			report.Metadata.Usage = usage
			report.Metadata.Attempts = attempt
			return report, nil
		}

		p.calls.LogCall(ctx, inference.CallParams{
			RequestID:   requestID,
			Provider:    provider.Name(),
			Model:       cfg.Model,
			Attempt:     attempt,
			MaxAttempts: total,
			DataSize:    req.DataSize(),
			Latency:     latency,
			Err:         callErr,
		})

		if attempt > maxRetries || !policy.Retryable(callErr.Code) || ctx.Err() != nil {
			return nil, callErr
		}

		var retryAfter time.Duration
		if callErr.Code == errs.RateLimit {
			retryAfter = callErr.RetryAfter
		}
		delay := policy.Delay(attempt, retryAfter, p.jitter)

		p.calls.LogRetry(ctx, inference.RetryParams{
			RequestID:   requestID,
			Provider:    provider.Name(),
			Model:       cfg.Model,
			Attempt:     attempt,
			MaxAttempts: total,
			Delay:       delay,
			Err:         callErr,
		})

		if err := p.sleep(ctx, delay); err != nil {
			return nil, callErr
		}
	}
}

// attempt performs one send + parse and normalizes any failure.
func (p *Processor) attempt(ctx context.Context, provider providers.Provider, req providers.Request, cfg models.ProviderConfig) (report *models.ProcessedReport, usage *models.Usage, model string, tagged *errs.Error) {
	defer func() {
		if r := recover(); r != nil {
			tagged = errs.New(errs.Processing, "provider panicked: %v", r).WithProvider(provider.Name())
		}
	}()

	resp, err := provider.SendRequest(ctx, req, cfg)
	if err != nil {
		return nil, nil, "", normalize(provider.Name(), err)
	}

	report, err = provider.ParseResponse(resp.Content, req)
	if err != nil {
		return nil, nil, "", normalize(provider.Name(), err)
	}

	model = resp.Model
	if model == "" {
		model = cfg.Model
	}
	return report, resp.Usage, model, nil
}

func normalize(provider string, err error) *errs.Error {
	tagged := errs.Classify(err)
	if tagged.Provider == "" {
		tagged = tagged.WithProvider(provider)
	}
	return tagged
}

// ValidateConnection reports whether cfg can reach its provider. It never
// errors; any failure, including a panic in the provider, is false.
func (p *Processor) ValidateConnection(ctx context.Context, cfg models.ProviderConfig) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("validate connection panicked", "provider", cfg.Provider, "panic", fmt.Sprint(r))
			ok = false
		}
	}()

	provider, err := p.resolve(cfg)
	if err != nil {
		p.logger.Debug("validate connection rejected config", "provider", cfg.Provider, "error", err)
		return false
	}
	return provider.ValidateConnection(ctx, cfg)
}

// TestResult is the outcome of a canary request.
type TestResult struct {
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Success   bool      `json:"success"`
	LatencyMs int64     `json:"latency_ms"`
	Code      errs.Code `json:"code,omitempty"`
	Error     string    `json:"error,omitempty"`
	Response  string    `json:"response,omitempty"`
}

// TestProvider sends one minimal request without retries or fallback.
func (p *Processor) TestProvider(ctx context.Context, cfg models.ProviderConfig) TestResult {
	result := TestResult{Provider: cfg.Provider, Model: cfg.Model}

	provider, err := p.resolve(cfg)
	if err != nil {
		result.Code = err.Code
		result.Error = err.Error()
		return result
	}

	req := providers.Request{
		SystemPrompt: "You are a connectivity check.",
		Prompt:       canaryPrompt,
		ReportType:   models.ReportTypeCustom,
		JSONMode:     true,
	}

	start := p.now()
	resp, sendErr := provider.SendRequest(ctx, req, cfg)
	result.LatencyMs = p.now().Sub(start).Milliseconds()
	if sendErr != nil {
		tagged := normalize(provider.Name(), sendErr)
		result.Code = tagged.Code
		result.Error = tagged.Error()
		return result
	}

	result.Success = true
	result.Response = resp.Content
	if resp.Model != "" {
		result.Model = resp.Model
	}
	return result
}

// AvailableModels lists the models of a registered provider.
func (p *Processor) AvailableModels(ctx context.Context, cfg models.ProviderConfig) ([]string, error) {
	provider, ok := p.providers.Get(cfg.Provider)
	if !ok {
		return nil, errs.New(errs.Unsupported, "provider %q is not registered", cfg.Provider).WithProvider(cfg.Provider)
	}
	return provider.AvailableModels(ctx, cfg)
}
