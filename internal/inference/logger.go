package inference

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/STRATINT/digest/internal/errs"
	"github.com/STRATINT/digest/internal/logging"
	"github.com/STRATINT/digest/internal/metrics"
	"github.com/STRATINT/digest/internal/models"
)

// Logger records AI provider calls, retries and fallbacks as structured log
// lines and metrics.
type Logger struct {
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// NewLogger creates an inference logger. Both arguments may be nil.
func NewLogger(logger *slog.Logger, m *metrics.Collector) *Logger {
	return &Logger{
		logger:  logging.OrDiscard(logger).With("component", "inference"),
		metrics: m,
		now:     time.Now,
	}
}

// CallParams describes one provider call.
type CallParams struct {
	RequestID   string
	Provider    string
	Model       string
	Attempt     int
	MaxAttempts int
	DataSize    int
	Latency     time.Duration
	Usage       *models.Usage
	Err         *errs.Error
}

// LogCall records a finished provider call.
func (l *Logger) LogCall(ctx context.Context, p CallParams) {
	attrs := []slog.Attr{
		slog.String("request_id", p.RequestID),
		slog.String("provider", p.Provider),
		slog.String("model", p.Model),
		slog.Int("attempt", p.Attempt),
		slog.Int("max_attempts", p.MaxAttempts),
		slog.Int("data_size", p.DataSize),
		slog.Int64("latency_ms", p.Latency.Milliseconds()),
		slog.Time("timestamp", l.now()),
	}

	code := "ok"
	if p.Usage != nil {
		attrs = append(attrs,
			slog.Int("input_tokens", p.Usage.PromptTokens),
			slog.Int("output_tokens", p.Usage.CompletionTokens),
			slog.Int("total_tokens", p.Usage.TotalTokens),
			slog.Float64("estimated_cost_usd", EstimateCost(p.Provider, p.Model, *p.Usage)),
		)
	}

	level := slog.LevelInfo
	msg := "[PROVIDER CALL]"
	if p.Err != nil {
		code = string(p.Err.Code)
		level = slog.LevelWarn
		msg = "[PROVIDER CALL FAILED]"
		attrs = append(attrs, slog.String("code", code), slog.String("error", p.Err.Error()))
		if p.Err.RetryAfter > 0 {
			attrs = append(attrs, slog.Int64("retry_after_ms", p.Err.RetryAfter.Milliseconds()))
		}
	}

	l.logger.LogAttrs(ctx, level, msg, attrs...)
	l.metrics.ObserveProviderCall(p.Provider, code, p.Latency)
}

// RetryParams describes a scheduled retry.
type RetryParams struct {
	RequestID   string
	Provider    string
	Model       string
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	Err         *errs.Error
}

// LogRetry records that the next attempt will start after Delay.
func (l *Logger) LogRetry(ctx context.Context, p RetryParams) {
	code := ""
	if p.Err != nil {
		code = string(p.Err.Code)
	}
	l.logger.LogAttrs(ctx, slog.LevelWarn, "[PROVIDER RETRY]",
		slog.String("request_id", p.RequestID),
		slog.String("provider", p.Provider),
		slog.String("model", p.Model),
		slog.Int("attempt", p.Attempt),
		slog.Int("max_attempts", p.MaxAttempts),
		slog.Int64("delay_ms", p.Delay.Milliseconds()),
		slog.String("code", code),
		slog.Time("timestamp", l.now()),
	)
	l.metrics.IncProviderRetry(p.Provider, code)
}

// LogFallback records a move to the next stage of the fallback chain. stage
// is "provider" or "template".
func (l *Logger) LogFallback(ctx context.Context, requestID, stage, target string, cause *errs.Error) {
	attrs := []slog.Attr{
		slog.String("request_id", requestID),
		slog.String("stage", stage),
		slog.String("target", target),
		slog.Time("timestamp", l.now()),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("code", string(cause.Code)), slog.String("error", cause.Error()))
	}
	l.logger.LogAttrs(ctx, slog.LevelWarn, "[PROVIDER FALLBACK]", attrs...)
	l.metrics.IncFallback(stage)
}

// EstimateCost gives a rough USD cost for a call from list prices per
// million tokens. Self-hosted providers cost nothing.
func EstimateCost(provider, model string, usage models.Usage) float64 {
	var inputPer1M, outputPer1M float64

	switch provider {
	case "openai":
		inputPer1M, outputPer1M = openAIPrice(model)
	case "anthropic":
		inputPer1M, outputPer1M = anthropicPrice(model)
	default:
		return 0
	}

	return float64(usage.PromptTokens)/1_000_000*inputPer1M +
		float64(usage.CompletionTokens)/1_000_000*outputPer1M
}

func openAIPrice(model string) (float64, float64) {
	switch {
	case strings.HasPrefix(model, "gpt-4o-mini"):
		return 0.15, 0.60
	case strings.HasPrefix(model, "gpt-4o"):
		return 2.50, 10.00
	case strings.HasPrefix(model, "gpt-4-turbo"):
		return 10.00, 30.00
	case strings.HasPrefix(model, "gpt-3.5-turbo"):
		return 0.50, 1.50
	default:
		return 5.00, 15.00
	}
}

func anthropicPrice(model string) (float64, float64) {
	switch {
	case strings.Contains(model, "haiku"):
		return 0.80, 4.00
	case strings.Contains(model, "opus"):
		return 15.00, 75.00
	default:
		return 3.00, 15.00
	}
}
