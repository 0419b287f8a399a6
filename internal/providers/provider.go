// Package providers holds the AI backends a report can be generated with.
// Every backend translates its SDK errors into *errs.Error before returning.
package providers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/STRATINT/digest/internal/errs"
	"github.com/STRATINT/digest/internal/models"
	"github.com/STRATINT/digest/internal/registry"
)

const (
	maxTokensLimit    = 128000
	defaultMaxTokens  = 4096
	defaultTimeout    = 120 * time.Second
	defaultModelLocal = "rules-v1"
)

// Request is one report generation request.
type Request struct {
	SystemPrompt string
	Prompt       string
	ReportType   models.ReportType
	TimeRange    models.TimeRange
	SourcesUsed  []string
	Batches      []models.CollectedBatch
	JSONMode     bool
}

// DataSize is the prompt length in bytes, logged with every call.
func (r Request) DataSize() int {
	return len(r.SystemPrompt) + len(r.Prompt)
}

// Response is the raw provider output.
type Response struct {
	Content      string
	Usage        *models.Usage
	Model        string
	FinishReason string
}

// Provider is an AI text-generation backend.
type Provider interface {
	// Name returns the registry key.
	Name() string

	// SendRequest performs one call. Errors are *errs.Error.
	SendRequest(ctx context.Context, req Request, cfg models.ProviderConfig) (*Response, error)

	// ValidateConnection reports whether the backend is reachable with cfg. It never errors.
	ValidateConnection(ctx context.Context, cfg models.ProviderConfig) bool

	// ValidateConfig checks cfg against the backend's rules.
	ValidateConfig(cfg models.ProviderConfig) models.ValidationResult

	// AvailableModels lists models the backend can serve.
	AvailableModels(ctx context.Context, cfg models.ProviderConfig) ([]string, error)

	// ParseResponse turns raw content into a report.
	ParseResponse(raw string, req Request) (*models.ProcessedReport, error)
}

// DefaultProviders registers the built-in backends.
func DefaultProviders(logger *slog.Logger) *registry.Registry[Provider] {
	providers := registry.New[Provider]()
	client := &http.Client{}

	for _, p := range []Provider{
		NewOpenAI("openai", client, logger),
		NewOpenAI("ollama", client, logger),
		NewAnthropic(client, logger),
		NewLocal(logger),
	} {
		providers.MustRegister(p.Name(), p, map[string]string{"kind": kindOf(p.Name())})
	}

	return providers
}

func kindOf(name string) string {
	switch name {
	case "ollama", "local":
		return "self-hosted"
	default:
		return "hosted"
	}
}

// validateCommon applies the shared temperature and token rules.
func validateCommon(cfg models.ProviderConfig, maxTemperature float64) (problems, warnings []string) {
	if cfg.Temperature != nil && (*cfg.Temperature < 0 || *cfg.Temperature > maxTemperature) {
		problems = append(problems, fmt.Sprintf("temperature must be between 0 and %g", maxTemperature))
	}
	if cfg.MaxTokens < 0 || cfg.MaxTokens > maxTokensLimit {
		problems = append(problems, fmt.Sprintf("max_tokens must be between 1 and %d", maxTokensLimit))
	}
	if cfg.MaxTokens == 0 {
		warnings = append(warnings, fmt.Sprintf("max_tokens not set, using %d", defaultMaxTokens))
	}
	if cfg.Timeout < 0 {
		problems = append(problems, "timeout must not be negative")
	}
	return problems, warnings
}

func maxTokens(cfg models.ProviderConfig) int {
	if cfg.MaxTokens > 0 {
		return cfg.MaxTokens
	}
	return defaultMaxTokens
}

func requestTimeout(cfg models.ProviderConfig) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return defaultTimeout
}

// statusError maps an HTTP status onto the taxonomy. quota marks a 429 whose
// body says the account is out of credit.
func statusError(provider string, status int, quota bool, retryAfter time.Duration, cause error, msg string) *errs.Error {
	var code errs.Code
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = errs.Authentication
	case status == http.StatusTooManyRequests && quota:
		code = errs.QuotaExceeded
	case status == http.StatusTooManyRequests:
		code = errs.RateLimit
	case status == http.StatusPaymentRequired:
		code = errs.QuotaExceeded
	case status == http.StatusBadRequest || status == http.StatusNotFound || status == http.StatusUnprocessableEntity:
		code = errs.Validation
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		code = errs.Timeout
	case status >= 500:
		code = errs.Connection
	default:
		return errs.Classify(cause).WithProvider(provider)
	}

	e := errs.Wrap(code, cause, "%s (status %d)", msg, status).WithProvider(provider)
	if code == errs.RateLimit {
		e.RetryAfter = retryAfter
	}
	return e
}

// contextError tags a context failure of a call.
func contextError(provider string, ctx context.Context, cause error) *errs.Error {
	if ctx.Err() == context.DeadlineExceeded {
		return errs.Wrap(errs.Timeout, cause, "request exceeded its deadline").WithProvider(provider)
	}
	return errs.Wrap(errs.Connection, cause, "request cancelled").WithProvider(provider)
}
