package providers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/STRATINT/digest/internal/errs"
	"github.com/STRATINT/digest/internal/logging"
	"github.com/STRATINT/digest/internal/models"
)

// Anthropic talks to the Anthropic messages API.
type Anthropic struct {
	client *http.Client
	logger *slog.Logger
}

// NewAnthropic creates the anthropic provider.
func NewAnthropic(client *http.Client, logger *slog.Logger) *Anthropic {
	if client == nil {
		client = &http.Client{}
	}
	return &Anthropic{
		client: client,
		logger: logging.OrDiscard(logger).With("provider", "anthropic"),
	}
}

// Name implements Provider.
func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) newClient(cfg models.ProviderConfig) anthropic.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(p.client),
		// retries are driven by the processor's policy
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return anthropic.NewClient(opts...)
}

// ValidateConfig implements Provider.
func (p *Anthropic) ValidateConfig(cfg models.ProviderConfig) models.ValidationResult {
	problems, warnings := validateCommon(cfg, 1)
	if cfg.APIKey == "" {
		problems = append(problems, "api_key is required")
	}
	if cfg.Model == "" {
		problems = append(problems, "model is required")
	}
	if len(problems) > 0 {
		return models.Invalid(problems...)
	}
	return models.Valid(warnings...)
}

// SendRequest implements Provider.
func (p *Anthropic) SendRequest(ctx context.Context, req Request, cfg models.ProviderConfig) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout(cfg))
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(cfg.Model),
		MaxTokens: int64(maxTokens(cfg)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if cfg.Temperature != nil {
		params.Temperature = anthropic.Float(*cfg.Temperature)
	}

	start := time.Now()
	client := p.newClient(cfg)
	message, err := client.Messages.New(ctx, params)
	if err != nil {
		tagged := p.translate(ctx, err)
		p.logger.Debug("[MESSAGES FAILED]",
			"model", cfg.Model,
			"code", tagged.Code,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil, tagged
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, errs.New(errs.Processing, "no text content in response").WithProvider(p.Name())
	}

	p.logger.Debug("[MESSAGES]",
		"model", message.Model,
		"stop_reason", message.StopReason,
		"input_tokens", message.Usage.InputTokens,
		"output_tokens", message.Usage.OutputTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	in := int(message.Usage.InputTokens)
	out := int(message.Usage.OutputTokens)
	return &Response{
		Content:      text.String(),
		Usage:        &models.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
		Model:        string(message.Model),
		FinishReason: string(message.StopReason),
	}, nil
}

// translate maps SDK errors onto the taxonomy.
func (p *Anthropic) translate(ctx context.Context, err error) *errs.Error {
	if ctx.Err() != nil {
		return contextError(p.Name(), ctx, err)
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return errs.Classify(err).WithProvider(p.Name())
	}

	msg := apiErr.Error()
	if apiErr.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(msg), "credit balance") {
		return errs.Wrap(errs.QuotaExceeded, err, "%s", msg).WithProvider(p.Name())
	}

	var retryAfter time.Duration
	if apiErr.Response != nil {
		retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
	}
	return statusError(p.Name(), apiErr.StatusCode, false, retryAfter, err, msg)
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ValidateConnection implements Provider.
func (p *Anthropic) ValidateConnection(ctx context.Context, cfg models.ProviderConfig) bool {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client := p.newClient(cfg)
	if _, err := client.Models.List(ctx, anthropic.ModelListParams{}); err != nil {
		p.logger.Warn("connection check failed", "error", err)
		return false
	}
	return true
}

// AvailableModels implements Provider.
func (p *Anthropic) AvailableModels(ctx context.Context, cfg models.ProviderConfig) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout(cfg))
	defer cancel()

	client := p.newClient(cfg)
	page, err := client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, p.translate(ctx, err)
	}

	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// ParseResponse implements Provider.
func (p *Anthropic) ParseResponse(raw string, req Request) (*models.ProcessedReport, error) {
	return parseReport(p.Name(), raw, req)
}
