package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/STRATINT/digest/internal/errs"
	"github.com/STRATINT/digest/internal/logging"
	"github.com/STRATINT/digest/internal/models"
)

const (
	defaultOllamaURL   = "http://localhost:11434/v1"
	defaultOllamaModel = "llama3.1"
)

var tryAgainIn = regexp.MustCompile(`(?i)try again in ([0-9][0-9hms.]*)\s*(seconds?|secs?)?`)

// OpenAI talks to the OpenAI chat completions API. Registered as "ollama" it
// targets an OpenAI compatible local server instead and needs no key.
type OpenAI struct {
	name   string
	client *http.Client
	logger *slog.Logger
}

// NewOpenAI creates the provider under name ("openai" or "ollama").
func NewOpenAI(name string, client *http.Client, logger *slog.Logger) *OpenAI {
	if client == nil {
		client = &http.Client{}
	}
	return &OpenAI{
		name:   name,
		client: client,
		logger: logging.OrDiscard(logger).With("provider", name),
	}
}

// Name implements Provider.
func (p *OpenAI) Name() string { return p.name }

func (p *OpenAI) local() bool { return p.name == "ollama" }

func (p *OpenAI) newClient(cfg models.ProviderConfig) *openai.Client {
	key := cfg.APIKey
	if key == "" && p.local() {
		key = "ollama"
	}
	conf := openai.DefaultConfig(key)
	conf.HTTPClient = p.client
	switch {
	case cfg.BaseURL != "":
		conf.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	case p.local():
		conf.BaseURL = defaultOllamaURL
	}
	return openai.NewClientWithConfig(conf)
}

func (p *OpenAI) model(cfg models.ProviderConfig) string {
	if cfg.Model == "" && p.local() {
		return defaultOllamaModel
	}
	return cfg.Model
}

// ValidateConfig implements Provider.
func (p *OpenAI) ValidateConfig(cfg models.ProviderConfig) models.ValidationResult {
	problems, warnings := validateCommon(cfg, 2)
	if !p.local() {
		if cfg.APIKey == "" {
			problems = append(problems, "api_key is required")
		}
		if cfg.Model == "" {
			problems = append(problems, "model is required")
		}
	}
	if len(problems) > 0 {
		return models.Invalid(problems...)
	}
	return models.Valid(warnings...)
}

// isReasoningModel reports models that reject system messages, JSON mode and
// max_tokens (o1, o3, o4, gpt-5 families).
func isReasoningModel(model string) bool {
	m := strings.ToLower(model)
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

func (p *OpenAI) buildRequest(req Request, cfg models.ProviderConfig) openai.ChatCompletionRequest {
	model := p.model(cfg)

	if isReasoningModel(model) {
		prompt := req.Prompt
		if req.SystemPrompt != "" {
			prompt = req.SystemPrompt + "\n\n" + req.Prompt
		}
		return openai.ChatCompletionRequest{
			Model:               model,
			MaxCompletionTokens: maxTokens(cfg),
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
		}
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	out := openai.ChatCompletionRequest{
		Model:     model,
		MaxTokens: maxTokens(cfg),
		Messages:  messages,
	}
	if cfg.Temperature != nil {
		out.Temperature = float32(*cfg.Temperature)
	}
	if req.JSONMode {
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return out
}

// SendRequest implements Provider.
func (p *OpenAI) SendRequest(ctx context.Context, req Request, cfg models.ProviderConfig) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout(cfg))
	defer cancel()

	chatReq := p.buildRequest(req, cfg)
	start := time.Now()

	resp, err := p.newClient(cfg).CreateChatCompletion(ctx, chatReq)
	if err != nil {
		tagged := p.translate(ctx, err)
		p.logger.Debug("[CHAT COMPLETION FAILED]",
			"model", chatReq.Model,
			"code", tagged.Code,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil, tagged
	}

	if len(resp.Choices) == 0 {
		return nil, errs.New(errs.Processing, "no choices in response").WithProvider(p.name)
	}

	choice := resp.Choices[0]
	p.logger.Debug("[CHAT COMPLETION]",
		"model", resp.Model,
		"finish_reason", choice.FinishReason,
		"total_tokens", resp.Usage.TotalTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	model := resp.Model
	if model == "" {
		model = chatReq.Model
	}

	return &Response{
		Content: choice.Message.Content,
		Usage: &models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Model:        model,
		FinishReason: string(choice.FinishReason),
	}, nil
}

// translate maps go-openai errors onto the taxonomy.
func (p *OpenAI) translate(ctx context.Context, err error) *errs.Error {
	if ctx.Err() != nil {
		return contextError(p.name, ctx, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		quota := apiErr.Type == "insufficient_quota" || fmt.Sprint(apiErr.Code) == "insufficient_quota"
		return statusError(p.name, apiErr.HTTPStatusCode, quota, retryAfterFromMessage(apiErr.Message), err, apiErr.Message)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return statusError(p.name, reqErr.HTTPStatusCode, false, 0, err, reqErr.Error())
	}

	return errs.Classify(err).WithProvider(p.name)
}

// retryAfterFromMessage reads hints like "Please try again in 20s" or
// "try again in 1.5 seconds".
func retryAfterFromMessage(msg string) time.Duration {
	m := tryAgainIn.FindStringSubmatch(msg)
	if len(m) < 2 {
		return 0
	}
	raw := strings.TrimRight(m[1], ".")
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

// ValidateConnection implements Provider.
func (p *OpenAI) ValidateConnection(ctx context.Context, cfg models.ProviderConfig) bool {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if _, err := p.newClient(cfg).ListModels(ctx); err != nil {
		p.logger.Warn("connection check failed", "error", err)
		return false
	}
	return true
}

// AvailableModels implements Provider.
func (p *OpenAI) AvailableModels(ctx context.Context, cfg models.ProviderConfig) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout(cfg))
	defer cancel()

	list, err := p.newClient(cfg).ListModels(ctx)
	if err != nil {
		return nil, p.translate(ctx, err)
	}

	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// ParseResponse implements Provider.
func (p *OpenAI) ParseResponse(raw string, req Request) (*models.ProcessedReport, error) {
	return parseReport(p.name, raw, req)
}
