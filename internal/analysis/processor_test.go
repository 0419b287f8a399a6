package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/STRATINT/digest/internal/errs"
	"github.com/STRATINT/digest/internal/models"
	"github.com/STRATINT/digest/internal/providers"
	"github.com/STRATINT/digest/internal/registry"
)

// scriptedProvider fails with the queued errors, then succeeds.
type scriptedProvider struct {
	name    string
	invalid []string
	content string
	failing bool
	panics  bool

	mu    sync.Mutex
	queue []error
	calls int
	log   *[]string
}

func (s *scriptedProvider) Name() string { return s.name }

func (s *scriptedProvider) SendRequest(ctx context.Context, req providers.Request, cfg models.ProviderConfig) (*providers.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.log != nil {
		*s.log = append(*s.log, s.name)
	}
	if s.panics {
		panic("boom")
	}
	if len(s.queue) > 0 {
		err := s.queue[0]
		s.queue = s.queue[1:]
		return nil, err
	}
	if s.failing {
		return nil, errs.New(errs.Connection, "%s is down", s.name).WithProvider(s.name)
	}
	content := s.content
	if content == "" {
		content = `{"title":"T","summary":"S","sections":[{"title":"A","content":"B","priority":"high"}]}`
	}
	return &providers.Response{Content: content, Model: "m-" + s.name, Usage: &models.Usage{TotalTokens: 10}}, nil
}

func (s *scriptedProvider) ValidateConnection(ctx context.Context, cfg models.ProviderConfig) bool {
	if s.panics {
		panic("boom")
	}
	return !s.failing
}

func (s *scriptedProvider) ValidateConfig(cfg models.ProviderConfig) models.ValidationResult {
	if len(s.invalid) > 0 {
		return models.Invalid(s.invalid...)
	}
	return models.Valid()
}

func (s *scriptedProvider) AvailableModels(ctx context.Context, cfg models.ProviderConfig) ([]string, error) {
	return []string{"m-" + s.name}, nil
}

func (s *scriptedProvider) ParseResponse(raw string, req providers.Request) (*models.ProcessedReport, error) {
	var out models.ProcessedReport
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, errs.Wrap(errs.ResponseParsing, err, "bad json")
	}
	out.Metadata.ReportType = req.ReportType
	return &out, nil
}

func (s *scriptedProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type harness struct {
	processor *Processor
	delays    []time.Duration
	logs      *bytes.Buffer
}

func newHarness(t *testing.T, provs ...*scriptedProvider) *harness {
	t.Helper()
	reg := registry.New[providers.Provider]()
	for _, p := range provs {
		if err := reg.Register(p.name, p, nil); err != nil {
			t.Fatalf("register %s: %v", p.name, err)
		}
	}

	h := &harness{logs: &bytes.Buffer{}}
	logger := slog.New(slog.NewJSONHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h.processor = NewProcessor(reg, logger, nil)
	h.processor.sleep = func(ctx context.Context, d time.Duration) error {
		h.delays = append(h.delays, d)
		return ctx.Err()
	}
	h.processor.jitter = func(time.Duration) time.Duration { return 0 }
	h.processor.newRequestID = func() string { return "req-test" }
	return h
}

func fastPolicy(retries int) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:        retries,
		BaseDelay:         10 * time.Millisecond,
		MaxDelay:          100 * time.Millisecond,
		BackoffMultiplier: 2,
		RetryableCodes:    []errs.Code{errs.RateLimit, errs.Connection, errs.Processing},
	}
}

func weeklyBatches() []models.CollectedBatch {
	tr := models.TimeRange{
		Start:       time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC),
		Granularity: models.GranularityWeekly,
	}
	return []models.CollectedBatch{{
		Source:    "api",
		Type:      "git",
		TimeRange: tr,
		Records: []models.Record{
			{ID: "1", Author: "ana", Title: "fix login", Timestamp: tr.Start.Add(time.Hour)},
			{ID: "2", Author: "bo", Title: "add cache", Timestamp: tr.Start.Add(2 * time.Hour)},
		},
	}}
}

func TestProcessSuccess(t *testing.T) {
	primary := &scriptedProvider{name: "primary"}
	h := newHarness(t, primary)

	report, err := h.processor.Process(context.Background(), weeklyBatches(), "prompt", models.ProviderConfig{Provider: "primary"}, fastPolicy(3), nil)
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if report.Metadata.ProviderUsed != "primary" || report.Metadata.Model != "m-primary" {
		t.Errorf("unexpected metadata: %+v", report.Metadata)
	}
	if report.Metadata.ReportType != models.ReportTypeWeeklySummary {
		t.Errorf("report type should follow granularity, got %q", report.Metadata.ReportType)
	}
	if report.Metadata.Attempts != 1 || report.Metadata.RequestID != "req-test" {
		t.Errorf("unexpected attempts/request id: %+v", report.Metadata)
	}
	if report.Metadata.ProcessingTimeMs < 0 {
		t.Errorf("processing time must be stamped, got %d", report.Metadata.ProcessingTimeMs)
	}
}

func TestProcessRetriesThenSucceeds(t *testing.T) {
	primary := &scriptedProvider{name: "primary", queue: []error{
		errs.New(errs.Connection, "reset"),
		errs.New(errs.Processing, "overloaded"),
	}}
	h := newHarness(t, primary)

	report, err := h.processor.Process(context.Background(), weeklyBatches(), "prompt", models.ProviderConfig{Provider: "primary"}, fastPolicy(3), nil)
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if primary.callCount() != 3 {
		t.Errorf("expected 3 calls, got %d", primary.callCount())
	}
	if report.Metadata.Attempts != 3 {
		t.Errorf("expected attempts 3, got %d", report.Metadata.Attempts)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if len(h.delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, h.delays)
	}
	for i := range want {
		if h.delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, h.delays[i], want[i])
		}
	}
}

func TestProcessStopsAfterMaxRetries(t *testing.T) {
	primary := &scriptedProvider{name: "primary", failing: true}
	h := newHarness(t, primary)

	_, err := h.processor.Process(context.Background(), weeklyBatches(), "prompt", models.ProviderConfig{Provider: "primary"}, fastPolicy(2), nil)
	if !errs.HasCode(err, errs.Connection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if primary.callCount() != 3 {
		t.Errorf("maxRetries=2 should give 3 attempts, got %d", primary.callCount())
	}
}

func TestProcessConfigMaxRetriesOverridesPolicy(t *testing.T) {
	primary := &scriptedProvider{name: "primary", failing: true}
	h := newHarness(t, primary)

	zero := 0
	_, err := h.processor.Process(context.Background(), weeklyBatches(), "prompt", models.ProviderConfig{Provider: "primary", MaxRetries: &zero}, fastPolicy(5), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if primary.callCount() != 1 {
		t.Errorf("expected a single attempt, got %d", primary.callCount())
	}
}

func TestProcessNonRetryableCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code errs.Code
	}{
		{"authentication", errs.New(errs.Authentication, "bad key"), errs.Authentication},
		{"quota", errs.New(errs.QuotaExceeded, "billing"), errs.QuotaExceeded},
		{"timeout", errs.New(errs.Timeout, "slow"), errs.Timeout},
		{"untyped auth message", errors.New("Authentication failed for key"), errs.Authentication},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &scriptedProvider{name: "primary", queue: []error{tt.err}}
			h := newHarness(t, primary)

			_, err := h.processor.Process(context.Background(), weeklyBatches(), "prompt", models.ProviderConfig{Provider: "primary"}, fastPolicy(3), nil)
			if !errs.HasCode(err, tt.code) {
				t.Fatalf("expected %s, got %v", tt.code, err)
			}
			if primary.callCount() != 1 {
				t.Errorf("non-retryable error should not retry, got %d calls", primary.callCount())
			}
			if len(h.delays) != 0 {
				t.Errorf("no backoff expected, got %v", h.delays)
			}
		})
	}
}

func TestProcessParseErrorNotRetried(t *testing.T) {
	primary := &scriptedProvider{name: "primary", content: "{not json"}
	h := newHarness(t, primary)

	_, err := h.processor.Process(context.Background(), weeklyBatches(), "prompt", models.ProviderConfig{Provider: "primary"}, fastPolicy(3), nil)
	if !errs.HasCode(err, errs.ResponseParsing) {
		t.Fatalf("expected response parsing error, got %v", err)
	}
	if primary.callCount() != 1 {
		t.Errorf("expected 1 call, got %d", primary.callCount())
	}
}

func TestProcessRateLimitDelayIsCapped(t *testing.T) {
	limited := errs.New(errs.RateLimit, "slow down")
	limited.RetryAfter = 60 * time.Second
	primary := &scriptedProvider{name: "primary", queue: []error{limited}}
	h := newHarness(t, primary)

	if _, err := h.processor.Process(context.Background(), weeklyBatches(), "prompt", models.ProviderConfig{Provider: "primary"}, fastPolicy(3), nil); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if len(h.delays) != 1 || h.delays[0] != 100*time.Millisecond {
		t.Fatalf("expected one 100ms delay, got %v", h.delays)
	}

	var logged bool
	for _, line := range strings.Split(strings.TrimSpace(h.logs.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry["msg"] != "[PROVIDER RETRY]" {
			continue
		}
		logged = true
		if delay, _ := entry["delay_ms"].(float64); delay > 100 {
			t.Errorf("logged delay %v exceeds max delay", delay)
		}
	}
	if !logged {
		t.Fatal("retry was not logged")
	}
}

func TestProcessUnsupportedProvider(t *testing.T) {
	h := newHarness(t)

	_, err := h.processor.Process(context.Background(), weeklyBatches(), "prompt", models.ProviderConfig{Provider: "nope"}, fastPolicy(3), nil)
	if !errs.HasCode(err, errs.Unsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestProcessInvalidConfigIsNotRetried(t *testing.T) {
	primary := &scriptedProvider{name: "primary", invalid: []string{"api key is required"}}
	h := newHarness(t, primary)

	_, err := h.processor.Process(context.Background(), weeklyBatches(), "prompt", models.ProviderConfig{Provider: "primary"}, fastPolicy(3), nil)
	if !errs.HasCode(err, errs.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "api key is required") {
		t.Errorf("error should carry the validation message: %v", err)
	}
	if primary.callCount() != 0 {
		t.Errorf("invalid config must not reach the provider, got %d calls", primary.callCount())
	}
}

func TestProcessFallbackOrdering(t *testing.T) {
	var order []string
	primary := &scriptedProvider{name: "primary", failing: true, log: &order}
	first := &scriptedProvider{name: "first", failing: true, log: &order}
	second := &scriptedProvider{name: "second", log: &order}
	h := newHarness(t, primary, first, second)

	fallback := &FallbackPolicy{
		Enabled: true,
		FallbackProviders: []models.ProviderConfig{
			{Provider: "first"},
			{Provider: "second"},
		},
	}

	report, err := h.processor.Process(context.Background(), weeklyBatches(), "prompt", models.ProviderConfig{Provider: "primary"}, fastPolicy(1), fallback)
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if report.Metadata.ProviderUsed != "second" {
		t.Errorf("expected second fallback to win, got %q", report.Metadata.ProviderUsed)
	}

	want := []string{"primary", "primary", "first", "first", "second"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("call order = %v, want %v", order, want)
	}
}

func TestProcessTemplateFallback(t *testing.T) {
	primary := &scriptedProvider{name: "primary", failing: true}
	first := &scriptedProvider{name: "first", failing: true}
	second := &scriptedProvider{name: "second", failing: true}
	h := newHarness(t, primary, first, second)

	tmpl := &models.ProcessedReport{
		Title:   "Digest unavailable",
		Summary: "Providers could not be reached.",
		Metadata: models.ReportMetadata{
			ProviderUsed: "template",
		},
	}
	fallback := &FallbackPolicy{
		Enabled:           true,
		FallbackProviders: []models.ProviderConfig{{Provider: "first"}, {Provider: "second"}},
		TemplateReport:    tmpl,
	}

	report, err := h.processor.Process(context.Background(), weeklyBatches(), "prompt", models.ProviderConfig{Provider: "primary"}, fastPolicy(0), fallback)
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if report.Metadata.ProviderUsed != ProviderUsedFallback {
		t.Errorf("expected providerUsed %q, got %q", ProviderUsedFallback, report.Metadata.ProviderUsed)
	}
	if report.Title != tmpl.Title || report.Summary != tmpl.Summary {
		t.Errorf("template must be returned verbatim, got %+v", report)
	}
	if tmpl.Metadata.ProviderUsed != "template" {
		t.Error("configured template must not be mutated")
	}
	if first.callCount() != 1 || second.callCount() != 1 {
		t.Errorf("both fallbacks should be attempted once, got %d/%d", first.callCount(), second.callCount())
	}
}

func TestProcessPropagatesPrimaryError(t *testing.T) {
	primary := &scriptedProvider{name: "primary", queue: []error{errs.New(errs.Authentication, "bad key")}}
	backup := &scriptedProvider{name: "backup", queue: []error{errs.New(errs.QuotaExceeded, "no credit")}}
	h := newHarness(t, primary, backup)

	fallback := &FallbackPolicy{Enabled: true, FallbackProviders: []models.ProviderConfig{{Provider: "backup"}}}

	_, err := h.processor.Process(context.Background(), weeklyBatches(), "prompt", models.ProviderConfig{Provider: "primary"}, fastPolicy(2), fallback)
	if !errs.HasCode(err, errs.Authentication) {
		t.Fatalf("expected the primary authentication error, got %v", err)
	}
	if backup.callCount() != 1 {
		t.Errorf("fallback should have been tried once, got %d", backup.callCount())
	}
}

func TestProcessDisabledFallbackSkipsChain(t *testing.T) {
	primary := &scriptedProvider{name: "primary", failing: true}
	backup := &scriptedProvider{name: "backup"}
	h := newHarness(t, primary, backup)

	fallback := &FallbackPolicy{
		Enabled:           false,
		FallbackProviders: []models.ProviderConfig{{Provider: "backup"}},
		TemplateReport:    &models.ProcessedReport{Title: "t"},
	}

	if _, err := h.processor.Process(context.Background(), weeklyBatches(), "prompt", models.ProviderConfig{Provider: "primary"}, fastPolicy(0), fallback); err == nil {
		t.Fatal("expected error with fallback disabled")
	}
	if backup.callCount() != 0 {
		t.Errorf("disabled fallback must not call backup, got %d", backup.callCount())
	}
}

func TestProcessUnsupportedPrimaryFallsBack(t *testing.T) {
	backup := &scriptedProvider{name: "backup"}
	h := newHarness(t, backup)

	fallback := &FallbackPolicy{Enabled: true, FallbackProviders: []models.ProviderConfig{{Provider: "backup"}}}

	report, err := h.processor.Process(context.Background(), weeklyBatches(), "prompt", models.ProviderConfig{Provider: "missing"}, fastPolicy(0), fallback)
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if report.Metadata.ProviderUsed != "backup" {
		t.Errorf("expected backup, got %q", report.Metadata.ProviderUsed)
	}
}

func TestProcessSimplifiedPromptForFallbacks(t *testing.T) {
	primary := &scriptedProvider{name: "primary", failing: true}
	backup := &recordingProvider{scriptedProvider: scriptedProvider{name: "backup"}}
	reg := registry.New[providers.Provider]()
	reg.MustRegister("primary", primary, nil)
	reg.MustRegister("backup", backup, nil)

	processor := NewProcessor(reg, nil, nil)
	processor.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	fallback := &FallbackPolicy{
		Enabled:           true,
		FallbackProviders: []models.ProviderConfig{{Provider: "backup"}},
		SimplifiedPrompt:  "short version for {{date_range}}",
	}

	if _, err := processor.Process(context.Background(), weeklyBatches(), "the long prompt", models.ProviderConfig{Provider: "primary"}, fastPolicy(0), fallback); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if backup.prompt != "short version for 2024-03-01 to 2024-03-08" {
		t.Errorf("fallback should receive the simplified prompt, got %q", backup.prompt)
	}
}

type recordingProvider struct {
	scriptedProvider
	prompt string
}

func (r *recordingProvider) SendRequest(ctx context.Context, req providers.Request, cfg models.ProviderConfig) (*providers.Response, error) {
	r.prompt = req.Prompt
	return r.scriptedProvider.SendRequest(ctx, req, cfg)
}

func TestProcessCancelledDuringBackoff(t *testing.T) {
	primary := &scriptedProvider{name: "primary", failing: true}
	h := newHarness(t, primary)

	ctx, cancel := context.WithCancel(context.Background())
	h.processor.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := h.processor.Process(ctx, weeklyBatches(), "prompt", models.ProviderConfig{Provider: "primary"}, fastPolicy(5), nil)
	if !errs.HasCode(err, errs.Connection) {
		t.Fatalf("expected last provider error, got %v", err)
	}
	if primary.callCount() != 1 {
		t.Errorf("cancellation should stop retries, got %d calls", primary.callCount())
	}
}

func TestProcessRecoversProviderPanic(t *testing.T) {
	primary := &scriptedProvider{name: "primary", panics: true}
	h := newHarness(t, primary)

	_, err := h.processor.Process(context.Background(), weeklyBatches(), "prompt", models.ProviderConfig{Provider: "primary"}, fastPolicy(0), nil)
	if !errs.HasCode(err, errs.Processing) {
		t.Fatalf("expected processing error from panic, got %v", err)
	}
}

func TestValidateConnection(t *testing.T) {
	healthy := &scriptedProvider{name: "healthy"}
	down := &scriptedProvider{name: "down", failing: true}
	broken := &scriptedProvider{name: "broken", panics: true}
	invalid := &scriptedProvider{name: "invalid", invalid: []string{"model is required"}}
	h := newHarness(t, healthy, down, broken, invalid)

	tests := map[string]bool{
		"healthy": true,
		"down":    false,
		"broken":  false,
		"invalid": false,
		"missing": false,
	}
	for name, want := range tests {
		if got := h.processor.ValidateConnection(context.Background(), models.ProviderConfig{Provider: name}); got != want {
			t.Errorf("ValidateConnection(%s) = %v, want %v", name, got, want)
		}
	}
}

func TestTestProvider(t *testing.T) {
	healthy := &scriptedProvider{name: "healthy"}
	down := &scriptedProvider{name: "down", failing: true}
	h := newHarness(t, healthy, down)

	ok := h.processor.TestProvider(context.Background(), models.ProviderConfig{Provider: "healthy"})
	if !ok.Success || ok.Model != "m-healthy" || ok.Response == "" {
		t.Errorf("unexpected result: %+v", ok)
	}
	if healthy.callCount() != 1 {
		t.Errorf("canary should be a single call, got %d", healthy.callCount())
	}

	failed := h.processor.TestProvider(context.Background(), models.ProviderConfig{Provider: "down"})
	if failed.Success || failed.Code != errs.Connection {
		t.Errorf("unexpected result: %+v", failed)
	}

	missing := h.processor.TestProvider(context.Background(), models.ProviderConfig{Provider: "missing"})
	if missing.Success || missing.Code != errs.Unsupported {
		t.Errorf("unexpected result: %+v", missing)
	}
}

func TestProcessWithLocalProvider(t *testing.T) {
	processor := NewProcessor(providers.DefaultProviders(nil), nil, nil)
	batches := weeklyBatches()
	prompt := GeneratePrompt(batches, models.ReportTypeWeeklySummary, "")

	report, err := processor.Process(context.Background(), batches, prompt, models.ProviderConfig{Provider: "local"}, nil, nil)
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if report.Metadata.ProviderUsed != "local" {
		t.Errorf("expected local provider, got %q", report.Metadata.ProviderUsed)
	}
	if len(report.Sections) != 1 {
		t.Errorf("expected one section per batch, got %d", len(report.Sections))
	}
}
