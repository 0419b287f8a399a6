package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/STRATINT/digest/internal/errs"
	"github.com/STRATINT/digest/internal/models"
	"github.com/STRATINT/digest/internal/registry"
)

// fakeCollector is a configurable Collector for scheduler tests.
type fakeCollector struct {
	typ       string
	delays    map[string]time.Duration // per source name
	failFirst int                      // failed attempts before succeeding
	failWith  error
	invalid   bool
	nilBatch  bool
	panicMsg  string

	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32

	mu       sync.Mutex
	attempts map[string]int
}

func (f *fakeCollector) Type() string {
	if f.typ == "" {
		return "fake"
	}
	return f.typ
}

func (f *fakeCollector) Collect(ctx context.Context, cfg models.SourceConfig, tr models.TimeRange) (*models.CollectedBatch, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	if f.panicMsg != "" {
		panic(f.panicMsg)
	}

	if d := f.delays[cfg.Name]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	if f.attempts == nil {
		f.attempts = map[string]int{}
	}
	f.attempts[cfg.Name]++
	attempt := f.attempts[cfg.Name]
	f.mu.Unlock()

	if f.failWith != nil && attempt <= f.failFirst {
		return nil, f.failWith
	}
	if f.nilBatch {
		return nil, nil
	}

	return &models.CollectedBatch{
		Source:    cfg.Name,
		Type:      f.Type(),
		TimeRange: tr,
		Records: []models.Record{
			{ID: cfg.Name + "-1", Author: "alice", Title: "change", Timestamp: tr.Start},
		},
		CollectedAt: time.Now(),
	}, nil
}

func (f *fakeCollector) Validate(cfg models.SourceConfig) models.ValidationResult {
	if f.invalid {
		return models.Invalid("settings.path is required")
	}
	return models.Valid()
}

func (f *fakeCollector) TestConnection(ctx context.Context, cfg models.SourceConfig) (bool, error) {
	return !f.invalid, nil
}

func (f *fakeCollector) ConfigSchema() Schema {
	return objectSchema("fake", "test collector", nil, nil)
}

func testRange(t *testing.T) models.TimeRange {
	t.Helper()
	end := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	tr, err := models.TimeRangeEnding(end, models.GranularityWeekly)
	if err != nil {
		t.Fatalf("TimeRangeEnding: %v", err)
	}
	return tr
}

func newTestScheduler(t *testing.T, collectors ...Collector) *Scheduler {
	t.Helper()
	sources := registry.New[Collector]()
	for _, c := range collectors {
		if err := sources.Register(c.Type(), c, nil); err != nil {
			t.Fatalf("register %s: %v", c.Type(), err)
		}
	}
	return NewScheduler(sources, nil, nil)
}

func source(name string) models.SourceConfig {
	return models.SourceConfig{Type: "fake", Name: name, Enabled: true}
}

func retries(n int) *int { return &n }

func TestCollect_ConcurrentIsFasterThanSequential(t *testing.T) {
	fake := &fakeCollector{delays: map[string]time.Duration{
		"fast": 50 * time.Millisecond,
		"slow": 500 * time.Millisecond,
	}}
	s := newTestScheduler(t, fake)
	configs := []models.SourceConfig{source("fast"), source("slow")}

	start := time.Now()
	res, err := s.Collect(context.Background(), configs, testRange(t), Options{})
	concurrent := time.Since(start)
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if res.Summary.Successful != 2 {
		t.Fatalf("expected 2 successes, got %+v", res.Summary)
	}
	if concurrent >= 600*time.Millisecond {
		t.Errorf("concurrent run took %v, want < 600ms", concurrent)
	}

	start = time.Now()
	res, err = s.Collect(context.Background(), configs, testRange(t), Options{Sequential: true})
	sequential := time.Since(start)
	if err != nil {
		t.Fatalf("sequential Collect returned error: %v", err)
	}
	if sequential < 500*time.Millisecond {
		t.Errorf("sequential run took %v, want >= 500ms", sequential)
	}
	if res.Batches[0].Source != "fast" || res.Batches[1].Source != "slow" {
		t.Errorf("sequential batches not in config order: %s, %s", res.Batches[0].Source, res.Batches[1].Source)
	}
}

func TestCollect_RespectsConcurrencyLimit(t *testing.T) {
	fake := &fakeCollector{delays: map[string]time.Duration{
		"a": 500 * time.Millisecond,
		"b": 500 * time.Millisecond,
		"c": 500 * time.Millisecond,
	}}
	s := newTestScheduler(t, fake)

	start := time.Now()
	res, err := s.Collect(context.Background(),
		[]models.SourceConfig{source("a"), source("b"), source("c")},
		testRange(t), Options{MaxConcurrency: 2})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}

	if got := fake.maxSeen.Load(); got > 2 {
		t.Errorf("observed %d in-flight collections, limit is 2", got)
	}
	if elapsed < 900*time.Millisecond || elapsed > 1500*time.Millisecond {
		t.Errorf("expected two waves (~1s), took %v", elapsed)
	}
	if res.Summary.Successful != 3 {
		t.Errorf("expected 3 successes, got %+v", res.Summary)
	}
}

func TestCollect_ProgressIsMonotonicAndEndsAt100(t *testing.T) {
	fake := &fakeCollector{delays: map[string]time.Duration{
		"a": 10 * time.Millisecond,
		"b": 30 * time.Millisecond,
	}}
	broken := &fakeCollector{typ: "broken", invalid: true}
	s := newTestScheduler(t, fake, broken)

	configs := []models.SourceConfig{
		source("a"),
		source("b"),
		{Type: "broken", Name: "c", Enabled: true},
		{Type: "fake", Name: "off", Enabled: false},
	}

	var events []ProgressEvent
	res, err := s.Collect(context.Background(), configs, testRange(t), Options{
		OnProgress: func(ev ProgressEvent) { events = append(events, ev) },
	})
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}

	if len(events) < 3 {
		t.Fatalf("expected at least one event per enabled source, got %d", len(events))
	}
	prev := -1
	for _, ev := range events {
		if ev.Settled() < prev {
			t.Errorf("progress went backwards: %+v", events)
		}
		prev = ev.Settled()
		if ev.Total != 3 {
			t.Errorf("expected total 3, got %d", ev.Total)
		}
	}
	if last := events[len(events)-1]; last.Percentage != 100 {
		t.Errorf("last event percentage = %v, want 100", last.Percentage)
	}

	sum := res.Summary
	if sum.Total != 4 || sum.Enabled != 3 || sum.Disabled != 1 {
		t.Errorf("unexpected counts %+v", sum)
	}
	if sum.Successful+sum.Failed != sum.Enabled {
		t.Errorf("successful+failed != enabled: %+v", sum)
	}
	if len(res.Batches) != sum.Successful || len(res.Errors) != sum.Failed {
		t.Errorf("batches/errors do not match summary: %d/%d vs %+v", len(res.Batches), len(res.Errors), sum)
	}
}

func TestCollect_DisabledSourcesAreNotAttempted(t *testing.T) {
	fake := &fakeCollector{}
	s := newTestScheduler(t, fake)

	off := source("off")
	off.Enabled = false

	res, err := s.Collect(context.Background(), []models.SourceConfig{off}, testRange(t), Options{})
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if fake.calls.Load() != 0 {
		t.Errorf("disabled source was collected %d times", fake.calls.Load())
	}
	if res.Summary.Disabled != 1 || res.Summary.Enabled != 0 {
		t.Errorf("unexpected summary %+v", res.Summary)
	}
}

func TestCollect_EmptyConfigsEmitsFinalEvent(t *testing.T) {
	s := newTestScheduler(t, &fakeCollector{})

	run := s.Start(context.Background(), nil, testRange(t), Options{})
	var events []ProgressEvent
	for ev := range run.Progress() {
		events = append(events, ev)
	}
	res, err := run.Wait()
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if len(events) != 1 || events[0].Percentage != 100 {
		t.Errorf("expected a single 100%% event, got %+v", events)
	}
	if res.Summary.Total != 0 {
		t.Errorf("unexpected summary %+v", res.Summary)
	}
}

func TestCollect_RetriesUntilSuccess(t *testing.T) {
	const failures = 2
	fake := &fakeCollector{failFirst: failures, failWith: errors.New("connection refused")}
	s := newTestScheduler(t, fake)

	cfg := source("flaky")
	cfg.MaxRetries = retries(3)

	res, err := s.Collect(context.Background(), []models.SourceConfig{cfg}, testRange(t), Options{})
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if res.Summary.Successful != 1 {
		t.Fatalf("expected success after retries, got %+v", res.Summary)
	}
	task := res.Tasks[0]
	if task.Attempts != failures+1 {
		t.Errorf("expected %d attempts, got %d", failures+1, task.Attempts)
	}
	if len(task.Failures) != failures {
		t.Errorf("expected %d recorded failures, got %d", failures, len(task.Failures))
	}
}

func TestCollect_NoRetriesByDefault(t *testing.T) {
	fake := &fakeCollector{failFirst: 1, failWith: errors.New("connection refused")}
	s := newTestScheduler(t, fake)

	res, err := s.Collect(context.Background(), []models.SourceConfig{source("once")}, testRange(t), Options{})
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if fake.calls.Load() != 1 {
		t.Errorf("expected exactly one attempt, got %d", fake.calls.Load())
	}
	if res.Summary.Failed != 1 || !errs.HasCode(res.Errors[0], errs.Connection) {
		t.Errorf("expected one connection failure, got %+v %v", res.Summary, res.Errors)
	}
	if res.Errors[0].Source != "once" {
		t.Errorf("error not tagged with source: %+v", res.Errors[0])
	}
}

func TestCollect_ValidationFailures(t *testing.T) {
	invalid := &fakeCollector{typ: "strict", invalid: true}
	s := newTestScheduler(t, invalid)

	configs := []models.SourceConfig{
		{Type: "unknown", Name: "mystery", Enabled: true, MaxRetries: retries(3)},
		{Type: "strict", Name: "misconfigured", Enabled: true, MaxRetries: retries(3)},
	}

	res, err := s.Collect(context.Background(), configs, testRange(t), Options{})
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if res.Summary.Failed != 2 {
		t.Fatalf("expected 2 failures, got %+v", res.Summary)
	}
	for _, e := range res.Errors {
		if e.Code != errs.Validation {
			t.Errorf("expected validation error, got %v", e)
		}
	}
	if invalid.calls.Load() != 0 {
		t.Errorf("invalid source was collected")
	}
	for _, task := range res.Tasks {
		if task.Attempts > 1 {
			t.Errorf("validation failure for %s was retried", task.Name)
		}
	}
}

func TestCollect_TaskTimeout(t *testing.T) {
	fake := &fakeCollector{delays: map[string]time.Duration{"hang": 5 * time.Second}}
	s := newTestScheduler(t, fake)

	cfg := source("hang")
	cfg.Timeout = 50 * time.Millisecond

	start := time.Now()
	res, err := s.Collect(context.Background(), []models.SourceConfig{cfg}, testRange(t), Options{})
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("task timeout was not enforced")
	}
	if res.Summary.Failed != 1 || !errs.HasCode(res.Errors[0], errs.Timeout) {
		t.Errorf("expected a timeout failure, got %+v", res.Errors)
	}
}

func TestCollect_DefaultTimeoutOption(t *testing.T) {
	fake := &fakeCollector{delays: map[string]time.Duration{"hang": 5 * time.Second}}
	s := newTestScheduler(t, fake)

	res, err := s.Collect(context.Background(), []models.SourceConfig{source("hang")}, testRange(t),
		Options{DefaultTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if !errs.HasCode(res.Errors[0], errs.Timeout) {
		t.Errorf("expected timeout, got %v", res.Errors[0])
	}
}

func TestCollect_FailFastAborts(t *testing.T) {
	for _, sequential := range []bool{false, true} {
		t.Run(fmt.Sprintf("sequential=%v", sequential), func(t *testing.T) {
			good := &fakeCollector{delays: map[string]time.Duration{"late": 300 * time.Millisecond}}
			bad := &fakeCollector{typ: "bad", failFirst: 1, failWith: errs.New(errs.Authentication, "denied")}
			s := newTestScheduler(t, good, bad)

			configs := []models.SourceConfig{
				{Type: "bad", Name: "broken", Enabled: true},
				source("late"),
			}

			var last ProgressEvent
			res, err := s.Collect(context.Background(), configs, testRange(t), Options{
				Sequential: sequential,
				FailFast:   true,
				OnProgress: func(ev ProgressEvent) { last = ev },
			})
			if res != nil {
				t.Errorf("expected nil result on abort, got %+v", res.Summary)
			}
			if !errors.Is(err, ErrCollectionAborted) {
				t.Fatalf("expected ErrCollectionAborted, got %v", err)
			}
			if !errs.HasCode(err, errs.Authentication) {
				t.Errorf("abort error should carry the task error, got %v", err)
			}
			if last.Percentage != 100 {
				t.Errorf("final progress = %v, want 100", last.Percentage)
			}
			if sequential && good.calls.Load() != 0 {
				t.Errorf("sequential fail-fast should not start later tasks")
			}
		})
	}
}

func TestCollect_ContinueOnErrorKeepsSuccesses(t *testing.T) {
	good := &fakeCollector{}
	bad := &fakeCollector{typ: "bad", failFirst: 1, failWith: errors.New("rate limit exceeded")}
	s := newTestScheduler(t, good, bad)

	res, err := s.Collect(context.Background(), []models.SourceConfig{
		{Type: "bad", Name: "limited", Enabled: true},
		source("ok"),
	}, testRange(t), Options{})
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if res.Summary.Successful != 1 || res.Summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", res.Summary)
	}
	if res.Errors[0].Code != errs.RateLimit {
		t.Errorf("expected rate limit, got %s", res.Errors[0].Code)
	}
	if res.Summary.Records != 1 {
		t.Errorf("expected 1 record, got %d", res.Summary.Records)
	}
}

func TestCollect_GlobalTimeout(t *testing.T) {
	fake := &fakeCollector{delays: map[string]time.Duration{
		"a": 5 * time.Second,
		"b": 5 * time.Second,
	}}
	s := newTestScheduler(t, fake)

	start := time.Now()
	res, err := s.Collect(context.Background(), []models.SourceConfig{source("a"), source("b")}, testRange(t),
		Options{GlobalTimeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("global timeout not enforced")
	}
	if res.Summary.Failed != 2 {
		t.Errorf("expected both tasks to fail, got %+v", res.Summary)
	}
}

func TestCollect_InvalidTimeRange(t *testing.T) {
	s := newTestScheduler(t, &fakeCollector{})
	tr := testRange(t)
	tr.Start, tr.End = tr.End, tr.Start

	_, err := s.Collect(context.Background(), []models.SourceConfig{source("a")}, tr, Options{})
	if !errs.HasCode(err, errs.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTestSources(t *testing.T) {
	ok := &fakeCollector{}
	down := &fakeCollector{typ: "down", invalid: true}
	s := newTestScheduler(t, ok, down)

	results := s.TestSources(context.Background(), []models.SourceConfig{
		source("fine"),
		{Type: "down", Name: "unreachable", Enabled: true},
		{Type: "nope", Name: "unknown", Enabled: true},
		{Type: "fake", Name: "skipped", Enabled: false},
	})

	if results["fine"] != nil {
		t.Errorf("expected fine to pass, got %v", results["fine"])
	}
	if !errs.HasCode(results["unreachable"], errs.Connection) {
		t.Errorf("expected connection error, got %v", results["unreachable"])
	}
	if !errs.HasCode(results["unknown"], errs.Validation) {
		t.Errorf("expected validation error, got %v", results["unknown"])
	}
	if _, present := results["skipped"]; present {
		t.Errorf("disabled sources should not be tested")
	}
}
