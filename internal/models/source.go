package models

import (
	"fmt"
	"strings"
	"time"
)

// SourceConfig describes one data source to collect from. Name is unique within
// a batch; Type must resolve in the source registry.
type SourceConfig struct {
	Type       string            `json:"type" yaml:"type"`
	Name       string            `json:"name" yaml:"name"`
	Enabled    bool              `json:"enabled" yaml:"enabled"`
	Timeout    time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`         // 0 uses the scheduler default
	MaxRetries *int              `json:"max_retries,omitempty" yaml:"max_retries,omitempty"` // nil means no retries
	Settings   map[string]string `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// Retries returns the configured retry budget, treating nil and negative values as zero.
func (c SourceConfig) Retries() int {
	if c.MaxRetries == nil || *c.MaxRetries < 0 {
		return 0
	}
	return *c.MaxRetries
}

// Setting returns a trimmed per-type setting, or fallback when it is unset.
func (c SourceConfig) Setting(key, fallback string) string {
	if c.Settings == nil {
		return fallback
	}
	if v := strings.TrimSpace(c.Settings[key]); v != "" {
		return v
	}
	return fallback
}

// Granularity is the reporting cadence a time range was built for.
type Granularity string

const (
	GranularityDaily   Granularity = "daily"
	GranularityWeekly  Granularity = "weekly"
	GranularityMonthly Granularity = "monthly"
)

// IsValid reports whether the granularity is one of the known values.
func (g Granularity) IsValid() bool {
	switch g {
	case GranularityDaily, GranularityWeekly, GranularityMonthly:
		return true
	default:
		return false
	}
}

// TimeRange is the shared collection window for a batch run.
type TimeRange struct {
	Start       time.Time   `json:"start" yaml:"start"`
	End         time.Time   `json:"end" yaml:"end"`
	Granularity Granularity `json:"granularity" yaml:"granularity"`
}

// NewTimeRange validates and builds a time range.
func NewTimeRange(start, end time.Time, granularity Granularity) (TimeRange, error) {
	tr := TimeRange{Start: start, End: end, Granularity: granularity}
	if err := tr.Validate(); err != nil {
		return TimeRange{}, err
	}
	return tr, nil
}

// TimeRangeEnding returns the window of the given granularity that ends at end.
func TimeRangeEnding(end time.Time, granularity Granularity) (TimeRange, error) {
	var start time.Time
	switch granularity {
	case GranularityDaily:
		start = end.Add(-24 * time.Hour)
	case GranularityWeekly:
		start = end.AddDate(0, 0, -7)
	case GranularityMonthly:
		start = end.AddDate(0, -1, 0)
	default:
		return TimeRange{}, fmt.Errorf("unknown granularity: %q", granularity)
	}
	return NewTimeRange(start, end, granularity)
}

// Validate checks the start <= end invariant and the granularity.
func (t TimeRange) Validate() error {
	if t.Start.After(t.End) {
		return fmt.Errorf("time range start %s is after end %s", t.Start.Format(time.RFC3339), t.End.Format(time.RFC3339))
	}
	if !t.Granularity.IsValid() {
		return fmt.Errorf("unknown granularity: %q", t.Granularity)
	}
	return nil
}

// Contains reports whether ts falls inside the inclusive window.
func (t TimeRange) Contains(ts time.Time) bool {
	return !ts.Before(t.Start) && !ts.After(t.End)
}

// String formats the range as "2006-01-02 to 2006-01-02".
func (t TimeRange) String() string {
	return fmt.Sprintf("%s to %s", t.Start.Format("2006-01-02"), t.End.Format("2006-01-02"))
}

// Record is a single unit of activity (a commit, a feed item, a row).
type Record struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Author    string            `json:"author,omitempty"`
	Title     string            `json:"title"`
	Body      string            `json:"body,omitempty"`
	URL       string            `json:"url,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Summary renders a one-line description used in prompts.
func (r Record) Summary() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(r.Timestamp.Format("2006-01-02 15:04"))
	b.WriteString("]")
	if r.Author != "" {
		b.WriteString(" ")
		b.WriteString(r.Author)
		b.WriteString(":")
	}
	b.WriteString(" ")
	b.WriteString(r.Title)
	return b.String()
}

// CollectedBatch is the output of one collector invocation. It is not modified
// after the collector returns it.
type CollectedBatch struct {
	Source      string    `json:"source"`
	Type        string    `json:"type"`
	TimeRange   TimeRange `json:"time_range"`
	Records     []Record  `json:"records"`
	CollectedAt time.Time `json:"collected_at"`
}

// Authors returns the distinct, non-empty authors across batches in first-seen order.
func Authors(batches []CollectedBatch) []string {
	seen := make(map[string]struct{})
	var authors []string
	for _, b := range batches {
		for _, r := range b.Records {
			if r.Author == "" {
				continue
			}
			if _, ok := seen[r.Author]; ok {
				continue
			}
			seen[r.Author] = struct{}{}
			authors = append(authors, r.Author)
		}
	}
	return authors
}

// SourceNames returns the source names of the batches in order.
func SourceNames(batches []CollectedBatch) []string {
	names := make([]string, 0, len(batches))
	for _, b := range batches {
		names = append(names, b.Source)
	}
	return names
}

// RecordCount totals the records across batches.
func RecordCount(batches []CollectedBatch) int {
	total := 0
	for _, b := range batches {
		total += len(b.Records)
	}
	return total
}
