package models

import "time"

// ReportType selects the prompt template and framing for a report.
type ReportType string

const (
	ReportTypeDailyStandup  ReportType = "daily_standup"
	ReportTypeWeeklySummary ReportType = "weekly_summary"
	ReportTypeMonthlyReview ReportType = "monthly_review"
	ReportTypeCustom        ReportType = "custom"
)

// IsValid reports whether the report type is known.
func (r ReportType) IsValid() bool {
	switch r {
	case ReportTypeDailyStandup, ReportTypeWeeklySummary, ReportTypeMonthlyReview, ReportTypeCustom:
		return true
	default:
		return false
	}
}

// ReportTypeFor maps a granularity to its natural report type.
func ReportTypeFor(g Granularity) ReportType {
	switch g {
	case GranularityDaily:
		return ReportTypeDailyStandup
	case GranularityWeekly:
		return ReportTypeWeeklySummary
	case GranularityMonthly:
		return ReportTypeMonthlyReview
	default:
		return ReportTypeCustom
	}
}

// Priority ranks report sections.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// NormalizePriority maps free-form model output onto a known priority.
func NormalizePriority(raw string) Priority {
	switch Priority(raw) {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(raw)
	case "critical", "urgent":
		return PriorityHigh
	case "minor":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// ProcessedReport is the structured output of the AI processor.
type ProcessedReport struct {
	Title    string          `json:"title" yaml:"title"`
	Summary  string          `json:"summary" yaml:"summary"`
	Sections []ReportSection `json:"sections" yaml:"sections"`
	Metadata ReportMetadata  `json:"metadata" yaml:"metadata"`
}

// ReportSection is one titled block of a report.
type ReportSection struct {
	Title    string   `json:"title" yaml:"title"`
	Content  string   `json:"content" yaml:"content"`
	Priority Priority `json:"priority" yaml:"priority"`
}

// ReportMetadata describes how a report was produced.
type ReportMetadata struct {
	GeneratedAt      time.Time  `json:"generated_at" yaml:"generated_at"`
	ReportType       ReportType `json:"report_type" yaml:"report_type"`
	TimeRange        TimeRange  `json:"time_range" yaml:"time_range"`
	SourcesUsed      []string   `json:"sources_used" yaml:"sources_used"`
	ProviderUsed     string     `json:"provider_used" yaml:"provider_used"`
	Model            string     `json:"model" yaml:"model"`
	ProcessingTimeMs int64      `json:"processing_time_ms" yaml:"processing_time_ms"`
	RequestID        string     `json:"request_id,omitempty" yaml:"request_id,omitempty"`
	Attempts         int        `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	Usage            *Usage     `json:"usage,omitempty" yaml:"usage,omitempty"`
}

// Usage captures token accounting returned by a provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Clone returns a deep copy so callers can stamp metadata without touching the original.
func (r *ProcessedReport) Clone() *ProcessedReport {
	if r == nil {
		return nil
	}
	out := *r
	out.Sections = append([]ReportSection(nil), r.Sections...)
	out.Metadata.SourcesUsed = append([]string(nil), r.Metadata.SourcesUsed...)
	if r.Metadata.Usage != nil {
		u := *r.Metadata.Usage
		out.Metadata.Usage = &u
	}
	return &out
}
