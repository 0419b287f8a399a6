package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/STRATINT/digest/internal/errs"
	"github.com/STRATINT/digest/internal/models"
	"gopkg.in/yaml.v3"
)

// Job is a digest job definition read from a YAML or JSON file.
type Job struct {
	Name        string                `yaml:"name"`
	ReportType  models.ReportType     `yaml:"report_type"`
	Granularity models.Granularity    `yaml:"granularity"`
	Template    string                `yaml:"template,omitempty"`
	Sources     []models.SourceConfig `yaml:"sources"`
	Collection  JobCollection         `yaml:"collection"`
	Provider    models.ProviderConfig `yaml:"provider"`
	Retry       *JobRetry             `yaml:"retry,omitempty"`
	Fallback    *JobFallback          `yaml:"fallback,omitempty"`
	Deduplicate bool                  `yaml:"deduplicate"`
	Schedule    JobSchedule           `yaml:"schedule"`
}

// JobSchedule sets when `digest watch` runs the job. Weekly jobs run on
// Weekday and monthly jobs on DayOfMonth, both at TimeOfDay.
type JobSchedule struct {
	TimeOfDay  string `yaml:"time_of_day"`
	Weekday    string `yaml:"weekday"`
	DayOfMonth int    `yaml:"day_of_month"`
}

// JobCollection overrides scheduler options for a job.
type JobCollection struct {
	Sequential     bool          `yaml:"sequential"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	FailFast       bool          `yaml:"fail_fast"`
	GlobalTimeout  time.Duration `yaml:"global_timeout"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

// JobRetry mirrors the processor retry policy.
type JobRetry struct {
	MaxRetries        *int          `yaml:"max_retries"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	RetryableCodes    []string      `yaml:"retryable_codes"`
}

// JobFallback mirrors the processor fallback policy.
type JobFallback struct {
	Enabled          bool                    `yaml:"enabled"`
	Providers        []models.ProviderConfig `yaml:"providers"`
	SimplifiedPrompt string                  `yaml:"simplified_prompt,omitempty"`
	TemplateReport   *models.ProcessedReport `yaml:"template_report,omitempty"`
}

// durationKeys are the job fields decoded into time.Duration. yaml.v3 would
// read a bare number as nanoseconds, so they must be strings like "30s".
var durationKeys = map[string]bool{
	"timeout":         true,
	"global_timeout":  true,
	"default_timeout": true,
	"retry_delay":     true,
	"base_delay":      true,
	"max_delay":       true,
}

// LoadJob reads and validates a job file. JSON files are accepted since JSON
// is a subset of YAML; durations are written as strings ("30s") in both.
func LoadJob(path string) (Job, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Job{}, fmt.Errorf("failed to read job file: %w", err)
	}
	return ParseJob(raw)
}

// ParseJob decodes and validates a job definition.
func ParseJob(raw []byte) (Job, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Job{}, fmt.Errorf("failed to parse job: %w", err)
	}
	if err := checkDurations(&doc); err != nil {
		return Job{}, err
	}

	var job Job
	if err := doc.Decode(&job); err != nil {
		return Job{}, fmt.Errorf("failed to parse job: %w", err)
	}

	if job.Granularity == "" {
		job.Granularity = models.GranularityWeekly
	}
	if job.ReportType == "" {
		job.ReportType = models.ReportTypeFor(job.Granularity)
	}

	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Validate checks the job for structural errors. Source-type specific settings
// are validated later by the collectors themselves.
func (j Job) Validate() error {
	if !j.Granularity.IsValid() {
		return fmt.Errorf("invalid granularity %q", j.Granularity)
	}
	if !j.ReportType.IsValid() {
		return fmt.Errorf("invalid report_type %q", j.ReportType)
	}
	if len(j.Sources) == 0 {
		return fmt.Errorf("job must define at least one source")
	}

	seen := make(map[string]struct{}, len(j.Sources))
	for i, src := range j.Sources {
		if src.Name == "" {
			return fmt.Errorf("source %d: name is required", i)
		}
		if src.Type == "" {
			return fmt.Errorf("source %q: type is required", src.Name)
		}
		if _, dup := seen[src.Name]; dup {
			return fmt.Errorf("source %q: duplicate name", src.Name)
		}
		seen[src.Name] = struct{}{}
	}

	if j.Collection.MaxConcurrency < 0 {
		return fmt.Errorf("collection.max_concurrency must not be negative")
	}
	if j.Provider.Provider == "" {
		return fmt.Errorf("provider.provider is required")
	}
	if j.Retry != nil {
		if j.Retry.MaxDelay > 0 && j.Retry.MaxDelay < j.Retry.BaseDelay {
			return fmt.Errorf("retry.max_delay must not be lower than retry.base_delay")
		}
		for _, code := range j.Retry.RetryableCodes {
			if !slices.Contains(errs.Codes(), errs.Code(code)) {
				return fmt.Errorf("retry.retryable_codes: unknown code %q", code)
			}
		}
	}
	if j.Schedule.DayOfMonth < 0 || j.Schedule.DayOfMonth > 28 {
		return fmt.Errorf("schedule.day_of_month must be between 1 and 28")
	}
	if j.Fallback != nil {
		for i, p := range j.Fallback.Providers {
			if p.Provider == "" {
				return fmt.Errorf("fallback provider %d: provider is required", i)
			}
		}
	}
	return nil
}

// checkDurations rejects numeric values for duration fields. Source settings
// are free-form strings and are not inspected.
func checkDurations(n *yaml.Node) error {
	switch n.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, child := range n.Content {
			if err := checkDurations(child); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, value := n.Content[i], n.Content[i+1]
			if key.Value == "settings" {
				continue
			}
			if durationKeys[key.Value] && value.Kind == yaml.ScalarNode {
				switch value.ShortTag() {
				case "!!int", "!!float":
					return fmt.Errorf("line %d: %s must be a duration string such as \"30s\", got %s", value.Line, key.Value, value.Value)
				}
			}
			if err := checkDurations(value); err != nil {
				return err
			}
		}
	}
	return nil
}
