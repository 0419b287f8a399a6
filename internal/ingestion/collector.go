package ingestion

import (
	"context"

	"github.com/STRATINT/digest/internal/models"
)

// Collector turns one source configuration and time window into a batch of
// records. Implementations must be safe to call again after a failure.
type Collector interface {
	// Type returns the registry key this collector serves.
	Type() string

	// Collect gathers the records of cfg that fall inside tr. The context is
	// cancelled when the task times out; implementations should stop early.
	Collect(ctx context.Context, cfg models.SourceConfig, tr models.TimeRange) (*models.CollectedBatch, error)

	// Validate checks the type-specific settings without touching the source.
	Validate(cfg models.SourceConfig) models.ValidationResult

	// TestConnection verifies the source is reachable.
	TestConnection(ctx context.Context, cfg models.SourceConfig) (bool, error)

	// ConfigSchema describes the accepted settings for external tooling.
	ConfigSchema() Schema
}

// Schema is a JSON-Schema-like description of a collector's settings.
type Schema struct {
	Title       string                    `json:"title"`
	Description string                    `json:"description,omitempty"`
	Type        string                    `json:"type"`
	Properties  map[string]SchemaProperty `json:"properties"`
	Required    []string                  `json:"required,omitempty"`
}

// SchemaProperty describes one setting.
type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Default     string `json:"default,omitempty"`
}

func objectSchema(title, description string, required []string, props map[string]SchemaProperty) Schema {
	return Schema{
		Title:       title,
		Description: description,
		Type:        "object",
		Properties:  props,
		Required:    required,
	}
}

// requireSettings returns an error message for each missing key.
func requireSettings(cfg models.SourceConfig, keys ...string) []string {
	var missing []string
	for _, key := range keys {
		if cfg.Setting(key, "") == "" {
			missing = append(missing, "settings."+key+" is required")
		}
	}
	return missing
}
