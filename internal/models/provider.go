package models

import "time"

// ProviderConfig selects and parameterizes an AI provider for one request.
type ProviderConfig struct {
	Provider    string        `json:"provider" yaml:"provider"`
	Model       string        `json:"model" yaml:"model"`
	APIKey      string        `json:"-" yaml:"api_key,omitempty"`
	BaseURL     string        `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Temperature *float64      `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries  *int          `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// ValidationResult is returned by collector and provider config validation.
type ValidationResult struct {
	IsValid  bool     `json:"is_valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Invalid builds a failed validation result.
func Invalid(errors ...string) ValidationResult {
	return ValidationResult{IsValid: false, Errors: errors}
}

// Valid builds a passing validation result with optional warnings.
func Valid(warnings ...string) ValidationResult {
	return ValidationResult{IsValid: true, Warnings: warnings}
}
