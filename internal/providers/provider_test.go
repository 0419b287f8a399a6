package providers

import (
	"testing"

	"github.com/STRATINT/digest/internal/models"
)

func TestDefaultProviders(t *testing.T) {
	reg := DefaultProviders(nil)

	for _, name := range []string{"openai", "ollama", "anthropic", "local"} {
		p, ok := reg.Get(name)
		if !ok {
			t.Fatalf("provider %q not registered", name)
		}
		if p.Name() != name {
			t.Errorf("provider registered as %q reports name %q", name, p.Name())
		}
	}

	stats := reg.Statistics()
	if stats.Total != 4 || stats.Active != 4 {
		t.Errorf("unexpected statistics %+v", stats)
	}
}

func TestOpenAIValidateConfig(t *testing.T) {
	neg := -0.1
	hot := 1.8

	tests := []struct {
		name     string
		provider string
		cfg      models.ProviderConfig
		valid    bool
		warnings int
	}{
		{"complete", "openai", models.ProviderConfig{Model: "gpt-4o", APIKey: "k", MaxTokens: 1000}, true, 0},
		{"default tokens warns", "openai", models.ProviderConfig{Model: "gpt-4o", APIKey: "k"}, true, 1},
		{"missing key", "openai", models.ProviderConfig{Model: "gpt-4o"}, false, 0},
		{"missing model", "openai", models.ProviderConfig{APIKey: "k"}, false, 0},
		{"negative temperature", "openai", models.ProviderConfig{Model: "gpt-4o", APIKey: "k", Temperature: &neg}, false, 0},
		{"temperature up to 2", "openai", models.ProviderConfig{Model: "gpt-4o", APIKey: "k", Temperature: &hot, MaxTokens: 10}, true, 0},
		{"ollama without key", "ollama", models.ProviderConfig{MaxTokens: 10}, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vr := NewOpenAI(tt.provider, nil, nil).ValidateConfig(tt.cfg)
			if vr.IsValid != tt.valid {
				t.Fatalf("IsValid = %v, want %v (%v)", vr.IsValid, tt.valid, vr.Errors)
			}
			if len(vr.Warnings) != tt.warnings {
				t.Errorf("expected %d warnings, got %v", tt.warnings, vr.Warnings)
			}
		})
	}
}
