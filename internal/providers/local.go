package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/STRATINT/digest/internal/errs"
	"github.com/STRATINT/digest/internal/logging"
	"github.com/STRATINT/digest/internal/models"
)

const maxRecordsPerSection = 10

// priorityKeywords is checked in order; the first match wins.
var priorityKeywords = []struct {
	priority models.Priority
	keywords []string
}{
	{models.PriorityHigh, []string{"incident", "outage", "security", "revert", "hotfix", "breaking", "cve"}},
	{models.PriorityLow, []string{"docs", "typo", "chore", "readme", "lint", "format"}},
}

// Local builds reports from the collected records with fixed rules and no
// network calls. It is used offline and as a last provider in fallback chains.
type Local struct {
	logger *slog.Logger
}

// NewLocal creates the rule-based provider.
func NewLocal(logger *slog.Logger) *Local {
	return &Local{logger: logging.OrDiscard(logger).With("provider", "local")}
}

// Name implements Provider.
func (p *Local) Name() string { return "local" }

// ValidateConfig implements Provider.
func (p *Local) ValidateConfig(cfg models.ProviderConfig) models.ValidationResult {
	problems, _ := validateCommon(cfg, 2)
	if len(problems) > 0 {
		return models.Invalid(problems...)
	}
	return models.Valid()
}

// ValidateConnection implements Provider.
func (p *Local) ValidateConnection(ctx context.Context, cfg models.ProviderConfig) bool {
	return ctx.Err() == nil
}

// AvailableModels implements Provider.
func (p *Local) AvailableModels(ctx context.Context, cfg models.ProviderConfig) ([]string, error) {
	return []string{defaultModelLocal}, nil
}

// SendRequest implements Provider. The content is a JSON report so it goes
// through the same parsing path as hosted models.
func (p *Local) SendRequest(ctx context.Context, req Request, cfg models.ProviderConfig) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(p.Name(), ctx, err)
	}

	doc := struct {
		Title    string       `json:"title"`
		Summary  string       `json:"summary"`
		Sections []rawSection `json:"sections"`
	}{
		Title:    defaultTitle(req),
		Summary:  summarize(req.Batches),
		Sections: []rawSection{},
	}

	for _, batch := range req.Batches {
		if len(batch.Records) == 0 {
			continue
		}
		doc.Sections = append(doc.Sections, sectionFor(batch))
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, errs.Wrap(errs.Processing, err, "failed to encode report: %v", err).WithProvider(p.Name())
	}

	model := cfg.Model
	if model == "" {
		model = defaultModelLocal
	}

	p.logger.Debug("[RULES REPORT]", "sections", len(doc.Sections), "bytes", len(raw))

	return &Response{Content: string(raw), Model: model, FinishReason: "stop"}, nil
}

// ParseResponse implements Provider.
func (p *Local) ParseResponse(raw string, req Request) (*models.ProcessedReport, error) {
	return parseReport(p.Name(), raw, req)
}

func summarize(batches []models.CollectedBatch) string {
	records := models.RecordCount(batches)
	if records == 0 {
		return "No activity was recorded in this period."
	}
	return fmt.Sprintf("%d records from %d sources by %d authors.",
		records, len(batches), len(models.Authors(batches)))
}

func sectionFor(batch models.CollectedBatch) rawSection {
	var b strings.Builder
	priority := models.PriorityLow

	for i, rec := range batch.Records {
		p := inferPriority(rec.Title + " " + rec.Body)
		if rank(p) > rank(priority) {
			priority = p
		}
		if i < maxRecordsPerSection {
			b.WriteString("- ")
			b.WriteString(rec.Summary())
			b.WriteString("\n")
		}
	}
	if extra := len(batch.Records) - maxRecordsPerSection; extra > 0 {
		fmt.Fprintf(&b, "- and %d more\n", extra)
	}

	return rawSection{
		Title:    fmt.Sprintf("%s (%d)", batch.Source, len(batch.Records)),
		Content:  strings.TrimSpace(b.String()),
		Priority: string(priority),
	}
}

// inferPriority guesses the priority of a record from keywords.
func inferPriority(text string) models.Priority {
	lower := strings.ToLower(text)
	if len(lower) > 500 {
		lower = lower[:500]
	}
	for _, pk := range priorityKeywords {
		for _, word := range pk.keywords {
			if strings.Contains(lower, word) {
				return pk.priority
			}
		}
	}
	return models.PriorityMedium
}

func rank(p models.Priority) int {
	switch p {
	case models.PriorityHigh:
		return 2
	case models.PriorityMedium:
		return 1
	default:
		return 0
	}
}
