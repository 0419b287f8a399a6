package providers

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/STRATINT/digest/internal/errs"
	"github.com/STRATINT/digest/internal/models"
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```")

const summaryLimit = 280

type rawSection struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	Priority string `json:"priority"`
}

// parseReport converts model output into a report. Content that is not a JSON
// object degrades to a single section holding the text. A JSON object missing
// title, summary or sections is a ResponseParsing error.
func parseReport(provider, raw string, req Request) (*models.ProcessedReport, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, errs.New(errs.ResponseParsing, "empty response").WithProvider(provider)
	}

	candidate := text
	if m := fencedJSON.FindStringSubmatch(text); len(m) > 1 {
		candidate = m[1]
	}

	if !strings.HasPrefix(candidate, "{") {
		return degradedReport(text, req), nil
	}
	if obj := extractJSON(candidate); obj != "" {
		candidate = obj
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &fields); err != nil {
		return degradedReport(text, req), nil
	}

	var missing []string
	for _, key := range []string{"title", "summary", "sections"} {
		if _, ok := fields[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, errs.New(errs.ResponseParsing, "response JSON missing required fields: %s", strings.Join(missing, ", ")).WithProvider(provider)
	}

	var doc struct {
		Title    string       `json:"title"`
		Summary  string       `json:"summary"`
		Sections []rawSection `json:"sections"`
	}
	if err := json.Unmarshal([]byte(candidate), &doc); err != nil {
		return nil, errs.Wrap(errs.ResponseParsing, err, "response JSON has unexpected shape: %v", err).WithProvider(provider)
	}

	report := newReport(req)
	report.Title = strings.TrimSpace(doc.Title)
	report.Summary = strings.TrimSpace(doc.Summary)
	report.Sections = make([]models.ReportSection, 0, len(doc.Sections))
	for _, s := range doc.Sections {
		report.Sections = append(report.Sections, models.ReportSection{
			Title:    strings.TrimSpace(s.Title),
			Content:  strings.TrimSpace(s.Content),
			Priority: models.NormalizePriority(strings.ToLower(strings.TrimSpace(s.Priority))),
		})
	}
	return report, nil
}

func degradedReport(text string, req Request) *models.ProcessedReport {
	report := newReport(req)
	report.Title = defaultTitle(req)
	report.Summary = firstParagraph(text, summaryLimit)
	report.Sections = []models.ReportSection{{
		Title:    "Details",
		Content:  text,
		Priority: models.PriorityMedium,
	}}
	return report
}

func newReport(req Request) *models.ProcessedReport {
	return &models.ProcessedReport{
		Metadata: models.ReportMetadata{
			GeneratedAt: time.Now(),
			ReportType:  req.ReportType,
			TimeRange:   req.TimeRange,
			SourcesUsed: append([]string(nil), req.SourcesUsed...),
		},
	}
}

func defaultTitle(req Request) string {
	var kind string
	switch req.ReportType {
	case models.ReportTypeDailyStandup:
		kind = "Daily standup"
	case models.ReportTypeWeeklySummary:
		kind = "Weekly summary"
	case models.ReportTypeMonthlyReview:
		kind = "Monthly review"
	default:
		kind = "Activity report"
	}
	if req.TimeRange.End.IsZero() {
		return kind
	}
	return kind + ": " + req.TimeRange.String()
}

func firstParagraph(text string, limit int) string {
	if i := strings.Index(text, "\n\n"); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimSpace(text)
	if len(text) > limit {
		return text[:limit] + "..."
	}
	return text
}

// extractJSON returns the first balanced JSON object in text.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		ch := text[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}

	return ""
}
