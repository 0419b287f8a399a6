package analysis

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/STRATINT/digest/internal/models"
)

// maxPromptRecords caps the per-record lines rendered into {{records}}.
const maxPromptRecords = 400

var placeholderPattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

func buildSystemPrompt() string {
	return `CRITICAL: You MUST output ONLY valid JSON. Do not include any text before or after the JSON object. Do not wrap it in markdown code blocks. Output the raw JSON object directly.

You are an engineering lead writing activity digests for a software team. You turn raw activity (commits, feed items, database rows) into a short report that a busy reader can scan in under two minutes.

Guidelines:
- Group related work instead of listing every record
- Name people and systems exactly as they appear in the data
- Call out incidents, reverts, security fixes and breaking changes first
- Do not invent work that is not in the data
- Prefer concrete outcomes over activity counts

Output Format: Your response MUST be ONLY this exact JSON structure with no additional text:
{
  "title": "Short headline for the period",
  "summary": "Two to four sentences covering the most important outcomes",
  "sections": [
    {
      "title": "Section heading",
      "content": "Markdown body of the section",
      "priority": "high|medium|low"
    }
  ]
}

REMEMBER: Output ONLY the JSON object above. No explanatory text, no markdown formatting, no code blocks. Just the raw JSON.`
}

func buildDailyStandupTemplate() string {
	return `Write a daily standup digest for {{date_range}}.

Activity: {{total_records}} records from {{source_count}} sources ({{sources}}) by {{author_count}} people ({{authors}}).

Structure the sections as:
1. "Done" - what landed, grouped by person
2. "In progress" - work that looks unfinished
3. "Blockers" - failures, reverts or incidents (omit if none)

Records by source:
{{records_by_source}}`
}

func buildWeeklySummaryTemplate() string {
	return `Write a weekly summary for {{date_range}}.

Activity: {{total_records}} records from {{source_count}} sources ({{sources}}) by {{author_count}} people ({{authors}}).

Structure the sections as:
1. "Highlights" - the three to five most important outcomes
2. One section per theme of related work
3. "Risks" - incidents, reverts or security fixes (omit if none)

Records by source:
{{records_by_source}}`
}

func buildMonthlyReviewTemplate() string {
	return `Write a monthly review for {{date_range}}.

Activity: {{total_records}} records from {{source_count}} sources ({{sources}}) by {{author_count}} people ({{authors}}).

Structure the sections as:
1. "Outcomes" - what the month delivered
2. "Trends" - how activity shifted across sources and people
3. "Risks and follow-ups" - recurring problems worth a decision

Records by source:
{{records_by_source}}`
}

func buildCustomTemplate() string {
	return `Write an activity report ({{report_type}}) for {{date_range}}.

Activity: {{total_records}} records from {{source_count}} sources by {{author_count}} people.

Records:
{{records}}`
}

func buildSimplifiedTemplate() string {
	return `Summarize this activity from {{date_range}} as JSON with "title", "summary" and "sections" (each with "title", "content", "priority").

{{records}}`
}

// DefaultTemplate returns the built-in prompt template for reportType.
func DefaultTemplate(reportType models.ReportType) string {
	switch reportType {
	case models.ReportTypeDailyStandup:
		return buildDailyStandupTemplate()
	case models.ReportTypeWeeklySummary:
		return buildWeeklySummaryTemplate()
	case models.ReportTypeMonthlyReview:
		return buildMonthlyReviewTemplate()
	default:
		return buildCustomTemplate()
	}
}

// SimplifiedTemplate is the short prompt used by fallback providers when the
// fallback policy does not supply one.
func SimplifiedTemplate() string {
	return buildSimplifiedTemplate()
}

// GeneratePrompt renders template, or the default template for reportType
// when template is empty, against variables derived from batches. Unknown
// placeholders are left as written.
func GeneratePrompt(batches []models.CollectedBatch, reportType models.ReportType, template string) string {
	if strings.TrimSpace(template) == "" {
		template = DefaultTemplate(reportType)
	}
	vars := promptVariables(batches, reportType)

	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return match
	})
}

func promptVariables(batches []models.CollectedBatch, reportType models.ReportType) map[string]string {
	authors := models.Authors(batches)
	sources := models.SourceNames(batches)
	total := strconv.Itoa(models.RecordCount(batches))

	vars := map[string]string{
		"report_type":       string(reportType),
		"total_records":     total,
		"record_count":      total,
		"source_count":      strconv.Itoa(len(sources)),
		"sources":           joinOrNone(sources),
		"author_count":      strconv.Itoa(len(authors)),
		"authors":           joinOrNone(authors),
		"records":           renderRecords(batches),
		"records_by_source": renderRecordsBySource(batches),
	}

	if len(batches) > 0 {
		tr := batches[0].TimeRange
		vars["granularity"] = string(tr.Granularity)
		vars["start_date"] = tr.Start.Format("2006-01-02")
		vars["end_date"] = tr.End.Format("2006-01-02")
		vars["date_range"] = tr.String()
	}
	return vars
}

func joinOrNone(values []string) string {
	if len(values) == 0 {
		return "none"
	}
	return strings.Join(values, ", ")
}

func renderRecords(batches []models.CollectedBatch) string {
	var b strings.Builder
	written := 0
	for _, batch := range batches {
		for _, r := range batch.Records {
			if written == maxPromptRecords {
				fmt.Fprintf(&b, "- ... %d more records omitted\n", models.RecordCount(batches)-written)
				return strings.TrimRight(b.String(), "\n")
			}
			fmt.Fprintf(&b, "- (%s) %s\n", batch.Source, r.Summary())
			written++
		}
	}
	if written == 0 {
		return "No records."
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderRecordsBySource(batches []models.CollectedBatch) string {
	if models.RecordCount(batches) == 0 {
		return "No records."
	}

	var b strings.Builder
	budget := maxPromptRecords
	for _, batch := range batches {
		fmt.Fprintf(&b, "## %s (%s, %d records)\n", batch.Source, batch.Type, len(batch.Records))
		for i, r := range batch.Records {
			if budget == 0 {
				fmt.Fprintf(&b, "- ... %d more\n", len(batch.Records)-i)
				break
			}
			b.WriteString("- ")
			b.WriteString(r.Summary())
			b.WriteString("\n")
			budget--
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
