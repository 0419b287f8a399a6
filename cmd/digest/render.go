package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/STRATINT/digest/internal/ingestion"
	"github.com/STRATINT/digest/internal/models"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#3FB950"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F85149"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#8B949E"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#D29922"))
)

// renderMarkdown writes a report as a markdown document. Sections are
// emitted in report order with their priority as a badge.
func renderMarkdown(w io.Writer, report *models.ProcessedReport) error {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", report.Title)
	if report.Summary != "" {
		fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(report.Summary))
	}

	for _, section := range report.Sections {
		fmt.Fprintf(&b, "## %s", section.Title)
		if section.Priority != "" {
			fmt.Fprintf(&b, " `%s`", section.Priority)
		}
		fmt.Fprintf(&b, "\n\n%s\n\n", strings.TrimSpace(section.Content))
	}

	meta := report.Metadata
	b.WriteString("---\n\n")
	if !meta.TimeRange.Start.IsZero() {
		fmt.Fprintf(&b, "- Period: %s\n", meta.TimeRange.String())
	}
	if len(meta.SourcesUsed) > 0 {
		fmt.Fprintf(&b, "- Sources: %s\n", strings.Join(meta.SourcesUsed, ", "))
	}
	provider := meta.ProviderUsed
	if meta.Model != "" {
		provider += " (" + meta.Model + ")"
	}
	fmt.Fprintf(&b, "- Generated by: %s in %dms\n", provider, meta.ProcessingTimeMs)
	if !meta.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, "- Generated at: %s\n", meta.GeneratedAt.UTC().Format(time.RFC3339))
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// renderCollection writes a human summary of a collection run.
func renderCollection(w io.Writer, result *ingestion.AggregateResult) {
	s := result.Summary
	fmt.Fprintln(w, titleStyle.Render("Collection"))
	fmt.Fprintf(w, "  %d sources (%d enabled, %d disabled), %d records in %s\n",
		s.Total, s.Enabled, s.Disabled, s.Records, s.CollectionTime.Round(time.Millisecond))

	for _, task := range result.Tasks {
		status := okStyle.Render("ok")
		if task.Status == ingestion.TaskFailed {
			status = errorStyle.Render("failed")
		}
		fmt.Fprintf(w, "  %-8s %-20s %s %s\n", task.Type, task.Name, status,
			mutedStyle.Render(fmt.Sprintf("attempts=%d %s", task.Attempts, task.Duration.Round(time.Millisecond))))
	}
	for _, err := range result.Errors {
		fmt.Fprintf(w, "  %s %s: %s\n", warningStyle.Render(string(err.Code)), err.Source, err.Message)
	}
}

// renderProgress formats a progress event for the status line.
func renderProgress(e ingestion.ProgressEvent) string {
	line := fmt.Sprintf("[%3.0f%%] %d/%d settled", e.Percentage, e.Settled(), e.Total)
	if e.Failed > 0 {
		line += warningStyle.Render(fmt.Sprintf(" (%d failed)", e.Failed))
	}
	if e.Current != "" {
		line += mutedStyle.Render(" " + e.Current)
	}
	return line
}

// registrationLine formats one registry entry. Inactive entries are listed
// but marked so operators can see what is installed and switched off.
func registrationLine(key string, active bool, detail string) string {
	line := titleStyle.Render(key)
	if detail != "" {
		line += " " + mutedStyle.Render(detail)
	}
	if !active {
		line += " " + warningStyle.Render("(inactive)")
	}
	return line
}
