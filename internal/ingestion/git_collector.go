package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/STRATINT/digest/internal/errs"
	"github.com/STRATINT/digest/internal/logging"
	"github.com/STRATINT/digest/internal/models"
)

const (
	gitRecordSep = "\x1e"
	gitFieldSep  = "\x1f"
)

// gitLogFormat emits one record per commit: hash, author, email, date, subject, body.
const gitLogFormat = "--pretty=format:" + "%x1e%H%x1f%an%x1f%ae%x1f%aI%x1f%s%x1f%b%x1f"

// CommandRunner runs a command in dir and returns its stdout.
type CommandRunner func(ctx context.Context, dir string, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec; the process is killed when ctx ends.
func ExecRunner(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return nil, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// GitCollector turns repository history into commit records by shelling out
// to git log.
type GitCollector struct {
	run    CommandRunner
	logger *slog.Logger
}

// NewGitCollector creates a git collector. A nil runner uses ExecRunner.
func NewGitCollector(run CommandRunner, logger *slog.Logger) *GitCollector {
	if run == nil {
		run = ExecRunner
	}
	return &GitCollector{
		run:    run,
		logger: logging.OrDiscard(logger).With("collector", "git"),
	}
}

// Type implements Collector.
func (c *GitCollector) Type() string { return "git" }

// Validate implements Collector.
func (c *GitCollector) Validate(cfg models.SourceConfig) models.ValidationResult {
	if missing := requireSettings(cfg, "path"); len(missing) > 0 {
		return models.Invalid(missing...)
	}
	if v := cfg.Setting("max_commits", ""); v != "" {
		if n, err := strconv.Atoi(v); err != nil || n <= 0 {
			return models.Invalid("settings.max_commits must be a positive integer")
		}
	}
	if strings.HasPrefix(cfg.Setting("branch", ""), "-") {
		return models.Invalid("settings.branch must not start with '-'")
	}
	var warnings []string
	if cfg.Setting("branch", "") == "" {
		warnings = append(warnings, "settings.branch not set, using the checked out HEAD")
	}
	return models.Valid(warnings...)
}

// ConfigSchema implements Collector.
func (c *GitCollector) ConfigSchema() Schema {
	return objectSchema("git", "Commits of a local git repository", []string{"path"},
		map[string]SchemaProperty{
			"path":        {Type: "string", Description: "path to the repository working tree"},
			"branch":      {Type: "string", Description: "branch or revision to read", Default: "HEAD"},
			"author":      {Type: "string", Description: "only commits whose author matches this pattern"},
			"max_commits": {Type: "integer", Description: "upper bound on commits returned"},
			"no_merges":   {Type: "boolean", Description: "skip merge commits", Default: "true"},
		})
}

// TestConnection implements Collector.
func (c *GitCollector) TestConnection(ctx context.Context, cfg models.SourceConfig) (bool, error) {
	out, err := c.run(ctx, cfg.Setting("path", "."), "git", "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false, errs.Wrap(errs.Connection, err, "repository not accessible: %v", err)
	}
	return strings.TrimSpace(string(out)) == "true", nil
}

// Collect implements Collector.
func (c *GitCollector) Collect(ctx context.Context, cfg models.SourceConfig, tr models.TimeRange) (*models.CollectedBatch, error) {
	args := []string{
		"log",
		"--since=" + tr.Start.Format(time.RFC3339),
		"--until=" + tr.End.Format(time.RFC3339),
		"--numstat",
		gitLogFormat,
	}
	if cfg.Setting("no_merges", "true") == "true" {
		args = append(args, "--no-merges")
	}
	if author := cfg.Setting("author", ""); author != "" {
		args = append(args, "--author="+author)
	}
	if max := cfg.Setting("max_commits", ""); max != "" {
		args = append(args, "--max-count="+max)
	}
	if branch := cfg.Setting("branch", ""); branch != "" {
		args = append(args, "--end-of-options", branch)
	}

	start := time.Now()
	out, err := c.run(ctx, cfg.Setting("path", "."), "git", args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.Wrap(errs.Processing, err, "git log failed: %v", err)
	}

	records, err := parseGitLog(out)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("read git history",
		"source", cfg.Name,
		"commits", len(records),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &models.CollectedBatch{
		Source:      cfg.Name,
		Type:        c.Type(),
		TimeRange:   tr,
		Records:     records,
		CollectedAt: time.Now(),
	}, nil
}

// parseGitLog parses the output produced by gitLogFormat plus --numstat.
func parseGitLog(out []byte) ([]models.Record, error) {
	records := []models.Record{}

	for _, chunk := range strings.Split(string(out), gitRecordSep) {
		if strings.TrimSpace(chunk) == "" {
			continue
		}

		fields := strings.SplitN(chunk, gitFieldSep, 7)
		if len(fields) < 7 {
			return nil, errs.New(errs.Processing, "malformed git log record: %d fields", len(fields))
		}

		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(fields[3]))
		if err != nil {
			return nil, errs.Wrap(errs.Processing, err, "invalid commit date %q", fields[3])
		}

		files, insertions, deletions := parseNumstat(fields[6])
		hash := strings.TrimSpace(fields[0])

		records = append(records, models.Record{
			ID:        hash,
			Kind:      "commit",
			Author:    strings.TrimSpace(fields[1]),
			Title:     strings.TrimSpace(fields[4]),
			Body:      strings.TrimSpace(fields[5]),
			Timestamp: ts,
			Metadata: map[string]string{
				"email":         strings.TrimSpace(fields[2]),
				"short_hash":    shortHash(hash),
				"files_changed": strconv.Itoa(files),
				"insertions":    strconv.Itoa(insertions),
				"deletions":     strconv.Itoa(deletions),
			},
		})
	}

	return records, nil
}

// parseNumstat sums "added<TAB>deleted<TAB>path" lines. Binary files report "-".
func parseNumstat(block string) (files, insertions, deletions int) {
	for _, line := range strings.Split(block, "\n") {
		parts := strings.Split(strings.TrimSpace(line), "\t")
		if len(parts) != 3 {
			continue
		}
		files++
		if n, err := strconv.Atoi(parts[0]); err == nil {
			insertions += n
		}
		if n, err := strconv.Atoi(parts[1]); err == nil {
			deletions += n
		}
	}
	return files, insertions, deletions
}

func shortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}
