package ingestion

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/STRATINT/digest/internal/database"
	"github.com/STRATINT/digest/internal/errs"
	"github.com/STRATINT/digest/internal/logging"
	"github.com/STRATINT/digest/internal/models"
)

const defaultRowLimit = 1000

// Connector opens a database pool for a source.
type Connector func(ctx context.Context, cfg database.Config) (*sql.DB, error)

// PostgresCollector reads timestamped rows from a PostgreSQL table.
type PostgresCollector struct {
	connect Connector
	logger  *slog.Logger
}

// NewPostgresCollector creates a postgres collector. A nil connector uses
// database.Connect.
func NewPostgresCollector(connect Connector, logger *slog.Logger) *PostgresCollector {
	if connect == nil {
		connect = database.Connect
	}
	return &PostgresCollector{
		connect: connect,
		logger:  logging.OrDiscard(logger).With("collector", "postgres"),
	}
}

// Type implements Collector.
func (c *PostgresCollector) Type() string { return "postgres" }

// Validate implements Collector.
func (c *PostgresCollector) Validate(cfg models.SourceConfig) models.ValidationResult {
	if missing := requireSettings(cfg, "dsn", "table", "time_column"); len(missing) > 0 {
		return models.Invalid(missing...)
	}
	if v := cfg.Setting("limit", ""); v != "" {
		if n, err := strconv.Atoi(v); err != nil || n <= 0 {
			return models.Invalid("settings.limit must be a positive integer")
		}
	}
	var warnings []string
	if cfg.Setting("title_column", "") == "" {
		warnings = append(warnings, "settings.title_column not set, records will have no title")
	}
	return models.Valid(warnings...)
}

// ConfigSchema implements Collector.
func (c *PostgresCollector) ConfigSchema() Schema {
	return objectSchema("postgres", "Rows of a PostgreSQL table inside the time range",
		[]string{"dsn", "table", "time_column"},
		map[string]SchemaProperty{
			"dsn":           {Type: "string", Description: "lib/pq connection string"},
			"table":         {Type: "string", Description: "table name, optionally schema qualified"},
			"time_column":   {Type: "string", Description: "timestamp column filtered on the range"},
			"id_column":     {Type: "string", Description: "primary key column"},
			"author_column": {Type: "string", Description: "column holding the record author"},
			"title_column":  {Type: "string", Description: "column holding the record title"},
			"body_column":   {Type: "string", Description: "column holding the record body"},
			"limit":         {Type: "integer", Description: "maximum rows read", Default: strconv.Itoa(defaultRowLimit)},
		})
}

// TestConnection implements Collector.
func (c *PostgresCollector) TestConnection(ctx context.Context, cfg models.SourceConfig) (bool, error) {
	db, err := c.connect(ctx, database.DefaultConfig(cfg.Setting("dsn", "")))
	if err != nil {
		return false, errs.Wrap(errs.Connection, err, "%v", err)
	}
	defer db.Close()

	if err := database.HealthCheck(ctx, db); err != nil {
		return false, errs.Wrap(errs.Connection, err, "%v", err)
	}
	return true, nil
}

// Collect implements Collector.
func (c *PostgresCollector) Collect(ctx context.Context, cfg models.SourceConfig, tr models.TimeRange) (*models.CollectedBatch, error) {
	query, cols := buildRowQuery(cfg)

	db, err := c.connect(ctx, database.DefaultConfig(cfg.Setting("dsn", "")))
	if err != nil {
		return nil, errs.Wrap(errs.Connection, err, "%v", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, query, tr.Start, tr.End)
	if err != nil {
		return nil, classifyPQ(err)
	}
	defer rows.Close()

	records := []models.Record{}
	for rows.Next() {
		var (
			ts                      time.Time
			id, author, title, body sql.NullString
		)
		if err := rows.Scan(&ts, &id, &author, &title, &body); err != nil {
			return nil, errs.Wrap(errs.Processing, err, "failed to scan row: %v", err)
		}

		rec := models.Record{
			ID:        id.String,
			Kind:      "row",
			Author:    author.String,
			Title:     title.String,
			Body:      body.String,
			Timestamp: ts,
			Metadata:  map[string]string{"table": cfg.Setting("table", "")},
		}
		if rec.ID == "" {
			rec.ID = hashString(cfg.Name + ts.String() + title.String)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPQ(err)
	}

	c.logger.Debug("read table rows", "source", cfg.Name, "rows", len(records), "columns", cols)

	return &models.CollectedBatch{
		Source:      cfg.Name,
		Type:        c.Type(),
		TimeRange:   tr,
		Records:     records,
		CollectedAt: time.Now(),
	}, nil
}

// buildRowQuery renders the select for cfg. Unset optional columns are
// selected as NULL so the scan shape stays fixed.
func buildRowQuery(cfg models.SourceConfig) (string, []string) {
	timeCol := pq.QuoteIdentifier(cfg.Setting("time_column", ""))

	optional := func(key string) string {
		if col := cfg.Setting(key, ""); col != "" {
			return pq.QuoteIdentifier(col) + "::text"
		}
		return "NULL::text"
	}

	cols := []string{
		timeCol,
		optional("id_column"),
		optional("author_column"),
		optional("title_column"),
		optional("body_column"),
	}

	limit := defaultRowLimit
	if n, err := strconv.Atoi(cfg.Setting("limit", "")); err == nil && n > 0 {
		limit = n
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s BETWEEN $1 AND $2 ORDER BY %s DESC LIMIT %d",
		strings.Join(cols, ", "),
		quoteTable(cfg.Setting("table", "")),
		timeCol,
		timeCol,
		limit,
	)
	return query, cols
}

func quoteTable(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

// classifyPQ maps lib/pq error classes onto the error taxonomy.
func classifyPQ(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code.Class() {
	case "08", "57":
		return errs.Wrap(errs.Connection, err, "postgres %s: %s", pqErr.Code, pqErr.Message)
	case "28":
		return errs.Wrap(errs.Authentication, err, "postgres %s: %s", pqErr.Code, pqErr.Message)
	case "42":
		return errs.Wrap(errs.Validation, err, "postgres %s: %s", pqErr.Code, pqErr.Message)
	default:
		return errs.Wrap(errs.Processing, err, "postgres %s: %s", pqErr.Code, pqErr.Message)
	}
}
