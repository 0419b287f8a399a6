package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/STRATINT/digest/internal/models"
)

// ErrRunNotFound is returned when no run matches a lookup.
var ErrRunNotFound = errors.New("digest run not found")

const runColumns = `id, job, status, granularity, range_start, range_end, record_count, error_message, provider_used, run_at, completed_at`

// RunRepository persists digest runs in the digest_runs table.
type RunRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRunRepository wraps db. Call RunMigrations first.
func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db, now: time.Now}
}

// CreateRun inserts a pending run and returns its id.
func (r *RunRepository) CreateRun(ctx context.Context, job string, tr models.TimeRange) (string, error) {
	id := uuid.NewString()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO digest_runs (id, job, status, granularity, range_start, range_end, run_at)
		 VALUES ($1, $2, 'pending', $3, $4, $5, $6)`,
		id, job, string(tr.Granularity), tr.Start, tr.End, r.now(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	return id, nil
}

// CompleteRun marks the run completed by providerUsed.
func (r *RunRepository) CompleteRun(ctx context.Context, id string, recordCount int, providerUsed string) error {
	return r.finish(ctx, id, models.RunCompleted, recordCount, nil, &providerUsed)
}

// FailRun marks the run failed with msg.
func (r *RunRepository) FailRun(ctx context.Context, id string, recordCount int, msg string) error {
	return r.finish(ctx, id, models.RunFailed, recordCount, &msg, nil)
}

func (r *RunRepository) finish(ctx context.Context, id string, status models.RunStatus, recordCount int, errorMsg, providerUsed *string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE digest_runs
		 SET status = $1, record_count = $2, error_message = $3, provider_used = $4, completed_at = $5
		 WHERE id = $6`,
		string(status), recordCount, errorMsg, providerUsed, r.now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// LatestRun returns the most recent run of job in any state.
func (r *RunRepository) LatestRun(ctx context.Context, job string) (*models.DigestRun, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM digest_runs WHERE job = $1 ORDER BY run_at DESC LIMIT 1`,
		job,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// ListRuns returns up to limit runs of job, newest first.
func (r *RunRepository) ListRuns(ctx context.Context, job string, limit int) ([]models.DigestRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM digest_runs WHERE job = $1 ORDER BY run_at DESC LIMIT $2`,
		job, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.DigestRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.DigestRun, error) {
	var (
		run          models.DigestRun
		status       string
		granularity  string
		errorMsg     sql.NullString
		providerUsed sql.NullString
		completedAt  sql.NullTime
	)

	err := row.Scan(&run.ID, &run.Job, &status, &granularity, &run.TimeRange.Start, &run.TimeRange.End,
		&run.RecordCount, &errorMsg, &providerUsed, &run.RunAt, &completedAt)
	if err != nil {
		return nil, err
	}

	run.Status = models.RunStatus(status)
	run.TimeRange.Granularity = models.Granularity(granularity)
	if errorMsg.Valid {
		run.Error = &errorMsg.String
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	run.ProviderUsed = providerUsed.String
	return &run, nil
}
