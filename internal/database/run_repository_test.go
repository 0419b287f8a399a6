package database

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/STRATINT/digest/internal/models"
)

// Integration tests run against a disposable database named by
// DIGEST_TEST_POSTGRES_DSN; they create and drop their own tables.
func testDB(t *testing.T) *RunRepository {
	t.Helper()
	dsn := os.Getenv("DIGEST_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DIGEST_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	db, err := Connect(ctx, DefaultConfig(dsn))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	for _, stmt := range []string{"DROP TABLE IF EXISTS digest_runs", "DROP TABLE IF EXISTS schema_migrations"} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("reset schema: %v", err)
		}
	}
	if err := RunMigrations(ctx, db, nil); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	if err := RunMigrations(ctx, db, nil); err != nil {
		t.Fatalf("second RunMigrations should be a no-op: %v", err)
	}
	return NewRunRepository(db)
}

func TestRunRepositoryLifecycle(t *testing.T) {
	repo := testDB(t)
	ctx := context.Background()

	end := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	tr, err := models.TimeRangeEnding(end, models.GranularityWeekly)
	if err != nil {
		t.Fatalf("TimeRangeEnding: %v", err)
	}

	if _, err := repo.LatestRun(ctx, "weekly"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}

	failedID, err := repo.CreateRun(ctx, "weekly", tr)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := repo.FailRun(ctx, failedID, 0, "no records"); err != nil {
		t.Fatalf("FailRun: %v", err)
	}

	repo.now = func() time.Time { return time.Now().Add(time.Minute) }
	okID, err := repo.CreateRun(ctx, "weekly", tr)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := repo.CompleteRun(ctx, okID, 12, "anthropic"); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	latest, err := repo.LatestRun(ctx, "weekly")
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if latest.ID != okID || latest.Status != models.RunCompleted || latest.RecordCount != 12 {
		t.Errorf("unexpected latest run %+v", latest)
	}
	if latest.ProviderUsed != "anthropic" || latest.CompletedAt == nil {
		t.Errorf("completion not recorded: %+v", latest)
	}
	if latest.TimeRange.Granularity != models.GranularityWeekly || !latest.TimeRange.End.Equal(end) {
		t.Errorf("unexpected time range %+v", latest.TimeRange)
	}

	runs, err := repo.ListRuns(ctx, "weekly", 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[1].Error == nil || *runs[1].Error != "no records" {
		t.Fatalf("unexpected runs %+v", runs)
	}

	if err := repo.FailRun(ctx, "00000000-0000-0000-0000-000000000000", 0, "x"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound for unknown id, got %v", err)
	}
}

func TestConnectRequiresDSN(t *testing.T) {
	if _, err := Connect(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
