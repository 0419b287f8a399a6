package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/STRATINT/digest/internal/config"
	"github.com/STRATINT/digest/internal/database"
	"github.com/STRATINT/digest/internal/logging"
	"github.com/STRATINT/digest/internal/models"
)

const defaultTimeOfDay = "09:00"

// RunFunc executes a job for one window.
type RunFunc func(ctx context.Context, job config.Job, tr models.TimeRange) error

// LastRunFunc returns the most recent run of a job, or database.ErrRunNotFound.
type LastRunFunc func(ctx context.Context, job string) (*models.DigestRun, error)

// Schedule is a parsed job schedule.
type Schedule struct {
	Granularity models.Granularity
	Hour        int
	Minute      int
	Weekday     time.Weekday
	DayOfMonth  int
}

// ParseSchedule validates a job schedule. Weekly jobs default to Monday and
// monthly jobs to the 1st, both at 09:00.
func ParseSchedule(g models.Granularity, s config.JobSchedule) (Schedule, error) {
	if !g.IsValid() {
		return Schedule{}, fmt.Errorf("invalid granularity %q", g)
	}

	tod := s.TimeOfDay
	if tod == "" {
		tod = defaultTimeOfDay
	}
	at, err := time.Parse("15:04", tod)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid time_of_day %q: must be HH:MM", s.TimeOfDay)
	}

	out := Schedule{
		Granularity: g,
		Hour:        at.Hour(),
		Minute:      at.Minute(),
		Weekday:     time.Monday,
		DayOfMonth:  1,
	}

	if s.Weekday != "" {
		wd, err := parseWeekday(s.Weekday)
		if err != nil {
			return Schedule{}, err
		}
		out.Weekday = wd
	}
	if s.DayOfMonth != 0 {
		out.DayOfMonth = s.DayOfMonth
	}
	return out, nil
}

func parseWeekday(raw string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", raw)
}

// Occurrence returns the most recent scheduled time at or before now.
func (s Schedule) Occurrence(now time.Time) time.Time {
	at := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, now.Location())

	switch s.Granularity {
	case models.GranularityDaily:
		if at.After(now) {
			at = at.AddDate(0, 0, -1)
		}
	case models.GranularityWeekly:
		back := (int(at.Weekday()) - int(s.Weekday) + 7) % 7
		at = at.AddDate(0, 0, -back)
		if at.After(now) {
			at = at.AddDate(0, 0, -7)
		}
	case models.GranularityMonthly:
		at = time.Date(now.Year(), now.Month(), s.DayOfMonth, s.Hour, s.Minute, 0, 0, now.Location())
		if at.After(now) {
			at = at.AddDate(0, -1, 0)
		}
	}
	return at
}

// Due reports whether the occurrence at or before now has not run yet.
func (s Schedule) Due(now time.Time, lastRun *time.Time) bool {
	if lastRun == nil {
		return true
	}
	return lastRun.Before(s.Occurrence(now))
}

// DigestScheduler runs jobs on their cadence.
type DigestScheduler struct {
	jobs          []scheduledJob
	run           RunFunc
	lastRun       LastRunFunc
	logger        *slog.Logger
	stopChan      chan struct{}
	checkInterval time.Duration
	now           func() time.Time
}

type scheduledJob struct {
	job      config.Job
	schedule Schedule
}

// NewDigestScheduler creates a scheduler for jobs. lastRun may be nil, in
// which case every job runs once at start and then on each occurrence.
func NewDigestScheduler(jobs []config.Job, run RunFunc, lastRun LastRunFunc, logger *slog.Logger) (*DigestScheduler, error) {
	s := &DigestScheduler{
		run:           run,
		lastRun:       lastRun,
		logger:        logging.OrDiscard(logger).With("component", "scheduler"),
		stopChan:      make(chan struct{}),
		checkInterval: time.Minute,
		now:           time.Now,
	}

	for _, job := range jobs {
		schedule, err := ParseSchedule(job.Granularity, job.Schedule)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", job.Name, err)
		}
		s.jobs = append(s.jobs, scheduledJob{job: job, schedule: schedule})
	}
	return s, nil
}

// Start runs the scheduler loop until ctx is cancelled or Stop is called.
func (s *DigestScheduler) Start(ctx context.Context) {
	s.logger.Info("starting digest scheduler", "jobs", len(s.jobs), "check_interval", s.checkInterval)
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	lastRuns := make(map[string]time.Time)
	s.checkAndRun(ctx, lastRuns)

	for {
		select {
		case <-ticker.C:
			s.checkAndRun(ctx, lastRuns)
		case <-s.stopChan:
			s.logger.Info("digest scheduler stopped")
			return
		case <-ctx.Done():
			s.logger.Info("digest scheduler stopping due to context cancellation")
			return
		}
	}
}

// Stop ends the loop started by Start.
func (s *DigestScheduler) Stop() {
	close(s.stopChan)
}

// checkAndRun executes every job whose latest occurrence has not run yet.
// lastRuns caches run times for when no run store is configured.
func (s *DigestScheduler) checkAndRun(ctx context.Context, lastRuns map[string]time.Time) {
	now := s.now()

	for _, sj := range s.jobs {
		if ctx.Err() != nil {
			return
		}

		last := s.lastRunAt(ctx, sj.job.Name, lastRuns)
		if !sj.schedule.Due(now, last) {
			continue
		}

		occurrence := sj.schedule.Occurrence(now)
		tr, err := models.TimeRangeEnding(occurrence, sj.job.Granularity)
		if err != nil {
			s.logger.Error("failed to compute window", "job", sj.job.Name, "error", err)
			continue
		}

		s.logger.Info("executing scheduled digest",
			"job", sj.job.Name,
			"window", tr.String(),
			"last_run_at", last,
		)

		lastRuns[sj.job.Name] = now
		if err := s.run(ctx, sj.job, tr); err != nil {
			s.logger.Error("scheduled digest failed", "job", sj.job.Name, "error", err)
			continue
		}

		s.logger.Info("scheduled digest completed", "job", sj.job.Name)
	}
}

func (s *DigestScheduler) lastRunAt(ctx context.Context, job string, cache map[string]time.Time) *time.Time {
	if s.lastRun != nil {
		run, err := s.lastRun(ctx, job)
		switch {
		case err == nil:
			return &run.RunAt
		case errors.Is(err, database.ErrRunNotFound):
		default:
			s.logger.Warn("failed to read last run, using in-process state", "job", job, "error", err)
		}
	}
	if at, ok := cache[job]; ok {
		return &at
	}
	return nil
}
