package digest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/STRATINT/digest/internal/database"
	"github.com/STRATINT/digest/internal/models"
)

// RunStore records digest runs. *database.RunRepository implements it for
// PostgreSQL. LatestRun returns database.ErrRunNotFound when a job has no runs.
type RunStore interface {
	CreateRun(ctx context.Context, job string, tr models.TimeRange) (string, error)
	CompleteRun(ctx context.Context, id string, recordCount int, providerUsed string) error
	FailRun(ctx context.Context, id string, recordCount int, msg string) error
	LatestRun(ctx context.Context, job string) (*models.DigestRun, error)
}

// MemoryRunStore keeps runs in process memory.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*models.DigestRun
	now  func() time.Time
}

// NewMemoryRunStore creates an empty store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs: make(map[string]*models.DigestRun),
		now:  time.Now,
	}
}

// CreateRun implements RunStore.
func (s *MemoryRunStore) CreateRun(ctx context.Context, job string, tr models.TimeRange) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.runs[id] = &models.DigestRun{
		ID:        id,
		Job:       job,
		Status:    models.RunPending,
		TimeRange: tr,
		RunAt:     s.now(),
	}
	return id, nil
}

// CompleteRun implements RunStore.
func (s *MemoryRunStore) CompleteRun(ctx context.Context, id string, recordCount int, providerUsed string) error {
	return s.finish(id, func(run *models.DigestRun) {
		run.Status = models.RunCompleted
		run.ProviderUsed = providerUsed
		run.RecordCount = recordCount
	})
}

// FailRun implements RunStore.
func (s *MemoryRunStore) FailRun(ctx context.Context, id string, recordCount int, msg string) error {
	return s.finish(id, func(run *models.DigestRun) {
		run.Status = models.RunFailed
		run.Error = &msg
		run.RecordCount = recordCount
	})
}

func (s *MemoryRunStore) finish(id string, update func(*models.DigestRun)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", database.ErrRunNotFound, id)
	}
	update(run)
	completed := s.now()
	run.CompletedAt = &completed
	return nil
}

// LatestRun implements RunStore.
func (s *MemoryRunStore) LatestRun(ctx context.Context, job string) (*models.DigestRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.DigestRun
	for _, run := range s.runs {
		if run.Job != job {
			continue
		}
		if latest == nil || run.RunAt.After(latest.RunAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, database.ErrRunNotFound
	}
	out := *latest
	return &out, nil
}
