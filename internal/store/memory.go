package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/imagepipe/internal/domain"
)

// MemoryStore keeps job records in process memory. It is used by the
// embedded single-process mode and by tests.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
	now  func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*domain.Job),
		now:  time.Now,
	}
}

// WithClock replaces the time source used for heartbeats
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Create(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("failed to create job %s: %w", job.ID, domain.ErrJobExists)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) UpdateState(_ context.Context, jobID string, t domain.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	return job.Apply(t)
}

func (s *MemoryStore) UpdateProgress(_ context.Context, jobID, owner string, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	_, err := job.ApplyProgress(owner, percent, s.now())
	return err
}

func (s *MemoryStore) Heartbeat(_ context.Context, jobID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.State != domain.JobStateRunning || job.WorkerID != owner {
		return fmt.Errorf("%w: heartbeat for job not running under this owner", domain.ErrInvalidTransition)
	}
	now := s.now()
	job.HeartbeatAt = &now
	return nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, filter JobFilter) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []domain.Job
	for _, job := range s.jobs {
		if job.OwnerID != filter.OwnerID {
			continue
		}
		if filter.State != "" && job.State != filter.State {
			continue
		}
		if filter.Cursor != nil && !before(job, filter.Cursor) {
			continue
		}
		jobs = append(jobs, *job.Clone())
	}

	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
		}
		return jobs[i].ID > jobs[k].ID
	})

	if filter.PageSize > 0 && len(jobs) > filter.PageSize+1 {
		jobs = jobs[:filter.PageSize+1]
	}
	return jobs, nil
}

func (s *MemoryStore) ListStale(_ context.Context, filter StaleFilter) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []domain.Job
	for _, job := range s.jobs {
		switch {
		case job.IsStale(filter.RunningBefore):
		case job.State == domain.JobStateQueued && job.CreatedAt.Before(filter.QueuedBefore):
		default:
			continue
		}
		jobs = append(jobs, *job.Clone())
	}

	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})

	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// before reports whether job sorts strictly after the cursor in
// (created_at DESC, id DESC) order
func before(job *domain.Job, cursor *JobCursor) bool {
	if job.CreatedAt.Equal(cursor.CreatedAt) {
		return job.ID < cursor.JobID
	}
	return job.CreatedAt.Before(cursor.CreatedAt)
}
