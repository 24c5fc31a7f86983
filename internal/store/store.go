// Package store persists job records. Every write is atomic with respect to
// a single job id and is guarded by the job state machine.
package store

import (
	"context"
	"time"

	"github.com/cuongbtq/imagepipe/internal/domain"
)

// JobStore is the durable record of job lifecycles
type JobStore interface {
	// Create inserts a new QUEUED job
	Create(ctx context.Context, job *domain.Job) error

	// Get returns the job or domain.ErrJobNotFound
	Get(ctx context.Context, jobID string) (*domain.Job, error)

	// UpdateState applies a state machine transition. It returns
	// domain.ErrInvalidTransition when the stored state does not allow it.
	UpdateState(ctx context.Context, jobID string, t domain.Transition) error

	// UpdateProgress raises the progress of a job RUNNING for owner. It also
	// refreshes the heartbeat.
	UpdateProgress(ctx context.Context, jobID, owner string, percent int) error

	// Heartbeat marks a job RUNNING for owner as alive
	Heartbeat(ctx context.Context, jobID, owner string) error

	// ListByOwner returns one page of an owner's jobs, newest first. It
	// fetches PageSize+1 rows so callers can tell whether more exist.
	ListByOwner(ctx context.Context, filter JobFilter) ([]domain.Job, error)

	// ListStale returns RUNNING jobs with an old heartbeat and QUEUED jobs
	// that have waited too long
	ListStale(ctx context.Context, filter StaleFilter) ([]domain.Job, error)
}

// JobFilter selects a page of an owner's history
type JobFilter struct {
	OwnerID  string
	State    string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position of the last row of a page
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// StaleFilter selects jobs the reaper should hand back to the queue
type StaleFilter struct {
	RunningBefore time.Time
	QueuedBefore  time.Time
	Limit         int
}
