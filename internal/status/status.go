// Package status answers job status and history queries.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/imagepipe/internal/domain"
	"github.com/cuongbtq/imagepipe/internal/store"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Status is the externally visible view of a job
type Status struct {
	JobID          string
	OwnerID        string
	FileName       string
	State          string
	Progress       int
	OperationKind  string
	ScaleFactor    int
	Strategy       string
	FallbackReason string
	OutputFormat   string
	OutputRef      string
	OutputWidth    int
	OutputHeight   int
	OutputSize     int64
	ErrorDetail    string
	DurationMs     *int64
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// ListRequest selects a page of an owner's history
type ListRequest struct {
	OwnerID  string
	State    string
	PageSize int
	Cursor   *store.JobCursor
}

// Page is one page of history; NextCursor is nil on the last page
type Page struct {
	Jobs       []Status
	NextCursor *store.JobCursor
}

// Service reads job records
type Service struct {
	store        store.JobStore
	queryTimeout time.Duration
}

// NewService creates a new Service instance
func NewService(s store.JobStore, queryTimeout time.Duration) *Service {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &Service{store: s, queryTimeout: queryTimeout}
}

// GetStatus returns the current status of jobID. The output reference is
// only present once the job has succeeded.
func (s *Service) GetStatus(ctx context.Context, jobID string) (*Status, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	st := FromJob(job)
	return &st, nil
}

// List returns a page of the owner's jobs, newest first
func (s *Service) List(ctx context.Context, req ListRequest) (*Page, error) {
	if req.OwnerID == "" {
		return nil, domain.NewValidationError("owner_id", "is required")
	}
	if req.State != "" && !validState(req.State) {
		return nil, domain.NewValidationError("status", "unknown state %q", req.State)
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	jobs, err := s.store.ListByOwner(ctx, store.JobFilter{
		OwnerID:  req.OwnerID,
		State:    req.State,
		PageSize: pageSize,
		Cursor:   req.Cursor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	page := &Page{}
	if len(jobs) > pageSize {
		jobs = jobs[:pageSize]
		last := jobs[len(jobs)-1]
		page.NextCursor = &store.JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID}
	}

	page.Jobs = make([]Status, len(jobs))
	for i := range jobs {
		page.Jobs[i] = FromJob(&jobs[i])
	}
	return page, nil
}

// FromJob projects a job record onto its status view
func FromJob(job *domain.Job) Status {
	st := Status{
		JobID:          job.ID,
		OwnerID:        job.OwnerID,
		FileName:       job.FileName,
		State:          job.State,
		Progress:       job.Progress,
		OperationKind:  job.OperationKind,
		ScaleFactor:    job.ScaleFactor,
		Strategy:       job.Strategy,
		FallbackReason: job.FallbackReason,
		OutputFormat:   job.OutputFormat,
		DurationMs:     job.DurationMs,
		CreatedAt:      job.CreatedAt,
		CompletedAt:    job.CompletedAt,
	}

	switch job.State {
	case domain.JobStateSucceeded:
		st.OutputRef = job.OutputRef
		st.OutputWidth = job.OutputWidth
		st.OutputHeight = job.OutputHeight
		st.OutputSize = job.OutputSizeBytes
	case domain.JobStateFailed:
		st.ErrorDetail = job.ErrorDetail
	}

	return st
}

func validState(state string) bool {
	switch state {
	case domain.JobStateQueued, domain.JobStateRunning, domain.JobStateSucceeded, domain.JobStateFailed:
		return true
	}
	return false
}
