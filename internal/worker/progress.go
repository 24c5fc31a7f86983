package worker

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cuongbtq/imagepipe/internal/store"
)

// Strategy progress is mapped into this band. The range below is claimed
// by setup, the range above by completion.
const (
	progressFloor   = 10
	progressCeiling = 95
)

// scaleProgress maps a strategy percentage onto the job's progress band
func scaleProgress(percent float64) int {
	if math.IsNaN(percent) || percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return progressFloor + int(percent*(progressCeiling-progressFloor)/100)
}

// progressReporter writes job progress. Values never decrease and writes
// closer together than interval are coalesced; the newest pending value is
// flushed by the next write or heartbeat.
type progressReporter struct {
	store    store.JobStore
	jobID    string
	owner    string
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	ctx       context.Context
	written   int
	pending   int
	lastWrite time.Time
}

func newProgressReporter(s store.JobStore, jobID, owner string, interval time.Duration, logger *slog.Logger) *progressReporter {
	return &progressReporter{
		store:    s,
		jobID:    jobID,
		owner:    owner,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		ctx:      context.Background(),
	}
}

// Start binds the reporter to the job context and records the setup step
func (r *progressReporter) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ctx = ctx
	r.writeLocked(progressFloor)
}

// Report is the strategy.ProgressFunc for the job
func (r *progressReporter) Report(percent float64) {
	p := scaleProgress(percent)

	r.mu.Lock()
	defer r.mu.Unlock()

	if p <= r.written || p <= r.pending {
		return
	}
	if r.interval > 0 && r.now().Sub(r.lastWrite) < r.interval {
		r.pending = p
		return
	}
	r.writeLocked(p)
}

// Flush writes a coalesced value. It reports whether a write happened.
func (r *progressReporter) Flush() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending <= r.written {
		return false
	}
	return r.writeLocked(r.pending)
}

func (r *progressReporter) writeLocked(p int) bool {
	if r.ctx.Err() != nil {
		return false
	}

	if err := r.store.UpdateProgress(r.ctx, r.jobID, r.owner, p); err != nil {
		r.logger.Warn("Failed to update job progress",
			slog.String("job_id", r.jobID),
			slog.Int("progress", p),
			slog.String("error", err.Error()),
		)
		return false
	}

	r.written = p
	r.pending = 0
	r.lastWrite = r.now()
	return true
}
