package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/imagepipe/internal/domain"
	"github.com/cuongbtq/imagepipe/internal/queue"
	"github.com/cuongbtq/imagepipe/internal/store"
)

// ReaperConfig holds reaper configuration
type ReaperConfig struct {
	Logger             *slog.Logger
	Store              store.JobStore
	Queue              queue.Queue
	Interval           time.Duration
	StaleAfter         time.Duration
	RequeueQueuedAfter time.Duration
	BatchSize          int
}

// Reaper re-enqueues jobs whose entry was lost: RUNNING jobs whose worker
// stopped heartbeating and QUEUED jobs that were never picked up. A
// re-enqueued job that turns out to be live is skipped by the worker.
type Reaper struct {
	logger             *slog.Logger
	store              store.JobStore
	queue              queue.Queue
	interval           time.Duration
	staleAfter         time.Duration
	requeueQueuedAfter time.Duration
	batchSize          int
	now                func() time.Time

	// requeued remembers recent re-enqueues so a job waiting behind a long
	// queue is not enqueued again on every sweep
	requeued map[string]time.Time
}

// NewReaper creates a new reaper instance
func NewReaper(cfg *ReaperConfig) *Reaper {
	r := &Reaper{
		logger:             cfg.Logger,
		store:              cfg.Store,
		queue:              cfg.Queue,
		interval:           cfg.Interval,
		staleAfter:         cfg.StaleAfter,
		requeueQueuedAfter: cfg.RequeueQueuedAfter,
		batchSize:          cfg.BatchSize,
		now:                time.Now,
		requeued:           make(map[string]time.Time),
	}

	if r.interval <= 0 {
		r.interval = 30 * time.Second
	}
	if r.staleAfter <= 0 {
		r.staleAfter = time.Minute
	}
	if r.requeueQueuedAfter <= 0 {
		r.requeueQueuedAfter = 5 * time.Minute
	}
	if r.batchSize <= 0 {
		r.batchSize = 100
	}

	return r
}

// Run sweeps on every interval until ctx is canceled
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("Reaper started",
		slog.Duration("interval", r.interval),
		slog.Duration("stale_after", r.staleAfter),
		slog.Duration("requeue_queued_after", r.requeueQueuedAfter),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Reaper sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Sweep re-enqueues one batch of orphaned jobs and returns how many were sent
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.now()

	for id, at := range r.requeued {
		if now.Sub(at) >= r.requeueQueuedAfter {
			delete(r.requeued, id)
		}
	}

	jobs, err := r.store.ListStale(ctx, store.StaleFilter{
		RunningBefore: now.Add(-r.staleAfter),
		QueuedBefore:  now.Add(-r.requeueQueuedAfter),
		Limit:         r.batchSize,
	})
	if err != nil {
		return 0, err
	}

	count := 0
	for i := range jobs {
		job := &jobs[i]
		if _, recent := r.requeued[job.ID]; recent {
			continue
		}

		if err := r.queue.Enqueue(ctx, domain.NewQueueEntry(job, now)); err != nil {
			return count, err
		}
		r.requeued[job.ID] = now
		count++

		r.logger.Warn("Re-enqueued orphaned job",
			slog.String("job_id", job.ID),
			slog.String("state", job.State),
			slog.String("worker_id", job.WorkerID),
		)
	}

	return count, nil
}
