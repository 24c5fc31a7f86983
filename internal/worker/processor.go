package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/imagepipe/internal/domain"
	"github.com/cuongbtq/imagepipe/internal/strategy"
)

const settleTimeout = 10 * time.Second

// errAbandoned marks a job interrupted by worker shutdown. The job stays
// RUNNING and is resumed elsewhere once its heartbeat goes stale.
var errAbandoned = errors.New("job abandoned by worker shutdown")

// processJob runs one queue entry to a settled state. A nil return means the
// entry is done with (including duplicates and failed jobs); an error means
// the entry must be redelivered.
func (w *Worker) processJob(ctx context.Context, entry domain.QueueEntry) error {
	job, err := w.store.Get(ctx, entry.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			w.logger.Warn("Job not found, dropping entry",
				slog.String("job_id", entry.JobID),
			)
			return nil
		}
		return domain.NewInfrastructureError("get job", err)
	}

	if job.IsTerminal() {
		w.logger.Info("Job already settled, skipping duplicate delivery",
			slog.String("job_id", job.ID),
			slog.String("state", job.State),
		)
		return nil
	}

	params := strategy.ParamsForJob(job)
	now := w.now()

	var st strategy.Strategy
	switch job.State {
	case domain.JobStateQueued:
		var fallbackReason string
		st, fallbackReason = w.selector.Select(ctx, job.RequestedStrategy, params)

		err = w.store.UpdateState(ctx, job.ID, domain.Start(w.workerID, st.Name(), fallbackReason, now))
		if errors.Is(err, domain.ErrInvalidTransition) {
			w.logger.Info("Job claimed by another worker, skipping",
				slog.String("job_id", job.ID),
			)
			return nil
		}
		if err != nil {
			return domain.NewInfrastructureError("start job", err)
		}

	case domain.JobStateRunning:
		staleBefore := now.Add(-w.staleAfter)
		if !job.IsStale(staleBefore) {
			w.logger.Info("Job running on a live worker, skipping duplicate delivery",
				slog.String("job_id", job.ID),
				slog.String("owner", job.WorkerID),
			)
			return nil
		}

		err = w.store.UpdateState(ctx, job.ID, domain.Resume(w.workerID, staleBefore, now))
		if errors.Is(err, domain.ErrInvalidTransition) {
			return nil
		}
		if err != nil {
			return domain.NewInfrastructureError("resume job", err)
		}

		w.logger.Warn("Resuming stale job",
			slog.String("job_id", job.ID),
			slog.String("previous_owner", job.WorkerID),
			slog.String("strategy", job.Strategy),
		)

		st, err = w.selector.Lookup(ctx, job.Strategy, params)
		if err != nil {
			return w.fail(ctx, job.ID, fmt.Sprintf("cannot resume with strategy %s: %v", job.Strategy, err))
		}

	default:
		return w.fail(ctx, job.ID, fmt.Sprintf("unexpected job state %q", job.State))
	}

	return w.execute(ctx, job, st, params)
}

// execute runs the strategy under the job timeout with heartbeat and
// progress reporting, then records the outcome
func (w *Worker) execute(ctx context.Context, job *domain.Job, st strategy.Strategy, params strategy.Params) error {
	log := w.logger.With(
		slog.String("job_id", job.ID),
		slog.String("strategy", st.Name()),
	)
	log.Info("Executing job",
		slog.String("operation", job.OperationKind),
		slog.Int("scale_factor", job.ScaleFactor),
	)

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	reporter := newProgressReporter(w.store, job.ID, w.workerID, w.progressInterval, w.logger)
	reporter.Start(jobCtx)

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, job.ID, reporter, heartbeatDone)

	started := w.now()
	result, err := runStrategy(jobCtx, st, params, reporter.Report)
	close(heartbeatDone)

	if err != nil {
		if ctx.Err() != nil {
			// shutdown, not a job failure
			return errAbandoned
		}

		detail := err.Error()
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) && !isTimeout(err) {
			detail = fmt.Sprintf("job timed out after %s: %s", w.jobTimeout, detail)
		}
		log.Error("Job execution failed",
			slog.String("error", detail),
		)
		return w.fail(ctx, job.ID, detail)
	}

	size, err := w.artifacts.Stat(params.OutputPath)
	if err != nil {
		return w.fail(ctx, job.ID, fmt.Sprintf("output not readable: %v", err))
	}
	if size == 0 {
		return w.fail(ctx, job.ID, "strategy produced an empty output")
	}
	if wantW, wantH := job.ExpectedDimensions(); job.InputWidth > 0 && (result.Width != wantW || result.Height != wantH) {
		return w.fail(ctx, job.ID, fmt.Sprintf("output is %dx%d, want %dx%d", result.Width, result.Height, wantW, wantH))
	}

	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer settleCancel()

	out := domain.Output{SizeBytes: size, Width: result.Width, Height: result.Height}
	err = w.store.UpdateState(settleCtx, job.ID, domain.Succeed(w.workerID, out, w.now()))
	if errors.Is(err, domain.ErrInvalidTransition) {
		log.Warn("Lost ownership before completion, discarding result")
		return nil
	}
	if err != nil {
		return domain.NewInfrastructureError("complete job", err)
	}

	log.Info("Job completed successfully",
		slog.Int64("output_bytes", size),
		slog.Int("width", result.Width),
		slog.Int("height", result.Height),
		slog.Duration("elapsed", w.now().Sub(started)),
	)
	return nil
}

// fail records a terminal failure. Losing ownership is not an error; the
// new owner settles the job.
func (w *Worker) fail(ctx context.Context, jobID, detail string) error {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	err := w.store.UpdateState(settleCtx, jobID, domain.Fail(w.workerID, detail, w.now()))
	if errors.Is(err, domain.ErrInvalidTransition) {
		w.logger.Warn("Could not record failure, job no longer owned",
			slog.String("job_id", jobID),
		)
		return nil
	}
	if err != nil {
		return domain.NewInfrastructureError("fail job", err)
	}

	w.logger.Info("Job marked as failed",
		slog.String("job_id", jobID),
		slog.String("error_detail", detail),
	)
	return nil
}

// runStrategy executes st, converting a panic into an execution error
func runStrategy(ctx context.Context, st strategy.Strategy, p strategy.Params, progress strategy.ProgressFunc) (result *strategy.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &domain.ExecutionError{Strategy: st.Name(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	result, err = st.Execute(ctx, p, progress)
	if err == nil && result == nil {
		err = &domain.ExecutionError{Strategy: st.Name(), Err: errors.New("no result")}
	}
	return result, err
}

func isTimeout(err error) bool {
	var execErr *domain.ExecutionError
	return errors.As(err, &execErr) && execErr.Timeout
}

// sendJobHeartbeat periodically proves liveness, flushing any coalesced
// progress with the same write
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, reporter *progressReporter, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if reporter.Flush() {
				continue
			}
			if err := w.store.Heartbeat(ctx, jobID, w.workerID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
