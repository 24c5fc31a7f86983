package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/imagepipe/internal/domain"
	"github.com/cuongbtq/imagepipe/internal/queue"
)

const queueOpTimeout = 10 * time.Second

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	// dequeuing stops on either the caller's cancel or Stop
	loopCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		select {
		case <-w.stopChan:
		case <-loopCtx.Done():
		}
	}()

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(loopCtx, i)
	}

	w.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, domain.ErrQueueClosed) {
				w.logger.Info("Worker goroutine stopping",
					slog.String("worker_name", workerName),
					slog.String("reason", err.Error()),
				)
				return
			}

			w.logger.Error("Failed to dequeue job",
				slog.String("worker_name", workerName),
				slog.String("error", err.Error()),
			)
			if !w.backoff(ctx) {
				return
			}
			continue
		}

		if !w.handleDelivery(d, workerName) && !w.backoff(ctx) {
			return
		}
	}
}

// handleDelivery processes one entry and settles its lease. It reports
// false when the entry was released because of an infrastructure failure.
func (w *Worker) handleDelivery(d *queue.Delivery, workerName string) bool {
	log := w.logger.With(
		slog.String("worker_name", workerName),
		slog.String("job_id", d.Entry.JobID),
	)
	log.Info("Worker received job",
		slog.Bool("redelivered", d.Redelivered),
	)

	err := w.processJob(w.execCtx, d.Entry)

	opCtx, cancel := context.WithTimeout(context.Background(), queueOpTimeout)
	defer cancel()

	if err == nil {
		if ackErr := w.queue.Ack(opCtx, d); ackErr != nil {
			log.Error("Failed to ACK message",
				slog.String("error", ackErr.Error()),
			)
		}
		return true
	}

	if errors.Is(err, errAbandoned) {
		log.Warn("Job abandoned during shutdown, releasing entry")
	} else {
		log.Error("Job processing interrupted, releasing entry",
			slog.String("error", err.Error()),
		)
	}

	if nackErr := w.queue.Nack(opCtx, d); nackErr != nil {
		log.Error("Failed to NACK message",
			slog.String("error", nackErr.Error()),
		)
	}
	return errors.Is(err, errAbandoned)
}

// backoff pauses after an infrastructure failure. It reports false when
// the loop should exit instead.
func (w *Worker) backoff(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.retryBackoff):
		return true
	}
}
