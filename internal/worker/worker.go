// Package worker runs the bounded pool that executes queued image jobs.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cuongbtq/imagepipe/internal/queue"
	"github.com/cuongbtq/imagepipe/internal/store"
	"github.com/cuongbtq/imagepipe/internal/strategy"
	"github.com/google/uuid"
)

// Artifacts checks produced outputs
type Artifacts interface {
	Stat(ref string) (int64, error)
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Store             store.JobStore
	Queue             queue.Queue
	Selector          *strategy.Selector
	Artifacts         Artifacts
	WorkerID          string
	Concurrency       int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	ProgressInterval  time.Duration
	ShutdownTimeout   time.Duration
	RetryBackoff      time.Duration
}

// Worker represents the background job worker
type Worker struct {
	logger            *slog.Logger
	store             store.JobStore
	queue             queue.Queue
	selector          *strategy.Selector
	artifacts         Artifacts
	workerID          string
	concurrency       int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	staleAfter        time.Duration
	progressInterval  time.Duration
	shutdownTimeout   time.Duration
	retryBackoff      time.Duration
	now               func() time.Time

	// execCtx outlives the dequeue context so in-flight jobs can finish
	// during shutdown; abort cancels it once the grace period is over
	execCtx context.Context
	abort   context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}

	// guards wg.Add against a Stop that already began waiting
	runMu   sync.Mutex
	stopped bool
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	execCtx, abort := context.WithCancel(context.Background())

	w := &Worker{
		logger:            cfg.Logger,
		store:             cfg.Store,
		queue:             cfg.Queue,
		selector:          cfg.Selector,
		artifacts:         cfg.Artifacts,
		workerID:          cfg.WorkerID,
		concurrency:       cfg.Concurrency,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		staleAfter:        cfg.StaleAfter,
		progressInterval:  cfg.ProgressInterval,
		shutdownTimeout:   cfg.ShutdownTimeout,
		retryBackoff:      cfg.RetryBackoff,
		now:               time.Now,
		execCtx:           execCtx,
		abort:             abort,
		stopChan:          make(chan struct{}),
	}

	if w.workerID == "" {
		w.workerID = defaultWorkerID()
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = 10 * time.Minute
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = 10 * time.Second
	}
	if w.staleAfter <= 0 {
		w.staleAfter = 3 * w.heartbeatInterval
	}
	if w.shutdownTimeout <= 0 {
		w.shutdownTimeout = 30 * time.Second
	}
	if w.retryBackoff <= 0 {
		w.retryBackoff = time.Second
	}

	return w
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// ID returns the identity recorded as job owner
func (w *Worker) ID() string {
	return w.workerID
}

// Start spawns the pool and blocks until ctx is canceled or Stop is called.
// It returns at once if Stop ran first.
func (w *Worker) Start(ctx context.Context) error {
	w.runMu.Lock()
	if w.stopped {
		w.runMu.Unlock()
		w.logger.Warn("Worker stopped before start, not spawning pool")
		return nil
	}
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Duration("heartbeat_interval", w.heartbeatInterval),
		slog.Duration("stale_after", w.staleAfter),
	)

	w.spawnWorkerPool(ctx)
	w.runMu.Unlock()

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
	}

	return nil
}

// Stop stops dequeuing and waits for in-flight jobs. Jobs still running
// after the shutdown timeout are abandoned: they stay RUNNING and their
// entries are released for another worker.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...",
			slog.Duration("shutdown_timeout", w.shutdownTimeout),
		)
		w.runMu.Lock()
		w.stopped = true
		close(w.stopChan)
		w.runMu.Unlock()

		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(w.shutdownTimeout):
			w.logger.Warn("Shutdown timeout reached, abandoning in-flight jobs")
			w.abort()
			<-done
		}

		w.abort()
		w.logger.Info("Worker stopped")
	})
}
