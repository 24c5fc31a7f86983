package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/imagepipe/internal/domain"
	"github.com/cuongbtq/imagepipe/internal/queue"
	"github.com/cuongbtq/imagepipe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaper_Sweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	s := store.NewMemoryStore().WithClock(func() time.Time { return now })
	q := queue.NewMemoryQueue(time.Minute)

	newJob := func(id string, created time.Time) {
		job := domain.NewJob(id, created)
		job.OwnerID = "owner-1"
		job.OperationKind = domain.OperationUpscale
		job.ScaleFactor = 2
		job.RequestedStrategy = domain.StrategyResample
		require.NoError(t, s.Create(ctx, job))
	}

	newJob("fresh-queued", now.Add(-time.Minute))
	newJob("old-queued", now.Add(-time.Hour))
	newJob("live-running", now.Add(-time.Hour))
	newJob("dead-running", now.Add(-time.Hour))
	require.NoError(t, s.UpdateState(ctx, "live-running", domain.Start("w-1", domain.StrategyResample, "", now.Add(-5*time.Second))))
	require.NoError(t, s.UpdateState(ctx, "dead-running", domain.Start("w-2", domain.StrategyResample, "", now.Add(-10*time.Minute))))

	r := NewReaper(&ReaperConfig{
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:              s,
		Queue:              q,
		StaleAfter:         time.Minute,
		RequeueQueuedAfter: 10 * time.Minute,
	})
	r.now = func() time.Time { return now }

	count, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	var ids []string
	for i := 0; i < count; i++ {
		dctx, cancel := context.WithTimeout(ctx, time.Second)
		d, err := q.Dequeue(dctx)
		cancel()
		require.NoError(t, err)
		ids = append(ids, d.Entry.JobID)
	}
	assert.ElementsMatch(t, []string{"old-queued", "dead-running"}, ids)

	count, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "recently re-enqueued jobs are not sent again")

	now = now.Add(15 * time.Minute)
	count, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count, "after the window every orphan is eligible again")
}
