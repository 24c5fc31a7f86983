package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func queuedJob() *Job {
	job := NewJob("job-1", baseTime)
	job.OwnerID = "owner-1"
	job.OperationKind = OperationUpscale
	job.ScaleFactor = 2
	job.RequestedStrategy = StrategyEnhance
	job.Strategy = StrategyEnhance
	return job
}

func TestJob_Apply(t *testing.T) {
	started := baseTime.Add(time.Second)
	done := baseTime.Add(3 * time.Second)

	tests := []struct {
		name      string
		setup     func(t *testing.T) *Job
		tr        Transition
		wantErr   bool
		wantState string
	}{
		{
			name:      "start queued job",
			setup:     func(t *testing.T) *Job { return queuedJob() },
			tr:        Start("w-1", StrategyResample, "enhance unavailable", started),
			wantState: JobStateRunning,
		},
		{
			name: "start running job is rejected",
			setup: func(t *testing.T) *Job {
				job := queuedJob()
				require.NoError(t, job.Apply(Start("w-1", StrategyResample, "", started)))
				return job
			},
			tr:        Start("w-2", StrategyResample, "", done),
			wantErr:   true,
			wantState: JobStateRunning,
		},
		{
			name: "succeed by owner",
			setup: func(t *testing.T) *Job {
				job := queuedJob()
				require.NoError(t, job.Apply(Start("w-1", StrategyResample, "", started)))
				return job
			},
			tr:        Succeed("w-1", Output{SizeBytes: 10, Width: 4, Height: 4}, done),
			wantState: JobStateSucceeded,
		},
		{
			name: "succeed by another worker is rejected",
			setup: func(t *testing.T) *Job {
				job := queuedJob()
				require.NoError(t, job.Apply(Start("w-1", StrategyResample, "", started)))
				return job
			},
			tr:        Succeed("w-2", Output{}, done),
			wantErr:   true,
			wantState: JobStateRunning,
		},
		{
			name:      "fail queued job is rejected",
			setup:     func(t *testing.T) *Job { return queuedJob() },
			tr:        Fail("w-1", "boom", done),
			wantErr:   true,
			wantState: JobStateQueued,
		},
		{
			name: "terminal job rejects fail",
			setup: func(t *testing.T) *Job {
				job := queuedJob()
				require.NoError(t, job.Apply(Start("w-1", StrategyResample, "", started)))
				require.NoError(t, job.Apply(Succeed("w-1", Output{SizeBytes: 1}, done)))
				return job
			},
			tr:        Fail("w-1", "late failure", done),
			wantErr:   true,
			wantState: JobStateSucceeded,
		},
		{
			name: "terminal job rejects resume",
			setup: func(t *testing.T) *Job {
				job := queuedJob()
				require.NoError(t, job.Apply(Start("w-1", StrategyResample, "", started)))
				require.NoError(t, job.Apply(Fail("w-1", "boom", done)))
				return job
			},
			tr:        Resume("w-2", done.Add(time.Hour), done.Add(time.Hour)),
			wantErr:   true,
			wantState: JobStateFailed,
		},
		{
			name: "resume fresh running job is rejected",
			setup: func(t *testing.T) *Job {
				job := queuedJob()
				require.NoError(t, job.Apply(Start("w-1", StrategyResample, "", started)))
				return job
			},
			tr:        Resume("w-2", started.Add(-time.Minute), done),
			wantErr:   true,
			wantState: JobStateRunning,
		},
		{
			name: "resume stale running job",
			setup: func(t *testing.T) *Job {
				job := queuedJob()
				require.NoError(t, job.Apply(Start("w-1", StrategyResample, "", started)))
				return job
			},
			tr:        Resume("w-2", started.Add(time.Minute), started.Add(2*time.Minute)),
			wantState: JobStateRunning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := tt.setup(t)
			before := job.Clone()

			err := job.Apply(tt.tr)

			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidTransition))
				assert.Equal(t, before, job, "rejected transition must not mutate the job")
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantState, job.State)
		})
	}
}

func TestJob_Apply_SettleFields(t *testing.T) {
	job := queuedJob()
	started := baseTime.Add(time.Second)
	require.NoError(t, job.Apply(Start("w-1", StrategyResample, "scale 8 unsupported", started)))

	assert.Equal(t, "w-1", job.WorkerID)
	assert.Equal(t, StrategyResample, job.Strategy)
	assert.Equal(t, "scale 8 unsupported", job.FallbackReason)
	assert.Equal(t, 1, job.Attempts)

	done := started.Add(1500 * time.Millisecond)
	require.NoError(t, job.Apply(Succeed("w-1", Output{SizeBytes: 42, Width: 20, Height: 10}, done)))

	assert.Equal(t, CompleteProgress, job.Progress)
	require.NotNil(t, job.DurationMs)
	assert.Equal(t, int64(1500), *job.DurationMs)
	assert.Equal(t, int64(42), job.OutputSizeBytes)
	assert.Empty(t, job.ErrorDetail)
}

func TestJob_Apply_FailKeepsProgressBelowComplete(t *testing.T) {
	job := queuedJob()
	require.NoError(t, job.Apply(Start("w-1", StrategyEnhance, "", baseTime)))
	_, err := job.ApplyProgress("w-1", 60, baseTime)
	require.NoError(t, err)

	require.NoError(t, job.Apply(Fail("w-1", "", baseTime.Add(time.Second))))

	assert.Equal(t, JobStateFailed, job.State)
	assert.Equal(t, "unknown error", job.ErrorDetail)
	assert.Equal(t, 60, job.Progress)
}

func TestJob_ApplyProgress(t *testing.T) {
	job := queuedJob()

	_, err := job.ApplyProgress("w-1", 10, baseTime)
	require.ErrorIs(t, err, ErrInvalidTransition, "progress is only accepted while running")

	require.NoError(t, job.Apply(Start("w-1", StrategyEnhance, "", baseTime)))

	changed, err := job.ApplyProgress("w-1", 40, baseTime)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = job.ApplyProgress("w-1", 20, baseTime)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 40, job.Progress)

	changed, err = job.ApplyProgress("w-1", 250, baseTime)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, MaxRunningProgress, job.Progress)

	_, err = job.ApplyProgress("w-2", 50, baseTime)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestScaleDimensions(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		kind         string
		factor       int
		wantW, wantH int
	}{
		{name: "upscale x2", w: 10, h: 7, kind: OperationUpscale, factor: 2, wantW: 20, wantH: 14},
		{name: "upscale x8", w: 3, h: 5, kind: OperationUpscale, factor: 8, wantW: 24, wantH: 40},
		{name: "downscale rounds half up", w: 10, h: 6, kind: OperationDownscale, factor: 4, wantW: 3, wantH: 2},
		{name: "downscale never below one", w: 1, h: 1, kind: OperationDownscale, factor: 8, wantW: 1, wantH: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := ScaleDimensions(tt.w, tt.h, tt.kind, tt.factor)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
		})
	}
}
