package domain

import (
	"fmt"
	"time"
)

// TransitionKind identifies a state machine edge
type TransitionKind int

const (
	// TransitionStart moves QUEUED to RUNNING
	TransitionStart TransitionKind = iota + 1
	// TransitionResume hands a stale RUNNING job to a new owner
	TransitionResume
	// TransitionSucceed moves RUNNING to SUCCEEDED
	TransitionSucceed
	// TransitionFail moves RUNNING to FAILED
	TransitionFail
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionStart:
		return "start"
	case TransitionResume:
		return "resume"
	case TransitionSucceed:
		return "succeed"
	case TransitionFail:
		return "fail"
	default:
		return fmt.Sprintf("transition(%d)", int(k))
	}
}

// Transition is a requested change of a job's state
type Transition struct {
	Kind           TransitionKind
	Owner          string
	At             time.Time
	Strategy       string
	FallbackReason string
	StaleBefore    time.Time
	Output         Output
	ErrorDetail    string
}

// Start claims a QUEUED job for owner with the strategy that will run it
func Start(owner, strategy, fallbackReason string, at time.Time) Transition {
	return Transition{Kind: TransitionStart, Owner: owner, Strategy: strategy, FallbackReason: fallbackReason, At: at}
}

// Resume takes over a RUNNING job whose heartbeat predates staleBefore
func Resume(owner string, staleBefore, at time.Time) Transition {
	return Transition{Kind: TransitionResume, Owner: owner, StaleBefore: staleBefore, At: at}
}

// Succeed settles a RUNNING job with its output
func Succeed(owner string, out Output, at time.Time) Transition {
	return Transition{Kind: TransitionSucceed, Owner: owner, Output: out, At: at}
}

// Fail settles a RUNNING job with an error detail
func Fail(owner, detail string, at time.Time) Transition {
	if detail == "" {
		detail = "unknown error"
	}
	return Transition{Kind: TransitionFail, Owner: owner, ErrorDetail: detail, At: at}
}

// Apply validates t against the current state and mutates the job.
// It returns ErrInvalidTransition and leaves the job untouched when the
// edge is not allowed.
func (j *Job) Apply(t Transition) error {
	if j.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, j.ID, j.State)
	}

	at := t.At
	switch t.Kind {
	case TransitionStart:
		if j.State != JobStateQueued {
			return fmt.Errorf("%w: cannot start job %s in state %s", ErrInvalidTransition, j.ID, j.State)
		}
		j.State = JobStateRunning
		j.WorkerID = t.Owner
		j.Strategy = t.Strategy
		j.FallbackReason = t.FallbackReason
		j.StartedAt = &at
		j.HeartbeatAt = &at
		j.Attempts++

	case TransitionResume:
		if !j.IsStale(t.StaleBefore) {
			return fmt.Errorf("%w: job %s is %s and owned by a live worker", ErrInvalidTransition, j.ID, j.State)
		}
		j.WorkerID = t.Owner
		j.HeartbeatAt = &at
		j.Attempts++

	case TransitionSucceed, TransitionFail:
		if j.State != JobStateRunning || j.WorkerID != t.Owner {
			return fmt.Errorf("%w: job %s is not running for %s", ErrInvalidTransition, j.ID, t.Owner)
		}
		j.CompletedAt = &at
		if j.StartedAt != nil {
			d := at.Sub(*j.StartedAt).Milliseconds()
			j.DurationMs = &d
		}
		if t.Kind == TransitionSucceed {
			j.State = JobStateSucceeded
			j.Progress = CompleteProgress
			j.OutputSizeBytes = t.Output.SizeBytes
			j.OutputWidth = t.Output.Width
			j.OutputHeight = t.Output.Height
		} else {
			j.State = JobStateFailed
			j.ErrorDetail = t.ErrorDetail
			if j.ErrorDetail == "" {
				j.ErrorDetail = "unknown error"
			}
		}

	default:
		return fmt.Errorf("%w: unknown transition %s", ErrInvalidTransition, t.Kind)
	}

	return nil
}

// ApplyProgress raises progress while RUNNING for owner. Values are clamped
// to MaxRunningProgress; lower values than the stored one are ignored.
// It reports whether the stored value changed.
func (j *Job) ApplyProgress(owner string, percent int, at time.Time) (bool, error) {
	if j.State != JobStateRunning || j.WorkerID != owner {
		return false, fmt.Errorf("%w: progress for job %s in state %s", ErrInvalidTransition, j.ID, j.State)
	}
	percent = ClampProgress(percent)
	j.HeartbeatAt = &at
	if percent <= j.Progress {
		return false, nil
	}
	j.Progress = percent
	return true, nil
}

// ClampProgress bounds a running progress value to [0, MaxRunningProgress]
func ClampProgress(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > MaxRunningProgress {
		return MaxRunningProgress
	}
	return percent
}
