package domain

import (
	"fmt"
	"time"
)

// JobSchemaVersion is the version of the job record shape written by this build
const JobSchemaVersion = 1

// Job is the lifecycle record of one submitted image operation
type Job struct {
	ID                string     `db:"id" json:"id"`
	OwnerID           string     `db:"owner_id" json:"owner_id"`
	FileName          string     `db:"file_name" json:"file_name"`
	InputRef          string     `db:"input_ref" json:"input_ref"`
	OutputRef         string     `db:"output_ref" json:"output_ref"`
	OperationKind     string     `db:"operation_kind" json:"operation_kind"`
	ScaleFactor       int        `db:"scale_factor" json:"scale_factor"`
	Strategy          string     `db:"strategy" json:"strategy"`
	RequestedStrategy string     `db:"requested_strategy" json:"requested_strategy"`
	FallbackReason    string     `db:"fallback_reason" json:"fallback_reason,omitempty"`
	QualityTier       string     `db:"quality_tier" json:"quality_tier"`
	Algorithm         string     `db:"algorithm" json:"algorithm"`
	OutputFormat      string     `db:"output_format" json:"output_format"`
	State             string     `db:"state" json:"state"`
	Progress          int        `db:"progress" json:"progress"`
	ErrorDetail       string     `db:"error_detail" json:"error_detail,omitempty"`
	WorkerID          string     `db:"worker_id" json:"worker_id,omitempty"`
	Attempts          int        `db:"attempts" json:"attempts"`
	InputSizeBytes    int64      `db:"input_size_bytes" json:"input_size_bytes"`
	InputWidth        int        `db:"input_width" json:"input_width"`
	InputHeight       int        `db:"input_height" json:"input_height"`
	OutputSizeBytes   int64      `db:"output_size_bytes" json:"output_size_bytes"`
	OutputWidth       int        `db:"output_width" json:"output_width"`
	OutputHeight      int        `db:"output_height" json:"output_height"`
	SchemaVersion     int        `db:"schema_version" json:"schema_version"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	StartedAt         *time.Time `db:"started_at" json:"started_at,omitempty"`
	HeartbeatAt       *time.Time `db:"heartbeat_at" json:"heartbeat_at,omitempty"`
	CompletedAt       *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	DurationMs        *int64     `db:"duration_ms" json:"duration_ms,omitempty"`
}

// Output describes the artifact produced by a successful run
type Output struct {
	SizeBytes int64
	Width     int
	Height    int
}

// NewJob returns a QUEUED job with zero progress
func NewJob(id string, createdAt time.Time) *Job {
	return &Job{
		ID:            id,
		State:         JobStateQueued,
		Progress:      0,
		SchemaVersion: JobSchemaVersion,
		CreatedAt:     createdAt,
	}
}

// Clone returns a deep copy of the job
func (j *Job) Clone() *Job {
	c := *j
	c.StartedAt = cloneTime(j.StartedAt)
	c.HeartbeatAt = cloneTime(j.HeartbeatAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	if j.DurationMs != nil {
		d := *j.DurationMs
		c.DurationMs = &d
	}
	return &c
}

// IsTerminal reports whether the job reached SUCCEEDED or FAILED
func (j *Job) IsTerminal() bool {
	return IsTerminal(j.State)
}

// IsStale reports whether a RUNNING job's heartbeat is older than staleBefore
func (j *Job) IsStale(staleBefore time.Time) bool {
	if j.State != JobStateRunning {
		return false
	}
	return j.HeartbeatAt == nil || j.HeartbeatAt.Before(staleBefore)
}

// ExpectedDimensions returns the output size implied by the operation
func (j *Job) ExpectedDimensions() (int, int) {
	return ScaleDimensions(j.InputWidth, j.InputHeight, j.OperationKind, j.ScaleFactor)
}

// CheckSupported rejects records written by an unknown schema version
func (j *Job) CheckSupported() error {
	if j.SchemaVersion != JobSchemaVersion {
		return fmt.Errorf("job %s has schema version %d, want %d", j.ID, j.SchemaVersion, JobSchemaVersion)
	}
	return nil
}

// ScaleDimensions applies an integer scale factor. Reductions are rounded
// to the nearest pixel and never go below 1.
func ScaleDimensions(width, height int, kind string, factor int) (int, int) {
	if factor <= 0 {
		return width, height
	}
	if kind == OperationDownscale {
		return roundDiv(width, factor), roundDiv(height, factor)
	}
	return width * factor, height * factor
}

func roundDiv(n, d int) int {
	v := (n + d/2) / d
	if v < 1 {
		return 1
	}
	return v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
