package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// EntryVersion is the queue envelope version produced by this build
const EntryVersion = 1

// QueueEntry is the envelope handed from the gateway to the worker pool.
// It carries what a worker needs to run the job without re-reading the
// full record.
type QueueEntry struct {
	Version       int       `json:"version"`
	JobID         string    `json:"job_id"`
	OwnerID       string    `json:"owner_id"`
	InputRef      string    `json:"input_ref"`
	OutputRef     string    `json:"output_ref"`
	OperationKind string    `json:"operation_kind"`
	ScaleFactor   int       `json:"scale_factor"`
	Strategy      string    `json:"strategy"`
	QualityTier   string    `json:"quality_tier"`
	Algorithm     string    `json:"algorithm"`
	OutputFormat  string    `json:"output_format"`
	Priority      int       `json:"priority"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// NewQueueEntry builds the envelope for job
func NewQueueEntry(job *Job, at time.Time) QueueEntry {
	return QueueEntry{
		Version:       EntryVersion,
		JobID:         job.ID,
		OwnerID:       job.OwnerID,
		InputRef:      job.InputRef,
		OutputRef:     job.OutputRef,
		OperationKind: job.OperationKind,
		ScaleFactor:   job.ScaleFactor,
		Strategy:      job.RequestedStrategy,
		QualityTier:   job.QualityTier,
		Algorithm:     job.Algorithm,
		OutputFormat:  job.OutputFormat,
		EnqueuedAt:    at,
	}
}

// EncodeEntry serialises an entry for transport
func EncodeEntry(e QueueEntry) ([]byte, error) {
	if e.Version == 0 {
		e.Version = EntryVersion
	}
	return json.Marshal(e)
}

// DecodeEntry parses an entry, rejecting unknown fields and versions
func DecodeEntry(data []byte) (QueueEntry, error) {
	var e QueueEntry

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&e); err != nil {
		return QueueEntry{}, fmt.Errorf("failed to decode queue entry: %w", err)
	}

	if e.Version != EntryVersion {
		return QueueEntry{}, fmt.Errorf("%w: %d", ErrUnsupportedEntryVersion, e.Version)
	}

	if e.JobID == "" {
		return QueueEntry{}, fmt.Errorf("failed to decode queue entry: job_id is required")
	}

	return e, nil
}
