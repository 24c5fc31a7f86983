package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEntry(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantErr   error
		errString string
	}{
		{
			name: "valid entry",
			body: `{"version":1,"job_id":"abc","scale_factor":2,"operation_kind":"UPSCALE"}`,
		},
		{
			name:    "unknown version",
			body:    `{"version":2,"job_id":"abc"}`,
			wantErr: ErrUnsupportedEntryVersion,
		},
		{
			name:      "unknown field",
			body:      `{"version":1,"job_id":"abc","payload":{"a":1}}`,
			errString: "unknown field",
		},
		{
			name:      "missing job id",
			body:      `{"version":1}`,
			errString: "job_id is required",
		},
		{
			name:      "malformed json",
			body:      `{"version":`,
			errString: "failed to decode queue entry",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := DecodeEntry([]byte(tt.body))

			switch {
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
			case tt.errString != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			default:
				require.NoError(t, err)
				assert.Equal(t, "abc", entry.JobID)
				assert.Equal(t, 2, entry.ScaleFactor)
			}
		})
	}
}

func TestNewQueueEntry_CarriesRequestedStrategy(t *testing.T) {
	job := queuedJob()
	job.InputRef = "/in/a.png"
	job.OutputRef = "/out/a.png"

	entry := NewQueueEntry(job, baseTime)
	data, err := EncodeEntry(entry)
	require.NoError(t, err)

	decoded, err := DecodeEntry(data)
	require.NoError(t, err)
	assert.Equal(t, StrategyEnhance, decoded.Strategy)
	assert.Equal(t, "/out/a.png", decoded.OutputRef)
	assert.Equal(t, EntryVersion, decoded.Version)
}
