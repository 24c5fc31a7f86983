package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/cuongbtq/imagepipe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCursor(t *testing.T) {
	cursor := &store.JobCursor{
		CreatedAt: time.Date(2026, 10, 1, 12, 0, 0, 123456789, time.UTC),
		JobID:     "0b3c6f0e-7d4c-4a55-8c1e-0d1f7c1c2b3a",
	}

	decoded, err := DecodeJobCursor(EncodeJobCursor(cursor))
	require.NoError(t, err)
	assert.True(t, cursor.CreatedAt.Equal(decoded.CreatedAt))
	assert.Equal(t, cursor.JobID, decoded.JobID)

	empty, err := DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, empty)

	for _, bad := range []string{
		"%%%",
		base64.RawURLEncoding.EncodeToString([]byte("no-separator")),
		base64.RawURLEncoding.EncodeToString([]byte("abc|job")),
		base64.RawURLEncoding.EncodeToString([]byte("123|")),
	} {
		_, err := DecodeJobCursor(bad)
		assert.Error(t, err, bad)
	}
}
