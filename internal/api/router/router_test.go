package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuongbtq/imagepipe/internal/api/dto"
	"github.com/cuongbtq/imagepipe/internal/api/handler"
	"github.com/cuongbtq/imagepipe/internal/artifact"
	"github.com/cuongbtq/imagepipe/internal/domain"
	"github.com/cuongbtq/imagepipe/internal/gateway"
	"github.com/cuongbtq/imagepipe/internal/queue"
	"github.com/cuongbtq/imagepipe/internal/status"
	"github.com/cuongbtq/imagepipe/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router *gin.Engine
	store  *store.MemoryStore
}

func newTestServer(t *testing.T, health func(context.Context) error, opts ...func(*gateway.Config)) *testServer {
	t.Helper()

	root := t.TempDir()
	artifacts, err := artifact.NewStore(filepath.Join(root, "uploads"), filepath.Join(root, "outputs"))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.NewMemoryStore()

	gwCfg := &gateway.Config{
		Logger:    logger,
		Store:     s,
		Queue:     queue.NewMemoryQueue(time.Minute),
		Artifacts: artifacts,
	}
	for _, opt := range opts {
		opt(gwCfg)
	}
	gw := gateway.New(gwCfg)

	return &testServer{
		store: s,
		router: SetupRouter(&handler.Dependencies{
			Logger:      logger,
			Gateway:     gw,
			Status:      status.NewService(s, time.Second),
			Outputs:     artifacts,
			HealthCheck: health,
		}),
	}
}

func pngUpload(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 12, 8))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func (s *testServer) do(t *testing.T, req *http.Request, owner string) *httptest.ResponseRecorder {
	t.Helper()
	if owner != "" {
		req.Header.Set(handler.OwnerHeader, owner)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) submit(t *testing.T, owner string, fields map[string]string, file []byte) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != nil {
		part, err := mw.CreateFormFile("file", "cat.png")
		require.NoError(t, err)
		_, err = part.Write(file)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return s.do(t, req, owner)
}

func (s *testServer) get(t *testing.T, path, owner string) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, httptest.NewRequest(http.MethodGet, path, nil), owner)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

var upscale2 = map[string]string{"operation": "UPSCALE", "scale_factor": "2"}

func TestHealth(t *testing.T) {
	w := newTestServer(t, nil).get(t, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = newTestServer(t, func(context.Context) error { return errors.New("db down") }).get(t, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "db down")
}

func TestCreateAndGetJob(t *testing.T) {
	srv := newTestServer(t, nil)

	w := srv.submit(t, "owner-1", upscale2, pngUpload(t))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	created := decode[dto.CreateJobResponse](t, w)
	_, err := uuid.Parse(created.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateQueued, created.Status)

	w = srv.get(t, created.StatusURL, "owner-1")
	require.Equal(t, http.StatusOK, w.Code)

	job := decode[dto.JobDTO](t, w)
	assert.Equal(t, created.JobID, job.JobID)
	assert.Equal(t, domain.JobStateQueued, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Empty(t, job.ProcessedURL)
	assert.Equal(t, "cat.png", job.FileName)

	w = srv.get(t, created.StatusURL, "owner-2")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = srv.get(t, created.StatusURL+"/output", "owner-1")
	assert.Equal(t, http.StatusConflict, w.Code, "no output before success")
}

func TestCreateJob_Rejections(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name      string
		owner     string
		fields    map[string]string
		file      []byte
		wantCode  int
		wantField string
	}{
		{"missing owner", "", upscale2, pngUpload(t), http.StatusUnauthorized, ""},
		{"missing file", "owner-1", upscale2, nil, http.StatusBadRequest, "file"},
		{"missing scale", "owner-1", map[string]string{"operation": "UPSCALE"}, pngUpload(t), http.StatusBadRequest, ""},
		{"unsupported scale", "owner-1", map[string]string{"operation": "UPSCALE", "scale_factor": "3"}, pngUpload(t), http.StatusBadRequest, "scale_factor"},
		{"not an image", "owner-1", upscale2, []byte("plain text, not pixels"), http.StatusBadRequest, "file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := srv.submit(t, tt.owner, tt.fields, tt.file)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantField != "" {
				assert.Equal(t, tt.wantField, decode[dto.ErrorResponse](t, w).Field)
			}
		})
	}
}

func TestCreateJob_OversizedUpload(t *testing.T) {
	srv := newTestServer(t, nil, func(c *gateway.Config) { c.MaxUploadBytes = 1000 })

	tests := []struct {
		name string
		size int
	}{
		{"just over the file limit", 5000},
		{"over the form allowance", 3 << 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := srv.submit(t, "owner-1", upscale2, make([]byte, tt.size))
			assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code, w.Body.String())

			resp := decode[dto.ErrorResponse](t, w)
			assert.Equal(t, "file", resp.Field)
			assert.Contains(t, resp.Error, "1000 byte limit")
		})
	}
}

func TestGetJob_NotFoundAndInvalid(t *testing.T) {
	srv := newTestServer(t, nil)

	w := srv.get(t, "/api/v1/jobs/"+uuid.NewString(), "owner-1")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = srv.get(t, "/api/v1/jobs/not-a-uuid", "owner-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetOutput_AfterSuccess(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()

	w := srv.submit(t, "owner-1", upscale2, pngUpload(t))
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode[dto.CreateJobResponse](t, w).JobID

	job, err := srv.store.Get(ctx, id)
	require.NoError(t, err)

	output := []byte("processed image bytes")
	require.NoError(t, os.WriteFile(job.OutputRef, output, 0o644))
	require.NoError(t, srv.store.UpdateState(ctx, id, domain.Start("w-1", domain.StrategyResample, "", time.Now())))
	require.NoError(t, srv.store.UpdateState(ctx, id, domain.Succeed("w-1", domain.Output{SizeBytes: int64(len(output)), Width: 24, Height: 16}, time.Now())))

	w = srv.get(t, "/api/v1/jobs/"+id, "owner-1")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[dto.JobDTO](t, w)
	assert.Equal(t, domain.JobStateSucceeded, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "/api/v1/jobs/"+id+"/output", got.ProcessedURL)
	assert.Equal(t, 24, got.OutputWidth)

	w = srv.get(t, got.ProcessedURL, "owner-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, output, w.Body.Bytes())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), id+"_processed.png")
}

func TestListJobs_Pagination(t *testing.T) {
	srv := newTestServer(t, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		w := srv.submit(t, "owner-1", upscale2, pngUpload(t))
		require.Equal(t, http.StatusAccepted, w.Code)
		ids = append(ids, decode[dto.CreateJobResponse](t, w).JobID)
		time.Sleep(2 * time.Millisecond)
	}
	require.Equal(t, http.StatusAccepted, srv.submit(t, "owner-2", upscale2, pngUpload(t)).Code)

	w := srv.get(t, "/api/v1/jobs?page_size=2", "owner-1")
	require.Equal(t, http.StatusOK, w.Code)
	first := decode[dto.ListJobsResponse](t, w)
	require.Len(t, first.Jobs, 2)
	require.NotEmpty(t, first.NextCursor)
	assert.Equal(t, ids[2], first.Jobs[0].JobID)
	assert.Equal(t, ids[1], first.Jobs[1].JobID)

	w = srv.get(t, "/api/v1/jobs?page_size=2&cursor="+first.NextCursor, "owner-1")
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[dto.ListJobsResponse](t, w)
	require.Len(t, second.Jobs, 1)
	assert.Equal(t, ids[0], second.Jobs[0].JobID)
	assert.Empty(t, second.NextCursor)

	w = srv.get(t, "/api/v1/jobs?cursor=not*a*cursor", "owner-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
