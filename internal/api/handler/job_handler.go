package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/imagepipe/internal/api/dto"
	"github.com/cuongbtq/imagepipe/internal/domain"
	"github.com/cuongbtq/imagepipe/internal/gateway"
	"github.com/cuongbtq/imagepipe/internal/status"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// multipart framing allowance on top of the file limit
	formOverhead = 1 << 20
	// larger parts spill to temporary files
	multipartMemory = 32 << 20
)

// CreateJob handles POST /api/v1/jobs
// Accepts a multipart upload and queues an image job for it
func (h *JobHandler) CreateJob(c *gin.Context) {
	ownerID, ok := requireOwner(c)
	if !ok {
		return
	}

	limit := h.gateway.MaxUploadBytes()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+formOverhead)

	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, dto.ErrorResponse{
				Error: fmt.Sprintf("file exceeds the %d byte limit", limit),
				Field: "file",
			})
			return
		}
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "request must be multipart/form-data"})
		return
	}

	var req dto.CreateJobRequest
	if err := c.ShouldBind(&req); err != nil {
		h.logger.Warn("Invalid job form", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "operation and scale_factor are required"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "file is required", Field: "file"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		h.logger.Error("Failed to open upload", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "cannot read uploaded file", Field: "file"})
		return
	}
	defer file.Close()

	// one byte over the limit is enough for the gateway to reject it
	body, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		h.logger.Error("Failed to read upload", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "cannot read uploaded file", Field: "file"})
		return
	}

	jobID, err := h.gateway.Submit(c.Request.Context(), gateway.SubmitRequest{
		OwnerID:      ownerID,
		FileName:     filepath.Base(fileHeader.Filename),
		Body:         body,
		Kind:         req.Operation,
		ScaleFactor:  req.ScaleFactor,
		StrategyHint: req.Strategy,
		Quality:      req.Quality,
		Algorithm:    req.Algorithm,
	})
	if err != nil {
		h.respondError(c, err, "Failed to submit job")
		return
	}

	c.JSON(http.StatusAccepted, dto.CreateJobResponse{
		JobID:     jobID,
		Status:    domain.JobStateQueued,
		StatusURL: statusURL(jobID),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the status of a job owned by the caller
func (h *JobHandler) GetJob(c *gin.Context) {
	st, ok := h.loadOwnedJob(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, toDTO(st))
}

// GetOutput handles GET /api/v1/jobs/:job_id/output
// Streams the processed image of a succeeded job
func (h *JobHandler) GetOutput(c *gin.Context) {
	st, ok := h.loadOwnedJob(c)
	if !ok {
		return
	}

	if st.State != domain.JobStateSucceeded {
		c.JSON(http.StatusConflict, dto.ErrorResponse{
			Error: fmt.Sprintf("job is %s, output is only available once it has succeeded", st.State),
		})
		return
	}

	f, err := h.outputs.Open(st.OutputRef)
	if err != nil {
		h.logger.Error("Failed to open job output",
			slog.String("job_id", st.JobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "output is not available"})
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "output is not available"})
		return
	}

	contentType := "image/png"
	if st.OutputFormat == domain.FormatJPEG {
		contentType = "image/jpeg"
	}

	c.DataFromReader(http.StatusOK, info.Size(), contentType, f, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, filepath.Base(st.OutputRef)),
	})
}

// ListJobs handles GET /api/v1/jobs
// Lists the caller's jobs, newest first, with cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	ownerID, ok := requireOwner(c)
	if !ok {
		return
	}

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor", Field: "cursor"})
		return
	}

	page, err := h.status.List(c.Request.Context(), status.ListRequest{
		OwnerID:  ownerID,
		State:    strings.ToUpper(req.Status),
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.respondError(c, err, "Failed to list jobs")
		return
	}

	jobs := make([]dto.JobDTO, len(page.Jobs))
	for i := range page.Jobs {
		jobs[i] = toDTO(&page.Jobs[i])
	}

	resp := dto.ListJobsResponse{Jobs: jobs}
	if page.NextCursor != nil {
		resp.NextCursor = EncodeJobCursor(page.NextCursor)
	}

	c.JSON(http.StatusOK, resp)
}

// loadOwnedJob resolves :job_id and checks the caller owns it, writing the
// error response itself when it does not succeed
func (h *JobHandler) loadOwnedJob(c *gin.Context) (*status.Status, bool) {
	ownerID, ok := requireOwner(c)
	if !ok {
		return nil, false
	}

	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id must be a valid UUID", Field: "job_id"})
		return nil, false
	}

	st, err := h.status.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err, "Failed to get job")
		return nil, false
	}

	if st.OwnerID != ownerID {
		h.logger.Warn("Job requested by another owner",
			slog.String("job_id", jobID),
			slog.String("owner_id", ownerID),
		)
		c.JSON(http.StatusForbidden, dto.ErrorResponse{Error: "job belongs to another owner"})
		return nil, false
	}

	return st, true
}

// respondError maps domain errors onto HTTP statuses
func (h *JobHandler) respondError(c *gin.Context, err error, msg string) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		code := http.StatusBadRequest
		if errors.Is(err, domain.ErrUploadTooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		c.JSON(code, dto.ErrorResponse{Error: verr.Message, Field: verr.Field})
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "job not found"})
	case errors.Is(err, context.DeadlineExceeded), domain.IsInfrastructure(err):
		h.logger.Error(msg, slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "service temporarily unavailable"})
	default:
		h.logger.Error(msg, slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: msg})
	}
}

func requireOwner(c *gin.Context) (string, bool) {
	ownerID := strings.TrimSpace(c.GetHeader(OwnerHeader))
	if ownerID == "" {
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{Error: OwnerHeader + " header is required"})
		return "", false
	}
	return ownerID, true
}

func statusURL(jobID string) string {
	return "/api/v1/jobs/" + jobID
}

func toDTO(st *status.Status) dto.JobDTO {
	out := dto.JobDTO{
		JobID:          st.JobID,
		FileName:       st.FileName,
		Status:         st.State,
		Progress:       st.Progress,
		Operation:      st.OperationKind,
		ScaleFactor:    st.ScaleFactor,
		Strategy:       st.Strategy,
		FallbackReason: st.FallbackReason,
		OutputWidth:    st.OutputWidth,
		OutputHeight:   st.OutputHeight,
		OutputSize:     st.OutputSize,
		Error:          st.ErrorDetail,
		DurationMs:     st.DurationMs,
		CreatedAt:      st.CreatedAt.Format(time.RFC3339),
	}
	if st.OutputRef != "" {
		out.ProcessedURL = statusURL(st.JobID) + "/output"
	}
	if st.CompletedAt != nil {
		out.CompletedAt = st.CompletedAt.Format(time.RFC3339)
	}
	return out
}
