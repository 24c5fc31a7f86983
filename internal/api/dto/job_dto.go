package dto

// CreateJobRequest carries the form fields sent alongside the uploaded file
type CreateJobRequest struct {
	Operation   string `form:"operation" binding:"required"`
	ScaleFactor int    `form:"scale_factor" binding:"required"`
	Strategy    string `form:"strategy"`
	Quality     string `form:"quality"`
	Algorithm   string `form:"algorithm"`
}

type CreateJobResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	StatusURL string `json:"status_url"`
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// JobDTO is the status view of a job. ProcessedURL is only set once the
// job has succeeded and Error only once it has failed.
type JobDTO struct {
	JobID          string `json:"id"`
	FileName       string `json:"file_name,omitempty"`
	Status         string `json:"status"`
	Progress       int    `json:"progress"`
	Operation      string `json:"operation"`
	ScaleFactor    int    `json:"scale_factor"`
	Strategy       string `json:"strategy"`
	FallbackReason string `json:"fallback_reason,omitempty"`
	ProcessedURL   string `json:"processedUrl,omitempty"`
	OutputWidth    int    `json:"output_width,omitempty"`
	OutputHeight   int    `json:"output_height,omitempty"`
	OutputSize     int64  `json:"output_size,omitempty"`
	Error          string `json:"error,omitempty"`
	DurationMs     *int64 `json:"duration_ms,omitempty"`
	CreatedAt      string `json:"created_at"`
	CompletedAt    string `json:"completed_at,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}
