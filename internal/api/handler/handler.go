package handler

import (
	"context"
	"log/slog"
	"os"

	"github.com/cuongbtq/imagepipe/internal/gateway"
	"github.com/cuongbtq/imagepipe/internal/status"
)

// OwnerHeader identifies the caller; authentication happens upstream
const OwnerHeader = "X-Owner-ID"

// Submitter accepts new jobs
type Submitter interface {
	Submit(ctx context.Context, req gateway.SubmitRequest) (string, error)
	MaxUploadBytes() int64
}

// StatusReader answers status queries
type StatusReader interface {
	GetStatus(ctx context.Context, jobID string) (*status.Status, error)
	List(ctx context.Context, req status.ListRequest) (*status.Page, error)
}

// OutputOpener opens produced images
type OutputOpener interface {
	Open(ref string) (*os.File, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Gateway     Submitter
	Status      StatusReader
	Outputs     OutputOpener
	HealthCheck func(ctx context.Context) error
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger  *slog.Logger
	gateway Submitter
	status  StatusReader
	outputs OutputOpener
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		gateway: deps.Gateway,
		status:  deps.Status,
		outputs: deps.Outputs,
	}
}
