// Package gateway validates image submissions and turns them into queued jobs.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/imagepipe/internal/domain"
	"github.com/cuongbtq/imagepipe/internal/queue"
	"github.com/cuongbtq/imagepipe/internal/store"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	_ "golang.org/x/image/webp"
)

const (
	// DefaultMaxUploadBytes caps an uploaded file at 50 MiB
	DefaultMaxUploadBytes = 50 << 20
	// DefaultMaxOutputPixels caps the produced image size
	DefaultMaxOutputPixels = 100_000_000
)

// accepted content types and the extension the original is stored under
var acceptedTypes = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
}

// Artifacts persists uploaded originals and reserves output locations
type Artifacts interface {
	SaveOriginal(jobID, ext string, data []byte) (string, error)
	ReserveOutput(jobID, format string) string
	Remove(ref string) error
}

// SubmitRequest is one image operation request
type SubmitRequest struct {
	OwnerID      string
	FileName     string
	Body         []byte
	Kind         string
	ScaleFactor  int
	StrategyHint string
	Quality      string
	Algorithm    string
}

// Config holds gateway configuration
type Config struct {
	Logger          *slog.Logger
	Store           store.JobStore
	Queue           queue.Queue
	Artifacts       Artifacts
	MaxUploadBytes  int64
	MaxOutputPixels int64
}

// Gateway accepts submissions
type Gateway struct {
	logger          *slog.Logger
	store           store.JobStore
	queue           queue.Queue
	artifacts       Artifacts
	maxUploadBytes  int64
	maxOutputPixels int64
	now             func() time.Time
	newID           func() string
}

// New creates a new Gateway instance
func New(cfg *Config) *Gateway {
	g := &Gateway{
		logger:          cfg.Logger,
		store:           cfg.Store,
		queue:           cfg.Queue,
		artifacts:       cfg.Artifacts,
		maxUploadBytes:  cfg.MaxUploadBytes,
		maxOutputPixels: cfg.MaxOutputPixels,
		now:             time.Now,
		newID:           uuid.NewString,
	}
	if g.maxUploadBytes <= 0 {
		g.maxUploadBytes = DefaultMaxUploadBytes
	}
	if g.maxOutputPixels <= 0 {
		g.maxOutputPixels = DefaultMaxOutputPixels
	}
	return g
}

// MaxUploadBytes returns the accepted upload size limit
func (g *Gateway) MaxUploadBytes() int64 {
	return g.maxUploadBytes
}

// Submit validates req, stores the original and queues a job for it. The
// job id is returned even when enqueueing fails; the job then waits QUEUED
// until the reaper re-enqueues it.
func (g *Gateway) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	job, ext, err := g.validate(req)
	if err != nil {
		return "", err
	}

	job.ID = g.newID()
	job.CreatedAt = g.now()

	inputRef, err := g.artifacts.SaveOriginal(job.ID, ext, req.Body)
	if err != nil {
		return "", domain.NewInfrastructureError("save original", err)
	}
	job.InputRef = inputRef
	job.OutputRef = g.artifacts.ReserveOutput(job.ID, job.OutputFormat)

	if err := g.store.Create(ctx, job); err != nil {
		if rmErr := g.artifacts.Remove(inputRef); rmErr != nil {
			g.logger.Warn("Failed to remove orphaned upload",
				slog.String("job_id", job.ID),
				slog.String("error", rmErr.Error()),
			)
		}
		return "", domain.NewInfrastructureError("create job", err)
	}

	if err := g.queue.Enqueue(ctx, domain.NewQueueEntry(job, g.now())); err != nil {
		g.logger.Error("Failed to enqueue job, leaving it for the reaper",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	} else {
		g.logger.Info("Job submitted",
			slog.String("job_id", job.ID),
			slog.String("owner_id", job.OwnerID),
			slog.String("operation", job.OperationKind),
			slog.Int("scale_factor", job.ScaleFactor),
			slog.String("strategy", job.RequestedStrategy),
		)
	}

	return job.ID, nil
}

// validate checks req and returns the job it describes (without id) and
// the extension to store the original under
func (g *Gateway) validate(req SubmitRequest) (*domain.Job, string, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, "", domain.NewValidationError("owner_id", "is required")
	}

	kind := strings.ToUpper(strings.TrimSpace(req.Kind))
	if !domain.ValidOperation(kind) {
		return nil, "", domain.NewValidationError("operation", "must be %s or %s", domain.OperationUpscale, domain.OperationDownscale)
	}

	if !domain.ValidScaleFactor(req.ScaleFactor) {
		return nil, "", domain.NewValidationError("scale_factor", "must be one of %v", domain.ScaleFactors)
	}

	quality := strings.ToUpper(strings.TrimSpace(req.Quality))
	if quality == "" {
		quality = domain.QualityBalanced
	}
	if !domain.ValidQuality(quality) {
		return nil, "", domain.NewValidationError("quality", "must be FAST, BALANCED or QUALITY")
	}

	algorithm := strings.ToLower(strings.TrimSpace(req.Algorithm))
	if algorithm == "" {
		algorithm = domain.AlgorithmLanczos3
	}
	if !domain.ValidAlgorithm(algorithm) {
		return nil, "", domain.NewValidationError("algorithm", "must be lanczos3, mitchell or cubic")
	}

	requested := strings.ToLower(strings.TrimSpace(req.StrategyHint))
	if requested == "" {
		requested = domain.StrategyResample
	}
	if !domain.ValidStrategy(requested) {
		return nil, "", domain.NewValidationError("strategy", "must be %s or %s", domain.StrategyResample, domain.StrategyEnhance)
	}

	size := int64(len(req.Body))
	if size == 0 {
		return nil, "", domain.NewValidationError("file", "is required")
	}
	if size > g.maxUploadBytes {
		return nil, "", &domain.ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("exceeds the %d byte limit", g.maxUploadBytes),
			Err:     domain.ErrUploadTooLarge,
		}
	}

	mtype := mimetype.Detect(req.Body)
	ext, ok := acceptedTypes[mtype.String()]
	if !ok {
		return nil, "", domain.NewValidationError("file", "unsupported content type %s", mtype.String())
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(req.Body))
	if err != nil {
		return nil, "", domain.NewValidationError("file", "cannot read image: %v", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", domain.NewValidationError("file", "image has no pixels")
	}

	outW, outH := domain.ScaleDimensions(cfg.Width, cfg.Height, kind, req.ScaleFactor)
	if pixels := int64(outW) * int64(outH); pixels > g.maxOutputPixels {
		return nil, "", domain.NewValidationError("scale_factor", "output of %dx%d exceeds the %d pixel limit", outW, outH, g.maxOutputPixels)
	}

	format := domain.FormatPNG
	if ext == "jpg" {
		format = domain.FormatJPEG
	}

	job := domain.NewJob("", time.Time{})
	job.OwnerID = req.OwnerID
	job.FileName = req.FileName
	job.OperationKind = kind
	job.ScaleFactor = req.ScaleFactor
	job.RequestedStrategy = requested
	job.Strategy = requested
	job.QualityTier = quality
	job.Algorithm = algorithm
	job.OutputFormat = format
	job.InputSizeBytes = size
	job.InputWidth = cfg.Width
	job.InputHeight = cfg.Height

	return job, ext, nil
}
