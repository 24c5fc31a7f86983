package strategy

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"github.com/cuongbtq/imagepipe/internal/domain"
	"github.com/disintegration/imaging"

	// register the WebP decoder with image.Decode
	_ "golang.org/x/image/webp"
)

// JPEG quality per tier
var jpegQuality = map[string]int{
	domain.QualityFast:     70,
	domain.QualityBalanced: 85,
	domain.QualityQuality:  95,
}

// PNG compression per tier
var pngCompression = map[string]png.CompressionLevel{
	domain.QualityFast:     png.BestSpeed,
	domain.QualityBalanced: png.DefaultCompression,
	domain.QualityQuality:  png.BestCompression,
}

// Resample scales images in process with a resampling kernel
type Resample struct{}

// NewResample creates the in-process resampling strategy
func NewResample() *Resample {
	return &Resample{}
}

func (r *Resample) Name() string {
	return domain.StrategyResample
}

// Available always succeeds; resampling has no external requirements
func (r *Resample) Available(context.Context) error {
	return nil
}

func (r *Resample) Supports(p Params) error {
	if !domain.ValidOperation(p.Kind) {
		return &domain.UnavailableStrategyError{Strategy: r.Name(), Reason: fmt.Sprintf("unknown operation %q", p.Kind)}
	}
	if p.ScaleFactor < 1 {
		return &domain.UnavailableStrategyError{Strategy: r.Name(), Reason: fmt.Sprintf("invalid scale factor %d", p.ScaleFactor)}
	}
	return nil
}

func (r *Resample) Execute(ctx context.Context, p Params, progress ProgressFunc) (*Result, error) {
	report(progress, 0)

	src, err := imaging.Open(p.InputPath)
	if err != nil {
		return nil, r.failure(fmt.Errorf("failed to decode input: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return nil, r.interrupted(err)
	}
	report(progress, 30)

	bounds := src.Bounds()
	width, height := domain.ScaleDimensions(bounds.Dx(), bounds.Dy(), p.Kind, p.ScaleFactor)

	dst := imaging.Resize(src, width, height, resampleFilter(p.Algorithm))
	if err := ctx.Err(); err != nil {
		return nil, r.interrupted(err)
	}
	report(progress, 70)

	if err := writeImage(dst, p.OutputPath, p.OutputFormat, p.Quality); err != nil {
		return nil, r.failure(err)
	}
	report(progress, 100)

	return &Result{Width: width, Height: height}, nil
}

func (r *Resample) failure(err error) error {
	return &domain.ExecutionError{Strategy: r.Name(), Err: err}
}

func (r *Resample) interrupted(err error) error {
	return &domain.ExecutionError{Strategy: r.Name(), Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
}

func resampleFilter(algorithm string) imaging.ResampleFilter {
	switch algorithm {
	case domain.AlgorithmMitchell:
		return imaging.MitchellNetravali
	case domain.AlgorithmCubic:
		return imaging.CatmullRom
	default:
		return imaging.Lanczos
	}
}

// writeImage encodes img next to path and renames it into place so readers
// never observe a partially written output
func writeImage(img image.Image, path, format, quality string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".resample-*")
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var encodeErr error
	switch format {
	case domain.FormatJPEG:
		q, ok := jpegQuality[quality]
		if !ok {
			q = jpegQuality[domain.QualityBalanced]
		}
		encodeErr = imaging.Encode(tmp, img, imaging.JPEG, imaging.JPEGQuality(q))
	default:
		level, ok := pngCompression[quality]
		if !ok {
			level = png.DefaultCompression
		}
		encodeErr = imaging.Encode(tmp, img, imaging.PNG, imaging.PNGCompressionLevel(level))
	}

	if closeErr := tmp.Close(); encodeErr == nil {
		encodeErr = closeErr
	}
	if encodeErr != nil {
		return fmt.Errorf("failed to encode output: %w", encodeErr)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	return nil
}
