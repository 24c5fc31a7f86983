// Package strategy holds the interchangeable image processing executors and
// the selector that picks one for a job.
package strategy

import (
	"context"

	"github.com/cuongbtq/imagepipe/internal/domain"
)

// ProgressFunc receives completion percentages in the range 0..100
type ProgressFunc func(percent float64)

// Params describes a single execution
type Params struct {
	JobID        string
	InputPath    string
	OutputPath   string
	Kind         string
	ScaleFactor  int
	Quality      string
	Algorithm    string
	OutputFormat string
}

// ParamsForJob builds execution parameters from a job record
func ParamsForJob(job *domain.Job) Params {
	return Params{
		JobID:        job.ID,
		InputPath:    job.InputRef,
		OutputPath:   job.OutputRef,
		Kind:         job.OperationKind,
		ScaleFactor:  job.ScaleFactor,
		Quality:      job.QualityTier,
		Algorithm:    job.Algorithm,
		OutputFormat: job.OutputFormat,
	}
}

// Result describes a produced output image
type Result struct {
	Width  int
	Height int
}

// Strategy is one way of producing the output image
type Strategy interface {
	Name() string

	// Available reports whether the strategy can run on this host at all
	Available(ctx context.Context) error

	// Supports reports whether the strategy can serve the parameters
	Supports(p Params) error

	// Execute writes the output image to p.OutputPath. A rerun overwrites
	// any partial output from an earlier attempt.
	Execute(ctx context.Context, p Params, progress ProgressFunc) (*Result, error)
}

func report(progress ProgressFunc, percent float64) {
	if progress != nil {
		progress(percent)
	}
}
