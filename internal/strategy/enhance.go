package strategy

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/cuongbtq/imagepipe/internal/domain"
)

const diagnosticsLimit = 4096

// EnhanceOptions configures the external enhancement binary
type EnhanceOptions struct {
	BinaryPath      string
	Model           string
	TileSize        int
	GPUID           string
	Timeout         time.Duration
	SupportedScales []int
}

// Enhance upscales images by running an external super-resolution binary
// such as realesrgan-ncnn-vulkan. Progress is read from its stderr.
type Enhance struct {
	opts EnhanceOptions
}

// NewEnhance creates the enhancement strategy, filling unset options
func NewEnhance(opts EnhanceOptions) *Enhance {
	if opts.Model == "" {
		opts.Model = "realesrgan-x4plus"
	}
	if opts.TileSize <= 0 {
		opts.TileSize = 400
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if len(opts.SupportedScales) == 0 {
		opts.SupportedScales = []int{2, 4}
	}
	return &Enhance{opts: opts}
}

func (e *Enhance) Name() string {
	return domain.StrategyEnhance
}

// Available checks that the binary exists and is executable
func (e *Enhance) Available(context.Context) error {
	if e.opts.BinaryPath == "" {
		return &domain.UnavailableStrategyError{Strategy: e.Name(), Reason: "binary path not configured"}
	}
	if _, err := exec.LookPath(e.opts.BinaryPath); err != nil {
		return &domain.UnavailableStrategyError{Strategy: e.Name(), Reason: err.Error()}
	}
	return nil
}

func (e *Enhance) Supports(p Params) error {
	if p.Kind != domain.OperationUpscale {
		return &domain.UnavailableStrategyError{Strategy: e.Name(), Reason: "only upscaling is supported"}
	}
	for _, s := range e.opts.SupportedScales {
		if s == p.ScaleFactor {
			return nil
		}
	}
	return &domain.UnavailableStrategyError{
		Strategy: e.Name(),
		Reason:   fmt.Sprintf("scale factor %d not supported (supported: %v)", p.ScaleFactor, e.opts.SupportedScales),
	}
}

func (e *Enhance) args(p Params) []string {
	format := "png"
	if p.OutputFormat == domain.FormatJPEG {
		format = "jpg"
	}

	args := []string{
		"-i", p.InputPath,
		"-o", p.OutputPath,
		"-n", e.opts.Model,
		"-s", strconv.Itoa(p.ScaleFactor),
		"-f", format,
		"-t", strconv.Itoa(e.opts.TileSize),
	}
	if e.opts.GPUID != "" {
		args = append(args, "-g", e.opts.GPUID)
	}
	return args
}

func (e *Enhance) Execute(ctx context.Context, p Params, progress ProgressFunc) (*Result, error) {
	if err := e.Available(ctx); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.opts.BinaryPath, e.args(p)...)
	cmd.WaitDelay = 2 * time.Second

	tail := newTailBuffer(diagnosticsLimit)
	stderr := &progressWriter{progress: progress, tail: tail}
	cmd.Stderr = stderr

	report(progress, 0)
	waitErr := cmd.Run()
	stderr.Flush()

	if ctxErr := runCtx.Err(); ctxErr != nil {
		return nil, &domain.ExecutionError{
			Strategy:    e.Name(),
			Timeout:     errors.Is(ctxErr, context.DeadlineExceeded),
			ExitCode:    exitCode(waitErr),
			Diagnostics: tail.String(),
			Err:         ctxErr,
		}
	}

	if waitErr != nil {
		return nil, &domain.ExecutionError{
			Strategy:    e.Name(),
			ExitCode:    exitCode(waitErr),
			Diagnostics: tail.String(),
			Err:         waitErr,
		}
	}

	width, height, err := decodeDimensions(p.OutputPath)
	if err != nil {
		return nil, &domain.ExecutionError{Strategy: e.Name(), Diagnostics: tail.String(), Err: err}
	}

	report(progress, 100)
	return &Result{Width: width, Height: height}, nil
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func decodeDimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open output: %w", err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read output dimensions: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}
