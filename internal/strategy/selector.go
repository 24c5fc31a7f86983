package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/imagepipe/internal/domain"
)

// Selector chooses the strategy that runs a job. Resample is the universal
// fallback; Enhance runs only when requested and able to serve the job.
type Selector struct {
	resample Strategy
	enhance  Strategy
	logger   *slog.Logger
}

// NewSelector creates a selector. enhance may be nil when no binary is configured.
func NewSelector(resample, enhance Strategy, logger *slog.Logger) *Selector {
	return &Selector{
		resample: resample,
		enhance:  enhance,
		logger:   logger,
	}
}

// Select returns the strategy for the request and, when it differs from the
// requested one, the reason the request could not be honoured
func (s *Selector) Select(ctx context.Context, requested string, p Params) (Strategy, string) {
	if requested != domain.StrategyEnhance {
		return s.resample, ""
	}

	err := s.check(ctx, s.enhance, p)
	if err == nil {
		return s.enhance, ""
	}

	s.logger.Warn("Falling back to resample strategy",
		slog.String("job_id", p.JobID),
		slog.String("requested", requested),
		slog.String("reason", err.Error()),
	)
	return s.resample, err.Error()
}

// Lookup returns the named strategy if it can still serve p. A resumed job
// keeps its recorded strategy.
func (s *Selector) Lookup(ctx context.Context, name string, p Params) (Strategy, error) {
	switch name {
	case domain.StrategyResample:
		return s.resample, s.check(ctx, s.resample, p)
	case domain.StrategyEnhance:
		return s.enhance, s.check(ctx, s.enhance, p)
	default:
		return nil, &domain.UnavailableStrategyError{Strategy: name, Reason: "unknown strategy"}
	}
}

func (s *Selector) check(ctx context.Context, st Strategy, p Params) error {
	if st == nil {
		return &domain.UnavailableStrategyError{Strategy: domain.StrategyEnhance, Reason: "not configured"}
	}
	if err := st.Supports(p); err != nil {
		return err
	}
	if err := st.Available(ctx); err != nil {
		return err
	}
	return nil
}

// Describe summarises the configured strategies for startup logging
func (s *Selector) Describe(ctx context.Context) []slog.Attr {
	attrs := []slog.Attr{slog.String("fallback", s.resample.Name())}
	if s.enhance == nil {
		return append(attrs, slog.String(domain.StrategyEnhance, "not configured"))
	}
	if err := s.enhance.Available(ctx); err != nil {
		return append(attrs, slog.String(domain.StrategyEnhance, fmt.Sprintf("unavailable: %v", err)))
	}
	return append(attrs, slog.String(domain.StrategyEnhance, "available"))
}
