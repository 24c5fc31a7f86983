package domain

// Job state constants
const (
	JobStateQueued    = "QUEUED"
	JobStateRunning   = "RUNNING"
	JobStateSucceeded = "SUCCEEDED"
	JobStateFailed    = "FAILED"
)

// Operation kinds
const (
	OperationUpscale   = "UPSCALE"
	OperationDownscale = "DOWNSCALE"
)

// Quality tiers
const (
	QualityFast     = "FAST"
	QualityBalanced = "BALANCED"
	QualityQuality  = "QUALITY"
)

// Strategy identifiers
const (
	StrategyResample = "fast-resample"
	StrategyEnhance  = "ai-enhance"
)

// Resample kernels accepted from clients
const (
	AlgorithmLanczos3 = "lanczos3"
	AlgorithmMitchell = "mitchell"
	AlgorithmCubic    = "cubic"
)

// Output formats
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
)

const (
	// MaxRunningProgress is the highest progress a job may report before it succeeds
	MaxRunningProgress = 99
	// CompleteProgress is only ever written together with SUCCEEDED
	CompleteProgress = 100
)

// ScaleFactors lists the accepted scale factors
var ScaleFactors = []int{2, 4, 8}

// IsTerminal reports whether no further transition may leave state
func IsTerminal(state string) bool {
	return state == JobStateSucceeded || state == JobStateFailed
}

// ValidScaleFactor reports whether factor is one of ScaleFactors
func ValidScaleFactor(factor int) bool {
	for _, f := range ScaleFactors {
		if f == factor {
			return true
		}
	}
	return false
}

// ValidOperation reports whether kind is a known operation kind
func ValidOperation(kind string) bool {
	return kind == OperationUpscale || kind == OperationDownscale
}

// ValidQuality reports whether tier is a known quality tier
func ValidQuality(tier string) bool {
	switch tier {
	case QualityFast, QualityBalanced, QualityQuality:
		return true
	}
	return false
}

// ValidStrategy reports whether name is a known strategy identifier
func ValidStrategy(name string) bool {
	return name == StrategyResample || name == StrategyEnhance
}

// ValidAlgorithm reports whether name is a known resample kernel
func ValidAlgorithm(name string) bool {
	switch name {
	case AlgorithmLanczos3, AlgorithmMitchell, AlgorithmCubic:
		return true
	}
	return false
}
