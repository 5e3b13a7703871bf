package calibration

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a calibration failure.
type Kind int

// The failure kinds of a calibration run.
const (
	KindUnknown Kind = iota
	KindPatternNotFound
	KindInsufficientViews
	KindSingularConfiguration
	KindDivergence
	KindNonPositiveFocalLength
	KindInvalidCalibration
)

func (k Kind) String() string {
	switch k {
	case KindPatternNotFound:
		return "PatternNotFound"
	case KindInsufficientViews:
		return "InsufficientViews"
	case KindSingularConfiguration:
		return "SingularConfiguration"
	case KindDivergence:
		return "Divergence"
	case KindNonPositiveFocalLength:
		return "NonPositiveFocalLength"
	case KindInvalidCalibration:
		return "InvalidCalibration"
	case KindUnknown:
		fallthrough
	default:
		return "Unknown"
	}
}

// Pipeline stages reported by Error.
const (
	StageDetection  = "detection"
	StageAccumulate = "accumulation"
	StageEstimate   = "initial estimation"
	StageRefine     = "refinement"
	StageRecord     = "record assembly"
)

// Error is a tagged calibration failure. Cost and Iterations are the last known solver state
// and are zero for stages before refinement.
type Error struct {
	Kind       Kind
	Stage      string
	Cost       float64
	Iterations int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Stage != "" {
		msg = fmt.Sprintf("%s during %s", msg, e.Stage)
	}
	if e.Iterations > 0 || e.Cost != 0 {
		msg = fmt.Sprintf("%s (cost %g after %d iterations)", msg, e.Cost, e.Iterations)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind, so the sentinels below match any
// failure of their kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrPatternNotFound        = &Error{Kind: KindPatternNotFound}
	ErrInsufficientViews      = &Error{Kind: KindInsufficientViews}
	ErrSingularConfiguration  = &Error{Kind: KindSingularConfiguration}
	ErrDivergence             = &Error{Kind: KindDivergence}
	ErrNonPositiveFocalLength = &Error{Kind: KindNonPositiveFocalLength}
	ErrInvalidCalibration     = &Error{Kind: KindInvalidCalibration}
)

func newError(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// KindOf returns the Kind of a calibration error, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Reasons a view is rejected by a CorrespondenceSet.
var (
	ErrPointCount        = errors.New("view does not have one point per pattern corner")
	ErrNonFinitePoint    = errors.New("view has a non-finite point")
	ErrImageSizeMismatch = errors.New("view image size differs from earlier views")
	ErrCollinearView     = errors.New("view points are nearly collinear")
	ErrDegenerateView    = errors.New("view homography is ill-conditioned")
	ErrDuplicateView     = errors.New("view nearly duplicates an accepted view")
)
