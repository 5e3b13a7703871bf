package calibration

import (
	"context"
	"fmt"
	"image"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.viam.com/camcal/logging"
	"go.viam.com/camcal/rimage"
	"go.viam.com/camcal/rimage/detection/chessboard"
)

// refine is swapped out by tests that need a diverging first attempt.
var refine = Refine

// ViewResult is the fate of one input.
type ViewResult struct {
	Index    int
	Name     string
	Accepted bool
	// Err is why the view was not used, nil when accepted.
	Err error
}

// Summary reports what a calibration run did with its inputs. It is returned even when the run
// fails.
type Summary struct {
	Views      []ViewResult
	Accepted   int
	Rejected   int
	RMS        float64
	Iterations int
	// Retried is set when refinement diverged and was run again with heavier damping.
	Retried bool
	// Err combines every per view failure.
	Err error
}

func (s *Summary) reject(i int, err error) {
	s.Views[i].Err = err
	s.Rejected++
	s.Err = multierr.Append(s.Err, errors.Wrapf(err, "view %s", viewName(s.Views[i])))
}

func viewName(v ViewResult) string {
	if v.Name != "" {
		return v.Name
	}
	return fmt.Sprintf("#%d", v.Index)
}

// DetectViews finds the pattern in every image on a bounded pool of workers. The returned views
// and errors are indexed like images: a failed image has a nil view and a PatternNotFound error.
// The error return is only set for an invalid config or a cancelled context.
func DetectViews(
	ctx context.Context, images []image.Image, names []string, cfg Config, logger logging.Logger,
) ([]*ObservedView, []error, error) {
	if err := cfg.Validate("calibration"); err != nil {
		return nil, nil, err
	}
	detector, err := chessboard.NewDetector(cfg.DetectionConfiguration(), logger.Sublogger("chessboard"))
	if err != nil {
		return nil, nil, err
	}
	views := make([]*ObservedView, len(images))
	failures := make([]error, len(images))

	var g errgroup.Group
	g.SetLimit(workerCount(cfg.Workers))
	for i := range images {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			name := ""
			if i < len(names) {
				name = names[i]
			}
			if images[i] == nil {
				failures[i] = newError(KindPatternNotFound, StageDetection, errors.New("no image"))
				return nil
			}
			gray := rimage.ToGray(images[i])
			corners, err := detector.Detect(ctx, gray)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				failures[i] = newError(KindPatternNotFound, StageDetection, err)
				return nil
			}
			views[i] = NewObservedView(i, name, corners, gray.Bounds().Size())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, errors.Wrap(err, "detection cancelled")
	}
	return views, failures, nil
}

// Calibrate detects the pattern in every image and calibrates from the views where it was found.
func Calibrate(ctx context.Context, images []image.Image, cfg Config, logger logging.Logger) (*Record, *Summary, error) {
	return CalibrateNamed(ctx, images, nil, cfg, logger)
}

// CalibrateNamed is Calibrate with a name per image used in logs, the summary and the record.
func CalibrateNamed(
	ctx context.Context, images []image.Image, names []string, cfg Config, logger logging.Logger,
) (*Record, *Summary, error) {
	views, failures, err := DetectViews(ctx, images, names, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return CalibrateDetected(ctx, views, failures, names, cfg, logger)
}

// CalibrateDetected calibrates from the output of DetectViews. Images whose detection failed
// are reported in the summary under their failure.
func CalibrateDetected(
	ctx context.Context, views []*ObservedView, failures []error, names []string, cfg Config, logger logging.Logger,
) (*Record, *Summary, error) {
	if err := cfg.Validate("calibration"); err != nil {
		return nil, nil, err
	}
	if len(failures) != len(views) {
		return nil, nil, errors.Errorf("have %d views but %d detection results", len(views), len(failures))
	}
	all := make([]*ObservedView, len(views))
	for i, v := range views {
		all[i] = v
		if v == nil && failures[i] != nil {
			all[i] = &ObservedView{Index: i}
			if i < len(names) {
				all[i].Name = names[i]
			}
		}
	}
	return run(ctx, all, failures, cfg, logger)
}

// CalibrateViews calibrates from corners that were already detected. Views are taken in order;
// their Index only labels them.
func CalibrateViews(ctx context.Context, views []*ObservedView, cfg Config, logger logging.Logger) (*Record, *Summary, error) {
	if err := cfg.Validate("calibration"); err != nil {
		return nil, nil, err
	}
	return run(ctx, views, make([]error, len(views)), cfg, logger)
}

func run(
	ctx context.Context, views []*ObservedView, failures []error, cfg Config, logger logging.Logger,
) (*Record, *Summary, error) {
	pattern, err := cfg.Pattern()
	if err != nil {
		return nil, nil, err
	}
	summary := &Summary{Views: make([]ViewResult, len(views))}
	set := NewCorrespondenceSet(pattern, cfg, logger)
	for i, v := range views {
		if v == nil {
			summary.Views[i] = ViewResult{Index: i}
			summary.reject(i, errors.Wrap(ErrPointCount, "nil view"))
			continue
		}
		summary.Views[i] = ViewResult{Index: v.Index, Name: v.Name}
		if failures[i] != nil {
			logger.Infow("pattern not found", "view", v.label(), "error", failures[i])
			summary.reject(i, failures[i])
			continue
		}
		if err := set.Accumulate(v); err != nil {
			summary.reject(i, err)
			continue
		}
		summary.Views[i].Accepted = true
		summary.Accepted++
	}

	if set.Len() < MinViews {
		return nil, summary, newError(KindInsufficientViews, StageAccumulate,
			errors.Errorf("%d of %d views usable, need at least %d", set.Len(), len(views), MinViews))
	}

	initial, err := EstimateInitial(ctx, set)
	if err != nil {
		return nil, summary, err
	}
	logger.Debugw("initial estimate",
		"fx", initial.Intrinsics.Fx, "fy", initial.Intrinsics.Fy, "cx", initial.Intrinsics.Ppx, "cy", initial.Intrinsics.Ppy)

	ref, err := refine(ctx, set, initial, cfg)
	if errors.Is(err, ErrDivergence) {
		logger.Warnw("refinement diverged, retrying with heavier damping", "error", err)
		summary.Retried = true
		ref, err = refine(ctx, set, initial, cfg.relaxed())
	}
	if err != nil {
		return nil, summary, err
	}
	summary.RMS = ref.RMS
	summary.Iterations = ref.Iterations

	rec, err := NewRecord(ref, set.Views(), summary.Rejected, cfg, logger)
	if err != nil {
		return nil, summary, err
	}
	logger.Infow("calibration done",
		"accepted", summary.Accepted, "rejected", summary.Rejected, "rms", ref.RMS,
		"iterations", ref.Iterations, "converged", ref.Converged)
	return rec, summary, nil
}
