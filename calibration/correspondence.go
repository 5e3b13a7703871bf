package calibration

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/camcal/logging"
	"go.viam.com/camcal/rimage/transform"
	"go.viam.com/camcal/utils"
)

// RejectedView records a view that was not accumulated and why.
type RejectedView struct {
	Index  int
	Name   string
	Reason error
}

// Correspondence pairs the pattern's 3D points with one view's observed corners.
type Correspondence struct {
	Object []r3.Vector
	Image  []r2.Point
}

// CorrespondenceSet accumulates the views of one pattern that are usable for calibration. It is
// not safe for concurrent use.
type CorrespondenceSet struct {
	pattern   Pattern
	object    []r3.Vector
	plane     []r2.Point
	cfg       Config
	logger    logging.Logger
	views     []*ObservedView
	rejected  []RejectedView
	imageSize image.Point
}

// NewCorrespondenceSet returns an empty set for the given pattern. The degeneracy and duplicate
// thresholds are taken from cfg.
func NewCorrespondenceSet(pattern Pattern, cfg Config, logger logging.Logger) *CorrespondenceSet {
	return &CorrespondenceSet{
		pattern: pattern,
		object:  pattern.ObjectPoints(),
		plane:   pattern.PlanePoints(),
		cfg:     cfg,
		logger:  logger,
	}
}

// Pattern returns the pattern shared by every view.
func (cs *CorrespondenceSet) Pattern() Pattern {
	return cs.pattern
}

// Accumulate validates a view and adds a copy of it to the set. A rejected view is recorded, and
// the reason is returned wrapping one of the ErrPointCount family of errors.
func (cs *CorrespondenceSet) Accumulate(view *ObservedView) error {
	if view == nil {
		return errors.Wrap(ErrPointCount, "nil view")
	}
	if err := cs.check(view); err != nil {
		cs.rejected = append(cs.rejected, RejectedView{Index: view.Index, Name: view.Name, Reason: err})
		cs.logger.Infow("rejected view", "view", view.label(), "reason", err)
		return err
	}
	if len(cs.views) == 0 {
		cs.imageSize = view.ImageSize
	}
	cs.views = append(cs.views, view.clone())
	cs.logger.Debugw("accepted view", "view", view.label(), "accepted", len(cs.views))
	return nil
}

func (cs *CorrespondenceSet) check(view *ObservedView) error {
	if len(view.Points) != cs.pattern.NumPoints() {
		return errors.Wrapf(ErrPointCount, "got %d points, expected %d", len(view.Points), cs.pattern.NumPoints())
	}
	for i, p := range view.Points {
		if !utils.AllFinite(p.X, p.Y) {
			return errors.Wrapf(ErrNonFinitePoint, "point %d is (%v, %v)", i, p.X, p.Y)
		}
	}
	if view.ImageSize.X <= 0 || view.ImageSize.Y <= 0 {
		return errors.Wrapf(ErrImageSizeMismatch, "invalid image size %v", view.ImageSize)
	}
	if len(cs.views) > 0 && view.ImageSize != cs.imageSize {
		return errors.Wrapf(ErrImageSizeMismatch, "got %v, expected %v", view.ImageSize, cs.imageSize)
	}
	if ratio := spreadRatio(view.Points); ratio < cs.cfg.DegeneracyThreshold {
		return errors.Wrapf(ErrCollinearView, "spread ratio %.3g below %.3g", ratio, cs.cfg.DegeneracyThreshold)
	}
	if _, err := transform.EstimateHomography(cs.plane, view.Points); err != nil {
		return errors.Wrap(ErrDegenerateView, err.Error())
	}
	for _, accepted := range cs.views {
		if d := rmsDisplacement(accepted.Points, view.Points); d < cs.cfg.DuplicateThreshold {
			return errors.Wrapf(ErrDuplicateView, "within %.3g px of view %s", d, accepted.label())
		}
	}
	return nil
}

// spreadRatio is the ratio of the minor to the major standard deviation of the points, zero for
// collinear points and one for isotropic ones.
func spreadRatio(pts []r2.Point) float64 {
	var mean r2.Point
	for _, p := range pts {
		mean = mean.Add(p)
	}
	mean = mean.Mul(1 / float64(len(pts)))
	var sxx, syy, sxy float64
	for _, p := range pts {
		d := p.Sub(mean)
		sxx += d.X * d.X
		syy += d.Y * d.Y
		sxy += d.X * d.Y
	}
	// eigenvalues of the 2x2 scatter matrix
	half := (sxx + syy) / 2
	disc := math.Sqrt(utils.Square((sxx-syy)/2) + sxy*sxy)
	major := half + disc
	minor := math.Max(half-disc, 0)
	if major <= 0 {
		return 0
	}
	return math.Sqrt(minor / major)
}

func rmsDisplacement(a, b []r2.Point) float64 {
	var sum float64
	for i := range a {
		d := a[i].Sub(b[i])
		sum += d.Dot(d)
	}
	return math.Sqrt(sum / float64(len(a)))
}

// Len is the number of accepted views.
func (cs *CorrespondenceSet) Len() int {
	return len(cs.views)
}

// Views returns copies of the accepted views in insertion order.
func (cs *CorrespondenceSet) Views() []*ObservedView {
	out := make([]*ObservedView, len(cs.views))
	for i, v := range cs.views {
		out[i] = v.clone()
	}
	return out
}

// Pairs returns the object and image points of every accepted view, in insertion order. The
// returned slices must not be modified.
func (cs *CorrespondenceSet) Pairs() []Correspondence {
	out := make([]Correspondence, len(cs.views))
	for i, v := range cs.views {
		out[i] = Correspondence{Object: cs.object, Image: v.Points}
	}
	return out
}

// ImageSize is the size shared by every accepted view, zero while the set is empty.
func (cs *CorrespondenceSet) ImageSize() image.Point {
	return cs.imageSize
}

// Rejected returns the views that were refused, in the order they were offered.
func (cs *CorrespondenceSet) Rejected() []RejectedView {
	out := make([]RejectedView, len(cs.rejected))
	copy(out, cs.rejected)
	return out
}
