package calibration

import (
	"image"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/camcal/logging"
	"go.viam.com/camcal/testutils"
)

func sceneConfig(scene *testutils.SyntheticScene) Config {
	cfg := DefaultConfig()
	cfg.PatternSize = PatternSize{Cols: scene.Cols, Rows: scene.Rows}
	cfg.SquareSize = scene.Square
	return cfg
}

func sceneSize(scene *testutils.SyntheticScene) image.Point {
	return image.Pt(scene.Model.Width, scene.Model.Height)
}

func exactViews(scene *testutils.SyntheticScene) []*ObservedView {
	views := make([]*ObservedView, len(scene.Views))
	for i := range scene.Views {
		views[i] = NewObservedView(i, "", scene.ImagePoints(i), sceneSize(scene))
	}
	return views
}

func newSceneSet(t *testing.T, scene *testutils.SyntheticScene, views []*ObservedView) *CorrespondenceSet {
	t.Helper()
	cfg := sceneConfig(scene)
	pattern, err := cfg.Pattern()
	test.That(t, err, test.ShouldBeNil)
	set := NewCorrespondenceSet(pattern, cfg, logging.NewTestLogger(t))
	for _, v := range views {
		test.That(t, set.Accumulate(v), test.ShouldBeNil)
	}
	return set
}

func TestPattern(t *testing.T) {
	_, err := NewPattern(1, 5, 1)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewPattern(7, 5, 0)
	test.That(t, err, test.ShouldNotBeNil)

	p, err := NewPattern(7, 5, 30)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.NumPoints(), test.ShouldEqual, 35)
	obj := p.ObjectPoints()
	test.That(t, obj, test.ShouldHaveLength, 35)
	test.That(t, obj[0].X, test.ShouldEqual, 0)
	test.That(t, obj[1].X, test.ShouldEqual, 30)
	test.That(t, obj[7].X, test.ShouldEqual, 0)
	test.That(t, obj[7].Y, test.ShouldEqual, 30)
	test.That(t, obj[34].X, test.ShouldEqual, 180)
	test.That(t, obj[34].Y, test.ShouldEqual, 120)
	test.That(t, obj[34].Z, test.ShouldEqual, 0)
	test.That(t, p.PlanePoints()[34], test.ShouldResemble, r2.Point{X: 180, Y: 120})
}

func TestAccumulateRejects(t *testing.T) {
	scene := testutils.NewSyntheticScene(rand.New(rand.NewSource(1)), testutils.DefaultSyntheticModel(), 7, 5, 30, 3,
		testutils.DefaultSceneOptions)
	views := exactViews(scene)
	cfg := sceneConfig(scene)
	pattern, err := cfg.Pattern()
	test.That(t, err, test.ShouldBeNil)
	logger, logs := logging.NewObservedTestLogger(t)
	set := NewCorrespondenceSet(pattern, cfg, logger)

	accepted := 0
	check := func(v *ObservedView, reason error) {
		t.Helper()
		err := set.Accumulate(v)
		if reason == nil {
			test.That(t, err, test.ShouldBeNil)
			accepted++
		} else {
			test.That(t, errors.Is(err, reason), test.ShouldBeTrue)
		}
		test.That(t, set.Len(), test.ShouldEqual, accepted)
	}

	check(views[0], nil)

	short := NewObservedView(10, "short", views[1].Points[:34], sceneSize(scene))
	check(short, ErrPointCount)
	check(nil, ErrPointCount)

	nan := NewObservedView(11, "nan", views[1].Points, sceneSize(scene))
	nan.Points[3].X = math.NaN()
	check(nan, ErrNonFinitePoint)

	check(NewObservedView(12, "size", views[1].Points, image.Pt(320, 240)), ErrImageSizeMismatch)

	line := make([]r2.Point, 35)
	for i := range line {
		line[i] = r2.Point{X: 100 + float64(i)*10, Y: 200 + float64(i)*5 + 0.001*float64(i%2)}
	}
	check(NewObservedView(13, "line", line, sceneSize(scene)), ErrCollinearView)

	dup := NewObservedView(14, "dup", views[0].Points, sceneSize(scene))
	for i := range dup.Points {
		dup.Points[i].X += 0.1
	}
	check(dup, ErrDuplicateView)

	check(views[1], nil)
	check(views[2], nil)

	rejected := set.Rejected()
	test.That(t, rejected, test.ShouldHaveLength, 5)
	test.That(t, rejected[0].Name, test.ShouldEqual, "short")
	test.That(t, rejected[4].Index, test.ShouldEqual, 14)
	test.That(t, logs.FilterMessage("rejected view").Len(), test.ShouldEqual, 5)

	test.That(t, set.ImageSize(), test.ShouldResemble, sceneSize(scene))
	pairs := set.Pairs()
	test.That(t, pairs, test.ShouldHaveLength, 3)
	test.That(t, pairs[1].Image, test.ShouldResemble, views[1].Points)
	test.That(t, pairs[1].Object, test.ShouldResemble, pattern.ObjectPoints())

	// views are copies
	got := set.Views()
	got[0].Points[0] = r2.Point{X: -1, Y: -1}
	test.That(t, set.Views()[0].Points[0], test.ShouldResemble, views[0].Points[0])
	views[2].Points[0] = r2.Point{X: -5, Y: -5}
	test.That(t, set.Pairs()[2].Image[0], test.ShouldNotResemble, views[2].Points[0])
}

func TestAccumulateDegenerateHomography(t *testing.T) {
	pts := make([]r2.Point, 35)
	for i := range pts {
		pts[i] = r2.Point{X: 320, Y: 240}
	}
	pattern, err := NewPattern(7, 5, 1)
	test.That(t, err, test.ShouldBeNil)
	cfg := DefaultConfig()
	// let the view through the spread check so the homography fit sees it
	cfg.DegeneracyThreshold = 0
	set := NewCorrespondenceSet(pattern, cfg, logging.NewTestLogger(t))
	err = set.Accumulate(NewObservedView(0, "", pts, image.Pt(640, 480)))
	test.That(t, errors.Is(err, ErrDegenerateView), test.ShouldBeTrue)
	test.That(t, set.Len(), test.ShouldEqual, 0)
}

func TestSpreadRatio(t *testing.T) {
	square := []r2.Point{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}}
	test.That(t, spreadRatio(square), test.ShouldAlmostEqual, 1, 1e-12)
	flat := []r2.Point{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 4, Y: 1}, {X: 0, Y: 1}}
	test.That(t, spreadRatio(flat), test.ShouldAlmostEqual, 0.25, 1e-12)
	line := []r2.Point{{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 2, Y: 2}}
	test.That(t, spreadRatio(line), test.ShouldAlmostEqual, 0, 1e-7)

	model := testutils.DefaultSyntheticModel()
	scene := &testutils.SyntheticScene{Model: model, Cols: 7, Rows: 5, Square: 30}
	scene.Views = append(scene.Views, testutils.FrontalView(model, 7, 5, 30, 500, 0, 0))
	// 7x5 corners: variances 4 and 2 in squares, up to lens distortion
	test.That(t, spreadRatio(scene.ImagePoints(0)), test.ShouldAlmostEqual, math.Sqrt(0.5), 0.02)
}
