package calibration

import (
	"context"
	"image"
	"image/color"
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/test"

	"go.viam.com/camcal/logging"
	"go.viam.com/camcal/testutils"
)

func TestCalibrateViews(t *testing.T) {
	scene := testutils.NewSyntheticScene(rand.New(rand.NewSource(42)), testutils.DefaultSyntheticModel(), 7, 5, 30, 10,
		testutils.DefaultSceneOptions)
	views := exactViews(scene)
	views[3].Name = "third"
	short := NewObservedView(20, "short", views[0].Points[:10], sceneSize(scene))
	views = append(views[:5], append([]*ObservedView{nil, short}, views[5:]...)...)

	logger, logs := logging.NewObservedTestLogger(t)
	cfg := sceneConfig(scene)
	cfg.IncludeExtrinsics = true
	rec, summary, err := CalibrateViews(context.Background(), views, cfg, logger)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, summary.Views, test.ShouldHaveLength, 12)
	test.That(t, summary.Accepted, test.ShouldEqual, 10)
	test.That(t, summary.Rejected, test.ShouldEqual, 2)
	test.That(t, summary.Retried, test.ShouldBeFalse)
	test.That(t, summary.Views[5].Accepted, test.ShouldBeFalse)
	test.That(t, summary.Views[6].Name, test.ShouldEqual, "short")
	test.That(t, errors.Is(summary.Views[6].Err, ErrPointCount), test.ShouldBeTrue)
	test.That(t, multierr.Errors(summary.Err), test.ShouldHaveLength, 2)
	test.That(t, summary.Err.Error(), test.ShouldContainSubstring, "view short")
	test.That(t, summary.RMS, test.ShouldEqual, rec.RMS())

	test.That(t, rec.AcceptedViews(), test.ShouldEqual, 10)
	test.That(t, rec.RejectedViews(), test.ShouldEqual, 2)
	test.That(t, rec.Converged(), test.ShouldBeTrue)
	test.That(t, rec.RMS(), test.ShouldBeLessThan, 1e-4)
	test.That(t, rec.Intrinsics().Fx, test.ShouldAlmostEqual, 800, 1e-6)
	test.That(t, rec.Intrinsics().Ppy, test.ShouldAlmostEqual, 240, 1e-6)
	test.That(t, rec.Distortion().RadialK1, test.ShouldAlmostEqual, -0.1, 1e-6)
	test.That(t, rec.Extrinsics(), test.ShouldHaveLength, 10)
	test.That(t, rec.Extrinsics()[3].Name, test.ShouldEqual, "third")
	test.That(t, rec.Extrinsics()[5].Index, test.ShouldEqual, 5)
	test.That(t, logs.FilterMessage("calibration done").Len(), test.ShouldEqual, 1)
}

func TestCalibrateViewsInsufficient(t *testing.T) {
	scene := pinholeScene(8, 4)
	views := exactViews(scene)
	views[1] = NewObservedView(1, "moved", views[0].Points, sceneSize(scene))
	views[3] = nil

	rec, summary, err := CalibrateViews(context.Background(), views, sceneConfig(scene), logging.NewTestLogger(t))
	test.That(t, rec, test.ShouldBeNil)
	test.That(t, errors.Is(err, ErrInsufficientViews), test.ShouldBeTrue)
	test.That(t, KindOf(err), test.ShouldEqual, KindInsufficientViews)
	var calErr *Error
	test.That(t, errors.As(err, &calErr), test.ShouldBeTrue)
	test.That(t, calErr.Stage, test.ShouldEqual, StageAccumulate)

	test.That(t, summary, test.ShouldNotBeNil)
	test.That(t, summary.Accepted, test.ShouldEqual, 2)
	test.That(t, summary.Rejected, test.ShouldEqual, 2)
	test.That(t, errors.Is(summary.Views[1].Err, ErrDuplicateView), test.ShouldBeTrue)

	_, _, err = CalibrateViews(context.Background(), nil, sceneConfig(scene), logging.NewTestLogger(t))
	test.That(t, errors.Is(err, ErrInsufficientViews), test.ShouldBeTrue)
}

func TestCalibrateViewsInvalidConfig(t *testing.T) {
	scene := pinholeScene(8, 3)
	cfg := sceneConfig(scene)
	cfg.SquareSize = 0
	rec, summary, err := CalibrateViews(context.Background(), exactViews(scene), cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "square_size")
	test.That(t, rec, test.ShouldBeNil)
	test.That(t, summary, test.ShouldBeNil)

	_, _, err = DetectViews(context.Background(), []image.Image{image.NewGray(image.Rect(0, 0, 8, 8))}, nil, cfg,
		logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCalibrateViewsCancelled(t *testing.T) {
	scene := pinholeScene(8, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec, summary, err := CalibrateViews(ctx, exactViews(scene), sceneConfig(scene), logging.NewTestLogger(t))
	test.That(t, rec, test.ShouldBeNil)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, summary.Accepted, test.ShouldEqual, 5)
}

func blankImage(w, h int) image.Image {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	img.SetGray(w/2, h/2, color.Gray{Y: 255})
	return img
}

func TestCalibrateRenderedImages(t *testing.T) {
	opts := testutils.SceneOptions{
		MaxTiltDeg:   30,
		MaxRollDeg:   10,
		MinDepth:     600,
		MaxDepth:     700,
		MaxOffsetPx:  40,
		BorderMargin: 90,
	}
	scene := testutils.NewSyntheticScene(rand.New(rand.NewSource(17)), testutils.DefaultSyntheticModel(), 7, 5, 30, 10, opts)
	images := make([]image.Image, 0, len(scene.Views)+1)
	names := make([]string, 0, len(scene.Views)+1)
	for i := range scene.Views {
		images = append(images, scene.Render(i))
		names = append(names, "board")
	}
	images = append(images, blankImage(640, 480))
	names = append(names, "blank")

	cfg := sceneConfig(scene)
	cfg.Workers = 3
	logger, logs := logging.NewObservedTestLogger(t)
	rec, summary, err := CalibrateNamed(context.Background(), images, names, cfg, logger)
	test.That(t, err, test.ShouldBeNil)

	// rendered views can occasionally lose a board to detection
	test.That(t, summary.Accepted, test.ShouldBeGreaterThanOrEqualTo, 8)
	test.That(t, summary.Accepted+summary.Rejected, test.ShouldEqual, 11)
	blank := summary.Views[10]
	test.That(t, blank.Name, test.ShouldEqual, "blank")
	test.That(t, blank.Accepted, test.ShouldBeFalse)
	test.That(t, errors.Is(blank.Err, ErrPatternNotFound), test.ShouldBeTrue)
	test.That(t, KindOf(blank.Err), test.ShouldEqual, KindPatternNotFound)
	test.That(t, logs.FilterMessage("pattern not found").Len(), test.ShouldEqual, summary.Rejected)

	intr := rec.Intrinsics()
	test.That(t, intr.Width, test.ShouldEqual, 640)
	test.That(t, intr.Height, test.ShouldEqual, 480)
	test.That(t, math.Abs(intr.Fx-800)/800, test.ShouldBeLessThan, 0.03)
	test.That(t, math.Abs(intr.Fy-800)/800, test.ShouldBeLessThan, 0.03)
	test.That(t, math.Abs(intr.Ppx-320), test.ShouldBeLessThan, 15)
	test.That(t, math.Abs(intr.Ppy-240), test.ShouldBeLessThan, 15)
	test.That(t, rec.RMS(), test.ShouldBeLessThan, 0.3)
	test.That(t, rec.Fields().PassThrough[ImageTopicKey], test.ShouldEqual, DefaultImageTopic)
}

func TestDetectViews(t *testing.T) {
	scene := testutils.NewSyntheticScene(rand.New(rand.NewSource(3)), testutils.DefaultSyntheticModel(), 7, 5, 30, 2,
		testutils.SceneOptions{MaxTiltDeg: 20, MaxRollDeg: 5, MinDepth: 600, MaxDepth: 650, MaxOffsetPx: 20, BorderMargin: 90})
	images := []image.Image{scene.Render(0), nil, blankImage(640, 480), scene.Render(1)}
	views, failures, err := DetectViews(context.Background(), images, []string{"a", "b"}, sceneConfig(scene),
		logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, views, test.ShouldHaveLength, 4)
	test.That(t, failures, test.ShouldHaveLength, 4)

	test.That(t, failures[0], test.ShouldBeNil)
	test.That(t, views[0].Name, test.ShouldEqual, "a")
	test.That(t, views[0].Points, test.ShouldHaveLength, 35)
	test.That(t, views[0].ImageSize, test.ShouldResemble, image.Pt(640, 480))
	test.That(t, views[3].Index, test.ShouldEqual, 3)
	test.That(t, views[3].Name, test.ShouldEqual, "")

	for _, i := range []int{1, 2} {
		test.That(t, views[i], test.ShouldBeNil)
		test.That(t, errors.Is(failures[i], ErrPatternNotFound), test.ShouldBeTrue)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = DetectViews(ctx, images, nil, sceneConfig(scene), logging.NewTestLogger(t))
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}

func TestCalibrateViewsRetriesDivergence(t *testing.T) {
	scene := pinholeScene(8, 5)
	cfg := sceneConfig(scene)

	var configs []Config
	var failures int
	t.Cleanup(func() { refine = Refine })
	refine = func(ctx context.Context, set *CorrespondenceSet, initial *InitialEstimate, c Config) (*Refinement, error) {
		configs = append(configs, c)
		if len(configs) <= failures {
			return nil, &Error{Kind: KindDivergence, Stage: StageRefine, Cost: 1e9, Iterations: 4, Err: errors.New("damping exceeded")}
		}
		return Refine(ctx, set, initial, c)
	}

	t.Run("recovers", func(t *testing.T) {
		configs, failures = nil, 1
		logger, logs := logging.NewObservedTestLogger(t)
		rec, summary, err := CalibrateViews(context.Background(), exactViews(scene), cfg, logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, summary.Retried, test.ShouldBeTrue)
		test.That(t, configs, test.ShouldHaveLength, 2)
		test.That(t, configs[0].LMInitLambda, test.ShouldEqual, cfg.LMInitLambda)
		test.That(t, configs[1].LMInitLambda, test.ShouldAlmostEqual, 1e3*cfg.LMInitLambda)
		test.That(t, configs[1].LMMaxIters, test.ShouldEqual, 2*cfg.LMMaxIters)
		test.That(t, logs.FilterMessage("refinement diverged, retrying with heavier damping").Len(), test.ShouldEqual, 1)
		test.That(t, rec.Converged(), test.ShouldBeTrue)
		test.That(t, rec.RMS(), test.ShouldBeLessThan, 1e-3)
		test.That(t, rec.Intrinsics().Fx, test.ShouldAlmostEqual, 800, 1e-2)
	})

	t.Run("gives up after one retry", func(t *testing.T) {
		configs, failures = nil, 2
		rec, summary, err := CalibrateViews(context.Background(), exactViews(scene), cfg, logging.NewTestLogger(t))
		test.That(t, rec, test.ShouldBeNil)
		test.That(t, errors.Is(err, ErrDivergence), test.ShouldBeTrue)
		test.That(t, summary.Retried, test.ShouldBeTrue)
		test.That(t, configs, test.ShouldHaveLength, 2)
	})

	t.Run("other failures are not retried", func(t *testing.T) {
		configs = nil
		refine = func(ctx context.Context, set *CorrespondenceSet, initial *InitialEstimate, c Config) (*Refinement, error) {
			configs = append(configs, c)
			return nil, newError(KindNonPositiveFocalLength, StageRefine, errors.New("fx = -3"))
		}
		_, summary, err := CalibrateViews(context.Background(), exactViews(scene), cfg, logging.NewTestLogger(t))
		test.That(t, errors.Is(err, ErrNonPositiveFocalLength), test.ShouldBeTrue)
		test.That(t, summary.Retried, test.ShouldBeFalse)
		test.That(t, configs, test.ShouldHaveLength, 1)
	})
}
