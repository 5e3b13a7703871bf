package calibration

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest/observer"
	"go.viam.com/test"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcal/logging"
	"go.viam.com/camcal/rimage/transform"
	"go.viam.com/camcal/spatialmath"
	"go.viam.com/camcal/testutils"
)

func TestProjectionRowsMatchFiniteDifferences(t *testing.T) {
	intr := transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 790, Fy: 805, Ppx: 322, Ppy: 236}
	dist := transform.BrownConrady{RadialK1: -0.09, RadialK2: 0.012, RadialK3: 0.001, TangentialP1: 0.0015, TangentialP2: -0.001}
	pose := Extrinsics{
		Rotation:    spatialmath.R3ToRotationMatrix(r3.Vector{X: 0.3, Y: -0.2, Z: 0.1}),
		Translation: r3.Vector{X: -60, Y: 25, Z: 520},
	}
	obj := r3.Vector{X: 150, Y: 90}

	model := &transform.PinholeCameraModel{PinholeCameraIntrinsics: &intr, Distortion: &dist}
	rx := pose.Rotation.Mul(obj)
	_, der, err := model.ProjectWithDerivatives(rx.Add(pose.Translation))
	test.That(t, err, test.ShouldBeNil)
	rows := projectionRows(der, rx)

	st := &lmState{intr: intr, dist: dist, poses: []Extrinsics{pose}}
	jac := mat.NewDense(2, numLocalParams, nil)
	fd.Jacobian(jac, func(y, x []float64) {
		moved := st.step(mat.NewVecDense(numLocalParams, append([]float64(nil), x...)))
		p, err := moved.model().Project(moved.poses[0].Apply(obj))
		test.That(t, err, test.ShouldBeNil)
		y[0], y[1] = p.X, p.Y
	}, make([]float64, numLocalParams), &fd.JacobianSettings{Formula: fd.Central})

	for r := 0; r < 2; r++ {
		for c := 0; c < numLocalParams; c++ {
			tol := 1e-4 * math.Max(1, math.Abs(jac.At(r, c)))
			test.That(t, rows[r][c], test.ShouldAlmostEqual, jac.At(r, c), tol)
		}
	}
}

func TestSolveDamped(t *testing.T) {
	a := mat.NewSymDense(2, []float64{4, 1, 1, 3})
	g := mat.NewVecDense(2, []float64{1, 2})
	delta, err := solveDamped(a, g, 0)
	test.That(t, err, test.ShouldBeNil)
	// [4 1; 1 3]^-1 [1 2] = [1/11, 7/11]
	test.That(t, delta.AtVec(0), test.ShouldAlmostEqual, 1.0/11, 1e-12)
	test.That(t, delta.AtVec(1), test.ShouldAlmostEqual, 7.0/11, 1e-12)

	// Marquardt damping: (A + 0.5 diag(A)) delta = g, i.e. [6 1; 1 4.5] delta = [1 2]
	delta, err = solveDamped(a, g, 0.5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, delta.AtVec(0), test.ShouldAlmostEqual, 2.5/26, 1e-12)
	test.That(t, delta.AtVec(1), test.ShouldAlmostEqual, 11.0/26, 1e-12)

	damped, err := solveDamped(a, g, 1e6)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, damped.Norm(2), test.ShouldBeLessThan, 1e-5)

	// indefinite systems go through LU
	indefinite := mat.NewSymDense(2, []float64{1, 2, 2, 1})
	delta, err = solveDamped(indefinite, g, 0)
	test.That(t, err, test.ShouldBeNil)
	var check mat.VecDense
	check.MulVec(indefinite, delta)
	test.That(t, check.AtVec(0), test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, check.AtVec(1), test.ShouldAlmostEqual, 2, 1e-9)
}

func refineScene(t *testing.T, seed int64, noise float64) (*testutils.SyntheticScene, *CorrespondenceSet, *InitialEstimate) {
	t.Helper()
	scene, set, initial, _ := observedRefineScene(t, seed, noise)
	return scene, set, initial
}

func observedRefineScene(
	t *testing.T, seed int64, noise float64,
) (*testutils.SyntheticScene, *CorrespondenceSet, *InitialEstimate, *observer.ObservedLogs) {
	t.Helper()
	scene := testutils.NewSyntheticScene(rand.New(rand.NewSource(seed)), testutils.DefaultSyntheticModel(), 7, 5, 30, 10,
		testutils.DefaultSceneOptions)
	views := exactViews(scene)
	if noise > 0 {
		rng := rand.New(rand.NewSource(seed + 1000))
		for i := range views {
			views[i].Points = scene.NoisyImagePoints(i, rng, noise)
		}
	}
	cfg := sceneConfig(scene)
	pattern, err := cfg.Pattern()
	test.That(t, err, test.ShouldBeNil)
	logger, logs := logging.NewObservedTestLogger(t)
	set := NewCorrespondenceSet(pattern, cfg, logger)
	for _, v := range views {
		test.That(t, set.Accumulate(v), test.ShouldBeNil)
	}
	initial, err := EstimateInitial(context.Background(), set)
	test.That(t, err, test.ShouldBeNil)
	return scene, set, initial, logs
}

func TestRefineZeroNoise(t *testing.T) {
	scene, set, initial := refineScene(t, 42, 0)
	cfg := sceneConfig(scene)
	ref, err := Refine(context.Background(), set, initial, cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ref.Converged, test.ShouldBeTrue)
	test.That(t, ref.RMS, test.ShouldBeLessThan, 1e-4)
	test.That(t, math.Abs(ref.Intrinsics.Fx-800), test.ShouldBeLessThan, 1e-3)

	test.That(t, ref.Intrinsics.Fx, test.ShouldAlmostEqual, 800, 1e-6)
	test.That(t, ref.Intrinsics.Fy, test.ShouldAlmostEqual, 800, 1e-6)
	test.That(t, ref.Intrinsics.Ppx, test.ShouldAlmostEqual, 320, 1e-6)
	test.That(t, ref.Intrinsics.Ppy, test.ShouldAlmostEqual, 240, 1e-6)
	test.That(t, ref.Distortion.RadialK1, test.ShouldAlmostEqual, -0.1, 1e-6)
	test.That(t, ref.Distortion.RadialK2, test.ShouldAlmostEqual, 0.01, 1e-6)
	test.That(t, ref.Distortion.RadialK3, test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, ref.Distortion.TangentialP1, test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, ref.Distortion.TangentialP2, test.ShouldAlmostEqual, 0, 1e-6)

	test.That(t, ref.PerViewRMS, test.ShouldHaveLength, 10)
	test.That(t, ref.AcceptedSteps, test.ShouldBeGreaterThan, 0)
	test.That(t, ref.Iterations, test.ShouldBeLessThanOrEqualTo, cfg.LMMaxIters)
	for i, e := range ref.Extrinsics {
		test.That(t, e.Translation.Sub(scene.Views[i].Translation).Norm(), test.ShouldBeLessThan, 1e-6)
		// the initial poses were replaced by the refined ones
		test.That(t, initial.Extrinsics[i].Translation, test.ShouldResemble, e.Translation)
	}
}

func TestRefineNoise(t *testing.T) {
	const sigma = 0.2
	scene, set, initial := refineScene(t, 7, sigma)
	ref, err := Refine(context.Background(), set, initial, sceneConfig(scene))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ref.Converged, test.ShouldBeTrue)

	// sqrt((2N - P) / N) sigma for N corners and P parameters
	test.That(t, ref.RMS, test.ShouldBeGreaterThan, sigma)
	test.That(t, ref.RMS, test.ShouldBeLessThan, 1.6*sigma)
	test.That(t, math.Abs(ref.Intrinsics.Fx-800), test.ShouldBeLessThan, 15*sigma)
	test.That(t, math.Abs(ref.Intrinsics.Fy-800), test.ShouldBeLessThan, 15*sigma)
	test.That(t, math.Abs(ref.Intrinsics.Ppx-320), test.ShouldBeLessThan, 15*sigma)
	test.That(t, math.Abs(ref.Intrinsics.Ppy-240), test.ShouldBeLessThan, 15*sigma)

	mean, err := stats.Mean(ref.PerViewRMS)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mean, test.ShouldAlmostEqual, ref.RMS, 0.1*sigma)
}

func TestRefineStopsAtIterationLimit(t *testing.T) {
	scene, set, initial, logs := observedRefineScene(t, 42, 0)
	cfg := sceneConfig(scene)
	cfg.LMMaxIters = 1
	ref, err := Refine(context.Background(), set, initial, cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ref.Iterations, test.ShouldEqual, 1)
	test.That(t, ref.Converged, test.ShouldBeFalse)
	test.That(t, ref.StopReason, test.ShouldEqual, StopMaxIterations)
	test.That(t, logs.FilterMessage("refinement stopped at the iteration limit").Len(), test.ShouldEqual, 1)
}

func TestRefineFailures(t *testing.T) {
	t.Run("pose behind camera", func(t *testing.T) {
		scene, set, initial := refineScene(t, 3, 0)
		saved := initial.Extrinsics[0]
		initial.Extrinsics[0].Translation.Z = -initial.Extrinsics[0].Translation.Z
		_, err := Refine(context.Background(), set, initial, sceneConfig(scene))
		test.That(t, errors.Is(err, ErrDivergence), test.ShouldBeTrue)
		var calErr *Error
		test.That(t, errors.As(err, &calErr), test.ShouldBeTrue)
		test.That(t, calErr.Stage, test.ShouldEqual, StageRefine)
		test.That(t, errors.Is(calErr.Err, transform.ErrPointBehindCamera), test.ShouldBeTrue)
		test.That(t, initial.Extrinsics[0].Rotation, test.ShouldEqual, saved.Rotation)
	})

	t.Run("pose count", func(t *testing.T) {
		scene, set, initial := refineScene(t, 3, 0)
		initial.Extrinsics = initial.Extrinsics[:4]
		_, err := Refine(context.Background(), set, initial, sceneConfig(scene))
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("cancelled", func(t *testing.T) {
		scene, set, initial := refineScene(t, 3, 0)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Refine(ctx, set, initial, sceneConfig(scene))
		test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	})
}

func TestRefineNonPositiveFocalLength(t *testing.T) {
	scene, set, initial := refineScene(t, 3, 0)
	initial.Intrinsics.Fx = -initial.Intrinsics.Fx
	initial.Intrinsics.Fy = -initial.Intrinsics.Fy
	cfg := sceneConfig(scene)
	// steps this heavily damped cannot carry the focal lengths back across zero
	cfg.LMInitLambda = 1e14
	_, err := Refine(context.Background(), set, initial, cfg)
	test.That(t, errors.Is(err, ErrNonPositiveFocalLength), test.ShouldBeTrue)
}
