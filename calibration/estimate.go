package calibration

import (
	"context"
	"image"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcal/rimage/transform"
	"go.viam.com/camcal/spatialmath"
	"go.viam.com/camcal/utils"
)

// SingularRatio is the smallest accepted ratio of the second smallest to the largest singular
// value of the intrinsics system.
const SingularRatio = 1e-9

// Extrinsics is the pose of the pattern in the camera frame: X_cam = Rotation*X_pattern + Translation.
type Extrinsics struct {
	Rotation    *spatialmath.RotationMatrix
	Translation r3.Vector
}

// Apply maps a pattern point into the camera frame.
func (e *Extrinsics) Apply(p r3.Vector) r3.Vector {
	return e.Rotation.Mul(p).Add(e.Translation)
}

// InitialEstimate is the closed form starting point of refinement. Distortion is zero.
type InitialEstimate struct {
	Intrinsics   transform.PinholeCameraIntrinsics
	Distortion   transform.BrownConrady
	Extrinsics   []Extrinsics
	Homographies []*transform.Homography
}

// EstimateInitial computes per view homographies, the intrinsics by Zhang's method with zero skew,
// and each view's pose. Views whose pattern orientations are too close to constrain the focal
// length are rejected as a singular configuration.
func EstimateInitial(ctx context.Context, set *CorrespondenceSet) (*InitialEstimate, error) {
	if set.Len() < MinViews {
		return nil, newError(KindInsufficientViews, StageEstimate,
			errors.Errorf("have %d views, need at least %d", set.Len(), MinViews))
	}
	homographies, err := estimateHomographies(ctx, set)
	if err != nil {
		return nil, err
	}
	intrinsics, err := intrinsicsFromHomographies(homographies, set.ImageSize())
	if err != nil {
		return nil, err
	}
	extrinsics := make([]Extrinsics, len(homographies))
	for i, h := range homographies {
		pose, err := poseFromHomography(&intrinsics, h)
		if err != nil {
			return nil, newError(KindSingularConfiguration, StageEstimate, errors.Wrapf(err, "view %d", i))
		}
		extrinsics[i] = pose
	}
	if spread := orientationSpread(extrinsics); spread < set.cfg.MinOrientationSpread {
		return nil, newError(KindSingularConfiguration, StageEstimate,
			errors.Errorf("pattern orientations span %.2f degrees, need at least %.2f", spread, set.cfg.MinOrientationSpread))
	}
	return &InitialEstimate{
		Intrinsics:   intrinsics,
		Extrinsics:   extrinsics,
		Homographies: homographies,
	}, nil
}

// orientationSpread is the largest angle in degrees between the pattern normals of any two poses.
func orientationSpread(extrinsics []Extrinsics) float64 {
	normals := make([]r3.Vector, len(extrinsics))
	for i, e := range extrinsics {
		normals[i] = r3.Vector{X: e.Rotation.At(0, 2), Y: e.Rotation.At(1, 2), Z: e.Rotation.At(2, 2)}
	}
	var spread float64
	for i := range normals {
		for j := i + 1; j < len(normals); j++ {
			spread = math.Max(spread, normals[i].Angle(normals[j]).Degrees())
		}
	}
	return spread
}

func estimateHomographies(ctx context.Context, set *CorrespondenceSet) ([]*transform.Homography, error) {
	plane := set.Pattern().PlanePoints()
	views := set.Views()
	out := make([]*transform.Homography, len(views))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workerCount(set.cfg.Workers))
	for i, v := range views {
		i, v := i, v
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			h, err := transform.EstimateHomography(plane, v.Points)
			if err != nil {
				return newError(KindSingularConfiguration, StageEstimate, errors.Wrapf(err, "view %s", v.label()))
			}
			out[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func workerCount(configured int) int {
	if configured > 0 {
		return configured
	}
	return utils.ParallelFactor
}

// preconditioner maps pixels to roughly [-1, 1] so that the entries of the intrinsics system
// have comparable magnitudes.
func preconditioner(size image.Point) (*mat.Dense, float64, r3.Vector) {
	s := 2 / float64(size.X+size.Y)
	shift := r3.Vector{X: -s * float64(size.X) / 2, Y: -s * float64(size.Y) / 2}
	return mat.NewDense(3, 3, []float64{
		s, 0, shift.X,
		0, s, shift.Y,
		0, 0, 1,
	}), s, shift
}

// zhangRow is v_ij of Zhang's method for b = (B11, B22, B13, B23, B33) with B12 = 0.
func zhangRow(h mat.Matrix, i, j int) [5]float64 {
	hi := [3]float64{h.At(0, i), h.At(1, i), h.At(2, i)}
	hj := [3]float64{h.At(0, j), h.At(1, j), h.At(2, j)}
	return [5]float64{
		hi[0] * hj[0],
		hi[1] * hj[1],
		hi[2]*hj[0] + hi[0]*hj[2],
		hi[2]*hj[1] + hi[1]*hj[2],
		hi[2] * hj[2],
	}
}

// intrinsicsFromHomographies solves h1^T B h2 = 0 and h1^T B h1 = h2^T B h2 for every view, with
// B = K^-T K^-1, in preconditioned pixel coordinates.
func intrinsicsFromHomographies(homographies []*transform.Homography, size image.Point) (transform.PinholeCameraIntrinsics, error) {
	var none transform.PinholeCameraIntrinsics
	n, s, shift := preconditioner(size)

	system := mat.NewDense(2*len(homographies), 5, nil)
	for k, h := range homographies {
		var hn mat.Dense
		hn.Mul(n, h.Matrix())
		hn.Scale(1/mat.Norm(&hn, 2), &hn)
		v12 := zhangRow(&hn, 0, 1)
		v11 := zhangRow(&hn, 0, 0)
		v22 := zhangRow(&hn, 1, 1)
		for c := 0; c < 5; c++ {
			system.Set(2*k, c, v12[c])
			system.Set(2*k+1, c, v11[c]-v22[c])
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(system, mat.SVDThinV); !ok {
		return none, newError(KindSingularConfiguration, StageEstimate, errors.New("svd of the intrinsics system failed"))
	}
	values := svd.Values(nil)
	if values[0] == 0 || values[3]/values[0] < SingularRatio {
		return none, newError(KindSingularConfiguration, StageEstimate,
			errors.Errorf("intrinsics system is rank deficient (singular value ratio %.3g)", values[3]/values[0]))
	}
	var v mat.Dense
	svd.VTo(&v)
	b11, b22, b13, b23, b33 := v.At(0, 4), v.At(1, 4), v.At(2, 4), v.At(3, 4), v.At(4, 4)
	if b11 == 0 || b22 == 0 {
		return none, newError(KindSingularConfiguration, StageEstimate, errors.New("degenerate image of the absolute conic"))
	}

	cx := -b13 / b11
	cy := -b23 / b22
	lambda := b33 - b13*b13/b11 - b23*b23/b22
	fx2 := lambda / b11
	fy2 := lambda / b22
	if !(fx2 > 0) || !(fy2 > 0) {
		return none, newError(KindSingularConfiguration, StageEstimate,
			errors.Errorf("no real focal length (fx^2 = %g, fy^2 = %g)", fx2, fy2))
	}

	// undo the preconditioning: K = N^-1 K'
	return transform.PinholeCameraIntrinsics{
		Width:  size.X,
		Height: size.Y,
		Fx:     math.Sqrt(fx2) / s,
		Fy:     math.Sqrt(fy2) / s,
		Ppx:    (cx - shift.X) / s,
		Ppy:    (cy - shift.Y) / s,
	}, nil
}

// poseFromHomography decomposes H ~ K [r1 r2 t] choosing the sign that puts the pattern in front
// of the camera, and projects [r1 r2 r1xr2] onto the nearest rotation.
func poseFromHomography(k *transform.PinholeCameraIntrinsics, h *transform.Homography) (Extrinsics, error) {
	var m mat.Dense
	m.Mul(k.GetInverseCameraMatrix(), h.Matrix())
	col := func(c int) r3.Vector {
		return r3.Vector{X: m.At(0, c), Y: m.At(1, c), Z: m.At(2, c)}
	}
	norm := col(0).Norm()
	if norm == 0 {
		return Extrinsics{}, errors.New("homography has a zero column")
	}
	scale := 1 / norm
	r1 := col(0).Mul(scale)
	r2 := col(1).Mul(scale)
	t := col(2).Mul(scale)
	if t.Z < 0 {
		r1, r2, t = r1.Mul(-1), r2.Mul(-1), t.Mul(-1)
	}
	r3v := r1.Cross(r2)
	approx := mat.NewDense(3, 3, []float64{
		r1.X, r2.X, r3v.X,
		r1.Y, r2.Y, r3v.Y,
		r1.Z, r2.Z, r3v.Z,
	})
	rot, err := spatialmath.NearestRotation(approx)
	if err != nil {
		return Extrinsics{}, err
	}
	return Extrinsics{Rotation: rot, Translation: t}, nil
}
