package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// ErrPointBehindCamera is returned when projecting a point with non-positive depth.
var ErrPointBehindCamera = errors.New("point is not in front of the camera")

// PinholeCameraModel is the model of a pinhole camera with Brown-Conrady lens distortion.
type PinholeCameraModel struct {
	*PinholeCameraIntrinsics `json:"intrinsic_parameters"`
	Distortion               *BrownConrady `json:"distortion"`
}

// ProjectionDerivatives holds the partial derivatives of a projected pixel (u, v). Row 0 is u and
// row 1 is v.
type ProjectionDerivatives struct {
	// Intrinsics is with respect to (fx, fy, ppx, ppy).
	Intrinsics [2][4]float64
	// Distortion is with respect to (k1, k2, k3, p1, p2).
	Distortion [2][5]float64
	// Point is with respect to the camera frame point.
	Point [2][3]float64
}

// Project maps a point in the camera frame to a pixel, distortion included.
func (params *PinholeCameraModel) Project(pc r3.Vector) (r2.Point, error) {
	if pc.Z <= 0 {
		return r2.Point{}, ErrPointBehindCamera
	}
	x, y := params.Distortion.Transform(pc.X/pc.Z, pc.Y/pc.Z)
	u, v := params.NormalizedToPixel(x, y)
	return r2.Point{X: u, Y: v}, nil
}

// ProjectWithDerivatives is Project together with its analytic derivatives.
func (params *PinholeCameraModel) ProjectWithDerivatives(pc r3.Vector) (r2.Point, *ProjectionDerivatives, error) {
	if pc.Z <= 0 {
		return r2.Point{}, nil, ErrPointBehindCamera
	}
	fx, fy := params.Fx, params.Fy
	invZ := 1 / pc.Z
	xn, yn := pc.X*invZ, pc.Y*invZ
	xd, yd := params.Distortion.Transform(xn, yn)
	u, v := params.NormalizedToPixel(xd, yd)

	d := &ProjectionDerivatives{}
	d.Intrinsics = [2][4]float64{
		{xd, 0, 1, 0},
		{0, yd, 0, 1},
	}
	if params.Distortion != nil {
		pj := params.Distortion.ParameterJacobian(xn, yn)
		for i := 0; i < 5; i++ {
			d.Distortion[0][i] = fx * pj[0][i]
			d.Distortion[1][i] = fy * pj[1][i]
		}
	}
	// chain: pixel <- distorted <- normalized <- camera point
	dj := params.Distortion.PointJacobian(xn, yn)
	dn := [2][3]float64{
		{invZ, 0, -xn * invZ},
		{0, invZ, -yn * invZ},
	}
	for c := 0; c < 3; c++ {
		d.Point[0][c] = fx * (dj[0][0]*dn[0][c] + dj[0][1]*dn[1][c])
		d.Point[1][c] = fy * (dj[1][0]*dn[0][c] + dj[1][1]*dn[1][c])
	}
	return r2.Point{X: u, Y: v}, d, nil
}

// UndistortPixel maps a distorted pixel to where it would be imaged by an ideal pinhole camera.
func (params *PinholeCameraModel) UndistortPixel(pt r2.Point) r2.Point {
	x, y := params.PixelToNormalized(pt.X, pt.Y)
	x, y = params.Distortion.Inverse().Transform(x, y)
	u, v := params.NormalizedToPixel(x, y)
	return r2.Point{X: u, Y: v}
}

// UndistortionResidual is the distance in pixels between pt and the result of distorting
// UndistortPixel(pt) again. It is large, or NaN, where the distortion has no inverse.
func (params *PinholeCameraModel) UndistortionResidual(pt r2.Point) float64 {
	ideal := params.UndistortPixel(pt)
	x, y := params.PixelToNormalized(ideal.X, ideal.Y)
	x, y = params.Distortion.Transform(x, y)
	u, v := params.NormalizedToPixel(x, y)
	return math.Hypot(u-pt.X, v-pt.Y)
}
