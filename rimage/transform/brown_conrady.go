package transform

import (
	"math"

	"github.com/pkg/errors"
)

// BrownConrady is the radial (k1, k2, k3) and tangential (p1, p2) lens distortion model.
// The parameters are unconstrained; all zeros is the identity.
type BrownConrady struct {
	RadialK1     float64 `json:"rk1"`
	RadialK2     float64 `json:"rk2"`
	RadialK3     float64 `json:"rk3"`
	TangentialP1 float64 `json:"tp1"`
	TangentialP2 float64 `json:"tp2"`
}

// InvalidDistortionError is used when the distortion_parameters are invalid.
func InvalidDistortionError(msg string) error {
	return errors.Wrap(errors.New("invalid distortion_parameters"), msg)
}

// CheckValid checks if the fields for BrownConrady have valid inputs.
func (bc *BrownConrady) CheckValid() error {
	if bc == nil {
		return InvalidDistortionError("BrownConrady shaped distortion_parameters not provided")
	}
	for _, p := range bc.Parameters() {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return InvalidDistortionError("BrownConrady parameters must be finite")
		}
	}
	return nil
}

// Parameters returns the parameters of the distortion model as (k1, k2, k3, p1, p2).
func (bc *BrownConrady) Parameters() []float64 {
	if bc == nil {
		return []float64{}
	}
	return []float64{bc.RadialK1, bc.RadialK2, bc.RadialK3, bc.TangentialP1, bc.TangentialP2}
}

// Transform distorts undistorted normalized coordinates:
//
//	x_d = x * (1 + k1*r² + k2*r⁴ + k3*r⁶) + 2*p1*x*y + p2*(r² + 2*x²)
//	y_d = y * (1 + k1*r² + k2*r⁴ + k3*r⁶) + p1*(r² + 2*y²) + 2*p2*x*y
func (bc *BrownConrady) Transform(x, y float64) (float64, float64) {
	if bc == nil {
		return x, y
	}
	r2 := x*x + y*y
	radial := 1 + r2*(bc.RadialK1+r2*(bc.RadialK2+r2*bc.RadialK3))
	xd := x*radial + 2*bc.TangentialP1*x*y + bc.TangentialP2*(r2+2*x*x)
	yd := y*radial + bc.TangentialP1*(r2+2*y*y) + 2*bc.TangentialP2*x*y
	return xd, yd
}

// PointJacobian returns the derivatives of the distorted coordinates with respect to the
// undistorted ones, as [[dxd/dx, dxd/dy], [dyd/dx, dyd/dy]].
func (bc *BrownConrady) PointJacobian(x, y float64) [2][2]float64 {
	if bc == nil {
		return [2][2]float64{{1, 0}, {0, 1}}
	}
	k1, k2, k3, p1, p2 := bc.RadialK1, bc.RadialK2, bc.RadialK3, bc.TangentialP1, bc.TangentialP2
	r2 := x*x + y*y
	radial := 1 + r2*(k1+r2*(k2+r2*k3))
	dRadial := k1 + 2*k2*r2 + 3*k3*r2*r2
	cross := 2*x*y*dRadial + 2*p1*x + 2*p2*y
	return [2][2]float64{
		{radial + 2*x*x*dRadial + 2*p1*y + 6*p2*x, cross},
		{cross, radial + 2*y*y*dRadial + 6*p1*y + 2*p2*x},
	}
}

// ParameterJacobian returns the derivatives of the distorted coordinates with respect to the
// parameters, in the order of Parameters().
func (bc *BrownConrady) ParameterJacobian(x, y float64) [2][5]float64 {
	r2 := x*x + y*y
	r4 := r2 * r2
	r6 := r4 * r2
	return [2][5]float64{
		{x * r2, x * r4, x * r6, 2 * x * y, r2 + 2*x*x},
		{y * r2, y * r4, y * r6, r2 + 2*y*y, 2 * x * y},
	}
}
