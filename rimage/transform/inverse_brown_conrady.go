package transform

// InverseBrownConrady applies the inverse of the Brown-Conrady distortion model.
// Given distorted points, it computes the corresponding undistorted points using
// an iterative Newton-Raphson method.
type InverseBrownConrady struct {
	RadialK1     float64 `json:"rk1"`
	RadialK2     float64 `json:"rk2"`
	RadialK3     float64 `json:"rk3"`
	TangentialP1 float64 `json:"tp1"`
	TangentialP2 float64 `json:"tp2"`
}

// Inverse returns the model undoing this distortion.
func (bc *BrownConrady) Inverse() *InverseBrownConrady {
	if bc == nil {
		return &InverseBrownConrady{}
	}
	return &InverseBrownConrady{bc.RadialK1, bc.RadialK2, bc.RadialK3, bc.TangentialP1, bc.TangentialP2}
}

func (ibc *InverseBrownConrady) forward() *BrownConrady {
	return &BrownConrady{ibc.RadialK1, ibc.RadialK2, ibc.RadialK3, ibc.TangentialP1, ibc.TangentialP2}
}

// Transform applies the inverse Brown-Conrady distortion to convert distorted points
// to undistorted points, solving the forward model by Newton-Raphson starting from
// the distorted point.
func (ibc *InverseBrownConrady) Transform(xd, yd float64) (float64, float64) {
	if ibc == nil {
		return xd, yd
	}
	fwd := ibc.forward()
	xu, yu := xd, yd

	const maxIterations = 20
	const tolerance = 1e-12

	for i := 0; i < maxIterations; i++ {
		xdEst, ydEst := fwd.Transform(xu, yu)
		errX := xdEst - xd
		errY := ydEst - yd
		if errX*errX+errY*errY < tolerance*tolerance {
			break
		}

		j := fwd.PointJacobian(xu, yu)
		det := j[0][0]*j[1][1] - j[0][1]*j[1][0]
		if det == 0 {
			break
		}
		// [xu, yu] -= J^-1 * [errX, errY]
		xu -= (j[1][1]*errX - j[0][1]*errY) / det
		yu -= (-j[1][0]*errX + j[0][0]*errY) / det
	}

	return xu, yu
}
