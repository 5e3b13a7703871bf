package chessboard

import (
	"context"
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcal/rimage"
	"go.viam.com/camcal/utils"
)

// SubpixelConfiguration stores the parameters of the iterative corner refinement.
type SubpixelConfiguration struct {
	WindowSize    int     `json:"window"`   // side of the square search window, in pixels
	MaxIterations int     `json:"max-iter"` // maximum number of refinement iterations per corner
	Epsilon       float64 `json:"epsilon"`  // stop when the corner moves less than this, in pixels
}

// DefaultSubpixelConf stores the default refinement parameters.
var DefaultSubpixelConf = SubpixelConfiguration{
	WindowSize:    11,
	MaxIterations: 30,
	Epsilon:       1e-3,
}

// CheckValid checks the refinement parameters.
func (cfg *SubpixelConfiguration) CheckValid() error {
	if cfg.WindowSize < 3 {
		return errors.Errorf("window must be at least 3, got %d", cfg.WindowSize)
	}
	if cfg.MaxIterations < 1 {
		return errors.Errorf("max-iter must be at least 1, got %d", cfg.MaxIterations)
	}
	if cfg.Epsilon <= 0 {
		return errors.Errorf("epsilon must be positive, got %v", cfg.Epsilon)
	}
	return nil
}

// refineCorner moves a corner to the point q where every image gradient g at p in the window is
// orthogonal to p - q, i.e. solves (sum w g g^T) q = sum w g g^T p, until it settles. A corner
// that wanders out of its window is reset to its starting location.
func refineCorner(img *mat.Dense, start r2.Point, cfg *SubpixelConfiguration, weights []float64) r2.Point {
	half := cfg.WindowSize / 2
	side := 2*half + 1
	eps2 := cfg.Epsilon * cfg.Epsilon
	cur := start
	for iter := 0; iter < cfg.MaxIterations; iter++ {
		var a, b, c, bb1, bb2 float64
		for dy := -half; dy <= half; dy++ {
			for dx := -half; dx <= half; dx++ {
				px, py := cur.X+float64(dx), cur.Y+float64(dy)
				gx := (rimage.BilinearInterpolate(img, px+1, py) - rimage.BilinearInterpolate(img, px-1, py)) / 2
				gy := (rimage.BilinearInterpolate(img, px, py+1) - rimage.BilinearInterpolate(img, px, py-1)) / 2
				w := weights[(dy+half)*side+dx+half]
				gxx, gxy, gyy := w*gx*gx, w*gx*gy, w*gy*gy
				a += gxx
				b += gxy
				c += gyy
				bb1 += gxx*px + gxy*py
				bb2 += gxy*px + gyy*py
			}
		}
		det := a*c - b*b
		if math.Abs(det) <= 1e-12*(a*c+1e-300) {
			break
		}
		next := r2.Point{X: (c*bb1 - b*bb2) / det, Y: (a*bb2 - b*bb1) / det}
		moved := next.Sub(cur)
		cur = next
		if math.Abs(cur.X-start.X) > float64(half) || math.Abs(cur.Y-start.Y) > float64(half) {
			return start
		}
		if moved.Dot(moved) <= eps2 {
			break
		}
	}
	return cur
}

// windowWeights returns the gaussian weights of the refinement window, falling off to about
// exp(-1) at the window border.
func windowWeights(cfg *SubpixelConfiguration) []float64 {
	half := cfg.WindowSize / 2
	side := 2*half + 1
	weights := make([]float64, side*side)
	for dy := -half; dy <= half; dy++ {
		for dx := -half; dx <= half; dx++ {
			ny, nx := float64(dy)/float64(half), float64(dx)/float64(half)
			weights[(dy+half)*side+dx+half] = math.Exp(-nx*nx) * math.Exp(-ny*ny)
		}
	}
	return weights
}

// RefineCorners refines every corner independently and in parallel. The result is in the input
// order and does not depend on scheduling.
func RefineCorners(ctx context.Context, img *mat.Dense, corners []r2.Point, cfg SubpixelConfiguration) ([]r2.Point, error) {
	if err := cfg.CheckValid(); err != nil {
		return nil, err
	}
	weights := windowWeights(&cfg)
	refined := make([]r2.Point, len(corners))
	err := utils.GroupWorkParallel(
		ctx,
		len(corners),
		func(numGroups int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			return func(memberNum, workNum int) {
				refined[workNum] = refineCorner(img, corners[workNum], &cfg, weights)
			}, nil
		},
	)
	if err != nil {
		return nil, err
	}
	return refined, nil
}
