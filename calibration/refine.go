package calibration

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcal/rimage/transform"
	"go.viam.com/camcal/spatialmath"
	"go.viam.com/camcal/utils"
)

// Parameter layout: the shared camera parameters followed by six per view (rotation increment,
// then translation).
const (
	numCameraParams = 9
	numViewParams   = 6
	numLocalParams  = numCameraParams + numViewParams

	paramFx = 0
	paramFy = 1
	paramCx = 2
	paramCy = 3
	paramK1 = 4
	paramK2 = 5
	paramP1 = 6
	paramP2 = 7
	paramK3 = 8

	maxLambda = 1e16
	// stepTolerance bounds the norm of an accepted step relative to the norm of the parameters.
	stepTolerance = 1e-12
)

// distortionParams maps the ProjectionDerivatives distortion order (k1, k2, k3, p1, p2) onto the
// parameter vector.
var distortionParams = [5]int{paramK1, paramK2, paramK3, paramP1, paramP2}

// Why the solver stopped.
const (
	StopCostTolerance     = "relative cost decrease below tolerance"
	StopGradientTolerance = "gradient below tolerance"
	StopStepTolerance     = "relative step below tolerance"
	StopZeroCost          = "zero cost"
	StopDampingLimit      = "no further decrease at maximum damping"
	StopMaxIterations     = "iteration limit reached"
)

// Refinement is the outcome of bundle adjustment.
type Refinement struct {
	Intrinsics transform.PinholeCameraIntrinsics
	Distortion transform.BrownConrady
	Extrinsics []Extrinsics
	// Cost is the sum of squared pixel residuals.
	Cost       float64
	RMS        float64
	PerViewRMS []float64
	Iterations int
	// AcceptedSteps and RejectedSteps count trial steps over the whole run.
	AcceptedSteps int
	RejectedSteps int
	Converged     bool
	StopReason    string
}

type lmState struct {
	intr  transform.PinholeCameraIntrinsics
	dist  transform.BrownConrady
	poses []Extrinsics
}

func newLMState(initial *InitialEstimate) *lmState {
	st := &lmState{intr: initial.Intrinsics, dist: initial.Distortion, poses: make([]Extrinsics, len(initial.Extrinsics))}
	copy(st.poses, initial.Extrinsics)
	return st
}

func (st *lmState) model() *transform.PinholeCameraModel {
	return &transform.PinholeCameraModel{PinholeCameraIntrinsics: &st.intr, Distortion: &st.dist}
}

// step returns the state moved by delta. Rotations are updated on the left, R <- exp([d]x) R.
func (st *lmState) step(delta *mat.VecDense) *lmState {
	out := &lmState{intr: st.intr, dist: st.dist, poses: make([]Extrinsics, len(st.poses))}
	out.intr.Fx += delta.AtVec(paramFx)
	out.intr.Fy += delta.AtVec(paramFy)
	out.intr.Ppx += delta.AtVec(paramCx)
	out.intr.Ppy += delta.AtVec(paramCy)
	out.dist.RadialK1 += delta.AtVec(paramK1)
	out.dist.RadialK2 += delta.AtVec(paramK2)
	out.dist.RadialK3 += delta.AtVec(paramK3)
	out.dist.TangentialP1 += delta.AtVec(paramP1)
	out.dist.TangentialP2 += delta.AtVec(paramP2)
	for v, p := range st.poses {
		o := numCameraParams + numViewParams*v
		rot := r3.Vector{X: delta.AtVec(o), Y: delta.AtVec(o + 1), Z: delta.AtVec(o + 2)}
		trans := r3.Vector{X: delta.AtVec(o + 3), Y: delta.AtVec(o + 4), Z: delta.AtVec(o + 5)}
		out.poses[v] = Extrinsics{
			Rotation:    spatialmath.R3ToRotationMatrix(rot).Compose(p.Rotation),
			Translation: p.Translation.Add(trans),
		}
	}
	return out
}

// norm is the euclidean norm of the camera parameters and translations.
func (st *lmState) norm() float64 {
	sum := st.intr.Fx*st.intr.Fx + st.intr.Fy*st.intr.Fy + st.intr.Ppx*st.intr.Ppx + st.intr.Ppy*st.intr.Ppy
	for _, p := range st.dist.Parameters() {
		sum += p * p
	}
	for _, p := range st.poses {
		sum += p.Translation.Norm2()
	}
	return math.Sqrt(sum)
}

// viewBlock is one view's contribution to the normal equations, over the camera parameters and
// that view's own six.
type viewBlock struct {
	cost float64
	a    [numLocalParams][numLocalParams]float64
	g    [numLocalParams]float64
	err  error
}

// evaluate computes every view's squared residuals and, when withJacobian is set, its normal
// equation block. Views are processed in parallel and the blocks are stored by view index.
func evaluate(ctx context.Context, pairs []Correspondence, st *lmState, withJacobian bool) ([]viewBlock, error) {
	blocks := make([]viewBlock, len(pairs))
	model := st.model()
	err := utils.GroupWorkParallel(
		ctx,
		len(pairs),
		func(numGroups int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			return func(memberNum, workNum int) {
				evaluateView(model, &st.poses[workNum], pairs[workNum], withJacobian, &blocks[workNum])
			}, nil
		},
	)
	if err != nil {
		return nil, err
	}
	for v := range blocks {
		if blocks[v].err != nil {
			return nil, errors.Wrapf(blocks[v].err, "view %d", v)
		}
	}
	return blocks, nil
}

func evaluateView(model *transform.PinholeCameraModel, pose *Extrinsics, pair Correspondence, withJacobian bool, out *viewBlock) {
	for i, obj := range pair.Object {
		rx := pose.Rotation.Mul(obj)
		pc := rx.Add(pose.Translation)
		if !withJacobian {
			px, err := model.Project(pc)
			if err != nil {
				out.err = err
				return
			}
			d := pair.Image[i].Sub(px)
			out.cost += d.Dot(d)
			continue
		}
		px, der, err := model.ProjectWithDerivatives(pc)
		if err != nil {
			out.err = err
			return
		}
		res := pair.Image[i].Sub(px)
		out.cost += res.Dot(res)

		rows := projectionRows(der, rx)
		for c := 0; c < 2; c++ {
			r := res.X
			if c == 1 {
				r = res.Y
			}
			row := &rows[c]
			for a := 0; a < numLocalParams; a++ {
				if row[a] == 0 {
					continue
				}
				out.g[a] += row[a] * r
				for b := a; b < numLocalParams; b++ {
					out.a[a][b] += row[a] * row[b]
				}
			}
		}
	}
}

// projectionRows lays the derivatives of one projected pixel out over the camera parameters and
// the view's pose increment. rx is the rotated pattern point R*X.
func projectionRows(der *transform.ProjectionDerivatives, rx r3.Vector) [2][numLocalParams]float64 {
	var rows [2][numLocalParams]float64
	// d(pc)/d(rotation increment) = -[R X]x
	skew := spatialmath.Skew(rx)
	for c := 0; c < 2; c++ {
		row := &rows[c]
		for k := 0; k < 4; k++ {
			row[k] = der.Intrinsics[c][k]
		}
		for k, p := range distortionParams {
			row[p] = der.Distortion[c][k]
		}
		for j := 0; j < 3; j++ {
			var s float64
			for k := 0; k < 3; k++ {
				s -= der.Point[c][k] * skew[k*3+j]
			}
			row[numCameraParams+j] = s
			row[numCameraParams+3+j] = der.Point[c][j]
		}
	}
	return rows
}

func totalCost(blocks []viewBlock) float64 {
	var c float64
	for i := range blocks {
		c += blocks[i].cost
	}
	return c
}

// globalIndex maps a local block index of view v onto the full parameter vector.
func globalIndex(local, v int) int {
	if local < numCameraParams {
		return local
	}
	return numCameraParams + numViewParams*v + local - numCameraParams
}

// assemble merges the view blocks, in view order, into P^T P and P^T r where P is the
// derivative of the projections and r = observed - projected.
func assemble(blocks []viewBlock) (*mat.SymDense, *mat.VecDense) {
	n := numCameraParams + numViewParams*len(blocks)
	a := mat.NewSymDense(n, nil)
	g := mat.NewVecDense(n, nil)
	for v := range blocks {
		b := &blocks[v]
		for i := 0; i < numLocalParams; i++ {
			gi := globalIndex(i, v)
			g.SetVec(gi, g.AtVec(gi)+b.g[i])
			for j := i; j < numLocalParams; j++ {
				gj := globalIndex(j, v)
				a.SetSym(gi, gj, a.At(gi, gj)+b.a[i][j])
			}
		}
	}
	return a, g
}

// solveDamped solves (A + lambda D^2) delta = g with D = sqrt(diag(A)), i.e. the damped system in
// the basis where every parameter column has unit norm. Cholesky is tried first, then LU.
func solveDamped(a *mat.SymDense, g *mat.VecDense, lambda float64) (*mat.VecDense, error) {
	n := g.Len()
	scale := make([]float64, n)
	for i := 0; i < n; i++ {
		scale[i] = 1
		if d := a.At(i, i); d > 0 {
			scale[i] = 1 / math.Sqrt(d)
		}
	}
	m := mat.NewSymDense(n, nil)
	b := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		b.SetVec(i, g.AtVec(i)*scale[i])
		for j := i; j < n; j++ {
			v := a.At(i, j) * scale[i] * scale[j]
			if i == j {
				v += lambda
			}
			m.SetSym(i, j, v)
		}
	}

	y := mat.NewVecDense(n, nil)
	var chol mat.Cholesky
	solved := false
	if chol.Factorize(m) {
		solved = chol.SolveVecTo(y, b) == nil
	}
	if !solved {
		var lu mat.LU
		lu.Factorize(m)
		if err := lu.SolveVecTo(y, false, b); err != nil {
			return nil, errors.Wrap(err, "damped normal equations are singular")
		}
	}
	for i := 0; i < n; i++ {
		y.SetVec(i, y.AtVec(i)*scale[i])
	}
	return y, nil
}

func maxAbs(v *mat.VecDense) float64 {
	var m float64
	for i := 0; i < v.Len(); i++ {
		m = math.Max(m, math.Abs(v.AtVec(i)))
	}
	return m
}

// Refine jointly adjusts the intrinsics, distortion and every view's pose with Levenberg-Marquardt
// to minimize the squared reprojection error. On success the poses of initial are replaced by the
// refined ones; on failure initial is left untouched. Steps are damped by lambda*diag(J^T J)
// (Marquardt's scaling), applied by equilibrating the columns of the normal equations.
func Refine(ctx context.Context, set *CorrespondenceSet, initial *InitialEstimate, cfg Config) (*Refinement, error) {
	logger := set.logger.Sublogger("lm")
	pairs := set.Pairs()
	if len(pairs) != len(initial.Extrinsics) {
		return nil, newError(KindUnknown, StageRefine,
			errors.Errorf("have %d views but %d initial poses", len(pairs), len(initial.Extrinsics)))
	}

	st := newLMState(initial)
	blocks, err := evaluate(ctx, pairs, st, true)
	if err != nil {
		return nil, refineError(ctx, KindDivergence, 0, 0, errors.Wrap(err, "initial estimate cannot be evaluated"))
	}
	cost := totalCost(blocks)
	out := &Refinement{}
	lambda := cfg.LMInitLambda

	for out.Iterations < cfg.LMMaxIters && out.StopReason == "" {
		if err := ctx.Err(); err != nil {
			return nil, refineError(ctx, KindUnknown, cost, out.Iterations, err)
		}
		if cost == 0 {
			out.StopReason = StopZeroCost
			break
		}
		a, g := assemble(blocks)
		if maxAbs(g) < cfg.GradientTolerance {
			out.StopReason = StopGradientTolerance
			break
		}
		out.Iterations++

		allNonPositive := true
		for {
			delta, err := solveDamped(a, g, lambda)
			var trial *lmState
			var trialBlocks []viewBlock
			nonPositive := false
			if err == nil {
				trial = st.step(delta)
				if trial.intr.Fx <= 0 || trial.intr.Fy <= 0 {
					nonPositive = true
				} else {
					trialBlocks, err = evaluate(ctx, pairs, trial, false)
				}
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, refineError(ctx, KindUnknown, cost, out.Iterations, ctxErr)
			}
			if err == nil && !nonPositive {
				if newCost := totalCost(trialBlocks); newCost < cost {
					out.AcceptedSteps++
					decrease := (cost - newCost) / cost
					if blocks, err = evaluate(ctx, pairs, trial, true); err != nil {
						return nil, refineError(ctx, KindDivergence, newCost, out.Iterations, err)
					}
					st, cost = trial, newCost
					lambda = math.Max(lambda/cfg.LMLambdaDown, 1e-15)
					logger.Debugw("lm step accepted", "iteration", out.Iterations, "cost", cost, "lambda", lambda)
					switch {
					case decrease < cfg.CostTolerance:
						out.StopReason = StopCostTolerance
					case delta.Norm(2) < stepTolerance*st.norm():
						out.StopReason = StopStepTolerance
					}
					break
				}
			}
			allNonPositive = allNonPositive && nonPositive
			out.RejectedSteps++
			lambda *= cfg.LMLambdaUp
			if lambda <= maxLambda {
				continue
			}
			switch {
			case allNonPositive:
				return nil, refineError(ctx, KindNonPositiveFocalLength, cost, out.Iterations,
					errors.New("every damped step makes a focal length non-positive"))
			case out.AcceptedSteps == 0:
				return nil, refineError(ctx, KindDivergence, cost, out.Iterations,
					errors.New("no step decreases the cost"))
			default:
				out.StopReason = StopDampingLimit
			}
			break
		}
	}

	if out.StopReason == "" {
		out.StopReason = StopMaxIterations
		logger.Warnw("refinement stopped at the iteration limit", "iterations", out.Iterations, "cost", cost)
	} else {
		out.Converged = true
	}

	numPoints := 0
	out.PerViewRMS = make([]float64, len(pairs))
	for v, p := range pairs {
		numPoints += len(p.Object)
		out.PerViewRMS[v] = math.Sqrt(blocks[v].cost / float64(len(p.Object)))
	}
	out.Intrinsics = st.intr
	out.Distortion = st.dist
	out.Extrinsics = st.poses
	out.Cost = cost
	out.RMS = math.Sqrt(cost / float64(numPoints))
	copy(initial.Extrinsics, st.poses)

	logger.Debugw("refinement done",
		"iterations", out.Iterations, "rms", out.RMS, "converged", out.Converged, "reason", out.StopReason)
	return out, nil
}

func refineError(ctx context.Context, kind Kind, cost float64, iterations int, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Wrap(ctxErr, "refinement cancelled")
	}
	return &Error{Kind: kind, Stage: StageRefine, Cost: cost, Iterations: iterations, Err: err}
}
