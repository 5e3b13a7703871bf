package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// DegenerateConditionRatio is the second smallest to largest singular value ratio of the DLT
// system below which a homography is considered ill-conditioned.
const DegenerateConditionRatio = 1e-9

// ErrDegenerateHomography is returned when the point configuration does not determine a homography.
var ErrDegenerateHomography = errors.New("point configuration does not determine a homography")

// Homography is a 3x3 projective transform between two planes, normalized so that H[2][2] = 1
// whenever that entry is not vanishing.
type Homography struct {
	matrix *mat.Dense
	// ConditionRatio is the ratio of the second smallest to the largest singular value of the
	// normalized DLT system the homography was estimated from.
	ConditionRatio float64
}

// NewHomography creates a homography from 9 row-major values.
func NewHomography(vals []float64) (*Homography, error) {
	if len(vals) != 9 {
		return nil, errors.Errorf("input slice has wrong length, expected 9, got %d", len(vals))
	}
	data := make([]float64, 9)
	copy(data, vals)
	return &Homography{matrix: mat.NewDense(3, 3, data), ConditionRatio: 1}, nil
}

// At returns the value of the homography at the given index.
func (h *Homography) At(row, col int) float64 {
	return h.matrix.At(row, col)
}

// Matrix returns a copy of the 3x3 matrix.
func (h *Homography) Matrix() *mat.Dense {
	return mat.DenseCopyOf(h.matrix)
}

// Apply transforms a point through the homography.
func (h *Homography) Apply(pt r2.Point) r2.Point {
	m := h.matrix
	x := m.At(0, 0)*pt.X + m.At(0, 1)*pt.Y + m.At(0, 2)
	y := m.At(1, 0)*pt.X + m.At(1, 1)*pt.Y + m.At(1, 2)
	w := m.At(2, 0)*pt.X + m.At(2, 1)*pt.Y + m.At(2, 2)
	return r2.Point{X: x / w, Y: y / w}
}

// Inverse returns the inverse homography.
func (h *Homography) Inverse() (*Homography, error) {
	var inv mat.Dense
	if err := inv.Inverse(h.matrix); err != nil {
		return nil, errors.Wrap(err, "homography is not invertible")
	}
	return &Homography{matrix: scaleHomography(&inv), ConditionRatio: h.ConditionRatio}, nil
}

// EstimateHomography estimates the homography mapping src onto dst with the normalized direct
// linear transform. At least 4 correspondences are required. The solution is the right singular
// vector of the smallest singular value; when the second smallest singular value is negligible
// relative to the largest the configuration is degenerate and ErrDegenerateHomography is returned.
func EstimateHomography(src, dst []r2.Point) (*Homography, error) {
	if len(src) != len(dst) {
		return nil, errors.New("sets of points src and dst must have the same number of elements")
	}
	if len(src) < 4 {
		return nil, errors.Errorf("need at least 4 point correspondences, got %d", len(src))
	}
	srcN, tSrc, err := normalizePoints(src)
	if err != nil {
		return nil, err
	}
	dstN, tDstInv, err := normalizePointsInverse(dst)
	if err != nil {
		return nil, err
	}

	nRows := 2 * len(src)
	a := mat.NewDense(nRows, 9, nil)
	for i := range srcN {
		s, d := srcN[i], dstN[i]
		a.SetRow(2*i, []float64{-s.X, -s.Y, -1, 0, 0, 0, d.X * s.X, d.X * s.Y, d.X})
		a.SetRow(2*i+1, []float64{0, 0, 0, -s.X, -s.Y, -1, d.Y * s.X, d.Y * s.Y, d.Y})
	}

	var svd mat.SVD
	kind := mat.SVDThinV
	if nRows < 9 {
		kind = mat.SVDFullV
	}
	if ok := svd.Factorize(a, kind); !ok {
		return nil, errors.New("svd factorization of the DLT system failed")
	}
	// pad the spectrum to 9 values; missing ones are exact zeros
	values := make([]float64, 9)
	copy(values, svd.Values(nil))
	ratio := 0.
	if values[0] > 0 {
		ratio = values[7] / values[0]
	}
	if ratio < DegenerateConditionRatio {
		return nil, errors.Wrapf(ErrDegenerateHomography, "singular value ratio %g", ratio)
	}

	var v mat.Dense
	svd.VTo(&v)
	hn := mat.NewDense(3, 3, nil)
	for i := 0; i < 9; i++ {
		hn.Set(i/3, i%3, v.At(i, 8))
	}

	// H = T_dst^-1 * Hn * T_src
	var out mat.Dense
	out.Mul(tDstInv, hn)
	out.Mul(&out, tSrc)
	return &Homography{matrix: scaleHomography(&out), ConditionRatio: ratio}, nil
}

func scaleHomography(m *mat.Dense) *mat.Dense {
	if s := m.At(2, 2); math.Abs(s) > 1e-12 {
		m.Scale(1/s, m)
		return m
	}
	m.Scale(1/mat.Norm(m, 2), m)
	return m
}

// normalizePoints moves the centroid to the origin and scales the mean distance to it to one,
// the conditioning step of Multiple View Geometry, Alg 4.2.
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense, error) {
	mu, scale, err := normalization(pts)
	if err != nil {
		return nil, nil, err
	}
	t := mat.NewDense(3, 3, []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	})
	return applyNormalization(pts, mu, scale), t, nil
}

// normalizePointsInverse is normalizePoints returning the inverse of the normalizing transform.
func normalizePointsInverse(pts []r2.Point) ([]r2.Point, *mat.Dense, error) {
	mu, scale, err := normalization(pts)
	if err != nil {
		return nil, nil, err
	}
	tInv := mat.NewDense(3, 3, []float64{
		1 / scale, 0, mu.X,
		0, 1 / scale, mu.Y,
		0, 0, 1,
	})
	return applyNormalization(pts, mu, scale), tInv, nil
}

func normalization(pts []r2.Point) (r2.Point, float64, error) {
	nPoints := float64(len(pts))
	mu := r2.Point{}
	for _, pt := range pts {
		mu = mu.Add(pt)
	}
	mu = mu.Mul(1. / nPoints)
	d := 0.0
	for _, pt := range pts {
		d += pt.Sub(mu).Norm() / nPoints
	}
	if d < 1e-12 || math.IsNaN(d) || math.IsInf(d, 0) {
		return r2.Point{}, 0, errors.Wrap(ErrDegenerateHomography, "points have no spread")
	}
	return mu, 1 / d, nil
}

func applyNormalization(pts []r2.Point, mu r2.Point, scale float64) []r2.Point {
	out := make([]r2.Point, len(pts))
	for i, pt := range pts {
		out[i] = pt.Sub(mu).Mul(scale)
	}
	return out
}
