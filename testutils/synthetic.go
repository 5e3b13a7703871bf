package testutils

import (
	"image"
	"math"
	"math/rand"

	"github.com/fogleman/gg"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/camcal/rimage"
	"go.viam.com/camcal/rimage/transform"
	"go.viam.com/camcal/spatialmath"
	"go.viam.com/camcal/utils"
)

// DefaultSyntheticModel is a 640x480 camera with fx = fy = 800, principal point at the image
// center and mild barrel distortion.
func DefaultSyntheticModel() *transform.PinholeCameraModel {
	return &transform.PinholeCameraModel{
		PinholeCameraIntrinsics: &transform.PinholeCameraIntrinsics{
			Width: 640, Height: 480, Fx: 800, Fy: 800, Ppx: 320, Ppy: 240,
		},
		Distortion: &transform.BrownConrady{RadialK1: -0.1, RadialK2: 0.01},
	}
}

// SyntheticView is the pose of the board in the camera frame: X_cam = R * X_board + T.
type SyntheticView struct {
	Rotation    *spatialmath.RotationMatrix
	Translation r3.Vector
}

// SyntheticScene is a camera looking at a planar checkerboard from several poses.
type SyntheticScene struct {
	Model  *transform.PinholeCameraModel
	Cols   int
	Rows   int
	Square float64
	Views  []SyntheticView
}

// SceneOptions bounds the random poses of a scene.
type SceneOptions struct {
	MaxTiltDeg   float64 // tilt around the board x and y axes
	MaxRollDeg   float64 // rotation around the optical axis
	MinDepth     float64
	MaxDepth     float64
	MaxOffsetPx  float64 // offset of the board center from the principal point
	BorderMargin float64 // every inner corner stays this far inside the image
}

// DefaultSceneOptions are tilts up to 35 degrees at about half a meter, offsets up to 80 px.
var DefaultSceneOptions = SceneOptions{
	MaxTiltDeg:   35,
	MaxRollDeg:   10,
	MinDepth:     450,
	MaxDepth:     550,
	MaxOffsetPx:  80,
	BorderMargin: 30,
}

// NewSyntheticScene draws nViews random poses with the given seeded generator. Poses that would
// put a corner outside the image margin are redrawn.
func NewSyntheticScene(
	rng *rand.Rand, model *transform.PinholeCameraModel, cols, rows int, square float64, nViews int, opts SceneOptions,
) *SyntheticScene {
	scene := &SyntheticScene{Model: model, Cols: cols, Rows: rows, Square: square}
	uniform := func(lo, hi float64) float64 { return lo + (hi-lo)*rng.Float64() }
	center := r3.Vector{X: float64(cols-1) * square / 2, Y: float64(rows-1) * square / 2}
	for len(scene.Views) < nViews {
		rx := spatialmath.R3ToRotationMatrix(r3.Vector{X: utils.DegToRad(uniform(-opts.MaxTiltDeg, opts.MaxTiltDeg))})
		ry := spatialmath.R3ToRotationMatrix(r3.Vector{Y: utils.DegToRad(uniform(-opts.MaxTiltDeg, opts.MaxTiltDeg))})
		rz := spatialmath.R3ToRotationMatrix(r3.Vector{Z: utils.DegToRad(uniform(-opts.MaxRollDeg, opts.MaxRollDeg))})
		rot := rz.Compose(ry).Compose(rx)

		z := uniform(opts.MinDepth, opts.MaxDepth)
		ou, ov := uniform(-opts.MaxOffsetPx, opts.MaxOffsetPx), uniform(-opts.MaxOffsetPx, opts.MaxOffsetPx)
		target := r3.Vector{X: ou * z / model.Fx, Y: ov * z / model.Fy, Z: z}
		view := SyntheticView{Rotation: rot, Translation: target.Sub(rot.Mul(center))}
		if scene.viewFits(view, opts.BorderMargin) {
			scene.Views = append(scene.Views, view)
		}
	}
	return scene
}

func (s *SyntheticScene) viewFits(view SyntheticView, margin float64) bool {
	pts, ok := s.project(view, s.ObjectPoints())
	if !ok {
		return false
	}
	w, h := float64(s.Model.Width), float64(s.Model.Height)
	for _, p := range pts {
		if p.X < margin || p.Y < margin || p.X > w-1-margin || p.Y > h-1-margin {
			return false
		}
	}
	return true
}

// ObjectPoints returns the inner corners in row-major order: index r*Cols+c is (c*Square, r*Square, 0).
func (s *SyntheticScene) ObjectPoints() []r3.Vector {
	pts := make([]r3.Vector, 0, s.Cols*s.Rows)
	for r := 0; r < s.Rows; r++ {
		for c := 0; c < s.Cols; c++ {
			pts = append(pts, r3.Vector{X: float64(c) * s.Square, Y: float64(r) * s.Square})
		}
	}
	return pts
}

func (s *SyntheticScene) project(view SyntheticView, pts []r3.Vector) ([]r2.Point, bool) {
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		px, err := s.Model.Project(view.Rotation.Mul(p).Add(view.Translation))
		if err != nil {
			return nil, false
		}
		out[i] = px
	}
	return out, true
}

// ImagePoints returns the exact projections of the inner corners in the given view.
func (s *SyntheticScene) ImagePoints(view int) []r2.Point {
	pts, _ := s.project(s.Views[view], s.ObjectPoints())
	return pts
}

// NoisyImagePoints returns ImagePoints with isotropic gaussian noise of the given sigma per axis.
func (s *SyntheticScene) NoisyImagePoints(view int, rng *rand.Rand, sigma float64) []r2.Point {
	pts := s.ImagePoints(view)
	for i := range pts {
		pts[i].X += sigma * rng.NormFloat64()
		pts[i].Y += sigma * rng.NormFloat64()
	}
	return pts
}

// Render draws the checkerboard as seen in the given view: black and white squares on a white
// board with a half-square margin, over a gray background. Straight board edges are subdivided so
// lens distortion bends them. Pixel centers sit at integer coordinates.
func (s *SyntheticScene) Render(view int) *image.Gray {
	v := s.Views[view]
	dc := gg.NewContext(s.Model.Width, s.Model.Height)
	dc.SetRGB255(110, 110, 110)
	dc.Clear()

	margin := s.Square / 2
	dc.SetRGB255(255, 255, 255)
	s.fillQuad(dc, v, -s.Square-margin, -s.Square-margin, float64(s.Cols)*s.Square+margin, float64(s.Rows)*s.Square+margin)

	dc.SetRGB255(0, 0, 0)
	for j := -1; j < s.Rows; j++ {
		for i := -1; i < s.Cols; i++ {
			if (i+j+2)%2 != 0 {
				continue
			}
			x0, y0 := float64(i)*s.Square, float64(j)*s.Square
			s.fillQuad(dc, v, x0, y0, x0+s.Square, y0+s.Square)
		}
	}
	return rimage.ToGray(dc.Image())
}

const edgeSubdivisions = 12

func (s *SyntheticScene) fillQuad(dc *gg.Context, v SyntheticView, x0, y0, x1, y1 float64) {
	corners := []r3.Vector{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}}
	outline := make([]r3.Vector, 0, 4*edgeSubdivisions)
	for k := 0; k < 4; k++ {
		a, b := corners[k], corners[(k+1)%4]
		for step := 0; step < edgeSubdivisions; step++ {
			outline = append(outline, a.Add(b.Sub(a).Mul(float64(step)/edgeSubdivisions)))
		}
	}
	pts, ok := s.project(v, outline)
	if !ok {
		return
	}
	for i, p := range pts {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) {
			return
		}
		if i == 0 {
			dc.MoveTo(p.X+0.5, p.Y+0.5)
		} else {
			dc.LineTo(p.X+0.5, p.Y+0.5)
		}
	}
	dc.ClosePath()
	dc.Fill()
}

// FrontalView returns a pose facing the board, its center at the given depth and offset in pixels.
func FrontalView(model *transform.PinholeCameraModel, cols, rows int, square, depth, offsetU, offsetV float64) SyntheticView {
	center := r3.Vector{X: float64(cols-1) * square / 2, Y: float64(rows-1) * square / 2}
	target := r3.Vector{X: offsetU * depth / model.Fx, Y: offsetV * depth / model.Fy, Z: depth}
	rot := spatialmath.IdentityRotation()
	return SyntheticView{Rotation: rot, Translation: target.Sub(center)}
}
