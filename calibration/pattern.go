package calibration

import (
	"fmt"
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Pattern is the geometry of a checkerboard's inner corners. The board lies in its own z = 0
// plane with corner (c, r) at (c*SquareSize, r*SquareSize, 0).
type Pattern struct {
	Cols       int
	Rows       int
	SquareSize float64
}

// NewPattern checks and returns a pattern.
func NewPattern(cols, rows int, squareSize float64) (Pattern, error) {
	if cols < 2 || rows < 2 {
		return Pattern{}, errors.Errorf("pattern must have at least 2x2 inner corners, got %dx%d", cols, rows)
	}
	if !(squareSize > 0) || math.IsInf(squareSize, 0) {
		return Pattern{}, errors.Errorf("square size must be positive, got %v", squareSize)
	}
	return Pattern{Cols: cols, Rows: rows, SquareSize: squareSize}, nil
}

// NumPoints is Cols*Rows.
func (p Pattern) NumPoints() int {
	return p.Cols * p.Rows
}

// ObjectPoints returns the 3D corners in row-major raster order.
func (p Pattern) ObjectPoints() []r3.Vector {
	pts := make([]r3.Vector, 0, p.NumPoints())
	for r := 0; r < p.Rows; r++ {
		for c := 0; c < p.Cols; c++ {
			pts = append(pts, r3.Vector{X: float64(c) * p.SquareSize, Y: float64(r) * p.SquareSize})
		}
	}
	return pts
}

// PlanePoints returns ObjectPoints without the z coordinate.
func (p Pattern) PlanePoints() []r2.Point {
	obj := p.ObjectPoints()
	pts := make([]r2.Point, len(obj))
	for i, o := range obj {
		pts[i] = r2.Point{X: o.X, Y: o.Y}
	}
	return pts
}

// ObservedView is one image's detected corners, in the same order as Pattern.ObjectPoints.
type ObservedView struct {
	// Index is the position of the source image in the caller's input.
	Index     int
	Name      string
	Points    []r2.Point
	ImageSize image.Point
}

// NewObservedView copies the points into a new view.
func NewObservedView(index int, name string, points []r2.Point, size image.Point) *ObservedView {
	pts := make([]r2.Point, len(points))
	copy(pts, points)
	return &ObservedView{Index: index, Name: name, Points: pts, ImageSize: size}
}

func (v *ObservedView) clone() *ObservedView {
	return NewObservedView(v.Index, v.Name, v.Points, v.ImageSize)
}

// label names the view in logs and summaries.
func (v *ObservedView) label() string {
	if v.Name != "" {
		return v.Name
	}
	return fmt.Sprintf("#%d", v.Index)
}
