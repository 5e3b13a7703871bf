package chessboard

import (
	"image/color"
	"math"
	"sort"

	"github.com/fogleman/gg"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcal/rimage"
)

// SaddleConfiguration stores the parameters to process the Hessian determinant image into a relevant saddle points map.
type SaddleConfiguration struct {
	BlurSigma         float64 `json:"blur-sigma"`      // gaussian blur applied before the Hessian
	RelativeThreshold float64 `json:"rel-threshold"`   // fraction of the strongest response below which pixels are dropped
	NMSWindowSize     int     `json:"win-size"`        // half size of the window for non-maximum suppression
	JunctionRadius    float64 `json:"junction-radius"` // radius of the circle sampled by the X-junction test
	MinContrast       float64 `json:"min-contrast"`    // minimum gray level spread on the junction circle
}

// DefaultSaddleConf stores the default parameters for saddle detection.
var DefaultSaddleConf = SaddleConfiguration{
	BlurSigma:         1.,
	RelativeThreshold: 0.15,
	NMSWindowSize:     3,
	JunctionRadius:    4.,
	MinContrast:       30.,
}

// CheckValid checks the saddle parameters.
func (cfg *SaddleConfiguration) CheckValid() error {
	if cfg.BlurSigma < 0 {
		return errors.Errorf("blur-sigma must be non-negative, got %v", cfg.BlurSigma)
	}
	if cfg.RelativeThreshold <= 0 || cfg.RelativeThreshold >= 1 {
		return errors.Errorf("rel-threshold must be in (0, 1), got %v", cfg.RelativeThreshold)
	}
	if cfg.NMSWindowSize < 1 {
		return errors.Errorf("win-size must be at least 1, got %d", cfg.NMSWindowSize)
	}
	if cfg.JunctionRadius < 1 {
		return errors.Errorf("junction-radius must be at least 1, got %v", cfg.JunctionRadius)
	}
	return nil
}

// computePixelWiseHessianDeterminant computes hessian components for each pixel and returns a *mat.Dense containing
// the value of the determinant of the Hessian for each pixel.
// The sign and value of the determinant of the Hessian gives location of saddle points.
func computePixelWiseHessianDeterminant(img *mat.Dense) (*mat.Dense, error) {
	nRows, nCols := img.Dims()
	sobelX := rimage.GetSobelX()
	sobelY := rimage.GetSobelY()
	gX, err := rimage.ConvolveGrayFloat64(img, &sobelX)
	if err != nil {
		return nil, err
	}
	gY, err := rimage.ConvolveGrayFloat64(img, &sobelY)
	if err != nil {
		return nil, err
	}
	gXX, err := rimage.ConvolveGrayFloat64(gX, &sobelX)
	if err != nil {
		return nil, err
	}
	gYY, err := rimage.ConvolveGrayFloat64(gY, &sobelY)
	if err != nil {
		return nil, err
	}
	gXY, err := rimage.ConvolveGrayFloat64(gX, &sobelY)
	if err != nil {
		return nil, err
	}
	m1 := mat.NewDense(nRows, nCols, nil)
	m2 := mat.NewDense(nRows, nCols, nil)
	out := mat.NewDense(nRows, nCols, nil)
	m1.MulElem(gXX, gYY)
	m2.MulElem(gXY, gXY)
	out.Sub(m1, m2)
	return out, nil
}

// ComputeSaddleMap returns the saddle response of the image: the negative determinant of the
// Hessian of the blurred image, with non-saddle pixels set to 0.
func ComputeSaddleMap(img *mat.Dense, cfg *SaddleConfiguration) (*mat.Dense, error) {
	blurred, err := rimage.GaussianBlurFloat64(img, cfg.BlurSigma)
	if err != nil {
		return nil, err
	}
	hessian, err := computePixelWiseHessianDeterminant(blurred)
	if err != nil {
		return nil, err
	}
	// saddle points are points where determinant of hessian is <0
	// for better readability, using negative determinant of Hessian
	hessian.Apply(func(r, c int, v float64) float64 {
		if v >= 0 {
			return 0
		}
		return -v
	}, hessian)
	return hessian, nil
}

// NonMaxSuppression keeps the pixels of the map that are at least thresh and strictly dominate
// their (2*winSize+1)^2 neighborhood. Equal neighbors earlier in raster order win, so plateaus
// yield a single point.
func NonMaxSuppression(img *mat.Dense, winSize int, thresh float64) []r2.Point {
	h, w := img.Dims()
	points := make([]r2.Point, 0)
	for i := 0; i < h; i++ {
		for j := 0; j < w; j++ {
			v := img.At(i, j)
			if v <= 0 || v < thresh {
				continue
			}
			isMax := true
			for di := -winSize; di <= winSize && isMax; di++ {
				ii := i + di
				if ii < 0 || ii >= h {
					continue
				}
				for dj := -winSize; dj <= winSize; dj++ {
					jj := j + dj
					if jj < 0 || jj >= w || (di == 0 && dj == 0) {
						continue
					}
					other := img.At(ii, jj)
					earlier := di < 0 || (di == 0 && dj < 0)
					if other > v || (other == v && earlier) {
						isMax = false
						break
					}
				}
			}
			if isMax {
				points = append(points, r2.Point{X: float64(j), Y: float64(i)})
			}
		}
	}
	return points
}

// junctionSamples is the number of samples taken on the X-junction test circle.
const junctionSamples = 32

// IsXJunction reports whether the neighborhood of pt looks like a checkerboard X-junction:
// the gray levels on a circle around it alternate dark and light exactly four times.
func IsXJunction(img *mat.Dense, pt r2.Point, radius, minContrast float64) bool {
	samples := make([]float64, junctionSamples)
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := range samples {
		theta := 2 * math.Pi * float64(i) / junctionSamples
		v := rimage.BilinearInterpolate(img, pt.X+radius*math.Cos(theta), pt.Y+radius*math.Sin(theta))
		samples[i] = v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi-lo < minContrast {
		return false
	}
	mid := (hi + lo) / 2
	transitions := 0
	for i := range samples {
		prev := samples[(i+junctionSamples-1)%junctionSamples] > mid
		cur := samples[i] > mid
		if prev != cur {
			transitions++
		}
	}
	return transitions == 4
}

// GetSaddleMapPoints gets the saddle map of the image and the candidate chessboard corners: local
// maxima of the saddle response above the relative threshold that pass the X-junction test.
// Points are returned in raster order.
func GetSaddleMapPoints(img *mat.Dense, cfg *SaddleConfiguration) (*mat.Dense, []r2.Point, error) {
	saddleMap, err := ComputeSaddleMap(img, cfg)
	if err != nil {
		return nil, nil, err
	}
	maxResponse := mat.Max(saddleMap)
	if maxResponse <= 0 {
		return saddleMap, []r2.Point{}, nil
	}
	candidates := NonMaxSuppression(saddleMap, cfg.NMSWindowSize, cfg.RelativeThreshold*maxResponse)

	blurred, err := rimage.GaussianBlurFloat64(img, cfg.BlurSigma)
	if err != nil {
		return nil, nil, err
	}
	// the junction circle and the refinement window need room around a corner
	h, w := img.Dims()
	border := math.Ceil(cfg.JunctionRadius) + 1
	saddlePoints := make([]r2.Point, 0, len(candidates))
	for _, pt := range candidates {
		if pt.X < border || pt.Y < border || pt.X > float64(w-1)-border || pt.Y > float64(h-1)-border {
			continue
		}
		if IsXJunction(blurred, pt, cfg.JunctionRadius, cfg.MinContrast) {
			saddlePoints = append(saddlePoints, pt)
		}
	}
	sort.SliceStable(saddlePoints, func(i, j int) bool {
		if saddlePoints[i].Y != saddlePoints[j].Y {
			return saddlePoints[i].Y < saddlePoints[j].Y
		}
		return saddlePoints[i].X < saddlePoints[j].X
	})
	return saddleMap, saddlePoints, nil
}

// visualization functions

// PlotCorners draws the ordered corners over the image and saves it to a png file: outFile.
// The first corner is drawn in blue and the grid polyline in green.
func PlotCorners(img *mat.Dense, corners []r2.Point, outFile string) error {
	ih, iw := img.Dims()
	dc := gg.NewContext(iw, ih)
	for y := 0; y < ih; y++ {
		for x := 0; x < iw; x++ {
			v := uint8(math.Max(0, math.Min(255, img.At(y, x))))
			dc.SetColor(color.Gray{Y: v})
			dc.SetPixel(x, y)
		}
	}
	dc.SetRGB(0, 1, 0)
	dc.SetLineWidth(1)
	for i := 1; i < len(corners); i++ {
		dc.DrawLine(corners[i-1].X+0.5, corners[i-1].Y+0.5, corners[i].X+0.5, corners[i].Y+0.5)
		dc.Stroke()
	}
	dc.SetColor(color.RGBA{R: 255, A: 255})
	for i, pt := range corners {
		if i == 0 {
			dc.SetColor(color.RGBA{B: 255, A: 255})
		}
		dc.DrawPoint(pt.X+0.5, pt.Y+0.5, 2.5)
		dc.Fill()
		if i == 0 {
			dc.SetColor(color.RGBA{R: 255, A: 255})
		}
	}
	return dc.SavePNG(outFile)
}
