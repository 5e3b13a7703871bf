package rimage

import (
	"image"
	"image/draw"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ToGray converts any image to an 8-bit grayscale image whose bounds start at the origin.
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	result := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(result, result.Bounds(), img, b.Min, draw.Src)
	return result
}

// GrayToFloat64 converts a grayscale image to a float matrix; rows are y and values are in [0, 255].
func GrayToFloat64(img *image.Gray) *mat.Dense {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	data := make([]float64, w*h)
	for y := 0; y < h; y++ {
		row := img.Pix[(y)*img.Stride : (y)*img.Stride+w]
		for x, v := range row {
			data[y*w+x] = float64(v)
		}
	}
	return mat.NewDense(h, w, data)
}

// BilinearInterpolate samples the float image at the sub-pixel location (x, y), where integer
// coordinates are pixel centers. Samples outside the image are clamped to the border.
func BilinearInterpolate(m mat.Matrix, x, y float64) float64 {
	h, w := m.Dims()
	x = math.Min(math.Max(x, 0), float64(w-1))
	y = math.Min(math.Max(y, 0), float64(h-1))
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	x1, y1 := min(x0+1, w-1), min(y0+1, h-1)
	ax, ay := x-float64(x0), y-float64(y0)
	top := (1-ax)*m.At(y0, x0) + ax*m.At(y0, x1)
	bottom := (1-ax)*m.At(y1, x0) + ax*m.At(y1, x1)
	return (1-ay)*top + ay*bottom
}
