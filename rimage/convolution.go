package rimage

import (
	"image"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/camcal/utils"
)

// Kernel is a convolution kernel, indexed as Content[y][x].
type Kernel struct {
	Content [][]float64
	Height  int
	Width   int
}

// NewKernel creates a kernel from rows of equal length.
func NewKernel(content [][]float64) (Kernel, error) {
	if len(content) == 0 || len(content[0]) == 0 {
		return Kernel{}, errors.New("kernel must not be empty")
	}
	for _, row := range content {
		if len(row) != len(content[0]) {
			return Kernel{}, errors.New("kernel rows must have the same length")
		}
	}
	return Kernel{Content: content, Height: len(content), Width: len(content[0])}, nil
}

// At returns the kernel value at x, y.
func (k *Kernel) At(x, y int) float64 {
	return k.Content[y][x]
}

// GetSobelX returns the Kernel corresponding to the Sobel kernel in the x direction.
func GetSobelX() Kernel {
	return Kernel{
		[][]float64{
			{-1, 0, 1},
			{-2, 0, 2},
			{-1, 0, 1},
		},
		3,
		3,
	}
}

// GetSobelY returns the Kernel corresponding to the Sobel kernel in the y direction.
func GetSobelY() Kernel {
	return Kernel{
		[][]float64{
			{-1, -2, -1},
			{0, 0, 0},
			{1, 2, 1},
		},
		3,
		3,
	}
}

// reflectIndex maps an out of range index back into [0, n) by mirroring around the edge pixel
// (..., 2, 1, | 0, 1, 2, ..., n-1, | n-2, ...).
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// ConvolveGrayFloat64 correlates a float64 image (rows are y) with the kernel, anchored at the
// kernel center. Borders are reflected and there is no clamping.
func ConvolveGrayFloat64(m *mat.Dense, filter *Kernel) (*mat.Dense, error) {
	if filter.Width%2 == 0 || filter.Height%2 == 0 {
		return nil, errors.Errorf("kernel size must be odd, got %dx%d", filter.Width, filter.Height)
	}
	h, w := m.Dims()
	result := mat.NewDense(h, w, nil)
	ax, ay := filter.Width/2, filter.Height/2

	utils.ParallelForEachPixel(image.Point{w, h}, func(x, y int) {
		sum := 0.
		for ky := 0; ky < filter.Height; ky++ {
			yy := reflectIndex(y+ky-ay, h)
			for kx := 0; kx < filter.Width; kx++ {
				sum += m.At(yy, reflectIndex(x+kx-ax, w)) * filter.Content[ky][kx]
			}
		}
		result.Set(y, x, sum)
	})
	return result, nil
}

// ConvolveSeparableFloat64 applies a row kernel then a column kernel. Both must have odd length.
func ConvolveSeparableFloat64(m *mat.Dense, rowKernel, colKernel []float64) (*mat.Dense, error) {
	rk, err := NewKernel([][]float64{rowKernel})
	if err != nil {
		return nil, errors.Wrap(err, "row kernel")
	}
	col := make([][]float64, len(colKernel))
	for i, v := range colKernel {
		col[i] = []float64{v}
	}
	ck, err := NewKernel(col)
	if err != nil {
		return nil, errors.Wrap(err, "column kernel")
	}
	tmp, err := ConvolveGrayFloat64(m, &rk)
	if err != nil {
		return nil, err
	}
	return ConvolveGrayFloat64(tmp, &ck)
}
