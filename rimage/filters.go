package rimage

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Helper function for convolving matrices together, When used with i, dx := range makeRangeArray(n)
// i is the position within the kernel and dx gives the offset within the image.
// if length is even, then the origin is to the right of middle i.e. 4 -> {-2, -1, 0, 1}
func makeRangeArray(length int) []int {
	if length <= 0 {
		return make([]int, 0)
	}
	rangeArray := make([]int, length)
	var span int
	if length%2 == 0 {
		oddArr := makeRangeArray(length - 1)
		span = length / 2
		rangeArray = append([]int{-span}, oddArr...)
	} else {
		span = (length - 1) / 2
		for i := 0; i < span; i++ {
			rangeArray[length-1-i] = span - i
			rangeArray[i] = -span + i
		}
	}
	return rangeArray
}

// GaussianFunction1D takes in a sigma and returns a gaussian function useful for weighing averages or blurring.
func GaussianFunction1D(sigma float64) func(p float64) float64 {
	if sigma <= 0. {
		return func(p float64) float64 {
			return 1.
		}
	}
	return func(p float64) float64 {
		return math.Exp(-0.5*math.Pow(p, 2)/math.Pow(sigma, 2)) / (sigma * math.Sqrt(2.*math.Pi))
	}
}

// GaussianKernel1D returns a normalized 1D gaussian kernel covering 3 sigma on each side.
func GaussianKernel1D(sigma float64) []float64 {
	if sigma <= 0 {
		return []float64{1}
	}
	k := max(3, 1+2*int(math.Ceil(3.*sigma)))
	gaus := GaussianFunction1D(sigma)
	kernel := make([]float64, k)
	for i, x := range makeRangeArray(k) {
		kernel[i] = gaus(float64(x))
	}
	floats.Scale(1/floats.Sum(kernel), kernel)
	return kernel
}

// GaussianKernel returns a normalized square 2D gaussian kernel covering 3 sigma on each side.
func GaussianKernel(sigma float64) Kernel {
	oneD := GaussianKernel1D(sigma)
	k := len(oneD)
	content := make([][]float64, k)
	for y := 0; y < k; y++ {
		content[y] = make([]float64, k)
		for x := 0; x < k; x++ {
			content[y][x] = oneD[y] * oneD[x]
		}
	}
	return Kernel{Content: content, Height: k, Width: k}
}

// GaussianBlurFloat64 blurs a float image with a separable gaussian of the given sigma.
func GaussianBlurFloat64(m *mat.Dense, sigma float64) (*mat.Dense, error) {
	kernel := GaussianKernel1D(sigma)
	return ConvolveSeparableFloat64(m, kernel, kernel)
}
