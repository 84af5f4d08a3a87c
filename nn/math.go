package nn

import "math"

// rowSoftmax computes softmax independently for each row of an [nRows x nCols] matrix.
// Uses the max-subtraction trick for numerical stability.
func rowSoftmax(data []float64, nRows, nCols int) []float64 {
	out := make([]float64, len(data))
	for r := 0; r < nRows; r++ {
		base := r * nCols
		maxVal := data[base]
		for c := 1; c < nCols; c++ {
			if data[base+c] > maxVal {
				maxVal = data[base+c]
			}
		}
		sum := 0.0
		for c := 0; c < nCols; c++ {
			out[base+c] = math.Exp(data[base+c] - maxVal)
			sum += out[base+c]
		}
		for c := 0; c < nCols; c++ {
			out[base+c] /= sum
		}
	}
	return out
}

// matMul2D computes C = A @ B where A is [m x k] and B is [k x n], result is [m x n].
func matMul2D(a []float64, m, k int, b []float64, n int) []float64 {
	c := make([]float64, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			sum := 0.0
			for l := 0; l < k; l++ {
				sum += a[i*k+l] * b[l*n+j]
			}
			c[i*n+j] = sum
		}
	}
	return c
}

// addBias adds a [width] bias to each row of an [nRows x width] matrix in-place.
func addBias(data []float64, bias []float64, nRows, width int) {
	for i := 0; i < nRows; i++ {
		for j := 0; j < width; j++ {
			data[i*width+j] += bias[j]
		}
	}
}

// addInPlace adds b to a element-wise.
func addInPlace(a, b []float64) {
	for i := range a {
		a[i] += b[i]
	}
}

const lnEpsilon = 1e-5

// layerNormRows normalizes each row of an [nRows x width] matrix to zero
// mean and unit variance, then applies the gamma/beta affine transform.
func layerNormRows(data []float64, nRows, width int, gamma, beta []float64) []float64 {
	out := make([]float64, len(data))
	for r := 0; r < nRows; r++ {
		base := r * width
		mean := 0.0
		for c := 0; c < width; c++ {
			mean += data[base+c]
		}
		mean /= float64(width)

		variance := 0.0
		for c := 0; c < width; c++ {
			d := data[base+c] - mean
			variance += d * d
		}
		variance /= float64(width)

		inv := 1.0 / math.Sqrt(variance+lnEpsilon)
		for c := 0; c < width; c++ {
			out[base+c] = (data[base+c]-mean)*inv*gamma[c] + beta[c]
		}
	}
	return out
}

// gelu is the tanh approximation used by CLIP-style transformer MLPs.
func gelu(x float64) float64 {
	return 0.5 * x * (1.0 + math.Tanh(math.Sqrt(2.0/math.Pi)*(x+0.044715*x*x*x)))
}

func geluRows(data []float64) {
	for i := range data {
		data[i] = gelu(data[i])
	}
}
