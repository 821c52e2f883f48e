// Package maskops provides masked reductions over row-major (batch, seq)
// matrices. Padding positions carry a 0 in the mask and never contribute to
// a statistic. All reductions stream over row views; none of them allocates
// a matrix-sized temporary.
package maskops

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// SafetyBound caps log values before exponentiation.
// exp(20) ~ 4.85e8, exp(-20) ~ 2e-9.
const SafetyBound = 20.0

// StableExp exponentiates a log value clamped to [-SafetyBound, SafetyBound],
// saturating instead of overflowing or underflowing.
func StableExp(logv float64) float64 {
	if logv > SafetyBound {
		logv = SafetyBound
	} else if logv < -SafetyBound {
		logv = -SafetyBound
	}
	return math.Exp(logv)
}

// StableExpUpper clamps only the upper side before exponentiating. Used where
// an accurate small value matters (a true minimum) but the upper side must
// still saturate.
func StableExpUpper(logv float64) float64 {
	if logv > SafetyBound {
		logv = SafetyBound
	}
	return math.Exp(logv)
}

func checkDims(x, mask *mat.Dense) (rows, cols int) {
	xr, xc := x.Dims()
	mr, mc := mask.Dims()
	if xr != mr || xc != mc {
		panic("maskops: dimension mismatch between values and mask")
	}
	return xr, xc
}

// Count returns the number of valid (mask > 0) positions.
func Count(mask *mat.Dense) int {
	rows, cols := mask.Dims()
	n := 0
	for i := 0; i < rows; i++ {
		row := mask.RawRowView(i)
		for j := 0; j < cols; j++ {
			if row[j] > 0 {
				n++
			}
		}
	}
	return n
}

// Sum returns the sum of x over valid positions.
func Sum(x, mask *mat.Dense) float64 {
	rows, cols := checkDims(x, mask)
	var s float64
	for i := 0; i < rows; i++ {
		xr := x.RawRowView(i)
		mr := mask.RawRowView(i)
		for j := 0; j < cols; j++ {
			if mr[j] > 0 {
				s += xr[j]
			}
		}
	}
	return s
}

// Mean returns the masked mean of x. Callers validate mask emptiness at the
// API boundary; an all-zero mask here is a programmer error.
func Mean(x, mask *mat.Dense) float64 {
	rows, cols := checkDims(x, mask)
	var s float64
	var n int
	for i := 0; i < rows; i++ {
		xr := x.RawRowView(i)
		mr := mask.RawRowView(i)
		for j := 0; j < cols; j++ {
			if mr[j] > 0 {
				s += xr[j]
				n++
			}
		}
	}
	if n == 0 {
		panic("maskops: mean over empty mask")
	}
	return s / float64(n)
}

// MeanFunc returns the masked mean of f(x) without materializing f(x).
func MeanFunc(x, mask *mat.Dense, f func(float64) float64) float64 {
	rows, cols := checkDims(x, mask)
	var s float64
	var n int
	for i := 0; i < rows; i++ {
		xr := x.RawRowView(i)
		mr := mask.RawRowView(i)
		for j := 0; j < cols; j++ {
			if mr[j] > 0 {
				s += f(xr[j])
				n++
			}
		}
	}
	if n == 0 {
		panic("maskops: mean over empty mask")
	}
	return s / float64(n)
}

// MeanFunc2 returns the masked mean of f(x, y) over two aligned matrices.
func MeanFunc2(x, y, mask *mat.Dense, f func(a, b float64) float64) float64 {
	rows, cols := checkDims(x, mask)
	checkDims(y, mask)
	var s float64
	var n int
	for i := 0; i < rows; i++ {
		xr := x.RawRowView(i)
		yr := y.RawRowView(i)
		mr := mask.RawRowView(i)
		for j := 0; j < cols; j++ {
			if mr[j] > 0 {
				s += f(xr[j], yr[j])
				n++
			}
		}
	}
	if n == 0 {
		panic("maskops: mean over empty mask")
	}
	return s / float64(n)
}

// RowSum returns the per-row masked sum of x.
func RowSum(x, mask *mat.Dense) []float64 {
	rows, cols := checkDims(x, mask)
	out := make([]float64, rows)
	for i := 0; i < rows; i++ {
		xr := x.RawRowView(i)
		mr := mask.RawRowView(i)
		var s float64
		for j := 0; j < cols; j++ {
			if mr[j] > 0 {
				s += xr[j]
			}
		}
		out[i] = s
	}
	return out
}

// RowMean returns the per-row masked mean of x. Rows with no valid token
// yield 0.
func RowMean(x, mask *mat.Dense) []float64 {
	rows, cols := checkDims(x, mask)
	out := make([]float64, rows)
	for i := 0; i < rows; i++ {
		xr := x.RawRowView(i)
		mr := mask.RawRowView(i)
		var s float64
		var n int
		for j := 0; j < cols; j++ {
			if mr[j] > 0 {
				s += xr[j]
				n++
			}
		}
		if n > 0 {
			out[i] = s / float64(n)
		}
	}
	return out
}

// RowAny reports, per row, whether pred holds at any valid position.
func RowAny(x, mask *mat.Dense, pred func(float64) bool) []bool {
	rows, cols := checkDims(x, mask)
	out := make([]bool, rows)
	for i := 0; i < rows; i++ {
		xr := x.RawRowView(i)
		mr := mask.RawRowView(i)
		for j := 0; j < cols; j++ {
			if mr[j] > 0 && pred(xr[j]) {
				out[i] = true
				break
			}
		}
	}
	return out
}

// MaxMin returns the masked maximum and minimum of x.
func MaxMin(x, mask *mat.Dense) (maxv, minv float64) {
	rows, cols := checkDims(x, mask)
	maxv = math.Inf(-1)
	minv = math.Inf(1)
	for i := 0; i < rows; i++ {
		xr := x.RawRowView(i)
		mr := mask.RawRowView(i)
		for j := 0; j < cols; j++ {
			if mr[j] > 0 {
				if xr[j] > maxv {
					maxv = xr[j]
				}
				if xr[j] < minv {
					minv = xr[j]
				}
			}
		}
	}
	return maxv, minv
}
