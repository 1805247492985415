// Package lagged turns a T x N table into sliding windows and computes the
// empirical lagged covariances the structured model is assembled from.
package lagged

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"tsar/internal/errors"
)

// Build returns the (T-lag+1) x (N*lag) window matrix. Row i, column j*lag+l
// holds variable j at time i+l, so each variable's block runs oldest to newest.
func Build(table mat.Matrix, lag int) (*mat.Dense, error) {
	T, N := table.Dims()
	if lag < 1 {
		return nil, errors.InsufficientData("lag must be >= 1, got %d", lag)
	}
	if T < lag {
		return nil, errors.InsufficientData("need at least %d rows for lag %d, got %d", lag, lag, T)
	}
	rows := T - lag + 1
	out := mat.NewDense(rows, N*lag, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < N; j++ {
			for l := 0; l < lag; l++ {
				out.Set(i, j*lag+l, table.At(i+l, j))
			}
		}
	}
	return out, nil
}

// Fold maps a window matrix back onto the time axis: each (time, variable)
// cell is the mean of the non-NaN window entries covering it.
func Fold(m mat.Matrix, n, lag int) (*mat.Dense, error) {
	rows, cols := m.Dims()
	if n < 1 || lag < 1 || cols != n*lag {
		return nil, errors.InvalidShape("window matrix has %d columns, want %d x %d", cols, n, lag)
	}
	T := rows + lag - 1
	sum := mat.NewDense(T, n, nil)
	count := make([]int, T*n)
	for i := 0; i < rows; i++ {
		for j := 0; j < n; j++ {
			for l := 0; l < lag; l++ {
				v := m.At(i, j*lag+l)
				if math.IsNaN(v) {
					continue
				}
				sum.Set(i+l, j, sum.At(i+l, j)+v)
				count[(i+l)*n+j]++
			}
		}
	}
	sum.Apply(func(i, j int, v float64) float64 {
		if c := count[i*n+j]; c > 0 {
			return v / float64(c)
		}
		return math.NaN()
	}, sum)
	return sum, nil
}
