package factor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SVDEstimator is an iterative truncated SVD. Missing cells start at zero
// and are refilled with the rank-r reconstruction until the refill changes
// by less than Tol (relative) or MaxIter passes were made.
type SVDEstimator struct {
	MaxIter int
	Tol     float64
}

func (e *SVDEstimator) Estimate(x *mat.Dense, rank int, denoise bool, weights []float64) (*Factors, error) {
	T, N := x.Dims()
	if rank <= 0 || N <= 1 {
		return empty(), nil
	}
	filled, rank, err := prepare(x, rank, weights)
	if err != nil {
		return nil, err
	}

	maxIter, tol := e.MaxIter, e.Tol
	if maxIter <= 0 {
		maxIter = 100
	}
	if tol <= 0 {
		tol = 1e-6
	}

	var missing []int
	raw := filled.RawMatrix()
	for i := 0; i < T; i++ {
		for j := 0; j < N; j++ {
			if math.IsNaN(raw.Data[i*raw.Stride+j]) {
				missing = append(missing, i*N+j)
				raw.Data[i*raw.Stride+j] = 0
			}
		}
	}

	var (
		svd    mat.SVD
		u, v   mat.Dense
		values []float64
	)
	for it := 0; it < maxIter; it++ {
		if ok := svd.Factorize(filled, mat.SVDThin); !ok {
			return nil, fmt.Errorf("SVD factorization failed at iteration %d", it)
		}
		svd.UTo(&u)
		svd.VTo(&v)
		values = svd.Values(values)
		if len(missing) == 0 {
			break
		}

		var delta, norm float64
		for _, c := range missing {
			i, j := c/N, c%N
			var rec float64
			for k := 0; k < rank; k++ {
				rec += u.At(i, k) * values[k] * v.At(j, k)
			}
			old := filled.At(i, j)
			delta += (rec - old) * (rec - old)
			filled.Set(i, j, rec)
		}
		for _, val := range raw.Data {
			norm += val * val
		}
		if delta <= tol*tol*math.Max(norm, 1) {
			break
		}
	}

	sigma := append([]float64(nil), values[:rank]...)
	if denoise {
		shrink(sigma, values[rank:])
	}
	U := mat.DenseCopyOf(u.Slice(0, T, 0, rank))
	Vt := mat.DenseCopyOf(v.Slice(0, N, 0, rank).T())
	unweight(Vt, weights)

	return &Factors{U: U, Sigma: sigma, Vt: Vt}, nil
}
