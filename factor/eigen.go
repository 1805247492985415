package factor

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// EigenEstimator takes the top eigenvectors of the pairwise-complete
// empirical covariance and projects the zero-filled table on them.
type EigenEstimator struct{}

func (e *EigenEstimator) Estimate(x *mat.Dense, rank int, denoise bool, weights []float64) (*Factors, error) {
	T, N := x.Dims()
	if rank <= 0 || N <= 1 {
		return empty(), nil
	}
	xw, rank, err := prepare(x, rank, weights)
	if err != nil {
		return nil, err
	}

	cov := mat.NewSymDense(N, nil)
	for i := 0; i < N; i++ {
		for j := i; j < N; j++ {
			var (
				sum float64
				n   int
			)
			for t := 0; t < T; t++ {
				p := xw.At(t, i) * xw.At(t, j)
				if !math.IsNaN(p) {
					sum += p
					n++
				}
			}
			if n > 0 {
				cov.SetSym(i, j, sum/float64(n))
			}
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(cov, true); !ok {
		return nil, errors.New("eigendecomposition of the covariance failed")
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// eigenvalues come back ascending
	kept := make([]float64, rank)
	for k := 0; k < rank; k++ {
		kept[k] = math.Max(vals[N-1-k], 0)
	}
	if denoise {
		tail := make([]float64, N-rank)
		for k := range tail {
			tail[k] = math.Sqrt(math.Max(vals[k], 0))
		}
		for k := range kept {
			kept[k] = math.Sqrt(kept[k])
		}
		shrink(kept, tail)
		for k := range kept {
			kept[k] *= kept[k]
		}
	}

	xw.Apply(func(i, j int, v float64) float64 {
		if math.IsNaN(v) {
			return 0
		}
		return v
	}, xw)

	U := mat.NewDense(T, rank, nil)
	Vt := mat.NewDense(rank, N, nil)
	sigma := make([]float64, rank)
	proj := make([]float64, T)
	for k := 0; k < rank; k++ {
		col := mat.Col(nil, N-1-k, &vecs)
		Vt.SetRow(k, col)
		sigma[k] = math.Sqrt(kept[k] * float64(T))
		if sigma[k] == 0 {
			continue
		}
		v := mat.NewVecDense(N, col)
		pv := mat.NewVecDense(T, proj)
		pv.MulVec(xw, v)
		for t := 0; t < T; t++ {
			U.Set(t, k, proj[t]/sigma[k])
		}
	}
	unweight(Vt, weights)

	return &Factors{U: U, Sigma: sigma, Vt: Vt}, nil
}
