package lagged

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Report counts the numerical fallbacks taken while computing a tensor.
type Report struct {
	// Fallbacks is the number of (i, j, t) triples with no usable sample
	// pair; they were set to 1 on the lag-0 diagonal and 0 elsewhere.
	Fallbacks int
	// Flat lists series whose lag-0 variance is zero or undefined.
	Flat []int
}

// Covariances computes the K x K x lag tensor of a rows x K matrix:
// At(i, j, t) = mean over τ of m[τ, i] * m[τ+t, j], skipping NaN products.
// Rows of the tensor are computed in parallel with up to workers goroutines.
func Covariances(ctx context.Context, m mat.Matrix, lag, workers int) (*Tensor, Report, error) {
	rows, k := m.Dims()
	out := NewTensor(k, lag)
	if k == 0 {
		return out, Report{}, nil
	}

	cols := make([][]float64, k)
	for j := range cols {
		cols[j] = mat.Col(nil, j, m)
	}

	fallbacks := make([]int, k)
	flat := make([]bool, k)
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i := 0; i < k; i++ {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for j := 0; j < k; j++ {
				for t := 0; t < lag; t++ {
					v, ok := laggedMean(cols[i], cols[j], t, rows)
					if i == j && t == 0 && (!ok || v <= 0) {
						flat[i] = true
					}
					if !ok {
						fallbacks[i]++
						v = 0
						if i == j && t == 0 {
							v = 1
						}
					}
					out.Set(i, j, t, v)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Report{}, err
	}

	var rep Report
	for i := 0; i < k; i++ {
		rep.Fallbacks += fallbacks[i]
		if flat[i] {
			rep.Flat = append(rep.Flat, i)
		}
	}
	return out, rep, nil
}

// laggedMean is the tight loop of the computer: the mean of x[τ] * y[τ+t]
// over the valid τ.
func laggedMean(x, y []float64, t, rows int) (float64, bool) {
	var (
		sum float64
		n   int
	)
	for tau := 0; tau+t < rows; tau++ {
		p := x[tau] * y[tau+t]
		if math.IsNaN(p) {
			continue
		}
		sum += p
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// BlockCovariances computes one tensor per block of column indices,
// blocks in parallel.
func BlockCovariances(ctx context.Context, m *mat.Dense, blocks [][]int, lag, workers int) ([]*Tensor, Report, error) {
	rows, _ := m.Dims()
	out := make([]*Tensor, len(blocks))
	reps := make([]Report, len(blocks))

	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for b, idx := range blocks {
		b, idx := b, idx
		g.Go(func() error {
			sub := mat.NewDense(rows, len(idx), nil)
			for a, c := range idx {
				sub.SetCol(a, mat.Col(nil, c, m))
			}
			t, rep, err := Covariances(gctx, sub, lag, 1)
			if err != nil {
				return err
			}
			for i, f := range rep.Flat {
				rep.Flat[i] = idx[f]
			}
			out[b], reps[b] = t, rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Report{}, err
	}

	var rep Report
	for _, r := range reps {
		rep.Fallbacks += r.Fallbacks
		rep.Flat = append(rep.Flat, r.Flat...)
	}
	return out, rep, nil
}
