// Package covariance assembles the low-rank plus block-diagonal covariance
// of a fully lagged observation vector.
package covariance

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"tsar/internal/errors"
	"tsar/internal/logging"
	"tsar/lagged"
)

// Decomposition describes Σ = V·S·Vᵗ + D over N*Lag lagged columns, where D
// is block diagonal with one dense block per variable block.
type Decomposition struct {
	N    int
	Lag  int
	Rank int

	// V maps factor lags to variable lags, (N*Lag) x (Rank*Lag).
	// V, S and SInv are nil when Rank is 0.
	V    *mat.Dense
	S    *mat.Dense
	SInv *mat.Dense

	DBlocks []*mat.Dense
	// BlockIndex holds the lagged column indices covered by each D block.
	BlockIndex [][]int
	DMatrix    *mat.Dense

	// Nuggets counts inversions that needed diagonal regularization.
	Nuggets int
}

// Assemble builds the decomposition from the scaled loadings sTimesV
// (r x N, nil at rank 0), the factor lagged-covariance tensor and one
// tensor per variable block. Blocks cover the N columns in order.
func Assemble(sTimesV *mat.Dense, factorT *lagged.Tensor, blockTs []*lagged.Tensor, lag int, logger *zap.Logger) (*Decomposition, error) {
	logger = logging.OrNop(logger)
	if lag < 1 {
		return nil, errors.InvalidShape("lag must be >= 1, got %d", lag)
	}

	n := 0
	for b, t := range blockTs {
		if t == nil || t.K == 0 || t.Lag != lag {
			return nil, errors.InvalidShape("block %d tensor is empty or has the wrong lag", b)
		}
		n += t.K
	}
	if n == 0 {
		return nil, errors.InvalidShape("no variable blocks")
	}

	d := &Decomposition{N: n, Lag: lag}
	if sTimesV != nil {
		r, c := sTimesV.Dims()
		if c != n {
			return nil, errors.InvalidShape("loadings have %d columns, blocks cover %d", c, n)
		}
		if factorT == nil || factorT.K != r || factorT.Lag != lag {
			return nil, errors.InvalidShape("factor tensor does not match rank %d and lag %d", r, lag)
		}
		d.Rank = r
	}
	logger.Debug("building matrices",
		zap.Int("variables", n),
		zap.Int("lag", lag),
		zap.Int("rank", d.Rank),
		zap.Int("blocks", len(blockTs)),
	)

	if d.Rank > 0 {
		d.S = lagged.BuildDense(factorT)
		inv, nugget, err := Invert(d.S)
		if err != nil {
			return nil, errors.Wrap(err, "invert S")
		}
		if nugget {
			d.Nuggets++
			logger.Warn("S was singular, inverted with a diagonal nugget", zap.Int("rank", d.Rank))
		}
		d.SInv = inv
		d.V = buildV(sTimesV, lag)
	}

	cur := 0
	for _, t := range blockTs {
		size := t.K * lag
		sigma := lagged.BuildDense(t)
		sigma.Apply(func(i, j int, v float64) float64 {
			if i == j {
				return 1
			}
			if math.IsNaN(v) {
				return 0
			}
			return v
		}, sigma)

		if d.Rank > 0 {
			vb := d.V.Slice(cur, cur+size, 0, d.Rank*lag)
			var vs, explained mat.Dense
			vs.Mul(vb, d.S)
			explained.Mul(&vs, vb.T())
			sigma.Sub(sigma, &explained)
			symmetrize(sigma)
		}

		idx := make([]int, size)
		for i := range idx {
			idx[i] = cur + i
		}
		d.DBlocks = append(d.DBlocks, sigma)
		d.BlockIndex = append(d.BlockIndex, idx)
		cur += size
	}

	d.DMatrix = blockDiag(d.DBlocks, n*lag)
	return d, nil
}

// buildV places the r x N loadings so that lag t of variable n maps onto
// lag t of every factor: V[n*lag+t, k*lag+t] = sTimesV[k, n].
func buildV(sTimesV *mat.Dense, lag int) *mat.Dense {
	r, n := sTimesV.Dims()
	v := mat.NewDense(n*lag, r*lag, nil)
	for k := 0; k < r; k++ {
		for j := 0; j < n; j++ {
			w := sTimesV.At(k, j)
			for t := 0; t < lag; t++ {
				v.Set(j*lag+t, k*lag+t, w)
			}
		}
	}
	return v
}

func blockDiag(blocks []*mat.Dense, size int) *mat.Dense {
	out := mat.NewDense(size, size, nil)
	cur := 0
	for _, b := range blocks {
		r, _ := b.Dims()
		out.Slice(cur, cur+r, cur, cur+r).(*mat.Dense).Copy(b)
		cur += r
	}
	return out
}

func symmetrize(m *mat.Dense) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		for j := i + 1; j < r; j++ {
			v := (m.At(i, j) + m.At(j, i)) / 2
			m.Set(i, j, v)
			m.Set(j, i, v)
		}
	}
}

// Sigma returns the dense covariance V·S·Vᵗ + D. Meant for small problems
// and diagnostics; conditioning never forms it.
func (d *Decomposition) Sigma() *mat.Dense {
	out := mat.DenseCopyOf(d.DMatrix)
	if d.Rank > 0 {
		var vs, low mat.Dense
		vs.Mul(d.V, d.S)
		low.Mul(&vs, d.V.T())
		out.Add(out, &low)
	}
	return out
}
