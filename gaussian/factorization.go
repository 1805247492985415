package gaussian

import (
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"tsar/covariance"
	"tsar/internal/errors"
)

type blockInverse struct {
	pos []int // positions in the known vector
	inv *mat.Dense
}

// factorization caches everything about (Σ_KK + λI)⁻¹ that depends only on
// the known mask and λ. With A = D_KK + λI it applies the Woodbury identity
// (A + V_K S V_Kᵗ)⁻¹ = A⁻¹ − A⁻¹V_K (S⁻¹ + V_Kᵗ A⁻¹ V_K)⁻¹ V_Kᵗ A⁻¹.
type factorization struct {
	blocks []blockInverse

	vK    *mat.Dense // |K| x r*lag, nil at rank 0
	aInvV *mat.Dense
	cInv  *mat.Dense
}

func (e *Engine) factorize(known []int, lambda float64) (*factorization, error) {
	d := e.d
	f := &factorization{}

	for b, pos := range e.byBlock(known) {
		if len(pos) == 0 {
			continue
		}
		sub := mat.NewDense(len(pos), len(pos), nil)
		for i, pi := range pos {
			for j, pj := range pos {
				sub.Set(i, j, d.DBlocks[b].At(e.local[known[pi]], e.local[known[pj]]))
			}
			sub.Set(i, i, sub.At(i, i)+lambda)
		}
		inv, nugget, err := covariance.Invert(sub)
		if err != nil {
			return nil, errors.Wrapf(err, "invert D block %d", b)
		}
		if nugget {
			e.logger.Warn("D block was singular, inverted with a diagonal nugget", zap.Int("block", b))
		}
		f.blocks = append(f.blocks, blockInverse{pos: pos, inv: inv})
	}

	if d.Rank > 0 {
		vK := gatherRows(d.V, known)
		aInvV := f.applyAInv(vK)
		var c mat.Dense
		c.Mul(vK.T(), aInvV)
		c.Add(&c, d.SInv)
		cInv, nugget, err := covariance.Invert(&c)
		if err != nil {
			return nil, errors.Wrap(err, "invert capacitance matrix")
		}
		if nugget {
			e.logger.Warn("capacitance matrix was singular, inverted with a diagonal nugget")
		}
		f.vK, f.aInvV, f.cInv = vK, aInvV, cInv
	}
	return f, nil
}

// applyAInv multiplies x (|K| x m) by the block-diagonal A⁻¹.
func (f *factorization) applyAInv(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	for _, b := range f.blocks {
		xb := gatherRows(x, b.pos)
		var yb mat.Dense
		yb.Mul(b.inv, xb)
		for i, p := range b.pos {
			out.SetRow(p, yb.RawRowView(i))
		}
	}
	return out
}

// solve returns (Σ_KK + λI)⁻¹ x.
func (f *factorization) solve(x *mat.Dense) *mat.Dense {
	y := f.applyAInv(x)
	if f.vK == nil {
		return y
	}
	var z, q, corr mat.Dense
	z.Mul(f.vK.T(), y)
	q.Mul(f.cInv, &z)
	corr.Mul(f.aInvV, &q)
	y.Sub(y, &corr)
	return y
}
