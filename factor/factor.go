// Package factor estimates the shared low-rank factors of a table.
package factor

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"tsar/internal/errors"
)

// Factors is a rank-r decomposition X ≈ U · diag(Sigma) · Vt of a T x N
// table. A zero-rank result has nil matrices and means the model has no
// global factor.
type Factors struct {
	U     *mat.Dense // T x r, columns approximately orthonormal
	Sigma []float64  // r singular values
	Vt    *mat.Dense // r x N
}

// Rank returns r.
func (f *Factors) Rank() int {
	if f == nil {
		return 0
	}
	return len(f.Sigma)
}

// SigmaTimesVt returns diag(Sigma) · Vt, or nil at rank 0.
func (f *Factors) SigmaTimesVt() *mat.Dense {
	if f.Rank() == 0 {
		return nil
	}
	var out mat.Dense
	out.Apply(func(i, j int, v float64) float64 {
		return f.Sigma[i] * v
	}, f.Vt)
	return &out
}

// Estimator produces factors for a table. Weights, when non-nil, are a
// positive per-column scale applied before estimation and divided back out
// of Vt afterwards.
type Estimator interface {
	Estimate(x *mat.Dense, rank int, denoise bool, weights []float64) (*Factors, error)
}

// Kind selects an Estimator strategy.
type Kind int

const (
	KindSVD Kind = iota
	KindEigen
)

func (k Kind) String() string {
	switch k {
	case KindSVD:
		return "svd"
	case KindEigen:
		return "eigen"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind maps a configuration name onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "svd":
		return KindSVD, nil
	case "eigen", "eig":
		return KindEigen, nil
	default:
		return 0, errors.ConfigInvalid(fmt.Sprintf("unknown factor estimator %q", s))
	}
}

// New returns the default-configured estimator of the given kind.
func New(k Kind) Estimator {
	if k == KindEigen {
		return &EigenEstimator{}
	}
	return &SVDEstimator{}
}

// empty is the degenerate result for rank 0 or a single column.
func empty() *Factors {
	return &Factors{}
}

// prepare validates weights and returns a weighted copy of x along with
// the effective rank.
func prepare(x *mat.Dense, rank int, weights []float64) (*mat.Dense, int, error) {
	T, N := x.Dims()
	if weights != nil {
		if len(weights) != N {
			return nil, 0, errors.InvalidShape("got %d weights for %d columns", len(weights), N)
		}
		for j, w := range weights {
			if !(w > 0) || math.IsInf(w, 0) {
				return nil, 0, errors.InvalidShape("weight %d must be positive, got %v", j, w)
			}
		}
	}
	rank = min(rank, N, T)

	xw := mat.DenseCopyOf(x)
	if weights != nil {
		xw.Apply(func(i, j int, v float64) float64 { return v * weights[j] }, xw)
	}
	return xw, rank, nil
}

// unweight divides the columns of vt by the weights in place.
func unweight(vt *mat.Dense, weights []float64) {
	if weights == nil {
		return
	}
	vt.Apply(func(i, j int, v float64) float64 { return v / weights[j] }, vt)
}

// shrink subtracts the mean discarded energy from the kept squared values.
func shrink(kept, discarded []float64) {
	if len(discarded) == 0 {
		return
	}
	var noise float64
	for _, s := range discarded {
		noise += s * s
	}
	noise /= float64(len(discarded))
	for i, s := range kept {
		kept[i] = math.Sqrt(math.Max(s*s-noise, 0))
	}
}
