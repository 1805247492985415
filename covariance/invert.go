package covariance

import (
	"gonum.org/v1/gonum/mat"

	"tsar/internal/errors"
)

// NuggetScale is the relative size of the diagonal regularization added
// before the single retry of a failed inversion.
const NuggetScale = 1e-8

// Invert inverts a square matrix. If the inversion fails or is badly
// conditioned it retries once with a small positive diagonal nugget; the
// boolean reports whether the nugget was needed.
func Invert(m mat.Matrix) (*mat.Dense, bool, error) {
	var inv mat.Dense
	if err := inv.Inverse(m); err == nil {
		return &inv, false, nil
	}

	n, _ := m.Dims()
	reg := mat.DenseCopyOf(m)
	var trace float64
	for i := 0; i < n; i++ {
		trace += reg.At(i, i)
	}
	nugget := NuggetScale * max(1, trace/float64(n))
	for i := 0; i < n; i++ {
		reg.Set(i, i, reg.At(i, i)+nugget)
	}

	var retry mat.Dense
	if err := retry.Inverse(reg); err != nil {
		return nil, true, errors.SingularCovariance("%dx%d matrix is singular even with nugget %.3g: %v", n, n, nugget, err)
	}
	return &retry, true, nil
}
