package lagged

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"tsar/internal/errors"
)

// Tensor is a K x K x Lag array of lagged covariances: At(i, j, t) is the
// covariance between series i at time τ and series j at time τ+t.
// At(i, j, t) need not equal At(j, i, t) for t > 0.
type Tensor struct {
	K    int
	Lag  int
	Data []float64
}

// NewTensor allocates a zero tensor.
func NewTensor(k, lag int) *Tensor {
	return &Tensor{K: k, Lag: lag, Data: make([]float64, k*k*lag)}
}

func (t *Tensor) At(i, j, l int) float64 {
	return t.Data[(i*t.K+j)*t.Lag+l]
}

func (t *Tensor) Set(i, j, l int, v float64) {
	t.Data[(i*t.K+j)*t.Lag+l] = v
}

// Sub extracts the tensor restricted to the given series indices.
func (t *Tensor) Sub(idx []int) *Tensor {
	out := NewTensor(len(idx), t.Lag)
	for a, i := range idx {
		for b, j := range idx {
			for l := 0; l < t.Lag; l++ {
				out.Set(a, b, l, t.At(i, j, l))
			}
		}
	}
	return out
}

// BuildDense assembles the symmetric (K*lag) x (K*lag) covariance whose
// (p, q) block is the lag x lag Toeplitz matrix with entry (a, b) equal to
// cov(p at a, q at b). Returns nil for an empty tensor.
func BuildDense(t *Tensor) *mat.Dense {
	if t == nil || t.K == 0 {
		return nil
	}
	lag := t.Lag
	out := mat.NewDense(t.K*lag, t.K*lag, nil)
	for p := 0; p < t.K; p++ {
		for q := 0; q < t.K; q++ {
			for a := 0; a < lag; a++ {
				for b := 0; b < lag; b++ {
					var v float64
					switch {
					case b > a:
						v = t.At(p, q, b-a)
					case b < a:
						v = t.At(q, p, a-b)
					default:
						v = t.At(min(p, q), max(p, q), 0)
					}
					out.Set(p*lag+a, q*lag+b, v)
				}
			}
		}
	}
	return out
}

// InvertDense recovers the tensor from a matrix produced by BuildDense. It
// fails if the matrix is not symmetric or a block is not Toeplitz.
func InvertDense(m *mat.Dense, lag int) (*Tensor, error) {
	r, c := m.Dims()
	if r != c || lag < 1 || r%lag != 0 {
		return nil, errors.InvalidShape("matrix %dx%d is not a square multiple of lag %d", r, c, lag)
	}
	const tol = 1e-12
	if !IsSymmetric(m, tol) {
		return nil, errors.InvalidShape("lagged covariance matrix is not symmetric")
	}
	k := r / lag
	out := NewTensor(k, lag)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			block := m.Slice(i*lag, (i+1)*lag, j*lag, (j+1)*lag)
			if !IsToeplitz(block, tol) {
				return nil, errors.InvalidShape("block (%d, %d) is not Toeplitz", i, j)
			}
			for l := 0; l < lag; l++ {
				out.Set(i, j, l, block.At(0, l))
			}
		}
	}
	return out, nil
}

// IsSymmetric reports whether m equals its transpose within tol.
func IsSymmetric(m mat.Matrix, tol float64) bool {
	r, c := m.Dims()
	if r != c {
		return false
	}
	for i := 0; i < r; i++ {
		for j := i + 1; j < c; j++ {
			if math.Abs(m.At(i, j)-m.At(j, i)) > tol {
				return false
			}
		}
	}
	return true
}

// IsToeplitz reports whether m is constant along its diagonals within tol.
func IsToeplitz(m mat.Matrix, tol float64) bool {
	r, c := m.Dims()
	for i := 0; i+1 < r; i++ {
		for j := 0; j+1 < c; j++ {
			if math.Abs(m.At(i, j)-m.At(i+1, j+1)) > tol {
				return false
			}
		}
	}
	return true
}
