// Package baseline is a plain OLS VAR(p) forecaster used as a reference
// next to the structured-covariance model.
package baseline

import (
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/mat"

	"tsar/internal/errors"
	"tsar/series"
)

type Deterministic int

// Deterministic terms of the VAR
const (
	DetNone Deterministic = iota
	DetConst
	DetTrend
	DetConstTrend
)

func (d Deterministic) hasConst() bool { return d == DetConst || d == DetConstTrend }
func (d Deterministic) hasTrend() bool { return d == DetTrend || d == DetConstTrend }

// number of deterministic regressors
func (d Deterministic) cols() int {
	n := 0
	if d.hasConst() {
		n++
	}
	if d.hasTrend() {
		n++
	}
	return n
}

// What kind of model to fit
type ModelSpec struct {
	// How many lags?
	Lags int
	// What kind of constant to include
	Deterministic Deterministic
}

type VAR struct {
	Model ModelSpec

	// Coefficient matrices for each lag A_1, A_2, etc (each KxK matrix)
	A []*mat.Dense

	// Deterministic Terms: constant and/or trend columns (K x detCols), nil if none
	C *mat.Dense

	// Covariance of residuals (KxK)
	SigmaU *mat.SymDense

	// Rows used in the regression, rows with a missing value are dropped
	Used int
}

// --- Plain OLS VAR estimator ---

type OLSEstimator struct{}

// Estimate fits y_t = C d_t + sum_j A_j y_{t-j} + u_t by least squares.
// Regression rows touching a missing value are skipped.
func (e *OLSEstimator) Estimate(ts *series.Table, spec ModelSpec) (*VAR, error) {
	if ts == nil || ts.Y == nil {
		return nil, fmt.Errorf("time series data not provided")
	}

	T, K := ts.Dims()
	p := spec.Lags
	if p <= 0 {
		return nil, errors.ConfigInvalid("VAR lags must be > 0")
	}

	// Builds the response matrix, rows are y_p, y_{p+1}, ..., y_{T-1}
	var rows []int
	for t := p; t < T; t++ {
		if complete(ts.Y, t-p, t+1) {
			rows = append(rows, t)
		}
	}

	detCols := spec.Deterministic.cols()
	m := detCols + p*K // total regressors
	if len(rows) <= m {
		return nil, errors.InsufficientData("need more than %d complete regression rows, got %d", m, len(rows))
	}

	Yreg := mat.NewDense(len(rows), K, nil)
	X := mat.NewDense(len(rows), m, nil)

	// Fill X row-by-row
	for r, t := range rows {
		Yreg.SetRow(r, ts.Y.RawRowView(t))

		col := 0
		if spec.Deterministic.hasConst() {
			X.Set(r, col, 1.0)
			col++
		}
		if spec.Deterministic.hasTrend() {
			X.Set(r, col, float64(t+1))
			col++
		}

		// Lagged Y's: [ y_{t-1}, y_{t-2}, ..., y_{t-p}]
		for j := 1; j <= p; j++ {
			for k := 0; k < K; k++ {
				X.Set(r, col, ts.Y.At(t-j, k))
				col++
			}
		}
	}

	// B = (X'X)^(-1) X'Y
	var B mat.Dense

	var xtx mat.Dense
	xtx.Mul(X.T(), X)

	var xtxInv mat.Dense
	if err := xtxInv.Inverse(&xtx); err == nil {
		// X'X is invertible: standard OLS
		var xty mat.Dense
		xty.Mul(X.T(), Yreg)
		B.Mul(&xtxInv, &xty)
	} else {
		// Fallback: X'X is singular or badly conditioned.
		// Minimum-norm least squares through the SVD (Moore-Penrose pseudoinverse).
		var svd mat.SVD
		if ok := svd.Factorize(X, mat.SVDFullU|mat.SVDFullV); !ok {
			return nil, fmt.Errorf("OLS failed: X'X singular and SVD factorization failed: %w", err)
		}
		if rank := svd.Rank(1e-12); rank > 0 {
			svd.SolveTo(&B, Yreg, rank)
		} else {
			// X is numerically zero, every coefficient is zero
			B.ReuseAs(m, K)
		}
	}

	// Split B into C (deterministic) and A_j's
	var C *mat.Dense
	if detCols > 0 {
		C = mat.NewDense(K, detCols, nil)
		for k := 0; k < K; k++ {
			for d := 0; d < detCols; d++ {
				C.Set(k, d, B.At(d, k))
			}
		}
	}

	A := make([]*mat.Dense, p)
	for j := 0; j < p; j++ {
		Aj := mat.NewDense(K, K, nil)
		rowOffset := detCols + j*K // start row of this lag block in B
		for eq := 0; eq < K; eq++ {
			for colVar := 0; colVar < K; colVar++ {
				Aj.Set(eq, colVar, B.At(rowOffset+colVar, eq))
			}
		}
		A[j] = Aj
	}

	// Residual covariance SigmaU
	var Yhat, U, utu mat.Dense
	Yhat.Mul(X, &B)
	U.Sub(Yreg, &Yhat)
	utu.Mul(U.T(), &U)

	df := float64(len(rows) - m)
	sigmaData := make([]float64, K*K)
	for i := 0; i < K; i++ {
		for j := 0; j < K; j++ {
			sigmaData[i*K+j] = utu.At(i, j) / df
		}
	}

	return &VAR{
		Model:  spec,
		A:      A,
		C:      C,
		SigmaU: mat.NewSymDense(K, sigmaData),
		Used:   len(rows),
	}, nil
}

// complete reports whether rows [from, to) of y have no NaN.
func complete(y *mat.Dense, from, to int) bool {
	for t := from; t < to; t++ {
		for _, v := range y.RawRowView(t) {
			if math.IsNaN(v) {
				return false
			}
		}
	}
	return true
}

// Forecast produces multi-step ahead forecasts from the last p rows of yHist
// (T x K). t0 is the time index of the first row of yHist, used by trend
// terms. Returns a steps x K matrix.
func (v *VAR) Forecast(yHist *mat.Dense, t0, steps int) (*mat.Dense, error) {
	if v == nil || len(v.A) == 0 {
		return nil, fmt.Errorf("VAR model not estimated")
	}
	if steps <= 0 {
		return nil, fmt.Errorf("steps must be > 0")
	}

	p := v.Model.Lags
	T, K := yHist.Dims()
	if T < p {
		return nil, errors.InsufficientData("need at least %d rows in yHist, got %d", p, T)
	}

	// last p observations followed by the forecast rows
	out := mat.NewDense(p+steps, K, nil)
	for i := 0; i < p; i++ {
		out.SetRow(i, yHist.RawRowView(T-p+i))
	}

	hasConst := v.Model.Deterministic.hasConst()
	hasTrend := v.Model.Deterministic.hasTrend()
	trendIdx := 0
	if hasConst {
		trendIdx = 1
	}

	for step := 0; step < steps; step++ {
		row := p + step
		// time index continuing from the last row of yHist
		tIdx := float64(t0 + T + step + 1)

		for eq := 0; eq < K; eq++ {
			val := 0.0
			if v.C != nil {
				if hasConst {
					val += v.C.At(eq, 0)
				}
				if hasTrend {
					val += v.C.At(eq, trendIdx) * tIdx
				}
			}
			// lagged part: sum_j A_j * y_{t-j}
			for lag := 1; lag <= p; lag++ {
				A := v.A[lag-1]
				prev := out.RawRowView(row - lag)
				for j := 0; j < K; j++ {
					val += A.At(eq, j) * prev[j]
				}
			}
			out.Set(row, eq, val)
		}
	}
	return mat.DenseCopyOf(out.Slice(p, p+steps, 0, K)), nil
}

// HoldoutRMSE forecasts every window of test from its first p rows and
// returns the RMSE per step (rows) and variable (columns). offset is the
// row index of test's first row in the series the model was estimated on,
// so trend terms continue from the training rows. Windows with a missing
// value in the history are skipped, NaN targets are ignored.
func (v *VAR) HoldoutRMSE(test *mat.Dense, offset, steps int) (*mat.Dense, error) {
	p := v.Model.Lags
	T, K := test.Dims()
	if T < p+steps {
		return nil, errors.InsufficientData("need at least %d test rows, got %d", p+steps, T)
	}

	sum := mat.NewDense(steps, K, nil)
	count := make([]int, steps*K)
	for i := 0; i+p+steps <= T; i++ {
		if !complete(test, i, i+p) {
			continue
		}
		hist := test.Slice(i, i+p, 0, K).(*mat.Dense)
		fc, err := v.Forecast(hist, offset+i, steps)
		if err != nil {
			return nil, err
		}
		for s := 0; s < steps; s++ {
			for k := 0; k < K; k++ {
				truth := test.At(i+p+s, k)
				if math.IsNaN(truth) {
					continue
				}
				e := fc.At(s, k) - truth
				sum.Set(s, k, sum.At(s, k)+e*e)
				count[s*K+k]++
			}
		}
	}

	sum.Apply(func(s, k int, x float64) float64 {
		if c := count[s*K+k]; c > 0 {
			return math.Sqrt(x / float64(c))
		}
		return math.NaN()
	}, sum)
	return sum, nil
}

// WriteCoefficients prints the coefficient matrices and residual covariance.
func (v *VAR) WriteCoefficients(w io.Writer) {
	for i, Ai := range v.A {
		fmt.Fprintf(w, "\n=== A_%d ===\n", i+1)
		fmt.Fprintf(w, "%v\n", mat.Formatted(Ai, mat.Prefix(" ")))
	}
	if v.C != nil {
		fmt.Fprintln(w, "\n=== C ===")
		fmt.Fprintf(w, "%v\n", mat.Formatted(v.C, mat.Prefix(" ")))
	}
	fmt.Fprintln(w, "\n=== Covariance Matrix Σ_u ===")
	fmt.Fprintf(w, "%v\n", mat.Formatted(v.SigmaU, mat.Prefix(" ")))
}
