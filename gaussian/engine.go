// Package gaussian conditions the zero-mean Gaussian with covariance
// V·S·Vᵗ + D on a subset of observed lagged columns. Only S and the small
// per-block D matrices are ever inverted.
package gaussian

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"tsar/covariance"
	"tsar/internal/errors"
	"tsar/internal/logging"
)

// Request is one conditioning call for a group of rows sharing a known mask.
type Request struct {
	// Known marks observed lagged columns.
	Known Mask
	// Values holds the observed entries, rows x Known.Count(). It may be nil
	// when nothing is known, in which case Rows gives the row count.
	Values *mat.Dense
	Rows   int
	// Predict marks the columns to return; nil means every unknown column.
	Predict Mask
	// Lambda is added to the diagonal of the known-known covariance. As it
	// grows the conditional mean shrinks to the unconditional mean, zero.
	Lambda float64
	// Real holds true values of the predicted columns, rows x Predict.Count(),
	// and is required by WantGradient. NaN entries do not contribute.
	Real *mat.Dense

	AnomalyMode  bool
	WantGradient bool
}

// Result of a conditioning call.
type Result struct {
	// Values is rows x |Predict|, nil when nothing is predicted.
	Values *mat.Dense
	// Scores holds one Mahalanobis-type score per row in anomaly mode.
	Scores []float64
	// Gradient of the summed squared prediction error with respect to the
	// known values, one entry per known column (summed over rows).
	Gradient []float64
}

// Engine conditions on a fitted decomposition. It is safe for concurrent use.
type Engine struct {
	d      *covariance.Decomposition
	cache  *Cache
	logger *zap.Logger

	blockOf []int // lagged column -> D block
	local   []int // lagged column -> index inside its block
}

// NewEngine binds a decomposition to a factorization cache. A nil cache gets
// a default-sized one.
func NewEngine(d *covariance.Decomposition, cache *Cache, logger *zap.Logger) *Engine {
	if cache == nil {
		cache = NewCache(0)
	}
	size := d.N * d.Lag
	e := &Engine{
		d:       d,
		cache:   cache,
		logger:  logging.OrNop(logger),
		blockOf: make([]int, size),
		local:   make([]int, size),
	}
	for b, idx := range d.BlockIndex {
		for i, g := range idx {
			e.blockOf[g] = b
			e.local[g] = i
		}
	}
	return e
}

// Decomposition returns the covariance the engine conditions on.
func (e *Engine) Decomposition() *covariance.Decomposition { return e.d }

// Cache returns the engine's factorization cache.
func (e *Engine) Cache() *Cache { return e.cache }

// Width is the number of lagged columns, N*lag.
func (e *Engine) Width() int { return e.d.N * e.d.Lag }

// Condition returns E[x_P | x_K] for every row of req.Values, or the
// anomaly scores in anomaly mode.
func (e *Engine) Condition(req Request) (*Result, error) {
	width := e.Width()
	if len(req.Known) != width {
		return nil, errors.InvalidShape("known mask has %d entries, want %d", len(req.Known), width)
	}
	predict := req.Predict
	if predict == nil {
		predict = req.Known.Not()
	}
	if len(predict) != width {
		return nil, errors.InvalidShape("prediction mask has %d entries, want %d", len(predict), width)
	}
	if req.Lambda < 0 {
		return nil, errors.InvalidShape("regularization must be >= 0, got %v", req.Lambda)
	}
	known := req.Known.Indices()
	pred := predict.Indices()
	rows, cols := req.Rows, 0
	if req.Values != nil {
		rows, cols = req.Values.Dims()
	}
	if rows <= 0 {
		return nil, errors.InvalidShape("no rows to condition")
	}
	if cols != len(known) {
		return nil, errors.InvalidShape("values have %d columns for %d known entries", cols, len(known))
	}
	if req.WantGradient {
		if req.Real == nil {
			return nil, errors.InvalidShape("gradient requires real values")
		}
		if r, c := req.Real.Dims(); r != rows || c != len(pred) {
			return nil, errors.InvalidShape("real values are %dx%d, want %dx%d", r, c, rows, len(pred))
		}
	}

	res := &Result{}
	if len(known) == 0 {
		// nothing observed: the conditional mean is the prior mean
		if req.AnomalyMode {
			res.Scores = make([]float64, rows)
			return res, nil
		}
		if len(pred) > 0 {
			res.Values = mat.NewDense(rows, len(pred), nil)
		}
		return res, nil
	}

	f, err := e.factorization(req.Known, known, req.Lambda)
	if err != nil {
		return nil, err
	}

	xt := mat.DenseCopyOf(req.Values.T()) // |K| x rows
	w := f.solve(xt)

	if req.AnomalyMode {
		res.Scores = make([]float64, rows)
		for i := 0; i < rows; i++ {
			var s float64
			for k := range known {
				s += xt.At(k, i) * w.At(k, i)
			}
			res.Scores[i] = s
		}
		return res, nil
	}
	if len(pred) == 0 {
		return res, nil
	}

	mean := e.cross(pred, known, w) // |P| x rows
	res.Values = mat.DenseCopyOf(mean.T())

	if req.WantGradient {
		errSum := mat.NewDense(len(pred), 1, nil)
		for p := range pred {
			var s float64
			for i := 0; i < rows; i++ {
				truth := req.Real.At(i, p)
				if math.IsNaN(truth) {
					continue
				}
				s += res.Values.At(i, p) - truth
			}
			errSum.Set(p, 0, s)
		}
		g := f.solve(e.cross(known, pred, errSum))
		res.Gradient = make([]float64, len(known))
		for k := range known {
			res.Gradient[k] = 2 * g.At(k, 0)
		}
	}
	return res, nil
}

func (e *Engine) factorization(mask Mask, known []int, lambda float64) (*factorization, error) {
	key := cacheKey{mask: mask.Key(), lambda: lambda}
	if f, ok := e.cache.get(key); ok {
		return f, nil
	}
	f, err := e.factorize(known, lambda)
	if err != nil {
		return nil, err
	}
	e.cache.put(key, f)
	return f, nil
}

// cross returns Σ[rows, cols] · x for x of shape |cols| x m, using the
// low-rank term V·S·Vᵗ and the block-diagonal D.
func (e *Engine) cross(rows, cols []int, x *mat.Dense) *mat.Dense {
	d := e.d
	_, m := x.Dims()
	out := mat.NewDense(len(rows), m, nil)

	if d.Rank > 0 {
		vr := gatherRows(d.V, rows)
		vc := gatherRows(d.V, cols)
		var t1, t2 mat.Dense
		t1.Mul(vc.T(), x)
		t2.Mul(d.S, &t1)
		out.Mul(vr, &t2)
	}

	rowsBy := e.byBlock(rows)
	colsBy := e.byBlock(cols)
	for b, rp := range rowsBy {
		cp := colsBy[b]
		if len(rp) == 0 || len(cp) == 0 {
			continue
		}
		sub := mat.NewDense(len(rp), len(cp), nil)
		for i, ri := range rp {
			for j, cj := range cp {
				sub.Set(i, j, d.DBlocks[b].At(e.local[rows[ri]], e.local[cols[cj]]))
			}
		}
		xb := gatherRows(x, cp)
		var prod mat.Dense
		prod.Mul(sub, xb)
		for i, ri := range rp {
			row := out.RawRowView(ri)
			for j, v := range prod.RawRowView(i) {
				row[j] += v
			}
		}
	}
	return out
}

// byBlock groups positions of idx by the D block of the column they name.
func (e *Engine) byBlock(idx []int) [][]int {
	out := make([][]int, len(e.d.DBlocks))
	for p, g := range idx {
		b := e.blockOf[g]
		out[b] = append(out[b], p)
	}
	return out
}

func gatherRows(m *mat.Dense, idx []int) *mat.Dense {
	_, c := m.Dims()
	out := mat.NewDense(len(idx), c, nil)
	for i, r := range idx {
		out.SetRow(i, m.RawRowView(r))
	}
	return out
}
