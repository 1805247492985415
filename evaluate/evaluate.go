// Package evaluate measures held-out forecast error of a fitted model.
package evaluate

import (
	"context"
	"math"

	"github.com/montanaflynn/stats"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"tsar/gaussian"
	"tsar/impute"
	"tsar/internal/errors"
	"tsar/internal/logging"
	"tsar/lagged"
)

// Options describes the forecasting task being scored.
type Options struct {
	PastLag   int
	FutureLag int
	// Available shifts where the unknown part of a column's window starts:
	// positive values reveal that many future steps, negative values hide
	// that many past steps. Missing names default to 0.
	Available map[string]int
	// Ignore lists columns that are still predicted and reported but left
	// out of the objective.
	Ignore []string

	Lambda       float64
	MaxGroups    int
	Workers      int
	WantGradient bool
	Logger       *zap.Logger
}

// Lag returns the window length.
func (o Options) Lag() int { return o.PastLag + o.FutureLag }

// RMSETable holds the root mean squared error per forecast step (rows,
// step 1 first) and column. Cells without any comparable value are NaN.
type RMSETable struct {
	Columns []string
	Ignored []bool
	Values  *mat.Dense

	Coverage impute.Report
	// Gradient of the squared error with respect to the observed lagged
	// entries, averaged over processed rows and predicted (not ignored) columns.
	Gradient []float64
}

// At returns the RMSE of column name at forecast step (1-based).
func (t *RMSETable) At(step int, name string) float64 {
	for j, c := range t.Columns {
		if c == name {
			return t.Values.At(step-1, j)
		}
	}
	return math.NaN()
}

// Objective sums the non-NaN cells of the columns that are not ignored.
func (t *RMSETable) Objective() float64 {
	var sum float64
	steps, _ := t.Values.Dims()
	for j := range t.Columns {
		if t.Ignored[j] {
			continue
		}
		for s := 0; s < steps; s++ {
			if v := t.Values.At(s, j); !math.IsNaN(v) {
				sum += v
			}
		}
	}
	return sum
}

// PredictionMasks returns the prediction and unknown masks over the lagged
// columns of the given variables. For column i the window entries
// [past+available, lag) are unknown; they are predicted unless the column
// is ignored.
func PredictionMasks(cols []string, past, future int, available map[string]int, ignore []string) (predict, unknown gaussian.Mask, err error) {
	if past < 0 || future < 1 {
		return nil, nil, errors.InvalidShape("need past >= 0 and future >= 1, got %d and %d", past, future)
	}
	lag := past + future
	skip := make(map[string]bool, len(ignore))
	for _, name := range ignore {
		skip[name] = true
	}
	predict = make(gaussian.Mask, len(cols)*lag)
	unknown = make(gaussian.Mask, len(cols)*lag)
	for i, name := range cols {
		start := past + available[name]
		if start < 0 || start > lag {
			return nil, nil, errors.InvalidShape("column %q: %d available lags leave no valid window", name, available[name])
		}
		for c := lag*i + start; c < lag*(i+1); c++ {
			unknown[c] = true
			predict[c] = !skip[name]
		}
	}
	return predict, unknown, nil
}

// Evaluate forecasts the held-out table (rows x len(cols), already scaled
// like the training data) window by window and reports RMSE per step and
// column.
func Evaluate(ctx context.Context, eng *gaussian.Engine, test *mat.Dense, cols []string, opts Options) (*RMSETable, error) {
	logger := logging.OrNop(opts.Logger)
	d := eng.Decomposition()
	if d.Lag != opts.Lag() || d.N != len(cols) {
		return nil, errors.InvalidShape("model covers %d variables with lag %d, task has %d with lag %d",
			d.N, d.Lag, len(cols), opts.Lag())
	}
	if _, n := test.Dims(); n != len(cols) {
		return nil, errors.InvalidShape("test table has %d columns for %d names", n, len(cols))
	}

	predict, unknown, err := PredictionMasks(cols, opts.PastLag, opts.FutureLag, opts.Available, opts.Ignore)
	if err != nil {
		return nil, err
	}
	// ignored columns are still filled so their diagnostics can be reported
	ignored := make([]bool, len(cols))
	skip := make(map[string]bool, len(opts.Ignore))
	for _, name := range opts.Ignore {
		skip[name] = true
	}
	for i, name := range cols {
		ignored[i] = skip[name]
	}

	truth, err := lagged.Build(test, opts.Lag())
	if err != nil {
		return nil, err
	}
	guess := mat.DenseCopyOf(truth)
	rows, _ := guess.Dims()
	for _, c := range unknown.Indices() {
		for i := 0; i < rows; i++ {
			guess.Set(i, c, math.NaN())
		}
	}

	rep, err := impute.Fill(ctx, guess, eng, unknown, impute.Options{
		MaxGroups:    opts.MaxGroups,
		Workers:      opts.Workers,
		Lambda:       opts.Lambda,
		Real:         truth,
		WantGradient: opts.WantGradient,
		Scored:       predict,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	if rep.Incomplete() {
		logger.Warn("evaluation did not cover every test window",
			zap.Int("windows", rep.Rows), zap.Int("evaluated", rep.Processed))
	}

	lag := opts.Lag()
	table := &RMSETable{
		Columns:  append([]string(nil), cols...),
		Ignored:  ignored,
		Values:   mat.NewDense(opts.FutureLag, len(cols), nil),
		Coverage: rep,
	}
	for i := range cols {
		for s := 0; s < opts.FutureLag; s++ {
			c := lag*i + opts.PastLag + s
			table.Values.Set(s, i, rmse(mat.Col(nil, c, guess), mat.Col(nil, c, truth)))
		}
	}

	if opts.WantGradient {
		n := float64(rep.Processed * predict.Count())
		table.Gradient = rep.Gradient
		if n > 0 {
			for k := range table.Gradient {
				table.Gradient[k] /= n
			}
		}
	}
	return table, nil
}

// rmse skips pairs where either side is NaN; NaN when none remain.
func rmse(guess, truth []float64) float64 {
	sq := make(stats.Float64Data, 0, len(guess))
	for i, g := range guess {
		if math.IsNaN(g) || math.IsNaN(truth[i]) {
			continue
		}
		e := g - truth[i]
		sq = append(sq, e*e)
	}
	if len(sq) == 0 {
		return math.NaN()
	}
	mean, err := stats.Mean(sq)
	if err != nil {
		return math.NaN()
	}
	return math.Sqrt(mean)
}
