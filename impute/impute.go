// Package impute fills the missing entries of a lagged matrix by
// conditioning on the observed ones, one missingness pattern at a time.
package impute

import (
	"context"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"tsar/gaussian"
	"tsar/internal/errors"
	"tsar/internal/logging"
)

// Options controls a Fill or Scores call.
type Options struct {
	// MaxGroups caps the number of distinct patterns conditioned on, most
	// frequent first. Zero means no cap.
	MaxGroups int
	Workers   int
	Lambda    float64

	// Real holds the true lagged matrix, same shape as the input. Setting it
	// together with WantGradient accumulates the loss gradient.
	Real         *mat.Dense
	WantGradient bool
	// Scored restricts the columns whose error enters the gradient. Nil
	// scores every filled column.
	Scored gaussian.Mask

	Logger *zap.Logger
}

// Report describes what a Fill or Scores call covered.
type Report struct {
	Rows            int
	Processed       int
	Groups          int
	GroupsProcessed int

	// Gradient is summed over processed rows, one entry per lagged column.
	// Columns never observed stay zero.
	Gradient []float64
}

// Incomplete reports whether the group cap left rows untouched.
func (r Report) Incomplete() bool { return r.Processed < r.Rows }

type group struct {
	mask  gaussian.Mask // unknown entries
	rows  []int
	first int
}

// patterns groups the rows of m by NaN pattern, most frequent first and ties
// broken by first appearance.
func patterns(m *mat.Dense) []*group {
	rows, _ := m.Dims()
	byKey := make(map[string]*group)
	var out []*group
	for i := 0; i < rows; i++ {
		mask := gaussian.NaNMask(m.RawRowView(i))
		key := mask.Key()
		g, ok := byKey[key]
		if !ok {
			g = &group{mask: mask, first: i}
			byKey[key] = g
			out = append(out, g)
		}
		g.rows = append(g.rows, i)
	}
	sort.SliceStable(out, func(a, b int) bool {
		if len(out[a].rows) != len(out[b].rows) {
			return len(out[a].rows) > len(out[b].rows)
		}
		return out[a].first < out[b].first
	})
	return out
}

func capGroups(groups []*group, limit int) []*group {
	if limit > 0 && len(groups) > limit {
		return groups[:limit]
	}
	return groups
}

// Fill writes conditional means into the unknown entries of m selected by
// predict (nil selects every unknown entry). m is modified in place; rows
// with no unknown entry are left unchanged.
func Fill(ctx context.Context, m *mat.Dense, eng *gaussian.Engine, predict gaussian.Mask, opts Options) (Report, error) {
	logger := logging.OrNop(opts.Logger)
	rows, width := m.Dims()
	if width != eng.Width() {
		return Report{}, errors.InvalidShape("matrix has %d columns, model expects %d", width, eng.Width())
	}
	if predict != nil && len(predict) != width {
		return Report{}, errors.InvalidShape("prediction mask has %d entries, want %d", len(predict), width)
	}
	if opts.WantGradient {
		if opts.Real == nil {
			return Report{}, errors.InvalidShape("gradient requires the true matrix")
		}
		if r, c := opts.Real.Dims(); r != rows || c != width {
			return Report{}, errors.InvalidShape("true matrix is %dx%d, want %dx%d", r, c, rows, width)
		}
		if opts.Scored != nil && len(opts.Scored) != width {
			return Report{}, errors.InvalidShape("scored mask has %d entries, want %d", len(opts.Scored), width)
		}
	}

	all := patterns(m)
	groups := capGroups(all, opts.MaxGroups)
	rep := Report{Rows: rows, Groups: len(all), GroupsProcessed: len(groups)}
	if opts.WantGradient {
		rep.Gradient = make([]float64, width)
	}
	logger.Debug("conditioning on missingness patterns",
		zap.Int("rows", rows), zap.Int("patterns", len(all)), zap.Int("processed", len(groups)))

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}
	for _, grp := range groups {
		grp := grp
		rep.Processed += len(grp.rows)
		target := grp.mask.And(predict)
		if target.Count() == 0 {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			known := grp.mask.Not()
			req := gaussian.Request{
				Known:        known,
				Values:       gather(m, grp.rows, known.Indices()),
				Rows:         len(grp.rows),
				Predict:      target,
				Lambda:       opts.Lambda,
				WantGradient: opts.WantGradient,
			}
			if opts.WantGradient {
				req.Real = gather(opts.Real, grp.rows, target.Indices())
				if opts.Scored != nil {
					// NaN truth contributes no error
					for j, c := range target.Indices() {
						if !opts.Scored[c] {
							for i := range grp.rows {
								req.Real.Set(i, j, math.NaN())
							}
						}
					}
				}
			}
			res, err := eng.Condition(req)
			if err != nil {
				return err
			}
			cols := target.Indices()
			for i, r := range grp.rows {
				for j, c := range cols {
					m.Set(r, c, res.Values.At(i, j))
				}
			}
			if opts.WantGradient {
				mu.Lock()
				for k, c := range known.Indices() {
					rep.Gradient[c] += res.Gradient[k]
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	if rep.Incomplete() {
		logger.Warn("pattern cap left rows unfilled",
			zap.Int("rows", rep.Rows), zap.Int("processed", rep.Processed),
			zap.Int("patterns", rep.Groups), zap.Int("max_groups", opts.MaxGroups))
	}
	return rep, nil
}

// Scores returns the anomaly score of every row of m under the fitted
// Gaussian, computed from its observed entries. Rows outside the group cap
// score NaN.
func Scores(ctx context.Context, m *mat.Dense, eng *gaussian.Engine, opts Options) ([]float64, Report, error) {
	logger := logging.OrNop(opts.Logger)
	rows, width := m.Dims()
	if width != eng.Width() {
		return nil, Report{}, errors.InvalidShape("matrix has %d columns, model expects %d", width, eng.Width())
	}

	scores := make([]float64, rows)
	for i := range scores {
		scores[i] = math.NaN()
	}
	all := patterns(m)
	groups := capGroups(all, opts.MaxGroups)
	rep := Report{Rows: rows, Groups: len(all), GroupsProcessed: len(groups)}

	g, ctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}
	for _, grp := range groups {
		grp := grp
		rep.Processed += len(grp.rows)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			known := grp.mask.Not()
			res, err := eng.Condition(gaussian.Request{
				Known:       known,
				Values:      gather(m, grp.rows, known.Indices()),
				Rows:        len(grp.rows),
				Lambda:      opts.Lambda,
				AnomalyMode: true,
			})
			if err != nil {
				return err
			}
			for i, r := range grp.rows {
				scores[r] = res.Scores[i]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Report{}, err
	}
	if rep.Incomplete() {
		logger.Warn("pattern cap left rows unscored",
			zap.Int("rows", rep.Rows), zap.Int("processed", rep.Processed))
	}
	return scores, rep, nil
}

// gather copies the given rows and columns of m; nil when there are no
// columns.
func gather(m *mat.Dense, rows, cols []int) *mat.Dense {
	if len(rows) == 0 || len(cols) == 0 {
		return nil
	}
	out := mat.NewDense(len(rows), len(cols), nil)
	for i, r := range rows {
		src := m.RawRowView(r)
		dst := out.RawRowView(i)
		for j, c := range cols {
			dst[j] = src[c]
		}
	}
	return out
}
