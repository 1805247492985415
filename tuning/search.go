package tuning

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tsar/internal/errors"
	"tsar/internal/logging"
)

// Func evaluates the objective at one grid point; lower is better.
type Func func(ctx context.Context, point []float64) (float64, error)

// Trial is one evaluated grid point.
type Trial struct {
	Point     []float64
	Objective float64
	// Failed marks points whose covariance could not be inverted. Their
	// objective is +Inf.
	Failed bool
}

// Search is the outcome of a greedy grid search.
type Search struct {
	Best      []float64
	Index     []int
	Objective float64
	Trials    []Trial
	Rounds    int
	// Stopped is set when the context ended the search early; Best is the
	// best point seen until then.
	Stopped bool
}

// GreedySearch minimizes f over the product of grids one coordinate at a
// time. It starts at the middle of every grid; each round sweeps every
// dimension in turn, evaluating that dimension's candidates in parallel
// while holding the others fixed, and moves only on strict improvement.
// Points are evaluated at most once.
func GreedySearch(ctx context.Context, grids [][]float64, rounds, workers int, f Func, logger *zap.Logger) (*Search, error) {
	logger = logging.OrNop(logger)
	if len(grids) == 0 {
		return nil, errors.ConfigInvalid("grid search needs at least one dimension")
	}
	for d, g := range grids {
		if len(g) == 0 {
			return nil, errors.ConfigInvalid("grid " + strconv.Itoa(d) + " is empty")
		}
	}
	if rounds < 1 {
		rounds = 1
	}

	s := &searcher{grids: grids, f: f, workers: workers, memo: make(map[string]int), logger: logger}
	idx := make([]int, len(grids))
	for d, g := range grids {
		idx[d] = (len(g) - 1) / 2
	}

	res := &Search{}
	best, err := s.evaluate(ctx, [][]int{idx})
	if err != nil {
		return nil, err
	}
	if len(s.trials) == 0 {
		return nil, ctx.Err()
	}
	cur := best[0]

search:
	for r := 0; r < rounds; r++ {
		res.Rounds = r + 1
		moved := false
		for d, g := range grids {
			cands := make([][]int, len(g))
			for k := range g {
				p := append([]int(nil), idx...)
				p[d] = k
				cands[k] = p
			}
			vals, err := s.evaluate(ctx, cands)
			if err != nil {
				return nil, err
			}
			for k, v := range vals {
				if v < cur {
					cur = v
					idx[d] = k
					moved = true
				}
			}
			if ctx.Err() != nil {
				res.Stopped = true
				break search
			}
		}
		logger.Debug("grid search round done", zap.Int("round", r+1),
			zap.Ints("index", idx), zap.Float64("objective", cur))
		if !moved {
			break
		}
	}

	res.Index = append([]int(nil), idx...)
	res.Best = s.point(idx)
	res.Objective = cur
	res.Trials = s.trials
	return res, nil
}

type searcher struct {
	grids   [][]float64
	f       Func
	workers int
	logger  *zap.Logger

	mu     sync.Mutex
	memo   map[string]int // index key -> position in trials
	trials []Trial
}

func (s *searcher) point(idx []int) []float64 {
	p := make([]float64, len(idx))
	for d, k := range idx {
		p[d] = s.grids[d][k]
	}
	return p
}

func indexKey(idx []int) string {
	parts := make([]string, len(idx))
	for i, k := range idx {
		parts[i] = strconv.Itoa(k)
	}
	return strings.Join(parts, ",")
}

// evaluate returns the objective of every candidate, reusing memoized
// values. Candidates skipped because ctx ended read +Inf.
func (s *searcher) evaluate(ctx context.Context, cands [][]int) ([]float64, error) {
	out := make([]float64, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	if s.workers > 0 {
		g.SetLimit(s.workers)
	}
	for i, idx := range cands {
		i, idx := i, idx
		out[i] = math.Inf(1)
		key := indexKey(idx)
		s.mu.Lock()
		pos, seen := s.memo[key]
		if seen {
			out[i] = s.trials[pos].Objective
		}
		s.mu.Unlock()
		if seen {
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			point := s.point(idx)
			v, err := s.f(gctx, point)
			failed := false
			switch {
			case err == nil:
			case ctx.Err() != nil:
				return nil
			case errors.GetCode(err) == errors.CodeSingularCovariance:
				s.logger.Warn("trial failed, covariance is singular",
					zap.Float64s("point", point), zap.Error(err))
				v, failed = math.Inf(1), true
			default:
				return err
			}
			if math.IsNaN(v) {
				v, failed = math.Inf(1), true
			}
			out[i] = v
			s.mu.Lock()
			s.memo[key] = len(s.trials)
			s.trials = append(s.trials, Trial{Point: point, Objective: v, Failed: failed})
			s.mu.Unlock()
			s.logger.Debug("trial", zap.Float64s("point", point), zap.Float64("objective", v))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
