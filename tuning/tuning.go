// Package tuning selects the rank and regularization of the model by
// greedy grid search on a chronological train/test split.
package tuning

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"tsar/internal/errors"
	"tsar/internal/logging"
	"tsar/series"
)

// LambdaGridSize is the number of points of the default λ grid.
const LambdaGridSize = 50

// Objective scores a (rank, λ) candidate trained on train and tested on
// test. Lower is better.
type Objective func(ctx context.Context, train, test *series.Table, rank int, lambda float64) (float64, error)

// Config for Tune. A negative Rank or Lambda is tuned; a non-negative one is
// held fixed.
type Config struct {
	Rank   int
	Lambda float64
	Lag    int

	// Denoise drops the top rank from the default grid.
	Denoise bool
	Ratio   float64
	Rounds  int
	Workers int
	// Budget bounds the wall-clock time of the search; zero means none.
	Budget time.Duration
	Logger *zap.Logger
}

// Result of a tuning run.
type Result struct {
	Rank      int
	Lambda    float64
	Objective float64
	Trials    []Trial
	Stopped   bool
}

// RankGrid returns the default rank candidates 0 .. n-1, minus the top one
// when denoising.
func RankGrid(n int, denoise bool) []float64 {
	top := n
	if denoise {
		top--
	}
	if top < 1 {
		top = 1
	}
	out := make([]float64, top)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

// LambdaGrid returns the default geometric λ candidates n*lag / 10^(k/3).
func LambdaGrid(n, lag int) []float64 {
	base := math.Cbrt(10)
	out := make([]float64, LambdaGridSize)
	for k := range out {
		out[k] = float64(n*lag) / math.Pow(base, float64(k))
	}
	return out
}

// Tune splits table chronologically and searches the (rank, λ) grid for
// the lowest held-out objective.
func Tune(ctx context.Context, table *series.Table, cfg Config, objective Objective) (*Result, error) {
	logger := logging.OrNop(cfg.Logger)
	if cfg.Lag < 1 {
		return nil, errors.ConfigInvalid("tuning needs a lag of at least 1")
	}
	train, test, err := table.Split(cfg.Ratio)
	if err != nil {
		return nil, err
	}
	_, n := table.Dims()

	ranks := RankGrid(n, cfg.Denoise)
	if cfg.Rank >= 0 {
		ranks = []float64{float64(cfg.Rank)}
	}
	lambdas := LambdaGrid(n, cfg.Lag)
	if cfg.Lambda >= 0 {
		lambdas = []float64{cfg.Lambda}
	}

	trainRows, _ := train.Dims()
	testRows, _ := test.Dims()
	logger.Info("tuning hyperparameters",
		zap.Int("train_rows", trainRows), zap.Int("test_rows", testRows),
		zap.Int("rank_candidates", len(ranks)), zap.Int("lambda_candidates", len(lambdas)))

	if cfg.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Budget)
		defer cancel()
	}

	f := func(ctx context.Context, p []float64) (float64, error) {
		return objective(ctx, train, test, int(p[0]), p[1])
	}
	s, err := GreedySearch(ctx, [][]float64{ranks, lambdas}, cfg.Rounds, cfg.Workers, f, logger)
	if err != nil {
		return nil, err
	}
	if s.Stopped {
		logger.Warn("tuning budget exhausted, using best point so far",
			zap.Duration("budget", cfg.Budget), zap.Int("trials", len(s.Trials)))
	}
	if math.IsInf(s.Objective, 1) {
		return nil, errors.SingularCovariance("no candidate produced a usable model")
	}

	res := &Result{
		Rank:      int(s.Best[0]),
		Lambda:    s.Best[1],
		Objective: s.Objective,
		Trials:    s.Trials,
		Stopped:   s.Stopped,
	}
	logger.Info("selected hyperparameters",
		zap.Int("rank", res.Rank), zap.Float64("lambda", res.Lambda),
		zap.Float64("objective", res.Objective), zap.Int("trials", len(res.Trials)))
	return res, nil
}
