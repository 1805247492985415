package model

import (
	"context"
	stderrors "errors"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"tsar/covariance"
	"tsar/factor"
	"tsar/gaussian"
	"tsar/internal/logging"
	"tsar/lagged"
)

// Workspace caches everything derived from one (normalized, reordered)
// training matrix: the block tensors, which do not depend on the rank, and
// per rank the factors, the factor tensor and the assembled engine. It is
// safe for concurrent use; each entry is computed once.
type Workspace struct {
	x         *mat.Dense
	lag       int
	blocks    [][]int
	estimator factor.Estimator
	denoise   bool
	weights   []float64
	workers   int
	cacheSize int
	logger    *zap.Logger

	mu         sync.Mutex
	blockCache *blockEntry
	ranks      map[int]*rankEntry
}

type blockEntry struct {
	once    sync.Once
	tensors []*lagged.Tensor
	report  lagged.Report
	err     error
}

type rankEntry struct {
	once    sync.Once
	factors *factor.Factors
	engine  *gaussian.Engine
	err     error
}

// WorkspaceOptions configures NewWorkspace.
type WorkspaceOptions struct {
	Estimator factor.Estimator
	Denoise   bool
	Weights   []float64
	Workers   int
	CacheSize int
	Logger    *zap.Logger
}

// NewWorkspace binds a training matrix (T x N) to a lag and a partition of
// its columns into contiguous blocks.
func NewWorkspace(x *mat.Dense, lag int, blocks [][]int, opts WorkspaceOptions) *Workspace {
	est := opts.Estimator
	if est == nil {
		est = factor.New(factor.KindSVD)
	}
	return &Workspace{
		x:         x,
		lag:       lag,
		blocks:    blocks,
		estimator: est,
		denoise:   opts.Denoise,
		weights:   opts.Weights,
		workers:   opts.Workers,
		cacheSize: opts.CacheSize,
		logger:    logging.OrNop(opts.Logger),
		ranks:     make(map[int]*rankEntry),
	}
}

// BlockTensors returns the per-block lagged covariances and what numerical
// fallbacks they needed.
func (w *Workspace) BlockTensors(ctx context.Context) ([]*lagged.Tensor, lagged.Report, error) {
	w.mu.Lock()
	e := w.blockCache
	if e == nil {
		e = &blockEntry{}
		w.blockCache = e
	}
	w.mu.Unlock()

	e.once.Do(func() {
		e.tensors, e.report, e.err = lagged.BlockCovariances(ctx, w.x, w.blocks, w.lag, w.workers)
		if e.err != nil {
			return
		}
		if e.report.Fallbacks > 0 || len(e.report.Flat) > 0 {
			w.logger.Warn("degenerate columns in lagged covariance, used fallback values",
				zap.Int("fallbacks", e.report.Fallbacks), zap.Ints("flat_columns", e.report.Flat))
		}
	})
	if canceled(e.err) {
		w.mu.Lock()
		if w.blockCache == e {
			w.blockCache = nil
		}
		w.mu.Unlock()
	}
	return e.tensors, e.report, e.err
}

// Engine returns the conditioning engine of the rank-r model, building it
// on first use.
func (w *Workspace) Engine(ctx context.Context, rank int) (*gaussian.Engine, error) {
	e := w.entry(rank)
	e.once.Do(func() {
		e.factors, e.engine, e.err = w.build(ctx, rank)
	})
	if canceled(e.err) {
		// do not remember an interrupted build
		w.mu.Lock()
		if w.ranks[rank] == e {
			delete(w.ranks, rank)
		}
		w.mu.Unlock()
	}
	return e.engine, e.err
}

func canceled(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}

// Factors returns the rank-r factors; Engine must have been called first.
func (w *Workspace) Factors(rank int) *factor.Factors {
	return w.entry(rank).factors
}

func (w *Workspace) entry(rank int) *rankEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.ranks[rank]
	if !ok {
		e = &rankEntry{}
		w.ranks[rank] = e
	}
	return e
}

func (w *Workspace) build(ctx context.Context, rank int) (*factor.Factors, *gaussian.Engine, error) {
	blockTs, _, err := w.BlockTensors(ctx)
	if err != nil {
		return nil, nil, err
	}

	f, err := w.estimator.Estimate(w.x, rank, w.denoise, w.weights)
	if err != nil {
		return nil, nil, err
	}
	var factorT *lagged.Tensor
	if f.Rank() > 0 {
		factorT, _, err = lagged.Covariances(ctx, f.U, w.lag, w.workers)
		if err != nil {
			return nil, nil, err
		}
	}

	d, err := covariance.Assemble(f.SigmaTimesVt(), factorT, blockTs, w.lag, w.logger)
	if err != nil {
		return nil, nil, err
	}
	w.logger.Debug("assembled covariance",
		zap.Int("rank", d.Rank), zap.Int("lag", d.Lag), zap.Int("nuggets", d.Nuggets))
	return f, gaussian.NewEngine(d, gaussian.NewCache(w.cacheSize), w.logger), nil
}
