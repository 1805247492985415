// Package model fits the low-rank plus block-diagonal autoregressive
// model end to end and answers forecast, imputation and anomaly queries.
package model

import (
	"context"
	"math"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"tsar/covariance"
	"tsar/evaluate"
	"tsar/factor"
	"tsar/gaussian"
	"tsar/impute"
	"tsar/internal/errors"
	"tsar/internal/logging"
	"tsar/lagged"
	"tsar/series"
	"tsar/tuning"
)

// Diagnostics summarizes how a fit went.
type Diagnostics struct {
	// Trials lists every (rank, λ) point the tuner evaluated.
	Trials        []tuning.Trial
	TuningStopped bool
	// Holdout is the held-out RMSE table at the selected point, in
	// normalized units. Nil when the table was too short to split and no
	// tuning was needed.
	Holdout *evaluate.RMSETable

	Fallbacks   int
	FlatColumns []string
	// Degenerate lists columns with zero or undefined variance.
	Degenerate []string
	Nuggets    int
}

// Model is a fitted model. Columns holds the variable order used
// internally, with every covariance block contiguous.
type Model struct {
	RunID     string
	Columns   []string
	PastLag   int
	FutureLag int
	Rank      int
	Lambda    float64

	Scaler        *series.Scaler
	Factors       *factor.Factors
	Decomposition *covariance.Decomposition
	Diagnostics   Diagnostics

	cfg    Config
	engine *gaussian.Engine
	logger *zap.Logger
}

// Fit normalizes table, selects any hyperparameter left negative in cfg
// on a chronological split, and refits on the whole table.
func Fit(ctx context.Context, table *series.Table, cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	logger := logging.OrNop(cfg.Logger).With(zap.String("run_id", runID))
	T, N := table.Dims()
	logger.Info("fitting model", zap.Int("rows", T), zap.Int("columns", N),
		zap.Int("past_lag", cfg.PastLag), zap.Int("future_lag", cfg.FutureLag))

	order, blocks, err := layout(table.VarNames, cfg.Blocks, cfg.FullCovariance)
	if err != nil {
		return nil, err
	}
	ordered, err := table.Select(order)
	if err != nil {
		return nil, err
	}
	scaler, err := series.FitScaler(ordered)
	if err != nil {
		return nil, err
	}
	norm, err := scaler.Transform(ordered)
	if err != nil {
		return nil, err
	}

	diag := Diagnostics{}
	for _, j := range scaler.Degenerate {
		diag.Degenerate = append(diag.Degenerate, order[j])
	}
	if len(diag.Degenerate) > 0 {
		logger.Warn("columns with no variance", zap.Strings("columns", diag.Degenerate))
	}

	lag := cfg.Lag()
	rank := cfg.Rank
	if cfg.FullCovariance {
		rank = 0
	}
	wsOpts := WorkspaceOptions{
		Estimator: factor.New(cfg.Estimator),
		Denoise:   cfg.Denoise,
		Weights:   cfg.weights(order),
		Workers:   cfg.Workers,
		CacheSize: cfg.CacheSize,
		Logger:    logger,
	}
	evalOpts := evaluate.Options{
		PastLag:   cfg.PastLag,
		FutureLag: cfg.FutureLag,
		Available: cfg.Available,
		Ignore:    cfg.Ignore,
		MaxGroups: cfg.MaxGroups,
		Workers:   cfg.Workers,
		Logger:    logger,
	}

	// the split is deterministic, so one workspace serves every trial
	var (
		trainOnce sync.Once
		trainWS   *Workspace
	)
	workspace := func(train *series.Table) *Workspace {
		trainOnce.Do(func() { trainWS = NewWorkspace(train.Y, lag, blocks, wsOpts) })
		return trainWS
	}
	holdout := func(ctx context.Context, train, test *series.Table, rank int, lambda float64) (*evaluate.RMSETable, error) {
		eng, err := workspace(train).Engine(ctx, rank)
		if err != nil {
			return nil, err
		}
		opts := evalOpts
		opts.Lambda = lambda
		return evaluate.Evaluate(ctx, eng, test.Y, order, opts)
	}

	lambda := cfg.Lambda
	tuned := rank < 0 || lambda < 0
	if tuned {
		objective := func(ctx context.Context, train, test *series.Table, rank int, lambda float64) (float64, error) {
			rmse, err := holdout(ctx, train, test, rank, lambda)
			if err != nil {
				return 0, err
			}
			return rmse.Objective(), nil
		}
		res, err := tuning.Tune(ctx, norm, tuning.Config{
			Rank:    rank,
			Lambda:  lambda,
			Lag:     lag,
			Denoise: cfg.Denoise,
			Ratio:   cfg.Ratio,
			Rounds:  cfg.Rounds,
			Workers: cfg.Workers,
			Budget:  cfg.Budget,
			Logger:  logger,
		}, objective)
		if err != nil {
			return nil, err
		}
		rank, lambda = res.Rank, res.Lambda
		diag.Trials, diag.TuningStopped = res.Trials, res.Stopped
	}

	train, test, err := norm.Split(cfg.Ratio)
	if err == nil {
		diag.Holdout, err = holdout(ctx, train, test, rank, lambda)
	}
	switch {
	case err == nil:
	case !tuned && errors.GetCode(err) == errors.CodeInsufficientData:
		diag.Holdout = nil
		logger.Warn("table too short for a held-out score", zap.Error(err))
	default:
		return nil, err
	}

	ws := NewWorkspace(norm.Y, lag, blocks, wsOpts)
	eng, err := ws.Engine(ctx, rank)
	if err != nil {
		return nil, err
	}
	_, rep, err := ws.BlockTensors(ctx)
	if err != nil {
		return nil, err
	}
	diag.Fallbacks = rep.Fallbacks
	for _, j := range rep.Flat {
		diag.FlatColumns = append(diag.FlatColumns, order[j])
	}
	d := eng.Decomposition()
	diag.Nuggets = d.Nuggets

	m := &Model{
		RunID:         runID,
		Columns:       order,
		PastLag:       cfg.PastLag,
		FutureLag:     cfg.FutureLag,
		Rank:          d.Rank,
		Lambda:        lambda,
		Scaler:        scaler,
		Factors:       ws.Factors(rank),
		Decomposition: d,
		Diagnostics:   diag,
		cfg:           cfg,
		engine:        eng,
		logger:        logger,
	}
	fields := []zap.Field{zap.Int("rank", m.Rank), zap.Float64("lambda", m.Lambda)}
	if diag.Holdout != nil {
		fields = append(fields, zap.Float64("holdout_objective", diag.Holdout.Objective()))
	}
	logger.Info("model fitted", fields...)
	return m, nil
}

// Lag returns the window length.
func (m *Model) Lag() int { return m.PastLag + m.FutureLag }

// Engine returns the conditioning engine of the fitted covariance.
func (m *Model) Engine() *gaussian.Engine { return m.engine }

// normalize selects the model's columns from t and scales them.
func (m *Model) normalize(t *series.Table) (*series.Table, error) {
	sel, err := t.Select(m.Columns)
	if err != nil {
		return nil, err
	}
	return m.Scaler.Transform(sel)
}

func (m *Model) options() impute.Options {
	return impute.Options{
		MaxGroups: m.cfg.MaxGroups,
		Workers:   m.cfg.Workers,
		Lambda:    m.Lambda,
		Logger:    m.logger,
	}
}

// Forecast predicts the FutureLag rows following recent, using its last
// PastLag rows. Missing past values are imputed along the way.
func (m *Model) Forecast(ctx context.Context, recent *series.Table) (*series.Table, error) {
	norm, err := m.normalize(recent)
	if err != nil {
		return nil, err
	}
	T, N := norm.Dims()
	if T < m.PastLag {
		return nil, errors.InsufficientData("forecast needs %d past rows, got %d", m.PastLag, T)
	}

	lag := m.Lag()
	window := mat.NewDense(1, N*lag, nil)
	for j := 0; j < N; j++ {
		for l := 0; l < lag; l++ {
			v := math.NaN()
			if l < m.PastLag {
				v = norm.Y.At(T-m.PastLag+l, j)
			}
			window.Set(0, j*lag+l, v)
		}
	}
	if _, err := impute.Fill(ctx, window, m.engine, nil, m.options()); err != nil {
		return nil, err
	}

	out := mat.NewDense(m.FutureLag, N, nil)
	for s := 0; s < m.FutureLag; s++ {
		for j := 0; j < N; j++ {
			out.Set(s, j, window.At(0, j*lag+m.PastLag+s))
		}
	}
	m.Scaler.Inverse(out)

	times := make([]float64, m.FutureLag)
	last, step := float64(T-1), 1.0
	if n := len(norm.Time); n > 0 {
		last = norm.Time[n-1]
		if n >= 2 {
			step = norm.Time[n-1] - norm.Time[n-2]
		}
	}
	for s := range times {
		times[s] = last + float64(s+1)*step
	}
	return &series.Table{Y: out, Time: times, VarNames: append([]string(nil), m.Columns...)}, nil
}

// Impute fills every missing cell of t with the mean of its conditional
// expectations over the windows covering it. Observed cells are kept.
func (m *Model) Impute(ctx context.Context, t *series.Table) (*series.Table, impute.Report, error) {
	norm, err := m.normalize(t)
	if err != nil {
		return nil, impute.Report{}, err
	}
	T, N := norm.Dims()
	windows, err := lagged.Build(norm.Y, m.Lag())
	if err != nil {
		return nil, impute.Report{}, err
	}
	rep, err := impute.Fill(ctx, windows, m.engine, nil, m.options())
	if err != nil {
		return nil, impute.Report{}, err
	}
	folded, err := lagged.Fold(windows, N, m.Lag())
	if err != nil {
		return nil, impute.Report{}, err
	}

	out := mat.DenseCopyOf(norm.Y)
	filled := 0
	for i := 0; i < T; i++ {
		for j := 0; j < N; j++ {
			if math.IsNaN(out.At(i, j)) && !math.IsNaN(folded.At(i, j)) {
				out.Set(i, j, folded.At(i, j))
				filled++
			}
		}
	}
	m.Scaler.Inverse(out)
	m.logger.Info("imputed table", zap.Int("cells", filled), zap.Int("windows", rep.Rows))
	return &series.Table{
		Y:        out,
		Time:     append([]float64(nil), norm.Time...),
		VarNames: append([]string(nil), m.Columns...),
	}, rep, nil
}

// AnomalyScores scores every window of t; score i covers rows i..i+lag-1.
// Larger is less likely under the model.
func (m *Model) AnomalyScores(ctx context.Context, t *series.Table) ([]float64, impute.Report, error) {
	norm, err := m.normalize(t)
	if err != nil {
		return nil, impute.Report{}, err
	}
	windows, err := lagged.Build(norm.Y, m.Lag())
	if err != nil {
		return nil, impute.Report{}, err
	}
	return impute.Scores(ctx, windows, m.engine, m.options())
}

// Evaluate scores the fitted model's forecasts on a new table, in
// normalized units.
func (m *Model) Evaluate(ctx context.Context, test *series.Table, wantGradient bool) (*evaluate.RMSETable, error) {
	norm, err := m.normalize(test)
	if err != nil {
		return nil, err
	}
	return evaluate.Evaluate(ctx, m.engine, norm.Y, m.Columns, evaluate.Options{
		PastLag:      m.PastLag,
		FutureLag:    m.FutureLag,
		Available:    m.cfg.Available,
		Ignore:       m.cfg.Ignore,
		Lambda:       m.Lambda,
		MaxGroups:    m.cfg.MaxGroups,
		Workers:      m.cfg.Workers,
		WantGradient: wantGradient,
		Logger:       m.logger,
	})
}

// Config returns the configuration the model was fitted with.
func (m *Model) Config() Config { return m.cfg }
