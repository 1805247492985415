package model

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"tsar/factor"
	"tsar/internal/config"
	"tsar/internal/errors"
	"tsar/series"
)

// ar1Pair draws two AR(1) series with coefficient phi whose innovations
// have correlation rho, so the series themselves have correlation rho.
func ar1Pair(t *testing.T, seed int64, T int, phi, rho float64) *series.Table {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	rows := make([][]float64, T)
	a, b := 0.0, 0.0
	for i := -50; i < T; i++ {
		z1, z2 := rng.NormFloat64(), rng.NormFloat64()
		a = phi*a + z1
		b = phi*b + rho*z1 + math.Sqrt(1-rho*rho)*z2
		if i >= 0 {
			rows[i] = []float64{a, b}
		}
	}
	tab, err := series.NewTable([]string{"a", "b"}, rows)
	require.NoError(t, err)
	return tab
}

func fixedConfig(rank int, lambda float64) Config {
	cfg := DefaultConfig()
	cfg.PastLag, cfg.FutureLag = 2, 1
	cfg.Rank, cfg.Lambda = rank, lambda
	cfg.Workers = 2
	return cfg
}

func TestFitEndToEndAR1(t *testing.T) {
	const phi, rho = 0.5, 0.8
	tab := ar1Pair(t, 1, 500, phi, rho)
	innovation := math.Sqrt(1 - phi*phi) // in units of the series std

	for _, rank := range []int{0, 1} {
		cfg := fixedConfig(rank, -1)
		cfg.Denoise = true
		m, err := Fit(context.Background(), tab, cfg)
		require.NoError(t, err, "rank %d", rank)

		assert.Equal(t, rank, m.Rank)
		assert.NotEmpty(t, m.RunID)
		require.NotNil(t, m.Diagnostics.Holdout)
		for _, name := range []string{"a", "b"} {
			assert.InEpsilon(t, innovation, m.Diagnostics.Holdout.At(1, name), 0.15, "rank %d column %s", rank, name)
		}

		sigma := m.Decomposition.Sigma()
		lag := m.Lag()
		if rank == 1 {
			// lag-0 cross covariance in normalized units is the correlation
			assert.InEpsilon(t, rho, sigma.At(0, lag), 0.10)
		} else {
			assert.Zero(t, sigma.At(0, lag))
		}
		assert.True(t, mat.EqualApprox(sigma, sigma.T(), 1e-10))
	}
}

func TestFitTunesOverGrid(t *testing.T) {
	tab := ar1Pair(t, 2, 400, 0.6, 0.7)
	m, err := Fit(context.Background(), tab, fixedConfig(-1, -1))
	require.NoError(t, err)

	require.NotEmpty(t, m.Diagnostics.Trials)
	seen := map[float64]bool{}
	for _, tr := range m.Diagnostics.Trials {
		seen[tr.Point[0]] = true
	}
	// the rank sweep from the starting point visits both ranks
	assert.Len(t, seen, 2)
	assert.Greater(t, m.Lambda, 0.0)
	best := m.Diagnostics.Holdout.Objective()
	for _, tr := range m.Diagnostics.Trials {
		assert.GreaterOrEqual(t, tr.Objective, best-1e-9)
	}
}

// plantedFactor draws n series sharing one persistent AR(1) factor, each
// observed with independent noise.
func plantedFactor(t *testing.T, seed int64, T, n int) *series.Table {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	names := make([]string, n)
	for j := range names {
		names[j] = string(rune('a' + j))
	}
	rows := make([][]float64, T)
	f := 0.0
	for i := -50; i < T; i++ {
		f = 0.9*f + math.Sqrt(1-0.81)*rng.NormFloat64()
		if i < 0 {
			continue
		}
		rows[i] = make([]float64, n)
		for j := range rows[i] {
			rows[i][j] = f + 0.5*rng.NormFloat64()
		}
	}
	tab, err := series.NewTable(names, rows)
	require.NoError(t, err)
	return tab
}

func TestFitTunesPlantedRank(t *testing.T) {
	tab := plantedFactor(t, 21, 600, 4)
	m, err := Fit(context.Background(), tab, fixedConfig(-1, -1))
	require.NoError(t, err)

	bestByRank := map[int]float64{}
	for _, tr := range m.Diagnostics.Trials {
		if tr.Failed {
			continue
		}
		r := int(tr.Point[0])
		if v, ok := bestByRank[r]; !ok || tr.Objective < v {
			bestByRank[r] = tr.Objective
		}
	}
	require.Len(t, bestByRank, 4, "every rank is tried on the first sweep")

	overall := math.Inf(1)
	for _, v := range bestByRank {
		overall = math.Min(overall, v)
	}
	// the shared factor is only visible to a low-rank term
	assert.GreaterOrEqual(t, m.Rank, 1)
	assert.Less(t, bestByRank[1], bestByRank[0])
	assert.InDelta(t, overall, bestByRank[m.Rank], 1e-9)
	assert.InDelta(t, overall, m.Diagnostics.Holdout.Objective(), 1e-9)
}

func TestFitShortTableSkipsHoldout(t *testing.T) {
	tab := ar1Pair(t, 12, 10, 0.5, 0.5)
	cfg := fixedConfig(0, 0.1)
	cfg.PastLag, cfg.FutureLag = 4, 1

	// the test split has fewer rows than one window
	m, err := Fit(context.Background(), tab, cfg)
	require.NoError(t, err)
	assert.Nil(t, m.Diagnostics.Holdout)
	assert.Equal(t, 0, m.Rank)

	cfg.Lambda = -1
	_, err = Fit(context.Background(), tab, cfg)
	assert.ErrorIs(t, err, errors.ErrInsufficientData)
}

func TestFitFewerAvailableLagsDegrade(t *testing.T) {
	tab := ar1Pair(t, 3, 600, 0.8, 0.3)
	full, err := Fit(context.Background(), tab, fixedConfig(0, 0))
	require.NoError(t, err)

	cfg := fixedConfig(0, 0)
	cfg.Available = map[string]int{"a": -1}
	fewer, err := Fit(context.Background(), tab, cfg)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, fewer.Diagnostics.Holdout.At(1, "a"), full.Diagnostics.Holdout.At(1, "a"))
	// b is modeled independently at rank 0
	assert.InDelta(t, full.Diagnostics.Holdout.At(1, "b"), fewer.Diagnostics.Holdout.At(1, "b"), 1e-12)
}

func TestForecast(t *testing.T) {
	tab := ar1Pair(t, 4, 300, 0.7, 0.5)
	for i := range tab.Time {
		tab.Time[i] = 2000 + 0.25*float64(i)
	}
	cfg := fixedConfig(1, 0.01)
	cfg.FutureLag = 2
	m, err := Fit(context.Background(), tab, cfg)
	require.NoError(t, err)

	recent, err := tab.Rows(250, 300)
	require.NoError(t, err)
	fc, err := m.Forecast(context.Background(), recent)
	require.NoError(t, err)

	r, c := fc.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 2, c)
	assert.Equal(t, []string{"a", "b"}, fc.VarNames)
	assert.InDelta(t, 2000+0.25*300, fc.Time[0], 1e-9)
	assert.InDelta(t, 2000+0.25*301, fc.Time[1], 1e-9)
	for _, v := range fc.Y.RawMatrix().Data {
		assert.False(t, math.IsNaN(v))
	}

	// heavy regularization forecasts the unconditional mean
	shrunk, err := Fit(context.Background(), tab, fixedConfig(1, 1e12))
	require.NoError(t, err)
	fc, err = shrunk.Forecast(context.Background(), recent)
	require.NoError(t, err)
	for j := range fc.VarNames {
		assert.InDelta(t, shrunk.Scaler.Mean[j], fc.Y.At(0, j), 1e-6)
	}

	short, err := tab.Rows(0, 1)
	require.NoError(t, err)
	_, err = m.Forecast(context.Background(), short)
	assert.ErrorIs(t, err, errors.ErrInsufficientData)
}

func TestImpute(t *testing.T) {
	tab := ar1Pair(t, 5, 300, 0.7, 0.8)
	m, err := Fit(context.Background(), tab, fixedConfig(1, 0))
	require.NoError(t, err)

	holes, err := tab.Rows(100, 200)
	require.NoError(t, err)
	truth := mat.DenseCopyOf(holes.Y)
	rng := rand.New(rand.NewSource(6))
	var hidden [][2]int
	for k := 0; k < 15; k++ {
		i, j := 3+rng.Intn(94), rng.Intn(2)
		holes.Y.Set(i, j, math.NaN())
		hidden = append(hidden, [2]int{i, j})
	}

	out, rep, err := m.Impute(context.Background(), holes)
	require.NoError(t, err)
	assert.False(t, rep.Incomplete())
	assert.Zero(t, out.MissingCount())

	var errSq, varSq float64
	for _, h := range hidden {
		e := out.Y.At(h[0], h[1]) - truth.At(h[0], h[1])
		d := truth.At(h[0], h[1]) - m.Scaler.Mean[h[1]]
		errSq += e * e
		varSq += d * d
	}
	// neighbors and the correlated series beat the unconditional mean
	assert.Less(t, errSq, varSq)

	r, c := out.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if !math.IsNaN(holes.Y.At(i, j)) {
				assert.InDelta(t, holes.Y.At(i, j), out.Y.At(i, j), 1e-9)
			}
		}
	}
}

func TestAnomalyScores(t *testing.T) {
	tab := ar1Pair(t, 7, 300, 0.5, 0.5)
	m, err := Fit(context.Background(), tab, fixedConfig(0, 0))
	require.NoError(t, err)

	probe, err := tab.Rows(200, 260)
	require.NoError(t, err)
	probe.Y.Set(30, 0, m.Scaler.Mean[0]+8*math.Sqrt(stat.Variance(mat.Col(nil, 0, tab.Y), nil)))

	scores, rep, err := m.AnomalyScores(context.Background(), probe)
	require.NoError(t, err)
	require.Len(t, scores, 60-m.Lag()+1)
	assert.Equal(t, len(scores), rep.Processed)

	maxAt := 0
	for i, s := range scores {
		if s > scores[maxAt] {
			maxAt = i
		}
	}
	// the outlier sits in windows starting at rows 28..30
	assert.GreaterOrEqual(t, maxAt, 28)
	assert.LessOrEqual(t, maxAt, 30)
}

func TestFitBlocksAndFullCovariance(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	rows := make([][]float64, 200)
	for i := range rows {
		rows[i] = []float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
	}
	tab, err := series.NewTable([]string{"a", "b", "c"}, rows)
	require.NoError(t, err)

	cfg := fixedConfig(1, 0)
	cfg.Blocks = [][]string{{"c", "a"}}
	m, err := Fit(context.Background(), tab, cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, m.Columns)
	require.Len(t, m.Decomposition.DBlocks, 2)
	assert.Len(t, m.Decomposition.BlockIndex[0], 2*m.Lag())

	cfg = fixedConfig(2, 0)
	cfg.FullCovariance = true
	m, err = Fit(context.Background(), tab, cfg)
	require.NoError(t, err)
	assert.Zero(t, m.Rank)
	assert.Nil(t, m.Factors.U)
	require.Len(t, m.Decomposition.DBlocks, 1)
	r, _ := m.Decomposition.DBlocks[0].Dims()
	assert.Equal(t, 3*m.Lag(), r)
}

func TestFitFlatColumn(t *testing.T) {
	tab := ar1Pair(t, 9, 200, 0.5, 0.2)
	rows := make([][]float64, 200)
	for i := range rows {
		rows[i] = []float64{tab.Y.At(i, 0), tab.Y.At(i, 1), 3}
	}
	flat, err := series.NewTable([]string{"a", "b", "const"}, rows)
	require.NoError(t, err)

	m, err := Fit(context.Background(), flat, fixedConfig(0, 0.1))
	require.NoError(t, err)
	assert.Equal(t, []string{"const"}, m.Diagnostics.Degenerate)

	fc, err := m.Forecast(context.Background(), flat)
	require.NoError(t, err)
	assert.InDelta(t, 3, fc.Y.At(0, 2), 1e-9)
}

func TestLayout(t *testing.T) {
	names := []string{"a", "b", "c", "d"}
	order, blocks, err := layout(names, [][]string{{"d", "b"}}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "b", "a", "c"}, order)
	assert.Equal(t, [][]int{{0, 1}, {2}, {3}}, blocks)

	order, blocks, err = layout(names, nil, true)
	require.NoError(t, err)
	assert.Equal(t, names, order)
	assert.Equal(t, [][]int{{0, 1, 2, 3}}, blocks)

	_, _, err = layout(names, [][]string{{"a"}, {"a", "b"}}, false)
	assert.ErrorIs(t, err, errors.ErrConfigInvalid)
	_, _, err = layout(names, [][]string{{"z"}}, false)
	assert.ErrorIs(t, err, errors.ErrConfigInvalid)
	_, _, err = layout(names, [][]string{{}}, false)
	assert.ErrorIs(t, err, errors.ErrConfigInvalid)
}

func TestWorkspaceCachesPerRank(t *testing.T) {
	tab := ar1Pair(t, 10, 150, 0.5, 0.5)
	ws := NewWorkspace(tab.Y, 3, [][]int{{0}, {1}}, WorkspaceOptions{Workers: 2})

	e1, err := ws.Engine(context.Background(), 1)
	require.NoError(t, err)
	e2, err := ws.Engine(context.Background(), 1)
	require.NoError(t, err)
	assert.Same(t, e1, e2)
	assert.Equal(t, 1, ws.Factors(1).Rank())

	e0, err := ws.Engine(context.Background(), 0)
	require.NoError(t, err)
	assert.NotSame(t, e0, e1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ws.Engine(ctx, 5)
	if err != nil {
		// an interrupted build is retried on the next call
		_, err = ws.Engine(context.Background(), 5)
		assert.NoError(t, err)
	}
}

func TestFromConfig(t *testing.T) {
	c := &config.Config{
		Model: config.ModelConfig{
			PastLag: 4, FutureLag: 2, Rank: -1, Lambda: 0.3,
			TrainTestRatio: 0.75, RefinementRounds: 3, Estimator: "eigen",
		},
		Runtime: config.RuntimeConfig{Workers: 3, MaxGroups: 7},
	}
	cfg, err := FromConfig(c)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Lag())
	assert.Equal(t, factor.KindEigen, cfg.Estimator)
	assert.Equal(t, 0.3, cfg.Lambda)
	assert.Equal(t, 7, cfg.MaxGroups)
	require.NoError(t, cfg.Validate())

	c.Model.Estimator = "pca"
	_, err = FromConfig(c)
	assert.ErrorIs(t, err, errors.ErrConfigInvalid)

	bad := DefaultConfig()
	bad.Ratio = 1
	assert.ErrorIs(t, bad.Validate(), errors.ErrConfigInvalid)
	bad = DefaultConfig()
	bad.Weights = map[string]float64{"a": 0}
	assert.ErrorIs(t, bad.Validate(), errors.ErrConfigInvalid)
}
