package impute

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"tsar/covariance"
	"tsar/factor"
	"tsar/gaussian"
	"tsar/internal/errors"
	"tsar/lagged"
)

const lag = 3

func engine(t *testing.T) (*gaussian.Engine, *mat.Dense) {
	t.Helper()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(11))
	T, n := 300, 2
	x := mat.NewDense(T, n, nil)
	a, b := 0.0, 0.0
	for i := 0; i < T; i++ {
		a = 0.8*a + 0.6*rng.NormFloat64()
		b = 0.5*b + 0.3*a + 0.8*rng.NormFloat64()
		x.Set(i, 0, a)
		x.Set(i, 1, b)
	}
	standardize(x)
	fac, err := (&factor.SVDEstimator{}).Estimate(x, 1, false, nil)
	require.NoError(t, err)
	factorT, _, err := lagged.Covariances(ctx, fac.U, lag, 2)
	require.NoError(t, err)
	blockTs, _, err := lagged.BlockCovariances(ctx, x, [][]int{{0}, {1}}, lag, 2)
	require.NoError(t, err)
	d, err := covariance.Assemble(fac.SigmaTimesVt(), factorT, blockTs, lag, nil)
	require.NoError(t, err)

	m, err := lagged.Build(x, lag)
	require.NoError(t, err)
	return gaussian.NewEngine(d, nil, nil), m
}

func TestFillNoMissingIsIdentity(t *testing.T) {
	eng, m := engine(t)
	before := mat.DenseCopyOf(m)

	rep, err := Fill(context.Background(), m, eng, nil, Options{Workers: 4})
	require.NoError(t, err)
	assert.True(t, mat.Equal(before, m))
	assert.False(t, rep.Incomplete())
	assert.Equal(t, 1, rep.Groups)
	r, _ := m.Dims()
	assert.Equal(t, r, rep.Processed)
}

func TestFillMatchesEngine(t *testing.T) {
	eng, m := engine(t)
	rows, width := m.Dims()
	// forecast the last lag of both variables in every row, and also hide
	// the first lag of variable 1 in even rows
	for i := 0; i < rows; i++ {
		m.Set(i, lag-1, math.NaN())
		m.Set(i, 2*lag-1, math.NaN())
		if i%2 == 0 {
			m.Set(i, lag, math.NaN())
		}
	}
	query := mat.DenseCopyOf(m)

	rep, err := Fill(context.Background(), m, eng, nil, Options{Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Groups)
	assert.Equal(t, rows, rep.Processed)

	for _, i := range []int{0, 1, 10, 57} {
		row := query.RawRowView(i)
		known := gaussian.NaNMask(row).Not()
		var vals []float64
		for _, c := range known.Indices() {
			vals = append(vals, row[c])
		}
		res, err := eng.Condition(gaussian.Request{
			Known:  known,
			Values: mat.NewDense(1, len(vals), vals),
		})
		require.NoError(t, err)
		for j, c := range known.Not().Indices() {
			assert.InDelta(t, res.Values.At(0, j), m.At(i, c), 1e-12)
		}
		for c := 0; c < width; c++ {
			assert.False(t, math.IsNaN(m.At(i, c)))
		}
	}
}

func TestFillPredictMaskRestrictsWrites(t *testing.T) {
	eng, m := engine(t)
	rows, width := m.Dims()
	for i := 0; i < rows; i++ {
		m.Set(i, lag-1, math.NaN())
		m.Set(i, 2*lag-1, math.NaN())
	}
	predict := make(gaussian.Mask, width)
	predict[lag-1] = true

	_, err := Fill(context.Background(), m, eng, predict, Options{})
	require.NoError(t, err)
	for i := 0; i < rows; i++ {
		assert.False(t, math.IsNaN(m.At(i, lag-1)))
		assert.True(t, math.IsNaN(m.At(i, 2*lag-1)))
	}
}

func TestFillGroupCapReportsIncomplete(t *testing.T) {
	eng, m := engine(t)
	rows, _ := m.Dims()
	for i := 0; i < rows; i++ {
		m.Set(i, lag-1, math.NaN())
	}
	// a rarer second pattern
	for _, i := range []int{3, 8, 20} {
		m.Set(i, 0, math.NaN())
	}

	rep, err := Fill(context.Background(), m, eng, nil, Options{MaxGroups: 1})
	require.NoError(t, err)
	assert.True(t, rep.Incomplete())
	assert.Equal(t, 2, rep.Groups)
	assert.Equal(t, 1, rep.GroupsProcessed)
	assert.Equal(t, rows-3, rep.Processed)
	assert.True(t, math.IsNaN(m.At(3, lag-1)))
	assert.False(t, math.IsNaN(m.At(4, lag-1)))
}

func TestPatternsOrdering(t *testing.T) {
	nan := math.NaN()
	m := mat.NewDense(5, 2, []float64{
		nan, 1,
		1, nan,
		1, nan,
		nan, 1,
		1, 1,
	})
	groups := patterns(m)
	require.Len(t, groups, 3)
	// equal counts keep the earlier pattern first
	assert.Equal(t, []int{0, 3}, groups[0].rows)
	assert.Equal(t, []int{1, 2}, groups[1].rows)
	assert.Equal(t, []int{4}, groups[2].rows)
}

func TestFillGradient(t *testing.T) {
	eng, m := engine(t)
	truth := mat.DenseCopyOf(m)
	rows, width := m.Dims()
	for i := 0; i < rows; i++ {
		m.Set(i, lag-1, math.NaN())
	}
	rep, err := Fill(context.Background(), m, eng, nil, Options{Real: truth, WantGradient: true})
	require.NoError(t, err)
	require.Len(t, rep.Gradient, width)
	assert.Zero(t, rep.Gradient[lag-1])
	var norm float64
	for _, g := range rep.Gradient {
		norm += g * g
	}
	assert.Greater(t, norm, 0.0)

	_, err = Fill(context.Background(), m, eng, nil, Options{WantGradient: true})
	assert.ErrorIs(t, err, errors.ErrInvalidShape)
}

func TestFillGradientScoredColumns(t *testing.T) {
	eng, m := engine(t)
	truth := mat.DenseCopyOf(m)
	rows, width := m.Dims()
	blank := func() *mat.Dense {
		out := mat.DenseCopyOf(truth)
		for i := 0; i < rows; i++ {
			out.Set(i, lag-1, math.NaN())
			out.Set(i, 2*lag-1, math.NaN())
		}
		return out
	}

	all, err := Fill(context.Background(), blank(), eng, nil, Options{Real: truth, WantGradient: true})
	require.NoError(t, err)

	first := make(gaussian.Mask, width)
	first[lag-1] = true
	some, err := Fill(context.Background(), blank(), eng, nil, Options{Real: truth, WantGradient: true, Scored: first})
	require.NoError(t, err)
	assert.NotEqual(t, all.Gradient, some.Gradient)

	filled := blank()
	none, err := Fill(context.Background(), filled, eng, nil, Options{Real: truth, WantGradient: true, Scored: make(gaussian.Mask, width)})
	require.NoError(t, err)
	for _, g := range none.Gradient {
		assert.Zero(t, g)
	}
	assert.False(t, math.IsNaN(filled.At(0, 2*lag-1)))

	_, err = Fill(context.Background(), blank(), eng, nil, Options{Real: truth, WantGradient: true, Scored: gaussian.Mask{true}})
	assert.ErrorIs(t, err, errors.ErrInvalidShape)
}

func TestScores(t *testing.T) {
	eng, m := engine(t)
	scores, rep, err := Scores(context.Background(), m, eng, Options{Workers: 2})
	require.NoError(t, err)
	rows, width := m.Dims()
	require.Len(t, scores, rows)
	assert.False(t, rep.Incomplete())

	var mean float64
	for _, s := range scores {
		assert.GreaterOrEqual(t, s, 0.0)
		mean += s
	}
	mean /= float64(rows)
	// x'Σ⁻¹x has expectation equal to the dimension under the model
	assert.Greater(t, mean, 0.5*float64(width))
	assert.Less(t, mean, 2*float64(width))

	// an outlier row scores far above the rest
	for c := 0; c < width; c++ {
		m.Set(0, c, 6*math.Pow(-1, float64(c)))
	}
	scores, _, err = Scores(context.Background(), m, eng, Options{})
	require.NoError(t, err)
	assert.Greater(t, scores[0], 5*mean)
}

func TestFillRejectsWidth(t *testing.T) {
	eng, _ := engine(t)
	_, err := Fill(context.Background(), mat.NewDense(2, 3, nil), eng, nil, Options{})
	assert.ErrorIs(t, err, errors.ErrInvalidShape)
}

func standardize(x *mat.Dense) {
	rows, cols := x.Dims()
	for j := 0; j < cols; j++ {
		col := mat.Col(nil, j, x)
		var mean, sq float64
		for _, v := range col {
			mean += v
		}
		mean /= float64(rows)
		for _, v := range col {
			sq += (v - mean) * (v - mean)
		}
		std := math.Sqrt(sq / float64(rows))
		for i, v := range col {
			x.Set(i, j, (v-mean)/std)
		}
	}
}
