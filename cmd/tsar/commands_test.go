package main

import (
	"bytes"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tsar/internal/errors"
	"tsar/series"
)

// writeSeries writes a two-variable AR(1) table with one missing cell.
func writeSeries(t *testing.T, rows int) string {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	var b strings.Builder
	b.WriteString("cases,visits\n")
	x, y := 0.0, 0.0
	for i := 0; i < rows; i++ {
		x = 0.6*x + rng.NormFloat64()
		y = 0.6*y + 0.5*x + rng.NormFloat64()
		if i == rows/2 {
			fmt.Fprintf(&b, "%.6f,\n", x)
			continue
		}
		fmt.Fprintf(&b, "%.6f,%.6f\n", x, y)
	}
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	base := []string{
		"--env", filepath.Join(t.TempDir(), "missing.env"),
		"--log-level", "ERROR",
		"--past-lag", "2", "--future-lag", "1",
		"--rank", "0", "--lambda", "0.01",
		"--workers", "2",
	}
	root.SetArgs(append(args, base...))
	err := root.Execute()
	return out.String(), err
}

func TestParseBlocks(t *testing.T) {
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, parseBlocks(" a, b ;c;;"))
	assert.Nil(t, parseBlocks(""))
}

func TestFitCommand(t *testing.T) {
	path := writeSeries(t, 90)
	out, err := run(t, "fit", path, "--baseline")
	require.NoError(t, err)
	assert.Contains(t, out, "rank")
	assert.Contains(t, out, "Held-out RMSE")
	assert.Contains(t, out, "OLS VAR(2)")
}

func TestForecastCommand(t *testing.T) {
	path := writeSeries(t, 90)
	dst := filepath.Join(t.TempDir(), "forecast.csv")
	_, err := run(t, "forecast", path, "--out", dst)
	require.NoError(t, err)

	fc, err := series.ReadCSV(dst)
	require.NoError(t, err)
	assert.Equal(t, []string{"cases", "visits"}, fc.VarNames)
	rows, _ := fc.Dims()
	assert.Equal(t, 1, rows)
}

func TestImputeCommand(t *testing.T) {
	path := writeSeries(t, 90)
	dst := filepath.Join(t.TempDir(), "imputed.csv")
	_, err := run(t, "impute", path, "--out", dst)
	require.NoError(t, err)

	filled, err := series.ReadCSV(dst)
	require.NoError(t, err)
	assert.Zero(t, filled.MissingCount())
	rows, _ := filled.Dims()
	assert.Equal(t, 90, rows)
}

func TestAnomalyCommand(t *testing.T) {
	path := writeSeries(t, 90)
	out, err := run(t, "anomaly", path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Equal(t, "window_start,score", lines[0])
	// one score per window of past+future rows
	assert.Len(t, lines[1:], 90-3+1)
	var start, score float64
	_, err = fmt.Sscanf(strings.Replace(lines[1], ",", " ", 1), "%g %g", &start, &score)
	require.NoError(t, err)
	assert.Equal(t, 0.0, start)
	assert.False(t, math.IsNaN(score))
	assert.GreaterOrEqual(t, score, 0.0)
}

func TestParseWeights(t *testing.T) {
	w, err := parseWeights(map[string]string{"a": "2", " b": "0.5 "})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"a": 2, "b": 0.5}, w)

	w, err = parseWeights(nil)
	require.NoError(t, err)
	assert.Nil(t, w)

	_, err = parseWeights(map[string]string{"a": "heavy"})
	assert.ErrorIs(t, err, errors.ErrConfigInvalid)
}

func TestWeightsAndAvailableFlags(t *testing.T) {
	path := writeSeries(t, 90)
	_, err := run(t, "fit", path, "--weights", "cases=2,visits=1", "--available", "visits=-1")
	require.NoError(t, err)

	_, err = run(t, "fit", path, "--weights", "cases=0")
	assert.ErrorIs(t, err, errors.ErrConfigInvalid)

	// two past lags cannot lose three
	_, err = run(t, "fit", path, "--available", "cases=-3")
	assert.ErrorIs(t, err, errors.ErrInvalidShape)
}

func TestBadBudget(t *testing.T) {
	path := writeSeries(t, 30)
	_, err := run(t, "fit", path, "--budget", "soon")
	assert.Error(t, err)
}
