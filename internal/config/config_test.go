package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tsar/internal/errors"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Model.PastLag)
	assert.Equal(t, 1, cfg.Model.FutureLag)
	assert.Equal(t, -1, cfg.Model.Rank)
	assert.Equal(t, "svd", cfg.Model.Estimator)
	assert.Equal(t, 2, cfg.Model.RefinementRounds)
	assert.GreaterOrEqual(t, cfg.Runtime.Workers, 1)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TSAR_PAST_LAG", "3")
	t.Setenv("TSAR_RANK", "2")
	t.Setenv("TSAR_LAMBDA", "0.5")
	t.Setenv("TSAR_TUNE_BUDGET", "30s")
	t.Setenv("TSAR_ESTIMATOR", "EIGEN")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Model.PastLag)
	assert.Equal(t, 2, cfg.Model.Rank)
	assert.InDelta(t, 0.5, cfg.Model.Lambda, 1e-12)
	assert.Equal(t, 30*time.Second, cfg.Runtime.TuneBudget)
	assert.Equal(t, "eigen", cfg.Model.Estimator)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tsar.env")
	require.NoError(t, os.WriteFile(path, []byte("TSAR_FUTURE_LAG=4\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("TSAR_FUTURE_LAG") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Model.FutureLag)
}

func TestValidateRejectsBadRatio(t *testing.T) {
	t.Setenv("TSAR_TRAIN_TEST_RATIO", "1.5")

	_, err := Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConfigInvalid)
}
