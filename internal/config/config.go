package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tsar/internal/errors"
)

// Config represents the complete application configuration
type Config struct {
	Model    ModelConfig
	Runtime  RuntimeConfig
	LogLevel string
}

// ModelConfig holds the fit and tuning scalars. A negative Rank or Lambda
// means the value is selected by the hyperparameter tuner.
type ModelConfig struct {
	PastLag          int
	FutureLag        int
	Rank             int
	Lambda           float64
	TrainTestRatio   float64
	RefinementRounds int
	Estimator        string
	Denoise          bool
	FullCovariance   bool
}

// RuntimeConfig holds execution limits
type RuntimeConfig struct {
	Workers    int
	MaxGroups  int
	TuneBudget time.Duration
}

// Load reads an optional .env file set, then configuration from environment
// variables, and validates it. Missing env files are not an error.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "failed to load env file %s", f)
		}
	}

	config := &Config{
		Model:    *loadModelConfig(),
		Runtime:  *loadRuntimeConfig(),
		LogLevel: getEnvOrDefault("LOG_LEVEL", "INFO"),
	}

	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return config, nil
}

func loadModelConfig() *ModelConfig {
	return &ModelConfig{
		PastLag:          getEnvIntOrDefault("TSAR_PAST_LAG", 5),
		FutureLag:        getEnvIntOrDefault("TSAR_FUTURE_LAG", 1),
		Rank:             getEnvIntOrDefault("TSAR_RANK", -1),
		Lambda:           getEnvFloatOrDefault("TSAR_LAMBDA", -1),
		TrainTestRatio:   getEnvFloatOrDefault("TSAR_TRAIN_TEST_RATIO", 2.0/3.0),
		RefinementRounds: getEnvIntOrDefault("TSAR_REFINEMENT_ROUNDS", 2),
		Estimator:        strings.ToLower(getEnvOrDefault("TSAR_ESTIMATOR", "svd")),
		Denoise:          getEnvBoolOrDefault("TSAR_DENOISE", false),
		FullCovariance:   getEnvBoolOrDefault("TSAR_FULL_COVARIANCE", false),
	}
}

func loadRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		Workers:    getEnvIntOrDefault("TSAR_WORKERS", runtime.GOMAXPROCS(0)),
		MaxGroups:  getEnvIntOrDefault("TSAR_MAX_GROUPS", 0),
		TuneBudget: getEnvDurationOrDefault("TSAR_TUNE_BUDGET", 0),
	}
}

// Validate checks ranges of all scalars.
func (c *Config) Validate() error {
	m := c.Model
	if m.PastLag < 0 || m.FutureLag < 1 {
		return errors.ConfigInvalid("past lag must be >= 0 and future lag >= 1")
	}
	if m.TrainTestRatio <= 0 || m.TrainTestRatio >= 1 {
		return errors.ConfigInvalid("train/test ratio must be in (0, 1)")
	}
	if m.RefinementRounds < 1 {
		return errors.ConfigInvalid("refinement rounds must be >= 1")
	}
	if m.Estimator != "svd" && m.Estimator != "eigen" {
		return errors.ConfigInvalid("estimator must be svd or eigen")
	}
	if c.Runtime.Workers < 1 {
		return errors.ConfigInvalid("workers must be >= 1")
	}
	if c.Runtime.MaxGroups < 0 || c.Runtime.TuneBudget < 0 {
		return errors.ConfigInvalid("max groups and tune budget must not be negative")
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
