package model

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"tsar/factor"
	"tsar/internal/config"
	"tsar/internal/errors"
)

// Config holds everything Fit needs. A negative Rank or Lambda is selected
// by the tuner.
type Config struct {
	PastLag   int
	FutureLag int
	Rank      int
	Lambda    float64

	Ratio  float64
	Rounds int
	Budget time.Duration

	Estimator factor.Kind
	Denoise   bool
	// FullCovariance models all variables as one dense block with no
	// low-rank factor.
	FullCovariance bool
	// Blocks groups variables that share a dense covariance block; the
	// remaining variables get a block each.
	Blocks [][]string
	// Weights scales variables before factor estimation. Missing names
	// weigh 1.
	Weights map[string]float64

	// Available and Ignore shape the held-out forecasting task, see
	// evaluate.Options.
	Available map[string]int
	Ignore    []string

	Workers   int
	MaxGroups int
	CacheSize int
	Logger    *zap.Logger
}

// DefaultConfig mirrors the defaults of internal/config.
func DefaultConfig() Config {
	return Config{
		PastLag:   5,
		FutureLag: 1,
		Rank:      -1,
		Lambda:    -1,
		Ratio:     2.0 / 3.0,
		Rounds:    2,
		Workers:   1,
	}
}

// FromConfig maps the environment configuration onto a fit Config.
func FromConfig(c *config.Config) (Config, error) {
	kind, err := factor.ParseKind(c.Model.Estimator)
	if err != nil {
		return Config{}, err
	}
	return Config{
		PastLag:        c.Model.PastLag,
		FutureLag:      c.Model.FutureLag,
		Rank:           c.Model.Rank,
		Lambda:         c.Model.Lambda,
		Ratio:          c.Model.TrainTestRatio,
		Rounds:         c.Model.RefinementRounds,
		Budget:         c.Runtime.TuneBudget,
		Estimator:      kind,
		Denoise:        c.Model.Denoise,
		FullCovariance: c.Model.FullCovariance,
		Workers:        c.Runtime.Workers,
		MaxGroups:      c.Runtime.MaxGroups,
	}, nil
}

// Lag returns the window length.
func (c Config) Lag() int { return c.PastLag + c.FutureLag }

// Validate checks the ranges Fit relies on.
func (c Config) Validate() error {
	if c.PastLag < 0 || c.FutureLag < 1 {
		return errors.ConfigInvalid("past lag must be >= 0 and future lag >= 1")
	}
	if c.Ratio <= 0 || c.Ratio >= 1 {
		return errors.ConfigInvalid("train/test ratio must be in (0, 1)")
	}
	if c.MaxGroups < 0 {
		return errors.ConfigInvalid("max groups must not be negative")
	}
	for name, w := range c.Weights {
		if !(w > 0) {
			return errors.ConfigInvalid(fmt.Sprintf("weight of %q must be positive", name))
		}
	}
	return nil
}

// layout orders the columns so that every block is contiguous: declared
// blocks first, then the remaining columns one block each.
func layout(names []string, declared [][]string, full bool) ([]string, [][]int, error) {
	if full {
		idx := make([]int, len(names))
		for i := range idx {
			idx[i] = i
		}
		return append([]string(nil), names...), [][]int{idx}, nil
	}

	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	used := make(map[string]bool)
	var order []string
	var blocks [][]int
	for b, group := range declared {
		if len(group) == 0 {
			return nil, nil, errors.ConfigInvalid(fmt.Sprintf("block %d is empty", b))
		}
		var idx []int
		for _, n := range group {
			if !known[n] {
				return nil, nil, errors.ConfigInvalid(fmt.Sprintf("block %d names unknown column %q", b, n))
			}
			if used[n] {
				return nil, nil, errors.ConfigInvalid(fmt.Sprintf("column %q is in more than one block", n))
			}
			used[n] = true
			idx = append(idx, len(order))
			order = append(order, n)
		}
		blocks = append(blocks, idx)
	}
	for _, n := range names {
		if !used[n] {
			blocks = append(blocks, []int{len(order)})
			order = append(order, n)
		}
	}
	return order, blocks, nil
}

// weights returns the factor weights in column order, nil when unset.
func (c Config) weights(order []string) []float64 {
	if len(c.Weights) == 0 {
		return nil
	}
	out := make([]float64, len(order))
	for i, n := range order {
		out[i] = 1
		if w, ok := c.Weights[n]; ok {
			out[i] = w
		}
	}
	return out
}
