package series

import (
	"math"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"

	"tsar/internal/errors"
)

// Scaler standardizes each column to zero mean and unit variance. The
// covariance model assumes normalized input (unit same-time diagonal).
type Scaler struct {
	Mean []float64
	Std  []float64
	// Degenerate lists columns with zero variance or no observations;
	// they are centered but not rescaled.
	Degenerate []int
}

// FitScaler computes per-column moments over the observed cells.
func FitScaler(t *Table) (*Scaler, error) {
	T, N := t.Dims()
	s := &Scaler{Mean: make([]float64, N), Std: make([]float64, N)}
	col := make([]float64, 0, T)
	for j := 0; j < N; j++ {
		col = col[:0]
		for i := 0; i < T; i++ {
			if v := t.Y.At(i, j); !math.IsNaN(v) {
				col = append(col, v)
			}
		}
		if len(col) == 0 {
			s.Std[j] = 1
			s.Degenerate = append(s.Degenerate, j)
			continue
		}
		mean, err := stats.Mean(col)
		if err != nil {
			return nil, errors.Wrapf(err, "mean of column %s", t.VarNames[j])
		}
		std, err := stats.StandardDeviationPopulation(col)
		if err != nil {
			return nil, errors.Wrapf(err, "std of column %s", t.VarNames[j])
		}
		s.Mean[j] = mean
		if std == 0 || math.IsNaN(std) {
			std = 1
			s.Degenerate = append(s.Degenerate, j)
		}
		s.Std[j] = std
	}
	return s, nil
}

// Transform returns a normalized copy of t.
func (s *Scaler) Transform(t *Table) (*Table, error) {
	T, N := t.Dims()
	if N != len(s.Mean) {
		return nil, errors.InvalidShape("scaler fitted on %d columns, table has %d", len(s.Mean), N)
	}
	out := mat.NewDense(T, N, nil)
	out.Apply(func(i, j int, v float64) float64 {
		return (v - s.Mean[j]) / s.Std[j]
	}, t.Y)
	return &Table{
		Y:        out,
		Time:     append([]float64(nil), t.Time...),
		VarNames: append([]string(nil), t.VarNames...),
	}, nil
}

// Inverse maps a normalized matrix with the same columns back to data units
// in place.
func (s *Scaler) Inverse(m *mat.Dense) {
	m.Apply(func(i, j int, v float64) float64 {
		return v*s.Std[j] + s.Mean[j]
	}, m)
}
