// Package series holds the raw multivariate table a model is fit on.
package series

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"tsar/internal/errors"
)

// Table is a T x N numeric table. Missing observations are NaN.
// Column order is significant: it defines the lag-block ordering.
type Table struct {
	// Matrix for data, rows are time points
	Y *mat.Dense
	// Time index of each row
	Time []float64
	// List of variable names
	VarNames []string
}

// NewTable builds a table from row-major data with a 0,1,2,... time index.
func NewTable(names []string, rows [][]float64) (*Table, error) {
	if len(names) == 0 {
		return nil, errors.InvalidShape("table needs at least one column")
	}
	if len(rows) == 0 {
		return nil, errors.InsufficientData("table has no rows")
	}
	N := len(names)
	data := make([]float64, 0, len(rows)*N)
	times := make([]float64, len(rows))
	for i, r := range rows {
		if len(r) != N {
			return nil, errors.InvalidShape("row %d: expected %d columns, got %d", i, N, len(r))
		}
		data = append(data, r...)
		times[i] = float64(i)
	}
	return &Table{
		Y:        mat.NewDense(len(rows), N, data),
		Time:     times,
		VarNames: append([]string(nil), names...),
	}, nil
}

// Dims returns the number of rows and columns.
func (t *Table) Dims() (int, int) {
	return t.Y.Dims()
}

// Column returns the index of the named column or -1.
func (t *Table) Column(name string) int {
	for i, n := range t.VarNames {
		if n == name {
			return i
		}
	}
	return -1
}

// Rows returns a copy of rows [from, to).
func (t *Table) Rows(from, to int) (*Table, error) {
	T, N := t.Dims()
	if from < 0 || to > T || from >= to {
		return nil, errors.InsufficientData("row range [%d, %d) is empty or out of [0, %d)", from, to, T)
	}
	return &Table{
		Y:        mat.DenseCopyOf(t.Y.Slice(from, to, 0, N)),
		Time:     append([]float64(nil), t.Time[from:to]...),
		VarNames: append([]string(nil), t.VarNames...),
	}, nil
}

// Split cuts the table chronologically: the first floor(T*ratio) rows train,
// the rest test. No shuffling.
func (t *Table) Split(ratio float64) (train, test *Table, err error) {
	T, _ := t.Dims()
	cut := int(float64(T) * ratio)
	if cut <= 0 {
		return nil, nil, errors.InsufficientData("there is not enough train data (%d rows, ratio %.3f)", T, ratio)
	}
	if cut >= T {
		return nil, nil, errors.InsufficientData("there is not enough test data (%d rows, ratio %.3f)", T, ratio)
	}
	if train, err = t.Rows(0, cut); err != nil {
		return nil, nil, err
	}
	if test, err = t.Rows(cut, T); err != nil {
		return nil, nil, err
	}
	return train, test, nil
}

// Select returns a copy with the named columns in the given order.
func (t *Table) Select(names []string) (*Table, error) {
	T, _ := t.Dims()
	idx := make([]int, len(names))
	for j, n := range names {
		idx[j] = t.Column(n)
		if idx[j] < 0 {
			return nil, errors.InvalidShape("unknown column %q", n)
		}
	}
	out := mat.NewDense(T, len(names), nil)
	for i := 0; i < T; i++ {
		for j, c := range idx {
			out.Set(i, j, t.Y.At(i, c))
		}
	}
	return &Table{
		Y:        out,
		Time:     append([]float64(nil), t.Time...),
		VarNames: append([]string(nil), names...),
	}, nil
}

// MissingCount returns the number of NaN cells.
func (t *Table) MissingCount() int {
	n := 0
	for _, v := range t.Y.RawMatrix().Data {
		if math.IsNaN(v) {
			n++
		}
	}
	return n
}
