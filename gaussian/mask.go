package gaussian

import (
	"math"
	"strings"
)

// Mask flags lagged columns. Known masks mark observed entries; prediction
// masks mark the columns whose conditional mean is wanted.
type Mask []bool

// NaNMask flags the NaN entries of a row.
func NaNMask(row []float64) Mask {
	m := make(Mask, len(row))
	for i, v := range row {
		m[i] = math.IsNaN(v)
	}
	return m
}

// Not returns the complement.
func (m Mask) Not() Mask {
	out := make(Mask, len(m))
	for i, v := range m {
		out[i] = !v
	}
	return out
}

// And returns the elementwise conjunction; a nil o selects all of m.
func (m Mask) And(o Mask) Mask {
	out := make(Mask, len(m))
	for i, v := range m {
		out[i] = v && (o == nil || o[i])
	}
	return out
}

// Count returns the number of set entries.
func (m Mask) Count() int {
	n := 0
	for _, v := range m {
		if v {
			n++
		}
	}
	return n
}

// Indices returns the set positions in increasing order.
func (m Mask) Indices() []int {
	out := make([]int, 0, m.Count())
	for i, v := range m {
		if v {
			out = append(out, i)
		}
	}
	return out
}

// Key packs the mask into a compact string usable as a map key.
func (m Mask) Key() string {
	var b strings.Builder
	b.Grow(len(m)/8 + 1)
	var cur byte
	for i, v := range m {
		if v {
			cur |= 1 << (i % 8)
		}
		if i%8 == 7 {
			b.WriteByte(cur)
			cur = 0
		}
	}
	if len(m)%8 != 0 {
		b.WriteByte(cur)
	}
	return b.String()
}
