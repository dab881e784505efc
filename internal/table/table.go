// Package table provides typed, sample-indexed containers for the analysis inputs.
//
// Shapes and key uniqueness are checked once at construction so that the
// analysis code never has to re-validate them at the point of use.
// Missing values are represented as NaN.
package table

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrLengthMismatch indicates keys and values of different lengths.
	ErrLengthMismatch = errors.New("table: length mismatch")
	// ErrDuplicateKey indicates a repeated row or sample identifier.
	ErrDuplicateKey = errors.New("table: duplicate key")
	// ErrRowNotFound indicates a lookup of an unknown row.
	ErrRowNotFound = errors.New("table: row not found")
)

// Series is a named vector of real values indexed by sample identifier.
type Series struct {
	name    string
	samples []string
	values  []float64
	index   map[string]int
}

// NewSeries creates a series. samples must be unique and the same length as values.
func NewSeries(name string, samples []string, values []float64) (*Series, error) {
	if len(samples) != len(values) {
		return nil, fmt.Errorf("%w: %d samples, %d values", ErrLengthMismatch, len(samples), len(values))
	}
	index, err := buildIndex(samples)
	if err != nil {
		return nil, err
	}
	return &Series{
		name:    name,
		samples: append([]string(nil), samples...),
		values:  append([]float64(nil), values...),
		index:   index,
	}, nil
}

// Name returns the series name.
func (s *Series) Name() string { return s.name }

// Len returns the number of samples.
func (s *Series) Len() int { return len(s.samples) }

// Samples returns a copy of the sample identifiers in series order.
func (s *Series) Samples() []string { return append([]string(nil), s.samples...) }

// Values returns a copy of the values in series order.
func (s *Series) Values() []float64 { return append([]float64(nil), s.values...) }

// At returns the sample and value at position i.
func (s *Series) At(i int) (string, float64) { return s.samples[i], s.values[i] }

// Value returns the value for a sample. ok is false if the sample is absent.
// A present but missing value is returned as NaN with ok true.
func (s *Series) Value(sample string) (v float64, ok bool) {
	i, ok := s.index[sample]
	if !ok {
		return math.NaN(), false
	}
	return s.values[i], true
}

// Restrict returns a new series over the given samples, in that order.
// Samples absent from s are NaN in the result; repeated samples are kept once.
func (s *Series) Restrict(samples []string) *Series {
	samples = dedupe(samples)
	values := make([]float64, len(samples))
	for i, id := range samples {
		values[i], _ = s.Value(id)
	}
	index, _ := buildIndex(samples)
	return &Series{name: s.name, samples: samples, values: values, index: index}
}

// Missing returns the number of missing values.
func (s *Series) Missing() int {
	n := 0
	for _, v := range s.values {
		if IsMissing(v) {
			n++
		}
	}
	return n
}

// Matrix is a dense real matrix with named rows and named sample columns.
type Matrix struct {
	rows     []string
	cols     []string
	data     []float64
	rowIndex map[string]int
	colIndex map[string]int
}

// NewMatrix creates a matrix from row-major data of len(rows)*len(cols).
func NewMatrix(rows, cols []string, data []float64) (*Matrix, error) {
	if len(data) != len(rows)*len(cols) {
		return nil, fmt.Errorf("%w: %d values for %dx%d matrix", ErrLengthMismatch, len(data), len(rows), len(cols))
	}
	rowIndex, err := buildIndex(rows)
	if err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	colIndex, err := buildIndex(cols)
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}
	return &Matrix{
		rows:     append([]string(nil), rows...),
		cols:     append([]string(nil), cols...),
		data:     append([]float64(nil), data...),
		rowIndex: rowIndex,
		colIndex: colIndex,
	}, nil
}

// Dims returns the number of rows and columns.
func (m *Matrix) Dims() (int, int) { return len(m.rows), len(m.cols) }

// Rows returns a copy of the row names.
func (m *Matrix) Rows() []string { return append([]string(nil), m.rows...) }

// Columns returns a copy of the column (sample) names.
func (m *Matrix) Columns() []string { return append([]string(nil), m.cols...) }

// HasRow reports whether the row exists.
func (m *Matrix) HasRow(name string) bool {
	_, ok := m.rowIndex[name]
	return ok
}

// At returns the value at row i, column j.
func (m *Matrix) At(i, j int) float64 { return m.data[i*len(m.cols)+j] }

// Row returns the named row as a series over all columns.
func (m *Matrix) Row(name string) (*Series, error) {
	i, ok := m.rowIndex[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRowNotFound, name)
	}
	n := len(m.cols)
	return &Series{
		name:    name,
		samples: append([]string(nil), m.cols...),
		values:  append([]float64(nil), m.data[i*n:(i+1)*n]...),
		index:   m.colIndex,
	}, nil
}

// RestrictColumns returns a new matrix over the given samples, in that order.
// Samples absent from m become NaN columns.
func (m *Matrix) RestrictColumns(samples []string) *Matrix {
	samples = dedupe(samples)
	ncol := len(samples)
	data := make([]float64, len(m.rows)*ncol)
	for j, id := range samples {
		src, ok := m.colIndex[id]
		for i := range m.rows {
			if ok {
				data[i*ncol+j] = m.data[i*len(m.cols)+src]
			} else {
				data[i*ncol+j] = math.NaN()
			}
		}
	}
	colIndex, _ := buildIndex(samples)
	return &Matrix{
		rows:     append([]string(nil), m.rows...),
		cols:     samples,
		data:     data,
		rowIndex: m.rowIndex,
		colIndex: colIndex,
	}
}

// Intersect returns the sorted set of identifiers present in every set.
// The result is empty when sets is empty or nothing is shared.
func Intersect(sets ...[]string) []string {
	if len(sets) == 0 {
		return []string{}
	}
	counts := make(map[string]int)
	for _, set := range sets {
		seen := make(map[string]struct{}, len(set))
		for _, id := range set {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			counts[id]++
		}
	}
	out := make([]string, 0)
	for id, c := range counts {
		if c == len(sets) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Aligned holds two series reduced to the samples where both are present.
type Aligned struct {
	Samples []string
	Y       []float64
	X       []float64
	Dropped []string
}

// IsMissing reports whether v is treated as a missing value: NaN or infinite.
func IsMissing(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}

// AlignPair keeps the samples of y where both y and x are non-missing.
// Samples of y that are absent from x count as missing. Order follows y.
func AlignPair(y, x *Series) Aligned {
	var a Aligned
	for i, id := range y.samples {
		yv := y.values[i]
		xv, _ := x.Value(id)
		if IsMissing(yv) || IsMissing(xv) {
			a.Dropped = append(a.Dropped, id)
			continue
		}
		a.Samples = append(a.Samples, id)
		a.Y = append(a.Y, yv)
		a.X = append(a.X, xv)
	}
	return a
}

func buildIndex(keys []string) (map[string]int, error) {
	index := make(map[string]int, len(keys))
	for i, k := range keys {
		if _, dup := index[k]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, k)
		}
		index[k] = i
	}
	return index, nil
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
