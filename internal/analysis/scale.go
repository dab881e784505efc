package analysis

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"

	"github.com/cdrug/server/internal/table"
)

// ScaleScreen rescales each sample of a CRISPR fold-change matrix so that the
// median of the non-essential genes is 0 and the median of the essential genes is -1:
//
//	scaled = (x - median(nonEssential)) / (median(nonEssential) - median(essential))
//
// Genes absent from the matrix are ignored. A sample where either reference
// set has no values, or where both medians coincide, is an ErrDegenerateInput.
func ScaleScreen(m *table.Matrix, essential, nonEssential []string) (*table.Matrix, error) {
	if m == nil {
		return nil, ErrMissingInput
	}
	rows := m.Rows()
	cols := m.Columns()
	ess := rowPositions(m, essential)
	non := rowPositions(m, nonEssential)
	if len(ess) == 0 || len(non) == 0 {
		return nil, fmt.Errorf("%w: %d essential and %d non-essential genes present in screen", ErrDegenerateInput, len(ess), len(non))
	}

	data := make([]float64, len(rows)*len(cols))
	for j, sample := range cols {
		medE, errE := stats.Median(columnValues(m, ess, j))
		medN, errN := stats.Median(columnValues(m, non, j))
		if errE != nil || errN != nil {
			return nil, fmt.Errorf("%w: sample %s has no reference gene values", ErrDegenerateInput, sample)
		}
		denom := medN - medE
		if denom == 0 {
			return nil, fmt.Errorf("%w: sample %s has equal essential and non-essential medians", ErrDegenerateInput, sample)
		}
		for i := range rows {
			data[i*len(cols)+j] = (m.At(i, j) - medN) / denom
		}
	}
	return table.NewMatrix(rows, cols, data)
}

func rowPositions(m *table.Matrix, genes []string) []int {
	pos := make(map[string]int)
	for i, r := range m.Rows() {
		pos[r] = i
	}
	var out []int
	seen := make(map[int]struct{})
	for _, g := range genes {
		i, ok := pos[g]
		if !ok {
			continue
		}
		if _, dup := seen[i]; dup {
			continue
		}
		seen[i] = struct{}{}
		out = append(out, i)
	}
	return out
}

func columnValues(m *table.Matrix, rows []int, j int) []float64 {
	vals := make([]float64, 0, len(rows))
	for _, i := range rows {
		if v := m.At(i, j); !math.IsNaN(v) {
			vals = append(vals, v)
		}
	}
	return vals
}
