// Package assoc reads precomputed drug-gene association tables.
package assoc

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/cdrug/server/internal/analysis"
	"github.com/cdrug/server/internal/data/tabfile"
	"github.com/cdrug/server/internal/num"
)

// Flag is a 0/1 column that also accepts true/false.
type Flag bool

// UnmarshalCSV implements gocsv.TypeUnmarshaller.
func (f *Flag) UnmarshalCSV(s string) error {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "1.0", "true", "t", "yes":
		*f = true
	case "", "0", "0.0", "false", "f", "no", "na", "nan":
		*f = false
	default:
		return fmt.Errorf("assoc: invalid flag %q", s)
	}
	return nil
}

// MarshalCSV implements gocsv.TypeMarshaller.
func (f Flag) MarshalCSV() (string, error) {
	if f {
		return "1", nil
	}
	return "0", nil
}

// Association is one drug-gene regression from a linear-model screen.
type Association struct {
	DrugID   string    `csv:"DRUG_ID_lib" json:"drug_id"`
	DrugName string    `csv:"DRUG_NAME" json:"drug_name"`
	Version  string    `csv:"VERSION" json:"version"`
	Gene     string    `csv:"GeneSymbol" json:"gene"`
	Beta     num.Float `csv:"beta" json:"beta"`
	PValue   num.Float `csv:"pval" json:"pval"`
	FDR      num.Float `csv:"fdr" json:"fdr"`
	Target   Flag      `csv:"target" json:"target"`
}

// Drug returns the response-matrix key of the association's drug.
func (a Association) Drug() analysis.DrugKey {
	return analysis.DrugKey{ID: a.DrugID, Name: a.DrugName, Version: a.Version}
}

// Table is an ordered association table.
type Table struct {
	rows []Association
}

// Read loads an association table. Columns not mapped by Association are ignored.
func Read(path string) (*Table, error) {
	raw, err := tabfile.ReadAll(path)
	if err != nil {
		return nil, err
	}
	cr := csv.NewReader(bytes.NewReader(raw))
	cr.Comma = tabfile.Delimiter(path, raw)
	cr.LazyQuotes = true

	var rows []Association
	if err := gocsv.UnmarshalCSV(cr, &rows); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Table{rows: rows}, nil
}

// New wraps rows in a table.
func New(rows []Association) *Table {
	return &Table{rows: append([]Association(nil), rows...)}
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// At returns row i.
func (t *Table) At(i int) Association { return t.rows[i] }

// Rows returns a copy of all rows.
func (t *Table) Rows() []Association { return append([]Association(nil), t.rows...) }

// Filter selects associations.
type Filter struct {
	// TargetOnly keeps rows where the gene is a nominal target of the drug.
	TargetOnly bool
	// MinBeta keeps rows with beta strictly above it when non-zero.
	MinBeta float64
	// MaxFDR keeps rows with fdr at or below it when non-zero.
	MaxFDR float64
}

// Filter returns the rows matching f, in table order.
func (t *Table) Filter(f Filter) *Table {
	out := make([]Association, 0, len(t.rows))
	for _, a := range t.rows {
		if f.TargetOnly && !bool(a.Target) {
			continue
		}
		if f.MinBeta != 0 && !(float64(a.Beta) > f.MinBeta) {
			continue
		}
		if f.MaxFDR != 0 && !(float64(a.FDR) <= f.MaxFDR) {
			continue
		}
		out = append(out, a)
	}
	return &Table{rows: out}
}

// Find returns the first association for a drug (by name or id) and gene.
func (t *Table) Find(drug, gene string) (Association, bool) {
	for _, a := range t.rows {
		if a.Gene == gene && (a.DrugName == drug || a.DrugID == drug) {
			return a, true
		}
	}
	return Association{}, false
}

// Drugs returns the distinct drugs in the table, sorted by name then version.
func (t *Table) Drugs() []analysis.DrugKey {
	seen := make(map[string]bool)
	var out []analysis.DrugKey
	for _, a := range t.rows {
		k := a.Drug()
		if seen[k.Key()] {
			continue
		}
		seen[k.Key()] = true
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}
