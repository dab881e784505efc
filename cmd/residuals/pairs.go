package main

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/cdrug/server/internal/data/assoc"
	"github.com/cdrug/server/internal/data/tabfile"
	"github.com/cdrug/server/internal/service"
)

// ReadPairs reads drug and gene pairs from the first two columns of a
// delimited file. Blank lines, # comments and a drug/gene header are skipped.
func ReadPairs(path string) ([]service.Params, error) {
	content, err := tabfile.ReadAll(path)
	if err != nil {
		return nil, err
	}
	return ParsePairs(bytes.NewReader(content), tabfile.Delimiter(path, content))
}

// ParsePairs parses the body of a pairs file.
func ParsePairs(r io.Reader, comma rune) ([]service.Params, error) {
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var pairs []service.Params
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("pairs line %d: %w", line, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("pairs line %d: want drug and gene, got %d field(s)", line, len(rec))
		}
		drug, gene := strings.TrimSpace(rec[0]), strings.TrimSpace(rec[1])
		if len(pairs) == 0 && strings.EqualFold(drug, "drug") && strings.EqualFold(gene, "gene") {
			continue
		}
		pairs = append(pairs, service.Params{Drug: drug, Gene: gene})
	}
	return pairs, nil
}

// AssociationPairs selects distinct pairs from a filtered association table.
// Drugs are referenced by full key so that screen versions stay distinct.
func AssociationPairs(tbl *assoc.Table, f assoc.Filter) []service.Params {
	seen := make(map[string]bool)
	var pairs []service.Params
	for _, a := range tbl.Filter(f).Rows() {
		p := service.Params{Drug: a.Drug().Key(), Gene: a.Gene}
		k := p.Drug + "\x00" + p.Gene
		if seen[k] {
			continue
		}
		seen[k] = true
		pairs = append(pairs, p)
	}
	return pairs
}
