package analysis

import (
	"fmt"
	"strings"

	"github.com/cdrug/server/internal/table"
)

// KeySep joins the drug identifier, name and screen version into a row key.
const KeySep = ";"

// DrugKey identifies one drug-response row.
type DrugKey struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Key returns the response-matrix row key. A key with only an ID is a
// single-column row index.
func (k DrugKey) Key() string {
	if k.Name == "" && k.Version == "" {
		return k.ID
	}
	return k.ID + KeySep + k.Name + KeySep + k.Version
}

func (k DrugKey) String() string {
	if k.Name == "" && k.Version == "" {
		return k.ID
	}
	return fmt.Sprintf("%s %s (%s)", k.Name, k.Version, k.ID)
}

// ParseDrugKey splits a row key written by Key.
func ParseDrugKey(s string) (DrugKey, error) {
	parts := strings.Split(s, KeySep)
	if len(parts) != 3 {
		return DrugKey{}, fmt.Errorf("invalid drug key %q: want id%sname%sversion", s, KeySep, KeySep)
	}
	return DrugKey{ID: parts[0], Name: parts[1], Version: parts[2]}, nil
}

// ResolveDrug finds a response row by full key, or by drug name when ref has no separator.
// A name matching several screen versions resolves to the first row in matrix order.
func ResolveDrug(response *table.Matrix, ref string) (DrugKey, error) {
	if response == nil {
		return DrugKey{}, ErrMissingInput
	}
	if strings.Contains(ref, KeySep) {
		k, err := ParseDrugKey(ref)
		if err != nil {
			return DrugKey{}, fmt.Errorf("%w: %v", ErrDrugNotFound, err)
		}
		if !response.HasRow(k.Key()) {
			return DrugKey{}, fmt.Errorf("%w: %s", ErrDrugNotFound, ref)
		}
		return k, nil
	}
	for _, row := range response.Rows() {
		k, err := ParseDrugKey(row)
		if err != nil {
			continue
		}
		if k.Name == ref || k.ID == ref {
			return k, nil
		}
	}
	return DrugKey{}, fmt.Errorf("%w: %s", ErrDrugNotFound, ref)
}
