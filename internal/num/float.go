// Package num provides a float64 that round-trips NaN and ±Inf through JSON and SQL as null.
package num

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Float is a float64 whose non-finite values serialize as null.
type Float float64

// NaN returns a missing Float.
func NaN() Float { return Float(math.NaN()) }

// Valid reports whether f is finite.
func (f Float) Valid() bool {
	v := float64(f)
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// MarshalJSON implements json.Marshaler.
func (f Float) MarshalJSON() ([]byte, error) {
	if !f.Valid() {
		return []byte("null"), nil
	}
	return json.Marshal(float64(f))
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Float) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*f = NaN()
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// Value implements driver.Valuer.
func (f Float) Value() (driver.Value, error) {
	if !f.Valid() {
		return nil, nil
	}
	return float64(f), nil
}

// Scan implements sql.Scanner.
func (f *Float) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*f = NaN()
	case float64:
		*f = Float(v)
	case int64:
		*f = Float(v)
	default:
		return fmt.Errorf("num: cannot scan %T into Float", src)
	}
	return nil
}

// UnmarshalCSV parses a table cell; empty and NA cells are missing.
func (f *Float) UnmarshalCSV(s string) error {
	s = strings.TrimSpace(s)
	switch s {
	case "", "NA", "NaN", "nan":
		*f = NaN()
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("num: %w", err)
	}
	*f = Float(v)
	return nil
}

// MarshalCSV writes missing values as empty cells.
func (f Float) MarshalCSV() (string, error) {
	if !f.Valid() {
		return "", nil
	}
	return strconv.FormatFloat(float64(f), 'g', -1, 64), nil
}

// Slice converts a []float64.
func Slice(vs []float64) []Float {
	if vs == nil {
		return nil
	}
	out := make([]Float, len(vs))
	for i, v := range vs {
		out[i] = Float(v)
	}
	return out
}

// Float64s converts back to []float64.
func Float64s(vs []Float) []float64 {
	if vs == nil {
		return nil
	}
	out := make([]float64, len(vs))
	for i, v := range vs {
		out[i] = float64(v)
	}
	return out
}
