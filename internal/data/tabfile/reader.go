// Package tabfile reads delimited sample matrices (drug response, screen
// scores, event indicators) from plain or compressed flat files.
package tabfile

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/csimplestring/go-csv/detector"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/xi2/xz"

	"github.com/cdrug/server/internal/table"
)

// IndexSep joins multi-column row indexes into one row key.
const IndexSep = ";"

var (
	// ErrEmptyFile indicates a file without a header row.
	ErrEmptyFile = errors.New("tabfile: empty file")
	// ErrBadHeader indicates a header with no sample columns.
	ErrBadHeader = errors.New("tabfile: header has no sample columns")
	// ErrParse indicates a value that is neither numeric nor a missing marker.
	ErrParse = errors.New("tabfile: invalid value")
)

// Compression identifies the encoding of an input stream.
type Compression byte

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
	CompressionXZ
)

var magic = map[Compression][]byte{
	CompressionGzip: {0x1f, 0x8b, 0x08},
	CompressionZstd: {0x28, 0xb5, 0x2f, 0xfd},
	CompressionXZ:   {0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00},
}

var compressedExt = map[string]bool{".gz": true, ".zst": true, ".xz": true}

// Options controls how a matrix file is parsed.
type Options struct {
	// IndexColumns is the number of leading columns forming the row key. Default 1.
	IndexColumns int
	// Comma overrides the delimiter inferred from the file name.
	Comma rune
}

// ReadMatrix loads a matrix whose header is the index column names followed by
// sample ids, and whose rows are index fields followed by one value per sample.
func ReadMatrix(path string, opts Options) (*table.Matrix, error) {
	raw, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	comma := opts.Comma
	if comma == 0 {
		comma = Delimiter(path, raw)
	}
	m, err := ParseMatrix(bytes.NewReader(raw), comma, opts.IndexColumns)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ParseMatrix parses a delimited matrix from r.
func ParseMatrix(r io.Reader, comma rune, indexColumns int) (*table.Matrix, error) {
	if indexColumns <= 0 {
		indexColumns = 1
	}
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	if len(header) <= indexColumns {
		return nil, fmt.Errorf("%w: %d fields for %d index columns", ErrBadHeader, len(header), indexColumns)
	}
	cols := make([]string, 0, len(header)-indexColumns)
	for _, h := range header[indexColumns:] {
		cols = append(cols, strings.TrimSpace(h))
	}

	var rows []string
	var data []float64
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		key := make([]string, indexColumns)
		for i := range key {
			key[i] = strings.TrimSpace(rec[i])
		}
		rows = append(rows, strings.Join(key, IndexSep))
		for j, field := range rec[indexColumns:] {
			v, err := ParseValue(field)
			if err != nil {
				return nil, fmt.Errorf("line %d, column %s: %w", line, cols[j], err)
			}
			data = append(data, v)
		}
	}
	return table.NewMatrix(rows, cols, data)
}

// ParseValue parses one cell. Empty cells, NA/NaN markers and infinities are
// missing (NaN).
func ParseValue(field string) (float64, error) {
	s := strings.TrimSpace(field)
	switch s {
	case "", "NA", "NaN", "nan", "NAN", "na":
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN(), fmt.Errorf("%w: %q", ErrParse, field)
	}
	if math.IsInf(v, 0) {
		return math.NaN(), nil
	}
	return v, nil
}

// ReadGeneList reads one gene symbol per line, skipping blanks and # comments.
// Only the first field of a delimited line is used, so a one-column table with a
// header works when the header is commented out.
func ReadGeneList(path string) ([]string, error) {
	raw, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	var genes []string
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexAny(line, "\t,"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		genes = append(genes, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return genes, nil
}

// Delimiter picks the field separator for a file: ".csv" is comma, ".tsv" and
// ".txt" are tab, anything else is detected from the content and falls back to tab.
func Delimiter(path string, content []byte) rune {
	name := strings.ToLower(path)
	if ext := filepath.Ext(name); compressedExt[ext] {
		name = strings.TrimSuffix(name, ext)
	}
	switch filepath.Ext(name) {
	case ".csv":
		return ','
	case ".tsv", ".txt", ".tab":
		return '\t'
	}
	if len(content) == 0 {
		return '\t'
	}
	d := detector.New()
	if found := d.DetectDelimiter(bytes.NewReader(content), '"'); len(found) > 0 && found[0] != "" {
		return rune(found[0][0])
	}
	return '\t'
}

// DetectCompression identifies a stream from its leading bytes.
func DetectCompression(head []byte) Compression {
Outer:
	for c, sig := range magic {
		if len(head) < len(sig) {
			continue
		}
		for i := range sig {
			if head[i] != sig[i] {
				continue Outer
			}
		}
		return c
	}
	return CompressionNone
}

// Open returns a reader over the decompressed content of path.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)
	head, _ := br.Peek(6)

	switch DetectCompression(head) {
	case CompressionGzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%s: gzip: %w", path, err)
		}
		return &stackedCloser{Reader: zr, closers: []io.Closer{zr, f}}, nil
	case CompressionZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%s: zstd: %w", path, err)
		}
		return &stackedCloser{Reader: zr, closers: []io.Closer{zstdCloser{zr}, f}}, nil
	case CompressionXZ:
		xr, err := xz.NewReader(br, 0)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%s: xz: %w", path, err)
		}
		return &stackedCloser{Reader: xr, closers: []io.Closer{f}}, nil
	}
	return &stackedCloser{Reader: br, closers: []io.Closer{f}}, nil
}

// ReadAll returns the decompressed content of path.
func ReadAll(path string) ([]byte, error) {
	rc, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return raw, nil
}

// stackedCloser closes decompressors before the underlying file.
type stackedCloser struct {
	io.Reader
	closers []io.Closer
}

func (c *stackedCloser) Close() error {
	var first error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type zstdCloser struct{ d *zstd.Decoder }

func (z zstdCloser) Close() error {
	z.d.Close()
	return nil
}
