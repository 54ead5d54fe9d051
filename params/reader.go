package params

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-json"
	"github.com/rlch/drover"
	"gopkg.in/yaml.v3"
)

// Reader parses one parameter file format into rows.
type Reader interface {
	Read(r io.Reader) ([]Row, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(r io.Reader) ([]Row, error)

// Read calls f(r).
func (f ReaderFunc) Read(r io.Reader) ([]Row, error) { return f(r) }

var readers = map[string]Reader{
	".csv":  ReaderFunc(readCSV),
	".yaml": ReaderFunc(readYAML),
	".yml":  ReaderFunc(readYAML),
	".json": ReaderFunc(readJSON),
	".toml": ReaderFunc(readTOML),
}

// RegisterReader registers a reader for a file extension such as ".xlsx".
func RegisterReader(ext string, r Reader) {
	readers[strings.ToLower(ext)] = r
}

// Load reads a parameter file, choosing the reader by extension.
func Load(path string, mode Mode, opts ...Option) (*Source, error) {
	ext := strings.ToLower(filepath.Ext(path))

	reader, ok := readers[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := reader.Read(f)
	if err != nil {
		return nil, fmt.Errorf("params: %s: %w", path, err)
	}

	return New(rows, mode, opts...), nil
}

// Open builds the Source described by spec. Relative file paths resolve
// against dir.
func Open(spec *drover.ParamSpec, dir string, opts ...Option) (*Source, error) {
	mode, err := ParseMode(spec.Mode)
	if err != nil {
		return nil, err
	}

	if spec.File == "" {
		return FromMaps(spec.Rows, mode, opts...), nil
	}

	path := spec.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}

	return Load(path, mode, opts...)
}

func readCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	var rows []Row

	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}

		if err != nil {
			return nil, err
		}

		row := NewRow()
		for i, col := range header {
			row.Set(col, record[i])
		}

		rows = append(rows, row)
	}
}

func readYAML(r io.Reader) ([]Row, error) {
	var rows []Row

	err := yaml.NewDecoder(r).Decode(&rows)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}

	return rows, err
}

func readJSON(r io.Reader) ([]Row, error) {
	var rows []Row

	err := json.NewDecoder(r).Decode(&rows)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}

	return rows, err
}

// readTOML reads an array of tables named rows:
//
//	[[rows]]
//	user = "alice"
func readTOML(r io.Reader) ([]Row, error) {
	var doc struct {
		Rows []map[string]any `toml:"rows"`
	}

	md, err := toml.NewDecoder(r).Decode(&doc)
	if err != nil {
		return nil, err
	}

	// Map iteration loses column order; recover it from the document keys.
	var order []string

	seen := make(map[string]bool)

	for _, key := range md.Keys() {
		if len(key) == 2 && key[0] == "rows" && !seen[key[1]] {
			seen[key[1]] = true
			order = append(order, key[1])
		}
	}

	rows := make([]Row, 0, len(doc.Rows))
	for _, m := range doc.Rows {
		row := NewRow()

		for _, col := range order {
			if v, ok := m[col]; ok {
				row.Set(col, v)
			}
		}

		rows = append(rows, row)
	}

	return rows, nil
}
