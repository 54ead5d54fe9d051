// Package params provides cursor-based parameter tables that feed named
// values into a script's context, one row per iteration.
package params

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Sentinel errors.
var (
	// ErrEmptyTable is returned when values are read from a table with no rows.
	ErrEmptyTable = errors.New("params: EMPTY_TABLE")

	// ErrUnsupportedFormat is returned when no reader handles a file.
	ErrUnsupportedFormat = errors.New("params: UNSUPPORTED_FORMAT")

	// ErrUnknownColumn is returned by Scalar for a column the table lacks.
	ErrUnknownColumn = errors.New("params: unknown column")

	// ErrInvalidMode is returned for a selection mode other than sequential or random.
	ErrInvalidMode = errors.New("params: invalid mode")
)

// Mode selects how Advance picks the next row.
type Mode string

// Selection modes.
const (
	Sequential Mode = "sequential"
	Random     Mode = "random"
)

// ParseMode parses a mode name; the empty string means Sequential.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", Sequential:
		return Sequential, nil
	case Random:
		return Random, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Row is one named-value record. Column order is preserved.
type Row = *orderedmap.OrderedMap[string, any]

// NewRow builds a row from alternating column names and values.
func NewRow(kv ...any) Row {
	row := orderedmap.New[string, any]()

	for i := 0; i+1 < len(kv); i += 2 {
		row.Set(fmt.Sprint(kv[i]), kv[i+1])
	}

	return row
}

// Source is a table of rows plus a cursor. Only Advance moves the cursor.
// A Source is not safe for concurrent use; each lane owns its own.
type Source struct {
	rows    []Row
	columns []string
	cursor  int
	mode    Mode
	rand    *rand.Rand
}

// Option configures a Source.
type Option func(*Source)

// WithRand sets the random generator used in Random mode.
func WithRand(r *rand.Rand) Option {
	return func(s *Source) {
		s.rand = r
	}
}

// WithSeed seeds the random generator used in Random mode.
func WithSeed(seed uint64) Option {
	return WithRand(rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)))
}

// New creates a Source over rows. The cursor starts at 0.
func New(rows []Row, mode Mode, opts ...Option) *Source {
	if mode == "" {
		mode = Sequential
	}

	s := &Source{
		rows:    rows,
		columns: columnsOf(rows),
		mode:    mode,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.rand == nil {
		s.rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	return s
}

// FromMaps creates a Source from plain maps, ordering columns by name.
func FromMaps(maps []map[string]any, mode Mode, opts ...Option) *Source {
	rows := make([]Row, 0, len(maps))

	for _, m := range maps {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}

		slices.Sort(keys)

		row := orderedmap.New[string, any](len(keys))
		for _, k := range keys {
			row.Set(k, m[k])
		}

		rows = append(rows, row)
	}

	return New(rows, mode, opts...)
}

// Len returns the row count.
func (s *Source) Len() int { return len(s.rows) }

// Cursor returns the current row index.
func (s *Source) Cursor() int { return s.cursor }

// Mode returns the selection mode.
func (s *Source) Mode() Mode { return s.mode }

// Columns returns column names in first-seen order across all rows.
func (s *Source) Columns() []string { return slices.Clone(s.columns) }

// Advance moves the cursor. Sequential mode wraps to 0 after the last row;
// random mode draws a uniform index independent of the previous one.
// Advancing an empty table does nothing.
func (s *Source) Advance() {
	n := len(s.rows)
	if n == 0 {
		return
	}

	switch s.mode {
	case Random:
		s.cursor = s.rand.IntN(n)
	default:
		s.cursor = (s.cursor + 1) % n
	}
}

// Current returns a copy of the row under the cursor.
func (s *Source) Current() (map[string]any, error) {
	if len(s.rows) == 0 {
		return nil, ErrEmptyTable
	}

	row := s.rows[s.cursor]
	values := make(map[string]any, row.Len())

	for pair := row.Oldest(); pair != nil; pair = pair.Next() {
		values[pair.Key] = pair.Value
	}

	return values, nil
}

// Scalar returns one value from the row under the cursor.
func (s *Source) Scalar(name string) (any, error) {
	if len(s.rows) == 0 {
		return nil, ErrEmptyTable
	}

	v, ok := s.rows[s.cursor].Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, name)
	}

	return v, nil
}

// Clone returns an independent Source over the same rows, cursor reset to 0.
// Rows are immutable once loaded, so they are shared.
func (s *Source) Clone() *Source {
	return &Source{
		rows:    s.rows,
		columns: s.columns,
		mode:    s.mode,
		rand:    rand.New(rand.NewPCG(s.rand.Uint64(), s.rand.Uint64())),
	}
}

// Partition splits the table for n lanes. When there are at least n rows
// each lane gets a disjoint block of Len()/n rows and any remainder is
// unused. With fewer rows than lanes every lane gets a full clone.
func (s *Source) Partition(n int) []*Source {
	if n <= 0 {
		return nil
	}

	parts := make([]*Source, n)

	if len(s.rows) < n {
		for i := range parts {
			parts[i] = s.Clone()
		}

		return parts
	}

	size := len(s.rows) / n
	for i := range parts {
		block := s.rows[i*size : (i+1)*size : (i+1)*size]
		parts[i] = &Source{
			rows:    block,
			columns: columnsOf(block),
			mode:    s.mode,
			rand:    rand.New(rand.NewPCG(s.rand.Uint64(), s.rand.Uint64())),
		}
	}

	return parts
}

func columnsOf(rows []Row) []string {
	var cols []string

	seen := make(map[string]bool)

	for _, row := range rows {
		for pair := row.Oldest(); pair != nil; pair = pair.Next() {
			if !seen[pair.Key] {
				seen[pair.Key] = true
				cols = append(cols, pair.Key)
			}
		}
	}

	return cols
}
