// Package frame defines the tabular result type shared by providers, the
// partition store and the cache orchestrator.
package frame

import (
	"sort"

	"github.com/quantpulse/tscache/pkg/timerange"
)

// DateField is the column every time-series frame is keyed by.
const DateField = "date"

// Frame is an ordered set of named columns holding string-typed rows, the
// shape upstream market data providers return.
type Frame struct {
	Fields []string   `json:"fields"`
	Rows   [][]string `json:"rows"`
}

// New returns an empty frame with the given field list.
func New(fields []string) *Frame {
	return &Frame{Fields: fields}
}

// NumRows returns the number of rows in the frame.
func (f *Frame) NumRows() int {
	if f == nil {
		return 0
	}
	return len(f.Rows)
}

// Empty reports whether the frame is nil or holds no rows.
func (f *Frame) Empty() bool {
	return f.NumRows() == 0
}

// FieldIndex returns the position of name in Fields, or -1 when absent.
func (f *Frame) FieldIndex(name string) int {
	if f == nil {
		return -1
	}
	for i, field := range f.Fields {
		if field == name {
			return i
		}
	}
	return -1
}

// Append adds a row. Rows shorter than Fields are padded with empty strings.
func (f *Frame) Append(row []string) {
	for len(row) < len(f.Fields) {
		row = append(row, "")
	}
	f.Rows = append(f.Rows, row)
}

// Concat appends all rows of others that share this frame's field list. The
// receiver's field order wins; rows from frames with differing fields are
// remapped by field name, with missing fields left empty.
func (f *Frame) Concat(others ...*Frame) {
	for _, o := range others {
		if o.Empty() {
			continue
		}
		if sameFields(f.Fields, o.Fields) {
			f.Rows = append(f.Rows, o.Rows...)
			continue
		}
		mapping := make([]int, len(f.Fields))
		for i, field := range f.Fields {
			mapping[i] = o.FieldIndex(field)
		}
		for _, row := range o.Rows {
			remapped := make([]string, len(f.Fields))
			for i, src := range mapping {
				if src >= 0 && src < len(row) {
					remapped[i] = row[src]
				}
			}
			f.Rows = append(f.Rows, remapped)
		}
	}
}

// DedupeByDate removes rows sharing a date, keeping the last occurrence, and
// sorts the surviving rows by date ascending. Frames without a date column
// are left untouched.
func (f *Frame) DedupeByDate() {
	idx := f.FieldIndex(DateField)
	if idx < 0 || f.Empty() {
		return
	}

	seen := make(map[string]int, len(f.Rows))
	for i, row := range f.Rows {
		if idx < len(row) {
			seen[row[idx]] = i
		}
	}

	kept := make([][]string, 0, len(seen))
	for i, row := range f.Rows {
		if idx >= len(row) {
			continue
		}
		if seen[row[idx]] == i {
			kept = append(kept, row)
		}
	}
	sort.Slice(kept, func(a, b int) bool {
		return kept[a][idx] < kept[b][idx]
	})

	f.Rows = kept
}

// FilterRange drops rows whose date falls outside r. Frames without a date
// column are left untouched.
func (f *Frame) FilterRange(r timerange.Range) {
	idx := f.FieldIndex(DateField)
	if idx < 0 || f.Empty() {
		return
	}

	kept := f.Rows[:0:0]
	for _, row := range f.Rows {
		if idx < len(row) && r.Contains(row[idx]) {
			kept = append(kept, row)
		}
	}
	f.Rows = kept
}

// Project returns a new frame restricted to the requested fields, keeping
// only those present in the frame. Requesting no fields, or none that exist,
// returns the frame unchanged.
func (f *Frame) Project(fields []string) *Frame {
	if f == nil || len(fields) == 0 {
		return f
	}

	var (
		keepNames []string
		keepIdx   []int
	)
	for _, name := range fields {
		if i := f.FieldIndex(name); i >= 0 {
			keepNames = append(keepNames, name)
			keepIdx = append(keepIdx, i)
		}
	}
	if len(keepIdx) == 0 || len(keepIdx) == len(f.Fields) {
		return f
	}

	out := New(keepNames)
	for _, row := range f.Rows {
		projected := make([]string, len(keepIdx))
		for i, src := range keepIdx {
			if src < len(row) {
				projected[i] = row[src]
			}
		}
		out.Rows = append(out.Rows, projected)
	}
	return out
}

// Column returns all values of the named field, or nil when absent.
func (f *Frame) Column(name string) []string {
	idx := f.FieldIndex(name)
	if idx < 0 {
		return nil
	}
	values := make([]string, 0, len(f.Rows))
	for _, row := range f.Rows {
		if idx < len(row) {
			values = append(values, row[idx])
		}
	}
	return values
}

func sameFields(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
