package partition

import (
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"

	"github.com/quantpulse/tscache/pkg/frame"
)

// ErrNotStringColumn is returned when a partition file holds a non-string column
var ErrNotStringColumn = errors.New("partition column is not string-typed")

// encodeFrame writes f to w as an Arrow IPC file with one string column per
// field. The IPC file format backpatches its footer, so the destination must
// seek.
func encodeFrame(w io.WriteSeeker, f *frame.Frame) error {
	alloc := memory.NewGoAllocator()

	fields := make([]arrow.Field, len(f.Fields))
	for i, name := range f.Fields {
		fields[i] = arrow.Field{Name: name, Type: arrow.BinaryTypes.String}
	}
	schema := arrow.NewSchema(fields, nil)

	builder := array.NewRecordBuilder(alloc, schema)
	defer builder.Release()

	for _, row := range f.Rows {
		for i := range f.Fields {
			val := ""
			if i < len(row) {
				val = row[i]
			}
			builder.Field(i).(*array.StringBuilder).Append(val)
		}
	}

	rec := builder.NewRecord()
	defer rec.Release()

	writer, err := ipc.NewFileWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(alloc))
	if err != nil {
		return fmt.Errorf("failed to create ipc writer: %w", err)
	}

	if err := writer.Write(rec); err != nil {
		writer.Close() //nolint:errcheck,gosec // Write error takes precedence
		return fmt.Errorf("failed to write record: %w", err)
	}

	return writer.Close()
}

// decodeFrame reads an Arrow IPC file back into a frame, optionally projected
// to the requested columns. Requested columns absent from the file schema are
// skipped; when none of the requested columns exist an empty frame is
// returned.
func decodeFrame(r ipc.ReadAtSeeker, columns []string) (*frame.Frame, error) {
	reader, err := ipc.NewFileReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("failed to open ipc reader: %w", err)
	}
	defer reader.Close()

	schema := reader.Schema()

	indices := projectIndices(schema, columns)
	if len(indices) == 0 {
		return frame.New(nil), nil
	}

	names := make([]string, len(indices))
	for i, idx := range indices {
		names[i] = schema.Field(idx).Name
	}

	out := frame.New(names)

	for i := 0; i < reader.NumRecords(); i++ {
		rec, err := reader.Record(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read record %d: %w", i, err)
		}

		cols := make([]*array.String, len(indices))
		for j, idx := range indices {
			strCol, ok := rec.Column(idx).(*array.String)
			if !ok {
				return nil, ErrNotStringColumn
			}
			cols[j] = strCol
		}

		for row := 0; row < int(rec.NumRows()); row++ {
			values := make([]string, len(cols))
			for j, col := range cols {
				values[j] = col.Value(row)
			}
			out.Rows = append(out.Rows, values)
		}
	}

	return out, nil
}

// projectIndices maps requested column names onto schema field indices. The
// date column is always included when present so range filtering keeps
// working on projected reads. When none of the requested columns exist in
// the schema, nothing is selected.
func projectIndices(schema *arrow.Schema, columns []string) []int {
	all := make([]int, schema.NumFields())
	for i := range all {
		all[i] = i
	}
	if len(columns) == 0 {
		return all
	}

	want := make(map[string]bool, len(columns)+1)
	want[frame.DateField] = true
	for _, c := range columns {
		want[c] = true
	}

	var indices []int
	matched := false
	for i := 0; i < schema.NumFields(); i++ {
		name := schema.Field(i).Name
		if want[name] {
			indices = append(indices, i)
			if name != frame.DateField {
				matched = true
			}
		}
	}

	if !matched {
		return nil
	}
	return indices
}
