// Package snapshot stores named tensors as an Arrow IPC stream: one row
// per tensor with its dtype, dims, scales and data. Snapshots hold model
// weights, regression fixtures and dumped outputs.
package snapshot

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/23skdu/longbow-lite/internal/tensor"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const (
	colName = iota
	colDType
	colDims
	colScale
	colF32
	colI8
	colI32
)

var schemaMeta = arrow.MetadataFrom(map[string]string{"format": "longbow-lite-snapshot", "version": "1"})

// Schema is the layout of every snapshot record batch.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "dtype", Type: arrow.BinaryTypes.String},
	{Name: "dims", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "scale", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	{Name: "f32", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	{Name: "i8", Type: arrow.ListOf(arrow.PrimitiveTypes.Int8)},
	{Name: "i32", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
}, &schemaMeta)

// Entry is one named tensor.
type Entry struct {
	Name   string
	Tensor *tensor.Tensor
}

// Write encodes entries as a single record batch.
func Write(w io.Writer, entries []Entry) error {
	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	names := b.Field(colName).(*array.StringBuilder)
	dtypes := b.Field(colDType).(*array.StringBuilder)
	dims := b.Field(colDims).(*array.ListBuilder)
	scales := b.Field(colScale).(*array.ListBuilder)
	f32 := b.Field(colF32).(*array.ListBuilder)
	i8 := b.Field(colI8).(*array.ListBuilder)
	i32 := b.Field(colI32).(*array.ListBuilder)

	for _, e := range entries {
		t := e.Tensor
		if t == nil || t.Released() {
			return fmt.Errorf("snapshot: tensor %q has no data", e.Name)
		}
		names.Append(e.Name)
		dtypes.Append(t.DType().String())

		dims.Append(true)
		dv := dims.ValueBuilder().(*array.Int64Builder)
		for _, d := range t.Dims() {
			dv.Append(int64(d))
		}
		scales.Append(true)
		scales.ValueBuilder().(*array.Float32Builder).AppendValues(t.Scale(), nil)

		f32.Append(true)
		i8.Append(true)
		i32.Append(true)
		switch t.DType() {
		case tensor.Float32:
			f32.ValueBuilder().(*array.Float32Builder).AppendValues(t.Float32s(), nil)
		case tensor.Int8:
			i8.ValueBuilder().(*array.Int8Builder).AppendValues(t.Int8s(), nil)
		case tensor.Int32:
			i32.ValueBuilder().(*array.Int32Builder).AppendValues(t.Int32s(), nil)
		default:
			return fmt.Errorf("snapshot: tensor %q has unsupported dtype %s", e.Name, t.DType())
		}
	}

	rec := b.NewRecord()
	defer rec.Release()

	wr := ipc.NewWriter(w, ipc.WithSchema(Schema), ipc.WithAllocator(mem))
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("snapshot: write record: %w", err)
	}
	return wr.Close()
}

// WriteFile writes entries to path, replacing it.
func WriteFile(path string, entries []Entry) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := Write(bw, entries); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Read decodes every record batch of a snapshot stream. Tensors own their
// data; nothing references Arrow memory afterwards.
func Read(r io.Reader) ([]Entry, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("snapshot: open stream: %w", err)
	}
	defer rdr.Release()
	if err := checkSchema(rdr.Schema()); err != nil {
		return nil, err
	}

	var out []Entry
	for rdr.Next() {
		rec := rdr.Record()
		entries, err := decode(rec.Columns(), int(rec.NumRows()))
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("snapshot: read: %w", err)
	}
	return out, nil
}

// ReadFile reads the snapshot at path.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(bufio.NewReader(f))
}

func checkSchema(got *arrow.Schema) error {
	want := Schema.Fields()
	fields := got.Fields()
	if len(fields) != len(want) {
		return fmt.Errorf("snapshot: schema has %d fields, want %d", len(fields), len(want))
	}
	for i, f := range fields {
		if f.Name != want[i].Name || !arrow.TypeEqual(f.Type, want[i].Type) {
			return fmt.Errorf("snapshot: field %d is %s %s, want %s %s", i, f.Name, f.Type, want[i].Name, want[i].Type)
		}
	}
	return nil
}

func listSlice(col arrow.Array, row int) (arrow.Array, int, int) {
	l := col.(*array.List)
	start, end := l.ValueOffsets(row)
	return l.ListValues(), int(start), int(end)
}

func decode(cols []arrow.Array, rows int) ([]Entry, error) {
	names := cols[colName].(*array.String)
	dtypes := cols[colDType].(*array.String)
	out := make([]Entry, 0, rows)
	for row := 0; row < rows; row++ {
		name := names.Value(row)

		vals, s, e := listSlice(cols[colDims], row)
		dims := make([]int, 0, e-s)
		for _, d := range vals.(*array.Int64).Int64Values()[s:e] {
			dims = append(dims, int(d))
		}

		numel := tensor.Dims(dims).Production()
		var t *tensor.Tensor
		switch dt := dtypes.Value(row); dt {
		case tensor.Float32.String():
			vals, s, e := listSlice(cols[colF32], row)
			if e-s != numel {
				return nil, fmt.Errorf("snapshot: tensor %q has %d values for dims %v", name, e-s, dims)
			}
			t = tensor.FromFloat32(append([]float32(nil), vals.(*array.Float32).Float32Values()[s:e]...), dims...)
		case tensor.Int8.String():
			vals, s, e := listSlice(cols[colI8], row)
			if e-s != numel {
				return nil, fmt.Errorf("snapshot: tensor %q has %d values for dims %v", name, e-s, dims)
			}
			t = tensor.FromInt8(append([]int8(nil), vals.(*array.Int8).Int8Values()[s:e]...), dims...)
		case tensor.Int32.String():
			vals, s, e := listSlice(cols[colI32], row)
			if e-s != numel {
				return nil, fmt.Errorf("snapshot: tensor %q has %d values for dims %v", name, e-s, dims)
			}
			t = tensor.New(tensor.Int32, dims...)
			copy(t.Int32s(), vals.(*array.Int32).Int32Values()[s:e])
		default:
			return nil, fmt.Errorf("snapshot: tensor %q has unknown dtype %q", name, dt)
		}

		sv, s, e := listSlice(cols[colScale], row)
		if e > s {
			t.SetScale(sv.(*array.Float32).Float32Values()[s:e]...)
		}
		t.SetName(name)
		out = append(out, Entry{Name: name, Tensor: t})
	}
	return out, nil
}

// Index maps entries by name. Later duplicates win.
func Index(entries []Entry) map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(entries))
	for _, e := range entries {
		out[e.Name] = e.Tensor
	}
	return out
}
