// Package arrowio converts between gonum matrices and Arrow RecordBatches.
// Batches carry one FixedSizeList<float64> column per named tensor, all
// columns sharing the batch dimension as the record row count.
package arrowio

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"gonum.org/v1/gonum/mat"
)

// MatrixFromRecord extracts the named FixedSizeList<float64> column into a
// fresh (rows, listWidth) matrix.
func MatrixFromRecord(rec arrow.RecordBatch, name string) (*mat.Dense, error) {
	indices := rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return nil, fmt.Errorf("record has no column %q", name)
	}
	col := rec.Column(indices[0])

	fsl, ok := col.(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("column %q has type %s, want fixed_size_list<float64>", name, col.DataType())
	}
	vals, ok := fsl.ListValues().(*array.Float64)
	if !ok {
		return nil, fmt.Errorf("column %q holds %s values, want float64", name, fsl.ListValues().DataType())
	}

	width := int(fsl.DataType().(*arrow.FixedSizeListType).Len())
	rows := fsl.Len()
	offset := fsl.Data().Offset()

	out := mat.NewDense(rows, width, nil)
	for i := 0; i < rows; i++ {
		start := (offset + i) * width
		dst := out.RawRowView(i)
		for j := 0; j < width; j++ {
			dst[j] = vals.Value(start + j)
		}
	}
	return out, nil
}

// MatricesFromRecord extracts several equally named columns at once.
func MatricesFromRecord(rec arrow.RecordBatch, names ...string) ([]*mat.Dense, error) {
	out := make([]*mat.Dense, len(names))
	for i, name := range names {
		m, err := MatrixFromRecord(rec, name)
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

// RecordFromMatrices packs named matrices into one RecordBatch. All matrices
// must share dimensions; the caller owns the returned record.
func RecordFromMatrices(mem memory.Allocator, names []string, matrices []*mat.Dense) (arrow.RecordBatch, error) {
	if len(names) == 0 || len(names) != len(matrices) {
		return nil, fmt.Errorf("got %d names for %d matrices", len(names), len(matrices))
	}

	rows, cols := matrices[0].Dims()
	fields := make([]arrow.Field, len(names))
	arrays := make([]arrow.Array, len(names))

	for idx, m := range matrices {
		r, c := m.Dims()
		if r != rows || c != cols {
			return nil, fmt.Errorf("matrix %q shape (%d,%d) does not match (%d,%d)", names[idx], r, c, rows, cols)
		}

		builder := array.NewFixedSizeListBuilder(mem, int32(cols), arrow.PrimitiveTypes.Float64)
		valueBuilder := builder.ValueBuilder().(*array.Float64Builder)
		for i := 0; i < rows; i++ {
			builder.Append(true)
			valueBuilder.AppendValues(m.RawRowView(i), nil)
		}
		arrays[idx] = builder.NewArray()
		builder.Release()

		fields[idx] = arrow.Field{
			Name: names[idx],
			Type: arrow.FixedSizeListOf(int32(cols), arrow.PrimitiveTypes.Float64),
		}
	}

	schema := arrow.NewSchema(fields, nil)
	rec := array.NewRecordBatch(schema, arrays, int64(rows))
	for _, arr := range arrays {
		arr.Release()
	}
	return rec, nil
}

// WriteRecords writes the records to w as one Arrow IPC stream. All records
// must share a schema.
func WriteRecords(w io.Writer, recs ...arrow.RecordBatch) error {
	if len(recs) == 0 {
		return nil
	}
	writer := ipc.NewWriter(w, ipc.WithSchema(recs[0].Schema()))
	for _, rec := range recs {
		if err := writer.Write(rec); err != nil {
			_ = writer.Close()
			return err
		}
	}
	return writer.Close()
}
