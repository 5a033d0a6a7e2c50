package selector

import (
	"fmt"

	"github.com/FACorreiaa/statement-slicer/internal/domain/import/parser"
)

// SlicedTable is a materialized slice: row 0 is the header and rows
// 1..N are the selected data rows in source order.
type SlicedTable struct {
	Table *parser.Table
	Slice Slice
}

// WithTable returns a copy backed by t, used after a reshape. t must keep
// the same row count.
func (st *SlicedTable) WithTable(t *parser.Table) (*SlicedTable, error) {
	if t.RowCount() != st.Table.RowCount() {
		return nil, fmt.Errorf("reshaped table has %d rows, want %d", t.RowCount(), st.Table.RowCount())
	}
	return &SlicedTable{Table: t, Slice: st.Slice}, nil
}

// Header returns the header row.
func (st *SlicedTable) Header() []string {
	row, _ := st.Table.Row(0)
	return row
}

// DataRowCount is the number of rows below the header.
func (st *SlicedTable) DataRowCount() int {
	return st.Table.RowCount() - 1
}

// DataRow returns data row i (0-based, header excluded).
func (st *SlicedTable) DataRow(i int) ([]string, error) {
	if i < 0 || i >= st.DataRowCount() {
		return nil, parser.IndexError{Index: i, Count: st.DataRowCount()}
	}
	return st.Table.Row(i + 1)
}

// SourceRow maps data row i back to its index in the parsed statement.
func (st *SlicedTable) SourceRow(i int) int {
	return st.Slice.Start + i
}

// DataIndex maps a source row index to its data row index, or -1 when the
// source row lies outside the slice.
func (st *SlicedTable) DataIndex(sourceRow int) int {
	if sourceRow < st.Slice.Start || sourceRow > st.Slice.End {
		return -1
	}
	return sourceRow - st.Slice.Start
}

// ColumnIndex returns the position of name in the header, or -1.
func (st *SlicedTable) ColumnIndex(name string) int {
	for i, h := range st.Header() {
		if h == name {
			return i
		}
	}
	return -1
}
