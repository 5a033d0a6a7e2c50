// Package parser turns raw statement text into a Table of string cells.
// No type coercion happens here: dates and amounts stay as the bank wrote
// them and are interpreted by later stages.
package parser

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ParseError reports malformed delimited text, typically an unbalanced or
// stray quote.
type ParseError struct {
	Line    int
	Column  int
	Message string
	Err     error
}

func (e ParseError) Error() string {
	return fmt.Sprintf("line %d, column %d: %s", e.Line, e.Column, e.Message)
}

func (e ParseError) Unwrap() error {
	return e.Err
}

// IndexError reports access to a row, or with Column set a column,
// outside the table.
type IndexError struct {
	Index  int
	Count  int
	Column bool
}

func (e IndexError) Error() string {
	axis := "row"
	if e.Column {
		axis = "column"
	}
	return fmt.Sprintf("%s index %d out of range [0, %d)", axis, e.Index, e.Count)
}

// Table is an immutable grid of cells. Every row has ColumnCount cells.
type Table struct {
	rows  [][]string
	width int
}

// New builds a Table from rows, copying them and right-padding short rows
// with empty cells so every row has the width of the widest one.
func New(rows [][]string) *Table {
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}

	copied := make([][]string, len(rows))
	for i, row := range rows {
		cells := make([]string, width)
		copy(cells, row)
		copied[i] = cells
	}

	return &Table{rows: copied, width: width}
}

type options struct {
	delimiter rune
}

// Option configures Parse.
type Option func(*options)

// WithDelimiter sets the field delimiter (default ',').
func WithDelimiter(r rune) Option {
	return func(o *options) {
		o.delimiter = r
	}
}

// Parse parses delimited text. Quoted fields may contain delimiters and
// newlines. Empty lines and rows whose cells are all blank are dropped.
func Parse(text string, opts ...Option) (*Table, error) {
	return ParseReader(strings.NewReader(text), opts...)
}

// ParseReader is Parse over an io.Reader. A UTF-8 BOM is stripped and
// input that is not valid UTF-8 is decoded as Latin-1.
func ParseReader(r io.Reader, opts ...Option) (*Table, error) {
	o := options{delimiter: ','}
	for _, opt := range opts {
		opt(&o)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read statement: %w", err)
	}

	cr := csv.NewReader(bytes.NewReader(normalizeText(data)))
	cr.Comma = o.delimiter
	cr.FieldsPerRecord = -1

	var rows [][]string
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var csvErr *csv.ParseError
			if errors.As(err, &csvErr) {
				return nil, ParseError{
					Line:    csvErr.StartLine,
					Column:  csvErr.Column,
					Message: csvErr.Err.Error(),
					Err:     csvErr.Err,
				}
			}
			return nil, fmt.Errorf("failed to parse statement: %w", err)
		}
		if isBlankRow(record) {
			continue
		}
		rows = append(rows, record)
	}

	return New(rows), nil
}

// Row returns a copy of row i.
func (t *Table) Row(i int) ([]string, error) {
	if i < 0 || i >= len(t.rows) {
		return nil, IndexError{Index: i, Count: len(t.rows)}
	}
	out := make([]string, len(t.rows[i]))
	copy(out, t.rows[i])
	return out, nil
}

// Cell returns the cell at row i, column j.
func (t *Table) Cell(i, j int) (string, error) {
	if i < 0 || i >= len(t.rows) {
		return "", IndexError{Index: i, Count: len(t.rows)}
	}
	if j < 0 || j >= t.width {
		return "", IndexError{Index: j, Count: t.width, Column: true}
	}
	return t.rows[i][j], nil
}

// Rows returns a deep copy of all rows.
func (t *Table) Rows() [][]string {
	out := make([][]string, len(t.rows))
	for i := range t.rows {
		out[i], _ = t.Row(i)
	}
	return out
}

func (t *Table) RowCount() int {
	return len(t.rows)
}

func (t *Table) ColumnCount() int {
	return t.width
}

func isBlankRow(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
