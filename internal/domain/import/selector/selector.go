// Package selector tracks the operator's header, start and end row choices
// over a parsed statement and materializes the chosen slice.
package selector

import (
	"errors"
	"fmt"

	"github.com/FACorreiaa/statement-slicer/internal/domain/import/parser"
)

// ErrInvalidSelection is the sentinel wrapped by every rejected selection.
var ErrInvalidSelection = errors.New("invalid selection")

// SelectionError explains a rejected selection. The selector state is
// unchanged when one is returned.
type SelectionError struct {
	Op     string
	Row    int
	Reason string
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("%s(%d): %s", e.Op, e.Row, e.Reason)
}

func (e *SelectionError) Unwrap() error {
	return ErrInvalidSelection
}

// State of the selection.
type State int

const (
	AwaitingHeader State = iota
	AwaitingStart
	AwaitingEnd
	RangeComplete
)

func (s State) String() string {
	switch s {
	case AwaitingHeader:
		return "awaiting_header"
	case AwaitingStart:
		return "awaiting_start"
	case AwaitingEnd:
		return "awaiting_end"
	case RangeComplete:
		return "range_complete"
	default:
		return "unknown"
	}
}

// Slice is a header row plus an inclusive row range. Unset indices are -1.
type Slice struct {
	Header int
	Start  int
	End    int
}

// Len is the number of data rows in the slice.
func (s Slice) Len() int {
	if s.Start < 0 || s.End < s.Start {
		return 0
	}
	return s.End - s.Start + 1
}

// Selector is the range selection state machine. It is not safe for
// concurrent use; the owning session serializes access.
type Selector struct {
	table *parser.Table
	state State
	slice Slice
}

// New starts a selection over t.
func New(t *parser.Table) *Selector {
	return &Selector{
		table: t,
		state: AwaitingHeader,
		slice: Slice{Header: -1, Start: -1, End: -1},
	}
}

func (s *Selector) State() State {
	return s.state
}

// Selection returns the indices chosen so far.
func (s *Selector) Selection() Slice {
	return s.slice
}

// SelectHeader picks the header row. It is accepted in every state and
// clears any start and end chosen before.
func (s *Selector) SelectHeader(row int) error {
	if err := s.checkBounds("selectHeader", row); err != nil {
		return err
	}
	s.slice = Slice{Header: row, Start: -1, End: -1}
	s.state = AwaitingStart
	return nil
}

// SelectStart picks the first data row, which must come after the header.
// A previously chosen end is cleared.
func (s *Selector) SelectStart(row int) error {
	if s.state == AwaitingHeader {
		return &SelectionError{Op: "selectStart", Row: row, Reason: "no header row selected"}
	}
	if err := s.checkBounds("selectStart", row); err != nil {
		return err
	}
	if row <= s.slice.Header {
		return &SelectionError{Op: "selectStart", Row: row, Reason: fmt.Sprintf("must come after header row %d", s.slice.Header)}
	}
	s.slice.Start = row
	s.slice.End = -1
	s.state = AwaitingEnd
	return nil
}

// SelectEnd picks the last data row, which must come after the start row.
// Once the range is complete the end may be moved again.
func (s *Selector) SelectEnd(row int) error {
	if s.state != AwaitingEnd && s.state != RangeComplete {
		return &SelectionError{Op: "selectEnd", Row: row, Reason: "no start row selected"}
	}
	if err := s.checkBounds("selectEnd", row); err != nil {
		return err
	}
	if row <= s.slice.Start {
		return &SelectionError{Op: "selectEnd", Row: row, Reason: fmt.Sprintf("must come after start row %d", s.slice.Start)}
	}
	s.slice.End = row
	s.state = RangeComplete
	return nil
}

// Materialize projects the header row and the selected range into a new
// table. The source table is untouched.
func (s *Selector) Materialize() (*SlicedTable, error) {
	if s.state != RangeComplete {
		return nil, &SelectionError{Op: "materialize", Row: -1, Reason: fmt.Sprintf("range not complete (state %s)", s.state)}
	}

	rows := make([][]string, 0, s.slice.Len()+1)
	header, err := s.table.Row(s.slice.Header)
	if err != nil {
		return nil, err
	}
	rows = append(rows, header)
	for i := s.slice.Start; i <= s.slice.End; i++ {
		row, err := s.table.Row(i)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	return &SlicedTable{Table: parser.New(rows), Slice: s.slice}, nil
}

func (s *Selector) checkBounds(op string, row int) error {
	if row < 0 || row >= s.table.RowCount() {
		return &SelectionError{Op: op, Row: row, Reason: fmt.Sprintf("out of range [0, %d)", s.table.RowCount())}
	}
	return nil
}
