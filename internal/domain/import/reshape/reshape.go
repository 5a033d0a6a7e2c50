// Package reshape splits one column of a statement table into several,
// e.g. a combined "Date Description" column exported by some banks.
package reshape

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/FACorreiaa/statement-slicer/internal/domain/import/parser"
)

// ErrReshape is the sentinel wrapped by every reshape validation failure.
var ErrReshape = errors.New("reshape rejected")

// Error describes why a reshape request was rejected.
type Error struct {
	Column int
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("reshape column %d: %s", e.Column, e.Reason)
}

func (e *Error) Unwrap() error {
	return ErrReshape
}

// SeparatorKind selects how a cell is split.
type SeparatorKind int

const (
	// Literal splits on an exact string.
	Literal SeparatorKind = iota
	// Whitespace splits on runs of whitespace, ignoring leading and trailing space.
	Whitespace
	// Pattern splits on matches of a regular expression.
	Pattern
)

func (k SeparatorKind) String() string {
	switch k {
	case Literal:
		return "literal"
	case Whitespace:
		return "whitespace"
	case Pattern:
		return "pattern"
	default:
		return "unknown"
	}
}

// Separator describes where a cell is cut.
type Separator struct {
	Kind  SeparatorKind
	Value string
	re    *regexp.Regexp
}

// LiteralSeparator splits on s.
func LiteralSeparator(s string) Separator {
	return Separator{Kind: Literal, Value: s}
}

// WhitespaceSeparator splits on runs of whitespace.
func WhitespaceSeparator() Separator {
	return Separator{Kind: Whitespace}
}

// PatternSeparator compiles expr into a regular expression separator.
func PatternSeparator(expr string) (Separator, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Separator{}, fmt.Errorf("%w: invalid pattern %q: %v", ErrReshape, expr, err)
	}
	return Separator{Kind: Pattern, Value: expr, re: re}, nil
}

// ParseSeparator maps operator input onto a Separator: "whitespace" or
// "ws" for whitespace runs, "re:<expr>" for a pattern, anything else as a
// literal.
func ParseSeparator(spec string) (Separator, error) {
	switch {
	case spec == "whitespace" || spec == "ws":
		return WhitespaceSeparator(), nil
	case strings.HasPrefix(spec, "re:"):
		return PatternSeparator(strings.TrimPrefix(spec, "re:"))
	default:
		return LiteralSeparator(spec), nil
	}
}

func (s Separator) validate() error {
	switch s.Kind {
	case Literal:
		if s.Value == "" {
			return errors.New("literal separator is empty")
		}
	case Whitespace:
	case Pattern:
		if s.re == nil {
			if _, err := regexp.Compile(s.Value); err != nil {
				return fmt.Errorf("invalid pattern %q: %v", s.Value, err)
			}
		}
	default:
		return fmt.Errorf("unknown separator kind %d", s.Kind)
	}
	return nil
}

// Split cuts v into trimmed parts.
func (s Separator) Split(v string) []string {
	var parts []string
	switch s.Kind {
	case Whitespace:
		parts = strings.Fields(v)
	case Pattern:
		re := s.re
		if re == nil {
			re = regexp.MustCompile(s.Value)
		}
		parts = re.Split(v, -1)
	default:
		parts = strings.Split(v, s.Value)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

type options struct {
	headerRow int
}

// Option configures Reshape.
type Option func(*options)

// WithHeaderRow names the row whose cell is replaced by the new column
// names. It defaults to row 0, the header of a sliced table; a negative
// value treats every row as data.
func WithHeaderRow(i int) Option {
	return func(o *options) {
		o.headerRow = i
	}
}

// Reshape returns a new table where column is replaced, in place, by
// len(names) columns. Data cells are split with sep; missing parts are
// empty and parts beyond len(names) are discarded. The header cell is
// replaced by names. The input table is not modified.
func Reshape(t *parser.Table, column int, sep Separator, names []string, opts ...Option) (*parser.Table, error) {
	o := options{headerRow: 0}
	for _, opt := range opts {
		opt(&o)
	}

	if column < 0 || column >= t.ColumnCount() {
		return nil, &Error{Column: column, Reason: fmt.Sprintf("out of range [0, %d)", t.ColumnCount())}
	}
	if len(names) == 0 {
		return nil, &Error{Column: column, Reason: "no new column names"}
	}
	if err := sep.validate(); err != nil {
		return nil, &Error{Column: column, Reason: err.Error()}
	}

	rows := t.Rows()
	out := make([][]string, len(rows))
	for i, row := range rows {
		var replacement []string
		if i == o.headerRow {
			replacement = names
		} else {
			replacement = fit(sep.Split(row[column]), len(names))
		}

		next := make([]string, 0, len(row)-1+len(names))
		next = append(next, row[:column]...)
		next = append(next, replacement...)
		next = append(next, row[column+1:]...)
		out[i] = next
	}

	return parser.New(out), nil
}

// fit truncates or pads parts to exactly n entries.
func fit(parts []string, n int) []string {
	out := make([]string, n)
	copy(out, parts)
	return out
}
