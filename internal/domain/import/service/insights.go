package service

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/FACorreiaa/statement-slicer/internal/domain/import/sniffer"
	"github.com/FACorreiaa/statement-slicer/pkg/money"
)

// Insights summarizes the amounts of the rows a save will write.
type Insights struct {
	AmountField string
	Currency    string
	European    bool
	Rows        int
	Income      *money.Money
	Expenses    *money.Money
	Net         *money.Money
	Unparsed    int
}

// Insights totals income and expenses over the approved rows using
// amountField. An empty amountField picks the amount column suggested by
// the header roles. The number format (1,234.56 or 1.234,56) is inferred from
// the values.
func (s *Session) Insights(amountField, currency string) (*Insights, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard("insights", StateDuplicatesChecked, StateSaving, StateCompleted, StateFailed); err != nil {
		return nil, err
	}

	header := s.sliced.Header()
	if amountField == "" {
		amountField = sniffer.FirstColumnWithRole(header, sniffer.RoleAmount)
	}
	col := s.sliced.ColumnIndex(amountField)
	if col < 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKeyField, amountField)
	}

	rows := s.approvedRowsLocked()
	samples := make([]string, 0, len(rows))
	for _, r := range rows {
		if v := strings.TrimSpace(r.cells[col]); v != "" {
			samples = append(samples, v)
		}
	}
	european, _ := inferDecimalComma(samples)

	out := &Insights{
		AmountField: amountField,
		Currency:    strings.ToUpper(currency),
		European:    european,
		Rows:        len(rows),
		Income:      money.Zero(currency),
		Expenses:    money.Zero(currency),
		Net:         money.Zero(currency),
	}
	for _, raw := range samples {
		m, err := money.NewFromString(raw, currency, european)
		if err != nil {
			out.Unparsed++
			continue
		}
		if out.Net, err = out.Net.Add(m); err != nil {
			return nil, err
		}
		if m.IsNegative() {
			out.Expenses, err = out.Expenses.Add(m.Abs())
		} else {
			out.Income, err = out.Income.Add(m)
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// decimalMark is the separator an amount sample uses before its cents.
type decimalMark int

const (
	markUnknown decimalMark = iota
	markDot
	markComma
)

// classifyAmount reads the decimal mark off a sample holding only digits
// and separators. With both separators present the rightmost one is the
// decimal mark; a lone separator counts only when one or two digits follow
// it, so "1,234" stays unknown.
func classifyAmount(raw string) decimalMark {
	pos := strings.LastIndexAny(raw, ",.")
	if pos < 0 {
		return markUnknown
	}
	mark := markDot
	if raw[pos] == ',' {
		mark = markComma
	}
	if strings.ContainsRune(raw[:pos], otherSeparator(raw[pos])) {
		return mark
	}

	tail := raw[pos+1:]
	if len(tail) == 0 || len(tail) > 2 {
		return markUnknown
	}
	return mark
}

func otherSeparator(sep byte) rune {
	if sep == ',' {
		return '.'
	}
	return ','
}

// numericPart drops currency symbols, signs and spaces from an amount.
func numericPart(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) || r == ',' || r == '.' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// inferDecimalComma reports whether the samples mostly use a decimal comma
// (1.234,56). decisive is false when neither mark outvotes the other.
func inferDecimalComma(samples []string) (comma, decisive bool) {
	var votes [3]int
	for _, raw := range samples {
		votes[classifyAmount(numericPart(raw))]++
	}
	if votes[markComma] == votes[markDot] {
		return false, false
	}
	return votes[markComma] > votes[markDot], true
}
