// Package normalizer canonicalizes cell values so rows from different
// sources compare equal when they denote the same value.
package normalizer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// numericFieldMarkers gate thousands-separator stripping by field name.
var numericFieldMarkers = []string{"amount", "balance"}

// thousandsSeparators are removed from numeric fields before comparison.
var thousandsSeparators = strings.NewReplacer(
	",", "",
	"'", "",
	"_", "",
	" ", "",
	"\u00a0", "",
	"\u202f", "",
)

// IsNumericField reports whether values under field are compared as numbers.
func IsNumericField(field string) bool {
	lower := strings.ToLower(field)
	for _, marker := range numericFieldMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// NormalizeValue prepares one key fragment: trimmed and lowercased, and for
// amount or balance fields stripped of thousands separators and rewritten
// in canonical decimal form so "1,234.00" and "1234" compare equal.
func NormalizeValue(field, value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	if !IsNumericField(field) {
		return v
	}

	v = thousandsSeparators.Replace(v)
	if d, err := decimal.NewFromString(v); err == nil {
		return d.String()
	}
	return v
}

// Stringify renders a stored record value the way it would appear in a
// statement cell.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case decimal.Decimal:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case bool:
		return strconv.FormatBool(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
