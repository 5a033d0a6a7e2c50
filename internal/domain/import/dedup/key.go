package dedup

import (
	"sort"
	"strings"

	"github.com/FACorreiaa/statement-slicer/internal/domain/import/normalizer"
	"github.com/FACorreiaa/statement-slicer/internal/domain/import/repository"
)

const keySeparator = "|"

// CompositeKey joins the normalized values of fields. values[i] belongs to
// fields[i]; the field name decides whether numeric normalization applies.
func CompositeKey(fields, values []string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		parts[i] = normalizer.NormalizeValue(f, v)
	}
	return strings.Join(parts, keySeparator)
}

// emptyKey reports whether every fragment of a key built from n fields is blank.
func emptyKey(key string, n int) bool {
	return key == strings.Repeat(keySeparator, max(n-1, 0))
}

// recordFields is the sorted union of field names across records.
func recordFields(records []repository.Record) []string {
	seen := make(map[string]struct{})
	for _, r := range records {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// recordKey builds a stored record's key. Values are looked up under the
// resolved store names and normalized under the slice-side names.
func recordKey(rec repository.Record, resolutions []Resolution) string {
	fields := make([]string, len(resolutions))
	values := make([]string, len(resolutions))
	for i, res := range resolutions {
		fields[i] = res.Requested
		values[i] = normalizer.Stringify(rec[res.Resolved])
	}
	return CompositeKey(fields, values)
}
