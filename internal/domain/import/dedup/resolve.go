package dedup

import "strings"

// Method records which rule resolved a requested field.
type Method string

const (
	MethodExact           Method = "exact"
	MethodCaseInsensitive Method = "case_insensitive"
	MethodSubstring       Method = "substring"
	MethodUnresolved      Method = "unresolved"
)

// Resolution maps a requested key field onto a field name that exists in
// the record store.
type Resolution struct {
	Requested string
	Resolved  string
	Method    Method
}

// ResolveField picks the store field for requested. Rules are tried in
// order: exact, case-insensitive, then substring in either direction
// (case-insensitive). Within a rule the first candidate in available wins.
// An unresolved field keeps the requested name, which matches nothing.
func ResolveField(requested string, available []string) Resolution {
	for _, f := range available {
		if f == requested {
			return Resolution{Requested: requested, Resolved: f, Method: MethodExact}
		}
	}

	for _, f := range available {
		if strings.EqualFold(f, requested) {
			return Resolution{Requested: requested, Resolved: f, Method: MethodCaseInsensitive}
		}
	}

	want := strings.ToLower(strings.TrimSpace(requested))
	if want != "" {
		for _, f := range available {
			have := strings.ToLower(strings.TrimSpace(f))
			if have == "" {
				continue
			}
			if strings.Contains(have, want) || strings.Contains(want, have) {
				return Resolution{Requested: requested, Resolved: f, Method: MethodSubstring}
			}
		}
	}

	return Resolution{Requested: requested, Resolved: requested, Method: MethodUnresolved}
}

// ResolveFields resolves each requested field independently.
func ResolveFields(requested, available []string) []Resolution {
	out := make([]Resolution, len(requested))
	for i, r := range requested {
		out[i] = ResolveField(r, available)
	}
	return out
}
