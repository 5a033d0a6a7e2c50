// Package dedup flags duplicate statement rows, first within the slice and
// then against records already persisted for the same owner and account.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/statement-slicer/internal/domain/import/repository"
	"github.com/FACorreiaa/statement-slicer/internal/domain/import/selector"
	"github.com/FACorreiaa/statement-slicer/internal/domain/import/sniffer"
	"github.com/FACorreiaa/statement-slicer/pkg/metrics"
)

var (
	// ErrStoreUnavailable wraps a failed record store read. The result
	// returned alongside it still carries the intra-batch flags.
	ErrStoreUnavailable = errors.New("record store unavailable")
	ErrNoKeyFields      = errors.New("no key fields selected")
	ErrUnknownField     = errors.New("key field not in header")
)

// Origin tells where the matching row was found.
type Origin string

const (
	OriginIntraBatch    Origin = "intra_batch"
	OriginExternalStore Origin = "external_store"
)

const (
	DefaultFallbackThreshold = 5
)

// DefaultFallbackFields are the conventional columns retried when the
// operator's key fields under-detect.
var DefaultFallbackFields = []string{"date", "description"}

// Flag marks one row as a duplicate. RowIndex is the row's index in the
// parsed statement.
type Flag struct {
	RowIndex      int
	CompositeKey  string
	MatchedFields []string
	Origin        Origin
}

// Result is the outcome of a duplicate check. Rows without a flag are not
// duplicates.
type Result struct {
	Flags        []Flag
	KeyFields    []string
	Resolutions  []Resolution
	UsedFallback bool
	StoreRecords int
}

// Flag returns the flag on a source row, if any.
func (r *Result) Flag(rowIndex int) (Flag, bool) {
	i := sort.Search(len(r.Flags), func(i int) bool { return r.Flags[i].RowIndex >= rowIndex })
	if i < len(r.Flags) && r.Flags[i].RowIndex == rowIndex {
		return r.Flags[i], true
	}
	return Flag{}, false
}

// Count returns the number of flags with the given origin.
func (r *Result) Count(origin Origin) int {
	n := 0
	for _, f := range r.Flags {
		if f.Origin == origin {
			n++
		}
	}
	return n
}

// Detector runs duplicate checks against a record reader.
type Detector struct {
	store          repository.RecordReader
	logger         *slog.Logger
	metrics        *metrics.ImportMetrics
	tracer         trace.Tracer
	threshold      int
	fallbackFields []string
}

// NewDetector creates a detector with the default fallback settings
func NewDetector(store repository.RecordReader, logger *slog.Logger) *Detector {
	return &Detector{
		store:          store,
		logger:         logger,
		tracer:         otel.Tracer("statement-slicer/dedup"),
		threshold:      DefaultFallbackThreshold,
		fallbackFields: DefaultFallbackFields,
	}
}

// WithFallback overrides the fallback threshold and fields. A threshold of
// zero disables the fallback.
func (d *Detector) WithFallback(threshold int, fields []string) *Detector {
	d.threshold = threshold
	if len(fields) > 0 {
		d.fallbackFields = fields
	}
	return d
}

// WithTracer replaces the default tracer.
func (d *Detector) WithTracer(t trace.Tracer) *Detector {
	if t != nil {
		d.tracer = t
	}
	return d
}

// WithMetrics records flag counts and store failures on m.
func (d *Detector) WithMetrics(m *metrics.ImportMetrics) *Detector {
	d.metrics = m
	return d
}

// Check flags duplicates in sliced using keyFields, which must name header
// columns. When the store cannot be read the intra-batch result is returned
// together with an error wrapping ErrStoreUnavailable.
func (d *Detector) Check(ctx context.Context, sliced *selector.SlicedTable, keyFields []string, ownerID, accountID uuid.UUID) (*Result, error) {
	if len(keyFields) == 0 {
		return nil, ErrNoKeyFields
	}
	for _, f := range keyFields {
		if sliced.ColumnIndex(f) < 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownField, f)
		}
	}

	ctx, span := d.tracer.Start(ctx, "dedup.Check", trace.WithAttributes(
		attribute.Int("rows", sliced.DataRowCount()),
		attribute.StringSlice("key_fields", keyFields),
	))
	defer span.End()

	keys := rowKeys(sliced, keyFields)
	intra := intraBatchFlags(sliced, keyFields, keys)
	result := &Result{
		Flags:     intra,
		KeyFields: append([]string(nil), keyFields...),
	}
	d.metrics.ObserveDuplicates(string(OriginIntraBatch), len(intra))

	records, err := d.store.FetchRecords(ctx, ownerID, accountID)
	if err != nil {
		d.metrics.ObserveStoreFailure()
		span.RecordError(err)
		span.SetStatus(codes.Error, "record store unavailable")
		d.logger.Warn("duplicate check degraded to intra-batch only",
			slog.String("owner_id", ownerID.String()),
			slog.String("account_id", accountID.String()),
			slog.Int("intra_batch_flags", len(intra)),
			slog.Any("error", err),
		)
		return result, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	result.StoreRecords = len(records)

	skip := make(map[int]bool, len(intra))
	for _, f := range intra {
		skip[f.RowIndex] = true
	}

	available := recordFields(records)
	resolutions := ResolveFields(keyFields, available)
	external := externalFlags(sliced, keys, resolutions, records, skip)
	result.Resolutions = resolutions

	if len(records) > 0 && len(external) < d.threshold {
		if fields := d.fallbackKeyFields(sliced.Header(), keyFields); fields != nil {
			fbResolutions := ResolveFields(fields, available)
			fbExternal := externalFlags(sliced, rowKeys(sliced, fields), fbResolutions, records, skip)
			if len(fbExternal) > len(external) {
				d.logger.Info("duplicate check used fallback key fields",
					slog.Any("fallback_fields", fields),
					slog.Int("primary_matches", len(external)),
					slog.Int("fallback_matches", len(fbExternal)),
				)
				external = fbExternal
				result.Resolutions = fbResolutions
				result.UsedFallback = true
			}
		}
	}
	d.metrics.ObserveDuplicates(string(OriginExternalStore), len(external))

	result.Flags = append(result.Flags, external...)
	sort.Slice(result.Flags, func(i, j int) bool { return result.Flags[i].RowIndex < result.Flags[j].RowIndex })

	span.SetAttributes(
		attribute.Int("store_records", len(records)),
		attribute.Int("intra_batch_flags", len(intra)),
		attribute.Int("external_flags", len(external)),
		attribute.Bool("fallback", result.UsedFallback),
	)
	d.logger.Debug("duplicate check complete",
		slog.Int("rows", sliced.DataRowCount()),
		slog.Int("store_records", len(records)),
		slog.Int("intra_batch_flags", len(intra)),
		slog.Int("external_flags", len(external)),
	)
	return result, nil
}

// fallbackKeyFields maps the configured fallback names onto header columns,
// by name first and then by header role. It returns nil when nothing maps
// or the mapped set equals the operator's fields.
func (d *Detector) fallbackKeyFields(header, keyFields []string) []string {
	var fields []string
	seen := make(map[string]bool)
	for _, want := range d.fallbackFields {
		col := ""
		if res := ResolveField(want, header); res.Method != MethodUnresolved {
			col = res.Resolved
		} else if role, ok := sniffer.RoleOf(want); ok {
			col = sniffer.FirstColumnWithRole(header, role)
		}
		if col == "" || seen[col] {
			continue
		}
		seen[col] = true
		fields = append(fields, col)
	}
	if len(fields) == 0 || sameFields(fields, keyFields) {
		return nil
	}
	return fields
}

func sameFields(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	return strings.Join(as, "\x00") == strings.Join(bs, "\x00")
}

// rowKeys builds the composite key of every data row.
func rowKeys(sliced *selector.SlicedTable, fields []string) []string {
	cols := make([]int, len(fields))
	for i, f := range fields {
		cols[i] = sliced.ColumnIndex(f)
	}

	keys := make([]string, sliced.DataRowCount())
	values := make([]string, len(fields))
	for i := range keys {
		row, _ := sliced.DataRow(i)
		for j, c := range cols {
			values[j] = ""
			if c >= 0 && c < len(row) {
				values[j] = row[c]
			}
		}
		keys[i] = CompositeKey(fields, values)
	}
	return keys
}

// intraBatchFlags flags every repeat of a key after its first occurrence.
func intraBatchFlags(sliced *selector.SlicedTable, fields, keys []string) []Flag {
	var flags []Flag
	seen := make(map[string]struct{}, len(keys))
	for i, k := range keys {
		if _, dup := seen[k]; dup {
			flags = append(flags, Flag{
				RowIndex:      sliced.SourceRow(i),
				CompositeKey:  k,
				MatchedFields: append([]string(nil), fields...),
				Origin:        OriginIntraBatch,
			})
			continue
		}
		seen[k] = struct{}{}
	}
	return flags
}

// externalFlags flags rows whose key matches a stored record. Rows in skip
// and rows or records whose key fields are all blank never match. A key set
// with an unresolved field matches nothing: the store has no value for it.
func externalFlags(sliced *selector.SlicedTable, keys []string, resolutions []Resolution, records []repository.Record, skip map[int]bool) []Flag {
	for _, r := range resolutions {
		if r.Method == MethodUnresolved {
			return nil
		}
	}

	n := len(resolutions)
	stored := make(map[string]struct{}, len(records))
	for _, rec := range records {
		k := recordKey(rec, resolutions)
		if emptyKey(k, n) {
			continue
		}
		stored[k] = struct{}{}
	}
	if len(stored) == 0 {
		return nil
	}

	fields := make([]string, n)
	for i, r := range resolutions {
		fields[i] = r.Requested
	}

	var flags []Flag
	for i, k := range keys {
		src := sliced.SourceRow(i)
		if skip[src] || emptyKey(k, n) {
			continue
		}
		if _, ok := stored[k]; ok {
			flags = append(flags, Flag{
				RowIndex:      src,
				CompositeKey:  k,
				MatchedFields: fields,
				Origin:        OriginExternalStore,
			})
		}
	}
	return flags
}
