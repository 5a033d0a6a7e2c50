package dedup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/FACorreiaa/statement-slicer/internal/domain/import/parser"
	"github.com/FACorreiaa/statement-slicer/internal/domain/import/repository"
	"github.com/FACorreiaa/statement-slicer/internal/domain/import/selector"
	"github.com/FACorreiaa/statement-slicer/pkg/metrics"
)

type fakeReader struct {
	records []repository.Record
	err     error
	calls   int
}

func (f *fakeReader) FetchRecords(ctx context.Context, ownerID, accountID uuid.UUID) ([]repository.Record, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

type recordingTracer struct {
	noop.Tracer
	spans []string
}

func (r *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	r.spans = append(r.spans, name)
	return r.Tracer.Start(ctx, name, opts...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// slice selects row 0 as header and every other row as the range.
func slice(t *testing.T, rows [][]string) *selector.SlicedTable {
	t.Helper()
	sel := selector.New(parser.New(rows))
	require.NoError(t, sel.SelectHeader(0))
	require.NoError(t, sel.SelectStart(1))
	require.NoError(t, sel.SelectEnd(len(rows)-1))
	st, err := sel.Materialize()
	require.NoError(t, err)
	return st
}

var statementRows = [][]string{
	{"Date", "Description", "Amount", "Reference"},
	{"2024-01-02", "Coffee", "-4.50", "R1"},
	{"2024-01-03", "Lunch", "-12.50", "R2"},
	{"2024-01-04", "Salary", "1,234.00", "R3"},
	{"2024-01-05", "Books", "-30.00", "R4"},
}

func TestResolveField(t *testing.T) {
	tests := []struct {
		name      string
		requested string
		available []string
		want      Resolution
	}{
		{
			name:      "exact wins over case-insensitive",
			requested: "Date",
			available: []string{"DATE", "Date"},
			want:      Resolution{Requested: "Date", Resolved: "Date", Method: MethodExact},
		},
		{
			name:      "case-insensitive wins over substring",
			requested: "date",
			available: []string{"TxnDate", "Date"},
			want:      Resolution{Requested: "date", Resolved: "Date", Method: MethodCaseInsensitive},
		},
		{
			name:      "store field contains requested",
			requested: "date",
			available: []string{"Desc", "TxnDate"},
			want:      Resolution{Requested: "date", Resolved: "TxnDate", Method: MethodSubstring},
		},
		{
			name:      "requested contains store field",
			requested: "Description",
			available: []string{"Amount", "Desc"},
			want:      Resolution{Requested: "Description", Resolved: "Desc", Method: MethodSubstring},
		},
		{
			name:      "first substring candidate wins",
			requested: "date",
			available: []string{"PostDate", "TxnDate"},
			want:      Resolution{Requested: "date", Resolved: "PostDate", Method: MethodSubstring},
		},
		{
			name:      "unresolved keeps requested name",
			requested: "Reference",
			available: []string{"TxnDate", "Desc"},
			want:      Resolution{Requested: "Reference", Resolved: "Reference", Method: MethodUnresolved},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveField(tt.requested, tt.available))
		})
	}
}

func TestCompositeKey_NumericNormalizationIsNameGated(t *testing.T) {
	assert.Equal(t,
		CompositeKey([]string{"Amount"}, []string{"1,234.00"}),
		CompositeKey([]string{"Amount"}, []string{"1234.00"}),
	)
	assert.NotEqual(t,
		CompositeKey([]string{"Reference"}, []string{"1,234.00"}),
		CompositeKey([]string{"Reference"}, []string{"1234.00"}),
	)
	assert.Equal(t, "2024-01-02|coffee", CompositeKey([]string{"Date", "Description"}, []string{" 2024-01-02", "COFFEE "}))
}

func TestCheck_IntraBatch(t *testing.T) {
	rows := [][]string{
		{"Date", "Description", "Amount"},
		{"2024-01-02", "Coffee", "1,234.00"},
		{"2024-01-03", "Lunch", "-12.50"},
		{"2024-01-02", "coffee shop", "1234.00"},
		{"2024-01-02", "Coffee", "1234"},
	}
	det := NewDetector(&fakeReader{}, testLogger())

	result, err := det.Check(context.Background(), slice(t, rows), []string{"Date", "Amount"}, uuid.New(), uuid.New())
	require.NoError(t, err)

	require.Len(t, result.Flags, 2)
	assert.Equal(t, 3, result.Flags[0].RowIndex)
	assert.Equal(t, 4, result.Flags[1].RowIndex)
	for _, f := range result.Flags {
		assert.Equal(t, OriginIntraBatch, f.Origin)
		assert.Equal(t, "2024-01-02|1234", f.CompositeKey)
		assert.Equal(t, []string{"Date", "Amount"}, f.MatchedFields)
	}
	_, flagged := result.Flag(1)
	assert.False(t, flagged, "first occurrence is never flagged")
	assert.Equal(t, 0, result.StoreRecords)
}

func TestCheck_ExternalStore(t *testing.T) {
	store := &fakeReader{records: []repository.Record{
		{"Date": "2024-01-03", "Amount": json.Number("-12.5")},
		{"Date": "2023-12-31", "Amount": "-99.00"},
		{"Date": "", "Amount": ""},
	}}
	det := NewDetector(store, testLogger())

	result, err := det.Check(context.Background(), slice(t, statementRows), []string{"Date", "Amount"}, uuid.New(), uuid.New())
	require.NoError(t, err)

	require.Len(t, result.Flags, 1)
	flag := result.Flags[0]
	assert.Equal(t, 2, flag.RowIndex)
	assert.Equal(t, OriginExternalStore, flag.Origin)
	assert.Equal(t, 0, result.Count(OriginIntraBatch))
	assert.False(t, result.UsedFallback)
	assert.Equal(t, 3, result.StoreRecords)
	assert.Equal(t, []Resolution{
		{Requested: "Date", Resolved: "Date", Method: MethodExact},
		{Requested: "Amount", Resolved: "Amount", Method: MethodExact},
	}, result.Resolutions)
}

func TestCheck_IntraBatchRowsAreNotRecheckedAgainstStore(t *testing.T) {
	rows := [][]string{
		{"Date", "Amount"},
		{"2024-01-02", "-4.50"},
		{"2024-01-02", "-4.50"},
	}
	store := &fakeReader{records: []repository.Record{{"Date": "2024-01-02", "Amount": "-4.50"}}}
	det := NewDetector(store, testLogger()).WithFallback(0, nil)

	result, err := det.Check(context.Background(), slice(t, rows), []string{"Date", "Amount"}, uuid.New(), uuid.New())
	require.NoError(t, err)

	require.Len(t, result.Flags, 2)
	assert.Equal(t, Flag{RowIndex: 1, CompositeKey: "2024-01-02|-4.5", MatchedFields: []string{"Date", "Amount"}, Origin: OriginExternalStore}, result.Flags[0])
	assert.Equal(t, OriginIntraBatch, result.Flags[1].Origin)
	assert.Equal(t, 2, result.Flags[1].RowIndex)
}

func TestCheck_FallbackFields(t *testing.T) {
	store := &fakeReader{records: []repository.Record{
		{"TxnDate": "2024-01-02", "Desc": "coffee", "Amount": "-4.50"},
		{"TxnDate": "2024-01-05", "Desc": "BOOKS", "Amount": "-30.00"},
	}}
	det := NewDetector(store, testLogger())

	result, err := det.Check(context.Background(), slice(t, statementRows), []string{"Reference"}, uuid.New(), uuid.New())
	require.NoError(t, err)

	assert.True(t, result.UsedFallback)
	require.Len(t, result.Flags, 2)
	assert.Equal(t, 1, result.Flags[0].RowIndex)
	assert.Equal(t, 4, result.Flags[1].RowIndex)
	assert.Equal(t, []string{"Date", "Description"}, result.Flags[0].MatchedFields)
	assert.Equal(t, "TxnDate", result.Resolutions[0].Resolved)
	assert.Equal(t, "Desc", result.Resolutions[1].Resolved)
	assert.Equal(t, []string{"Reference"}, result.KeyFields)
}

func TestCheck_FallbackWithoutMatchesKeepsPrimaryResult(t *testing.T) {
	store := &fakeReader{records: []repository.Record{
		{"Date": "2024-01-03", "Amount": "-12.50"},
	}}
	det := NewDetector(store, testLogger())

	result, err := det.Check(context.Background(), slice(t, statementRows), []string{"Date", "Amount"}, uuid.New(), uuid.New())
	require.NoError(t, err)

	assert.False(t, result.UsedFallback)
	require.Len(t, result.Flags, 1)
	assert.Equal(t, 2, result.Flags[0].RowIndex)
}

func TestCheck_UnresolvedFieldMatchesNothing(t *testing.T) {
	rows := [][]string{
		{"Date", "Reference"},
		{"2024-01-02", ""},
		{"2024-01-03", "R9"},
	}
	store := &fakeReader{records: []repository.Record{{"Posted": "x", "Date": "2024-01-02"}}}
	det := NewDetector(store, testLogger()).WithFallback(0, nil)

	result, err := det.Check(context.Background(), slice(t, rows), []string{"Date", "Reference"}, uuid.New(), uuid.New())
	require.NoError(t, err)

	assert.Equal(t, MethodUnresolved, result.Resolutions[1].Method)
	assert.Empty(t, result.Flags, "a blank cell must not match a missing store field")
}

func TestCheck_FallbackNeverDropsPrimaryMatches(t *testing.T) {
	store := &fakeReader{records: []repository.Record{
		{"Date": "2024-01-02", "Amount": "-4.50"},
		{"Date": "2024-01-03", "Amount": "-12.50"},
		{"Date": "2024-01-04", "Amount": "1234"},
		{"Date": "2024-01-05", "Description": "books"},
	}}
	det := NewDetector(store, testLogger())

	result, err := det.Check(context.Background(), slice(t, statementRows), []string{"Date", "Amount"}, uuid.New(), uuid.New())
	require.NoError(t, err)

	assert.False(t, result.UsedFallback)
	require.Len(t, result.Flags, 3)
	for i, f := range result.Flags {
		assert.Equal(t, i+1, f.RowIndex)
		assert.Equal(t, []string{"Date", "Amount"}, f.MatchedFields)
	}
}

func TestCheck_FallbackAdoptedWhenItFindsMore(t *testing.T) {
	store := &fakeReader{records: []repository.Record{
		{"Date": "2024-01-02", "Description": "coffee", "Amount": "-4.50"},
		{"Date": "2024-01-03", "Description": "lunch", "Amount": "-99"},
		{"Date": "2024-01-05", "Description": "books", "Amount": "-99"},
	}}
	det := NewDetector(store, testLogger())

	result, err := det.Check(context.Background(), slice(t, statementRows), []string{"Date", "Amount"}, uuid.New(), uuid.New())
	require.NoError(t, err)

	assert.True(t, result.UsedFallback)
	require.Len(t, result.Flags, 3)
	assert.Equal(t, []int{1, 2, 4}, []int{result.Flags[0].RowIndex, result.Flags[1].RowIndex, result.Flags[2].RowIndex})
	assert.Equal(t, []string{"Date", "Description"}, result.Flags[0].MatchedFields)
}

func TestCheck_UsesConfiguredTracer(t *testing.T) {
	tracer := &recordingTracer{}
	det := NewDetector(&fakeReader{}, testLogger()).WithTracer(tracer)

	_, err := det.Check(context.Background(), slice(t, statementRows), []string{"Date"}, uuid.New(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, []string{"dedup.Check"}, tracer.spans)
}

func TestCheck_StoreUnavailable(t *testing.T) {
	rows := [][]string{
		{"Date", "Amount"},
		{"2024-01-02", "-4.50"},
		{"2024-01-02", "-4.50"},
	}
	reg := prometheus.NewRegistry()
	m := metrics.NewImportMetrics(reg)
	det := NewDetector(&fakeReader{err: errors.New("connection reset")}, testLogger()).WithMetrics(m)

	result, err := det.Check(context.Background(), slice(t, rows), []string{"Date", "Amount"}, uuid.New(), uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorContains(t, err, "connection reset")

	require.NotNil(t, result)
	require.Len(t, result.Flags, 1)
	assert.Equal(t, OriginIntraBatch, result.Flags[0].Origin)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StoreFetchFailures))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DuplicatesFlagged.WithLabelValues("intra_batch")))
}

func TestCheck_Validation(t *testing.T) {
	det := NewDetector(&fakeReader{}, testLogger())
	st := slice(t, statementRows)

	_, err := det.Check(context.Background(), st, nil, uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrNoKeyFields)

	_, err = det.Check(context.Background(), st, []string{"Date", "Memo"}, uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestCheck_EmptyStoreSkipsFallback(t *testing.T) {
	store := &fakeReader{}
	det := NewDetector(store, testLogger())

	result, err := det.Check(context.Background(), slice(t, statementRows), []string{"Reference"}, uuid.New(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, result.Flags)
	assert.False(t, result.UsedFallback)
	assert.Equal(t, 1, store.calls)
}

func TestWriteReport(t *testing.T) {
	flags := []Flag{
		{RowIndex: 2, CompositeKey: "2024-01-03|-12.5", MatchedFields: []string{"Date", "Amount"}, Origin: OriginExternalStore},
		{RowIndex: 5, CompositeKey: "2024-01-03|-12.5", MatchedFields: []string{"Date", "Amount"}, Origin: OriginIntraBatch},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, flags, map[int]bool{5: true}))

	assert.Equal(t,
		"row,origin,composite_key,matched_fields,approved\n"+
			"2,external_store,2024-01-03|-12.5,Date;Amount,false\n"+
			"5,intra_batch,2024-01-03|-12.5,Date;Amount,true\n",
		buf.String())
}
