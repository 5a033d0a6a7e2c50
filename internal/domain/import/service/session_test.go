package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/statement-slicer/internal/domain/import/batch"
	"github.com/FACorreiaa/statement-slicer/internal/domain/import/dedup"
	"github.com/FACorreiaa/statement-slicer/internal/domain/import/repository"
	"github.com/FACorreiaa/statement-slicer/internal/domain/import/reshape"
	"github.com/FACorreiaa/statement-slicer/internal/domain/import/selector"
	"github.com/FACorreiaa/statement-slicer/pkg/storage"
)

const statementCSV = `Date,Description,Amount,Reference
2024-01-02,Coffee,-4.50,R1
2024-01-03,Lunch,-12.50,R2
2024-01-03,Lunch,-12.50,R2
2024-01-04,Salary,"1,234.00",R3
2024-01-05,Books,-30.00,R4
Closing balance,,,
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// flakyWriter fails the nth submission once and can run a hook on every call.
type flakyWriter struct {
	next     repository.RecordWriter
	mu       sync.Mutex
	calls    int
	failOn   int
	onSubmit func()
}

func (w *flakyWriter) SubmitBatch(ctx context.Context, b repository.Batch) error {
	w.mu.Lock()
	w.calls++
	fail := w.calls == w.failOn
	hook := w.onSubmit
	w.mu.Unlock()

	if hook != nil {
		hook()
	}
	if fail {
		return errors.New("store rejected batch")
	}
	return w.next.SubmitBatch(ctx, b)
}

type failingReader struct{}

func (failingReader) FetchRecords(ctx context.Context, ownerID, accountID uuid.UUID) ([]repository.Record, error) {
	return nil, errors.New("connection refused")
}

type recordingInvalidator struct {
	calls int
}

func (r *recordingInvalidator) Invalidate(ownerID, accountID uuid.UUID) {
	r.calls++
}

type fixture struct {
	svc         *ImportService
	store       *repository.MemoryStore
	writer      *flakyWriter
	invalidator *recordingInvalidator
	owner       uuid.UUID
	account     uuid.UUID
}

func newFixture(t *testing.T, reader repository.RecordReader) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	if reader == nil {
		reader = store
	}
	writer := &flakyWriter{next: store}
	inv := &recordingInvalidator{}
	logger := testLogger()

	detector := dedup.NewDetector(reader, logger)
	importer := batch.NewImporter(writer, logger).WithBatchSize(2).WithInterBatchDelay(0)

	return &fixture{
		svc:         NewImportService(detector, importer, logger).WithInvalidator(inv),
		store:       store,
		writer:      writer,
		invalidator: inv,
		owner:       uuid.New(),
		account:     uuid.New(),
	}
}

func (f *fixture) open(t *testing.T) *Session {
	t.Helper()
	sess, err := f.svc.OpenText(f.owner, f.account, uuid.New(), statementCSV)
	require.NoError(t, err)
	return sess
}

// sliced drives a session to Sliced over rows 1-5 with Date and Amount keys.
func (f *fixture) sliced(t *testing.T) *Session {
	t.Helper()
	sess := f.open(t)
	require.NoError(t, sess.SelectHeader(0))
	require.NoError(t, sess.SelectStart(1))
	require.NoError(t, sess.SelectEnd(5))
	_, err := sess.Slice()
	require.NoError(t, err)
	require.NoError(t, sess.SetKeyFields([]string{"Date", "Amount"}))
	return sess
}

func TestSession_HappyPath(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Seed(f.owner, f.account, repository.Record{"Date": "2024-01-05", "Amount": "-30"})
	sess := f.open(t)

	assert.Equal(t, StateIdle, sess.State())
	require.NoError(t, sess.SelectHeader(0))
	assert.Equal(t, StateHeaderSelected, sess.State())
	require.NoError(t, sess.SelectStart(1))
	assert.Equal(t, StateHeaderSelected, sess.State())
	require.NoError(t, sess.SelectEnd(5))
	assert.Equal(t, StateRangeSelected, sess.State())

	sliced, err := sess.Slice()
	require.NoError(t, err)
	assert.Equal(t, StateSliced, sess.State())
	assert.Equal(t, 5, sliced.DataRowCount())
	assert.Equal(t, []string{"Date", "Description", "Amount"}, sess.SuggestedKeyFields())

	require.NoError(t, sess.SetKeyFields([]string{"Date", "Amount", "Date"}))
	assert.Equal(t, []string{"Date", "Amount"}, sess.KeyFields())

	result, err := sess.CheckDuplicates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDuplicatesChecked, sess.State())

	require.Len(t, result.Flags, 2)
	assert.Equal(t, dedup.Flag{RowIndex: 3, CompositeKey: "2024-01-03|-12.5", MatchedFields: []string{"Date", "Amount"}, Origin: dedup.OriginIntraBatch}, result.Flags[0])
	assert.Equal(t, 5, result.Flags[1].RowIndex)
	assert.Equal(t, dedup.OriginExternalStore, result.Flags[1].Origin)
	assert.Equal(t, []int{1, 2, 4}, sess.ApprovedRows())

	outcome, err := sess.Save(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, sess.State())
	assert.Equal(t, 3, outcome.Submitted)
	assert.Equal(t, 3, outcome.Total)
	assert.Equal(t, 2, outcome.Batches)
	assert.Equal(t, 1, f.invalidator.calls)

	batches := f.store.Batches()
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"Date", "Description", "Amount", "Reference"}, batches[0].Header)
	assert.Equal(t, []int{1, 2}, batches[0].Metadata.SourceRows)
	assert.Equal(t, []int{4}, batches[1].Metadata.SourceRows)
	assert.Equal(t, outcome.ImportID, batches[1].Metadata.ImportID)

	snap := sess.Snapshot()
	assert.Equal(t, 3, snap.Submitted)
	assert.Equal(t, StateCompleted, snap.State)
	assert.Empty(t, snap.LastError)
}

func TestSession_InvalidTransitions(t *testing.T) {
	f := newFixture(t, nil)
	sess := f.open(t)

	_, err := sess.Slice()
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = sess.CheckDuplicates(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = sess.Save(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = sess.SelectStart(1)
	assert.ErrorIs(t, err, selector.ErrInvalidSelection)
	assert.Equal(t, StateIdle, sess.State())

	sess = f.sliced(t)
	require.NoError(t, sess.SetKeyFields(nil))
	_, err = sess.CheckDuplicates(context.Background())
	assert.ErrorIs(t, err, ErrNoKeyFields)

	err = sess.SetKeyFields([]string{"Memo"})
	assert.ErrorIs(t, err, ErrUnknownKeyField)

	_, err = sess.Save(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSession_ReselectionResetsDownstreamState(t *testing.T) {
	f := newFixture(t, nil)
	sess := f.sliced(t)

	_, err := sess.CheckDuplicates(context.Background())
	require.NoError(t, err)

	require.NoError(t, sess.SelectEnd(4))
	assert.Equal(t, StateRangeSelected, sess.State())
	assert.Nil(t, sess.Sliced())
	assert.Empty(t, sess.Snapshot().Flags)
	assert.Empty(t, sess.ApprovedRows())

	require.NoError(t, sess.SelectHeader(0))
	assert.Equal(t, StateHeaderSelected, sess.State())
	assert.Equal(t, selector.Slice{Header: 0, Start: -1, End: -1}, sess.Snapshot().Selection)

	_, err = sess.Slice()
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSession_KeyFieldChangesReturnToSliced(t *testing.T) {
	f := newFixture(t, nil)
	sess := f.sliced(t)

	_, err := sess.CheckDuplicates(context.Background())
	require.NoError(t, err)

	require.NoError(t, sess.ToggleKeyField("Reference"))
	assert.Equal(t, StateSliced, sess.State())
	assert.Equal(t, []string{"Date", "Amount", "Reference"}, sess.KeyFields())

	require.NoError(t, sess.ToggleKeyField("Date"))
	assert.Equal(t, []string{"Amount", "Reference"}, sess.KeyFields())
}

func TestSession_Reshape(t *testing.T) {
	f := newFixture(t, nil)
	sess := f.sliced(t)
	require.NoError(t, sess.SetKeyFields([]string{"Date", "Description"}))

	err := sess.Reshape(0, reshape.LiteralSeparator("-"), []string{"Year", "Month", "Day"})
	require.NoError(t, err)
	assert.Equal(t, StateSliced, sess.State())

	sliced := sess.Sliced()
	assert.Equal(t, []string{"Year", "Month", "Day", "Description", "Amount", "Reference"}, sliced.Header())
	row, err := sliced.DataRow(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024", "01", "02", "Coffee", "-4.50", "R1"}, row)
	assert.Equal(t, []string{"Description"}, sess.KeyFields(), "keys on removed columns are dropped")

	err = sess.Reshape(9, reshape.WhitespaceSeparator(), []string{"A"})
	assert.ErrorIs(t, err, reshape.ErrReshape)
	assert.Equal(t, sliced, sess.Sliced())

	_, err = sess.CheckDuplicates(context.Background())
	require.NoError(t, err)
	err = sess.Reshape(0, reshape.WhitespaceSeparator(), []string{"A"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSession_Approvals(t *testing.T) {
	f := newFixture(t, nil)
	sess := f.sliced(t)

	_, err := sess.CheckDuplicates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 4, 5}, sess.ApprovedRows())

	require.NoError(t, sess.SetRowApproved(3, true))
	require.NoError(t, sess.SetRowApproved(1, false))
	assert.Equal(t, []int{2, 3, 4, 5}, sess.ApprovedRows())

	assert.ErrorIs(t, sess.SetRowApproved(6, true), ErrRowOutOfRange)
	assert.ErrorIs(t, sess.SetRowApproved(0, true), ErrRowOutOfRange)

	var buf bytes.Buffer
	require.NoError(t, sess.Report(&buf))
	assert.Equal(t,
		"row,origin,composite_key,matched_fields,approved\n3,intra_batch,2024-01-03|-12.5,Date;Amount,true\n",
		buf.String())
}

func TestSession_StoreUnavailableStillMovesForward(t *testing.T) {
	f := newFixture(t, failingReader{})
	sess := f.sliced(t)

	result, err := sess.CheckDuplicates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDuplicatesChecked, sess.State())
	assert.Equal(t, 1, result.Count(dedup.OriginIntraBatch))

	snap := sess.Snapshot()
	assert.True(t, snap.StoreDegraded)
	assert.Contains(t, snap.LastError, "connection refused")
}

func TestSession_PartialFailureAndResume(t *testing.T) {
	f := newFixture(t, nil)
	f.writer.failOn = 2
	sess := f.sliced(t)
	require.NoError(t, sess.SetKeyFields([]string{"Reference", "Description"}))

	_, err := sess.CheckDuplicates(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 4, 5}, sess.ApprovedRows())

	_, err = sess.Save(context.Background())
	var pf *batch.PartialFailure
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, 2, pf.Submitted)
	assert.Equal(t, 4, pf.Total)
	assert.Equal(t, StateFailed, sess.State())
	assert.Equal(t, 1, f.invalidator.calls)

	snap := sess.Snapshot()
	assert.Equal(t, 2, snap.Submitted)
	assert.Contains(t, snap.LastError, "store rejected batch")

	outcome, err := sess.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, sess.State())
	assert.Equal(t, 4, outcome.Submitted)
	assert.Equal(t, 2, f.invalidator.calls)

	var sources []int
	for _, b := range f.store.Batches() {
		sources = append(sources, b.Metadata.SourceRows...)
	}
	assert.Equal(t, []int{1, 2, 4, 5}, sources, "resume does not resubmit persisted rows")

	_, err = sess.Resume(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSession_AbandonStopsSaveAfterCurrentBatch(t *testing.T) {
	f := newFixture(t, nil)
	sess := f.sliced(t)

	_, err := sess.CheckDuplicates(context.Background())
	require.NoError(t, err)

	f.writer.onSubmit = sess.Abandon
	_, err = sess.Save(context.Background())

	var pf *batch.PartialFailure
	require.ErrorAs(t, err, &pf)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, pf.Submitted)
	assert.Len(t, f.store.Batches(), 1)

	assert.ErrorIs(t, sess.SelectHeader(0), ErrSessionAbandoned)
	assert.True(t, sess.Snapshot().Abandoned)
}

func TestSession_Insights(t *testing.T) {
	f := newFixture(t, nil)
	sess := f.sliced(t)

	_, err := sess.Insights("", "EUR")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = sess.CheckDuplicates(context.Background())
	require.NoError(t, err)
	require.NoError(t, sess.SetRowApproved(5, false))

	in, err := sess.Insights("", "eur")
	require.NoError(t, err)
	assert.Equal(t, "Amount", in.AmountField)
	assert.Equal(t, "EUR", in.Currency)
	assert.False(t, in.European)
	assert.Equal(t, 3, in.Rows)
	assert.Equal(t, int64(123400), in.Income.Amount())
	assert.Equal(t, int64(1700), in.Expenses.Amount())
	assert.Equal(t, int64(121700), in.Net.Amount())
	assert.Equal(t, 0, in.Unparsed)

	_, err = sess.Insights("Balance", "EUR")
	assert.ErrorIs(t, err, ErrUnknownKeyField)
}

func TestInferDecimalComma(t *testing.T) {
	tests := []struct {
		name         string
		samples      []string
		wantEuropean bool
		wantDecisive bool
	}{
		{"us grouping", []string{"1,234.56", "-4.50"}, false, true},
		{"european grouping", []string{"1.234,56", "-4,50"}, true, true},
		{"no signal", []string{"100", "200"}, false, false},
		{"tie", []string{"1,50", "1.50"}, false, false},
		{"thousands only", []string{"1,234", "2.500"}, false, false},
		{"currency symbols", []string{"€ 12,30", "-7,05 €"}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			european, decisive := inferDecimalComma(tt.samples)
			assert.Equal(t, tt.wantEuropean, european)
			assert.Equal(t, tt.wantDecisive, decisive)
		})
	}
}

func TestImportService_Registry(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.svc.WithClock(func() time.Time { return now }).WithIdleTTL(10 * time.Minute)

	stale := f.open(t)
	now = now.Add(5 * time.Minute)
	fresh := f.open(t)
	assert.Equal(t, 2, f.svc.Len())

	got, err := f.svc.Get(fresh.ID)
	require.NoError(t, err)
	assert.Same(t, fresh, got)

	now = now.Add(6 * time.Minute)
	assert.Equal(t, 1, f.svc.SweepIdle(context.Background()))
	_, err = f.svc.Get(stale.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.True(t, stale.Snapshot().Abandoned)

	require.NoError(t, f.svc.Close(fresh.ID))
	assert.ErrorIs(t, f.svc.Close(fresh.ID), ErrSessionNotFound)
	assert.Equal(t, 0, f.svc.Len())
}

func TestImportService_OpenText_ParseError(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.OpenText(f.owner, f.account, uuid.New(), "Date,Description\n2024-01-02,\"unterminated\n")
	assert.ErrorContains(t, err, "failed to parse statement")
}

func TestImportService_OpenFile(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.OpenFile(ctx, f.owner, f.account, uuid.New())
	assert.ErrorIs(t, err, ErrNoStorage)

	files, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	f.svc.WithStorage(files).WithDelimiter(';')

	info, err := files.Upload(ctx, f.owner, "march.csv", "text/csv", strings.NewReader("Date;Amount\n2024-03-01;10,00\n"))
	require.NoError(t, err)

	sess, err := f.svc.OpenFile(ctx, f.owner, f.account, info.ID)
	require.NoError(t, err)
	assert.Equal(t, info.ID, sess.StatementID)
	assert.Equal(t, 2, sess.Table().RowCount())
	cell, err := sess.Table().Cell(1, 1)
	require.NoError(t, err)
	assert.Equal(t, "10,00", cell)

	_, err = f.svc.OpenFile(ctx, uuid.New(), f.account, info.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
