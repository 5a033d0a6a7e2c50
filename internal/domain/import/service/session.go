package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FACorreiaa/statement-slicer/internal/domain/import/batch"
	"github.com/FACorreiaa/statement-slicer/internal/domain/import/dedup"
	"github.com/FACorreiaa/statement-slicer/internal/domain/import/parser"
	"github.com/FACorreiaa/statement-slicer/internal/domain/import/repository"
	"github.com/FACorreiaa/statement-slicer/internal/domain/import/reshape"
	"github.com/FACorreiaa/statement-slicer/internal/domain/import/selector"
	"github.com/FACorreiaa/statement-slicer/internal/domain/import/sniffer"
)

var (
	ErrInvalidTransition = errors.New("operation not allowed in current session state")
	ErrNoKeyFields       = errors.New("at least one key field is required")
	ErrUnknownKeyField   = errors.New("key field is not a header column")
	ErrRowOutOfRange     = errors.New("row is outside the selected range")
	ErrSessionAbandoned  = errors.New("session abandoned")
	ErrNothingToResume   = errors.New("no rows left to resume")
)

// State is the lifecycle position of an import session.
type State int

const (
	StateIdle State = iota
	StateHeaderSelected
	StateRangeSelected
	StateSliced
	StateDuplicatesChecked
	StateSaving
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHeaderSelected:
		return "header_selected"
	case StateRangeSelected:
		return "range_selected"
	case StateSliced:
		return "sliced"
	case StateDuplicatesChecked:
		return "duplicates_checked"
	case StateSaving:
		return "saving"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DuplicateChecker flags duplicate rows of a sliced statement.
type DuplicateChecker interface {
	Check(ctx context.Context, sliced *selector.SlicedTable, keyFields []string, ownerID, accountID uuid.UUID) (*dedup.Result, error)
}

// RowImporter persists approved rows in batches.
type RowImporter interface {
	Import(ctx context.Context, req batch.Request, onProgress func(batch.Progress)) (*batch.Outcome, error)
}

// Snapshot is a read-only view of a session for display.
type Snapshot struct {
	ID            uuid.UUID
	OwnerID       uuid.UUID
	AccountID     uuid.UUID
	StatementID   uuid.UUID
	State         State
	Selection     selector.Slice
	RowCount      int
	KeyFields     []string
	Flags         []dedup.Flag
	UsedFallback  bool
	StoreDegraded bool
	Approved      int
	Submitted     int
	Total         int
	LastError     string
	Abandoned     bool
}

type pendingRow struct {
	source int
	cells  []string
}

// Session owns one statement's table, slice, key fields, duplicate flags
// and import progress. Methods are safe to call from several goroutines
// but the intended model is a single operator per session.
type Session struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	AccountID   uuid.UUID
	StatementID uuid.UUID

	checker     DuplicateChecker
	importer    RowImporter
	invalidator repository.Invalidator
	logger      *slog.Logger
	now         func() time.Time

	mu         sync.Mutex
	state      State
	table      *parser.Table
	selector   *selector.Selector
	sliced     *selector.SlicedTable
	keyFields  []string
	result     *dedup.Result
	storeErr   error
	approved   map[int]bool
	pending    []pendingRow
	importID   uuid.UUID
	submitted  int
	total      int
	lastErr    error
	cancel     context.CancelFunc
	abandoned  bool
	lastActive time.Time
}

func newSession(ownerID, accountID, statementID uuid.UUID, t *parser.Table, checker DuplicateChecker, importer RowImporter, invalidator repository.Invalidator, logger *slog.Logger, now func() time.Time) *Session {
	id := uuid.New()
	return &Session{
		ID:          id,
		OwnerID:     ownerID,
		AccountID:   accountID,
		StatementID: statementID,
		checker:     checker,
		importer:    importer,
		invalidator: invalidator,
		logger:      logger.With(slog.String("session_id", id.String())),
		now:         now,
		state:       StateIdle,
		table:       t,
		selector:    selector.New(t),
		lastActive:  now(),
	}
}

// Table returns the parsed statement.
func (s *Session) Table() *parser.Table {
	return s.table
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// guard checks the session is live and in one of allowed. Callers hold mu.
func (s *Session) guard(op string, allowed ...State) error {
	if s.abandoned {
		return ErrSessionAbandoned
	}
	s.lastActive = s.now()
	if !slices.Contains(allowed, s.state) {
		return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, op, s.state)
	}
	return nil
}

var selectableStates = []State{StateIdle, StateHeaderSelected, StateRangeSelected, StateSliced, StateDuplicatesChecked}

// SelectHeader picks the header row. Selection changes discard any slice
// and duplicate results built on the previous selection.
func (s *Session) SelectHeader(row int) error {
	return s.selectRow("selectHeader", row, s.selector.SelectHeader)
}

// SelectStart picks the first data row.
func (s *Session) SelectStart(row int) error {
	return s.selectRow("selectStart", row, s.selector.SelectStart)
}

// SelectEnd picks the last data row.
func (s *Session) SelectEnd(row int) error {
	return s.selectRow("selectEnd", row, s.selector.SelectEnd)
}

func (s *Session) selectRow(op string, row int, apply func(int) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard(op, selectableStates...); err != nil {
		return err
	}
	if err := apply(row); err != nil {
		return err
	}

	s.sliced = nil
	s.resetCheck()
	s.state = stateFromSelector(s.selector.State())
	return nil
}

func stateFromSelector(st selector.State) State {
	switch st {
	case selector.AwaitingStart, selector.AwaitingEnd:
		return StateHeaderSelected
	case selector.RangeComplete:
		return StateRangeSelected
	default:
		return StateIdle
	}
}

// Slice materializes the selected range. Key fields that are no longer
// header columns are dropped.
func (s *Session) Slice() (*selector.SlicedTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard("slice", StateRangeSelected); err != nil {
		return nil, err
	}
	sliced, err := s.selector.Materialize()
	if err != nil {
		return nil, err
	}

	s.sliced = sliced
	s.pruneKeyFields()
	s.state = StateSliced

	s.logger.Debug("statement sliced",
		slog.Int("header", sliced.Slice.Header),
		slog.Int("start", sliced.Slice.Start),
		slog.Int("end", sliced.Slice.End),
	)
	return sliced, nil
}

// Sliced returns the current sliced table, or nil before Slice.
func (s *Session) Sliced() *selector.SlicedTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sliced
}

// Reshape splits column of the sliced table into len(names) columns. The
// state stays Sliced; a rejected reshape leaves the table untouched.
func (s *Session) Reshape(column int, sep reshape.Separator, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard("reshape", StateSliced); err != nil {
		return err
	}
	t, err := reshape.Reshape(s.sliced.Table, column, sep, names)
	if err != nil {
		return err
	}
	sliced, err := s.sliced.WithTable(t)
	if err != nil {
		return err
	}

	s.sliced = sliced
	s.pruneKeyFields()
	return nil
}

// SuggestedKeyFields proposes key fields from the sliced header.
func (s *Session) SuggestedKeyFields() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sliced == nil {
		return nil
	}
	return sniffer.SuggestKeyFields(s.sliced.Header())
}

// KeyFields returns the selected key fields in selection order.
func (s *Session) KeyFields() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.keyFields)
}

// SetKeyFields replaces the key field set. Repeated names are collapsed.
// Changing keys after a duplicate check returns the session to Sliced.
func (s *Session) SetKeyFields(fields []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard("setKeyFields", StateSliced, StateDuplicatesChecked); err != nil {
		return err
	}

	next := make([]string, 0, len(fields))
	for _, f := range fields {
		if s.sliced.ColumnIndex(f) < 0 {
			return fmt.Errorf("%w: %q", ErrUnknownKeyField, f)
		}
		if !slices.Contains(next, f) {
			next = append(next, f)
		}
	}

	s.keyFields = next
	s.backToSliced()
	return nil
}

// ToggleKeyField adds field to the key set, or removes it when present.
func (s *Session) ToggleKeyField(field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard("toggleKeyField", StateSliced, StateDuplicatesChecked); err != nil {
		return err
	}
	if s.sliced.ColumnIndex(field) < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownKeyField, field)
	}

	if i := slices.Index(s.keyFields, field); i >= 0 {
		s.keyFields = slices.Delete(s.keyFields, i, i+1)
	} else {
		s.keyFields = append(s.keyFields, field)
	}
	s.backToSliced()
	return nil
}

// CheckDuplicates runs the duplicate check. An unreachable record store
// degrades the result to intra-batch flags and the session still moves
// to DuplicatesChecked; Snapshot reports the degradation. Flagged rows
// start unapproved, every other row starts approved.
func (s *Session) CheckDuplicates(ctx context.Context) (*dedup.Result, error) {
	s.mu.Lock()
	if err := s.guard("checkDuplicates", StateSliced, StateDuplicatesChecked); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if len(s.keyFields) == 0 {
		s.mu.Unlock()
		return nil, ErrNoKeyFields
	}
	sliced := s.sliced
	keyFields := slices.Clone(s.keyFields)
	s.mu.Unlock()

	result, err := s.checker.Check(ctx, sliced, keyFields, s.OwnerID, s.AccountID)
	degraded := err != nil && errors.Is(err, dedup.ErrStoreUnavailable) && result != nil
	if err != nil && !degraded {
		return nil, fmt.Errorf("failed to check duplicates: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.abandoned {
		return nil, ErrSessionAbandoned
	}
	if s.sliced != sliced || !slices.Equal(s.keyFields, keyFields) {
		return nil, fmt.Errorf("%w: selection changed during duplicate check", ErrInvalidTransition)
	}

	s.result = result
	s.storeErr = nil
	if degraded {
		s.storeErr = err
		s.logger.Warn("duplicate check ran without record store", slog.Any("error", err))
	}

	s.approved = make(map[int]bool, sliced.DataRowCount())
	for i := 0; i < sliced.DataRowCount(); i++ {
		src := sliced.SourceRow(i)
		_, flagged := result.Flag(src)
		s.approved[src] = !flagged
	}
	s.state = StateDuplicatesChecked

	s.logger.Info("duplicates checked",
		slog.Int("rows", sliced.DataRowCount()),
		slog.Int("intra_batch", result.Count(dedup.OriginIntraBatch)),
		slog.Int("external_store", result.Count(dedup.OriginExternalStore)),
		slog.Bool("store_degraded", degraded),
	)
	return result, nil
}

// SetRowApproved keeps (true) or skips (false) a source row on save.
func (s *Session) SetRowApproved(sourceRow int, approved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard("setRowApproved", StateDuplicatesChecked); err != nil {
		return err
	}
	if _, ok := s.approved[sourceRow]; !ok {
		return fmt.Errorf("%w: %d", ErrRowOutOfRange, sourceRow)
	}
	s.approved[sourceRow] = approved
	return nil
}

// ApprovedRows returns the source indices of rows that will be saved, in
// slice order.
func (s *Session) ApprovedRows() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.approvedRowsLocked()
	out := make([]int, len(rows))
	for i, r := range rows {
		out[i] = r.source
	}
	return out
}

func (s *Session) approvedRowsLocked() []pendingRow {
	if s.sliced == nil || s.approved == nil {
		return nil
	}
	var rows []pendingRow
	for i := 0; i < s.sliced.DataRowCount(); i++ {
		src := s.sliced.SourceRow(i)
		if !s.approved[src] {
			continue
		}
		cells, _ := s.sliced.DataRow(i)
		rows = append(rows, pendingRow{source: src, cells: cells})
	}
	return rows
}

// Save imports the approved rows. While it runs the session is Saving and
// rejects other changes; Abandon stops it after the in-flight batch. The
// returned counts are cumulative for the session. A failed save leaves
// the session Failed with an error wrapping *batch.PartialFailure.
func (s *Session) Save(ctx context.Context) (*batch.Outcome, error) {
	s.mu.Lock()
	if err := s.guard("save", StateDuplicatesChecked); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.pending = s.approvedRowsLocked()
	s.importID = uuid.New()
	s.submitted = 0
	s.total = len(s.pending)
	return s.runImportLocked(ctx, 0)
}

// Resume retries a failed save from the first row that was not persisted.
func (s *Session) Resume(ctx context.Context) (*batch.Outcome, error) {
	s.mu.Lock()
	if err := s.guard("resume", StateFailed); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if s.submitted >= len(s.pending) {
		s.mu.Unlock()
		return nil, ErrNothingToResume
	}
	return s.runImportLocked(ctx, s.submitted)
}

// runImportLocked submits pending[from:]. It is entered with mu held and
// releases it while batches are in flight.
func (s *Session) runImportLocked(ctx context.Context, from int) (*batch.Outcome, error) {
	rows := s.pending[from:]
	req := batch.Request{
		StatementID: s.StatementID,
		OwnerID:     s.OwnerID,
		AccountID:   s.AccountID,
		ImportID:    s.importID,
		Header:      s.sliced.Header(),
		Rows:        make([][]string, len(rows)),
		SourceRows:  make([]int, len(rows)),
		KeyFields:   slices.Clone(s.keyFields),
	}
	for i, r := range rows {
		req.Rows[i] = r.cells
		req.SourceRows[i] = r.source
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = StateSaving
	s.lastErr = nil
	s.mu.Unlock()
	defer cancel()

	outcome, err := s.importer.Import(runCtx, req, func(p batch.Progress) {
		s.mu.Lock()
		s.submitted = from + p.Submitted
		s.lastActive = s.now()
		s.mu.Unlock()
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = nil

	if err != nil {
		var pf *batch.PartialFailure
		if errors.As(err, &pf) {
			s.submitted = from + pf.Submitted
			err = &batch.PartialFailure{Submitted: s.submitted, Total: s.total, Cause: pf.Cause}
		}
		s.state = StateFailed
		s.lastErr = err
		s.invalidateLocked(s.submitted > from)
		return nil, fmt.Errorf("failed to save statement rows: %w", err)
	}

	s.submitted = from + outcome.Submitted
	s.state = StateCompleted
	s.invalidateLocked(outcome.Submitted > 0)

	return &batch.Outcome{
		ImportID:  s.importID,
		Submitted: s.submitted,
		Total:     s.total,
		Batches:   outcome.Batches,
	}, nil
}

func (s *Session) invalidateLocked(wrote bool) {
	if wrote && s.invalidator != nil {
		s.invalidator.Invalidate(s.OwnerID, s.AccountID)
	}
}

// Abandon stops the session. A running save finishes its current batch
// and then stops; rows already submitted stay persisted.
func (s *Session) Abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.abandoned {
		return
	}
	s.abandoned = true
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("session abandoned",
		slog.String("state", s.state.String()),
		slog.Int("submitted", s.submitted),
	)
}

// IdleSince reports how long the session has gone without an operation.
func (s *Session) IdleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive)
}

// Report writes the duplicate flags with their approval state as CSV.
func (s *Session) Report(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.result == nil {
		return fmt.Errorf("%w: report before duplicate check", ErrInvalidTransition)
	}
	return dedup.WriteReport(w, s.result.Flags, s.approved)
}

// Snapshot returns a copy of the session's observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:            s.ID,
		OwnerID:       s.OwnerID,
		AccountID:     s.AccountID,
		StatementID:   s.StatementID,
		State:         s.state,
		Selection:     s.selector.Selection(),
		RowCount:      s.table.RowCount(),
		KeyFields:     slices.Clone(s.keyFields),
		StoreDegraded: s.storeErr != nil,
		Submitted:     s.submitted,
		Total:         s.total,
		Abandoned:     s.abandoned,
	}
	if s.result != nil {
		snap.Flags = slices.Clone(s.result.Flags)
		snap.UsedFallback = s.result.UsedFallback
	}
	for _, ok := range s.approved {
		if ok {
			snap.Approved++
		}
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	} else if s.storeErr != nil {
		snap.LastError = s.storeErr.Error()
	}
	return snap
}

// resetCheck discards duplicate results and approvals. Callers hold mu.
func (s *Session) resetCheck() {
	s.result = nil
	s.storeErr = nil
	s.approved = nil
}

func (s *Session) backToSliced() {
	if s.state == StateDuplicatesChecked {
		s.resetCheck()
		s.state = StateSliced
	}
}

func (s *Session) pruneKeyFields() {
	kept := s.keyFields[:0]
	for _, f := range s.keyFields {
		if s.sliced.ColumnIndex(f) >= 0 {
			kept = append(kept, f)
		}
	}
	s.keyFields = kept
}
