// Package service orchestrates statement import sessions: slicing,
// reshaping, duplicate checking and batched saving.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FACorreiaa/statement-slicer/internal/domain/import/parser"
	"github.com/FACorreiaa/statement-slicer/internal/domain/import/repository"
	"github.com/FACorreiaa/statement-slicer/pkg/storage"
)

var (
	ErrSessionNotFound = errors.New("import session not found")
	ErrNoStorage       = errors.New("statement file storage not configured")
)

const DefaultIdleTTL = 30 * time.Minute

const spreadsheetContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ImportService keeps the live import sessions. Sessions are not persisted;
// only the rows they save survive.
type ImportService struct {
	checker     DuplicateChecker
	importer    RowImporter
	invalidator repository.Invalidator
	files       storage.Storage
	logger      *slog.Logger
	idleTTL     time.Duration
	delimiter   rune
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewImportService creates a session registry
func NewImportService(checker DuplicateChecker, importer RowImporter, logger *slog.Logger) *ImportService {
	return &ImportService{
		checker:   checker,
		importer:  importer,
		logger:    logger,
		idleTTL:   DefaultIdleTTL,
		delimiter: ',',
		now:       time.Now,
		sessions:  make(map[uuid.UUID]*Session),
	}
}

// WithInvalidator sets the cache that is invalidated after a save writes rows.
func (s *ImportService) WithInvalidator(inv repository.Invalidator) *ImportService {
	s.invalidator = inv
	return s
}

// WithStorage enables OpenFile.
func (s *ImportService) WithStorage(files storage.Storage) *ImportService {
	s.files = files
	return s
}

// WithIdleTTL sets how long a session may sit unused before SweepIdle
// abandons it.
func (s *ImportService) WithIdleTTL(ttl time.Duration) *ImportService {
	if ttl > 0 {
		s.idleTTL = ttl
	}
	return s
}

// WithDelimiter sets the field delimiter for delimited text.
func (s *ImportService) WithDelimiter(r rune) *ImportService {
	if r != 0 {
		s.delimiter = r
	}
	return s
}

// WithClock replaces time.Now, for tests.
func (s *ImportService) WithClock(now func() time.Time) *ImportService {
	if now != nil {
		s.now = now
	}
	return s
}

// OpenText parses delimited statement text and starts a session over it.
func (s *ImportService) OpenText(ownerID, accountID, statementID uuid.UUID, text string) (*Session, error) {
	t, err := parser.Parse(text, parser.WithDelimiter(s.delimiter))
	if err != nil {
		return nil, fmt.Errorf("failed to parse statement: %w", err)
	}
	return s.open(ownerID, accountID, statementID, t), nil
}

// OpenFile loads a stored statement file, CSV or XLSX, and starts a
// session over it. The file id doubles as the statement id.
func (s *ImportService) OpenFile(ctx context.Context, ownerID, accountID, fileID uuid.UUID) (*Session, error) {
	if s.files == nil {
		return nil, ErrNoStorage
	}

	rc, info, err := s.files.GetReader(ctx, ownerID, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to open statement file: %w", err)
	}
	defer rc.Close()

	var t *parser.Table
	if isSpreadsheet(info) {
		t, err = parser.ParseXLSX(rc, "")
	} else {
		t, err = parser.ParseReader(rc, parser.WithDelimiter(s.delimiter))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse statement file %s: %w", info.Name, err)
	}

	return s.open(ownerID, accountID, fileID, t), nil
}

func isSpreadsheet(info *storage.FileInfo) bool {
	if info.ContentType == spreadsheetContentType {
		return true
	}
	return strings.EqualFold(filepath.Ext(info.Name), ".xlsx")
}

func (s *ImportService) open(ownerID, accountID, statementID uuid.UUID, t *parser.Table) *Session {
	sess := newSession(ownerID, accountID, statementID, t, s.checker, s.importer, s.invalidator, s.logger, s.now)

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.logger.Info("import session opened",
		slog.String("session_id", sess.ID.String()),
		slog.String("statement_id", statementID.String()),
		slog.Int("rows", t.RowCount()),
		slog.Int("columns", t.ColumnCount()),
	)
	return sess
}

// Get returns a live session.
func (s *ImportService) Get(id uuid.UUID) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// Close abandons a session and forgets it.
func (s *ImportService) Close(id uuid.UUID) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.Abandon()
	return nil
}

// Len returns the number of live sessions.
func (s *ImportService) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SweepIdle abandons and forgets sessions idle for longer than the TTL.
// A session caught mid-save stops after its current batch.
func (s *ImportService) SweepIdle(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var stale []*Session
	for id, sess := range s.sessions {
		if sess.IdleSince(now) > s.idleTTL {
			stale = append(stale, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range stale {
		sess.Abandon()
	}
	if len(stale) > 0 {
		s.logger.InfoContext(ctx, "idle import sessions swept",
			slog.Int("swept", len(stale)),
			slog.Duration("idle_ttl", s.idleTTL),
		)
	}
	return len(stale)
}
