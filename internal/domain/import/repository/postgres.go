package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DBTX is the subset of pgxpool.Pool the store needs; pgxmock satisfies it
// in tests.
type DBTX interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var recordColumns = []string{"id", "batch_id", "statement_id", "owner_id", "account_id", "position", "fields"}

// PostgresStore implements RecordStore on the statement_records table.
type PostgresStore struct {
	db     DBTX
	logger *slog.Logger
}

// NewPostgresStore creates a PostgreSQL record store
func NewPostgresStore(db DBTX, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// FetchRecords returns every record stored for the owner and account, in
// insertion order. Numbers keep their textual form via json.Number.
func (s *PostgresStore) FetchRecords(ctx context.Context, ownerID, accountID uuid.UUID) ([]Record, error) {
	query := `
		SELECT fields
		FROM statement_records
		WHERE owner_id = $1 AND account_id = $2
		ORDER BY created_at, batch_id, position`

	rows, err := s.db.Query(ctx, query, ownerID, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query statement records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan statement record: %w", err)
		}

		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("failed to decode statement record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate statement records: %w", err)
	}

	return records, nil
}

// SubmitBatch writes the batch row and its records in one transaction.
func (s *PostgresStore) SubmitBatch(ctx context.Context, batch Batch) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	header, err := json.Marshal(batch.Header)
	if err != nil {
		return fmt.Errorf("failed to encode batch header: %w", err)
	}

	batchID := uuid.New()
	keyFields := batch.Metadata.KeyFields
	if keyFields == nil {
		keyFields = []string{}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO statement_import_batches
			(id, import_id, statement_id, owner_id, account_id, batch_index, batch_count, header, key_fields, row_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		batchID,
		batch.Metadata.ImportID,
		batch.StatementID,
		batch.OwnerID,
		batch.AccountID,
		batch.Metadata.BatchIndex,
		batch.Metadata.BatchCount,
		header,
		keyFields,
		len(batch.Rows),
	)
	if err != nil {
		return fmt.Errorf("failed to insert import batch: %w", err)
	}

	copyRows := make([][]any, 0, len(batch.Rows))
	for i, row := range batch.Rows {
		fields, mErr := json.Marshal(RecordFromRow(batch.Header, row))
		if mErr != nil {
			return fmt.Errorf("failed to encode statement record: %w", mErr)
		}
		position := i
		if i < len(batch.Metadata.SourceRows) {
			position = batch.Metadata.SourceRows[i]
		}
		copyRows = append(copyRows, []any{
			uuid.New(), batchID, batch.StatementID, batch.OwnerID, batch.AccountID, position, fields,
		})
	}

	copied, err := tx.CopyFrom(ctx, pgx.Identifier{"statement_records"}, recordColumns, pgx.CopyFromRows(copyRows))
	if err != nil {
		return fmt.Errorf("failed to copy statement records: %w", err)
	}
	if int(copied) != len(copyRows) {
		err = fmt.Errorf("copied %d statement records, want %d", copied, len(copyRows))
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit import batch: %w", err)
	}

	s.logger.Debug("import batch stored",
		slog.String("import_id", batch.Metadata.ImportID.String()),
		slog.Int("batch_index", batch.Metadata.BatchIndex),
		slog.Int("rows", len(copyRows)),
	)
	return nil
}
