// Package repository is the record store boundary of the import pipeline:
// previously persisted statement rows are read for duplicate checks and
// approved rows are written in batches.
package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Record is one persisted statement row, keyed by column caption. Values
// are strings or numbers as the store returns them.
type Record map[string]any

// BatchMetadata travels with every batch so the store can group and audit
// what one import wrote.
type BatchMetadata struct {
	ImportID   uuid.UUID
	KeyFields  []string
	BatchIndex int
	BatchCount int
	SourceRows []int
}

// Batch is one bounded write: the header plus a contiguous run of approved rows.
type Batch struct {
	StatementID uuid.UUID
	OwnerID     uuid.UUID
	AccountID   uuid.UUID
	Header      []string
	Rows        [][]string
	Metadata    BatchMetadata
}

// RecordReader fetches everything persisted for an owner and account.
type RecordReader interface {
	FetchRecords(ctx context.Context, ownerID, accountID uuid.UUID) ([]Record, error)
}

// RecordWriter persists one batch. Batches already written are never
// rolled back by the caller.
type RecordWriter interface {
	SubmitBatch(ctx context.Context, batch Batch) error
}

// RecordStore reads and writes statement records.
type RecordStore interface {
	RecordReader
	RecordWriter
}

// Invalidator drops any cached view of an owner and account's records.
type Invalidator interface {
	Invalidate(ownerID, accountID uuid.UUID)
}

// RecordFromRow maps a data row onto header captions. Blank captions get
// a positional name; a repeated caption keeps its first value.
func RecordFromRow(header, row []string) Record {
	rec := make(Record, len(header))
	for i, h := range header {
		name := strings.TrimSpace(h)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		if _, exists := rec[name]; exists {
			continue
		}
		if i < len(row) {
			rec[name] = row[i]
		} else {
			rec[name] = ""
		}
	}
	return rec
}

// Clone returns a shallow copy so callers cannot mutate stored records.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

type scope struct {
	owner   uuid.UUID
	account uuid.UUID
}
