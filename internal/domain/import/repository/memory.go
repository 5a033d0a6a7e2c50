package repository

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process RecordStore for dry runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[scope][]Record
	batches []Batch
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[scope][]Record)}
}

// Seed adds records as if an earlier import had written them.
func (s *MemoryStore) Seed(ownerID, accountID uuid.UUID, records ...Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scope{owner: ownerID, account: accountID}
	for _, r := range records {
		s.records[key] = append(s.records[key], r.Clone())
	}
}

func (s *MemoryStore) FetchRecords(ctx context.Context, ownerID, accountID uuid.UUID) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.records[scope{owner: ownerID, account: accountID}]
	out := make([]Record, len(stored))
	for i, r := range stored {
		out[i] = r.Clone()
	}
	return out, nil
}

func (s *MemoryStore) SubmitBatch(ctx context.Context, batch Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scope{owner: batch.OwnerID, account: batch.AccountID}
	for _, row := range batch.Rows {
		s.records[key] = append(s.records[key], RecordFromRow(batch.Header, row))
	}
	s.batches = append(s.batches, batch)
	return nil
}

// Batches returns the batches written so far, in order.
func (s *MemoryStore) Batches() []Batch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Batch, len(s.batches))
	copy(out, s.batches)
	return out
}
