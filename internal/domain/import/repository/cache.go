package repository

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// CachedReader memoizes FetchRecords per owner and account. Callers must
// Invalidate a scope after writing to it; nothing expires on its own.
type CachedReader struct {
	next   RecordReader
	logger *slog.Logger

	mu      sync.Mutex
	entries map[scope][]Record
}

// NewCachedReader wraps next with a per-scope cache
func NewCachedReader(next RecordReader, logger *slog.Logger) *CachedReader {
	return &CachedReader{
		next:    next,
		logger:  logger,
		entries: make(map[scope][]Record),
	}
}

func (c *CachedReader) FetchRecords(ctx context.Context, ownerID, accountID uuid.UUID) ([]Record, error) {
	key := scope{owner: ownerID, account: accountID}

	c.mu.Lock()
	cached, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return cloneRecords(cached), nil
	}

	records, err := c.next.FetchRecords(ctx, ownerID, accountID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cloneRecords(records)
	c.mu.Unlock()

	return records, nil
}

// Invalidate drops the cached records of one owner and account.
func (c *CachedReader) Invalidate(ownerID, accountID uuid.UUID) {
	c.mu.Lock()
	delete(c.entries, scope{owner: ownerID, account: accountID})
	c.mu.Unlock()

	c.logger.Debug("record cache invalidated",
		slog.String("owner_id", ownerID.String()),
		slog.String("account_id", accountID.String()),
	)
}

func cloneRecords(in []Record) []Record {
	out := make([]Record, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
