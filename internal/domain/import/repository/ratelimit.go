package repository

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedWriter spaces out batch submissions on top of the importer's
// own inter-batch delay, for stores with a hard request quota.
type RateLimitedWriter struct {
	next    RecordWriter
	limiter *rate.Limiter
}

// NewRateLimitedWriter allows perSecond submissions with the given burst.
// A non-positive perSecond disables limiting.
func NewRateLimitedWriter(next RecordWriter, perSecond float64, burst int) *RateLimitedWriter {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedWriter{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (w *RateLimitedWriter) SubmitBatch(ctx context.Context, batch Batch) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return w.next.SubmitBatch(ctx, batch)
}
