// Package batch persists approved statement rows in bounded, sequential
// batches with progress reporting and fail-fast partial failure.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/statement-slicer/internal/domain/import/repository"
	"github.com/FACorreiaa/statement-slicer/pkg/metrics"
)

const (
	DefaultBatchSize       = 25
	DefaultInterBatchDelay = time.Second
)

var ErrEmptyHeader = errors.New("import requires a header row")

// Request is everything one import run submits. SourceRows holds the
// statement row index of each entry in Rows. A zero ImportID gets a fresh id.
type Request struct {
	StatementID uuid.UUID
	OwnerID     uuid.UUID
	AccountID   uuid.UUID
	ImportID    uuid.UUID
	Header      []string
	Rows        [][]string
	SourceRows  []int
	KeyFields   []string
}

// Progress is reported after every accepted batch.
type Progress struct {
	BatchIndex int
	BatchCount int
	BatchSize  int
	Submitted  int
	Total      int
}

// Outcome describes a completed import.
type Outcome struct {
	ImportID  uuid.UUID
	Submitted int
	Total     int
	Batches   int
}

// PartialFailure is returned when a batch fails or the run is cancelled
// between batches. Rows counted in Submitted are persisted and stay so.
type PartialFailure struct {
	Submitted int
	Total     int
	Cause     error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("import stopped after %d of %d rows: %v", e.Submitted, e.Total, e.Cause)
}

func (e *PartialFailure) Unwrap() error {
	return e.Cause
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Importer submits batches one at a time; it never has more than one
// submission in flight.
type Importer struct {
	writer    repository.RecordWriter
	logger    *slog.Logger
	metrics   *metrics.ImportMetrics
	tracer    trace.Tracer
	batchSize int
	delay     time.Duration
	sleep     Sleeper
}

// NewImporter creates an importer with the default batch size and delay
func NewImporter(writer repository.RecordWriter, logger *slog.Logger) *Importer {
	return &Importer{
		writer:    writer,
		logger:    logger,
		tracer:    otel.Tracer("statement-slicer/batch"),
		batchSize: DefaultBatchSize,
		delay:     DefaultInterBatchDelay,
		sleep:     sleepContext,
	}
}

// WithBatchSize sets the maximum rows per batch. Non-positive values are ignored.
func (im *Importer) WithBatchSize(n int) *Importer {
	if n > 0 {
		im.batchSize = n
	}
	return im
}

// WithInterBatchDelay sets the wait between consecutive batches.
func (im *Importer) WithInterBatchDelay(d time.Duration) *Importer {
	if d >= 0 {
		im.delay = d
	}
	return im
}

// WithMetrics records each submission on m.
func (im *Importer) WithMetrics(m *metrics.ImportMetrics) *Importer {
	im.metrics = m
	return im
}

// WithTracer replaces the default tracer.
func (im *Importer) WithTracer(t trace.Tracer) *Importer {
	if t != nil {
		im.tracer = t
	}
	return im
}

// WithSleeper replaces the inter-batch wait, mainly for tests.
func (im *Importer) WithSleeper(s Sleeper) *Importer {
	if s != nil {
		im.sleep = s
	}
	return im
}

// BatchSize returns the configured batch size.
func (im *Importer) BatchSize() int {
	return im.batchSize
}

// Import partitions req.Rows into batches and submits them in order,
// waiting between batches. onProgress, when set, runs after each accepted
// batch. ctx is checked before every batch and during the wait; a batch
// already submitted runs to completion even if ctx is cancelled meanwhile.
// The first failure stops the run with a *PartialFailure.
func (im *Importer) Import(ctx context.Context, req Request, onProgress func(Progress)) (*Outcome, error) {
	if len(req.Header) == 0 {
		return nil, ErrEmptyHeader
	}

	importID := req.ImportID
	if importID == uuid.Nil {
		importID = uuid.New()
	}

	total := len(req.Rows)
	count := batchCount(total, im.batchSize)
	submitted := 0

	im.logger.Info("starting import",
		slog.String("import_id", importID.String()),
		slog.String("statement_id", req.StatementID.String()),
		slog.Int("rows", total),
		slog.Int("batches", count),
		slog.Int("batch_size", im.batchSize),
	)

	for b := 0; b < count; b++ {
		if b > 0 {
			if err := im.sleep(ctx, im.delay); err != nil {
				return nil, im.fail(importID, submitted, total, fmt.Errorf("import cancelled: %w", err))
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, im.fail(importID, submitted, total, fmt.Errorf("import cancelled: %w", err))
		}

		lo := b * im.batchSize
		hi := min(lo+im.batchSize, total)
		batch := repository.Batch{
			StatementID: req.StatementID,
			OwnerID:     req.OwnerID,
			AccountID:   req.AccountID,
			Header:      req.Header,
			Rows:        req.Rows[lo:hi],
			Metadata: repository.BatchMetadata{
				ImportID:   importID,
				KeyFields:  req.KeyFields,
				BatchIndex: b,
				BatchCount: count,
				SourceRows: sourceRows(req.SourceRows, lo, hi),
			},
		}

		if err := im.submit(context.WithoutCancel(ctx), batch); err != nil {
			return nil, im.fail(importID, submitted, total, fmt.Errorf("batch %d of %d: %w", b+1, count, err))
		}

		submitted += hi - lo
		if onProgress != nil {
			onProgress(Progress{
				BatchIndex: b,
				BatchCount: count,
				BatchSize:  hi - lo,
				Submitted:  submitted,
				Total:      total,
			})
		}
	}

	im.logger.Info("import complete",
		slog.String("import_id", importID.String()),
		slog.Int("submitted", submitted),
		slog.Int("batches", count),
	)

	return &Outcome{ImportID: importID, Submitted: submitted, Total: total, Batches: count}, nil
}

func (im *Importer) submit(ctx context.Context, batch repository.Batch) error {
	ctx, span := im.tracer.Start(ctx, "batch.Submit", trace.WithAttributes(
		attribute.String("import_id", batch.Metadata.ImportID.String()),
		attribute.Int("batch_index", batch.Metadata.BatchIndex),
		attribute.Int("rows", len(batch.Rows)),
	))
	defer span.End()

	start := time.Now()
	err := im.writer.SubmitBatch(ctx, batch)
	im.metrics.ObserveBatch(len(batch.Rows), time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch rejected")
		return err
	}
	return nil
}

func (im *Importer) fail(importID uuid.UUID, submitted, total int, cause error) error {
	im.logger.Error("import stopped",
		slog.String("import_id", importID.String()),
		slog.Int("submitted", submitted),
		slog.Int("total", total),
		slog.Any("error", cause),
	)
	return &PartialFailure{Submitted: submitted, Total: total, Cause: cause}
}

func batchCount(rows, size int) int {
	if rows == 0 {
		return 0
	}
	return (rows + size - 1) / size
}

func sourceRows(all []int, lo, hi int) []int {
	if len(all) < hi {
		return nil
	}
	return all[lo:hi]
}
