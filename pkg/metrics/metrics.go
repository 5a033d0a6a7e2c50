// Package metrics exposes Prometheus collectors for the import pipeline.
package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/FACorreiaa/statement-slicer/pkg/logging"
)

const namespace = "statement_slicer"

// ImportMetrics groups the collectors touched by the duplicate check and
// the batch importer. A nil *ImportMetrics records nothing.
type ImportMetrics struct {
	BatchesSubmitted   prometheus.Counter
	BatchFailures      prometheus.Counter
	RowsSubmitted      prometheus.Counter
	BatchDuration      prometheus.Histogram
	DuplicatesFlagged  *prometheus.CounterVec
	StoreFetchFailures prometheus.Counter
}

// NewImportMetrics registers the import collectors on reg.
func NewImportMetrics(reg prometheus.Registerer) *ImportMetrics {
	factory := promauto.With(reg)
	return &ImportMetrics{
		BatchesSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_submitted_total",
			Help:      "Batches accepted by the record store.",
		}),
		BatchFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_failures_total",
			Help:      "Batches rejected by the record store.",
		}),
		RowsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_submitted_total",
			Help:      "Statement rows persisted.",
		}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_submit_duration_seconds",
			Help:      "Time spent submitting one batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		DuplicatesFlagged: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_flagged_total",
			Help:      "Rows flagged as duplicates, by origin.",
		}, []string{"origin"}),
		StoreFetchFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_fetch_failures_total",
			Help:      "Failed record store reads during duplicate checks.",
		}),
	}
}

// ObserveBatch records one submission attempt.
func (m *ImportMetrics) ObserveBatch(rows int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.BatchDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.BatchFailures.Inc()
		return
	}
	m.BatchesSubmitted.Inc()
	m.RowsSubmitted.Add(float64(rows))
}

// ObserveDuplicates adds n flags for origin.
func (m *ImportMetrics) ObserveDuplicates(origin string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.DuplicatesFlagged.WithLabelValues(origin).Add(float64(n))
}

// ObserveStoreFailure counts a failed record store read.
func (m *ImportMetrics) ObserveStoreFailure() {
	if m == nil {
		return
	}
	m.StoreFetchFailures.Inc()
}

// NewServer serves /metrics for gatherer on port.
func NewServer(port int, gatherer prometheus.Gatherer, logger *slog.Logger) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logging.Middleware)
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	logger.Info("metrics server configured", slog.Int("port", port))

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
