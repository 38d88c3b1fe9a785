package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Refresh Prometheus metrics.
var (
	RefreshRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubcache",
			Name:      "refresh_runs_total",
			Help:      "Total number of refresh runs",
		},
		[]string{"data_type", "status"},
	)

	RefreshItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubcache",
			Name:      "refresh_items_total",
			Help:      "Items written to the object store by refresh",
		},
		[]string{"data_type"},
	)

	RefreshSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubcache",
			Name:      "refresh_skipped_total",
			Help:      "Items skipped during refresh (missing id)",
		},
		[]string{"data_type"},
	)

	RefreshPagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubcache",
			Name:      "refresh_pages_total",
			Help:      "Pages fetched from the CRM source",
		},
		[]string{"data_type"},
	)

	RefreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hubcache",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of a refresh run in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"data_type"},
	)

	IndexVectors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hubcache",
			Name:      "index_vectors",
			Help:      "Vectors in today's index generation",
		},
	)
)

// Embedding Prometheus metrics.
var (
	EmbeddingRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubcache",
			Name:      "embedding_requests_total",
			Help:      "Total number of embedding requests",
		},
		[]string{"provider", "model", "status"},
	)

	EmbeddingRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hubcache",
			Name:      "embedding_request_duration_seconds",
			Help:      "Embedding request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"provider", "model"},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RefreshRunsTotal,
			RefreshItemsTotal,
			RefreshSkippedTotal,
			RefreshPagesTotal,
			RefreshDuration,
			IndexVectors,
			EmbeddingRequestsTotal,
			EmbeddingRequestDuration,
		)
	})
}
