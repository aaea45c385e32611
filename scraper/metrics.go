package scraper

import (
	"time"

	"github.com/PavelKucherenko/sf-ds50-course/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the scraper.
type Metrics struct {
	Registry         *prometheus.Registry
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  prometheus.Histogram
	PagesParsedTotal prometheus.Counter
	ReviewsTotal     prometheus.Counter
	ErrorsTotal      *prometheus.CounterVec
	BatchesTotal     prometheus.Counter
	BatchDuration    prometheus.Histogram
	BatchRowsTotal   *prometheus.CounterVec
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_requests_total",
			Help: "Total HTTP requests issued by the scraper.",
		},
		[]string{"phase"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scraper_request_duration_seconds",
			Help:    "HTTP request latency for scraper requests.",
			Buckets: prometheus.DefBuckets,
		},
	)
	pagesParsed := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_pages_parsed_total",
			Help: "Total number of pages parsed successfully.",
		},
	)
	reviews := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_reviews_extracted_total",
			Help: "Total number of review records extracted.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_errors_total",
			Help: "Total number of scraper errors by type.",
		},
		[]string{"error_type"},
	)
	batches := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_batches_total",
			Help: "Total number of batches written.",
		},
	)
	batchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scraper_batch_duration_seconds",
			Help:    "Time from opening a batch session to the batch being written.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
	batchRows := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_batch_rows_total",
			Help: "Rows written to batch outputs by outcome.",
		},
		[]string{"outcome"},
	)

	registry.MustRegister(requests, requestDuration, pagesParsed, reviews, errorsTotal, batches, batchDuration, batchRows)

	return &Metrics{
		Registry:         registry,
		RequestsTotal:    requests,
		RequestDuration:  requestDuration,
		PagesParsedTotal: pagesParsed,
		ReviewsTotal:     reviews,
		ErrorsTotal:      errorsTotal,
		BatchesTotal:     batches,
		BatchDuration:    batchDuration,
		BatchRowsTotal:   batchRows,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(phase string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(phase).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// IncPages counts one parsed page and its reviews.
func (m *Metrics) IncPages(reviews int) {
	if m == nil {
		return
	}
	m.PagesParsedTotal.Inc()
	m.ReviewsTotal.Add(float64(reviews))
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// ObserveBatch records a written batch.
func (m *Metrics) ObserveBatch(d time.Duration, table *models.BatchTable) {
	if m == nil || table == nil {
		return
	}
	m.BatchesTotal.Inc()
	m.BatchDuration.Observe(d.Seconds())
	m.BatchRowsTotal.WithLabelValues("success").Add(float64(table.Successes()))
	m.BatchRowsTotal.WithLabelValues("failure").Add(float64(table.Failures()))
	m.BatchRowsTotal.WithLabelValues("cached").Add(float64(table.CacheHits))
}
