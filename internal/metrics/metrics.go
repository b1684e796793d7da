// Package metrics exposes Prometheus instruments for duplicate detection
// and scraping runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "swissnews"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Duplicates     *prometheus.CounterVec
	DetectionTime  prometheus.Histogram
	Articles       *prometheus.CounterVec
	Runs           *prometheus.CounterVec
	OutletFailures *prometheus.CounterVec
	RunDuration    prometheus.Histogram
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_detected_total",
			Help:      "Duplicate articles detected, by match type.",
		}, []string{"match_type"}),
		DetectionTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "duplicate_detection_seconds",
			Help:      "Time spent deciding whether content is a duplicate.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		Articles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "articles_ingested_total",
			Help:      "Scraped articles by ingestion outcome.",
		}, []string{"action"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scraping_runs_total",
			Help:      "Scraping cycles by final status.",
		}, []string{"status"}),
		OutletFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outlet_failures_total",
			Help:      "Outlets whose scrape failed.",
		}, []string{"outlet"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scraping_run_duration_seconds",
			Help:      "Wall time of completed scraping cycles.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	m.registry.MustRegister(m.Duplicates, m.DetectionTime, m.Articles, m.Runs, m.OutletFailures, m.RunDuration)
	return m
}

// Handler serves the registered collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDetection records one duplicate check.
func (m *Metrics) ObserveDetection(d time.Duration) {
	if m == nil {
		return
	}
	m.DetectionTime.Observe(d.Seconds())
}

// IncDuplicate counts a duplicate found by the given check.
func (m *Metrics) IncDuplicate(matchType string) {
	if m == nil {
		return
	}
	m.Duplicates.WithLabelValues(matchType).Inc()
}

// IncArticle counts an ingestion outcome.
func (m *Metrics) IncArticle(action string) {
	if m == nil {
		return
	}
	m.Articles.WithLabelValues(action).Inc()
}

// IncOutletFailure counts a failed outlet scrape.
func (m *Metrics) IncOutletFailure(outlet string) {
	if m == nil {
		return
	}
	m.OutletFailures.WithLabelValues(outlet).Inc()
}

// ObserveRun counts a finished cycle and its duration.
func (m *Metrics) ObserveRun(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(status).Inc()
	if d > 0 {
		m.RunDuration.Observe(d.Seconds())
	}
}
