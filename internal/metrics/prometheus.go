package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes of a single view capture.
const (
	ViewConfirmed   = "confirmed"
	ViewUnconfirmed = "unconfirmed"
	ViewFailed      = "failed"
)

// Metrics holds the Prometheus collectors of a batch run. Each instance owns
// its registry so several runs (or tests) never collide.
type Metrics struct {
	Registry *prometheus.Registry

	assetsProcessed *prometheus.CounterVec
	viewCaptures    *prometheus.CounterVec
	downloadLatency prometheus.Histogram
	uploadLatency   prometheus.Histogram
	cacheLookups    *prometheus.CounterVec
	cacheSize       prometheus.Gauge
}

// NewMetrics creates and registers all batch metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		assetsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glb_assets_processed_total",
				Help: "Assets processed, by result status",
			},
			[]string{"status"},
		),
		viewCaptures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glb_view_captures_total",
				Help: "View capture attempts, by outcome",
			},
			[]string{"outcome"},
		),
		downloadLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "glb_download_duration_seconds",
				Help:    "Time to download and validate a GLB binary",
				Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		uploadLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "glb_upload_duration_seconds",
				Help:    "Time to upload one screenshot",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glb_cache_lookups_total",
				Help: "GLB download cache lookups, by result",
			},
			[]string{"result"},
		),
		cacheSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "glb_cache_size_bytes",
				Help: "Current GLB download cache size in bytes",
			},
		),
	}
}

// RecordAsset increments the processed counter for status. All Record
// methods are no-ops on a nil *Metrics.
func (m *Metrics) RecordAsset(status string) {
	if m == nil {
		return
	}
	m.assetsProcessed.WithLabelValues(status).Inc()
}

// RecordView increments the capture counter for outcome.
func (m *Metrics) RecordView(outcome string) {
	if m == nil {
		return
	}
	m.viewCaptures.WithLabelValues(outcome).Inc()
}

// RecordDownload observes a download duration.
func (m *Metrics) RecordDownload(d time.Duration) {
	if m == nil {
		return
	}
	m.downloadLatency.Observe(d.Seconds())
}

// RecordUpload observes an upload duration.
func (m *Metrics) RecordUpload(d time.Duration) {
	if m == nil {
		return
	}
	m.uploadLatency.Observe(d.Seconds())
}

// RecordCacheLookup counts a download cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// SetCacheSize sets the current download cache size.
func (m *Metrics) SetCacheSize(bytes int64) {
	if m == nil {
		return
	}
	m.cacheSize.Set(float64(bytes))
}
