// Package metrics defines the backend-neutral metric instruments used by the
// gateway. Drivers (Prometheus) live under internal/metrics/driver.
package metrics

import "net/http"

// Counter represents a counter metric that only goes up
type Counter interface {
	Inc()
	// Add adds the given value to the counter. The value must be >= 0
	Add(delta float64)
	Get() float64
}

// Gauge represents a gauge metric that can go up and down
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
	Get() float64
}

// Histogram represents a histogram metric for observing distributions
type Histogram interface {
	Observe(value float64)
	GetCount() uint64
	GetSum() float64
}

// CounterVec represents a vector of counters with different label values
type CounterVec interface {
	WithLabelValues(lvs ...string) Counter
	DeleteLabelValues(lvs ...string) bool
	Reset()
}

// GaugeVec represents a vector of gauges with different label values
type GaugeVec interface {
	WithLabelValues(lvs ...string) Gauge
	DeleteLabelValues(lvs ...string) bool
	Reset()
}

// HistogramVec represents a vector of histograms with different label values
type HistogramVec interface {
	WithLabelValues(lvs ...string) Histogram
	DeleteLabelValues(lvs ...string) bool
	Reset()
}

// Provider creates instruments and exposes them for scraping.
type Provider interface {
	NewCounterVec(opts MetricOptions) (CounterVec, error)
	NewGaugeVec(opts MetricOptions) (GaugeVec, error)
	NewHistogramVec(opts MetricOptions) (HistogramVec, error)

	// Handler returns the scrape endpoint handler.
	Handler() http.Handler

	// Snapshot returns the current value of every registered series.
	Snapshot() ([]MetricFamily, error)
}

// MetricOptions represents options for creating metrics
type MetricOptions struct {
	Name        string            `json:"name"`
	Help        string            `json:"help"`
	Labels      []string          `json:"labels,omitempty"`
	ConstLabels map[string]string `json:"const_labels,omitempty"`
	// Buckets is used by histograms only
	Buckets []float64 `json:"buckets,omitempty"`
}

// MetricFamily groups the series of one metric name.
type MetricFamily struct {
	Name    string   `json:"name"`
	Help    string   `json:"help,omitempty"`
	Type    string   `json:"type"`
	Metrics []Sample `json:"metrics"`
}

// Sample is one labelled series inside a MetricFamily.
type Sample struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
	// Count and Sum are set for histograms
	Count uint64  `json:"count,omitempty"`
	Sum   float64 `json:"sum,omitempty"`
}
