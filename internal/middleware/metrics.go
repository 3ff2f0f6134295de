package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/songzhibin97/routegate/pkg/metrics"
)

// Outcome label values
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Metric names registered by the metrics stage
const (
	MetricRequestsTotal    = "gateway_requests_total"
	MetricRequestDuration  = "gateway_request_duration_seconds"
	MetricRequestsInFlight = "gateway_requests_in_flight"
)

// MetricsMiddleware counts requests and records their duration, labelled by
// sanitized path, method and outcome.
type MetricsMiddleware struct {
	provider metrics.Provider

	requestsTotal   metrics.CounterVec
	requestDuration metrics.HistogramVec
	inFlight        metrics.Gauge
}

// NewMetricsMiddleware creates a new metrics middleware
func NewMetricsMiddleware(provider metrics.Provider) (*MetricsMiddleware, error) {
	if provider == nil {
		return nil, fmt.Errorf("metrics provider is required")
	}

	labels := []string{"path", "method", "outcome"}

	requestsTotal, err := provider.NewCounterVec(metrics.MetricOptions{
		Name:   MetricRequestsTotal,
		Help:   "Total number of requests handled by the gateway",
		Labels: labels,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", MetricRequestsTotal, err)
	}

	requestDuration, err := provider.NewHistogramVec(metrics.MetricOptions{
		Name:    MetricRequestDuration,
		Help:    "Request duration in seconds",
		Labels:  labels,
		Buckets: metrics.DurationBuckets,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", MetricRequestDuration, err)
	}

	inFlight, err := provider.NewGaugeVec(metrics.MetricOptions{
		Name: MetricRequestsInFlight,
		Help: "Requests currently being handled",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", MetricRequestsInFlight, err)
	}

	return &MetricsMiddleware{
		provider:        provider,
		requestsTotal:   requestsTotal,
		requestDuration: requestDuration,
		inFlight:        inFlight.WithLabelValues(),
	}, nil
}

// Handler returns the HTTP middleware handler
func (m *MetricsMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.inFlight.Inc()
			defer m.inFlight.Dec()

			wrapper := newResponseWriter(w)
			next.ServeHTTP(wrapper, r)

			path := SanitizePath(r.URL.Path)
			outcome := Outcome(wrapper.Status())

			m.requestsTotal.WithLabelValues(path, r.Method, outcome).Inc()
			m.requestDuration.WithLabelValues(path, r.Method, outcome).Observe(time.Since(start).Seconds())
		})
	}
}

// Outcome classifies a status code; anything from 400 up is an error
func Outcome(status int) string {
	if status >= http.StatusBadRequest {
		return OutcomeError
	}
	return OutcomeSuccess
}

// GetProvider returns the metrics provider
func (m *MetricsMiddleware) GetProvider() metrics.Provider {
	return m.provider
}
