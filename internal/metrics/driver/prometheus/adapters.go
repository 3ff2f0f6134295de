package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/songzhibin97/routegate/pkg/metrics"
)

// counter adapts prometheus.Counter to metrics.Counter
type counter struct {
	c prometheus.Counter
}

func (c *counter) Inc()              { c.c.Inc() }
func (c *counter) Add(delta float64) { c.c.Add(delta) }

func (c *counter) Get() float64 {
	m := &dto.Metric{}
	if err := c.c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

type counterVec struct {
	vec *prometheus.CounterVec
}

func (v *counterVec) WithLabelValues(lvs ...string) metrics.Counter {
	return &counter{c: v.vec.WithLabelValues(lvs...)}
}

func (v *counterVec) DeleteLabelValues(lvs ...string) bool { return v.vec.DeleteLabelValues(lvs...) }
func (v *counterVec) Reset()                               { v.vec.Reset() }

// gauge adapts prometheus.Gauge to metrics.Gauge
type gauge struct {
	g prometheus.Gauge
}

func (g *gauge) Set(value float64) { g.g.Set(value) }
func (g *gauge) Inc()              { g.g.Inc() }
func (g *gauge) Dec()              { g.g.Dec() }
func (g *gauge) Add(delta float64) { g.g.Add(delta) }

func (g *gauge) Get() float64 {
	m := &dto.Metric{}
	if err := g.g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

type gaugeVec struct {
	vec *prometheus.GaugeVec
}

func (v *gaugeVec) WithLabelValues(lvs ...string) metrics.Gauge {
	return &gauge{g: v.vec.WithLabelValues(lvs...)}
}

func (v *gaugeVec) DeleteLabelValues(lvs ...string) bool { return v.vec.DeleteLabelValues(lvs...) }
func (v *gaugeVec) Reset()                               { v.vec.Reset() }

// histogram adapts prometheus.Observer to metrics.Histogram. The observer
// returned by a HistogramVec is always a prometheus.Histogram, which also
// implements prometheus.Metric.
type histogram struct {
	h prometheus.Observer
}

func (h *histogram) Observe(value float64) { h.h.Observe(value) }

func (h *histogram) write() *dto.Histogram {
	metric, ok := h.h.(prometheus.Metric)
	if !ok {
		return nil
	}
	m := &dto.Metric{}
	if err := metric.Write(m); err != nil {
		return nil
	}
	return m.GetHistogram()
}

func (h *histogram) GetCount() uint64 { return h.write().GetSampleCount() }
func (h *histogram) GetSum() float64  { return h.write().GetSampleSum() }

type histogramVec struct {
	vec *prometheus.HistogramVec
}

func (v *histogramVec) WithLabelValues(lvs ...string) metrics.Histogram {
	return &histogram{h: v.vec.WithLabelValues(lvs...)}
}

func (v *histogramVec) DeleteLabelValues(lvs ...string) bool { return v.vec.DeleteLabelValues(lvs...) }
func (v *histogramVec) Reset()                               { v.vec.Reset() }
