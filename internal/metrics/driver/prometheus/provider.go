package prometheus

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/songzhibin97/routegate/pkg/metrics"
)

// Provider implements metrics.Provider using a Prometheus registry.
type Provider struct {
	registry    *prometheus.Registry
	namespace   string
	subsystem   string
	constLabels prometheus.Labels

	counterVecs   map[string]*counterVec
	gaugeVecs     map[string]*gaugeVec
	histogramVecs map[string]*histogramVec

	mu sync.Mutex
}

// Options for creating a Provider
type Options struct {
	Registry    *prometheus.Registry
	Namespace   string
	Subsystem   string
	ConstLabels map[string]string
	// RuntimeCollectors registers the Go runtime and process collectors
	RuntimeCollectors bool
}

// NewProvider creates a new Provider
func NewProvider(opts Options) (*Provider, error) {
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	if opts.RuntimeCollectors {
		for _, c := range []prometheus.Collector{
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		} {
			if err := registry.Register(c); err != nil {
				var are prometheus.AlreadyRegisteredError
				if !errors.As(err, &are) {
					return nil, fmt.Errorf("failed to register runtime collector: %w", err)
				}
			}
		}
	}

	constLabels := make(prometheus.Labels, len(opts.ConstLabels))
	for k, v := range opts.ConstLabels {
		constLabels[k] = v
	}

	return &Provider{
		registry:      registry,
		namespace:     opts.Namespace,
		subsystem:     opts.Subsystem,
		constLabels:   constLabels,
		counterVecs:   make(map[string]*counterVec),
		gaugeVecs:     make(map[string]*gaugeVec),
		histogramVecs: make(map[string]*histogramVec),
	}, nil
}

// Registry exposes the underlying registry.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Provider) validate(opts metrics.MetricOptions) (string, error) {
	if err := metrics.ValidateMetricName(opts.Name); err != nil {
		return "", err
	}
	if err := metrics.ValidateLabelNames(opts.Labels); err != nil {
		return "", err
	}
	return metrics.BuildFQName(p.namespace, p.subsystem, opts.Name), nil
}

func (p *Provider) mergeConstLabels(extra map[string]string) prometheus.Labels {
	if len(p.constLabels) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(prometheus.Labels, len(p.constLabels)+len(extra))
	for k, v := range p.constLabels {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// register registers c, returning the already registered collector when an
// identical one exists.
func (p *Provider) register(fqName string, c prometheus.Collector) (prometheus.Collector, error) {
	if err := p.registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector, nil
		}
		return nil, fmt.Errorf("failed to register %s: %w", fqName, err)
	}
	return c, nil
}

// NewCounterVec creates a new counter vector metric
func (p *Provider) NewCounterVec(opts metrics.MetricOptions) (metrics.CounterVec, error) {
	fqName, err := p.validate(opts)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.counterVecs[fqName]; ok {
		return existing, nil
	}

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   p.namespace,
		Subsystem:   p.subsystem,
		Name:        opts.Name,
		Help:        opts.Help,
		ConstLabels: p.mergeConstLabels(opts.ConstLabels),
	}, opts.Labels)

	c, err := p.register(fqName, vec)
	if err != nil {
		return nil, err
	}
	existing, ok := c.(*prometheus.CounterVec)
	if !ok {
		return nil, fmt.Errorf("metric %s registered with a different type", fqName)
	}

	out := &counterVec{vec: existing}
	p.counterVecs[fqName] = out
	return out, nil
}

// NewGaugeVec creates a new gauge vector metric
func (p *Provider) NewGaugeVec(opts metrics.MetricOptions) (metrics.GaugeVec, error) {
	fqName, err := p.validate(opts)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.gaugeVecs[fqName]; ok {
		return existing, nil
	}

	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   p.namespace,
		Subsystem:   p.subsystem,
		Name:        opts.Name,
		Help:        opts.Help,
		ConstLabels: p.mergeConstLabels(opts.ConstLabels),
	}, opts.Labels)

	c, err := p.register(fqName, vec)
	if err != nil {
		return nil, err
	}
	existing, ok := c.(*prometheus.GaugeVec)
	if !ok {
		return nil, fmt.Errorf("metric %s registered with a different type", fqName)
	}

	out := &gaugeVec{vec: existing}
	p.gaugeVecs[fqName] = out
	return out, nil
}

// NewHistogramVec creates a new histogram vector metric
func (p *Provider) NewHistogramVec(opts metrics.MetricOptions) (metrics.HistogramVec, error) {
	fqName, err := p.validate(opts)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.histogramVecs[fqName]; ok {
		return existing, nil
	}

	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = metrics.DurationBuckets
	}

	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   p.namespace,
		Subsystem:   p.subsystem,
		Name:        opts.Name,
		Help:        opts.Help,
		ConstLabels: p.mergeConstLabels(opts.ConstLabels),
		Buckets:     buckets,
	}, opts.Labels)

	c, err := p.register(fqName, vec)
	if err != nil {
		return nil, err
	}
	existing, ok := c.(*prometheus.HistogramVec)
	if !ok {
		return nil, fmt.Errorf("metric %s registered with a different type", fqName)
	}

	out := &histogramVec{vec: existing}
	p.histogramVecs[fqName] = out
	return out, nil
}

// Handler returns the Prometheus exposition handler.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{
		Registry: p.registry,
	})
}

// Snapshot gathers the registry and flattens it into metrics.MetricFamily.
func (p *Provider) Snapshot() ([]metrics.MetricFamily, error) {
	families, err := p.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	out := make([]metrics.MetricFamily, 0, len(families))
	for _, mf := range families {
		family := metrics.MetricFamily{
			Name: mf.GetName(),
			Help: mf.GetHelp(),
			Type: familyType(mf.GetType()),
		}
		for _, m := range mf.GetMetric() {
			family.Metrics = append(family.Metrics, convertSample(mf.GetType(), m))
		}
		out = append(out, family)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func familyType(t dto.MetricType) string {
	switch t {
	case dto.MetricType_COUNTER:
		return "counter"
	case dto.MetricType_GAUGE:
		return "gauge"
	case dto.MetricType_HISTOGRAM:
		return "histogram"
	case dto.MetricType_SUMMARY:
		return "summary"
	default:
		return "untyped"
	}
}

func convertSample(t dto.MetricType, m *dto.Metric) metrics.Sample {
	s := metrics.Sample{}
	if len(m.GetLabel()) > 0 {
		s.Labels = make(map[string]string, len(m.GetLabel()))
		for _, lp := range m.GetLabel() {
			s.Labels[lp.GetName()] = lp.GetValue()
		}
	}

	switch t {
	case dto.MetricType_COUNTER:
		s.Value = m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		s.Value = m.GetGauge().GetValue()
	case dto.MetricType_HISTOGRAM:
		s.Count = m.GetHistogram().GetSampleCount()
		s.Sum = m.GetHistogram().GetSampleSum()
	case dto.MetricType_SUMMARY:
		s.Count = m.GetSummary().GetSampleCount()
		s.Sum = m.GetSummary().GetSampleSum()
	default:
		s.Value = m.GetUntyped().GetValue()
	}
	return s
}

var _ metrics.Provider = (*Provider)(nil)
