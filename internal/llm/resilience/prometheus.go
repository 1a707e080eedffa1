package resilience

import (
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every exported Prometheus metric.
const Namespace = "llmrouter"

// PrometheusMetrics implements Metrics on a Prometheus registerer.
// Vectors are created on first use with the sorted tag keys as labels.
type PrometheusMetrics struct {
	reg prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheusMetrics returns a collector registering on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusMetrics{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// IncrementCounter implements Metrics.
func (p *PrometheusMetrics) IncrementCounter(name string, tags map[string]string, value float64) {
	labels := labelNames(tags)
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      metricName(name),
			Help:      helpText(name),
		}, labels)
		vec = register(p.reg, vec)
		p.counters[name] = vec
	}
	p.mu.Unlock()

	vec.With(prometheus.Labels(tags)).Add(value)
}

// RecordHistogram implements Metrics.
func (p *PrometheusMetrics) RecordHistogram(name string, tags map[string]string, value float64) {
	labels := labelNames(tags)
	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      metricName(name),
			Help:      helpText(name),
			Buckets:   bucketsFor(name),
		}, labels)
		vec = register(p.reg, vec)
		p.histograms[name] = vec
	}
	p.mu.Unlock()

	vec.With(prometheus.Labels(tags)).Observe(value)
}

// SetGauge implements Metrics.
func (p *PrometheusMetrics) SetGauge(name string, tags map[string]string, value float64) {
	labels := labelNames(tags)
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      metricName(name),
			Help:      helpText(name),
		}, labels)
		vec = register(p.reg, vec)
		p.gauges[name] = vec
	}
	p.mu.Unlock()

	vec.With(prometheus.Labels(tags)).Set(value)
}

// register adds c to reg, reusing an identical collector registered earlier
// by another PrometheusMetrics on the same registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

func helpText(name string) string {
	return "Inference client metric " + metricName(name) + "."
}

func bucketsFor(name string) []float64 {
	switch name {
	case MetricTokensGenerated:
		return prometheus.ExponentialBuckets(1, 2, 14)
	case MetricRetryDelay, MetricRequestDuration, MetricBatchElapsed:
		return []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	default:
		return prometheus.DefBuckets
	}
}
