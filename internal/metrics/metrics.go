package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes Prometheus metrics for source collection and AI provider
// calls. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	taskDuration     *prometheus.HistogramVec
	collectionErrors *prometheus.CounterVec
	taskRetries      *prometheus.CounterVec
	records          *prometheus.CounterVec

	providerRequests *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	providerRetries  *prometheus.CounterVec
	fallbacks        *prometheus.CounterVec
}

// NewCollector constructs a collector backed by its own registry.
func NewCollector() (*Collector, error) {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "digest",
			Subsystem: "collection",
			Name:      "task_duration_seconds",
			Help:      "Latency distribution of source collection tasks, including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source_type", "status"}),
		collectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "digest",
			Subsystem: "collection",
			Name:      "errors_total",
			Help:      "Failed collection attempts by error code.",
		}, []string{"source_type", "code"}),
		taskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "digest",
			Subsystem: "collection",
			Name:      "retries_total",
			Help:      "Collection re-invocations after a failed attempt.",
		}, []string{"source_type"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "digest",
			Subsystem: "collection",
			Name:      "records_total",
			Help:      "Records returned by successful collections.",
		}, []string{"source_type"}),
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "digest",
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "AI provider requests by outcome code (ok on success).",
		}, []string{"provider", "code"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "digest",
			Subsystem: "provider",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution of AI provider requests.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider"}),
		providerRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "digest",
			Subsystem: "provider",
			Name:      "retries_total",
			Help:      "AI provider retries scheduled by error code.",
		}, []string{"provider", "code"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "digest",
			Subsystem: "provider",
			Name:      "fallbacks_total",
			Help:      "Fallback chain transitions by stage (provider, template).",
		}, []string{"stage"}),
	}

	for _, col := range []prometheus.Collector{
		c.taskDuration, c.collectionErrors, c.taskRetries, c.records,
		c.providerRequests, c.providerLatency, c.providerRetries, c.fallbacks,
	} {
		if err := registry.Register(col); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the current metrics in the node-exporter textfile format.
func (c *Collector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}

// ObserveTask records a settled collection task.
func (c *Collector) ObserveTask(sourceType, status string, d time.Duration, records int) {
	if c == nil {
		return
	}
	c.taskDuration.WithLabelValues(sourceType, status).Observe(d.Seconds())
	if records > 0 {
		c.records.WithLabelValues(sourceType).Add(float64(records))
	}
}

// IncCollectionError records one failed collection attempt.
func (c *Collector) IncCollectionError(sourceType, code string) {
	if c == nil {
		return
	}
	c.collectionErrors.WithLabelValues(sourceType, code).Inc()
}

// IncCollectionRetry records a collection retry.
func (c *Collector) IncCollectionRetry(sourceType string) {
	if c == nil {
		return
	}
	c.taskRetries.WithLabelValues(sourceType).Inc()
}

// ObserveProviderCall records one provider request; code is "ok" on success.
func (c *Collector) ObserveProviderCall(provider, code string, d time.Duration) {
	if c == nil {
		return
	}
	c.providerRequests.WithLabelValues(provider, code).Inc()
	c.providerLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// IncProviderRetry records a scheduled provider retry.
func (c *Collector) IncProviderRetry(provider, code string) {
	if c == nil {
		return
	}
	c.providerRetries.WithLabelValues(provider, code).Inc()
}

// IncFallback records a move to the next fallback stage.
func (c *Collector) IncFallback(stage string) {
	if c == nil {
		return
	}
	c.fallbacks.WithLabelValues(stage).Inc()
}
