package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wasmfilter"

// Breaker states as exported by the plugin_breaker_state gauge.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

// DefaultBuckets are callback histogram buckets in seconds. Guest callbacks
// are expected to finish well under a millisecond.
var DefaultBuckets = []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1}

// Collector tracks host and plugin metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDurations *prometheus.HistogramVec

	callbacksTotal    *prometheus.CounterVec
	callbackDurations *prometheus.HistogramVec

	policyDecisions   *prometheus.CounterVec
	instanceReplaced  *prometheus.CounterVec
	reloadsTotal      *prometheus.CounterVec
	activeStreams     *prometheus.GaugeVec
	pausedStreams     *prometheus.GaugeVec
	breakerState      *prometheus.GaugeVec
	moduleCacheEvents *prometheus.CounterVec
}

// NewCollector creates a collector with Go runtime and process collectors
// already registered.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "HTTP requests served through the plugin.",
		}, []string{"plugin", "method", "status"}),
		requestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End to end request duration including upstream.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"plugin"}),
		callbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Guest callbacks invoked, by result.",
		}, []string{"plugin", "callback", "result"}),
		callbackDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "callback_duration_seconds",
			Help:      "Time spent inside a guest callback.",
			Buckets:   DefaultBuckets,
		}, []string{"plugin", "callback"}),
		policyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_decisions_total",
			Help:      "Failure policy outcomes applied to requests.",
		}, []string{"plugin", "decision"}),
		instanceReplaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_replacements_total",
			Help:      "VM instances discarded and rebuilt.",
		}, []string{"plugin", "reason"}),
		reloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reloads_total",
			Help:      "Plugin reload attempts.",
		}, []string{"plugin", "result"}),
		activeStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Stream contexts currently alive.",
		}, []string{"plugin"}),
		pausedStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "paused_streams",
			Help:      "Streams currently paused by the guest.",
		}, []string{"plugin"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plugin_breaker_state",
			Help:      "Circuit breaker state: 0=closed, 1=open, 2=half_open.",
		}, []string{"plugin"}),
		moduleCacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "module_cache_total",
			Help:      "Compiled module cache lookups.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requestsTotal,
		c.requestDurations,
		c.callbacksTotal,
		c.callbackDurations,
		c.policyDecisions,
		c.instanceReplaced,
		c.reloadsTotal,
		c.activeStreams,
		c.pausedStreams,
		c.breakerState,
		c.moduleCacheEvents,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the Prometheus exposition handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(plugin, method string, statusCode int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(plugin, method, strconv.Itoa(statusCode)).Inc()
	c.requestDurations.WithLabelValues(plugin).Observe(duration.Seconds())
}

// RecordCallback records one guest callback. result is the returned action
// for phase callbacks, or "ok", "missing", "trap" or "timeout".
func (c *Collector) RecordCallback(plugin, callback, result string, duration time.Duration) {
	c.callbacksTotal.WithLabelValues(plugin, callback, result).Inc()
	c.callbackDurations.WithLabelValues(plugin, callback).Observe(duration.Seconds())
}

// RecordPolicy records a failure policy decision such as "fail_open".
func (c *Collector) RecordPolicy(plugin, decision string) {
	c.policyDecisions.WithLabelValues(plugin, decision).Inc()
}

// RecordInstanceReplaced records a discarded VM instance.
func (c *Collector) RecordInstanceReplaced(plugin, reason string) {
	c.instanceReplaced.WithLabelValues(plugin, reason).Inc()
}

// RecordReload records a reload attempt.
func (c *Collector) RecordReload(plugin string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	c.reloadsTotal.WithLabelValues(plugin, result).Inc()
}

// StreamStarted and StreamEnded track live stream contexts.
func (c *Collector) StreamStarted(plugin string) {
	c.activeStreams.WithLabelValues(plugin).Inc()
}

func (c *Collector) StreamEnded(plugin string) {
	c.activeStreams.WithLabelValues(plugin).Dec()
}

// StreamPaused and StreamResumed track streams waiting on the guest.
func (c *Collector) StreamPaused(plugin string) {
	c.pausedStreams.WithLabelValues(plugin).Inc()
}

func (c *Collector) StreamResumed(plugin string) {
	c.pausedStreams.WithLabelValues(plugin).Dec()
}

// SetBreakerState records the circuit breaker state (0=closed, 1=open, 2=half_open)
func (c *Collector) SetBreakerState(plugin string, state int) {
	c.breakerState.WithLabelValues(plugin).Set(float64(state))
}

// RecordModuleCache records a compiled module cache hit or miss.
func (c *Collector) RecordModuleCache(hit bool) {
	if hit {
		c.moduleCacheEvents.WithLabelValues("hit").Inc()
		return
	}
	c.moduleCacheEvents.WithLabelValues("miss").Inc()
}
