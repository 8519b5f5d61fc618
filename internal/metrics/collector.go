// Package metrics exposes Prometheus counters for the relay.
//
// Every recording method is safe to call on a nil *Collector so components can run
// without metrics in tests and when metrics are disabled.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the relay metric families and the registry they are registered in.
type Collector struct {
	registry *prometheus.Registry

	selections       *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec
	poolSize         *prometheus.GaugeVec
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	redemptions      *prometheus.CounterVec
	authFailures     *prometheus.CounterVec
	websocketStreams prometheus.Gauge
}

// NewCollector registers the relay metrics in registry. A nil registry gets a fresh one.
func NewCollector(namespace string, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "gemini_relay"
	}

	c := &Collector{
		registry: registry,
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "selections_total",
			Help:      "Upstream credentials handed out by rotation, by account.",
		}, []string{"account"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "upstream_errors_total",
			Help:      "Upstream failures attributed to a credential, by account.",
		}, []string{"account"}),
		poolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "credentials",
			Help:      "Credentials in the pool, by status.",
		}, []string{"status"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Forwarded requests, by route and response status.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "request_duration_seconds",
			Help:      "Time until the upstream response headers arrived.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"route"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redeem",
			Name:      "attempts_total",
			Help:      "Redemption attempts, by result.",
		}, []string{"result"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "auth_failures_total",
			Help:      "Rejected caller requests, by reason.",
		}, []string{"reason"}),
		websocketStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "websocket_streams",
			Help:      "Open WebSocket bridges.",
		}),
	}

	registry.MustRegister(
		c.selections,
		c.upstreamErrors,
		c.poolSize,
		c.requests,
		c.requestDuration,
		c.redemptions,
		c.authFailures,
		c.websocketStreams,
	)
	return c
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordSelection counts a credential handed out by rotation.
func (c *Collector) RecordSelection(account string) {
	if c == nil {
		return
	}
	c.selections.WithLabelValues(accountLabel(account)).Inc()
}

// RecordUpstreamError counts a failure attributed to a credential.
func (c *Collector) RecordUpstreamError(account string) {
	if c == nil {
		return
	}
	c.upstreamErrors.WithLabelValues(accountLabel(account)).Inc()
}

// SetPoolSize publishes the current list sizes.
func (c *Collector) SetPoolSize(active, inactive int) {
	if c == nil {
		return
	}
	c.poolSize.WithLabelValues("active").Set(float64(active))
	c.poolSize.WithLabelValues("inactive").Set(float64(inactive))
}

// RecordRequest counts a forwarded request and observes its latency.
func (c *Collector) RecordRequest(route string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordRedemption counts a redemption attempt.
func (c *Collector) RecordRedemption(result string) {
	if c == nil {
		return
	}
	c.redemptions.WithLabelValues(result).Inc()
}

// RecordAuthFailure counts a rejected caller request.
func (c *Collector) RecordAuthFailure(reason string) {
	if c == nil {
		return
	}
	c.authFailures.WithLabelValues(reason).Inc()
}

// StreamOpened increments the open WebSocket gauge and returns the matching close func.
func (c *Collector) StreamOpened() func() {
	if c == nil {
		return func() {}
	}
	c.websocketStreams.Inc()
	return c.websocketStreams.Dec
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

func accountLabel(account string) string {
	if account == "" {
		return "unknown"
	}
	return account
}
