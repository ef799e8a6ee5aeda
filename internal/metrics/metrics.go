// Package metrics exposes operational counters and gauges via
// prometheus/client_golang, replacing a hand-rolled text exporter with
// real collectors registered against a standard Prometheus registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every collector the server publishes. Components
// receive the whole Registry and use the collectors they need.
type Registry struct {
	OperationsTotal    *prometheus.CounterVec
	OperationErrors    *prometheus.CounterVec
	OperationLatency   *prometheus.HistogramVec
	ActiveSessions     prometheus.Gauge
	ActiveSubscriptions prometheus.Gauge
	ChangeFeedLag      prometheus.Histogram
	SubscriptionOverruns prometheus.Counter
}

func NewRegistry() *Registry {
	return &Registry{
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reactivedoc",
			Name:      "operations_total",
			Help:      "Count of gateway operations processed, by type.",
		}, []string{"type"}),
		OperationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reactivedoc",
			Name:      "operation_errors_total",
			Help:      "Count of gateway operations that ended in a typed error, by error kind.",
		}, []string{"kind"}),
		OperationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reactivedoc",
			Name:      "operation_latency_seconds",
			Help:      "Latency of gateway operations, by type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reactivedoc",
			Name:      "active_sessions",
			Help:      "Number of currently connected gateway sessions.",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reactivedoc",
			Name:      "active_subscriptions",
			Help:      "Number of currently open change subscriptions.",
		}),
		ChangeFeedLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reactivedoc",
			Name:      "changefeed_lag_seconds",
			Help:      "Delay between a change commit and its fan-out to subscribers.",
			Buckets:   prometheus.DefBuckets,
		}),
		SubscriptionOverruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reactivedoc",
			Name:      "subscription_overruns_total",
			Help:      "Count of subscriptions closed for exceeding their outbound queue capacity.",
		}),
	}
}

// MustRegister registers every collector against reg, panicking on a
// duplicate registration (a programmer error, not a runtime condition).
func (r *Registry) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		r.OperationsTotal,
		r.OperationErrors,
		r.OperationLatency,
		r.ActiveSessions,
		r.ActiveSubscriptions,
		r.ChangeFeedLag,
		r.SubscriptionOverruns,
	)
}
