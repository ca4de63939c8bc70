package manager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics tracks Manager lifecycle and call counts. All metrics are
// prefixed "ting_plugin_manager_" to keep the Prometheus namespace
// collision-free alongside metrics from other components.
type metrics struct {
	loads       *prometheus.CounterVec // by outcome (success/error)
	unloads     *prometheus.CounterVec // by outcome
	reloads     *prometheus.CounterVec // by outcome
	calls       *prometheus.CounterVec // by kind, method, outcome
	callLatency *prometheus.HistogramVec
	active      prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		loads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ting_plugin_manager_loads_total",
			Help: "Plugin load attempts by outcome.",
		}, []string{"outcome"}),
		unloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ting_plugin_manager_unloads_total",
			Help: "Plugin unload attempts by outcome.",
		}, []string{"outcome"}),
		reloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ting_plugin_manager_reloads_total",
			Help: "Plugin reload attempts by outcome.",
		}, []string{"outcome"}),
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ting_plugin_manager_calls_total",
			Help: "Typed plugin calls by kind, method and outcome.",
		}, []string{"kind", "method", "outcome"}),
		callLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ting_plugin_manager_call_duration_seconds",
			Help:    "Typed plugin call latency by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ting_plugin_manager_active_plugins",
			Help: "Number of plugins currently registered.",
		}),
	}
}
