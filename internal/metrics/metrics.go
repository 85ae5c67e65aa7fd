// Package metrics exports toolgate activity to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/fentz26/toolgate/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var allStates = []models.ServerState{
	models.ServerUnstarted,
	models.ServerStarting,
	models.ServerRunning,
	models.ServerDegraded,
	models.ServerFailed,
	models.ServerStopped,
}

// Metrics holds the collectors. Each instance has its own registry so
// tests and multiple daemons in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	serverState   *prometheus.GaugeVec
	transitions   *prometheus.CounterVec
	healthChecks  *prometheus.CounterVec
	healthLatency *prometheus.HistogramVec
	invocations   *prometheus.CounterVec
	invokeLatency *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		serverState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "toolgate_server_state",
			Help: "1 for the current state of each tool server, 0 otherwise",
		}, []string{"server", "state"}),

		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_server_transitions_total",
			Help: "Server state transitions",
		}, []string{"server", "to"}),

		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_health_checks_total",
			Help: "Health checks by result",
		}, []string{"server", "result"}),

		healthLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolgate_health_check_seconds",
			Help:    "Health check round trip latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"server"}),

		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_tool_invocations_total",
			Help: "Tool invocations by outcome",
		}, []string{"tool", "server", "outcome"}),

		invokeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolgate_tool_invocation_seconds",
			Help:    "Tool invocation latency including gating",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool", "server"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.serverState,
		m.transitions,
		m.healthChecks,
		m.healthLatency,
		m.invocations,
		m.invokeLatency,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ServerStateChanged implements mcp.Observer.
func (m *Metrics) ServerStateChanged(server string, from, to models.ServerState) {
	for _, s := range allStates {
		v := 0.0
		if s == to {
			v = 1
		}
		m.serverState.WithLabelValues(server, string(s)).Set(v)
	}
	m.transitions.WithLabelValues(server, string(to)).Inc()
}

// HealthChecked implements mcp.Observer.
func (m *Metrics) HealthChecked(server string, ok bool, elapsed time.Duration) {
	result := "ok"
	if !ok {
		result = "missed"
	}
	m.healthChecks.WithLabelValues(server, result).Inc()
	m.healthLatency.WithLabelValues(server).Observe(elapsed.Seconds())
}

// UnroutedTool replaces the tool label of calls rejected before a server
// was chosen, so arbitrary caller-supplied names do not become series.
const UnroutedTool = "_unrouted"

// ToolInvoked implements mcp.InvocationObserver.
func (m *Metrics) ToolInvoked(tool, server, outcome string, elapsed time.Duration) {
	switch models.ErrorKind(outcome) {
	case models.KindPermissionDenied, models.KindToolNotFound:
		tool, server = UnroutedTool, ""
	}
	m.invocations.WithLabelValues(tool, server, outcome).Inc()
	m.invokeLatency.WithLabelValues(tool, server).Observe(elapsed.Seconds())
}
