// Package metrics holds the Prometheus collectors for termd. All methods are
// safe to call on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "termd"

// Frame directions.
const (
	Inbound  = "in"
	Outbound = "out"
)

type Metrics struct {
	registry *prometheus.Registry

	sessionsActive     prometheus.Gauge
	sessionsSpawned    prometheus.Counter
	spawnFailures      prometheus.Counter
	connectionsActive  prometheus.Gauge
	frames             *prometheus.CounterVec
	authRejections     *prometheus.CounterVec
	agentLaunches      *prometheus.CounterVec
	insightSubmissions *prometheus.CounterVec
}

// New builds a Metrics with its own registry, including Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Live PTY sessions in the registry.",
		}),
		sessionsSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_spawned_total",
			Help:      "PTY sessions successfully spawned.",
		}),
		spawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_failures_total",
			Help:      "PTY spawn attempts that failed.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open terminal WebSocket connections.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "WebSocket frames by direction and message type.",
		}, []string{"direction", "type"}),
		authRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_rejections_total",
			Help:      "Rejected terminal upgrades by reason.",
		}, []string{"reason"}),
		agentLaunches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_launches_total",
			Help:      "Agent launch commands written, by trigger.",
		}, []string{"trigger"}),
		insightSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insight_submissions_total",
			Help:      "Session insight handoffs by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsActive,
		m.sessionsSpawned,
		m.spawnFailures,
		m.connectionsActive,
		m.frames,
		m.authRejections,
		m.agentLaunches,
		m.insightSubmissions,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterTokenGauge exposes the live token count through fn.
func (m *Metrics) RegisterTokenGauge(fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tokens_active",
		Help:      "Unexpired terminal auth tokens held in memory.",
	}, fn))
}

func (m *Metrics) SessionSpawned() {
	if m == nil {
		return
	}
	m.sessionsSpawned.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionRemoved() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) SpawnFailed() {
	if m == nil {
		return
	}
	m.spawnFailures.Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) Frame(direction, msgType string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) AuthRejected(reason string) {
	if m == nil {
		return
	}
	m.authRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) AgentLaunched(trigger string) {
	if m == nil {
		return
	}
	m.agentLaunches.WithLabelValues(trigger).Inc()
}

func (m *Metrics) InsightSubmitted(result string) {
	if m == nil {
		return
	}
	m.insightSubmissions.WithLabelValues(result).Inc()
}
