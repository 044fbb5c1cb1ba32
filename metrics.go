package cluster

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the pool lifecycle as Prometheus metrics. It is fed by
// the events of the Bus it was created with.
type Metrics struct {
	registry    *prometheus.Registry
	spawned     *prometheus.CounterVec
	exits       *prometheus.CounterVec
	live        prometheus.Gauge
	forceKilled prometheus.Counter
	state       *prometheus.GaugeVec
}

// NewMetrics registers the metrics in a new registry and subscribes them to `bus`.
func NewMetrics(bus *Bus) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		spawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cluster",
			Name:      "workers_spawned_total",
			Help:      "Number of spawned worker processes",
		}, []string{"role"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cluster",
			Name:      "worker_exits_total",
			Help:      "Number of worker exits by reason",
		}, []string{"role", "reason"}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cluster",
			Name:      "workers_live",
			Help:      "Number of live worker processes",
		}),
		forceKilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cluster",
			Name:      "workers_force_killed_total",
			Help:      "Number of workers killed after the grace period",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cluster",
			Name:      "supervisor_state",
			Help:      "Current supervisor state, 1 for the active one",
		}, []string{"state"}),
	}
	m.registry.MustRegister(m.spawned, m.exits, m.live, m.forceKilled, m.state)

	Subscribe(bus, func(e WorkerSpawned) {
		m.spawned.WithLabelValues(roleLabel(e.Role)).Inc()
		m.live.Inc()
	})
	Subscribe(bus, func(e WorkerExited) {
		reason := "died"
		if e.Requested {
			reason = "stopped"
		}
		m.exits.WithLabelValues(roleLabel(e.Role), reason).Inc()
		m.live.Dec()
	})
	Subscribe(bus, func(e WorkersForceKilled) {
		m.forceKilled.Add(float64(e.Count))
	})
	Subscribe(bus, func(e StateChanged) {
		m.state.WithLabelValues(string(e.From)).Set(0)
		m.state.WithLabelValues(string(e.To)).Set(1)
	})

	return m
}

// Registry returns the registry holding the pool metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func roleLabel(role string) string {
	if role == "" {
		return "generic"
	}
	return role
}
