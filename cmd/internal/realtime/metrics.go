package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds gateway collectors. A nil *Metrics records nothing.
type Metrics struct {
	connections prometheus.Gauge
	events      *prometheus.CounterVec
	dropped     prometheus.Counter
}

// NewMetrics creates and registers the websocket collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "parley",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open websocket sessions.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "ws",
			Name:      "events_total",
			Help:      "Envelopes received from clients, by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "ws",
			Name:      "dropped_total",
			Help:      "Push envelopes dropped because a session queue was full.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.connections, m.events, m.dropped} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) event(typ string) {
	if m != nil {
		m.events.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) drop() {
	if m != nil {
		m.dropped.Inc()
	}
}
