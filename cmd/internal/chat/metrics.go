package chat

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	sent     prometheus.Counter
	deduped  prometheus.Counter
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates and registers the chat collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "chat",
			Name:      "messages_sent_total",
			Help:      "Messages appended to the log.",
		}),
		deduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "chat",
			Name:      "messages_deduplicated_total",
			Help:      "Sends answered from an existing row via client_msg_id.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parley",
			Subsystem: "chat",
			Name:      "operation_errors_total",
			Help:      "Failed engine operations by operation and error kind.",
		}, []string{"op", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "parley",
			Subsystem: "chat",
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.sent, m.deduped, m.errors, m.duration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.errors.WithLabelValues(op, ErrorKind(err)).Inc()
	}
}

func (m *Metrics) messageSent(duplicated bool) {
	if m == nil {
		return
	}
	if duplicated {
		m.deduped.Inc()
		return
	}
	m.sent.Inc()
}
