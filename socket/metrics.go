package socket

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "portal"

// Metrics holds the collectors a server reports to.
type Metrics struct {
	active    *prometheus.GaugeVec
	opened    *prometheus.CounterVec
	closed    *prometheus.CounterVec
	received  prometheus.Counter
	sent      prometheus.Counter
	malformed prometheus.Counter
	replayed  prometheus.Counter
	rejected  *prometheus.CounterVec
}

// NewMetrics registers the portal collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		active: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sockets_active",
			Help:      "Sockets currently open, by transport.",
		}, []string{"transport"}),
		opened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sockets_opened_total",
			Help:      "Sockets opened, by transport.",
		}, []string{"transport"}),
		closed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sockets_closed_total",
			Help:      "Sockets closed, by transport.",
		}, []string{"transport"}),
		received: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_received_total",
			Help:      "Inbound events decoded by sockets.",
		}),
		sent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_sent_total",
			Help:      "Outbound events accepted by transports.",
		}),
		malformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_malformed_total",
			Help:      "Inbound payloads dropped because they could not be decoded.",
		}),
		replayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "longpoll_replayed_events_total",
			Help:      "Buffered events flushed to a long-poll client on a new poll.",
		}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_rejected_total",
			Help:      "HTTP exchanges rejected by the front end, by reason.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) socketOpened(kind string) {
	m.opened.WithLabelValues(kind).Inc()
	m.active.WithLabelValues(kind).Inc()
}

func (m *Metrics) socketClosed(kind string) {
	m.closed.WithLabelValues(kind).Inc()
	m.active.WithLabelValues(kind).Dec()
}
