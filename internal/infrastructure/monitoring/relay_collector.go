package monitoring

import (
	"meshcall/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RelayCollector exports the signal relay metrics.
type RelayCollector struct {
	socketsConnected prometheus.Gauge
	socketsTotal     prometheus.Counter
	sessionMembers   *prometheus.GaugeVec
	messagesRelayed  *prometheus.CounterVec
	messagesRejected *prometheus.CounterVec
}

var _ ports.RelayMetrics = (*RelayCollector)(nil)

func NewRelayCollector(reg prometheus.Registerer) *RelayCollector {
	factory := promauto.With(reg)
	return &RelayCollector{
		socketsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcall_relay_sockets_connected",
			Help: "WebSocket clients currently connected",
		}),

		socketsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_relay_sockets_total",
			Help: "Total number of WebSocket clients accepted",
		}),

		sessionMembers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshcall_relay_session_members",
			Help: "Members in each session",
		}, []string{"session"}),

		messagesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_relay_messages_total",
			Help: "Client messages accepted by the relay",
		}, []string{"type"}),

		messagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_relay_messages_rejected_total",
			Help: "Client messages rejected by the relay",
		}, []string{"reason"}),
	}
}

func (c *RelayCollector) SocketOpened() {
	c.socketsConnected.Inc()
	c.socketsTotal.Inc()
}

func (c *RelayCollector) SocketClosed() {
	c.socketsConnected.Dec()
}

// SessionMembers records the member count; empty sessions drop their series.
func (c *RelayCollector) SessionMembers(session string, n int) {
	if n == 0 {
		c.sessionMembers.DeleteLabelValues(session)
		return
	}
	c.sessionMembers.WithLabelValues(session).Set(float64(n))
}

func (c *RelayCollector) MessageRelayed(kind string) {
	c.messagesRelayed.WithLabelValues(kind).Inc()
}

func (c *RelayCollector) MessageRejected(reason string) {
	c.messagesRejected.WithLabelValues(reason).Inc()
}
