package monitoring

import (
	"meshcall/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NegotiationCollector exports the client-side negotiation metrics.
type NegotiationCollector struct {
	offersSent          prometheus.Counter
	answersSent         prometheus.Counter
	glareResolutions    *prometheus.CounterVec
	staleReoffers       prometheus.Counter
	protocolErrors      *prometheus.CounterVec
	negotiationTimeouts prometheus.Counter
	connectionRestarts  *prometheus.CounterVec
	connectionsActive   prometheus.Gauge
	renegotiationFanOut prometheus.Histogram
}

var _ ports.NegotiationMetrics = (*NegotiationCollector)(nil)

// NewNegotiationCollector registers the collectors with reg.
func NewNegotiationCollector(reg prometheus.Registerer) *NegotiationCollector {
	factory := promauto.With(reg)
	return &NegotiationCollector{
		offersSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_offers_sent_total",
			Help: "Total number of SDP offers sent to peers",
		}),

		answersSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_answers_sent_total",
			Help: "Total number of SDP answers sent to peers",
		}),

		glareResolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_glare_resolutions_total",
			Help: "Simultaneous offers resolved by the tie-break",
		}, []string{"outcome"}),

		staleReoffers: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_stale_reoffers_total",
			Help: "Offers repeated because local media changed mid-negotiation",
		}),

		protocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_negotiation_protocol_errors_total",
			Help: "Negotiation steps rejected by the state machine or native layer",
		}, []string{"reason"}),

		negotiationTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_negotiation_timeouts_total",
			Help: "Offers abandoned because no answer arrived",
		}),

		connectionRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_connection_restarts_total",
			Help: "Native connections replaced to abandon an offer or follow a restarted peer",
		}, []string{"reason"}),

		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcall_peer_connections_active",
			Help: "Peer connections currently held in the registry",
		}),

		renegotiationFanOut: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshcall_renegotiation_fanout_peers",
			Help:    "Connections renegotiated per local media change",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
		}),
	}
}

func (c *NegotiationCollector) OfferSent() {
	c.offersSent.Inc()
}

func (c *NegotiationCollector) AnswerSent() {
	c.answersSent.Inc()
}

func (c *NegotiationCollector) GlareResolved(yielded bool) {
	outcome := "kept"
	if yielded {
		outcome = "yielded"
	}
	c.glareResolutions.WithLabelValues(outcome).Inc()
}

func (c *NegotiationCollector) StaleReoffer() {
	c.staleReoffers.Inc()
}

func (c *NegotiationCollector) ProtocolError(reason string) {
	c.protocolErrors.WithLabelValues(reason).Inc()
}

func (c *NegotiationCollector) NegotiationTimeout() {
	c.negotiationTimeouts.Inc()
}

func (c *NegotiationCollector) ConnectionRestarted(reason string) {
	c.connectionRestarts.WithLabelValues(reason).Inc()
}

func (c *NegotiationCollector) ConnectionsActive(n int) {
	c.connectionsActive.Set(float64(n))
}

func (c *NegotiationCollector) RenegotiationFanOut(peers int) {
	c.renegotiationFanOut.Observe(float64(peers))
}
