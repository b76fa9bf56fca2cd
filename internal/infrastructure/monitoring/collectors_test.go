package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gathered(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) (float64, bool) {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			switch {
			case m.Counter != nil:
				return m.GetCounter().GetValue(), true
			case m.Gauge != nil:
				return m.GetGauge().GetValue(), true
			case m.Histogram != nil:
				return float64(m.GetHistogram().GetSampleCount()), true
			}
		}
	}
	return 0, false
}

func TestNegotiationCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewNegotiationCollector(reg)

	c.OfferSent()
	c.OfferSent()
	c.AnswerSent()
	c.GlareResolved(true)
	c.GlareResolved(false)
	c.GlareResolved(true)
	c.ProtocolError("unexpected_answer")
	c.ConnectionRestarted("glare")
	c.ConnectionsActive(3)
	c.RenegotiationFanOut(3)

	v, ok := gathered(t, reg, "meshcall_offers_sent_total", nil)
	require.True(t, ok)
	assert.Equal(t, 2.0, v)

	v, _ = gathered(t, reg, "meshcall_glare_resolutions_total", map[string]string{"outcome": "yielded"})
	assert.Equal(t, 2.0, v)

	v, _ = gathered(t, reg, "meshcall_negotiation_protocol_errors_total", map[string]string{"reason": "unexpected_answer"})
	assert.Equal(t, 1.0, v)

	v, _ = gathered(t, reg, "meshcall_connection_restarts_total", map[string]string{"reason": "glare"})
	assert.Equal(t, 1.0, v)

	v, _ = gathered(t, reg, "meshcall_peer_connections_active", nil)
	assert.Equal(t, 3.0, v)

	v, _ = gathered(t, reg, "meshcall_renegotiation_fanout_peers", nil)
	assert.Equal(t, 1.0, v)
}

func TestRelayCollector_SessionSeriesDroppedWhenEmpty(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewRelayCollector(reg)

	c.SocketOpened()
	c.SocketOpened()
	c.SocketClosed()
	c.SessionMembers("room", 2)

	v, _ := gathered(t, reg, "meshcall_relay_sockets_connected", nil)
	assert.Equal(t, 1.0, v)
	v, _ = gathered(t, reg, "meshcall_relay_sockets_total", nil)
	assert.Equal(t, 2.0, v)

	v, ok := gathered(t, reg, "meshcall_relay_session_members", map[string]string{"session": "room"})
	require.True(t, ok)
	assert.Equal(t, 2.0, v)

	c.SessionMembers("room", 0)
	_, ok = gathered(t, reg, "meshcall_relay_session_members", map[string]string{"session": "room"})
	assert.False(t, ok)
}
