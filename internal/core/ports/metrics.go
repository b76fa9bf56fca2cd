package ports

type NegotiationMetrics interface {
	OfferSent()
	AnswerSent()
	GlareResolved(yielded bool)
	StaleReoffer()
	ProtocolError(reason string)
	NegotiationTimeout()
	ConnectionRestarted(reason string)
	ConnectionsActive(n int)
	RenegotiationFanOut(peers int)
}

type RelayMetrics interface {
	SocketOpened()
	SocketClosed()
	SessionMembers(session string, n int)
	MessageRelayed(kind string)
	MessageRejected(reason string)
}

// NopNegotiationMetrics discards every observation.
type NopNegotiationMetrics struct{}

func (NopNegotiationMetrics) OfferSent()                 {}
func (NopNegotiationMetrics) AnswerSent()                {}
func (NopNegotiationMetrics) GlareResolved(bool)         {}
func (NopNegotiationMetrics) StaleReoffer()              {}
func (NopNegotiationMetrics) ProtocolError(string)       {}
func (NopNegotiationMetrics) NegotiationTimeout()        {}
func (NopNegotiationMetrics) ConnectionRestarted(string) {}
func (NopNegotiationMetrics) ConnectionsActive(int)      {}
func (NopNegotiationMetrics) RenegotiationFanOut(int)    {}
