package domain

type PeerID string
type SessionID string

// NegotiationState is the offer/answer position of one peer connection.
type NegotiationState int

const (
	StateIdle NegotiationState = iota
	StateOfferSent
	StateOfferReceived
	StateAnswerSent
	StateStable
)

func (s NegotiationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswerSent:
		return "answer-sent"
	case StateStable:
		return "stable"
	default:
		return "unknown"
	}
}

// CanOffer reports whether a fresh local offer may be started from s.
func (s NegotiationState) CanOffer() bool {
	return s == StateIdle || s == StateStable
}

// YieldsOnGlare reports whether self discards its own in-flight offer when
// remote offers at the same time. The lower identifier becomes the responder.
func YieldsOnGlare(self, remote PeerID) bool {
	return self < remote
}
