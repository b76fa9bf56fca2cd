package domain

import (
	"github.com/pion/webrtc/v3"
)

// SignalPayload is the opaque body relayed between two peers. Exactly one of
// SDP or ICE is set.
type SignalPayload struct {
	SDP *webrtc.SessionDescription `json:"sdp,omitempty"`
	ICE *webrtc.ICECandidateInit   `json:"ice,omitempty"`
}

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "ice-candidate"
	SignalUnknown   SignalKind = "unknown"
)

// Kind classifies the payload as one arm of the Offer/Answer/IceCandidate union.
func (p SignalPayload) Kind() SignalKind {
	switch {
	case p.SDP != nil && p.SDP.Type == webrtc.SDPTypeOffer:
		return SignalOffer
	case p.SDP != nil && p.SDP.Type == webrtc.SDPTypeAnswer:
		return SignalAnswer
	case p.SDP == nil && p.ICE != nil:
		return SignalCandidate
	default:
		return SignalUnknown
	}
}

func OfferPayload(sdp webrtc.SessionDescription) SignalPayload {
	return SignalPayload{SDP: &sdp}
}

func AnswerPayload(sdp webrtc.SessionDescription) SignalPayload {
	return SignalPayload{SDP: &sdp}
}

func CandidatePayload(candidate webrtc.ICECandidateInit) SignalPayload {
	return SignalPayload{ICE: &candidate}
}

// TransportEventType names the membership and relay events a client receives.
type TransportEventType string

const (
	EventJoined      TransportEventType = "joined"
	EventPeerJoined  TransportEventType = "peer-joined"
	EventPeerLeft    TransportEventType = "peer-left"
	EventSignal      TransportEventType = "signal"
	EventChatMessage TransportEventType = "chat-message"
	EventError       TransportEventType = "error"
)

// TransportEvent is one inbound event delivered by a signal transport.
type TransportEvent struct {
	Type TransportEventType

	// Self is set on EventJoined; Peers lists members present before the join.
	Self  PeerID
	Peers []PeerID

	// Peer is the subject of peer-joined/peer-left and the sender of signal
	// and chat events.
	Peer    PeerID
	Payload SignalPayload

	Text        string
	DisplayName string
	Message     string
}

// ChatMessage is a broadcast text message. It is not part of negotiation.
type ChatMessage struct {
	From        PeerID
	DisplayName string
	Text        string
}
