package signal

import (
	"encoding/json"
	"fmt"

	"meshcall/internal/core/domain"
)

const (
	MessageJoin       = "join"
	MessageJoined     = "joined"
	MessageSignal     = "signal"
	MessagePeerJoined = "peer-joined"
	MessagePeerLeft   = "peer-left"
	MessageChat       = "chat-message"
	MessageError      = "error"
)

// Message is the single envelope exchanged with the relay, one per text frame.
// Payload is opaque to the relay.
type Message struct {
	Type        string           `json:"type"`
	Session     domain.SessionID `json:"session,omitempty"`
	From        domain.PeerID    `json:"from,omitempty"`
	To          domain.PeerID    `json:"to,omitempty"`
	PeerID      domain.PeerID    `json:"peer_id,omitempty"`
	Peers       []domain.PeerID  `json:"peers,omitempty"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	Text        string           `json:"text,omitempty"`
	DisplayName string           `json:"display_name,omitempty"`
	Message     string           `json:"message,omitempty"`
}

// toEvent converts a relay-to-client message into a transport event.
func (m Message) toEvent() (domain.TransportEvent, error) {
	switch m.Type {
	case MessageJoined:
		return domain.TransportEvent{Type: domain.EventJoined, Self: m.PeerID, Peers: m.Peers}, nil
	case MessagePeerJoined:
		return domain.TransportEvent{Type: domain.EventPeerJoined, Peer: m.PeerID}, nil
	case MessagePeerLeft:
		return domain.TransportEvent{Type: domain.EventPeerLeft, Peer: m.PeerID}, nil
	case MessageSignal:
		var payload domain.SignalPayload
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return domain.TransportEvent{}, fmt.Errorf("decode signal payload from %s: %w", m.From, err)
		}
		return domain.TransportEvent{Type: domain.EventSignal, Peer: m.From, Payload: payload}, nil
	case MessageChat:
		return domain.TransportEvent{
			Type:        domain.EventChatMessage,
			Peer:        m.From,
			Text:        m.Text,
			DisplayName: m.DisplayName,
		}, nil
	case MessageError:
		return domain.TransportEvent{Type: domain.EventError, Message: m.Message}, nil
	default:
		return domain.TransportEvent{}, fmt.Errorf("unknown message type %q", m.Type)
	}
}
