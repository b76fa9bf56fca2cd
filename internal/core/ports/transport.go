package ports

import (
	"context"

	"meshcall/internal/core/domain"
)

// SignalTransport relays opaque payloads between peers and reports session
// membership. It never interprets payload contents.
type SignalTransport interface {
	Join(ctx context.Context, session domain.SessionID) error
	Signal(ctx context.Context, to domain.PeerID, payload domain.SignalPayload) error
	Chat(ctx context.Context, text, displayName string) error
	Events() <-chan domain.TransportEvent
	Close() error
}
