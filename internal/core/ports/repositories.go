package ports

import (
	"context"

	"meshcall/internal/core/domain"
)

// SessionRepository holds relay-side session membership.
type SessionRepository interface {
	Join(ctx context.Context, session domain.SessionID, peer domain.PeerID) error
	Leave(ctx context.Context, session domain.SessionID, peer domain.PeerID) error
	Members(ctx context.Context, session domain.SessionID) ([]domain.PeerID, error)
	Count(ctx context.Context, session domain.SessionID) (int, error)
}
