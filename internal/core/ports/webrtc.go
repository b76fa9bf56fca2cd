package ports

import (
	"context"

	"meshcall/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// NativeConnection is the media-transport connection owned by one registry
// entry. Every description and candidate call may suspend.
type NativeConnection interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error
	AddICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error

	// ReplaceTracks detaches whatever is currently sent and attaches the
	// tracks of stream.
	ReplaceTracks(stream *domain.MediaStream) error
	TrackCount() int

	// ContinuesSession reports whether desc belongs to the remote session
	// already applied. A peer that replaced its connection starts a new
	// session. True while no remote description is set.
	ContinuesSession(desc webrtc.SessionDescription) bool

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	Close() error
}

type ConnectionFactory interface {
	NewConnection(peerID domain.PeerID) (NativeConnection, error)
}
