package domain

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// StreamSource tells where a local stream came from.
type StreamSource string

const (
	SourceCamera      StreamSource = "camera"
	SourceScreen      StreamSource = "screen"
	SourcePlaceholder StreamSource = "placeholder"
)

// Track is one locally captured media track. Local is the transport-side
// track handed to peer connections; it is nil for tracks that never leave
// the process (tests).
type Track struct {
	ID      string
	Kind    TrackKind
	Enabled bool
	Local   webrtc.TrackLocal

	ended   chan struct{}
	endOnce sync.Once
	onStop  func()
}

func NewTrack(id string, kind TrackKind, enabled bool, local webrtc.TrackLocal, onStop func()) *Track {
	return &Track{
		ID:      id,
		Kind:    kind,
		Enabled: enabled,
		Local:   local,
		ended:   make(chan struct{}),
		onStop:  onStop,
	}
}

// Ended is closed once the track stops producing media, whatever the cause.
func (t *Track) Ended() <-chan struct{} {
	return t.ended
}

// IsEnded reports whether Ended has fired.
func (t *Track) IsEnded() bool {
	select {
	case <-t.ended:
		return true
	default:
		return false
	}
}

// End marks the track as ended without releasing the capture source. Device
// loss and OS-level screen-share termination arrive through here.
func (t *Track) End() {
	t.endOnce.Do(func() { close(t.ended) })
}

// Stop releases the capture source and ends the track.
func (t *Track) Stop() {
	if t.onStop != nil {
		t.onStop()
	}
	t.End()
}

// MediaStream groups the tracks attached to every peer connection.
type MediaStream struct {
	ID     string
	Source StreamSource
	Tracks []*Track
}

func (s *MediaStream) VideoTracks() []*Track {
	return s.tracksOf(TrackVideo)
}

func (s *MediaStream) AudioTracks() []*Track {
	return s.tracksOf(TrackAudio)
}

func (s *MediaStream) tracksOf(kind TrackKind) []*Track {
	var out []*Track
	for _, t := range s.Tracks {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// TrackIDs returns the ids of all tracks in stream order.
func (s *MediaStream) TrackIDs() []string {
	ids := make([]string, 0, len(s.Tracks))
	for _, t := range s.Tracks {
		ids = append(ids, t.ID)
	}
	return ids
}

// Stop releases every track in the stream.
func (s *MediaStream) Stop() {
	for _, t := range s.Tracks {
		t.Stop()
	}
}

// MediaChange is emitted each time the active local stream is replaced.
type MediaChange struct {
	Version uint64
	Stream  *MediaStream
	Reason  string
}
