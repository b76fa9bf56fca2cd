package media

import (
	"context"
	"fmt"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type Options struct {
	Camera bool
	Screen bool
}

// SyntheticDevices stands in for camera, microphone and display capture in
// a headless process. Every track is a pion local track fed by a packet
// generator.
type SyntheticDevices struct {
	logger *zap.SugaredLogger

	mu        sync.Mutex
	available map[domain.StreamSource]bool
	live      map[domain.StreamSource]map[string]*domain.Track
}

var _ ports.MediaDevices = (*SyntheticDevices)(nil)

func NewSyntheticDevices(opts Options, logger *zap.SugaredLogger) *SyntheticDevices {
	return &SyntheticDevices{
		logger: logger,
		available: map[domain.StreamSource]bool{
			domain.SourceCamera:      opts.Camera,
			domain.SourceScreen:      opts.Screen,
			domain.SourcePlaceholder: true,
		},
		live: make(map[domain.StreamSource]map[string]*domain.Track),
	}
}

func (d *SyntheticDevices) CaptureUserMedia(ctx context.Context, video, audio bool) (*domain.MediaStream, error) {
	var kinds []domain.TrackKind
	if video {
		kinds = append(kinds, domain.TrackVideo)
	}
	if audio {
		kinds = append(kinds, domain.TrackAudio)
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("no camera or microphone requested")
	}
	return d.capture(ctx, domain.SourceCamera, true, kinds...)
}

func (d *SyntheticDevices) CaptureDisplayMedia(ctx context.Context) (*domain.MediaStream, error) {
	return d.capture(ctx, domain.SourceScreen, true, domain.TrackVideo)
}

func (d *SyntheticDevices) Placeholder(ctx context.Context) (*domain.MediaStream, error) {
	return d.capture(ctx, domain.SourcePlaceholder, false, domain.TrackVideo, domain.TrackAudio)
}

// SetAvailable toggles whether source can be captured.
func (d *SyntheticDevices) SetAvailable(source domain.StreamSource, available bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.available[source] = available
}

// Revoke makes source unavailable and ends its live tracks, the way an
// unplugged camera or an OS-level "stop sharing" would.
func (d *SyntheticDevices) Revoke(source domain.StreamSource) int {
	d.mu.Lock()
	d.available[source] = false
	tracks := make([]*domain.Track, 0, len(d.live[source]))
	for _, t := range d.live[source] {
		tracks = append(tracks, t)
	}
	d.mu.Unlock()

	for _, t := range tracks {
		t.End()
	}
	d.logger.Infow("Capture source revoked", "source", source, "tracks", len(tracks))
	return len(tracks)
}

// LiveTracks counts tracks that are capturing from source.
func (d *SyntheticDevices) LiveTracks(source domain.StreamSource) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live[source])
}

func (d *SyntheticDevices) capture(ctx context.Context, source domain.StreamSource, enabled bool, kinds ...domain.TrackKind) (*domain.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	available := d.available[source]
	d.mu.Unlock()
	if !available {
		return nil, fmt.Errorf("%s: %w", source, domain.ErrCaptureUnavailable)
	}

	streamID := uuid.NewString()
	stream := &domain.MediaStream{ID: streamID, Source: source}

	for _, kind := range kinds {
		trackID := fmt.Sprintf("%s-%s-%s", source, kind, uuid.NewString()[:8])
		local, err := webrtc.NewTrackLocalStaticRTP(codecFor(kind), trackID, streamID)
		if err != nil {
			stream.Stop()
			return nil, fmt.Errorf("create %s track: %w", kind, err)
		}

		track := domain.NewTrack(trackID, kind, enabled, local, d.release(source, trackID))
		d.track(source, track)
		go func(kind domain.TrackKind) {
			generate(local, kind, track.Ended())
			d.release(source, trackID)()
		}(kind)
		stream.Tracks = append(stream.Tracks, track)
	}

	d.logger.Debugw("Captured stream", "source", source, "stream_id", streamID, "tracks", len(stream.Tracks))
	return stream, nil
}

func (d *SyntheticDevices) track(source domain.StreamSource, t *domain.Track) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.live[source] == nil {
		d.live[source] = make(map[string]*domain.Track)
	}
	d.live[source][t.ID] = t
}

func (d *SyntheticDevices) release(source domain.StreamSource, trackID string) func() {
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.live[source], trackID)
	}
}
