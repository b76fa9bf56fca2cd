package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	apperrors "meshcall/pkg/errors"

	"go.uber.org/zap"
)

const mediaChangeBuffer = 64

// LocalMediaController owns the active local stream. Every replacement bumps
// the version and is published on Changes.
type LocalMediaController struct {
	devices ports.MediaDevices
	logger  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	// captureMu serializes capture-and-replace so versions are published in
	// the order streams were activated.
	captureMu sync.Mutex

	mu           sync.RWMutex
	video        bool
	audio        bool
	screen       bool
	active       *domain.MediaStream
	version      uint64
	watchCancel  chan struct{}
	changes      chan domain.MediaChange
	closed       bool
	watchersDone sync.WaitGroup
}

func NewLocalMediaController(devices ports.MediaDevices, logger *zap.SugaredLogger) *LocalMediaController {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalMediaController{
		devices: devices,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		changes: make(chan domain.MediaChange, mediaChangeBuffer),
	}
}

// Start performs the initial capture. A capture failure still leaves a
// placeholder stream active and is returned for reporting.
func (c *LocalMediaController) Start(ctx context.Context, video, audio bool) error {
	c.mu.Lock()
	c.video = video
	c.audio = audio
	c.mu.Unlock()
	return c.apply(ctx, "initial capture")
}

func (c *LocalMediaController) SetVideoEnabled(ctx context.Context, enabled bool) error {
	c.mu.Lock()
	c.video = enabled
	c.mu.Unlock()
	return c.apply(ctx, fmt.Sprintf("video %s", onOff(enabled)))
}

func (c *LocalMediaController) SetAudioEnabled(ctx context.Context, enabled bool) error {
	c.mu.Lock()
	c.audio = enabled
	c.mu.Unlock()
	return c.apply(ctx, fmt.Sprintf("audio %s", onOff(enabled)))
}

// SetScreenShare switches between display capture and the camera. When the
// display cannot be captured the controller falls back to the camera.
func (c *LocalMediaController) SetScreenShare(ctx context.Context, enabled bool) error {
	c.mu.Lock()
	c.screen = enabled
	c.mu.Unlock()
	return c.apply(ctx, fmt.Sprintf("screen %s", onOff(enabled)))
}

// Current returns the active stream and its version. The stream is nil
// before Start.
func (c *LocalMediaController) Current() (*domain.MediaStream, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active, c.version
}

func (c *LocalMediaController) Flags() (video, audio, screen bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.video, c.audio, c.screen
}

// Changes delivers one MediaChange per stream replacement, in version order.
// It is closed by Close.
func (c *LocalMediaController) Changes() <-chan domain.MediaChange {
	return c.changes
}

// Close stops the active stream and closes Changes.
func (c *LocalMediaController) Close() {
	c.cancel()
	c.captureMu.Lock()
	defer c.captureMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	active := c.active
	if c.watchCancel != nil {
		close(c.watchCancel)
		c.watchCancel = nil
	}
	c.mu.Unlock()

	if active != nil {
		active.Stop()
	}
	c.watchersDone.Wait()
	close(c.changes)
}

func (c *LocalMediaController) apply(ctx context.Context, reason string) error {
	c.captureMu.Lock()
	defer c.captureMu.Unlock()

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return domain.ErrConnectionClosed
	}

	stream, err := c.capture(ctx)
	if stream == nil {
		c.logger.Errorw("No local stream could be captured", "reason", reason, "error", err)
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		stream.Stop()
		return ctxErr
	}

	version := c.replace(stream, reason)
	if err != nil {
		c.logger.Warnw("Media capture degraded",
			"reason", reason,
			"source", stream.Source,
			"version", version,
			"error", err,
		)
	} else {
		c.logger.Infow("Local media replaced",
			"reason", reason,
			"source", stream.Source,
			"version", version,
			"tracks", len(stream.Tracks),
		)
	}
	return err
}

// capture returns the best stream for the current flags. When a requested
// source fails, the returned stream is the fallback and err describes the
// failure.
func (c *LocalMediaController) capture(ctx context.Context) (*domain.MediaStream, error) {
	video, audio, screen := c.Flags()

	var acquisitionErr error
	if screen {
		stream, err := c.devices.CaptureDisplayMedia(ctx)
		if err == nil {
			return stream, nil
		}
		acquisitionErr = apperrors.NewMediaAcquisitionError("screen", err)
		c.mu.Lock()
		c.screen = false
		c.mu.Unlock()
	}

	if video || audio {
		stream, err := c.devices.CaptureUserMedia(ctx, video, audio)
		if err == nil {
			return stream, acquisitionErr
		}
		acquisitionErr = errors.Join(acquisitionErr, apperrors.NewMediaAcquisitionError("camera", err))
	}

	stream, err := c.devices.Placeholder(ctx)
	if err != nil {
		return nil, errors.Join(acquisitionErr, apperrors.NewMediaAcquisitionError("placeholder", err))
	}
	return stream, acquisitionErr
}

// replace activates stream, stops the previous one and publishes the change.
func (c *LocalMediaController) replace(stream *domain.MediaStream, reason string) uint64 {
	c.mu.Lock()
	previous := c.active
	c.active = stream
	c.version++
	version := c.version
	if c.watchCancel != nil {
		close(c.watchCancel)
	}
	cancel := make(chan struct{})
	c.watchCancel = cancel
	c.mu.Unlock()

	if previous != nil && previous != stream {
		previous.Stop()
	}

	c.watchersDone.Add(1)
	go c.watch(stream, version, cancel)

	select {
	case c.changes <- domain.MediaChange{Version: version, Stream: stream, Reason: reason}:
	case <-c.ctx.Done():
	}
	return version
}

// watch reacts to the first track of stream that ends on its own. A camera
// track ending drops to the placeholder; a screen track ending returns to
// the camera.
func (c *LocalMediaController) watch(stream *domain.MediaStream, version uint64, cancel <-chan struct{}) {
	defer c.watchersDone.Done()

	ended := make(chan *domain.Track, len(stream.Tracks))
	for _, track := range stream.Tracks {
		go func(t *domain.Track) {
			select {
			case <-t.Ended():
				ended <- t
			case <-cancel:
			}
		}(track)
	}

	var track *domain.Track
	select {
	case track = <-ended:
	case <-cancel:
		return
	}

	c.mu.Lock()
	if c.closed || c.version != version {
		c.mu.Unlock()
		return
	}
	switch stream.Source {
	case domain.SourceScreen:
		c.screen = false
	case domain.SourceCamera:
		c.video = false
		c.audio = false
	}
	c.mu.Unlock()

	c.logger.Warnw("Local track ended",
		"track_id", track.ID,
		"kind", track.Kind,
		"source", stream.Source,
		"version", version,
	)

	// apply takes captureMu, which Close holds while waiting for watchers.
	go func() {
		if err := c.apply(c.ctx, fmt.Sprintf("%s track ended", track.Kind)); err != nil && !errors.Is(err, domain.ErrConnectionClosed) {
			c.logger.Warnw("Fallback after track end failed", "error", err)
		}
	}()
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}
