package ports

import (
	"context"

	"meshcall/internal/core/domain"
)

type MediaDevices interface {
	CaptureUserMedia(ctx context.Context, video, audio bool) (*domain.MediaStream, error)
	CaptureDisplayMedia(ctx context.Context) (*domain.MediaStream, error)
	// Placeholder returns a stream with a disabled black video track and a
	// disabled silent audio track.
	Placeholder(ctx context.Context) (*domain.MediaStream, error)
}
