package media

import (
	"math/rand"
	"time"

	"meshcall/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// Clock rates and frame pacing of the synthetic tracks.
const (
	opusClockRate     = 48000
	opusFrameDuration = 20 * time.Millisecond
	vp8ClockRate      = 90000
	vp8FrameDuration  = 100 * time.Millisecond
)

var (
	// 20ms Opus CELT silence frame.
	opusSilence = []byte{0xf8, 0xff, 0xfe}

	// VP8 payload descriptor (start of partition 0) and a keyframe start code.
	vp8Blank = []byte{0x10, 0x00, 0x00, 0x9d, 0x01, 0x2a}
)

func codecFor(kind domain.TrackKind) webrtc.RTPCodecCapability {
	if kind == domain.TrackAudio {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: vp8ClockRate}
}

// generate writes paced RTP packets to track until ended closes.
func generate(track *webrtc.TrackLocalStaticRTP, kind domain.TrackKind, ended <-chan struct{}) {
	interval, clockRate, payload := vp8FrameDuration, uint32(vp8ClockRate), vp8Blank
	if kind == domain.TrackAudio {
		interval, clockRate, payload = opusFrameDuration, uint32(opusClockRate), opusSilence
	}
	step := uint32(interval.Seconds() * float64(clockRate))

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			SequenceNumber: uint16(rand.Intn(1 << 16)),
			Timestamp:      rand.Uint32(),
			SSRC:           rand.Uint32(),
		},
		Payload: payload,
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ended:
			return
		case <-ticker.C:
			// Without a bound connection WriteRTP is a no-op; a closed
			// binding is not fatal either since tracks move between senders.
			_ = track.WriteRTP(packet)
			packet.SequenceNumber++
			packet.Timestamp += step
		}
	}
}
