package webrtc

import (
	"context"
	"fmt"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/config"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config is the media-transport configuration shared by every connection.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// ConfigFrom converts the application config.
func ConfigFrom(cfg *config.Config) Config {
	var out Config
	for _, s := range cfg.WebRTC.ICEServers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	return out
}

// Factory builds pion peer connections from one shared API.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.SugaredLogger
}

var _ ports.ConnectionFactory = (*Factory)(nil)

func NewFactory(cfg Config, logger *zap.SugaredLogger) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("failed to set WebRTC port range: %w", err)
		}
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(settingEngine),
		),
		config: webrtc.Configuration{
			ICEServers:   cfg.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		logger: logger,
	}, nil
}

func (f *Factory) NewConnection(peerID domain.PeerID) (ports.NativeConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	conn := &PeerConnection{
		peerID: peerID,
		pc:     pc,
		logger: f.logger.With("peer_id", peerID),
	}
	pc.OnICEConnectionStateChange(conn.handleICEConnectionState)
	return conn, nil
}

type sender struct {
	kind   domain.TrackKind
	sender *webrtc.RTPSender
}

// PeerConnection adapts a pion PeerConnection to the negotiation core.
type PeerConnection struct {
	peerID domain.PeerID
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	mu      sync.Mutex
	senders []sender
}

var _ ports.NativeConnection = (*PeerConnection)(nil)

func (c *PeerConnection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return c.pc.CreateOffer(nil)
}

func (c *PeerConnection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return c.pc.CreateAnswer(nil)
}

func (c *PeerConnection) SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.pc.SetLocalDescription(desc)
}

func (c *PeerConnection) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(desc)
}

func (c *PeerConnection) AddICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.pc.AddICECandidate(candidate)
}

func (c *PeerConnection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

// ContinuesSession compares the o= session id of desc with the applied
// remote description. pion keeps one session id for the lifetime of a
// connection, so a new id means the peer replaced its connection.
func (c *PeerConnection) ContinuesSession(desc webrtc.SessionDescription) bool {
	current := c.pc.RemoteDescription()
	if current == nil {
		return true
	}
	applied := webrtc.SessionDescription{Type: current.Type, SDP: current.SDP}
	was, err := applied.Unmarshal()
	if err != nil {
		return true
	}
	next, err := desc.Unmarshal()
	if err != nil {
		// SetRemoteDescription reports the parse error
		return true
	}
	return was.Origin.SessionID == next.Origin.SessionID
}

// ReplaceTracks reuses existing senders of the same kind so transceivers
// stay stable across renegotiations; senders left over are removed.
func (c *PeerConnection) ReplaceTracks(stream *domain.MediaStream) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var tracks []*domain.Track
	if stream != nil {
		for _, t := range stream.Tracks {
			if t.Local != nil {
				tracks = append(tracks, t)
			}
		}
	}

	reused := make([]bool, len(c.senders))
	next := make([]sender, 0, len(tracks))

	for _, track := range tracks {
		slot := -1
		for i, s := range c.senders {
			if !reused[i] && s.kind == track.Kind {
				slot = i
				break
			}
		}

		if slot >= 0 {
			reused[slot] = true
			if err := c.senders[slot].sender.ReplaceTrack(track.Local); err != nil {
				return fmt.Errorf("replace %s track %s: %w", track.Kind, track.ID, err)
			}
			next = append(next, c.senders[slot])
			continue
		}

		rtpSender, err := c.pc.AddTrack(track.Local)
		if err != nil {
			return fmt.Errorf("add %s track %s: %w", track.Kind, track.ID, err)
		}
		go c.processRTCP(rtpSender, track.Kind)
		next = append(next, sender{kind: track.Kind, sender: rtpSender})
	}

	for i, s := range c.senders {
		if reused[i] {
			continue
		}
		if err := c.pc.RemoveTrack(s.sender); err != nil {
			return fmt.Errorf("remove %s sender: %w", s.kind, err)
		}
	}

	c.senders = next
	return nil
}

func (c *PeerConnection) TrackCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.senders)
}

func (c *PeerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if candidate == nil {
			return
		}
		fn(candidate.ToJSON())
	})
}

func (c *PeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *PeerConnection) Close() error {
	return c.pc.Close()
}

func (c *PeerConnection) handleICEConnectionState(state webrtc.ICEConnectionState) {
	c.logger.Infow("peer ICE connection state changed", "ice_state", state.String())
}

// processRTCP drains a sender's RTCP so the interceptors keep running, and
// logs receiver feedback.
func (c *PeerConnection) processRTCP(rtpSender *webrtc.RTPSender, kind domain.TrackKind) {
	for {
		packets, _, err := rtpSender.ReadRTCP()
		if err != nil {
			return
		}
		c.processRTCPPackets(packets, kind)
	}
}

func (c *PeerConnection) processRTCPPackets(packets []rtcp.Packet, kind domain.TrackKind) {
	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				c.logger.Debugw("received receiver report",
					"kind", kind,
					"fraction_lost", report.FractionLost,
					"jitter", report.Jitter,
				)
			}
		case *rtcp.TransportLayerNack:
			c.logger.Debugw("received NACK", "kind", kind, "nacks", len(p.Nacks))
		case *rtcp.PictureLossIndication:
			c.logger.Debugw("received PLI", "kind", kind)
		}
	}
}
