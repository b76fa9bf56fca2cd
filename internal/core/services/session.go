package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	apperrors "meshcall/pkg/errors"
	"meshcall/pkg/tracing"
	"meshcall/pkg/validation"

	"go.uber.org/zap"
)

type SessionOptions struct {
	DisplayName        string
	NegotiationTimeout time.Duration
	Video              bool
	Audio              bool
}

// MeshSession is one participant in a full-mesh call: it joins a session
// through the signal transport and keeps a negotiated connection to every
// other member.
type MeshSession struct {
	transport   ports.SignalTransport
	registry    *ConnectionRegistry
	engine      *NegotiationEngine
	media       *LocalMediaController
	coordinator *RenegotiationCoordinator
	metrics     ports.NegotiationMetrics
	logger      *zap.SugaredLogger
	opts        SessionOptions

	mu          sync.RWMutex
	session     domain.SessionID
	chatHandler func(domain.ChatMessage)
	joined      chan struct{}
	joinOnce    sync.Once
	closeOnce   sync.Once
}

func NewMeshSession(
	transport ports.SignalTransport,
	factory ports.ConnectionFactory,
	devices ports.MediaDevices,
	metrics ports.NegotiationMetrics,
	logger *zap.SugaredLogger,
	opts SessionOptions,
) *MeshSession {
	if metrics == nil {
		metrics = ports.NopNegotiationMetrics{}
	}
	media := NewLocalMediaController(devices, logger.Named("media"))
	registry := NewConnectionRegistry(factory, media, metrics, logger.Named("registry"))
	engine := NewNegotiationEngine(registry, transport, metrics, logger.Named("negotiation"), opts.NegotiationTimeout)
	coordinator := NewRenegotiationCoordinator(registry, engine, metrics, logger.Named("renegotiation"))

	return &MeshSession{
		transport:   transport,
		registry:    registry,
		engine:      engine,
		media:       media,
		coordinator: coordinator,
		metrics:     metrics,
		logger:      logger,
		opts:        opts,
		joined:      make(chan struct{}),
	}
}

func (s *MeshSession) Registry() *ConnectionRegistry {
	return s.registry
}

func (s *MeshSession) Media() *LocalMediaController {
	return s.media
}

// Self is the identifier the relay assigned on join; empty before that.
func (s *MeshSession) Self() domain.PeerID {
	return s.registry.Self()
}

// Joined is closed once the relay has confirmed the join.
func (s *MeshSession) Joined() <-chan struct{} {
	return s.joined
}

// OnChat registers the handler for broadcast chat messages.
func (s *MeshSession) OnChat(fn func(domain.ChatMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatHandler = fn
}

// Run captures local media, joins session and processes transport events
// until ctx is done or the transport closes.
func (s *MeshSession) Run(ctx context.Context, session domain.SessionID) error {
	if err := s.media.Start(ctx, s.opts.Video, s.opts.Audio); err != nil {
		s.logger.Warnw("Starting with degraded local media", "error", err)
		if _, version := s.media.Current(); version == 0 {
			return err
		}
	}

	s.mu.Lock()
	s.session = session
	s.mu.Unlock()

	if err := s.transport.Join(ctx, session); err != nil {
		return apperrors.NewTransportDeliveryError("", err).WithContext("session", string(session))
	}

	go s.coordinator.Run(ctx, s.media.Changes())

	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				s.logger.Infow("Signal transport closed", "session", session)
				return nil
			}
			s.dispatch(ctx, ev)
		}
	}
}

func (s *MeshSession) dispatch(ctx context.Context, ev domain.TransportEvent) {
	switch ev.Type {
	case domain.EventJoined:
		s.handleJoined(ctx, ev)
	case domain.EventPeerJoined:
		if ev.Peer == s.Self() {
			return
		}
		if _, err := s.registry.Ensure(ev.Peer); err != nil {
			s.logger.Warnw("Could not register joining peer", "peer_id", ev.Peer, "error", err)
		}
	case domain.EventPeerLeft:
		if err := s.registry.Remove(ev.Peer); err != nil {
			s.logger.Warnw("Could not close departed peer", "peer_id", ev.Peer, "error", err)
		}
	case domain.EventSignal:
		s.handleSignal(ctx, ev.Peer, ev.Payload)
	case domain.EventChatMessage:
		s.mu.RLock()
		handler := s.chatHandler
		s.mu.RUnlock()
		if handler != nil {
			handler(domain.ChatMessage{From: ev.Peer, DisplayName: ev.DisplayName, Text: ev.Text})
		}
	case domain.EventError:
		s.logger.Warnw("Relay reported an error", "message", ev.Message)
	default:
		s.logger.Debugw("Ignoring unknown transport event", "type", ev.Type)
	}
}

// handleJoined registers every member already present and offers to each.
// Members that arrive later are answered rather than offered to.
func (s *MeshSession) handleJoined(ctx context.Context, ev domain.TransportEvent) {
	s.registry.SetSelf(ev.Self)
	s.joinOnce.Do(func() { close(s.joined) })
	s.logger.Infow("Joined session", "self", ev.Self, "peers", len(ev.Peers))

	for _, peerID := range ev.Peers {
		if peerID == ev.Self {
			continue
		}
		pc, err := s.registry.Ensure(peerID)
		if err != nil {
			s.logger.Warnw("Could not register existing peer", "peer_id", peerID, "error", err)
			continue
		}
		pc.Submit(func() {
			if err := s.engine.StartOffer(ctx, pc); err != nil {
				s.logFailure(pc.PeerID, "initial offer", err)
			}
		})
	}
}

func (s *MeshSession) handleSignal(ctx context.Context, from domain.PeerID, payload domain.SignalPayload) {
	if from == "" || from == s.Self() {
		return
	}

	ctx, span := tracing.TraceSignalMessage(ctx, string(payload.Kind()), string(from))
	defer span.End()

	pc, err := s.registry.Get(from)
	if err != nil {
		s.metrics.ProtocolError("peer_not_found")
		s.logger.Warnw("Signal from unregistered peer; registering", "peer_id", from, "kind", payload.Kind(), "error", err)
		pc, err = s.registry.Ensure(from)
		if err != nil {
			s.logger.Warnw("Dropping signal", "peer_id", from, "error", err)
			return
		}
	}

	pc.Submit(func() {
		if err := s.engine.HandleSignal(ctx, pc, payload); err != nil {
			s.logFailure(pc.PeerID, string(payload.Kind()), err)
		}
	})
}

func (s *MeshSession) logFailure(peerID domain.PeerID, step string, err error) {
	switch {
	case errors.Is(err, domain.ErrConnectionClosed):
		return
	case errors.Is(err, domain.ErrUnexpectedOffer):
		s.logger.Debugw("Offer lost the glare tie-break", "peer_id", peerID)
		return
	}
	s.logger.Warnw("Negotiation step failed", "peer_id", peerID, "step", step, "error", err)
}

// SendChat broadcasts text to the session, sender included.
func (s *MeshSession) SendChat(ctx context.Context, text string) error {
	if err := validation.ValidateChatText(text); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	select {
	case <-s.joined:
	default:
		return domain.ErrSessionNotJoined
	}
	return s.transport.Chat(ctx, text, s.opts.DisplayName)
}

func (s *MeshSession) SetVideoEnabled(ctx context.Context, enabled bool) error {
	return s.media.SetVideoEnabled(ctx, enabled)
}

func (s *MeshSession) SetAudioEnabled(ctx context.Context, enabled bool) error {
	return s.media.SetAudioEnabled(ctx, enabled)
}

func (s *MeshSession) SetScreenShare(ctx context.Context, enabled bool) error {
	return s.media.SetScreenShare(ctx, enabled)
}

// WaitRenegotiations blocks until every scheduled renegotiation has run.
func (s *MeshSession) WaitRenegotiations() {
	s.coordinator.Wait()
}

// Close tears down every connection, the local stream and the transport.
func (s *MeshSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = errors.Join(
			s.transport.Close(),
			s.registry.Close(),
		)
		s.media.Close()
	})
	return err
}
