package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	apperrors "meshcall/pkg/errors"
	"meshcall/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const DefaultNegotiationTimeout = 15 * time.Second

// NegotiationEngine drives the offer/answer exchange of registry entries.
// Its methods run one step for one connection and must be called from that
// connection's executor (see PeerConnection.Submit) or from tests.
type NegotiationEngine struct {
	registry  *ConnectionRegistry
	transport ports.SignalTransport
	metrics   ports.NegotiationMetrics
	logger    *zap.SugaredLogger
	timeout   time.Duration
}

func NewNegotiationEngine(
	registry *ConnectionRegistry,
	transport ports.SignalTransport,
	metrics ports.NegotiationMetrics,
	logger *zap.SugaredLogger,
	timeout time.Duration,
) *NegotiationEngine {
	if metrics == nil {
		metrics = ports.NopNegotiationMetrics{}
	}
	if timeout <= 0 {
		timeout = DefaultNegotiationTimeout
	}
	e := &NegotiationEngine{
		registry:  registry,
		transport: transport,
		metrics:   metrics,
		logger:    logger,
		timeout:   timeout,
	}
	registry.OnCreate(e.bind)
	return e
}

// bind forwards locally gathered candidates and logs transport state. It
// runs again for every replacement connection; callbacks of a replaced one
// are ignored.
func (e *NegotiationEngine) bind(pc *PeerConnection) {
	peerID := pc.PeerID
	generation := pc.generation.Load()
	pc.native.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		if pc.IsClosed() || !pc.current(generation) {
			return
		}
		if err := e.transport.Signal(context.Background(), peerID, domain.CandidatePayload(candidate)); err != nil {
			e.logger.Warnw("Failed to send ICE candidate",
				"peer_id", peerID,
				"error", apperrors.NewTransportDeliveryError(string(peerID), err),
			)
		}
	})
	pc.native.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if !pc.current(generation) {
			return
		}
		e.logger.Infow("Peer connection state changed", "peer_id", peerID, "state", state.String())
	})
}

// StartOffer begins a negotiation unless one is already in flight.
func (e *NegotiationEngine) StartOffer(ctx context.Context, pc *PeerConnection) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.IsClosed() {
		return domain.ErrConnectionClosed
	}
	if !pc.state.CanOffer() {
		e.logger.Debugw("Offer already in flight", "peer_id", pc.PeerID, "state", pc.state.String())
		return nil
	}
	return e.offerLocked(ctx, pc)
}

// Renegotiate attaches stream at version and offers it. Versions at or below
// the attached one are stale and ignored. When an offer is already
// outstanding the tracks are swapped and the answer handler re-offers.
func (e *NegotiationEngine) Renegotiate(ctx context.Context, pc *PeerConnection, stream *domain.MediaStream, version uint64) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.IsClosed() {
		return domain.ErrConnectionClosed
	}
	if version <= pc.attachedVersion {
		e.logger.Debugw("Skipping stale renegotiation",
			"peer_id", pc.PeerID,
			"version", version,
			"attached_version", pc.attachedVersion,
		)
		return nil
	}

	if err := pc.native.ReplaceTracks(stream); err != nil {
		return fmt.Errorf("attach media version %d to %s: %w", version, pc.PeerID, err)
	}
	pc.attachedVersion = version

	if !pc.state.CanOffer() {
		e.logger.Debugw("Renegotiation deferred until answer",
			"peer_id", pc.PeerID,
			"state", pc.state.String(),
			"version", version,
		)
		return nil
	}
	return e.offerLocked(ctx, pc)
}

// HandleSignal applies one inbound payload from the connection's peer.
func (e *NegotiationEngine) HandleSignal(ctx context.Context, pc *PeerConnection, payload domain.SignalPayload) error {
	switch payload.Kind() {
	case domain.SignalOffer:
		return e.HandleOffer(ctx, pc, *payload.SDP)
	case domain.SignalAnswer:
		return e.HandleAnswer(ctx, pc, *payload.SDP)
	case domain.SignalCandidate:
		return e.HandleCandidate(ctx, pc, *payload.ICE)
	default:
		e.metrics.ProtocolError("invalid_payload")
		return apperrors.NewNegotiationProtocolError(string(pc.PeerID), "signal", domain.ErrInvalidPayload)
	}
}

// HandleOffer answers an inbound offer. A local offer still in flight is
// resolved by the glare tie-break; the side that yields replaces its
// connection, answers, then offers its own media again.
func (e *NegotiationEngine) HandleOffer(ctx context.Context, pc *PeerConnection, offer webrtc.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.IsClosed() {
		return domain.ErrConnectionClosed
	}

	ctx, span := tracing.TraceNegotiation(ctx, "answer", string(pc.PeerID), pc.attachedVersion)
	defer span.End()

	abandoned := false
	switch {
	case !pc.native.ContinuesSession(offer):
		// The peer replaced its connection, so nothing negotiated with the
		// old one survives on its side.
		abandoned = pc.state == domain.StateOfferSent
		if err := e.restartLocked(pc, "remote_restart"); err != nil {
			return e.protocolFailure(ctx, span, pc, "restart", err)
		}
	case pc.state == domain.StateOfferSent:
		if !domain.YieldsOnGlare(e.registry.Self(), pc.PeerID) {
			e.metrics.GlareResolved(false)
			e.logger.Infow("Glare: keeping local offer", "peer_id", pc.PeerID)
			return fmt.Errorf("offer from %s: %w", pc.PeerID, domain.ErrUnexpectedOffer)
		}
		if err := e.restartLocked(pc, "glare"); err != nil {
			return e.protocolFailure(ctx, span, pc, "restart", err)
		}
		abandoned = true
		e.metrics.GlareResolved(true)
		e.logger.Infow("Glare: yielding to remote offer", "peer_id", pc.PeerID)
	}

	resting := pc.state
	pc.state = domain.StateOfferReceived

	if err := pc.native.SetRemoteDescription(ctx, offer); err != nil {
		pc.state = resting
		return e.protocolFailure(ctx, span, pc, "set remote offer", err)
	}
	pc.remoteDescriptionSet = true
	e.drainCandidatesLocked(ctx, pc)

	answer, err := pc.native.CreateAnswer(ctx)
	if err != nil {
		pc.state = resting
		return e.protocolFailure(ctx, span, pc, "create answer", err)
	}
	if err := pc.native.SetLocalDescription(ctx, answer); err != nil {
		pc.state = resting
		return e.protocolFailure(ctx, span, pc, "set local answer", err)
	}
	pc.state = domain.StateAnswerSent

	var sendErr error
	if err := e.transport.Signal(ctx, pc.PeerID, domain.AnswerPayload(answer)); err != nil {
		sendErr = apperrors.NewTransportDeliveryError(string(pc.PeerID), err)
		tracing.RecordError(ctx, sendErr)
	} else {
		e.metrics.AnswerSent()
	}

	// The native side is stable once the local answer is applied.
	pc.state = domain.StateStable
	pc.negotiated = true
	e.logger.Debugw("Answer sent", "peer_id", pc.PeerID, "media_version", pc.attachedVersion)

	if !abandoned {
		return sendErr
	}
	// The abandoned offer carried our latest media. Offer it even when the
	// answer was lost; the peer then recovers through its own timeout.
	return errors.Join(sendErr, e.offerLocked(ctx, pc))
}

func (e *NegotiationEngine) HandleAnswer(ctx context.Context, pc *PeerConnection, answer webrtc.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.IsClosed() {
		return domain.ErrConnectionClosed
	}
	if pc.state != domain.StateOfferSent {
		e.metrics.ProtocolError("unexpected_answer")
		return apperrors.NewNegotiationProtocolError(string(pc.PeerID), "answer", domain.ErrUnexpectedAnswer).
			WithContext("state", pc.state.String())
	}

	ctx, span := tracing.TraceNegotiation(ctx, "complete", string(pc.PeerID), pc.offeredVersion)
	defer span.End()

	if !pc.native.ContinuesSession(answer) {
		// The peer replaced its connection before answering, so the session
		// our offer extended is gone on its side. Start over.
		e.logger.Infow("Answer from a restarted peer; offering on a fresh connection", "peer_id", pc.PeerID)
		if err := e.restartLocked(pc, "remote_restart"); err != nil {
			return e.protocolFailure(ctx, span, pc, "restart", err)
		}
		return e.offerLocked(ctx, pc)
	}

	if err := pc.native.SetRemoteDescription(ctx, answer); err != nil {
		return e.protocolFailure(ctx, span, pc, "set remote answer", err)
	}
	pc.stopTimerLocked()
	pc.remoteDescriptionSet = true
	e.drainCandidatesLocked(ctx, pc)

	pc.state = domain.StateStable
	pc.negotiated = true
	e.logger.Debugw("Negotiation complete", "peer_id", pc.PeerID, "media_version", pc.offeredVersion)

	if pc.offeredVersion < pc.attachedVersion {
		e.metrics.StaleReoffer()
		e.logger.Infow("Local media changed during negotiation; offering again",
			"peer_id", pc.PeerID,
			"offered_version", pc.offeredVersion,
			"attached_version", pc.attachedVersion,
		)
		return e.offerLocked(ctx, pc)
	}
	return nil
}

// HandleCandidate applies a remote candidate, or buffers it until a remote
// description is set.
func (e *NegotiationEngine) HandleCandidate(ctx context.Context, pc *PeerConnection, candidate webrtc.ICECandidateInit) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.IsClosed() {
		return domain.ErrConnectionClosed
	}
	if !pc.remoteDescriptionSet {
		pc.pendingCandidates = append(pc.pendingCandidates, candidate)
		e.logger.Debugw("Buffered remote candidate", "peer_id", pc.PeerID, "pending", len(pc.pendingCandidates))
		return nil
	}
	if err := pc.native.AddICECandidate(ctx, candidate); err != nil {
		e.metrics.ProtocolError("add_candidate")
		return apperrors.NewNegotiationProtocolError(string(pc.PeerID), "add candidate", err)
	}
	return nil
}

func (e *NegotiationEngine) drainCandidatesLocked(ctx context.Context, pc *PeerConnection) {
	pending := pc.pendingCandidates
	pc.pendingCandidates = nil
	for _, candidate := range pending {
		if err := pc.native.AddICECandidate(ctx, candidate); err != nil {
			e.metrics.ProtocolError("add_candidate")
			e.logger.Warnw("Failed to apply buffered candidate", "peer_id", pc.PeerID, "error", err)
		}
	}
	if len(pending) > 0 {
		e.logger.Debugw("Applied buffered candidates", "peer_id", pc.PeerID, "count", len(pending))
	}
}

func (e *NegotiationEngine) offerLocked(ctx context.Context, pc *PeerConnection) error {
	ctx, span := tracing.TraceNegotiation(ctx, "offer", string(pc.PeerID), pc.attachedVersion)
	defer span.End()

	offer, err := pc.native.CreateOffer(ctx)
	if err != nil {
		return e.protocolFailure(ctx, span, pc, "create offer", err)
	}
	if err := pc.native.SetLocalDescription(ctx, offer); err != nil {
		return e.protocolFailure(ctx, span, pc, "set local offer", err)
	}

	pc.state = domain.StateOfferSent
	pc.offeredVersion = pc.attachedVersion
	e.armTimerLocked(pc)

	if err := e.transport.Signal(ctx, pc.PeerID, domain.OfferPayload(offer)); err != nil {
		// The offer is applied locally and cannot be taken back, so an
		// undelivered offer is treated like a lost one and expires.
		deliveryErr := apperrors.NewTransportDeliveryError(string(pc.PeerID), err)
		tracing.RecordError(ctx, deliveryErr)
		return deliveryErr
	}

	e.metrics.OfferSent()
	e.logger.Debugw("Offer sent", "peer_id", pc.PeerID, "media_version", pc.offeredVersion)
	return nil
}

func (e *NegotiationEngine) armTimerLocked(pc *PeerConnection) {
	pc.round++
	round := pc.round
	pc.stopTimerLocked()
	pc.timer = time.AfterFunc(e.timeout, func() {
		pc.Submit(func() { e.expireOffer(pc, round) })
	})
}

// expireOffer abandons an offer that was never answered. A connection that
// had negotiated offers again on the fresh connection, since the peer still
// holds the old session.
func (e *NegotiationEngine) expireOffer(pc *PeerConnection, round uint64) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.IsClosed() || pc.state != domain.StateOfferSent || pc.round != round {
		return
	}
	pc.timer = nil
	e.metrics.NegotiationTimeout()

	wasNegotiated := pc.negotiated
	if err := e.restartLocked(pc, "timeout"); err != nil {
		// The native side is still in have-local-offer; stay in OfferSent
		// and try again after another timeout.
		e.metrics.ProtocolError("restart")
		e.armTimerLocked(pc)
		e.logger.Errorw("Could not replace timed-out connection",
			"peer_id", pc.PeerID,
			"timeout", e.timeout,
			"error", err,
		)
		return
	}
	e.logger.Warnw("Negotiation timed out",
		"peer_id", pc.PeerID,
		"timeout", e.timeout,
		"reoffer", wasNegotiated,
	)

	if wasNegotiated {
		if err := e.offerLocked(context.Background(), pc); err != nil {
			e.logger.Warnw("Offer after timeout failed", "peer_id", pc.PeerID, "error", err)
		}
	}
}

// restartLocked swaps in a fresh native connection. pion cannot roll back a
// local offer, so this is the only way to abandon one. The peer learns of
// the restart from the new session id on our next description. Buffered
// remote candidates are kept: they belong to the offer about to be applied.
func (e *NegotiationEngine) restartLocked(pc *PeerConnection, reason string) error {
	if err := e.registry.renewLocked(pc); err != nil {
		return err
	}
	pc.stopTimerLocked()
	pc.state = domain.StateIdle
	pc.negotiated = false
	pc.remoteDescriptionSet = false
	e.metrics.ConnectionRestarted(reason)
	e.logger.Infow("Peer connection restarted", "peer_id", pc.PeerID, "reason", reason)
	return nil
}

func (e *NegotiationEngine) protocolFailure(ctx context.Context, span trace.Span, pc *PeerConnection, step string, err error) error {
	e.metrics.ProtocolError(step)
	appErr := apperrors.NewNegotiationProtocolError(string(pc.PeerID), step, err)
	tracing.RecordError(ctx, appErr)
	span.SetAttributes(tracing.StateKey.String(pc.state.String()))
	return appErr
}
