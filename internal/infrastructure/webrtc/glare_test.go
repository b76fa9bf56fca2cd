package webrtc

import (
	"context"
	"sync"
	"testing"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/services"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// signalLog is a SignalTransport that records what the engine sends; the
// test delivers it by hand.
type signalLog struct {
	mu   sync.Mutex
	sent map[domain.PeerID][]domain.SignalPayload
}

func (l *signalLog) Join(ctx context.Context, session domain.SessionID) error { return nil }

func (l *signalLog) Signal(ctx context.Context, to domain.PeerID, payload domain.SignalPayload) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent[to] = append(l.sent[to], payload)
	return nil
}

func (l *signalLog) Chat(ctx context.Context, text, displayName string) error { return nil }
func (l *signalLog) Events() <-chan domain.TransportEvent                     { return nil }
func (l *signalLog) Close() error                                             { return nil }

// descriptions returns the offers and answers sent to peer, in order.
func (l *signalLog) descriptions(peer domain.PeerID) []webrtc.SessionDescription {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []webrtc.SessionDescription
	for _, p := range l.sent[peer] {
		if p.SDP != nil {
			out = append(out, *p.SDP)
		}
	}
	return out
}

type fixedStream struct {
	stream *domain.MediaStream
}

func (s fixedStream) Current() (*domain.MediaStream, uint64) { return s.stream, 1 }

type side struct {
	registry  *services.ConnectionRegistry
	engine    *services.NegotiationEngine
	transport *signalLog
	pc        *services.PeerConnection
}

func newSide(t *testing.T, self, remote domain.PeerID, timeout time.Duration) *side {
	t.Helper()
	logger := zap.NewNop().Sugar()
	factory, err := NewFactory(Config{}, logger)
	require.NoError(t, err)

	s := &side{transport: &signalLog{sent: make(map[domain.PeerID][]domain.SignalPayload)}}
	s.registry = services.NewConnectionRegistry(factory, fixedStream{localStream(t, domain.TrackVideo, domain.TrackAudio)}, nil, logger)
	s.registry.SetSelf(self)
	s.engine = services.NewNegotiationEngine(s.registry, s.transport, nil, logger, timeout)
	t.Cleanup(func() { s.registry.Close() })

	s.pc, err = s.registry.Ensure(remote)
	require.NoError(t, err)
	return s
}

func (s *side) deliver(t *testing.T, desc webrtc.SessionDescription) error {
	t.Helper()
	return s.engine.HandleSignal(context.Background(), s.pc, domain.SignalPayload{SDP: &desc})
}

func signalingState(pc *services.PeerConnection) webrtc.SignalingState {
	return pc.Native().(*PeerConnection).SignalingState()
}

func TestNegotiation_GlareOverPion(t *testing.T) {
	ctx := context.Background()
	alice := newSide(t, "alice", "bob", time.Minute)
	bob := newSide(t, "bob", "alice", time.Minute)

	require.NoError(t, alice.engine.StartOffer(ctx, alice.pc))
	require.NoError(t, bob.engine.StartOffer(ctx, bob.pc))
	aliceOffer := alice.transport.descriptions("bob")[0]
	bobOffer := bob.transport.descriptions("alice")[0]
	require.Equal(t, webrtc.SignalingStateHaveLocalOffer, signalingState(alice.pc))

	// the higher id keeps its offer
	assert.ErrorIs(t, bob.deliver(t, aliceOffer), domain.ErrUnexpectedOffer)
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, signalingState(bob.pc))

	// the lower id replaces its connection, answers, then offers again
	abandoned := alice.pc.Native()
	require.NoError(t, alice.deliver(t, bobOffer))
	assert.NotSame(t, abandoned, alice.pc.Native())
	sent := alice.transport.descriptions("bob")
	require.Len(t, sent, 3)
	assert.Equal(t, webrtc.SDPTypeAnswer, sent[1].Type)
	assert.Equal(t, webrtc.SDPTypeOffer, sent[2].Type)
	assert.Equal(t, domain.StateOfferSent, alice.pc.State())

	require.NoError(t, bob.deliver(t, sent[1]))
	assert.Equal(t, domain.StateStable, bob.pc.State())

	require.NoError(t, bob.deliver(t, sent[2]))
	reply := bob.transport.descriptions("alice")
	require.Len(t, reply, 2)
	require.Equal(t, webrtc.SDPTypeAnswer, reply[1].Type)
	require.NoError(t, alice.deliver(t, reply[1]))

	for _, s := range []*side{alice, bob} {
		assert.Equal(t, domain.StateStable, s.pc.State())
		assert.Equal(t, webrtc.SignalingStateStable, signalingState(s.pc))
	}
}

func TestNegotiation_TimeoutOverPion(t *testing.T) {
	ctx := context.Background()
	alice := newSide(t, "alice", "bob", 50*time.Millisecond)
	bob := newSide(t, "bob", "alice", time.Minute)

	// alice's offer is never delivered
	require.NoError(t, alice.engine.StartOffer(ctx, alice.pc))
	lost := alice.pc.Native()
	require.Eventually(t, func() bool { return alice.pc.State() == domain.StateIdle }, 2*time.Second, 5*time.Millisecond)
	assert.NotSame(t, lost, alice.pc.Native())
	assert.Equal(t, webrtc.SignalingStateStable, signalingState(alice.pc))

	require.NoError(t, bob.engine.StartOffer(ctx, bob.pc))
	require.NoError(t, alice.deliver(t, bob.transport.descriptions("alice")[0]))

	sent := alice.transport.descriptions("bob")
	require.Len(t, sent, 2)
	require.Equal(t, webrtc.SDPTypeAnswer, sent[1].Type)
	require.NoError(t, bob.deliver(t, sent[1]))

	assert.Equal(t, domain.StateStable, alice.pc.State())
	assert.Equal(t, domain.StateStable, bob.pc.State())
	assert.Equal(t, webrtc.SignalingStateStable, signalingState(bob.pc))
}
