package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// fakeConn models the offer/answer state machine of a native connection.
// Like pion it has no way out of have-local-offer other than an answer or
// Close. Descriptions are plain text naming the connection's session and
// attached tracks so a test can tell which media a remote side last saw.
type fakeConn struct {
	owner   domain.PeerID
	remote  domain.PeerID
	session string

	mu               sync.Mutex
	signaling        webrtc.SignalingState
	remoteSet        bool
	remoteSession    string
	localTracks      []string
	remoteTracks     []string
	applied          []string
	candidateSeq     int
	closed           bool
	setRemoteErr     error
	onICE            func(webrtc.ICECandidateInit)
	emitOnDescriptor bool
}

var _ ports.NativeConnection = (*fakeConn)(nil)

func newFakeConn(owner, remote domain.PeerID, session string) *fakeConn {
	return &fakeConn{
		owner:            owner,
		remote:           remote,
		session:          session,
		signaling:        webrtc.SignalingStateStable,
		emitOnDescriptor: true,
	}
}

func (c *fakeConn) describe(kind string) string {
	return fmt.Sprintf("%s from=%s session=%s tracks=%s", kind, c.owner, c.session, strings.Join(c.localTracks, ","))
}

func parseSession(sdp string) string {
	idx := strings.Index(sdp, "session=")
	if idx < 0 {
		return ""
	}
	session, _, _ := strings.Cut(sdp[idx+len("session="):], " ")
	return session
}

func parseTracks(sdp string) []string {
	idx := strings.Index(sdp, "tracks=")
	if idx < 0 {
		return nil
	}
	list := sdp[idx+len("tracks="):]
	if list == "" {
		return []string{}
	}
	return strings.Split(list, ",")
}

func (c *fakeConn) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, errors.New("closed")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: c.describe("offer")}, nil
}

func (c *fakeConn) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in %s", c.signaling)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: c.describe("answer")}, nil
}

func (c *fakeConn) SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	c.mu.Lock()
	switch {
	case desc.Type == webrtc.SDPTypeOffer && c.signaling == webrtc.SignalingStateStable:
		c.signaling = webrtc.SignalingStateHaveLocalOffer
	case desc.Type == webrtc.SDPTypeAnswer && c.signaling == webrtc.SignalingStateHaveRemoteOffer:
		c.signaling = webrtc.SignalingStateStable
	default:
		state := c.signaling
		c.mu.Unlock()
		return fmt.Errorf("set local %s in %s", desc.Type, state)
	}
	c.candidateSeq++
	candidate := webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%s-%d", c.owner, c.candidateSeq)}
	onICE := c.onICE
	emit := c.emitOnDescriptor
	c.mu.Unlock()

	if emit && onICE != nil {
		onICE(candidate)
	}
	return nil
}

func (c *fakeConn) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setRemoteErr != nil {
		return c.setRemoteErr
	}
	switch {
	case desc.Type == webrtc.SDPTypeOffer && c.signaling == webrtc.SignalingStateStable:
		c.signaling = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && c.signaling == webrtc.SignalingStateHaveLocalOffer:
		c.signaling = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("set remote %s in %s", desc.Type, c.signaling)
	}
	c.remoteSet = true
	c.remoteSession = parseSession(desc.SDP)
	c.remoteTracks = parseTracks(desc.SDP)
	return nil
}

func (c *fakeConn) ContinuesSession(desc webrtc.SessionDescription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.remoteSet || parseSession(desc.SDP) == c.remoteSession
}

func (c *fakeConn) AddICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remoteSet {
		return errors.New("remote description not set")
	}
	c.applied = append(c.applied, candidate.Candidate)
	return nil
}

func (c *fakeConn) ReplaceTracks(stream *domain.MediaStream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localTracks = nil
	if stream != nil {
		c.localTracks = stream.TrackIDs()
	}
	return nil
}

func (c *fakeConn) TrackCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.localTracks)
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *fakeConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {}

func (c *fakeConn) Session() string {
	return c.session
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Signaling() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling
}

func (c *fakeConn) RemoteTracks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.remoteTracks...)
}

func (c *fakeConn) LocalTracks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.localTracks...)
}

func (c *fakeConn) Applied() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.applied...)
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeFactory struct {
	owner domain.PeerID

	mu    sync.Mutex
	seq   int
	conns map[domain.PeerID][]*fakeConn
	err   error
}

func newFakeFactory(owner domain.PeerID) *fakeFactory {
	return &fakeFactory{owner: owner, conns: make(map[domain.PeerID][]*fakeConn)}
}

func (f *fakeFactory) NewConnection(peerID domain.PeerID) (ports.NativeConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.seq++
	conn := newFakeConn(f.owner, peerID, fmt.Sprintf("%s%d", f.owner, f.seq))
	f.conns[peerID] = append(f.conns[peerID], conn)
	return conn, nil
}

func (f *fakeFactory) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// conn returns the newest connection made for peerID.
func (f *fakeFactory) conn(peerID domain.PeerID) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	conns := f.conns[peerID]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// made returns every connection made for peerID, oldest first.
func (f *fakeFactory) made(peerID domain.PeerID) []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.conns[peerID]...)
}

type fakeDevices struct {
	mu             sync.Mutex
	cameraErr      error
	screenErr      error
	placeholderErr error
	seq            int
	stopped        map[string]bool
}

var _ ports.MediaDevices = (*fakeDevices)(nil)

func newFakeDevices() *fakeDevices {
	return &fakeDevices{stopped: make(map[string]bool)}
}

func (d *fakeDevices) stream(source domain.StreamSource, enabled bool, kinds ...domain.TrackKind) *domain.MediaStream {
	d.seq++
	stream := &domain.MediaStream{ID: fmt.Sprintf("%s-%d", source, d.seq), Source: source}
	for _, kind := range kinds {
		id := fmt.Sprintf("%s-%s", stream.ID, kind)
		stream.Tracks = append(stream.Tracks, domain.NewTrack(id, kind, enabled, nil, func() {
			d.mu.Lock()
			d.stopped[id] = true
			d.mu.Unlock()
		}))
	}
	return stream
}

func (d *fakeDevices) CaptureUserMedia(ctx context.Context, video, audio bool) (*domain.MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cameraErr != nil {
		return nil, d.cameraErr
	}
	var kinds []domain.TrackKind
	if video {
		kinds = append(kinds, domain.TrackVideo)
	}
	if audio {
		kinds = append(kinds, domain.TrackAudio)
	}
	return d.stream(domain.SourceCamera, true, kinds...), nil
}

func (d *fakeDevices) CaptureDisplayMedia(ctx context.Context) (*domain.MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.screenErr != nil {
		return nil, d.screenErr
	}
	return d.stream(domain.SourceScreen, true, domain.TrackVideo), nil
}

func (d *fakeDevices) Placeholder(ctx context.Context) (*domain.MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.placeholderErr != nil {
		return nil, d.placeholderErr
	}
	return d.stream(domain.SourcePlaceholder, false, domain.TrackVideo, domain.TrackAudio), nil
}

func (d *fakeDevices) setCameraErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cameraErr = err
}

func (d *fakeDevices) setScreenErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.screenErr = err
}

func (d *fakeDevices) isStopped(trackID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped[trackID]
}

type sentSignal struct {
	To      domain.PeerID
	Payload domain.SignalPayload
}

// recordingTransport keeps every outbound signal instead of relaying it.
type recordingTransport struct {
	mu       sync.Mutex
	sent     []sentSignal
	chats    []string
	failWith error
	failKind domain.SignalKind
	events   chan domain.TransportEvent
}

var _ ports.SignalTransport = (*recordingTransport)(nil)

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{events: make(chan domain.TransportEvent, 16)}
}

func (t *recordingTransport) Join(ctx context.Context, session domain.SessionID) error {
	return nil
}

func (t *recordingTransport) Signal(ctx context.Context, to domain.PeerID, payload domain.SignalPayload) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil && (t.failKind == "" || t.failKind == payload.Kind()) {
		return t.failWith
	}
	t.sent = append(t.sent, sentSignal{To: to, Payload: payload})
	return nil
}

func (t *recordingTransport) Chat(ctx context.Context, text, displayName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chats = append(t.chats, text)
	return nil
}

func (t *recordingTransport) Events() <-chan domain.TransportEvent {
	return t.events
}

func (t *recordingTransport) Close() error {
	return nil
}

func (t *recordingTransport) fail(err error) {
	t.failOnly("", err)
}

// failOnly fails sends of one payload kind; an empty kind fails every send.
func (t *recordingTransport) failOnly(kind domain.SignalKind, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failWith = err
	t.failKind = kind
}

// descriptions returns the offer/answer kinds sent to peer, in send order.
func (t *recordingTransport) descriptions(to domain.PeerID) []domain.SignalKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	var kinds []domain.SignalKind
	for _, s := range t.sent {
		if s.To == to && s.Payload.SDP != nil {
			kinds = append(kinds, s.Payload.Kind())
		}
	}
	return kinds
}

func (t *recordingTransport) lastDescription(to domain.PeerID) *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.sent) - 1; i >= 0; i-- {
		if t.sent[i].To == to && t.sent[i].Payload.SDP != nil {
			return t.sent[i].Payload.SDP
		}
	}
	return nil
}

func (t *recordingTransport) candidates(to domain.PeerID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.sent {
		if s.To == to && s.Payload.ICE != nil {
			n++
		}
	}
	return n
}

type countingMetrics struct {
	mu      sync.Mutex
	counts  map[string]int
	active  int
	fanOuts []int
}

var _ ports.NegotiationMetrics = (*countingMetrics)(nil)

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{counts: make(map[string]int)}
}

func (m *countingMetrics) inc(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[name]++
}

func (m *countingMetrics) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

func (m *countingMetrics) OfferSent() { m.inc("offer_sent") }
func (m *countingMetrics) AnswerSent() { m.inc("answer_sent") }
func (m *countingMetrics) StaleReoffer() { m.inc("stale_reoffer") }

func (m *countingMetrics) GlareResolved(yielded bool) {
	if yielded {
		m.inc("glare_yielded")
		return
	}
	m.inc("glare_kept")
}

func (m *countingMetrics) ProtocolError(reason string) { m.inc("protocol_error:" + reason) }
func (m *countingMetrics) NegotiationTimeout() { m.inc("timeout") }
func (m *countingMetrics) ConnectionRestarted(reason string) { m.inc("restart:" + reason) }

func (m *countingMetrics) ConnectionsActive(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = n
}

func (m *countingMetrics) RenegotiationFanOut(peers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fanOuts = append(m.fanOuts, peers)
}

func (m *countingMetrics) activeConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// staticSource is a StreamSource whose stream the test sets directly.
type staticSource struct {
	mu      sync.Mutex
	stream  *domain.MediaStream
	version uint64
}

func (s *staticSource) Current() (*domain.MediaStream, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream, s.version
}

func (s *staticSource) set(stream *domain.MediaStream, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream = stream
	s.version = version
}

func testStream(id string, kinds ...domain.TrackKind) *domain.MediaStream {
	stream := &domain.MediaStream{ID: id, Source: domain.SourceCamera}
	for _, kind := range kinds {
		stream.Tracks = append(stream.Tracks, domain.NewTrack(id+"-"+string(kind), kind, true, nil, nil))
	}
	return stream
}
