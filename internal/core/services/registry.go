package services

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	apperrors "meshcall/pkg/errors"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// StreamSource reports the active local stream and its version.
type StreamSource interface {
	Current() (*domain.MediaStream, uint64)
}

// PeerConnection is the registry entry for one remote peer. Negotiation
// fields are guarded by mu; every step that touches them runs on the
// entry's serial executor so inbound messages are applied in receipt order.
type PeerConnection struct {
	PeerID    domain.PeerID
	CreatedAt time.Time

	exec       *serialExecutor
	closed     atomic.Bool
	generation atomic.Uint64

	mu                   sync.Mutex
	native               ports.NativeConnection
	state                domain.NegotiationState
	pendingCandidates    []webrtc.ICECandidateInit
	remoteDescriptionSet bool
	negotiated           bool
	attachedVersion      uint64
	offeredVersion       uint64
	round                uint64
	timer                *time.Timer
}

func newPeerConnection(peerID domain.PeerID, native ports.NativeConnection) *PeerConnection {
	pc := &PeerConnection{
		PeerID:    peerID,
		CreatedAt: time.Now(),
		native:    native,
		exec:      newSerialExecutor(),
		state:     domain.StateIdle,
	}
	go pc.exec.run()
	return pc
}

// Native exposes the underlying media-transport connection. A restart
// replaces it.
func (pc *PeerConnection) Native() ports.NativeConnection {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.native
}

// current reports whether generation still names the live native
// connection.
func (pc *PeerConnection) current(generation uint64) bool {
	return pc.generation.Load() == generation
}

func (pc *PeerConnection) State() domain.NegotiationState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// AttachedVersion is the local stream version currently attached.
func (pc *PeerConnection) AttachedVersion() uint64 {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.attachedVersion
}

// PendingCandidates is the number of remote candidates waiting for a remote
// description.
func (pc *PeerConnection) PendingCandidates() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.pendingCandidates)
}

func (pc *PeerConnection) IsClosed() bool {
	return pc.closed.Load()
}

// Submit queues fn behind every step already queued for this peer. It
// returns false once the connection is closed.
func (pc *PeerConnection) Submit(fn func()) bool {
	if pc.closed.Load() {
		return false
	}
	return pc.exec.submit(fn)
}

func (pc *PeerConnection) stopTimerLocked() {
	if pc.timer != nil {
		pc.timer.Stop()
		pc.timer = nil
	}
}

func (pc *PeerConnection) close() error {
	if !pc.closed.CompareAndSwap(false, true) {
		return nil
	}
	pc.exec.stop()
	pc.mu.Lock()
	pc.stopTimerLocked()
	pc.pendingCandidates = nil
	native := pc.native
	pc.mu.Unlock()
	return native.Close()
}

// ConnectionRegistry owns exactly one PeerConnection per remote peer.
type ConnectionRegistry struct {
	factory ports.ConnectionFactory
	media   StreamSource
	metrics ports.NegotiationMetrics
	logger  *zap.SugaredLogger

	mu          sync.RWMutex
	self        domain.PeerID
	connections map[domain.PeerID]*PeerConnection
	onCreate    []func(*PeerConnection)
}

func NewConnectionRegistry(
	factory ports.ConnectionFactory,
	media StreamSource,
	metrics ports.NegotiationMetrics,
	logger *zap.SugaredLogger,
) *ConnectionRegistry {
	if metrics == nil {
		metrics = ports.NopNegotiationMetrics{}
	}
	return &ConnectionRegistry{
		factory:     factory,
		media:       media,
		metrics:     metrics,
		logger:      logger,
		connections: make(map[domain.PeerID]*PeerConnection),
	}
}

// OnCreate registers a hook run for every new entry before it becomes
// visible to Get or ForEach, and again with pc.mu held whenever a restart
// replaces the entry's native connection. Hooks must not call back into the
// registry or lock the entry.
func (r *ConnectionRegistry) OnCreate(fn func(*PeerConnection)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCreate = append(r.onCreate, fn)
}

func (r *ConnectionRegistry) SetSelf(id domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.self = id
	if pc, ok := r.connections[id]; ok {
		delete(r.connections, id)
		go pc.close()
	}
}

func (r *ConnectionRegistry) Self() domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.self
}

// Ensure returns the entry for peerID, creating it with the current local
// stream attached when absent.
func (r *ConnectionRegistry) Ensure(peerID domain.PeerID) (*PeerConnection, error) {
	if peerID == "" {
		return nil, apperrors.NewInvalidInputError("empty peer id")
	}

	r.mu.RLock()
	pc, ok := r.connections[peerID]
	self := r.self
	r.mu.RUnlock()
	if ok {
		return pc, nil
	}
	if peerID == self {
		return nil, domain.ErrSelfConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if pc, ok := r.connections[peerID]; ok {
		return pc, nil
	}
	if peerID == r.self {
		return nil, domain.ErrSelfConnection
	}

	native, err := r.factory.NewConnection(peerID)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "create peer connection").
			WithContext("peer_id", string(peerID))
	}

	pc = newPeerConnection(peerID, native)

	// The stream is read under the registry lock so a concurrent media
	// change either sees this entry in its fan-out or is already attached.
	if r.media != nil {
		if stream, version := r.media.Current(); stream != nil {
			if err := native.ReplaceTracks(stream); err != nil {
				pc.close()
				return nil, apperrors.WrapError(err, apperrors.ErrCodeMediaAcquisition, "attach local stream").
					WithContext("peer_id", string(peerID))
			}
			pc.attachedVersion = version
		}
	}

	for _, hook := range r.onCreate {
		hook(pc)
	}

	r.connections[peerID] = pc
	r.metrics.ConnectionsActive(len(r.connections))
	r.logger.Infow("Peer connection created",
		"peer_id", peerID,
		"media_version", pc.attachedVersion,
		"connections", len(r.connections),
	)
	return pc, nil
}

// renewLocked replaces the native connection of pc with a fresh one that
// carries the current local stream, reruns the OnCreate hooks and closes
// the old connection. The caller holds pc.mu.
func (r *ConnectionRegistry) renewLocked(pc *PeerConnection) error {
	native, err := r.factory.NewConnection(pc.PeerID)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "recreate peer connection").
			WithContext("peer_id", string(pc.PeerID))
	}

	var version uint64
	if r.media != nil {
		if stream, v := r.media.Current(); stream != nil {
			if err := native.ReplaceTracks(stream); err != nil {
				native.Close()
				return apperrors.WrapError(err, apperrors.ErrCodeMediaAcquisition, "attach local stream").
					WithContext("peer_id", string(pc.PeerID))
			}
			version = v
		}
	}

	old := pc.native
	pc.native = native
	pc.generation.Add(1)
	pc.attachedVersion = version

	r.mu.RLock()
	hooks := append(([]func(*PeerConnection))(nil), r.onCreate...)
	r.mu.RUnlock()
	for _, hook := range hooks {
		hook(pc)
	}

	if err := old.Close(); err != nil {
		r.logger.Warnw("Failed to close replaced connection", "peer_id", pc.PeerID, "error", err)
	}
	r.logger.Infow("Peer connection replaced", "peer_id", pc.PeerID, "media_version", version)
	return nil
}

func (r *ConnectionRegistry) Get(peerID domain.PeerID) (*PeerConnection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pc, ok := r.connections[peerID]
	if !ok {
		return nil, apperrors.NewPeerNotFoundError(string(peerID), domain.ErrPeerNotFound)
	}
	return pc, nil
}

// Remove closes and forgets the entry for peerID. Removing an unknown peer
// is a no-op.
func (r *ConnectionRegistry) Remove(peerID domain.PeerID) error {
	r.mu.Lock()
	pc, ok := r.connections[peerID]
	if ok {
		delete(r.connections, peerID)
	}
	remaining := len(r.connections)
	r.mu.Unlock()

	if !ok {
		return nil
	}

	r.metrics.ConnectionsActive(remaining)
	r.logger.Infow("Peer connection removed", "peer_id", peerID, "connections", remaining)
	if err := pc.close(); err != nil {
		return fmt.Errorf("close connection to %s: %w", peerID, err)
	}
	return nil
}

// ForEach calls fn for a snapshot of the current entries. Entries added or
// removed while fn runs do not affect the iteration.
func (r *ConnectionRegistry) ForEach(fn func(*PeerConnection)) {
	r.mu.RLock()
	snapshot := make([]*PeerConnection, 0, len(r.connections))
	for id, pc := range r.connections {
		if id == r.self {
			continue
		}
		snapshot = append(snapshot, pc)
	}
	r.mu.RUnlock()

	for _, pc := range snapshot {
		fn(pc)
	}
}

// Peers returns the registered peer ids in sorted order.
func (r *ConnectionRegistry) Peers() []domain.PeerID {
	r.mu.RLock()
	peers := make([]domain.PeerID, 0, len(r.connections))
	for id := range r.connections {
		peers = append(peers, id)
	}
	r.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// Close removes every entry.
func (r *ConnectionRegistry) Close() error {
	r.mu.Lock()
	all := r.connections
	r.connections = make(map[domain.PeerID]*PeerConnection)
	r.mu.Unlock()

	var firstErr error
	for id, pc := range all {
		if err := pc.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close connection to %s: %w", id, err)
		}
	}
	r.metrics.ConnectionsActive(0)
	return firstErr
}

// serialExecutor runs submitted functions one at a time in submission order.
// The queue is unbounded so submitters never block on a slow peer. Tasks
// queued before stop still run; they observe the closed connection.
type serialExecutor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	stopped bool
}

func newSerialExecutor() *serialExecutor {
	x := &serialExecutor{}
	x.cond = sync.NewCond(&x.mu)
	return x
}

func (x *serialExecutor) submit(fn func()) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.stopped {
		return false
	}
	x.tasks = append(x.tasks, fn)
	x.cond.Signal()
	return true
}

func (x *serialExecutor) run() {
	for {
		x.mu.Lock()
		for len(x.tasks) == 0 && !x.stopped {
			x.cond.Wait()
		}
		if len(x.tasks) == 0 {
			x.mu.Unlock()
			return
		}
		fn := x.tasks[0]
		x.tasks[0] = nil
		x.tasks = x.tasks[1:]
		x.mu.Unlock()

		fn()
	}
}

func (x *serialExecutor) stop() {
	x.mu.Lock()
	x.stopped = true
	x.cond.Broadcast()
	x.mu.Unlock()
}
