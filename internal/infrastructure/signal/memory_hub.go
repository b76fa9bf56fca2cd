package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DropFilter decides whether the hub silently discards a signal.
type DropFilter func(from, to domain.PeerID, payload domain.SignalPayload) bool

// MemoryHub is an in-process relay with the same membership and delivery
// rules as the WebSocket relay. Payloads go through a JSON round trip so
// they reach the receiver exactly as they would over the wire.
type MemoryHub struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]map[domain.PeerID]*MemoryTransport
	drop     DropFilter
	holding  bool
	held     []heldSignal
	logger   *zap.SugaredLogger
}

type heldSignal struct {
	to    *MemoryTransport
	event domain.TransportEvent
}

func NewMemoryHub(logger *zap.SugaredLogger) *MemoryHub {
	return &MemoryHub{
		sessions: make(map[domain.SessionID]map[domain.PeerID]*MemoryTransport),
		logger:   logger,
	}
}

// SetDropFilter installs fn; nil delivers everything.
func (h *MemoryHub) SetDropFilter(fn DropFilter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop = fn
}

// Hold queues relayed signals instead of delivering them until Release.
func (h *MemoryHub) Hold() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.holding = true
}

// Held returns the kinds of the signals queued since Hold, in send order.
func (h *MemoryHub) Held() []domain.SignalKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	kinds := make([]domain.SignalKind, 0, len(h.held))
	for _, s := range h.held {
		kinds = append(kinds, s.event.Payload.Kind())
	}
	return kinds
}

// Release delivers the held signals in send order, skipping receivers that
// have left, and resumes normal delivery.
func (h *MemoryHub) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.held {
		if s.to.session != "" {
			s.to.inbox.push(s.event)
		}
	}
	h.held = nil
	h.holding = false
}

// Connect returns a transport that will join under id. An empty id gets a
// random one, as the relay would assign.
func (h *MemoryHub) Connect(id domain.PeerID) *MemoryTransport {
	if id == "" {
		id = domain.PeerID(uuid.NewString())
	}
	return &MemoryTransport{
		hub:   h,
		id:    id,
		inbox: newEventQueue(),
	}
}

// Members returns the sorted member ids of session.
func (h *MemoryHub) Members(session domain.SessionID) []domain.PeerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.membersLocked(session, "")
}

func (h *MemoryHub) membersLocked(session domain.SessionID, except domain.PeerID) []domain.PeerID {
	members := make([]domain.PeerID, 0, len(h.sessions[session]))
	for id := range h.sessions[session] {
		if id != except {
			members = append(members, id)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members
}

func (h *MemoryHub) join(t *MemoryTransport, session domain.SessionID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t.session != "" {
		return fmt.Errorf("%s already joined %s", t.id, t.session)
	}
	members, ok := h.sessions[session]
	if !ok {
		members = make(map[domain.PeerID]*MemoryTransport)
		h.sessions[session] = members
	}
	if _, taken := members[t.id]; taken {
		return fmt.Errorf("peer id %s already in session %s", t.id, session)
	}

	existing := h.membersLocked(session, "")
	members[t.id] = t
	t.session = session

	t.inbox.push(domain.TransportEvent{Type: domain.EventJoined, Self: t.id, Peers: existing})
	for _, id := range existing {
		members[id].inbox.push(domain.TransportEvent{Type: domain.EventPeerJoined, Peer: t.id})
	}
	h.logger.Debugw("Peer joined memory session", "session", session, "peer_id", t.id, "members", len(members))
	return nil
}

func (h *MemoryHub) relay(from *MemoryTransport, to domain.PeerID, payload domain.SignalPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	var delivered domain.SignalPayload
	if err := json.Unmarshal(raw, &delivered); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if from.session == "" {
		return domain.ErrSessionNotJoined
	}
	target, ok := h.sessions[from.session][to]
	if !ok {
		return fmt.Errorf("relay to %s: %w", to, domain.ErrPeerNotFound)
	}
	if h.drop != nil && h.drop(from.id, to, delivered) {
		return nil
	}
	event := domain.TransportEvent{Type: domain.EventSignal, Peer: from.id, Payload: delivered}
	if h.holding {
		h.held = append(h.held, heldSignal{to: target, event: event})
		return nil
	}
	target.inbox.push(event)
	return nil
}

func (h *MemoryHub) chat(from *MemoryTransport, text, displayName string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if from.session == "" {
		return domain.ErrSessionNotJoined
	}
	for _, member := range h.sessions[from.session] {
		member.inbox.push(domain.TransportEvent{
			Type:        domain.EventChatMessage,
			Peer:        from.id,
			Text:        text,
			DisplayName: displayName,
		})
	}
	return nil
}

func (h *MemoryHub) leave(t *MemoryTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t.session == "" {
		return
	}
	members := h.sessions[t.session]
	delete(members, t.id)
	for _, member := range members {
		member.inbox.push(domain.TransportEvent{Type: domain.EventPeerLeft, Peer: t.id})
	}
	if len(members) == 0 {
		delete(h.sessions, t.session)
	}
	h.logger.Debugw("Peer left memory session", "session", t.session, "peer_id", t.id, "members", len(members))
	t.session = ""
}

// MemoryTransport is one client's connection to a MemoryHub.
type MemoryTransport struct {
	hub       *MemoryHub
	id        domain.PeerID
	session   domain.SessionID // guarded by hub.mu
	inbox     *eventQueue
	closeOnce sync.Once
}

var _ ports.SignalTransport = (*MemoryTransport)(nil)

func (t *MemoryTransport) ID() domain.PeerID {
	return t.id
}

func (t *MemoryTransport) Join(ctx context.Context, session domain.SessionID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.hub.join(t, session)
}

func (t *MemoryTransport) Signal(ctx context.Context, to domain.PeerID, payload domain.SignalPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.hub.relay(t, to, payload)
}

func (t *MemoryTransport) Chat(ctx context.Context, text, displayName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.hub.chat(t, text, displayName)
}

func (t *MemoryTransport) Events() <-chan domain.TransportEvent {
	return t.inbox.out
}

// Close leaves the session, notifying the remaining members.
func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		t.hub.leave(t)
		t.inbox.abort()
	})
	return nil
}
