package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/config"
	apperrors "meshcall/pkg/errors"
	rlog "meshcall/pkg/logger"
	"meshcall/pkg/tracing"
	"meshcall/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const outboundBuffer = 256

type RelayConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxSessionSize    int
	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
	AllowedOrigins    []string
}

// RelayConfigFrom extracts the relay settings from the application config.
func RelayConfigFrom(cfg *config.Config) RelayConfig {
	rc := RelayConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		MaxSessionSize: cfg.Signal.MaxSessionSize,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Signal.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		rc.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		rc.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	return rc
}

// RelayServer is the session relay: it assigns peer ids, tracks membership
// and forwards opaque signal payloads between members of one session.
type RelayServer struct {
	cfg      RelayConfig
	sessions ports.SessionRepository
	metrics  ports.RelayMetrics
	log      *rlog.ContextLogger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[domain.PeerID]*relayClient
}

type relayClient struct {
	id         domain.PeerID
	remoteAddr string
	session    domain.SessionID // guarded by RelayServer.mu
	pending    domain.SessionID // session being joined, guarded by RelayServer.mu
	outbound   chan Message
	limiter    *rate.Limiter
	conn       *websocket.Conn

	evicted   chan struct{}
	evictOnce sync.Once
}

func (c *relayClient) evict() {
	c.evictOnce.Do(func() { close(c.evicted) })
}

func NewRelayServer(cfg RelayConfig, sessions ports.SessionRepository, metrics ports.RelayMetrics, logger *zap.Logger) *RelayServer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	s := &RelayServer{
		cfg:      cfg,
		sessions: sessions,
		metrics:  metrics,
		log:      rlog.NewContextLogger(logger),
		clients:  make(map[domain.PeerID]*relayClient),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

func (s *RelayServer) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *RelayServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithContext(r.Context()).Sugar().Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client := &relayClient{
		id:         domain.PeerID(uuid.NewString()),
		remoteAddr: r.RemoteAddr,
		outbound:   make(chan Message, outboundBuffer),
		conn:       conn,
		evicted:    make(chan struct{}),
	}
	if s.cfg.MessagesPerSecond > 0 {
		client.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()
	s.metrics.SocketOpened()
	defer s.metrics.SocketClosed()

	ctx := rlog.WithRemoteAddr(rlog.WithPeer(context.Background(), string(client.id)), r.RemoteAddr)
	logger := s.log.Sugar(ctx)
	logger.Infow("peer connected via WebSocket")

	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Message, 16)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case messageChan <- msg:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if client.limiter != nil && !client.limiter.Allow() {
				s.metrics.MessageRejected("rate_limited")
				s.write(conn, errorMessage(apperrors.NewRateLimitError()))
				continue
			}
			if err := s.handleMessage(ctx, client, msg); err != nil {
				logger.Infow("error handling message from peer", "type", msg.Type, "error", err)
				s.metrics.MessageRejected(rejectReason(err))
				if !s.write(conn, errorMessage(err)) {
					goto cleanup
				}
			}

		case msg := <-client.outbound:
			if !s.write(conn, msg) {
				logger.Infow("error writing to peer", "type", msg.Type)
				goto cleanup
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Infow("error sending ping", "error", err)
				goto cleanup
			}

		case <-client.evicted:
			logger.Warnw("peer evicted: outbound queue full")
			goto cleanup

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Infow("error reading message from peer", "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	s.disconnect(ctx, client)
	logger.Infow("peer disconnected")
}

func (s *RelayServer) write(conn *websocket.Conn, msg Message) bool {
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteJSON(msg) == nil
}

func (s *RelayServer) handleMessage(ctx context.Context, client *relayClient, msg Message) error {
	ctx, span := tracing.TraceSignalMessage(ctx, msg.Type, string(client.id))
	defer span.End()

	var err error
	switch msg.Type {
	case MessageJoin:
		err = s.handleJoin(ctx, client, msg)
	case MessageSignal:
		err = s.handleSignal(ctx, client, msg)
	case MessageChat:
		err = s.handleChat(ctx, client, msg)
	case "":
		err = apperrors.NewInvalidInputError("message type is required")
	default:
		err = apperrors.NewInvalidInputError(fmt.Sprintf("unknown message type: %s", msg.Type))
	}
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (s *RelayServer) handleJoin(ctx context.Context, client *relayClient, msg Message) error {
	if err := validation.ValidateSessionID(string(msg.Session)); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}

	s.mu.RLock()
	joined := client.session
	s.mu.RUnlock()
	if joined != "" {
		return apperrors.NewInvalidInputError(fmt.Sprintf("already joined session %s", joined))
	}

	if err := s.dropStaleMembers(ctx, msg.Session); err != nil {
		return err
	}

	// The seat is reserved before the store call so concurrent joins see it
	// when checking capacity.
	s.mu.Lock()
	if s.cfg.MaxSessionSize > 0 && s.occupantsLocked(msg.Session) >= s.cfg.MaxSessionSize {
		s.mu.Unlock()
		return apperrors.WrapError(domain.ErrSessionFull, apperrors.ErrCodeInvalidInput, "session is full").
			WithContext("session", string(msg.Session))
	}
	client.pending = msg.Session
	s.mu.Unlock()

	if err := s.sessions.Join(ctx, msg.Session, client.id); err != nil {
		s.mu.Lock()
		client.pending = ""
		s.mu.Unlock()
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "record session membership")
	}

	s.mu.Lock()
	client.pending = ""
	client.session = msg.Session
	members := make([]*relayClient, 0)
	for _, member := range s.clients {
		if member != client && member.session == msg.Session {
			members = append(members, member)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].id < members[j].id })

	existing := make([]domain.PeerID, 0, len(members))
	for _, member := range members {
		existing = append(existing, member.id)
	}
	client.enqueue(Message{Type: MessageJoined, Session: msg.Session, PeerID: client.id, Peers: existing})
	for _, member := range members {
		member.enqueue(Message{Type: MessagePeerJoined, Session: msg.Session, PeerID: client.id})
	}
	s.mu.Unlock()

	s.metrics.SessionMembers(string(msg.Session), len(members)+1)
	s.metrics.MessageRelayed(MessageJoin)
	s.log.Sugar(rlog.WithSession(ctx, string(msg.Session))).Infow("peer joined session", "members", len(members)+1)
	return nil
}

// occupantsLocked counts the clients joined to, or joining, session.
func (s *RelayServer) occupantsLocked(session domain.SessionID) int {
	n := 0
	for _, c := range s.clients {
		if c.session == session || c.pending == session {
			n++
		}
	}
	return n
}

// dropStaleMembers removes members the store remembers but this relay no
// longer serves. The store is never called with s.mu held.
func (s *RelayServer) dropStaleMembers(ctx context.Context, session domain.SessionID) error {
	ids, err := s.sessions.Members(ctx, session)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "list session members")
	}

	var stale []domain.PeerID
	s.mu.RLock()
	for _, id := range ids {
		member, ok := s.clients[id]
		if !ok || (member.session != session && member.pending != session) {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range stale {
		if err := s.sessions.Leave(ctx, session, id); err != nil {
			s.log.Sugar(ctx).Warnw("failed to drop stale member", "session", session, "member", id, "error", err)
		}
	}
	return nil
}

func (s *RelayServer) handleSignal(ctx context.Context, client *relayClient, msg Message) error {
	if msg.To == "" {
		return apperrors.NewInvalidInputError("signal target is required")
	}
	if len(msg.Payload) == 0 || !json.Valid(msg.Payload) {
		return apperrors.NewInvalidInputError("signal payload must be a JSON object")
	}

	s.mu.RLock()
	session := client.session
	target, ok := s.clients[msg.To]
	sameSession := ok && session != "" && target.session == session
	s.mu.RUnlock()

	if session == "" {
		return apperrors.WrapError(domain.ErrSessionNotJoined, apperrors.ErrCodeInvalidInput, "join a session before signaling")
	}
	if !sameSession {
		return apperrors.NewPeerNotFoundError(string(msg.To), domain.ErrPeerNotFound).
			WithContext("session", string(session))
	}

	target.enqueue(Message{Type: MessageSignal, Session: session, From: client.id, Payload: msg.Payload})
	s.metrics.MessageRelayed(MessageSignal)
	s.log.Sugar(ctx).Debugw("routing signal", "to_peer", msg.To, "payload_length", len(msg.Payload))
	return nil
}

func (s *RelayServer) handleChat(ctx context.Context, client *relayClient, msg Message) error {
	if err := validation.ValidateChatText(msg.Text); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateDisplayName(msg.DisplayName); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if client.session == "" {
		return apperrors.WrapError(domain.ErrSessionNotJoined, apperrors.ErrCodeInvalidInput, "join a session before chatting")
	}
	out := Message{
		Type:        MessageChat,
		Session:     client.session,
		From:        client.id,
		Text:        msg.Text,
		DisplayName: msg.DisplayName,
	}
	for _, member := range s.clients {
		if member.session == client.session {
			member.enqueue(out)
		}
	}
	s.metrics.MessageRelayed(MessageChat)
	return nil
}

func (s *RelayServer) disconnect(ctx context.Context, client *relayClient) {
	s.mu.Lock()
	delete(s.clients, client.id)
	session := client.session
	client.session = ""
	client.pending = ""

	remaining := 0
	if session != "" {
		for _, member := range s.clients {
			if member.session == session {
				member.enqueue(Message{Type: MessagePeerLeft, Session: session, PeerID: client.id})
				remaining++
			}
		}
	}
	s.mu.Unlock()

	if session == "" {
		return
	}
	if err := s.sessions.Leave(ctx, session, client.id); err != nil {
		s.log.Sugar(ctx).Warnw("failed to record session leave", "session", session, "error", err)
	}
	s.metrics.SessionMembers(string(session), remaining)
}

// enqueue hands msg to the client's writer. A client that cannot keep up is
// evicted rather than allowed to stall the relay.
func (c *relayClient) enqueue(msg Message) {
	select {
	case c.outbound <- msg:
	default:
		c.evict()
	}
}

// Close drops every connected client.
func (s *RelayServer) Close() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(s.cfg.WriteTimeout))
		client.evict()
	}
}

func (s *RelayServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	connectionCount := len(s.clients)
	sessions := make(map[domain.SessionID]struct{})
	for _, client := range s.clients {
		if client.session != "" {
			sessions[client.session] = struct{}{}
		}
	}
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": connectionCount,
		"sessions":    len(sessions),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *RelayServer) ConnectedPeers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func errorMessage(err error) Message {
	return Message{Type: MessageError, Message: err.Error()}
}

func rejectReason(err error) string {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return string(appErr.Code)
	}
	return "invalid"
}
