package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	apperrors "meshcall/pkg/errors"
	"meshcall/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ClientConfig struct {
	URL          string
	WriteTimeout time.Duration
	Retry        retry.Config
}

// WebSocketTransport is the client side of the relay protocol.
type WebSocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *zap.SugaredLogger

	writeMu   sync.Mutex
	inbox     *eventQueue
	closeOnce sync.Once
}

var _ ports.SignalTransport = (*WebSocketTransport)(nil)

// DialWebSocket connects to the relay, retrying with backoff. A handshake
// rejected with an HTTP status is not retried.
func DialWebSocket(ctx context.Context, cfg ClientConfig, logger *zap.SugaredLogger) (*WebSocketTransport, error) {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	attempt := 0
	conn, err := retry.RetryWithResult(ctx, cfg.Retry, func() (*websocket.Conn, error) {
		attempt++
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
		if err != nil {
			logger.Warnw("Relay dial failed", "url", cfg.URL, "attempt", attempt, "error", err)
			if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
				return nil, &handshakeError{status: resp.StatusCode, err: err}
			}
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return nil, apperrors.NewTransportDeliveryError("", fmt.Errorf("dial %s: %w", cfg.URL, err))
	}

	t := &WebSocketTransport{
		conn:         conn,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger,
		inbox:        newEventQueue(),
	}
	go t.readLoop()
	logger.Infow("Connected to relay", "url", cfg.URL, "attempts", attempt)
	return t, nil
}

type handshakeError struct {
	status int
	err    error
}

func (e *handshakeError) Error() string {
	return fmt.Sprintf("handshake rejected with status %d: %v", e.status, e.err)
}

func (e *handshakeError) Unwrap() error {
	return e.err
}

// ErrHandshakeRejected matches handshake failures through errors.Is.
var ErrHandshakeRejected = errors.New("relay handshake rejected")

func (e *handshakeError) Is(target error) bool {
	return target == ErrHandshakeRejected
}

// DefaultClientRetry retries the dial attempts times with the default
// backoff and never retries a rejected handshake.
func DefaultClientRetry(attempts int) retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = attempts
	cfg.NonRetryableErrors = []error{ErrHandshakeRejected}
	return cfg
}

func (t *WebSocketTransport) readLoop() {
	defer t.inbox.finish()
	for {
		var msg Message
		if err := t.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Warnw("Relay connection lost", "error", err)
			}
			return
		}
		ev, err := msg.toEvent()
		if err != nil {
			t.logger.Warnw("Dropping relay message", "type", msg.Type, "error", err)
			continue
		}
		t.inbox.push(ev)
	}
}

func (t *WebSocketTransport) send(msg Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if err := t.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

func (t *WebSocketTransport) Join(ctx context.Context, session domain.SessionID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.send(Message{Type: MessageJoin, Session: session})
}

func (t *WebSocketTransport) Signal(ctx context.Context, to domain.PeerID, payload domain.SignalPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode signal payload: %w", err)
	}
	return t.send(Message{Type: MessageSignal, To: to, Payload: raw})
}

func (t *WebSocketTransport) Chat(ctx context.Context, text, displayName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.send(Message{Type: MessageChat, Text: text, DisplayName: displayName})
}

func (t *WebSocketTransport) Events() <-chan domain.TransportEvent {
	return t.inbox.out
}

func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(t.writeTimeout))
		err = t.conn.Close()
		t.inbox.abort()
	})
	return err
}
