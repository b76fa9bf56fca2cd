package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"meshcall/internal/core/domain"
	apperrors "meshcall/pkg/errors"
	"meshcall/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDialWebSocket_RejectedHandshakeIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	cfg := DefaultClientRetry(3)
	cfg.InitialDelay = time.Millisecond

	_, err := DialWebSocket(context.Background(), ClientConfig{
		URL:   "ws" + strings.TrimPrefix(server.URL, "http"),
		Retry: cfg,
	}, zap.NewNop().Sugar())

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeTransportDelivery))
	assert.ErrorIs(t, err, ErrHandshakeRejected)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDialWebSocket_RetriesUnreachableRelay(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	server.Close()

	_, err := DialWebSocket(context.Background(), ClientConfig{
		URL: url,
		Retry: retry.Config{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			Multiplier:   1,
		},
	}, zap.NewNop().Sugar())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "max attempts (2) exceeded")
}

func TestMessage_ToEvent(t *testing.T) {
	payload, err := json.Marshal(domain.SignalPayload{})
	require.NoError(t, err)

	tests := []struct {
		name    string
		msg     Message
		want    domain.TransportEventType
		wantErr bool
	}{
		{"joined", Message{Type: MessageJoined, PeerID: "me", Peers: []domain.PeerID{"x"}}, domain.EventJoined, false},
		{"peer joined", Message{Type: MessagePeerJoined, PeerID: "x"}, domain.EventPeerJoined, false},
		{"peer left", Message{Type: MessagePeerLeft, PeerID: "x"}, domain.EventPeerLeft, false},
		{"signal", Message{Type: MessageSignal, From: "x", Payload: payload}, domain.EventSignal, false},
		{"chat", Message{Type: MessageChat, From: "x", Text: "hi"}, domain.EventChatMessage, false},
		{"error", Message{Type: MessageError, Message: "nope"}, domain.EventError, false},
		{"bad payload", Message{Type: MessageSignal, From: "x", Payload: json.RawMessage(`"sdp"`)}, "", true},
		{"unknown", Message{Type: "presence"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := tt.msg.toEvent()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Type)
		})
	}
}
