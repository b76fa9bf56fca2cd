package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/pkg/circuitbreaker"
	"meshcall/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errRedisDown = errors.New("dial tcp: connection refused")

type mockSessionRepository struct {
	mock.Mock
}

func (m *mockSessionRepository) Join(ctx context.Context, session domain.SessionID, peer domain.PeerID) error {
	return m.Called(session, peer).Error(0)
}

func (m *mockSessionRepository) Leave(ctx context.Context, session domain.SessionID, peer domain.PeerID) error {
	return m.Called(session, peer).Error(0)
}

func (m *mockSessionRepository) Members(ctx context.Context, session domain.SessionID) ([]domain.PeerID, error) {
	args := m.Called(session)
	members, _ := args.Get(0).([]domain.PeerID)
	return members, args.Error(1)
}

func (m *mockSessionRepository) Count(ctx context.Context, session domain.SessionID) (int, error) {
	args := m.Called(session)
	return args.Int(0), args.Error(1)
}

func fastRetry(attempts int) retry.Config {
	return retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestSessionRepository_RetriesTransientFailure(t *testing.T) {
	inner := &mockSessionRepository{}
	inner.On("Join", domain.SessionID("standup"), domain.PeerID("a")).Return(errRedisDown).Once()
	inner.On("Join", domain.SessionID("standup"), domain.PeerID("a")).Return(nil).Once()

	repo := NewSessionRepository(inner, fastRetry(2), circuitbreaker.DefaultConfig(), zap.NewNop().Sugar())

	require.NoError(t, repo.Join(context.Background(), "standup", "a"))
	inner.AssertNumberOfCalls(t, "Join", 2)
}

func TestSessionRepository_ReturnsResults(t *testing.T) {
	inner := &mockSessionRepository{}
	inner.On("Members", domain.SessionID("standup")).Return([]domain.PeerID{"a", "b"}, nil)
	inner.On("Count", domain.SessionID("standup")).Return(2, nil)

	repo := NewSessionRepository(inner, fastRetry(1), circuitbreaker.DefaultConfig(), zap.NewNop().Sugar())

	members, err := repo.Members(context.Background(), "standup")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"a", "b"}, members)

	n, err := repo.Count(context.Background(), "standup")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSessionRepository_OpenBreakerFailsFast(t *testing.T) {
	inner := &mockSessionRepository{}
	inner.On("Count", mock.Anything).Return(0, errRedisDown)
	inner.On("Leave", mock.Anything, mock.Anything).Return(nil)

	cb := circuitbreaker.Config{FailureThreshold: 2, SuccessThreshold: 1, OpenTimeout: time.Hour}
	repo := NewSessionRepository(inner, fastRetry(5), cb, zap.NewNop().Sugar())

	_, err := repo.Count(context.Background(), "standup")
	require.Error(t, err)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	// two failures open the breaker; the third attempt is rejected and not retried
	inner.AssertNumberOfCalls(t, "Count", 2)

	err = repo.Leave(context.Background(), "standup", "a")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	inner.AssertNotCalled(t, "Leave", mock.Anything, mock.Anything)
}

func TestSessionRepository_GivesUpAfterAttempts(t *testing.T) {
	inner := &mockSessionRepository{}
	inner.On("Members", mock.Anything).Return(nil, errRedisDown)

	repo := NewSessionRepository(inner, fastRetry(2), circuitbreaker.DefaultConfig(), zap.NewNop().Sugar())

	_, err := repo.Members(context.Background(), "standup")
	assert.ErrorIs(t, err, errRedisDown)
	inner.AssertNumberOfCalls(t, "Members", 3)
}
