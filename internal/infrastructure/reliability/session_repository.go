package reliability

import (
	"context"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/circuitbreaker"
	"meshcall/pkg/retry"

	"go.uber.org/zap"
)

// SessionRepository guards a remote membership store with retries and a
// circuit breaker. Every operation is idempotent against a set, so writes
// are retried as freely as reads.
type SessionRepository struct {
	inner   ports.SessionRepository
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

var _ ports.SessionRepository = (*SessionRepository)(nil)

func NewSessionRepository(
	inner ports.SessionRepository,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *SessionRepository {
	// an open breaker will not close within a backoff window
	retryConfig.NonRetryableErrors = append(retryConfig.NonRetryableErrors, circuitbreaker.ErrOpen)

	r := &SessionRepository{
		inner:   inner,
		retry:   retryConfig,
		breaker: circuitbreaker.New(cbConfig),
		logger:  logger,
	}
	r.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("Session store circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return r
}

func (r *SessionRepository) Join(ctx context.Context, session domain.SessionID, peer domain.PeerID) error {
	return r.do(ctx, func() error {
		return r.inner.Join(ctx, session, peer)
	})
}

func (r *SessionRepository) Leave(ctx context.Context, session domain.SessionID, peer domain.PeerID) error {
	return r.do(ctx, func() error {
		return r.inner.Leave(ctx, session, peer)
	})
}

func (r *SessionRepository) Members(ctx context.Context, session domain.SessionID) ([]domain.PeerID, error) {
	return retry.RetryWithResult(ctx, r.retry, func() ([]domain.PeerID, error) {
		return circuitbreaker.ExecuteWithResult(r.breaker, func() ([]domain.PeerID, error) {
			return r.inner.Members(ctx, session)
		})
	})
}

func (r *SessionRepository) Count(ctx context.Context, session domain.SessionID) (int, error) {
	return retry.RetryWithResult(ctx, r.retry, func() (int, error) {
		return circuitbreaker.ExecuteWithResult(r.breaker, func() (int, error) {
			return r.inner.Count(ctx, session)
		})
	})
}

func (r *SessionRepository) do(ctx context.Context, fn func() error) error {
	return retry.Retry(ctx, r.retry, func() error {
		return r.breaker.Execute(fn)
	})
}
