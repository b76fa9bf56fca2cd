package repositories

import (
	"context"
	"time"

	"meshcall/internal/core/ports"
	"meshcall/internal/infrastructure/repositories/memory"
	redisrepo "meshcall/internal/infrastructure/repositories/redis"
	"meshcall/internal/infrastructure/reliability"
	"meshcall/pkg/circuitbreaker"
	"meshcall/pkg/config"
	"meshcall/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	timeout     time.Duration
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when enabled and falls back to
// in-memory storage when it is unreachable.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewClient(cfg.Redis, logger.Named("redis"))
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			factory.timeout = cfg.Redis.Timeout
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.Timeout)
			cleared, err := redisrepo.ResetMemberships(ctx, client)
			cancel()
			if err != nil {
				logger.Warnw("failed to clear stale sessions", "error", err)
			} else if cleared > 0 {
				logger.Infow("cleared stale sessions", "sessions", cleared)
			}
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory, nil
}

// CreateSessionRepository creates a session repository (Redis or memory with
// fallback). The Redis store is wrapped with retries and a circuit breaker so
// a flapping Redis rejects joins quickly instead of stalling every socket.
func (f *RepositoryFactory) CreateSessionRepository() ports.SessionRepository {
	if f.useRedis && f.redisClient != nil {
		return reliability.NewSessionRepository(
			redisrepo.NewRedisSessionRepository(f.redisClient),
			storeRetryConfig(),
			storeBreakerConfig(),
			f.logger.Named("sessions"),
		)
	}
	return memory.NewMemorySessionRepository()
}

func storeRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  2,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     250 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func storeBreakerConfig() circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig()
	cfg.OpenTimeout = 5 * time.Second
	return cfg
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}

// HealthCheck pings Redis within the store timeout.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		ctx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
