package redis

import (
	"context"
	"fmt"

	"meshcall/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func clientOptions(cfg config.RedisConfig) *redis.Options {
	idle := cfg.PoolSize / 4
	if idle < 1 {
		idle = 1
	}
	return &redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: idle,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}
}

// NewClient connects to the session store, then pings it and applies the
// schema migrations, each within cfg.Timeout.
func NewClient(cfg config.RedisConfig, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(clientOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	err := client.Ping(ctx).Err()
	cancel()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ping session store at %s: %w", cfg.Address, err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := Migrate(ctx, client, logger); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Infow("connected to session store",
		"address", cfg.Address,
		"db", cfg.DB,
		"pool_size", cfg.PoolSize,
	)
	return client, nil
}
