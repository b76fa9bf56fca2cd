package redis

import (
	"testing"
	"time"

	"meshcall/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClientOptions(t *testing.T) {
	opts := clientOptions(config.RedisConfig{
		Address:  "cache:6379",
		Password: "secret",
		DB:       2,
		PoolSize: 12,
		Timeout:  750 * time.Millisecond,
	})

	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 12, opts.PoolSize)
	assert.Equal(t, 3, opts.MinIdleConns)
	assert.Equal(t, 750*time.Millisecond, opts.DialTimeout)
	assert.Equal(t, 750*time.Millisecond, opts.ReadTimeout)

	assert.Equal(t, 1, clientOptions(config.RedisConfig{PoolSize: 2}).MinIdleConns)
}

func TestNewClient_UnreachableStore(t *testing.T) {
	start := time.Now()
	_, err := NewClient(config.RedisConfig{
		Address:  "127.0.0.1:1",
		PoolSize: 1,
		Timeout:  200 * time.Millisecond,
	}, zap.NewNop().Sugar())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping session store")
	assert.Less(t, time.Since(start), 2*time.Second)
}
