package repositories

import (
	"context"
	"testing"
	"time"

	"meshcall/internal/infrastructure/repositories/memory"
	"meshcall/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRepositoryFactory_FallsBackToMemory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1"
	cfg.Redis.Timeout = 200 * time.Millisecond

	factory, err := NewRepositoryFactory(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer factory.Close()

	assert.IsType(t, &memory.MemorySessionRepository{}, factory.CreateSessionRepository())
	assert.NoError(t, factory.HealthCheck(context.Background()))
}
