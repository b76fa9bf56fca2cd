package memory

import (
	"context"
	"testing"

	"meshcall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySessionRepository_JoinLeave(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()

	require.NoError(t, repo.Join(ctx, "room", "b"))
	require.NoError(t, repo.Join(ctx, "room", "a"))
	require.NoError(t, repo.Join(ctx, "room", "a"))
	require.NoError(t, repo.Join(ctx, "other", "c"))

	members, err := repo.Members(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"a", "b"}, members)

	count, err := repo.Count(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, repo.Leave(ctx, "room", "a"))
	require.NoError(t, repo.Leave(ctx, "room", "missing"))
	members, err = repo.Members(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"b"}, members)
}

func TestMemorySessionRepository_EmptySessionIsForgotten(t *testing.T) {
	repo := NewMemorySessionRepository().(*MemorySessionRepository)
	ctx := context.Background()

	require.NoError(t, repo.Join(ctx, "room", "a"))
	require.NoError(t, repo.Leave(ctx, "room", "a"))

	assert.NotContains(t, repo.sessions, domain.SessionID("room"))
	members, err := repo.Members(ctx, "room")
	require.NoError(t, err)
	assert.Empty(t, members)
}
