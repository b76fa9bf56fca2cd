package redis

import (
	"context"
	"fmt"
	"sort"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type RedisSessionRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisSessionRepository(client *redis.Client) ports.SessionRepository {
	return &RedisSessionRepository{
		client: client,
		prefix: "meshcall:session:",
	}
}

func (r *RedisSessionRepository) membersKey(session domain.SessionID) string {
	return fmt.Sprintf("%s%s:members", r.prefix, session)
}

func (r *RedisSessionRepository) Join(ctx context.Context, session domain.SessionID, peer domain.PeerID) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.membersKey(session), string(peer))
		pipe.SAdd(ctx, activeSessionsKey, string(session))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add %s to session %s: %w", peer, session, err)
	}
	return nil
}

func (r *RedisSessionRepository) Leave(ctx context.Context, session domain.SessionID, peer domain.PeerID) error {
	key := r.membersKey(session)
	if err := r.client.SRem(ctx, key, string(peer)).Err(); err != nil {
		return fmt.Errorf("failed to remove %s from session %s: %w", peer, session, err)
	}

	remaining, err := r.client.SCard(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to count session %s: %w", session, err)
	}
	if remaining == 0 {
		if err := r.client.SRem(ctx, activeSessionsKey, string(session)).Err(); err != nil {
			return fmt.Errorf("failed to retire session %s: %w", session, err)
		}
	}
	return nil
}

func (r *RedisSessionRepository) Members(ctx context.Context, session domain.SessionID) ([]domain.PeerID, error) {
	ids, err := r.client.SMembers(ctx, r.membersKey(session)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list session %s: %w", session, err)
	}
	sort.Strings(ids)

	members := make([]domain.PeerID, 0, len(ids))
	for _, id := range ids {
		members = append(members, domain.PeerID(id))
	}
	return members, nil
}

func (r *RedisSessionRepository) Count(ctx context.Context, session domain.SessionID) (int, error) {
	n, err := r.client.SCard(ctx, r.membersKey(session)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count session %s: %w", session, err)
	}
	return int(n), nil
}
