package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = "meshcall:schema:version"
	activeSessionsKey    = "meshcall:sessions:active"
	currentSchemaVersion = 1
)

// Migration represents a schema migration
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Infow("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

// ResetMemberships clears every recorded session. Peer ids are assigned per
// relay process, so memberships left by a previous run can never reconnect.
func ResetMemberships(ctx context.Context, client *redis.Client) (int, error) {
	sessions, err := client.SMembers(ctx, activeSessionsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list active sessions: %w", err)
	}
	if len(sessions) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(sessions)+1)
	for _, session := range sessions {
		keys = append(keys, fmt.Sprintf("meshcall:session:%s:members", session))
	}
	keys = append(keys, activeSessionsKey)
	if err := client.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("failed to clear sessions: %w", err)
	}
	return len(sessions), nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// Backfill the active-session index from existing member sets.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				iter := client.Scan(ctx, 0, "meshcall:session:*:members", 100).Iterator()
				for iter.Next(ctx) {
					key := iter.Val()
					session := key[len("meshcall:session:") : len(key)-len(":members")]
					if err := client.SAdd(ctx, activeSessionsKey, session).Err(); err != nil {
						return err
					}
				}
				return iter.Err()
			},
		},
	}
}
