package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisPresenceRepository mirrors the roster into Redis so out-of-process
// readers (dashboards, ops tooling) can see who is online. The relay never
// reads it back on its own hot path.
type RedisPresenceRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisPresenceRepository(client *redis.Client) ports.PresenceRepository {
	return &RedisPresenceRepository{
		client: client,
		prefix: "voxrelay:presence:",
	}
}

func (r *RedisPresenceRepository) entryKey(clientID domain.ClientID) string {
	return r.prefix + string(clientID)
}

func (r *RedisPresenceRepository) indexKey() string {
	return r.prefix + "index"
}

func (r *RedisPresenceRepository) Add(ctx context.Context, identity domain.Identity) error {
	data, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	if err := r.client.Set(ctx, r.entryKey(identity.ClientID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set presence entry: %w", err)
	}
	if err := r.client.SAdd(ctx, r.indexKey(), string(identity.ClientID)).Err(); err != nil {
		return fmt.Errorf("failed to index presence entry: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) Remove(ctx context.Context, clientID domain.ClientID) error {
	if err := r.client.SRem(ctx, r.indexKey(), string(clientID)).Err(); err != nil {
		return fmt.Errorf("failed to unindex presence entry: %w", err)
	}
	if err := r.client.Del(ctx, r.entryKey(clientID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence entry: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) List(ctx context.Context) ([]domain.Identity, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list presence index: %w", err)
	}

	identities := make([]domain.Identity, 0, len(ids))
	for _, id := range ids {
		data, err := r.client.Get(ctx, r.entryKey(domain.ClientID(id))).Result()
		if err == redis.Nil {
			continue // raced with Remove
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get presence entry: %w", err)
		}

		var identity domain.Identity
		if err := json.Unmarshal([]byte(data), &identity); err != nil {
			return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
		}
		identities = append(identities, identity)
	}

	sort.Slice(identities, func(i, j int) bool {
		return identities[i].JoinedAt.Before(identities[j].JoinedAt)
	})
	return identities, nil
}
