package repositories

import (
	"context"

	"voxrelay/internal/core/ports"
	"voxrelay/internal/infrastructure/repositories/memory"
	redisrepo "voxrelay/internal/infrastructure/repositories/redis"
	"voxrelay/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory presence mirror",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis presence mirror")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory presence mirror")
	}

	return factory, nil
}

// CreatePresenceRepository creates a presence repository (Redis or memory with fallback).
func (f *RepositoryFactory) CreatePresenceRepository() ports.PresenceRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisPresenceRepository(f.redisClient)
	}
	return memory.NewMemoryPresenceRepository()
}

// Close closes the Redis connection if used.
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
