package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/certhub/threatpipe/pkg/config"
	"github.com/certhub/threatpipe/pkg/logger"
)

// RedisClient wraps the redis.Client used by the enricher's DNS cache.
type RedisClient struct {
	client *redis.Client
	config *config.RedisConfig
	log    *logger.Logger
}

// NewRedis creates a new Redis client connection.
func NewRedis(cfg *config.RedisConfig, log *logger.Logger) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	log.Info().
		Str("addr", cfg.Addr()).
		Int("db", cfg.DB).
		Msg("Connected to Redis")

	return &RedisClient{
		client: client,
		config: cfg,
		log:    log,
	}, nil
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error {
	r.log.Info().Msg("Closing Redis connection")
	return r.client.Close()
}

// Health checks the Redis connection health.
func (r *RedisClient) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Client returns the underlying redis.Client.
func (r *RedisClient) Client() *redis.Client {
	return r.client
}
