package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/callmeter/pkg/storage"
)

// RedisClient wraps the shared Redis connection used for pricing cache and
// invoice sequences
type RedisClient struct {
	client *redis.Client
	config storage.Config
}

// NewRedisClient creates a new Redis client
func NewRedisClient(config storage.Config) (*RedisClient, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if config.RedisPassword != "" {
		opts.Password = config.RedisPassword
	}
	if config.RedisDB > 0 {
		opts.DB = config.RedisDB
	}
	if config.RedisMaxRetries > 0 {
		opts.MaxRetries = config.RedisMaxRetries
	}
	if config.RedisPoolSize > 0 {
		opts.PoolSize = config.RedisPoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClient{
		client: client,
		config: config,
	}, nil
}

// Ping checks Redis connectivity
func (c *RedisClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// GetClient returns the underlying Redis client
func (c *RedisClient) GetClient() *redis.Client {
	return c.client
}

// GetPoolStats returns connection pool statistics
func (c *RedisClient) GetPoolStats() *redis.PoolStats {
	return c.client.PoolStats()
}

// Close closes the Redis connection
func (c *RedisClient) Close() error {
	return c.client.Close()
}
