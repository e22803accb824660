package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/SkynetNext/relay-gateway/internal/config"
	"github.com/redis/go-redis/v9"
)

// Client is a Redis client wrapper
type Client struct {
	rdb    *redis.Client
	prefix string
}

// NewClient creates a new Redis client
func NewClient(cfg *config.RedisConfig) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &Client{
		rdb:    rdb,
		prefix: cfg.KeyPrefix,
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// key generates full key with prefix
func (c *Client) key(suffix string) string {
	return c.prefix + suffix
}

// LoadCommandOverrides loads per-commandId service overrides.
// Hash <prefix>commands:overrides, field = commandId, value = service name
// (empty value marks the commandId unroutable).
func (c *Client) LoadCommandOverrides(ctx context.Context) (map[uint32]string, error) {
	data, err := c.rdb.HGetAll(ctx, c.key("commands:overrides")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load command overrides: %w", err)
	}
	return parseOverrides(data), nil
}

func parseOverrides(data map[string]string) map[uint32]string {
	overrides := make(map[uint32]string, len(data))
	for field, service := range data {
		id, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			continue // Skip invalid field
		}
		overrides[uint32(id)] = service
	}
	return overrides
}

// WatchCommandOverrides reloads the overrides whenever a message is published
// on <prefix>commands:overrides:notify
func (c *Client) WatchCommandOverrides(ctx context.Context, callback func(map[uint32]string)) error {
	pubsub := c.rdb.Subscribe(ctx, c.key("commands:overrides:notify"))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg != nil {
				overrides, err := c.LoadCommandOverrides(ctx)
				if err == nil {
					callback(overrides)
				}
			}
		}
	}
}

// PublishServices replaces the <prefix>services:<gateway> hash (service name
// -> backend address) and lets it expire after ttl unless refreshed
func (c *Client) PublishServices(ctx context.Context, gateway string, services map[string]string, ttl time.Duration) error {
	key := c.key("services:" + gateway)

	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(services) > 0 {
		values := make([]interface{}, 0, len(services)*2)
		for name, addr := range services {
			values = append(values, name, addr)
		}
		pipe.HSet(ctx, key, values...)
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish services: %w", err)
	}
	return nil
}

// RefreshLoop periodically reloads the overrides and publishes the services
// snapshot. A nil callback skips that half.
func (c *Client) RefreshLoop(ctx context.Context, interval time.Duration, onOverrides func(map[uint32]string, error), snapshot func() (string, map[string]string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if onOverrides != nil {
				onOverrides(c.LoadCommandOverrides(ctx))
			}
			if snapshot != nil {
				gateway, services := snapshot()
				// Expire after three missed refreshes
				_ = c.PublishServices(ctx, gateway, services, 3*interval)
			}
		}
	}
}
