package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mentorchat/internal/config"

	redis "github.com/redis/go-redis/v9"
)

// Client wraps the go-redis client shared by the token cache and the
// conversation snapshot store.
type Client struct {
	inner *redis.Client
}

// ErrCacheMiss mirrors redis.Nil for callers.
var ErrCacheMiss = redis.Nil

var errNotInitialized = errors.New("redis client not initialized")

// NewRedisClient connects to the configured redis. It returns (nil, nil)
// when no redis host is configured; a nil *Client is safe to call and
// reports errNotInitialized.
func NewRedisClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if !cfg.Redis.Enabled() {
		return nil, nil
	}
	port := cfg.Redis.Port
	if port == 0 {
		port = 6379
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, port),
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Client{inner: client}, nil
}

// Available reports whether calls will reach a server.
func (c *Client) Available() bool {
	return c != nil && c.inner != nil
}

// Set stores a key with TTL.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !c.Available() {
		return errNotInitialized
	}
	return c.inner.Set(ctx, key, value, ttl).Err()
}

// Get fetches the key as string. A missing key yields ErrCacheMiss.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if !c.Available() {
		return "", errNotInitialized
	}
	return c.inner.Get(ctx, key).Result()
}

// GetBytes fetches the key as raw bytes.
func (c *Client) GetBytes(ctx context.Context, key string) ([]byte, error) {
	if !c.Available() {
		return nil, errNotInitialized
	}
	return c.inner.Get(ctx, key).Bytes()
}

// Del removes provided keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if !c.Available() {
		return errNotInitialized
	}
	if len(keys) == 0 {
		return nil
	}
	return c.inner.Del(ctx, keys...).Err()
}

// Expire refreshes the TTL of key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if !c.Available() {
		return errNotInitialized
	}
	return c.inner.Expire(ctx, key, ttl).Err()
}

// Publish sends message on channel.
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) error {
	if !c.Available() {
		return errNotInitialized
	}
	return c.inner.Publish(ctx, channel, message).Err()
}

// Subscribe listens on channel and calls fn for every payload until ctx ends.
func (c *Client) Subscribe(ctx context.Context, channel string, fn func(payload string)) error {
	if !c.Available() {
		return errNotInitialized
	}
	sub := c.inner.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}

// Close closes client.
func (c *Client) Close() error {
	if !c.Available() {
		return nil
	}
	return c.inner.Close()
}

// Raw exposes underlying go-redis client.
func (c *Client) Raw() *redis.Client {
	if c == nil {
		return nil
	}
	return c.inner
}
