// Package redisclient adapts go-redis to the narrow interfaces the core
// depends on: pub/sub transport, TTL cache and the registry mirror hash.
package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"orchestra/internal/domain"
	"orchestra/internal/infra/config"
)

// subscriptionBuffer bounds how many undelivered messages a subscriber may
// hold before go-redis starts dropping.
const subscriptionBuffer = 256

// Client wraps a go-redis client.
type Client struct {
	rdb *goredis.Client
}

// New parses cfg.URL and applies the password, pool and dial overrides.
// The connection is not checked; call Ping.
func New(cfg config.RedisConfig) (*Client, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	return &Client{rdb: goredis.NewClient(opts)}, nil
}

// Wrap adapts an existing go-redis client.
func Wrap(rdb *goredis.Client) *Client {
	return &Client{rdb: rdb}
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Publish sends message on channel.
func (c *Client) Publish(ctx context.Context, channel string, message string) error {
	return c.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe subscribes to channel and returns its payload stream. The
// subscription is confirmed before Subscribe returns, so a message
// published afterwards is delivered. The stream closes when ctx is done.
func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	sub := c.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	ch := make(chan string, subscriptionBuffer)
	go func() {
		defer close(ch)
		defer sub.Close()
		msgCh := sub.Channel(goredis.WithChannelSize(subscriptionBuffer))
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case ch <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

// Get returns the value of key, or domain.ErrNotFound when it is absent
// or expired.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", domain.ErrNotFound
	}
	return v, err
}

// Set stores value under key with the given expiry (0 = no expiry).
func (c *Client) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// SetNX sets key to value with the given expiry unless key exists. It
// reports whether the value was written.
func (c *Client) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

// Del deletes keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// delIfEqual deletes KEYS[1] only while it still holds ARGV[1].
var delIfEqual = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DelIfEqual deletes key only if its current value is value, in one round
// trip. It reports whether the key was deleted.
func (c *Client) DelIfEqual(ctx context.Context, key, value string) (bool, error) {
	n, err := delIfEqual.Run(ctx, c.rdb, []string{key}, value).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// HSet sets one hash field.
func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	return c.rdb.HSet(ctx, key, field, value).Err()
}

// HGetAll returns every field of a hash. A missing hash is empty, not an error.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// HDel removes hash fields.
func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	return c.rdb.HDel(ctx, key, fields...).Err()
}

// Close shuts down the client.
func (c *Client) Close() error {
	return c.rdb.Close()
}
