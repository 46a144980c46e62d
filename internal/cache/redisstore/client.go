// Package redisstore wraps the Redis operations used to share image metadata
// between service processes.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/fits-cutout-cache/internal/core/observability"
)

// scanBatch is the COUNT hint for SCAN and the chunk size for MGET and DEL.
const scanBatch = 512

type Client struct {
	rdb *redis.Client
}

// New connects to addr and pings it once; an unreachable server is an error.
func New(ctx context.Context, addr string) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     32,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	})
	c := &Client{rdb: rdb}
	if err := c.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return c, nil
}

func observe(op string, start time.Time, err error) {
	observability.ObserveCacheOp(op, err, time.Since(start).Seconds())
}

func (c *Client) Ping(ctx context.Context) error {
	start := time.Now()
	err := c.rdb.Ping(ctx).Err()
	observe("ping", start, err)
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Get returns the value of key; found is false when the key does not exist.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		observe("get", start, nil)
		return nil, false, nil
	}
	observe("get", start, err)
	if err != nil {
		return nil, false, fmt.Errorf("redis GET %q: %w", key, err)
	}
	return val, true, nil
}

// MGet fetches keys in chunks and returns only the ones that exist.
func (c *Client) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for i := 0; i < len(keys); i += scanBatch {
		chunk := keys[i:min(i+scanBatch, len(keys))]
		start := time.Now()
		vals, err := c.rdb.MGet(ctx, chunk...).Result()
		observe("mget", start, err)
		if err != nil {
			return nil, fmt.Errorf("redis MGET %d keys: %w", len(chunk), err)
		}
		for j, v := range vals {
			switch t := v.(type) {
			case string:
				out[chunk[j]] = []byte(t)
			case []byte:
				out[chunk[j]] = t
			}
		}
	}
	return out, nil
}

func (c *Client) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	start := time.Now()
	err := c.rdb.Set(ctx, key, val, ttl).Err()
	observe("set", start, err)
	if err != nil {
		return fmt.Errorf("redis SET %q: %w", key, err)
	}
	return nil
}

// MSet writes every pair in one pipeline.
func (c *Client) MSet(ctx context.Context, kv map[string][]byte, ttl time.Duration) error {
	if len(kv) == 0 {
		return nil
	}
	start := time.Now()
	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for k, v := range kv {
			p.Set(ctx, k, v, ttl)
		}
		return nil
	})
	observe("mset", start, err)
	if err != nil {
		return fmt.Errorf("redis MSET %d keys: %w", len(kv), err)
	}
	return nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	start := time.Now()
	err := c.rdb.Del(ctx, keys...).Err()
	observe("del", start, err)
	if err != nil {
		return fmt.Errorf("redis DEL %d keys: %w", len(keys), err)
	}
	return nil
}

// Keys lists the keys starting with prefix using SCAN.
func (c *Client) Keys(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	var out []string
	iter := c.rdb.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	err := iter.Err()
	observe("scan", start, err)
	if err != nil {
		return nil, fmt.Errorf("redis SCAN %q: %w", prefix, err)
	}
	return out, nil
}

// DelPrefix removes every key starting with prefix and returns how many were
// deleted before any failure.
func (c *Client) DelPrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := c.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for i := 0; i < len(keys); i += scanBatch {
		if err := c.Del(ctx, keys[i:min(i+scanBatch, len(keys))]...); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
