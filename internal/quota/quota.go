// Package quota counts the messages exchanged with each client per ISO week, inbound and
// outbound alike.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyTTL keeps a week's counter a day past the end of the week.
const KeyTTL = 8 * 24 * time.Hour

// Counter tracks weekly message counts.
type Counter interface {
	// Count returns the number of messages counted for clientID in the ISO week containing now.
	Count(ctx context.Context, clientID string, now time.Time) (int, error)
	// Increment adds one message and returns the new count.
	Increment(ctx context.Context, clientID string, now time.Time) (int, error)
	// Reset clears the count for the ISO week containing now.
	Reset(ctx context.Context, clientID string, now time.Time) error
}

// WeekKey is the counter key for clientID in the ISO week containing now.
func WeekKey(clientID string, now time.Time) string {
	year, week := now.ISOWeek()
	return fmt.Sprintf("quota:%s:%d-W%02d", clientID, year, week)
}

// Exceeded reports whether count has reached limit. A non-positive limit never exceeds.
func Exceeded(count, limit int) bool {
	return limit > 0 && count >= limit
}

// MemoryCounter is a process-local Counter.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryCounter creates an empty in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]int)}
}

func (c *MemoryCounter) Count(_ context.Context, clientID string, now time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[WeekKey(clientID, now)], nil
}

func (c *MemoryCounter) Increment(_ context.Context, clientID string, now time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := WeekKey(clientID, now)
	c.counts[key]++
	return c.counts[key], nil
}

func (c *MemoryCounter) Reset(_ context.Context, clientID string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, WeekKey(clientID, now))
	return nil
}

// RedisCounter stores weekly counts in Redis so they survive restarts and are shared
// between instances.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter wraps an existing client.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

// NewRedisCounterFromURL connects to the Redis server at url (redis:// or rediss://) and pings it.
func NewRedisCounterFromURL(ctx context.Context, url string) (*RedisCounter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("quota: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("quota: ping redis: %w", err)
	}
	slog.Debug("RedisCounter: connected", "addr", opts.Addr)
	return &RedisCounter{client: client}, nil
}

func (c *RedisCounter) Count(ctx context.Context, clientID string, now time.Time) (int, error) {
	n, err := c.client.Get(ctx, WeekKey(clientID, now)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota: get count: %w", err)
	}
	return n, nil
}

func (c *RedisCounter) Increment(ctx context.Context, clientID string, now time.Time) (int, error) {
	key := WeekKey(clientID, now)
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, KeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("quota: increment: %w", err)
	}
	return int(incr.Val()), nil
}

func (c *RedisCounter) Reset(ctx context.Context, clientID string, now time.Time) error {
	if err := c.client.Del(ctx, WeekKey(clientID, now)).Err(); err != nil {
		return fmt.Errorf("quota: reset: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (c *RedisCounter) Close() error {
	return c.client.Close()
}
