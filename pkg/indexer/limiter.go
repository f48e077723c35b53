package indexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/illmade-knight/go-indexer/pkg/types"
)

// WritesLimiter bounds how many new strings an org may create per window.
type WritesLimiter interface {
	// Allow requests n writes for orgID and returns how many are granted.
	Allow(ctx context.Context, useCase types.UseCaseID, orgID int64, n int) (int, error)
}

// NoWritesLimit grants every write.
type NoWritesLimit struct{}

func (NoWritesLimit) Allow(_ context.Context, _ types.UseCaseID, _ int64, n int) (int, error) {
	return n, nil
}

type windowCount struct {
	window int64
	used   int
}

// MemoryWritesLimiter is a fixed-window limiter local to the process.
type MemoryWritesLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	counts map[string]*windowCount
}

// NewMemoryWritesLimiter allows limit writes per org in every window.
func NewMemoryWritesLimiter(limit int, window time.Duration) *MemoryWritesLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryWritesLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		counts: make(map[string]*windowCount),
	}
}

func (l *MemoryWritesLimiter) Allow(_ context.Context, useCase types.UseCaseID, orgID int64, n int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.now().UnixNano() / int64(l.window)
	key := fmt.Sprintf("%s:%d", useCase, orgID)
	c, ok := l.counts[key]
	if !ok || c.window != window {
		c = &windowCount{window: window}
		l.counts[key] = c
	}
	granted := grant(l.limit, c.used, n)
	c.used += granted
	return granted, nil
}

// RedisWritesLimiter is a fixed-window limiter shared by every consumer
// through Redis. The client is owned by the caller.
type RedisWritesLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisWritesLimiter(client *redis.Client, limit int, window time.Duration) *RedisWritesLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisWritesLimiter{client: client, limit: limit, window: window, now: time.Now}
}

func (l *RedisWritesLimiter) Allow(ctx context.Context, useCase types.UseCaseID, orgID int64, n int) (int, error) {
	window := l.now().UnixNano() / int64(l.window)
	key := fmt.Sprintf("indexer:writes:%s:%d:%d", useCase, orgID, window)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, key, int64(n))
		pipe.Expire(ctx, key, l.window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count writes for org %d: %w", orgID, err)
	}
	used := int(incr.Val()) - n
	granted := grant(l.limit, used, n)
	if granted < n {
		// Only granted writes count against the window.
		l.client.DecrBy(ctx, key, int64(n-granted))
	}
	return granted, nil
}

func grant(limit, used, n int) int {
	if limit <= 0 {
		return n
	}
	left := limit - used
	if left <= 0 {
		return 0
	}
	if n < left {
		return n
	}
	return left
}
