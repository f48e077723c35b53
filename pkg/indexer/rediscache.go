package indexer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/illmade-knight/go-indexer/pkg/types"
	"github.com/rs/zerolog"
)

// RedisConfig holds configuration for the Redis client.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// RedisCache implements Cache with a Redis instance shared by every consumer.
// Ids are stored as decimal strings under "indexer:<use case>:<org>:<string>".
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisCache connects to Redis, retrying the initial ping with backoff.
func NewRedisCache(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisCache, error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ping := func() error { return rdb.Ping(ctx).Err() }
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(ping, bo); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis for indexer cache")

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisCache{
		client: rdb,
		ttl:    ttl,
		logger: logger.With().Str("component", "RedisCache").Logger(),
	}, nil
}

// Client exposes the underlying client so a RedisWritesLimiter can share it.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func redisKey(useCase types.UseCaseID, orgID int64, s string) string {
	return "indexer:" + cacheKey(useCase, orgID, s)
}

func (c *RedisCache) FetchFromCache(ctx context.Context, useCase types.UseCaseID, keys *KeyCollection) (*KeyResults, error) {
	hits := NewKeyResults()
	if keys.Size() == 0 {
		return hits, nil
	}

	type pair struct {
		org int64
		s   string
	}
	pairs := make([]pair, 0, keys.Size())
	redisKeys := make([]string, 0, keys.Size())
	keys.Each(func(org int64, s string) {
		pairs = append(pairs, pair{org, s})
		redisKeys = append(redisKeys, redisKey(useCase, org, s))
	})

	values, err := c.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis MGET failed: %w", err)
	}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			c.logger.Error().Err(err).Str("key", redisKeys[i]).Msg("Corrupt id in Redis cache, treating as a miss.")
			continue
		}
		hits.Add(pairs[i].org, pairs[i].s, id, FetchCacheHit)
	}
	c.logger.Debug().Int("requested", len(redisKeys)).Int("hits", hits.Len()).Msg("Redis cache lookup.")
	return hits, nil
}

func (c *RedisCache) WriteToCache(ctx context.Context, useCase types.UseCaseID, results *KeyResults) error {
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		results.Each(func(org int64, s string, id int64, _ FetchType) {
			pipe.Set(ctx, redisKey(useCase, org, s), strconv.FormatInt(id, 10), c.ttl)
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis pipelined SET failed: %w", err)
	}
	return nil
}

// Close closes the Redis client connection.
func (c *RedisCache) Close() error {
	if c.client != nil {
		c.logger.Info().Msg("Closing Redis client connection...")
		return c.client.Close()
	}
	return nil
}
