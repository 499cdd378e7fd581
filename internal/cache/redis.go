// Package cache is the short-TTL read cache for public, read-heavy
// endpoints (round history, single round detail) — spec.md §4.8's C8.
// Entries expire lazily (Redis's own TTL) rather than needing a sweep
// goroutine of our own; a cache miss, including Redis being entirely
// unavailable, is never an error to the caller — it just means the read
// falls through to Postgres.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"crashcore/internal/config"
)

// Service is the get/set(ttl) surface spec.md §4.8 describes.
type Service interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Health() map[string]string
	Close() error
}

type service struct {
	client *redis.Client
	logger *slog.Logger
}

// New dials Redis per cfg. If the ping fails, it logs and returns nil —
// callers treat a nil Service as "no cache configured" and read straight
// through to storage, same degrade path the teacher's own redis.go took.
func New(cfg config.RedisConfig, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		logger.Warn("cache: redis connection failed, running without cache", "error", err)
		return nil
	}
	logger.Info("cache: redis connected", "addr", cfg.Addr)

	return &service{client: client, logger: logger}
}

// Get returns the cached value for key, or ok=false on a miss — including
// when Redis itself errors, which is logged but never surfaced as a hard
// failure to the caller.
func (s *service) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("cache: get failed", "key", key, "error", err)
		}
		return nil, false
	}
	return val, true
}

// Set stores value under key for ttl. A write failure is logged, not
// returned — a cache write must never fail the request it was asked to
// speed up.
func (s *service) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		s.logger.Warn("cache: set failed", "key", key, "error", err)
	}
}

func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stats := make(map[string]string)

	if _, err := s.client.Ping(ctx).Result(); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("redis down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "redis is healthy"

	poolStats := s.client.PoolStats()
	stats["hits"] = strconv.FormatUint(uint64(poolStats.Hits), 10)
	stats["misses"] = strconv.FormatUint(uint64(poolStats.Misses), 10)
	stats["timeouts"] = strconv.FormatUint(uint64(poolStats.Timeouts), 10)
	stats["total_conns"] = strconv.FormatUint(uint64(poolStats.TotalConns), 10)
	stats["idle_conns"] = strconv.FormatUint(uint64(poolStats.IdleConns), 10)
	stats["stale_conns"] = strconv.FormatUint(uint64(poolStats.StaleConns), 10)

	return stats
}

func (s *service) Close() error {
	s.logger.Info("cache: closing redis connection")
	return s.client.Close()
}
