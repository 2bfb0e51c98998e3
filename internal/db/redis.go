package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/msg-engine/internal/config"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects the client shared by rate limits, quota counters
// and job leases.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dial,
	})
	ctx, cancel := context.WithTimeout(context.Background(), dial)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}
