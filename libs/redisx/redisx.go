// Package redisx builds the go-redis client shared by the quota and permission stores.
package redisx

import (
	"context"
	"errors"
	"strings"

	"github.com/md-rashed-zaman/eventrelay/libs/config"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

// ConfigFromEnv reads REDIS_ADDR, REDIS_PASSWORD and REDIS_DB. An empty Addr means Redis
// is not configured.
func ConfigFromEnv() (Config, error) {
	db, err := config.Int("REDIS_DB", 0)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Addr:     strings.TrimSpace(config.String("REDIS_ADDR", "")),
		Password: config.String("REDIS_PASSWORD", ""),
		DB:       db,
	}, nil
}

func NewClient(cfg Config) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), nil
}

func ReadyCheck(rdb redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		if rdb == nil {
			return errors.New("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
}
