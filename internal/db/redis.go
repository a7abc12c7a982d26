package db

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/edvin/sitebackup/internal/config"
)

// NewRedisClient connects to the Redis (or Valkey) instance holding the
// operation lease and the live log channel.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		return nil, fmt.Errorf("configure redis TLS: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:      cfg.Addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: tlsConfig,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}

	return client, nil
}
