// Package redis implements the durable tick stream (publisher and consumer
// group reader) and the fast-lookup key layout on Redis.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// ClientConfig configures the Redis connection.
type ClientConfig struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// NewClient creates a client and pings the server.
func NewClient(cfg ClientConfig) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// ensureGroup creates group on stream (and the stream itself) from ID 0.
// An existing group is not an error.
func ensureGroup(ctx context.Context, client goredis.UniversalClient, stream, group string) (created bool, err error) {
	err = client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err == nil {
		return true, nil
	}
	if strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return false, nil
	}
	return false, fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
}
