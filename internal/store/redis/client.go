package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

const (
	// RawPositionsKey holds upstream position snapshots, field = position key,
	// value = JSON object in the venue's own shape.
	RawPositionsKey = "positions:raw"
	// ViewPositionsKey holds the latest derived dashboard rows.
	ViewPositionsKey = "view:positions"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Connect opens a client and pings the server.
func Connect(opts Options) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s (db=%d)", opts.Addr, opts.DB)
	return client, nil
}
