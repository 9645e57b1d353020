// Package valkey connects to the Valkey instance that carries upload progress events and the storage deletion queue.
package valkey

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const clientName = "vitrine-server"

// Connect parses rawURL, connects, and pings to verify the connection. go-redis only understands redis:// and
// rediss://, so valkey:// and valkeys:// are rewritten first. dialTimeout bounds how long new connections may take.
func Connect(ctx context.Context, rawURL string, dialTimeout time.Duration) (*redis.Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse valkey URL: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "valkey":
		parsed.Scheme = "redis"
	case "valkeys":
		parsed.Scheme = "rediss"
	}

	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, fmt.Errorf("parse valkey URL: %w", err)
	}
	opts.DialTimeout = dialTimeout
	opts.ClientName = clientName

	client := redis.NewClient(opts)
	if err := Ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Ping checks that the server answers. Used at startup and by the health endpoint.
func Ping(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping valkey: %w", err)
	}
	return nil
}
