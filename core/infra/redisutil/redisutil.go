// Package redisutil builds the Redis client shared by the cache backend.
package redisutil

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cordum/fimgate/core/infra/tlsutil"
	"github.com/redis/go-redis/v9"
)

const (
	envPrefix       = "FIMGATE_REDIS"
	envClusterAddrs = "FIMGATE_REDIS_CLUSTER_ADDRS"

	pingTimeout = 3 * time.Second
)

// ParseOptions parses a Redis URL and applies FIMGATE_REDIS_TLS_* settings.
func ParseOptions(url string) (*redis.Options, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	tlsCfg, err := tlsutil.FromEnv(envPrefix).Apply(opts.TLSConfig)
	if err != nil {
		return nil, fmt.Errorf("redis %w", err)
	}
	opts.TLSConfig = tlsCfg
	return opts, nil
}

// NewClient creates a universal client. FIMGATE_REDIS_CLUSTER_ADDRS switches
// it to cluster mode while keeping credentials from the URL.
func NewClient(url string) (redis.UniversalClient, error) {
	opts, err := ParseOptions(url)
	if err != nil {
		return nil, err
	}
	addrs := splitAddrs(os.Getenv(envClusterAddrs))
	if len(addrs) == 0 {
		addrs = []string{opts.Addr}
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:     addrs,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}), nil
}

// Connect creates a client and verifies it with PING.
func Connect(ctx context.Context, url string) (redis.UniversalClient, error) {
	client, err := NewClient(url)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func splitAddrs(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	out := parts[:0]
	for _, part := range parts {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
