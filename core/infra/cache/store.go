// Package cache holds engine replies for read endpoints, grouped by resource
// so a mutation can drop everything its resource ever served.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned by stores that were closed or never connected.
var ErrUnavailable = errors.New("cache store unavailable")

// Store keeps entries per group together with a generation counter. Clear
// bumps the generation and drops the group's entries in one step; Put only
// succeeds while the caller's generation is still current.
type Store interface {
	Name() string
	Generation(ctx context.Context, group string) (uint64, error)
	Get(ctx context.Context, group, key string) ([]byte, bool, error)
	Put(ctx context.Context, group, key string, gen uint64, value []byte, ttl time.Duration) (bool, error)
	Clear(ctx context.Context, group string) (uint64, error)
	Close() error
}
