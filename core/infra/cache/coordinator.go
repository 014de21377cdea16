package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cordum/fimgate/core/infra/logging"
	"github.com/cordum/fimgate/core/infra/metrics"
)

const (
	defaultTTL        = 750 * time.Millisecond
	anonymousIdentity = "anonymous"
)

// Loader produces the value for a cache miss. Its result is stored only when
// it returns no error.
type Loader func(ctx context.Context) ([]byte, error)

// Result is the outcome of a Fetch.
type Result struct {
	Value []byte
	Hit   bool
}

// Options tunes a Coordinator.
type Options struct {
	TTL time.Duration
	// Isolated keeps one cache per requester instead of a shared one.
	Isolated bool
	Metrics  metrics.CacheMetrics
}

// Coordinator owns the read cache. It is safe for concurrent use.
type Coordinator struct {
	store    Store
	ttl      time.Duration
	isolated bool
	metrics  metrics.CacheMetrics
}

// NewCoordinator wires a coordinator around store.
func NewCoordinator(store Store, opts Options) *Coordinator {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	return &Coordinator{
		store:    store,
		ttl:      opts.TTL,
		isolated: opts.Isolated,
		metrics:  opts.Metrics,
	}
}

// Backend names the underlying store.
func (c *Coordinator) Backend() string { return c.store.Name() }

// TTL returns the entry lifetime.
func (c *Coordinator) TTL() time.Duration { return c.ttl }

// Isolated reports whether entries are kept per requester.
func (c *Coordinator) Isolated() bool { return c.isolated }

// Fetch returns the cached value for key in group, or runs load and caches its
// result. A store failure never fails the read: the loader runs and its value
// is returned uncached.
func (c *Coordinator) Fetch(ctx context.Context, group, requester, key string, load Loader) (Result, error) {
	k := c.entryKey(requester, key)

	// The generation must be read before the loader runs; Put rejects the
	// write if an eviction landed in between.
	gen, err := c.store.Generation(ctx, group)
	if err != nil {
		logging.Warn("cache", "generation lookup failed", "group", group, "error", err)
		c.metrics.IncLookup(group, "error")
		value, err := load(ctx)
		return Result{Value: value}, err
	}

	value, ok, err := c.store.Get(ctx, group, k)
	switch {
	case err != nil:
		logging.Warn("cache", "lookup failed", "group", group, "error", err)
		c.metrics.IncLookup(group, "error")
	case ok:
		c.metrics.IncLookup(group, "hit")
		logging.Debug("cache", "hit", "group", group, "key", k)
		return Result{Value: value, Hit: true}, nil
	default:
		c.metrics.IncLookup(group, "miss")
	}

	value, err = load(ctx)
	if err != nil {
		return Result{}, err
	}
	stored, err := c.store.Put(ctx, group, k, gen, value, c.ttl)
	switch {
	case err != nil:
		logging.Warn("cache", "store failed", "group", group, "error", err)
	case !stored:
		logging.Debug("cache", "discarded stale entry", "group", group, "generation", gen)
	}
	return Result{Value: value}, nil
}

// Invalidate drops every entry of group. Entries loaded before this call
// returns are never stored afterwards.
func (c *Coordinator) Invalidate(ctx context.Context, group string) error {
	gen, err := c.store.Clear(ctx, group)
	if err != nil {
		c.metrics.IncEviction(group, "error")
		return fmt.Errorf("evict cache group %s: %w", group, err)
	}
	c.metrics.IncEviction(group, "ok")
	logging.Debug("cache", "group evicted", "group", group, "generation", gen)
	return nil
}

// Close releases the underlying store.
func (c *Coordinator) Close() error {
	return c.store.Close()
}

func (c *Coordinator) entryKey(requester, key string) string {
	if !c.isolated {
		return key
	}
	requester = strings.TrimSpace(requester)
	if requester == "" {
		requester = anonymousIdentity
	}
	return requester + ":" + key
}
