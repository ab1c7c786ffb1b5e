// Package engagement requests decisioning data and falls back to the last
// good response per decision point when the request fails.
package engagement

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tjfontaine/eventrelay/internal/core/ports"
	"github.com/tjfontaine/eventrelay/internal/telemetry"
)

// Cache maps decision points to their last successful response. Entries are
// only replaced by a newer successful response and only removed by Reset.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]string

	backing ports.EngagementStore
	durable bool

	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// CacheOption configures a Cache.
type CacheOption func(*cacheOptions)

type cacheOptions struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
	reset   bool
}

// WithCacheLogger sets the logger.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(o *cacheOptions) {
		o.logger = logger
	}
}

// WithCacheMetrics sets the metrics sink.
func WithCacheMetrics(m *telemetry.Metrics) CacheOption {
	return func(o *cacheOptions) {
		o.metrics = m
	}
}

// WithCacheReset discards persisted entries before loading.
func WithCacheReset() CacheOption {
	return func(o *cacheOptions) {
		o.reset = true
	}
}

// NewCache loads the cache from backing. A nil or failing backing yields a
// memory-only cache.
func NewCache(ctx context.Context, backing ports.EngagementStore, opts ...CacheOption) *Cache {
	o := cacheOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	c := &Cache{
		entries: make(map[string]string),
		backing: backing,
		durable: backing != nil,
		logger:  o.logger,
		metrics: o.metrics,
	}
	if backing == nil {
		return c
	}

	if o.reset {
		if err := backing.ResetEngagements(ctx); err != nil {
			c.degrade("reset", err)
			return c
		}
	}

	entries, err := backing.LoadEngagements(ctx)
	if err != nil {
		c.degrade("load", err)
		return c
	}
	c.entries = entries
	return c
}

// Get returns the cached response for decisionPoint.
func (c *Cache) Get(decisionPoint string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[decisionPoint]
	return v, ok
}

// Has reports whether decisionPoint has a cached response.
func (c *Cache) Has(decisionPoint string) bool {
	_, ok := c.Get(decisionPoint)
	return ok
}

// Put stores response for decisionPoint and writes it through to storage.
func (c *Cache) Put(ctx context.Context, decisionPoint, response string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.durable {
		if err := c.backing.PutEngagement(ctx, decisionPoint, response); err != nil {
			c.abandonBacking(ctx, "put", err)
		}
	}
	c.entries[decisionPoint] = response
}

// Reset removes every entry.
func (c *Cache) Reset(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.durable {
		if err := c.backing.ResetEngagements(ctx); err != nil {
			c.abandonBacking(ctx, "reset", err)
		}
	}
	c.entries = make(map[string]string)
}

// Len returns the number of cached decision points.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Durable reports whether writes still reach storage.
func (c *Cache) Durable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.durable
}

// abandonBacking switches to memory-only mode after a failed write and wipes
// the persisted entries so a superseded response cannot come back after a
// restart. Callers hold c.mu.
func (c *Cache) abandonBacking(ctx context.Context, op string, err error) {
	c.degrade(op, err)
	if rerr := c.backing.ResetEngagements(ctx); rerr != nil {
		c.logger.Error("failed to discard persisted engagements, stale responses may return after restart",
			slog.String("error", rerr.Error()))
	}
}

func (c *Cache) degrade(op string, err error) {
	c.durable = false
	c.metrics.IncPersistFailures()
	c.logger.Warn("engagement cache storage failed, continuing memory-only",
		slog.String("op", op),
		slog.String("error", err.Error()))
}
