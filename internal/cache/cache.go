// Package cache deduplicates identical generation requests.
//
// Lookups go to an in-process tier first and fall through to a durable Store.
// Concurrent identical misses may both reach a provider unless single-flight
// is enabled; writes are idempotent upserts so either result is acceptable.
package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vnmchuo/genroute/internal/logging"
	"github.com/vnmchuo/genroute/internal/provider"
	"golang.org/x/sync/singleflight"
)

const DefaultTTL = 24 * time.Hour

type Stats struct {
	LocalHits   int64 `json:"local_hits"`
	LocalMisses int64 `json:"local_misses"`
	StoreHits   int64 `json:"store_hits"`
	StoreMisses int64 `json:"store_misses"`
	StoreErrors int64 `json:"store_errors"`
	Entries     int   `json:"entries"`
}

type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Cache) {
		c.log = logging.WithComponent(log, "cache")
	}
}

// WithSingleFlight collapses concurrent identical misses passed through Do
// into one computation.
func WithSingleFlight(enabled bool) Option {
	return func(c *Cache) {
		if enabled {
			c.group = &singleflight.Group{}
		} else {
			c.group = nil
		}
	}
}

type Cache struct {
	mu    sync.RWMutex
	local map[string]*Entry

	store Store
	ttl   time.Duration
	now   func() time.Time
	log   logrus.FieldLogger
	group *singleflight.Group

	localHits   atomic.Int64
	localMisses atomic.Int64
	storeHits   atomic.Int64
	storeMisses atomic.Int64
	storeErrors atomic.Int64
}

// New builds a cache. A nil store keeps only the in-process tier.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		local: make(map[string]*Entry),
		store: store,
		ttl:   DefaultTTL,
		now:   time.Now,
		log:   logging.WithComponent(nil, "cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns a copy of the cached result marked Cached with zero latency and
// cost.
func (c *Cache) Get(ctx context.Context, key string) (*provider.Result, bool) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.local[key]
	c.mu.RUnlock()
	if ok && !e.Expired(now) {
		c.localHits.Add(1)
		return served(e.Result), true
	}
	c.localMisses.Add(1)

	if c.store == nil {
		return nil, false
	}

	stored, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrMiss) {
			c.storeMisses.Add(1)
		} else {
			c.storeErrors.Add(1)
			logging.WithContext(ctx, c.log).WithError(err).Warn("durable cache read failed, treating as miss")
		}
		return nil, false
	}
	if stored.Expired(now) {
		c.storeMisses.Add(1)
		return nil, false
	}
	c.storeHits.Add(1)

	c.mu.Lock()
	c.local[key] = &Entry{Result: stored.Result, CreatedAt: stored.CreatedAt, ExpiresAt: stored.ExpiresAt}
	c.mu.Unlock()

	return served(stored.Result), true
}

// Set stores result under key in both tiers. Durable write failures are
// logged, not returned.
func (c *Cache) Set(ctx context.Context, key string, result *provider.Result) {
	if result == nil {
		return
	}
	now := c.now()
	e := &Entry{
		Result:    *result,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}
	e.Result.Cached = false

	c.mu.Lock()
	c.local[key] = e
	c.mu.Unlock()

	if c.store == nil {
		return
	}
	if err := c.store.Set(ctx, key, e, c.ttl); err != nil {
		c.storeErrors.Add(1)
		logging.WithContext(ctx, c.log).WithError(err).Warn("durable cache write failed")
	}
}

// Do runs fn for key, sharing the call with concurrent callers when
// single-flight is enabled. shared reports whether the result came from
// another caller's computation.
func (c *Cache) Do(key string, fn func() (*provider.Result, error)) (res *provider.Result, shared bool, err error) {
	if c.group == nil {
		res, err = fn()
		return res, false, err
	}
	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, shared, err
	}
	res = v.(*provider.Result)
	if shared && res != nil {
		cp := *res
		res = &cp
	}
	return res, shared, nil
}

// Sweep drops expired in-process entries and returns how many were removed.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.local {
		if e.Expired(now) {
			delete(c.local, k)
			removed++
		}
	}
	return removed
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n := len(c.local)
	c.mu.RUnlock()
	return Stats{
		LocalHits:   c.localHits.Load(),
		LocalMisses: c.localMisses.Load(),
		StoreHits:   c.storeHits.Load(),
		StoreMisses: c.storeMisses.Load(),
		StoreErrors: c.storeErrors.Load(),
		Entries:     n,
	}
}

func served(r provider.Result) *provider.Result {
	r.Cached = true
	r.LatencyMs = 0
	r.CostUSD = 0
	return &r
}
