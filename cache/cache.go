package cache

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Entry is what a backend stores for one key.
type Entry[T any] struct {
	Payload  T             `json:"payload"`
	StoredAt time.Time     `json:"storedAt"`
	TTL      time.Duration `json:"ttl"`
	Count    int           `json:"count"`
}

// Backend is the storage under a Cache. Load reports ok=false for a
// missing key.
type Backend[T any] interface {
	Load(ctx context.Context, key string) (Entry[T], bool, error)
	Store(ctx context.Context, key string, entry Entry[T]) error
	Delete(ctx context.Context, key string) error
	Flush(ctx context.Context) error
}

// Hit is a cache read that was still within its TTL.
type Hit[T any] struct {
	Payload T
	Age     time.Duration
	Count   int
}

type Options struct {
	Name       string
	DefaultTTL time.Duration
	MinTTL     time.Duration
	MaxTTL     time.Duration
}

// Cache is a TTL cache over a Backend. Backend failures are logged and read
// as misses; callers never see them.
type Cache[T any] struct {
	backend Backend[T]
	opts    Options
	logger  *logrus.Logger
	now     func() time.Time
}

func New[T any](backend Backend[T], opts Options, logger *logrus.Logger) *Cache[T] {
	opts.DefaultTTL = clampTTL(opts.DefaultTTL, opts.MinTTL, opts.MaxTTL)
	return &Cache[T]{
		backend: backend,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (c *Cache[T]) SetClock(now func() time.Time) {
	c.now = now
}

func (c *Cache[T]) DefaultTTL() time.Duration {
	return c.opts.DefaultTTL
}

func (c *Cache[T]) Get(ctx context.Context, key string) (Hit[T], bool) {
	var zero Hit[T]

	entry, ok, err := c.backend.Load(ctx, key)
	if err != nil {
		c.logger.WithFields(logrus.Fields{"cache": c.opts.Name, "key": key, "error": err}).Warn("Cache read failed")
		return zero, false
	}
	if !ok {
		return zero, false
	}

	age := c.now().Sub(entry.StoredAt)
	if age < 0 {
		age = 0
	}
	if age > entry.TTL {
		c.Clear(ctx, key)
		return zero, false
	}

	return Hit[T]{Payload: entry.Payload, Age: age, Count: entry.Count}, true
}

// GetFresh is Get plus a count probe: an entry whose recorded count differs
// from expectedCount is evicted and reported as a miss.
func (c *Cache[T]) GetFresh(ctx context.Context, key string, expectedCount int) (Hit[T], bool) {
	hit, ok := c.Get(ctx, key)
	if !ok {
		return hit, false
	}
	if hit.Count != expectedCount {
		c.logger.WithFields(logrus.Fields{
			"cache":    c.opts.Name,
			"key":      key,
			"cached":   hit.Count,
			"expected": expectedCount,
		}).Debug("Cache entry stale by count")
		c.Clear(ctx, key)
		return Hit[T]{}, false
	}
	return hit, true
}

// Set stores payload. A zero ttl means the default; any ttl is clamped to
// the cache's bounds.
func (c *Cache[T]) Set(ctx context.Context, key string, payload T, ttl time.Duration, count int) {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	entry := Entry[T]{
		Payload:  payload,
		StoredAt: c.now(),
		TTL:      clampTTL(ttl, c.opts.MinTTL, c.opts.MaxTTL),
		Count:    count,
	}
	if err := c.backend.Store(ctx, key, entry); err != nil {
		c.logger.WithFields(logrus.Fields{"cache": c.opts.Name, "key": key, "error": err}).Warn("Cache write failed")
	}
}

func (c *Cache[T]) Clear(ctx context.Context, key string) {
	if err := c.backend.Delete(ctx, key); err != nil {
		c.logger.WithFields(logrus.Fields{"cache": c.opts.Name, "key": key, "error": err}).Warn("Cache delete failed")
	}
}

func (c *Cache[T]) Flush(ctx context.Context) {
	if err := c.backend.Flush(ctx); err != nil {
		c.logger.WithFields(logrus.Fields{"cache": c.opts.Name, "error": err}).Warn("Cache flush failed")
	}
}

func clampTTL(ttl, lo, hi time.Duration) time.Duration {
	if lo > 0 && ttl < lo {
		return lo
	}
	if hi > 0 && ttl > hi {
		return hi
	}
	return ttl
}
