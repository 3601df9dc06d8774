// Package cache memoizes expensive repository analysis (clones, outdated
// package reports) under content-addressed keys with a fixed TTL.
//
// A Cache is safe for concurrent use. Reads share a lock; writes, cleanup
// and clear take it exclusively. Entries never outlive their TTL: a read at
// or after CreatedAt+TTL is a miss.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/moeryomenko/bumpguard/internal/utils"
)

// DefaultTTL applies when Put is given a non-positive TTL.
const DefaultTTL = 24 * time.Hour

// Entry is one immutable cached value.
type Entry struct {
	Key       string        `json:"key"`
	Value     []byte        `json:"value"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
}

// ExpiresAt is the first instant the entry is no longer served.
func (e Entry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

func (e Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// Stats is a point-in-time diagnostic snapshot.
type Stats struct {
	TotalEntries   int   `json:"total_entries"`
	ExpiredEntries int   `json:"expired_entries"`
	SizeBytes      int64 `json:"size_bytes"`
}

// Options configures a Cache.
type Options struct {
	DefaultTTL time.Duration
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Cache is an in-memory TTL store keyed by string.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]Entry
	defaultTTL time.Duration
	now        func() time.Time
	loads      singleflight.Group
	logger     *utils.Logger
}

// New creates an empty cache.
func New(opts Options, logger *utils.Logger) *Cache {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Cache{
		entries:    make(map[string]Entry),
		defaultTTL: opts.DefaultTTL,
		now:        opts.Clock,
		logger:     logger,
	}
}

// Get returns the value stored under key. Absent and expired entries are
// both misses; a hit does not extend the TTL.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || e.expired(c.now()) {
		return nil, false
	}
	return append([]byte(nil), e.Value...), true
}

// Put stores value under key, replacing any existing entry.
func (c *Cache) Put(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	e := Entry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		CreatedAt: c.now(),
		TTL:       ttl,
	}

	c.mu.Lock()
	delete(c.entries, key)
	c.entries[key] = e
	c.mu.Unlock()
}

// Delete removes key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// GetJSON decodes the value under key into v.
func (c *Cache) GetJSON(key string, v any) (bool, error) {
	data, ok := c.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}
	return true, nil
}

// PutJSON encodes v and stores it under key.
func (c *Cache) PutJSON(key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry %s: %w", key, err)
	}
	c.Put(key, data, ttl)
	return nil
}

// GetOrLoad returns the cached value or calls load once per key, even when
// many goroutines miss at the same time, and stores the result.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok := c.Get(key); ok {
		c.logger.Debug("Cache hit for %s", key)
		return v, nil
	}

	v, err, shared := c.loads.Do(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(key, v, ttl)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("Joined in-flight load for %s", key)
	}
	return append([]byte(nil), v.([]byte)...), nil
}

// Cleanup removes every expired entry and returns how many were removed.
func (c *Cache) Cleanup() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()
}

// Stats reports entry counts and the bytes held by keys and values.
func (c *Cache) Stats() Stats {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	var s Stats
	for key, e := range c.entries {
		s.TotalEntries++
		if e.expired(now) {
			s.ExpiredEntries++
		}
		s.SizeBytes += int64(len(key) + len(e.Value))
	}
	return s
}

// Janitor runs Cleanup every interval until ctx is done.
func (c *Cache) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Cleanup(); n > 0 {
				c.logger.Debug("Removed %d expired cache entries", n)
			}
		}
	}
}
