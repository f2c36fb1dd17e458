// Package cache implements the coalescing, per-method-TTL result cache:
// a bounded LRU keyed by a deterministic hash of method+params, with
// concurrent misses for the same key coalesced onto a single producer
// call via golang.org/x/sync/singleflight.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rarara59/relayrpc/internal/domain"
)

const (
	DefaultMaxEntries = 10_000
	DefaultTTL        = 5 * time.Second
)

// Config configures a Cache.
type Config struct {
	// MaxEntries bounds the cache to an LRU eviction policy once reached.
	MaxEntries int
	// DefaultTTL applies to any method without an entry in MethodTTLs.
	DefaultTTL time.Duration
	// MethodTTLs overrides DefaultTTL per JSON-RPC method name.
	MethodTTLs map[string]time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultTTL
	}
	return c
}

// entry is one LRU node: a key plus the domain.CacheEntry payload that
// also flows out through Get/Set.
type entry struct {
	key string
	domain.CacheEntry
}

func (e *entry) listElement() *list.Element {
	return e.Element.(*list.Element)
}

// Cache is a bounded, coalescing, per-method-TTL cache. It implements
// ports.Cache.
type Cache struct {
	cfg Config

	mu      sync.Mutex
	items   map[string]*entry
	lru     *list.List
	group   singleflight.Group
	hits    int64
	misses  int64
	evicted int64
}

// New constructs a Cache.
func New(cfg Config) *Cache {
	cfg = cfg.withDefaults()
	return &Cache{
		cfg:   cfg,
		items: make(map[string]*entry),
		lru:   list.New(),
	}
}

// Key derives a stable cache key from a method and its JSON-RPC
// params by re-marshalling params with sorted object keys before
// hashing, so semantically identical requests with differently ordered
// object fields collide on the same key.
func Key(method string, params json.RawMessage) string {
	canon := canonicalize(params)
	sum := sha256.Sum256(append([]byte(method+"\x00"), canon...))
	return hex.EncodeToString(sum[:])
}

func canonicalize(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(sortKeys(v))
	if err != nil {
		return raw
	}
	return out
}

func sortKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]any, len(t))
		for _, k := range keys {
			ordered[k] = sortKeys(t[k])
		}
		return ordered
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortKeys(e)
		}
		return out
	default:
		return v
	}
}

// Get returns the cached value for key if present and unexpired.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if e.Expired(time.Now()) {
		c.removeLocked(e)
		c.misses++
		return nil, false
	}
	c.lru.MoveToFront(e.listElement())
	c.hits++
	return e.Value, true
}

// Set inserts or refreshes key with ttl, evicting the least recently
// used entry if the cache is at capacity.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		e.Value = value
		e.Expiry = time.Now().Add(ttl)
		c.lru.MoveToFront(e.listElement())
		return
	}

	e := &entry{key: key, CacheEntry: domain.CacheEntry{Value: value, Expiry: time.Now().Add(ttl)}}
	e.Element = c.lru.PushFront(e)
	c.items[key] = e

	if len(c.items) > c.cfg.MaxEntries {
		c.evictOldestLocked()
	}
}

func (c *Cache) evictOldestLocked() {
	oldest := c.lru.Back()
	if oldest == nil {
		return
	}
	c.removeLocked(oldest.Value.(*entry))
	c.evicted++
}

func (c *Cache) removeLocked(e *entry) {
	c.lru.Remove(e.listElement())
	delete(c.items, e.key)
}

// TTLFor resolves the configured TTL for method.
func (c *Cache) TTLFor(method string) time.Duration {
	if ttl, ok := c.cfg.MethodTTLs[method]; ok && ttl > 0 {
		return ttl
	}
	return c.cfg.DefaultTTL
}

// Coalesce runs producer at most once per key among concurrently
// waiting callers, reporting to each caller whether it ran producer
// itself or coalesced onto another caller's in-flight call.
func (c *Cache) Coalesce(ctx context.Context, key string, producer func() ([]byte, error)) ([]byte, error, bool) {
	type result struct {
		value []byte
		err   error
	}
	ch := c.group.DoChan(key, func() (any, error) {
		v, err := producer()
		return result{value: v, err: err}, err
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err(), false
	case r := <-ch:
		res := r.Val.(result)
		return res.value, res.err, r.Shared
	}
}

// Stats is a read-only snapshot of cache activity for the metrics
// surface.
type Stats struct {
	Hits    int64
	Misses  int64
	Evicted int64
	Size    int
}

// Snapshot returns the current Stats.
func (c *Cache) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Evicted: c.evicted, Size: len(c.items)}
}
