// Package cache implements the query result cache: an LRU with lazy TTL
// expiry, keyed by call fingerprint and invalidated by writes. Operations
// never return errors; a broken cache degrades to misses, not failures.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/sirupsen/logrus"
)

const (
	defaultMaxSize = 1000
	// defaultSizeEstimate stands in for entries whose value cannot be
	// serialized when estimating memory use for stats.
	defaultSizeEstimate = 256
)

// Config tunes the cache. Zero fields fall back to defaults.
type Config struct {
	MaxSize    int
	DefaultTTL time.Duration
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Size        int     `json:"size"`
	MaxSize     int     `json:"max_size"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	SizeBytes   int64   `json:"size_bytes_estimate"`
}

// entry is one cached value plus its bookkeeping.
type entry struct {
	value          any
	createdAt      time.Time
	ttl            time.Duration
	hitCount       uint64
	lastAccessedAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) > e.ttl
}

// Cache is a write-invalidated LRU+TTL result cache. simplelru is not
// thread-safe, so every operation holds the cache mutex.
type Cache struct {
	mu  sync.Mutex
	lru *simplelru.LRU
	cfg Config
	log *logrus.Entry

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
}

// New builds a cache. MaxSize defaults when zero or negative.
func New(cfg Config, log *logrus.Logger) *Cache {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	lru, err := simplelru.NewLRU(cfg.MaxSize, nil)
	if err != nil {
		// Only reachable with a non-positive size, which is defaulted above.
		panic(err)
	}
	return &Cache{
		lru: lru,
		cfg: cfg,
		log: log.WithField("component", "cache"),
	}
}

// Key builds a deterministic fingerprint for a call: the identity names the
// cache namespace (typically a table or operation), and the arguments are
// serialized canonically and hashed. The receiver never participates.
func Key(identity string, args ...any) string {
	h := sha256.New()
	for _, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			b = []byte(fmt.Sprintf("%#v", arg))
		}
		h.Write(b)
		h.Write([]byte{0})
	}
	return identity + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// identityOf splits the namespace segment off a fingerprint key.
func identityOf(key string) string {
	if i := strings.LastIndex(key, ":"); i >= 0 {
		return key[:i]
	}
	return key
}

// Get returns the cached value for key. An expired entry counts as a miss
// and is removed lazily. A hit refreshes the entry's LRU position.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	ent := v.(*entry)
	now := time.Now()
	if ent.expired(now) {
		c.lru.Remove(key)
		c.expirations++
		c.misses++
		return nil, false
	}
	ent.hitCount++
	ent.lastAccessedAt = now
	c.hits++
	return ent.value, true
}

// Set stores value under key with the default TTL.
func (c *Cache) Set(key string, value any) {
	c.SetTTL(key, value, c.cfg.DefaultTTL)
}

// SetTTL stores value under key. A ttl of zero never expires. Storing moves
// the key to most-recently-used; at capacity the single least-recently-used
// entry is evicted.
func (c *Cache) SetTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	ent := &entry{value: value, createdAt: now, ttl: ttl, lastAccessedAt: now}
	if evicted := c.lru.Add(key, ent); evicted {
		c.evictions++
	}
}

// Delete removes key, reporting whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Invalidate removes every key whose identity segment contains pattern and
// returns the number removed.
func (c *Cache) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, k := range c.lru.Keys() {
		key := k.(string)
		if strings.Contains(identityOf(key), pattern) {
			c.lru.Remove(k)
			removed++
		}
	}
	if removed > 0 {
		c.log.WithFields(logrus.Fields{"pattern": pattern, "removed": removed}).Debug("Invalidated cache entries")
	}
	return removed
}

// InvalidateIdentity removes every key in exactly the given namespace and
// returns the number removed.
func (c *Cache) InvalidateIdentity(identity string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, k := range c.lru.Keys() {
		key := k.(string)
		if identityOf(key) == identity {
			c.lru.Remove(k)
			removed++
		}
	}
	if removed > 0 {
		c.log.WithFields(logrus.Fields{"identity": identity, "removed": removed}).Debug("Invalidated cache namespace")
	}
	return removed
}

// Purge drops every entry without touching the hit/miss counters.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats snapshots cache counters. Entry sizes are estimated by serializing
// values; values that cannot be serialized count as defaultSizeEstimate
// rather than failing the whole call.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sizeBytes int64
	for _, k := range c.lru.Keys() {
		v, ok := c.lru.Peek(k)
		if !ok {
			continue
		}
		ent := v.(*entry)
		if b, err := json.Marshal(ent.value); err == nil {
			sizeBytes += int64(len(b))
		} else {
			sizeBytes += defaultSizeEstimate
		}
	}

	s := Stats{
		Size:        c.lru.Len(),
		MaxSize:     c.cfg.MaxSize,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		SizeBytes:   sizeBytes,
	}
	if lookups := c.hits + c.misses; lookups > 0 {
		s.HitRate = float64(c.hits) / float64(lookups)
	}
	return s
}
