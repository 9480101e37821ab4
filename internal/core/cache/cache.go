// Package cache implements the two-tier Rollup Cache (§4.H): an in-process
// LRU (L1) bounded per keyspace, backed by an optional shared blob cache
// (L2) reachable through ports.BlobCache.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ste-bah/rollup-engine/infrastructure/logging"
	"github.com/ste-bah/rollup-engine/infrastructure/metrics"
	"github.com/ste-bah/rollup-engine/internal/ports"
)

// Keyspace names a bounded partition of the cache (§4.H).
type Keyspace string

const (
	KeyspaceExecutionResult Keyspace = "execution-result"
	KeyspaceMergedGraph     Keyspace = "merged-graph"
	KeyspaceBlastRadius     Keyspace = "blast-radius"
	KeyspaceIndex           Keyspace = "index"
)

// Config bounds L1 capacity per keyspace and the default entry TTL.
type Config struct {
	L1Capacity map[Keyspace]int
	DefaultTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		L1Capacity: map[Keyspace]int{
			KeyspaceExecutionResult: 1500,
			KeyspaceMergedGraph:     1000,
			KeyspaceBlastRadius:     1000,
			KeyspaceIndex:           1000,
		},
		DefaultTTL: 5 * time.Minute,
	}
}

type entry struct {
	value     []byte
	tags      []string
	expiresAt time.Time
}

func (e entry) expired() bool { return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) }

// Stats accumulates the running cache statistics surfaced by §4.H.
type Stats struct {
	L1Hits           int64
	L1Misses         int64
	L2Hits           int64
	L2Misses         int64
	totalGetLatency  time.Duration
	totalGetCount    int64
	totalSetLatency  time.Duration
	totalSetCount    int64
}

func (s Stats) HitRatio() float64 {
	total := s.L1Hits + s.L1Misses
	if total == 0 {
		return 0
	}
	return float64(s.L1Hits+s.L2Hits) / float64(total)
}

func (s Stats) AvgGetLatencyMs() float64 { return avgMs(s.totalGetLatency, s.totalGetCount) }
func (s Stats) AvgSetLatencyMs() float64 { return avgMs(s.totalSetLatency, s.totalSetCount) }

func avgMs(total time.Duration, count int64) float64 {
	if count == 0 {
		return 0
	}
	return float64(total.Milliseconds()) / float64(count)
}

// Cache is the two-tier Rollup Cache. L2 may be nil, in which case the
// cache degrades to L1-only per §4.H.
type Cache struct {
	cfg    Config
	l2     ports.BlobCache
	logger *logging.Logger
	m      *metrics.Metrics

	mu    sync.RWMutex
	l1    map[Keyspace]*lru.Cache[string, entry]
	tags  map[string]map[string]bool // tag -> set of "keyspace:tenant:key"
	stats Stats
}

func New(cfg Config, l2 ports.BlobCache, logger *logging.Logger, m *metrics.Metrics) *Cache {
	c := &Cache{cfg: cfg, l2: l2, logger: logger, m: m, l1: make(map[Keyspace]*lru.Cache[string, entry]), tags: make(map[string]map[string]bool)}
	for ks, capacity := range cfg.L1Capacity {
		if capacity <= 0 {
			capacity = 1000
		}
		l, err := lru.New[string, entry](capacity)
		if err != nil {
			l, _ = lru.New[string, entry](1000)
		}
		c.l1[ks] = l
	}
	return c
}

// Key builds the canonical cache key ro:{keyspace}:{tenant}:{sha256(input)}
// over input's canonical-JSON serialization (§4.H).
func Key(keyspace Keyspace, tenant string, input interface{}) (string, error) {
	canonical, err := canonicalJSON(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("ro:%s:%s:%s", keyspace, tenant, hex.EncodeToString(sum[:])), nil
}

func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

func localKey(tenant, key string) string { return tenant + ":" + key }

// Get reads key from L1, falling back to L2 on miss; an L2 hit repopulates
// L1 (§4.H).
func (c *Cache) Get(ctx context.Context, keyspace Keyspace, tenant, key string) ([]byte, bool) {
	start := time.Now()
	defer func() {
		d := time.Since(start)
		c.recordGetLatency(d)
		if c.m != nil {
			c.m.CacheGetDuration.WithLabelValues(string(keyspace)).Observe(d.Seconds())
		}
	}()

	lk := localKey(tenant, key)
	c.mu.Lock()
	l1, ok := c.l1[keyspace]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	if e, found := l1.Get(lk); found && !e.expired() {
		c.mu.Lock()
		c.stats.L1Hits++
		c.mu.Unlock()
		if c.m != nil {
			c.m.CacheHitsTotal.WithLabelValues(string(keyspace), "l1").Inc()
		}
		return e.value, true
	}
	c.mu.Lock()
	c.stats.L1Misses++
	c.mu.Unlock()
	if c.m != nil {
		c.m.CacheMissesTotal.WithLabelValues(string(keyspace), "l1").Inc()
	}

	if c.l2 == nil {
		return nil, false
	}

	fullKey := fmt.Sprintf("%s:%s", keyspace, key)
	value, found, err := c.l2.Get(ctx, fullKey)
	if err != nil || !found {
		c.mu.Lock()
		c.stats.L2Misses++
		c.mu.Unlock()
		if c.m != nil {
			c.m.CacheMissesTotal.WithLabelValues(string(keyspace), "l2").Inc()
		}
		if err != nil {
			c.logger.WithError(err).Warn("cache L2 read failed, treating as miss")
		}
		return nil, false
	}

	c.mu.Lock()
	c.stats.L2Hits++
	c.mu.Unlock()
	if c.m != nil {
		c.m.CacheHitsTotal.WithLabelValues(string(keyspace), "l2").Inc()
	}
	l1.Add(lk, entry{value: value, expiresAt: time.Now().Add(c.cfg.DefaultTTL)})
	return value, true
}

// Set writes value to L2 (if enabled) then L1, tagging the entry for later
// invalidation. L2 failures never block the L1 write (§4.H).
func (c *Cache) Set(ctx context.Context, keyspace Keyspace, tenant, key string, value []byte, ttl time.Duration, tags []string) {
	start := time.Now()
	defer func() {
		d := time.Since(start)
		c.recordSetLatency(d)
		if c.m != nil {
			c.m.CacheSetDuration.WithLabelValues(string(keyspace)).Observe(d.Seconds())
		}
	}()

	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	if c.l2 != nil {
		fullKey := fmt.Sprintf("%s:%s", keyspace, key)
		if err := c.l2.Set(ctx, fullKey, value, int(ttl.Seconds()), tags); err != nil {
			c.logger.WithError(err).Warn("cache L2 write failed, L1 still populated")
		}
	}

	c.mu.Lock()
	l1, ok := c.l1[keyspace]
	c.mu.Unlock()
	if !ok {
		return
	}
	lk := localKey(tenant, key)
	l1.Add(lk, entry{value: value, tags: tags, expiresAt: time.Now().Add(ttl)})

	c.mu.Lock()
	indexKey := string(keyspace) + ":" + lk
	for _, tag := range tags {
		set, ok := c.tags[tag]
		if !ok {
			set = make(map[string]bool)
			c.tags[tag] = set
		}
		set[indexKey] = true
	}
	c.mu.Unlock()
}

func (c *Cache) recordGetLatency(d time.Duration) {
	c.mu.Lock()
	c.stats.totalGetLatency += d
	c.stats.totalGetCount++
	c.mu.Unlock()
}

func (c *Cache) recordSetLatency(d time.Duration) {
	c.mu.Lock()
	c.stats.totalSetLatency += d
	c.stats.totalSetCount++
	c.mu.Unlock()
}

// InvalidateByTags removes every entry that carries at least one of tags,
// across both layers (§4.H).
func (c *Cache) InvalidateByTags(ctx context.Context, tags []string) int {
	removed := 0
	c.mu.Lock()
	toRemove := make(map[string]bool)
	for _, tag := range tags {
		for indexKey := range c.tags[tag] {
			toRemove[indexKey] = true
		}
		delete(c.tags, tag)
	}
	for indexKey := range toRemove {
		ks, lk := splitIndexKey(indexKey)
		if l1, ok := c.l1[Keyspace(ks)]; ok {
			if l1.Remove(lk) {
				removed++
			}
		}
	}
	c.mu.Unlock()

	if c.l2 != nil {
		if n, err := c.l2.DeleteByTags(ctx, tags); err != nil {
			c.logger.WithError(err).Warn("cache L2 tag invalidation failed")
		} else if n > removed {
			removed = n
		}
	}
	if c.m != nil {
		c.m.CacheInvalidations.WithLabelValues("tags").Add(float64(removed))
	}
	return removed
}

// InvalidateTenant removes every entry tagged with the given tenant.
func (c *Cache) InvalidateTenant(ctx context.Context, tenant string) int {
	removed := c.InvalidateByTags(ctx, []string{"tenant:" + tenant})
	if c.l2 != nil {
		if n, err := c.l2.DeleteByTenant(ctx, tenant); err != nil {
			c.logger.WithError(err).Warn("cache L2 tenant invalidation failed")
		} else if n > removed {
			removed = n
		}
	}
	return removed
}

func splitIndexKey(indexKey string) (keyspace, localKey string) {
	for i := 0; i < len(indexKey); i++ {
		if indexKey[i] == ':' {
			return indexKey[:i], indexKey[i+1:]
		}
	}
	return indexKey, ""
}

// Stats returns a snapshot of the accumulated hit/miss/latency counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}
