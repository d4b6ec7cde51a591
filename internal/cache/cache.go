// Package cache implements the Response Cache (component E): a
// fingerprint-keyed, TTL'd, single-flight-coalescing cache of upstream
// MCP responses, bounded by total size with LRU eviction.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/localmcp/mcpd/internal/fingerprint"
	"github.com/localmcp/mcpd/internal/metrics"
)

// Result is a cached or freshly fetched response. Exactly one of Value or
// Err is meaningful.
type Result struct {
	Value json.RawMessage
	Err   error
}

// Fetcher performs the actual upstream call on a cache miss. It is
// invoked at most once per concurrent set of identical requests.
type Fetcher func(ctx context.Context) (json.RawMessage, error)

type cacheEntry struct {
	value     json.RawMessage
	expiresAt time.Time
	size      int64
	elem      *list.Element // position in the LRU list
}

// inflightEntry tracks one upstream fetch shared by every subscriber
// coalesced onto the same (server, fp). The fetch itself runs against a
// context detached from any single subscriber's request — cancelling one
// subscriber must never abort the upstream call for the others (spec.md
// §5, §8 scenario 3). cancel is only invoked once waiters reaches zero,
// propagating a real upstream cancel exactly when the last subscriber
// gives up.
type inflightEntry struct {
	done   chan struct{}
	res    Result
	cancel context.CancelFunc

	mu      sync.Mutex
	waiters int
}

func (inf *inflightEntry) addWaiter() {
	inf.mu.Lock()
	inf.waiters++
	inf.mu.Unlock()
}

// dropWaiter removes the caller from the subscriber count. If it was the
// last remaining subscriber, the shared fetch context is cancelled.
func (inf *inflightEntry) dropWaiter() {
	inf.mu.Lock()
	inf.waiters--
	remaining := inf.waiters
	inf.mu.Unlock()
	if remaining == 0 {
		inf.cancel()
	}
}

// Cache is safe for concurrent use.
type Cache struct {
	mu sync.Mutex

	entries  map[string]map[fingerprint.Fingerprint]*cacheEntry
	inflight map[string]map[fingerprint.Fingerprint]*inflightEntry

	lru        *list.List // of lruKey, most-recently-used at the back
	totalBytes int64
	maxBytes   int64

	defaultTTL time.Duration
	methodTTL  map[string]time.Duration

	metrics *metrics.Registry
}

type lruKey struct {
	server string
	fp     fingerprint.Fingerprint
}

// Config tunes a Cache.
type Config struct {
	DefaultTTL time.Duration
	MaxBytes   int64
	MethodTTL  map[string]time.Duration
}

// New constructs an empty Cache. m may be nil, in which case hit/miss/
// coalesce/eviction counters are not recorded.
func New(cfg Config, m *metrics.Registry) *Cache {
	return &Cache{
		entries:    make(map[string]map[fingerprint.Fingerprint]*cacheEntry),
		inflight:   make(map[string]map[fingerprint.Fingerprint]*inflightEntry),
		lru:        list.New(),
		maxBytes:   cfg.MaxBytes,
		defaultTTL: cfg.DefaultTTL,
		methodTTL:  cfg.MethodTTL,
		metrics:    m,
	}
}

// Get returns a cached value for (server, fp) if present and unexpired.
// Expired entries are removed on read.
func (c *Cache) Get(server string, fp fingerprint.Fingerprint) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byServer, ok := c.entries[server]
	if !ok {
		return nil, false
	}
	ent, ok := byServer[fp]
	if !ok {
		return nil, false
	}
	if time.Now().After(ent.expiresAt) {
		c.removeLocked(server, fp, ent)
		return nil, false
	}
	c.lru.MoveToBack(ent.elem)
	return ent.value, true
}

// Query resolves (server, method, fp) from cache, or coalesces with an
// in-flight identical request, or starts fetch exactly once and caches
// its result under the method's configured TTL. fetch is called with no
// locks held, against a context owned by the inflight entry rather than
// the calling goroutine's ctx — see inflightEntry for why.
func (c *Cache) Query(ctx context.Context, server, method string, fp fingerprint.Fingerprint, fetch Fetcher) (json.RawMessage, error) {
	if v, ok := c.Get(server, fp); ok {
		c.recordHit()
		return v, nil
	}

	c.mu.Lock()
	if byServer, ok := c.inflight[server]; ok {
		if inf, ok := byServer[fp]; ok {
			inf.addWaiter()
			c.mu.Unlock()
			c.recordCoalesced()
			return c.waitInflight(ctx, inf)
		}
	}

	fetchCtx, cancel := context.WithCancel(context.Background())
	inf := &inflightEntry{done: make(chan struct{}), cancel: cancel, waiters: 1}
	if c.inflight[server] == nil {
		c.inflight[server] = make(map[fingerprint.Fingerprint]*inflightEntry)
	}
	c.inflight[server][fp] = inf
	c.mu.Unlock()

	c.recordMiss()

	go func() {
		value, err := fetch(fetchCtx)
		inf.res = Result{Value: value, Err: err}

		c.mu.Lock()
		delete(c.inflight[server], fp)
		if len(c.inflight[server]) == 0 {
			delete(c.inflight, server)
		}
		if err == nil {
			c.insertLocked(server, method, fp, value)
		}
		c.mu.Unlock()

		close(inf.done)
	}()

	return c.waitInflight(ctx, inf)
}

// waitInflight blocks until either the shared fetch completes or the
// caller's own ctx is done. On the caller's own cancellation it drops
// itself from the subscriber count without touching inf.res or inf.done
// — other subscribers, and the fetch itself, are unaffected unless this
// was the last subscriber standing.
func (c *Cache) waitInflight(ctx context.Context, inf *inflightEntry) (json.RawMessage, error) {
	select {
	case <-inf.done:
		return inf.res.Value, inf.res.Err
	case <-ctx.Done():
		inf.dropWaiter()
		return nil, ctx.Err()
	}
}

func (c *Cache) insertLocked(server, method string, fp fingerprint.Fingerprint, value json.RawMessage) {
	ttl := c.defaultTTL
	if override, ok := c.methodTTL[method]; ok {
		ttl = override
	}

	size := int64(len(value))
	ent := &cacheEntry{value: value, expiresAt: time.Now().Add(ttl), size: size}
	ent.elem = c.lru.PushBack(lruKey{server: server, fp: fp})

	if c.entries[server] == nil {
		c.entries[server] = make(map[fingerprint.Fingerprint]*cacheEntry)
	}
	c.entries[server][fp] = ent
	c.totalBytes += size

	c.evictForSpaceLocked()
}

func (c *Cache) evictForSpaceLocked() {
	if c.maxBytes <= 0 {
		return
	}
	for c.totalBytes > c.maxBytes {
		front := c.lru.Front()
		if front == nil {
			return
		}
		key := front.Value.(lruKey)
		ent := c.entries[key.server][key.fp]
		c.removeLocked(key.server, key.fp, ent)
		c.recordEviction()
	}
}

// removeLocked deletes ent from its server's map, the LRU list, and
// updates totalBytes. Must be called with c.mu held.
func (c *Cache) removeLocked(server string, fp fingerprint.Fingerprint, ent *cacheEntry) {
	if ent == nil {
		return
	}
	delete(c.entries[server], fp)
	if len(c.entries[server]) == 0 {
		delete(c.entries, server)
	}
	c.lru.Remove(ent.elem)
	c.totalBytes -= ent.size
}

// InvalidateServer removes every cached entry for server, called when its
// pool entry enters Draining (spec.md §4.E).
func (c *Cache) InvalidateServer(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byServer, ok := c.entries[server]
	if !ok {
		return
	}
	for fp, ent := range byServer {
		c.lru.Remove(ent.elem)
		c.totalBytes -= ent.size
		delete(byServer, fp)
	}
	delete(c.entries, server)
}

// Sweep removes every expired entry across all servers. Intended to be
// called periodically; Get already removes expired entries lazily, so
// Sweep only matters for entries nobody reads again before they'd
// otherwise be evicted for space.
func (c *Cache) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for server, byServer := range c.entries {
		for fp, ent := range byServer {
			if now.After(ent.expiresAt) {
				c.removeLocked(server, fp, ent)
			}
		}
	}
}

// Set explicitly installs a value, used by the local RPC server's
// CacheSet method for advanced clients that want to pre-populate or
// override an entry.
func (c *Cache) Set(server, method string, fp fingerprint.Fingerprint, value json.RawMessage, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl <= 0 {
		ttl = c.defaultTTL
		if override, ok := c.methodTTL[method]; ok {
			ttl = override
		}
	}
	if byServer, ok := c.entries[server]; ok {
		if old, ok := byServer[fp]; ok {
			c.removeLocked(server, fp, old)
		}
	}
	size := int64(len(value))
	ent := &cacheEntry{value: value, expiresAt: time.Now().Add(ttl), size: size}
	ent.elem = c.lru.PushBack(lruKey{server: server, fp: fp})
	if c.entries[server] == nil {
		c.entries[server] = make(map[fingerprint.Fingerprint]*cacheEntry)
	}
	c.entries[server][fp] = ent
	c.totalBytes += size
	c.evictForSpaceLocked()
}

func (c *Cache) recordHit() {
	if c.metrics != nil {
		c.metrics.RecordCacheHit()
	}
}

func (c *Cache) recordMiss() {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss()
	}
}

func (c *Cache) recordCoalesced() {
	if c.metrics != nil {
		c.metrics.RecordCoalesced()
	}
}

func (c *Cache) recordEviction() {
	if c.metrics != nil {
		c.metrics.RecordEviction()
	}
}
