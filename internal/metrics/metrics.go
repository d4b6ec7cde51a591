// Package metrics tracks the coordinator's own operational counters —
// cache hit/miss rates, coalesced waiters, evictions, and per-server
// latency — and renders them as the snapshot returned by the local RPC
// server's get_metrics method.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Registry accumulates process-lifetime counters. All fields are safe for
// concurrent use. The zero value is not usable (its per-server map is
// nil); create a Registry with New.
type Registry struct {
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
	coalesced   atomic.Uint64
	evictions   atomic.Uint64

	mu       sync.Mutex
	perServer map[string]*serverStats
}

type serverStats struct {
	requests   uint64
	errors     uint64
	totalNanos uint64
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{perServer: make(map[string]*serverStats)}
}

// RecordCacheHit increments the cache hit counter.
func (r *Registry) RecordCacheHit() { r.cacheHits.Add(1) }

// RecordCacheMiss increments the cache miss counter.
func (r *Registry) RecordCacheMiss() { r.cacheMisses.Add(1) }

// RecordCoalesced increments the count of requests that joined an
// in-flight call instead of issuing a new one.
func (r *Registry) RecordCoalesced() { r.coalesced.Add(1) }

// RecordEviction increments the count of cache entries evicted for
// capacity, as opposed to expiring by TTL.
func (r *Registry) RecordEviction() { r.evictions.Add(1) }

// RecordRequest records the outcome and latency of a query dispatched to
// an upstream server.
func (r *Registry) RecordRequest(server string, latency time.Duration, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.perServer[server]
	if !ok {
		s = &serverStats{}
		r.perServer[server] = s
	}
	s.requests++
	if failed {
		s.errors++
	}
	s.totalNanos += uint64(latency.Nanoseconds())
}

// ServerSnapshot is the per-server slice of a Snapshot.
type ServerSnapshot struct {
	Server       string        `json:"server"`
	Requests     uint64        `json:"requests"`
	Errors       uint64        `json:"errors"`
	AverageLatency time.Duration `json:"averageLatencyNs"`
}

// Snapshot is the immutable metrics view returned by get_metrics.
type Snapshot struct {
	CacheHits      uint64            `json:"cacheHits"`
	CacheMisses    uint64            `json:"cacheMisses"`
	CacheCoalesced uint64            `json:"cacheCoalesced"`
	CacheEvictions uint64            `json:"cacheEvictions"`
	Servers        []ServerSnapshot `json:"servers"`
}

// Snapshot renders the current counter values. Per-server latency is
// reported as a simple mean; the coordinator does not maintain a
// histogram, since get_metrics is a diagnostic surface, not a monitoring
// pipeline (see the design document's rationale for not wiring an external
// metrics exporter).
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	servers := make([]ServerSnapshot, 0, len(r.perServer))
	for name, s := range r.perServer {
		var avg time.Duration
		if s.requests > 0 {
			avg = time.Duration(s.totalNanos / s.requests)
		}
		servers = append(servers, ServerSnapshot{
			Server:         name,
			Requests:       s.requests,
			Errors:         s.errors,
			AverageLatency: avg,
		})
	}

	return Snapshot{
		CacheHits:      r.cacheHits.Load(),
		CacheMisses:    r.cacheMisses.Load(),
		CacheCoalesced: r.coalesced.Load(),
		CacheEvictions: r.evictions.Load(),
		Servers:        servers,
	}
}
