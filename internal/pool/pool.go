// Package pool implements the Connection Pool (component D): one live
// AdapterHandle per configured MCP server, created lazily on first
// acquire, reference-counted across concurrent callers, and evicted after
// an idle period or when the pool's size bound is exceeded.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/localmcp/mcpd/internal/adapter"
	"github.com/localmcp/mcpd/internal/config"
)

// maxCreateRetries bounds how many times acquire retries creation after
// finding a Dead entry before giving up.
const maxCreateRetries = 3

// Factory creates a live adapter for spec. Implemented by the daemon
// composition root, which knows how to spawn a subprocess or dial an
// HTTP endpoint depending on spec.Transport.
type Factory interface {
	Create(ctx context.Context, spec *config.ServerSpec) (*adapter.Adapter, error)
}

// entry is one PoolEntry: the live adapter plus its holder accounting.
type entry struct {
	mu sync.Mutex

	name    string
	spec    *config.ServerSpec
	adp     *adapter.Adapter
	holders int

	lastReleasedAt time.Time
	hasReleased    bool

	// initOnce serializes creation of this entry's adapter across
	// concurrent acquirers for the same name — the one deliberate
	// exception to "no lock-holding across suspension points".
	initOnce   sync.Mutex
	createErr  error
	created    bool
}

// Pool owns every live AdapterHandle, keyed by server name.
type Pool struct {
	factory Factory

	mu      sync.Mutex
	entries map[string]*entry

	maxEntries int
	onEvict    func(name string)
}

// New constructs an empty Pool. maxEntries bounds the number of
// simultaneously live entries; 0 means unbounded. onEvict, if non-nil, is
// called (outside any lock) whenever an entry is fully closed, so callers
// can invalidate dependent state such as cache entries for that server.
func New(factory Factory, maxEntries int, onEvict func(name string)) *Pool {
	return &Pool{
		factory:    factory,
		entries:    make(map[string]*entry),
		maxEntries: maxEntries,
		onEvict:    onEvict,
	}
}

// Ref is a held reference to a live adapter. Release must be called
// exactly once.
type Ref struct {
	pool  *Pool
	name  string
	ent   *entry
	adp   *adapter.Adapter
}

// Adapter returns the underlying adapter for issuing calls.
func (r *Ref) Adapter() *adapter.Adapter { return r.adp }

// Release decrements the entry's holder count and, if it reaches zero,
// records the release time that Sweep measures idle eviction from. Safe
// to call exactly once per Ref.
func (r *Ref) Release() {
	r.ent.mu.Lock()
	r.ent.holders--
	if r.ent.holders < 0 {
		// Invariant violation: holders must never go negative. Clamp and
		// let the sweep/test harness surface this rather than corrupting
		// accounting further.
		r.ent.holders = 0
	}
	if r.ent.holders == 0 {
		r.ent.lastReleasedAt = time.Now()
		r.ent.hasReleased = true
	}
	r.ent.mu.Unlock()
}

// ErrUnknownServer is returned when acquiring a name with no ServerSpec.
var ErrUnknownServer = errors.New("pool: unknown server")

// Acquire returns a Ref to a Ready adapter for name, creating it lazily
// if necessary. Concurrent acquires for the same name share one
// creation. Acquire retries up to maxCreateRetries times if it observes a
// Dead entry before giving up.
func (p *Pool) Acquire(ctx context.Context, name string, spec *config.ServerSpec) (*Ref, error) {
	if spec == nil {
		return nil, ErrUnknownServer
	}

	for attempt := 0; attempt < maxCreateRetries; attempt++ {
		ent := p.entryFor(name, spec)

		adp, err := ent.ensureCreated(ctx, p.factory)
		if err != nil {
			p.removeEntry(name, ent)
			return nil, err
		}

		if adp.State() == adapter.StateDead {
			p.removeEntry(name, ent)
			continue
		}

		ent.mu.Lock()
		ent.holders++
		ent.hasReleased = false
		ent.mu.Unlock()

		return &Ref{pool: p, name: name, ent: ent, adp: adp}, nil
	}

	return nil, fmt.Errorf("pool: %s: exceeded retries after repeated dead entries", name)
}

func (p *Pool) entryFor(name string, spec *config.ServerSpec) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ent, ok := p.entries[name]; ok {
		return ent
	}

	if p.maxEntries > 0 && len(p.entries) >= p.maxEntries {
		p.evictLRULocked()
	}

	ent := &entry{name: name, spec: spec}
	p.entries[name] = ent
	return ent
}

// evictLRULocked evicts the entry with the oldest lastReleasedAt among
// entries with zero holders. Must be called with p.mu held. If no entry
// is currently evictable (every entry has holders > 0), it does nothing
// — the new entry is simply allowed to exceed maxEntries rather than
// evicting something still in use, since acquire always wins ties per
// spec.md §4.D.
func (p *Pool) evictLRULocked() {
	var victim *entry
	var victimName string
	var oldest time.Time

	for name, ent := range p.entries {
		ent.mu.Lock()
		evictable := ent.holders == 0 && ent.hasReleased
		releasedAt := ent.lastReleasedAt
		ent.mu.Unlock()
		if !evictable {
			continue
		}
		if victim == nil || releasedAt.Before(oldest) {
			victim = ent
			victimName = name
			oldest = releasedAt
		}
	}

	if victim == nil {
		return
	}
	delete(p.entries, victimName)
	go p.closeEntry(victimName, victim)
}

func (p *Pool) removeEntry(name string, ent *entry) {
	p.mu.Lock()
	if cur, ok := p.entries[name]; ok && cur == ent {
		delete(p.entries, name)
	}
	p.mu.Unlock()
}

func (p *Pool) closeEntry(name string, ent *entry) {
	ent.mu.Lock()
	adp := ent.adp
	ent.mu.Unlock()

	if adp != nil {
		adp.BeginDrain()
		adp.Close()
	}
	if p.onEvict != nil {
		p.onEvict(name)
	}
}

// Sweep evicts every entry with zero holders whose idle duration has
// reached its spec's idle timeout. It is intended to be called
// periodically by the lifecycle controller.
func (p *Pool) Sweep(now time.Time) {
	var toClose []struct {
		name string
		ent  *entry
	}

	p.mu.Lock()
	for name, ent := range p.entries {
		ent.mu.Lock()
		idleFor := now.Sub(ent.lastReleasedAt)
		evictable := ent.holders == 0 && ent.hasReleased && idleFor >= ent.spec.IdleTimeout
		ent.mu.Unlock()
		if evictable {
			delete(p.entries, name)
			toClose = append(toClose, struct {
				name string
				ent  *entry
			}{name, ent})
		}
	}
	p.mu.Unlock()

	for _, c := range toClose {
		p.closeEntry(c.name, c.ent)
	}
}

// Len returns the number of live entries, used by the lifecycle
// controller's idle-shutdown check ("pool is empty").
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// CloseAll drains and closes every entry, used during daemon shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	entries := make(map[string]*entry, len(p.entries))
	for k, v := range p.entries {
		entries[k] = v
	}
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for name, ent := range entries {
		wg.Add(1)
		go func(name string, ent *entry) {
			defer wg.Done()
			p.closeEntry(name, ent)
		}(name, ent)
	}
	wg.Wait()
}

// ensureCreated lazily creates the entry's adapter, serialized per entry
// so concurrent acquirers for the same name share one initialization —
// the pool's one deliberate exception to the no-lock-across-suspension
// rule (spec.md §5).
func (e *entry) ensureCreated(ctx context.Context, factory Factory) (*adapter.Adapter, error) {
	e.initOnce.Lock()
	defer e.initOnce.Unlock()

	if e.created {
		return e.adp, e.createErr
	}

	adp, err := factory.Create(ctx, e.spec)
	e.mu.Lock()
	e.adp = adp
	e.createErr = err
	e.created = true
	e.mu.Unlock()

	return adp, err
}
