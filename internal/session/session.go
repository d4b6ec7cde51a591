// Package session implements the Session Registry (component F): the
// coordinator's bookkeeping for each connected client, its peer-uid
// identity, and the set of pool holders and in-flight requests it must
// own the cleanup of when it disconnects.
//
// A leak here — a holder reference or in-flight request that outlives
// its session — is a correctness bug, not a performance nit: it pins a
// pool entry open or stalls a cancellation forever. See the registry's
// tests for the specific invariant this guards.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/localmcp/mcpd/internal/peercred"
	"github.com/localmcp/mcpd/internal/pool"
)

// Session is one connected client's state: its identity, and the
// resources it currently holds that must be released on disconnect.
type Session struct {
	ID      string
	Peer    peercred.Peer
	mu      sync.Mutex
	refs    map[string]*pool.Ref // by caller-supplied token (rpcserver's connect handle)
	cancels map[string]context.CancelFunc
	closed  bool
}

// Registry tracks every connected session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Open registers a new session for peer and returns it. The caller must
// call Close exactly once when the connection ends.
func (r *Registry) Open(peer peercred.Peer) *Session {
	s := &Session{
		ID:      uuid.NewString(),
		Peer:    peer,
		refs:    make(map[string]*pool.Ref),
		cancels: make(map[string]context.CancelFunc),
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// Lookup returns the session for id, if still connected.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of currently connected sessions, used by the
// lifecycle controller's idle-shutdown check ("active_sessions == 0").
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close releases every pool.Ref and cancels every in-flight request this
// session owns, then removes it from the registry. Safe to call more
// than once; subsequent calls are no-ops.
func (r *Registry) Close(s *Session) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	refs := s.refs
	cancels := s.cancels
	s.refs = nil
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, ref := range refs {
		ref.Release()
	}

	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()
}

// TrackRef records a held pool.Ref under token so it is released if the
// session disconnects before releasing it itself.
func (s *Session) TrackRef(token string, ref *pool.Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		ref.Release()
		return
	}
	s.refs[token] = ref
}

// UntrackRef stops tracking token, called once the session has released
// the ref itself through the normal request-completion path. Returns
// false if the session is already closed, in which case the caller must
// not touch ref again — Close has already released it.
func (s *Session) UntrackRef(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	delete(s.refs, token)
	return true
}

// TrackCancel records cancel under requestID so Cancel or session Close
// can stop the request. Overwrites any previous entry for the same id.
func (s *Session) TrackCancel(requestID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		cancel()
		return
	}
	s.cancels[requestID] = cancel
}

// UntrackCancel removes the cancellation for requestID once the request
// has completed on its own.
func (s *Session) UntrackCancel(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, requestID)
}

// Cancel invokes and removes the cancellation registered for requestID,
// if any. Returns false if no such in-flight request is tracked.
func (s *Session) Cancel(requestID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[requestID]
	if ok {
		delete(s.cancels, requestID)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// RefCount returns the number of pool refs currently tracked by the
// session, exposed for tests asserting the no-leak invariant.
func (s *Session) RefCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refs)
}

// Authorize checks peer against the daemon's access policy. It is a thin
// wrapper so rpcserver can authorize a new connection before Open.
func Authorize(peer peercred.Peer) error {
	return peercred.Authorize(peer)
}
