package coordinator

import (
	"sync/atomic"

	"github.com/localmcp/mcpd/internal/config"
)

// specStore is an atomic.Value-backed implementation of both
// rpcserver.SpecSource and lifecycle.SpecStore, letting the hot-reload
// path in internal/lifecycle publish a new configuration table that
// internal/rpcserver's connect/query handlers see immediately, without
// either package needing to share a mutex. Per spec.md §3,
// ServerSpec itself is never mutated once created; a reload replaces the
// whole map, so already-running pool entries keep the *config.ServerSpec
// they were created with even after the table moves on.
type specStore struct {
	v atomic.Value // map[string]*config.ServerSpec
}

func newSpecStore(initial map[string]*config.ServerSpec) *specStore {
	s := &specStore{}
	s.SetServers(initial)
	return s
}

// Spec implements rpcserver.SpecSource.
func (s *specStore) Spec(name string) (*config.ServerSpec, bool) {
	spec, ok := s.Servers()[name]
	return spec, ok
}

// Servers implements lifecycle.SpecStore.
func (s *specStore) Servers() map[string]*config.ServerSpec {
	m, _ := s.v.Load().(map[string]*config.ServerSpec)
	return m
}

// SetServers implements lifecycle.SpecStore.
func (s *specStore) SetServers(next map[string]*config.ServerSpec) {
	if next == nil {
		next = map[string]*config.ServerSpec{}
	}
	s.v.Store(next)
}
