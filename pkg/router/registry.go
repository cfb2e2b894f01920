package router

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// RouteHandle identifies one router owned by a Registry, stable for the
// router's lifetime.
type RouteHandle uint64

type registryEntry struct {
	router *Router
	label  string
}

// Registry tracks every router a node runtime has created or received by
// deserialization, so it can be looked up for inbound serialization
// requests and reported to introspection tooling. It holds no routing
// logic of its own; Router remains authoritative for all route state. A
// registered router is dropped automatically once it goes dead with an
// empty trap set (CloseRoute/disconnect terminal state), via the hook add
// installs.
type Registry struct {
	log *zap.Logger

	mu     sync.RWMutex
	nextID RouteHandle
	routes map[RouteHandle]*registryEntry

	bypassResolver BypassResolver
}

// NewRegistry returns an empty Registry. log may be nil.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{log: log, routes: make(map[RouteHandle]*registryEntry)}
}

// SetBypassResolver installs the resolver every router this Registry adds
// from now on will use to complete a Case A bypass, and backfills it onto
// every router already registered. A node runtime calls this once its
// NodeLink layer is ready, typically before accepting any traffic.
func (reg *Registry) SetBypassResolver(fn BypassResolver) {
	reg.mu.Lock()
	reg.bypassResolver = fn
	entries := make([]*registryEntry, 0, len(reg.routes))
	for _, e := range reg.routes {
		entries = append(entries, e)
	}
	reg.mu.Unlock()

	for _, e := range entries {
		e.router.mu.Lock()
		e.router.bypassResolver = fn
		e.router.mu.Unlock()
	}
}

// NewPair creates a locally-connected pair of terminal routers and
// registers each under its own handle, labeled label:a / label:b.
func (reg *Registry) NewPair(label string) (RouteHandle, RouteHandle) {
	a, b := NewRouterPair()
	return reg.add(a, label+":a"), reg.add(b, label+":b")
}

// NewSingleton creates and registers an unpeered terminal router with no
// outward edge.
func (reg *Registry) NewSingleton(label string) (RouteHandle, *Router) {
	r := NewSingletonRouter()
	return reg.add(r, label), r
}

// Adopt registers an already-constructed router, such as one produced by
// Deserialize, under a fresh handle.
func (reg *Registry) Adopt(r *Router, label string) RouteHandle {
	return reg.add(r, label)
}

func (reg *Registry) add(r *Router, label string) RouteHandle {
	reg.mu.Lock()
	reg.nextID++
	h := reg.nextID
	reg.routes[h] = &registryEntry{router: r, label: label}
	resolver := reg.bypassResolver
	reg.mu.Unlock()

	r.mu.Lock()
	r.registryHook = func(dead *Router) { reg.retire(h, dead) }
	r.bypassResolver = resolver
	r.log = reg.log
	r.mu.Unlock()

	if reg.log != nil {
		reg.log.Debug("route registered", zap.Uint64("handle", uint64(h)), zap.String("label", label))
	}
	return h
}

// retire drops h once its router is confirmed dead with no pending traps,
// matching the precondition CloseRoute and SerializeNewRouter both require
// before a router may be destroyed.
func (reg *Registry) retire(h RouteHandle, r *Router) {
	if !r.IsRouteDead() || r.TrapCount() != 0 {
		return
	}
	reg.mu.Lock()
	delete(reg.routes, h)
	reg.mu.Unlock()
	if reg.log != nil {
		reg.log.Debug("route retired", zap.Uint64("handle", uint64(h)))
	}
}

// Lookup returns the router registered under h, if any.
func (reg *Registry) Lookup(h RouteHandle) (*Router, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	e, ok := reg.routes[h]
	if !ok {
		return nil, false
	}
	return e.router, true
}

// Remove drops h unconditionally, used when a caller tears down a route it
// owns outright rather than waiting for natural termination.
func (reg *Registry) Remove(h RouteHandle) {
	reg.mu.Lock()
	delete(reg.routes, h)
	reg.mu.Unlock()
}

// RouteSnapshot is one row of a Registry.Snapshot listing, for read-only
// in-process route introspection.
type RouteSnapshot struct {
	Handle RouteHandle
	Label  string
	Status PortalStatus
}

// Snapshot returns every registered route's current status, sorted by
// handle for stable output across calls.
func (reg *Registry) Snapshot() []RouteSnapshot {
	reg.mu.RLock()
	handles := make([]RouteHandle, 0, len(reg.routes))
	entries := make(map[RouteHandle]*registryEntry, len(reg.routes))
	for h, e := range reg.routes {
		handles = append(handles, h)
		entries[h] = e
	}
	reg.mu.RUnlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	out := make([]RouteSnapshot, 0, len(handles))
	for _, h := range handles {
		e := entries[h]
		out = append(out, RouteSnapshot{Handle: h, Label: e.label, Status: e.router.QueryStatus()})
	}
	return out
}

// Len reports the number of currently registered routes.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.routes)
}
