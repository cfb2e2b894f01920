// Package sharedmem models the fragment-backed shared memory region that a
// true cross-process deployment would use to back RouterLinkState: a fixed
// number of fragments, handed out by reference count and returned to a
// free list once every reference releases. It is adapted from the
// project's in-memory sharded key-value store, but guarded by a single
// mutex, with waiters served synchronously from Release, and with
// refcount-based release in place of time-based expiry.
package sharedmem

import "sync"

// Options configures a Pool.
type Options struct {
	// Fragments is the fixed number of fragments the pool can hand out at
	// once, simulating a shared memory region of finite size. Zero means
	// unbounded (fragments are allocated on demand and never queued for).
	Fragments int
}

// Pool hands out reference-counted Fragments. When Fragments is bounded
// and exhausted, TryAllocate reports failure immediately while Allocate
// queues a waiter that is serviced in FIFO order as fragments are
// released.
type Pool struct {
	mu       sync.Mutex
	opts     Options
	free     int
	unbound  bool
	waiters  []func(*Fragment)
	nextID   uint64
	outstand map[uint64]*Fragment
}

// New returns a pool with capacity Fragments (0 = unbounded).
func New(opts Options) *Pool {
	p := &Pool{opts: opts, free: opts.Fragments, unbound: opts.Fragments <= 0, outstand: make(map[uint64]*Fragment)}
	return p
}

// Fragment is one allocation from a Pool, reference counted. Release must
// be called exactly once per reference; the fragment returns to the pool's
// free list only once every reference has released.
type Fragment struct {
	pool *Pool
	id   uint64
	mu   sync.Mutex
	refs int
}

// TryAllocate attempts a non-blocking allocation, returning ok=false if the
// pool is bounded and currently exhausted.
func (p *Pool) TryAllocate() (*Fragment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.unbound {
		if p.free <= 0 {
			return nil, false
		}
		p.free--
	}
	f := p.newFragmentLocked()
	return f, true
}

// Allocate services cb synchronously if a fragment is immediately
// available, or queues it to run once a fragment is released. cb always
// runs exactly once. A caller that has since given up (e.g. the owning
// Router disconnected) should simply Release the fragment without using
// it; there is no cancellation path, matching the fire-and-forget shape of
// the rest of the router's async completions.
func (p *Pool) Allocate(cb func(*Fragment)) {
	p.mu.Lock()
	if p.unbound || p.free > 0 {
		if !p.unbound {
			p.free--
		}
		f := p.newFragmentLocked()
		p.mu.Unlock()
		cb(f)
		return
	}
	p.waiters = append(p.waiters, cb)
	p.mu.Unlock()
}

func (p *Pool) newFragmentLocked() *Fragment {
	p.nextID++
	f := &Fragment{pool: p, id: p.nextID, refs: 1}
	p.outstand[f.id] = f
	return f
}

// ID identifies this fragment for logging/introspection.
func (f *Fragment) ID() uint64 { return f.id }

// Retain adds a reference, used when a fragment is shared between two
// sides of a central link.
func (f *Fragment) Retain() {
	f.mu.Lock()
	f.refs++
	f.mu.Unlock()
}

// Release drops a reference. Once the last reference is released the
// fragment is returned to the pool's free list, and the oldest queued
// waiter (if any) is serviced with a freshly allocated fragment.
func (f *Fragment) Release() {
	f.mu.Lock()
	f.refs--
	done := f.refs <= 0
	f.mu.Unlock()
	if !done {
		return
	}

	p := f.pool
	p.mu.Lock()
	delete(p.outstand, f.id)
	if len(p.waiters) > 0 {
		cb := p.waiters[0]
		p.waiters = p.waiters[1:]
		nf := p.newFragmentLocked()
		p.mu.Unlock()
		cb(nf)
		return
	}
	if !p.unbound {
		p.free++
	}
	p.mu.Unlock()
}

// Outstanding reports the number of fragments currently allocated and not
// yet fully released, for tests and introspection.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outstand)
}
