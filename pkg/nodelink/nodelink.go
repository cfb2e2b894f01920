// Package nodelink is the per-remote-node collaborator a RemoteRouterLink
// calls into: it owns the sublink table, allocates RouterLinkState
// fragments, and turns Router operations into framed wire messages over a
// transport.Session.
package nodelink

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"parcelmesh/pkg/router"
	"parcelmesh/pkg/sharedmem"
	"parcelmesh/pkg/transport"
	"parcelmesh/pkg/xmit"
)

// sublinkEntry pairs a RouterLink with the Router it delivers to, so a
// dispatched frame can be routed by sublink id alone.
type sublinkEntry struct {
	link   router.RouterLink
	router *router.Router
}

// BypassAuthorizer resolves and records pending Case A bypass handoffs,
// keyed by the node expected to complete them. NodeLink calls Authorize
// when it receives authorize_bypass from the proxy, and Resolve when an
// accept_bypass_link arrives from the bypass source, whose sublink id need
// not name an entry in this NodeLink's table. A node runtime backs this with
// a registry shared across every NodeLink it owns, since Resolve's caller is
// a different NodeLink instance than Authorize's.
type BypassAuthorizer interface {
	Authorize(source router.NodeName, link router.RouterLink, r *router.Router)
	Resolve(source router.NodeName) (router.RouterLink, *router.Router, bool)
}

// NodeLink is one per remote node: it multiplexes every sublink-scoped
// route between this node and that peer over a single canonical session.
type NodeLink struct {
	log      *zap.Logger
	nodeName router.NodeName
	sess     transport.Session
	stream   transport.Stream

	mem *sharedmem.Pool

	mu       sync.RWMutex
	sublinks map[router.SublinkID]*sublinkEntry
	nextID   atomic.Uint64

	sched *xmit.Scheduler

	bypass BypassAuthorizer

	closed atomic.Bool
}

// Config bundles NodeLink's dependencies.
type Config struct {
	Logger   *zap.Logger
	NodeName router.NodeName
	Session  transport.Session
	Pool     *sharedmem.Pool
	// Scheduler orders outgoing frames by class (control traffic ahead of
	// bulk parcel data) before they hit the wire. If nil, sends execute
	// synchronously on the calling goroutine with no prioritization.
	Scheduler *xmit.Scheduler
	// Bypass resolves Case A bypass handoffs arriving from the bypass source.
	// If nil, authorize_bypass is a no-op and accept_bypass_link always
	// fails.
	Bypass BypassAuthorizer
}

// New opens the router stream to sess's peer and returns a ready NodeLink.
// The caller is responsible for spawning ReadLoop in a goroutine.
func New(cfg Config) (*NodeLink, error) {
	st, err := cfg.Session.OpenStream(context.Background(), transport.StreamRouter)
	if err != nil {
		return nil, err
	}
	nl := &NodeLink{
		log:      cfg.Logger,
		nodeName: cfg.NodeName,
		sess:     cfg.Session,
		stream:   st,
		mem:      cfg.Pool,
		sublinks: make(map[router.SublinkID]*sublinkEntry),
		sched:    cfg.Scheduler,
		bypass:   cfg.Bypass,
	}
	return nl, nil
}

// NodeName is the identity of the node this NodeLink talks to.
func (nl *NodeLink) NodeName() router.NodeName { return nl.nodeName }

// Memory exposes the fragment pool backing this NodeLink's RouterLinkState
// allocations.
func (nl *NodeLink) Memory() *sharedmem.Pool { return nl.mem }

// AllocateSublinkIDs returns n freshly allocated, monotonically increasing
// sublink ids scoped to this NodeLink.
func (nl *NodeLink) AllocateSublinkIDs(n int) []router.SublinkID {
	out := make([]router.SublinkID, n)
	for i := range out {
		out[i] = router.SublinkID(nl.nextID.Add(1))
	}
	return out
}

// AddRemoteRouterLink registers a new sublink entry, failing if the id is
// already in use.
func (nl *NodeLink) AddRemoteRouterLink(sublink router.SublinkID, link router.RouterLink, r *router.Router) error {
	nl.mu.Lock()
	defer nl.mu.Unlock()
	if _, dup := nl.sublinks[sublink]; dup {
		return router.ErrInvalidArgument
	}
	nl.sublinks[sublink] = &sublinkEntry{link: link, router: r}
	return nil
}

// RemoveRemoteRouterLink deregisters sublink, satisfying
// router.NodeLinkSender.
func (nl *NodeLink) RemoveRemoteRouterLink(sublink router.SublinkID) {
	nl.mu.Lock()
	delete(nl.sublinks, sublink)
	nl.mu.Unlock()
}

// GetSublink looks up the link and router registered for sublink.
func (nl *NodeLink) GetSublink(sublink router.SublinkID) (router.RouterLink, *router.Router, bool) {
	nl.mu.Lock()
	defer nl.mu.Unlock()
	e, ok := nl.sublinks[sublink]
	if !ok {
		return nil, nil, false
	}
	return e.link, e.router, true
}

// Close closes the router stream. Sublinks are expected to have already
// been deactivated via route disconnection; Close does not force that.
func (nl *NodeLink) Close() error {
	if !nl.closed.CompareAndSwap(false, true) {
		return nil
	}
	return nl.stream.Close()
}
