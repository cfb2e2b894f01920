package router

// RouterLink is the polymorphic contract Router uses to talk to whatever
// sits on the other end of one of its edges. It has exactly two concrete
// implementations: LocalRouterLink, which calls the peer Router's Accept*
// methods directly (same process), and RemoteRouterLink, which encodes the
// operation into a wire message carried by a NodeLink.
//
// Implementations must only hold strong references upward, toward the
// NodeLink or the local peer Router; Router holds the strong reference down
// to its links. Deactivate severs the link from its NodeLink's sublink
// table (or drops the local peer pointer), breaking any reference cycle at
// route teardown.
type RouterLink interface {
	// GetType reports this link's role in the route graph.
	GetType() LinkType

	// LinkState returns the shared state record for a central link, or nil
	// for peripheral/bridge links.
	LinkState() *RouterLinkState

	// Side returns which side of a central link this endpoint occupies.
	Side() LinkSide

	// AcceptParcel delivers a parcel to whatever Router sits on the other
	// side of this link.
	AcceptParcel(p Parcel) error

	// AcceptRouteClosure notifies the peer that no sequence number >= n
	// will ever be sent this way again.
	AcceptRouteClosure(n SequenceNumber) error

	// AcceptRouteDisconnected notifies the peer that this link's transport
	// has failed and the route it belongs to must be torn down.
	AcceptRouteDisconnected() error

	// MarkSideStable records, on the shared central-link state, that this
	// side has become stable (no decay in progress, no route mutation
	// pending).
	MarkSideStable()

	// TryLockForBypass attempts to acquire the bypass lock on the central
	// link's shared state on behalf of this side.
	TryLockForBypass(src NodeName) bool

	// TryLockForClosure serializes route closure against a concurrent
	// bypass attempt using the same lock.
	TryLockForClosure() bool

	// Unlock releases a lock this side previously acquired.
	Unlock()

	// FlushOtherSideIfWaiting wakes a peer that previously parked on its
	// waiting bit, if this link is central.
	FlushOtherSideIfWaiting()

	// CanNodeRequestBypass validates that src is authorized to request a
	// bypass, per the shared link state's lock.
	CanNodeRequestBypass(src NodeName) bool

	// AuthorizeBypass pre-authorizes src to complete a Case A bypass with an
	// accept_bypass_link whose sublink need not exist yet. A local link
	// needs no such warning, since both sides already share one
	// RouterLinkState pointer; a remote link forwards it to its peer node.
	AuthorizeBypass(src NodeName) error

	// SyncRemoteQueueState reports the peer's queued-local-parcel count, if
	// known. A local link answers synchronously by peeking the peer
	// Router directly; a remote link answers from the last flush_router
	// message observed, and may report unknown.
	SyncRemoteQueueState() (queued uint64, known bool)

	// BypassPeer asks the router on the other end of this link to
	// establish a direct link to targetNode/targetSublink, bypassing the
	// proxy that owns this link.
	BypassPeer(targetNode NodeName, targetSublink SublinkID) error

	// StopProxying tells a proxy router that it may finish decaying both
	// of its edges once inLen/outLen are reached.
	StopProxying(inLen, outLen SequenceNumber) error

	// ProxyWillStop tells the far neighbor of a proxy that the proxy is
	// decaying and to expect its own inbound edge to finish decaying at
	// inLen.
	ProxyWillStop(inLen SequenceNumber) error

	// BypassPeerWithLink hands the receiving router a ready-made link
	// (local fast path for same-node bypasses) plus the shared state and
	// boundary length needed to complete decay.
	BypassPeerWithLink(newLink RouterLink, state *RouterLinkState, inLen SequenceNumber) error

	// StopProxyingToLocalPeer is the local-peer analogue of StopProxying
	// used in case B/C bypasses.
	StopProxyingToLocalPeer(outLen SequenceNumber) error

	// LocalPeer returns the Router directly reachable through this link,
	// or nil if this link is remote.
	LocalPeer() *Router

	// AsRemote downcasts to *RemoteRouterLink, returning nil for local
	// links. Used only by optimization paths.
	AsRemote() *RemoteRouterLink

	// Deactivate severs this link from its owning collaborator (NodeLink
	// sublink table, or local peer pointer) and releases any attached
	// RouterLinkState fragment.
	Deactivate()
}
