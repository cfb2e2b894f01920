package router

// NodeLinkSender is the slice of NodeLink that a RemoteRouterLink needs in
// order to turn a Router operation into a wire message. It is defined here,
// not in the nodelink package, so that package can depend on router
// without router depending back on it.
type NodeLinkSender interface {
	// NodeName is the identity of the node this sender transmits to.
	NodeName() NodeName

	SendAcceptParcel(sublink SublinkID, p Parcel) error
	SendRouteClosed(sublink SublinkID, finalLength SequenceNumber) error
	SendRouteDisconnected(sublink SublinkID) error
	SendBypassPeer(sublink SublinkID, targetNode NodeName, targetSublink SublinkID) error
	SendAcceptBypassLink(sublink SublinkID, newSublink SublinkID, state *RouterLinkState, inboundLength SequenceNumber) error
	SendStopProxying(sublink SublinkID, inboundLength, outboundLength SequenceNumber) error
	SendProxyWillStop(sublink SublinkID, inboundLength SequenceNumber) error
	SendBypassPeerWithLink(sublink SublinkID, newSublink SublinkID, state *RouterLinkState, inboundLength SequenceNumber) error
	SendStopProxyingToLocalPeer(sublink SublinkID, outboundLength SequenceNumber) error
	SendFlushRouter(sublink SublinkID, queuedLocalParcels uint64, peerClosed bool) error
	SendAuthorizeBypass(sublink SublinkID, source NodeName) error

	// RemoveRemoteRouterLink deregisters a sublink from the sender's table,
	// severing the reference cycle back to this link.
	RemoveRemoteRouterLink(sublink SublinkID)

	// AllocateSublinkIDs reserves n fresh sublink ids scoped to this sender,
	// for a router that wants to hand a brand new cross-node link to one of
	// its local peers (the case B/C bypass fast path).
	AllocateSublinkIDs(n int) []SublinkID

	// AddRemoteRouterLink registers link at sublink so that a later frame
	// addressed to sublink is dispatched to r.
	AddRemoteRouterLink(sublink SublinkID, link RouterLink, r *Router) error
}

// RemoteRouterLink connects a local Router to a Router on another node,
// addressed by a sublink id scoped to the NodeLinkSender that carries the
// wire traffic. It is the cross-node twin of LocalRouterLink: every
// operation encodes to a message instead of a direct call.
type RemoteRouterLink struct {
	linkType LinkType
	side     LinkSide
	state    *RouterLinkState // non-nil only for LinkCentral
	sublink  SublinkID
	sender   NodeLinkSender

	lastRemoteQueued      uint64
	lastRemoteQueuedKnown bool
	deactivated           bool
}

// NewRemoteRouterLink builds one end of a cross-node link. The far end is
// symmetric and lives in the peer node's own RemoteRouterLink, addressed by
// its own (possibly different) sublink id.
func NewRemoteRouterLink(lt LinkType, side LinkSide, state *RouterLinkState, sublink SublinkID, sender NodeLinkSender) *RemoteRouterLink {
	return &RemoteRouterLink{linkType: lt, side: side, state: state, sublink: sublink, sender: sender}
}

func (l *RemoteRouterLink) GetType() LinkType           { return l.linkType }
func (l *RemoteRouterLink) LinkState() *RouterLinkState { return l.state }
func (l *RemoteRouterLink) Side() LinkSide              { return l.side }
func (l *RemoteRouterLink) LocalPeer() *Router          { return nil }
func (l *RemoteRouterLink) AsRemote() *RemoteRouterLink { return l }
func (l *RemoteRouterLink) Sublink() SublinkID          { return l.sublink }
func (l *RemoteRouterLink) NodeName() NodeName {
	if l.sender == nil {
		return ""
	}
	return l.sender.NodeName()
}

func (l *RemoteRouterLink) AcceptParcel(p Parcel) error {
	if l.deactivated || l.sender == nil {
		return ErrNotFound
	}
	return l.sender.SendAcceptParcel(l.sublink, p)
}

func (l *RemoteRouterLink) AcceptRouteClosure(n SequenceNumber) error {
	if l.deactivated || l.sender == nil {
		return ErrNotFound
	}
	return l.sender.SendRouteClosed(l.sublink, n)
}

func (l *RemoteRouterLink) AcceptRouteDisconnected() error {
	if l.deactivated || l.sender == nil {
		return nil
	}
	return l.sender.SendRouteDisconnected(l.sublink)
}

func (l *RemoteRouterLink) MarkSideStable() {
	if l.state != nil {
		l.state.MarkSideStable(l.side)
	}
}

func (l *RemoteRouterLink) TryLockForBypass(src NodeName) bool {
	if l.state == nil {
		return false
	}
	return l.state.TryLockForBypass(l.side, src)
}

func (l *RemoteRouterLink) TryLockForClosure() bool {
	if l.state == nil {
		return true
	}
	return l.state.TryLockForClosure(l.side)
}

func (l *RemoteRouterLink) Unlock() {
	if l.state != nil {
		l.state.Unlock(l.side)
	}
}

func (l *RemoteRouterLink) FlushOtherSideIfWaiting() {
	if l.state == nil || l.sender == nil {
		return
	}
	if l.state.SetWaiting(l.side.Opposite(), false) {
		_ = l.sender.SendFlushRouter(l.sublink, 0, false)
	}
}

func (l *RemoteRouterLink) CanNodeRequestBypass(src NodeName) bool {
	if l.state == nil {
		return false
	}
	return l.state.CanNodeRequestBypass(l.side, src)
}

func (l *RemoteRouterLink) AuthorizeBypass(src NodeName) error {
	if l.deactivated || l.sender == nil {
		return ErrNotFound
	}
	return l.sender.SendAuthorizeBypass(l.sublink, src)
}

// SyncRemoteQueueState returns the last queue-state we heard about from the
// peer via a flush_router message. Unlike the local variant this cannot
// synchronously peek the peer, so it may be stale or entirely unknown.
func (l *RemoteRouterLink) SyncRemoteQueueState() (uint64, bool) {
	return l.lastRemoteQueued, l.lastRemoteQueuedKnown
}

// ObserveRemoteQueueState records a queue-state update received from the
// peer over the wire (a flush_router message body).
func (l *RemoteRouterLink) ObserveRemoteQueueState(queued uint64) {
	l.lastRemoteQueued = queued
	l.lastRemoteQueuedKnown = true
}

func (l *RemoteRouterLink) BypassPeer(targetNode NodeName, targetSublink SublinkID) error {
	if l.deactivated || l.sender == nil {
		return ErrNotFound
	}
	return l.sender.SendBypassPeer(l.sublink, targetNode, targetSublink)
}

func (l *RemoteRouterLink) StopProxying(inLen, outLen SequenceNumber) error {
	if l.deactivated || l.sender == nil {
		return ErrNotFound
	}
	return l.sender.SendStopProxying(l.sublink, inLen, outLen)
}

func (l *RemoteRouterLink) ProxyWillStop(inLen SequenceNumber) error {
	if l.deactivated || l.sender == nil {
		return ErrNotFound
	}
	return l.sender.SendProxyWillStop(l.sublink, inLen)
}

func (l *RemoteRouterLink) BypassPeerWithLink(newLink RouterLink, state *RouterLinkState, inLen SequenceNumber) error {
	// A RemoteRouterLink cannot hand over a live handle to a link that
	// belongs to a different node; the caller is expected to have already
	// allocated a sublink for newLink on this link's node and to pass its
	// id via BypassPeerWithLink's remote-sublink counterpart instead. This
	// path is only reachable for the local fast path (case B/C) and must
	// not be invoked on a RemoteRouterLink.
	return ErrInvalidArgument
}

// BypassPeerWithRemoteLink is the wire-carrying counterpart used when the
// new link being handed over lives on this link's node, addressed by
// newSublink instead of a live RouterLink handle.
func (l *RemoteRouterLink) BypassPeerWithRemoteLink(newSublink SublinkID, state *RouterLinkState, inLen SequenceNumber) error {
	if l.deactivated || l.sender == nil {
		return ErrNotFound
	}
	return l.sender.SendBypassPeerWithLink(l.sublink, newSublink, state, inLen)
}

func (l *RemoteRouterLink) StopProxyingToLocalPeer(outLen SequenceNumber) error {
	if l.deactivated || l.sender == nil {
		return ErrNotFound
	}
	return l.sender.SendStopProxyingToLocalPeer(l.sublink, outLen)
}

func (l *RemoteRouterLink) Deactivate() {
	if l.deactivated {
		return
	}
	l.deactivated = true
	if l.state != nil {
		l.state.Release()
	}
	if l.sender != nil {
		l.sender.RemoveRemoteRouterLink(l.sublink)
	}
}
