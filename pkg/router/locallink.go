package router

// LocalRouterLink connects two Routers living in the same process. Every
// operation is a direct call into the peer Router, which takes only its own
// mutex; the link itself never holds both routers' mutexes at once.
type LocalRouterLink struct {
	linkType LinkType
	side     LinkSide
	state    *RouterLinkState // non-nil only for LinkCentral
	peer     *Router
	self     *Router // the owning router; recorded but not read by any method
	deactivated bool
}

// NewLocalRouterLinkPair builds the two ends of a local link at once, since
// each end must reference the other's Router; the caller installs the
// returned links on the two routers' edges.
func NewLocalRouterLinkPair(a, b *Router, lt LinkType, state *RouterLinkState) (aLink, bLink *LocalRouterLink) {
	aLink = &LocalRouterLink{linkType: lt, side: SideA, state: state, peer: b, self: a}
	bLink = &LocalRouterLink{linkType: lt, side: SideB, state: state, peer: a, self: b}
	return aLink, bLink
}

func (l *LocalRouterLink) GetType() LinkType        { return l.linkType }
func (l *LocalRouterLink) LinkState() *RouterLinkState { return l.state }
func (l *LocalRouterLink) Side() LinkSide           { return l.side }
func (l *LocalRouterLink) LocalPeer() *Router       { return l.peer }
func (l *LocalRouterLink) AsRemote() *RemoteRouterLink { return nil }

func (l *LocalRouterLink) AcceptParcel(p Parcel) error {
	if l.deactivated || l.peer == nil {
		return ErrNotFound
	}
	switch l.linkType {
	case LinkPeripheralInward, LinkBridge:
		return l.peer.AcceptOutboundParcel(p)
	default:
		return l.peer.AcceptInboundParcel(p)
	}
}

func (l *LocalRouterLink) AcceptRouteClosure(n SequenceNumber) error {
	if l.deactivated || l.peer == nil {
		return ErrNotFound
	}
	return l.peer.AcceptRouteClosureFrom(l.linkType, n)
}

func (l *LocalRouterLink) AcceptRouteDisconnected() error {
	if l.deactivated || l.peer == nil {
		return nil
	}
	return l.peer.AcceptRouteDisconnectedFrom(l.linkType)
}

func (l *LocalRouterLink) MarkSideStable() {
	if l.state != nil {
		l.state.MarkSideStable(l.side)
	}
}

func (l *LocalRouterLink) TryLockForBypass(src NodeName) bool {
	if l.state == nil {
		return false
	}
	return l.state.TryLockForBypass(l.side, src)
}

func (l *LocalRouterLink) TryLockForClosure() bool {
	if l.state == nil {
		return true
	}
	return l.state.TryLockForClosure(l.side)
}

func (l *LocalRouterLink) Unlock() {
	if l.state != nil {
		l.state.Unlock(l.side)
	}
}

func (l *LocalRouterLink) FlushOtherSideIfWaiting() {
	if l.state == nil || l.peer == nil {
		return
	}
	if l.state.SetWaiting(l.side.Opposite(), false) {
		l.peer.Flush(FlushDefault)
	}
}

func (l *LocalRouterLink) CanNodeRequestBypass(src NodeName) bool {
	if l.state == nil {
		return false
	}
	return l.state.CanNodeRequestBypass(l.side, src)
}

// AuthorizeBypass is a no-op for a local link: both ends already observe the
// same RouterLinkState pointer, so there is nothing separate to warn.
func (l *LocalRouterLink) AuthorizeBypass(NodeName) error { return nil }

// SyncRemoteQueueState reports the peer router's queued inbound parcel
// count. It reads the peer's inboundQueueLen atomic instead of locking the
// peer, since the caller (typically inside its own Flush) may already hold
// its own mutex, and locking the peer here would risk an AB-BA deadlock
// against a peer Flush running concurrently in the other direction.
func (l *LocalRouterLink) SyncRemoteQueueState() (uint64, bool) {
	if l.peer == nil {
		return 0, false
	}
	return uint64(l.peer.inboundQueueLen.Load()), true
}

func (l *LocalRouterLink) BypassPeer(targetNode NodeName, targetSublink SublinkID) error {
	if l.peer == nil {
		return ErrNotFound
	}
	return l.peer.HandleBypassPeer(targetNode, targetSublink)
}

func (l *LocalRouterLink) StopProxying(inLen, outLen SequenceNumber) error {
	if l.peer == nil {
		return ErrNotFound
	}
	return l.peer.HandleStopProxying(inLen, outLen)
}

func (l *LocalRouterLink) ProxyWillStop(inLen SequenceNumber) error {
	if l.peer == nil {
		return ErrNotFound
	}
	return l.peer.HandleProxyWillStop(inLen)
}

func (l *LocalRouterLink) BypassPeerWithLink(newLink RouterLink, state *RouterLinkState, inLen SequenceNumber) error {
	if l.peer == nil {
		return ErrNotFound
	}
	_, err := l.peer.HandleBypassPeerWithLink(newLink, state, inLen)
	return err
}

func (l *LocalRouterLink) StopProxyingToLocalPeer(outLen SequenceNumber) error {
	if l.peer == nil {
		return ErrNotFound
	}
	return l.peer.HandleStopProxyingToLocalPeer(outLen)
}

func (l *LocalRouterLink) Deactivate() {
	l.deactivated = true
	l.peer = nil
	if l.state != nil {
		l.state.Release()
	}
}
