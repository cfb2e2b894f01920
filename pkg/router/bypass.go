package router

// This file implements the proxy-removal protocol: once a proxy's two
// edges are both stable, it asks to be cut out of the route so its two
// neighbors talk directly. The request always originates from the proxy
// (Flush's maybeRequestBypassLocked). In Case A and Case B the proxy first
// takes the bypass lock on the shared RouterLinkState of its outward link
// (Case A also locks its inward link) before either neighbor commits to it;
// the all-local fast path and Case C take no lock.
//
// Case A: the proxy's inward neighbor is a different node than its
// outward neighbor, so completing the bypass requires a fresh link
// carried over the wire. HandleBypassPeer begins decaying the old path
// and authorizes the request; InstallBypassLink, called once the calling
// code (the node's link-establishment layer) has a live sublink to the
// outward neighbor, finishes it.
//
// Case B/C: one of the proxy's two neighbors already lives in this
// process (or both do). The proxy builds the new link's local half itself
// and hands it directly to whichever neighbor is local; the other
// neighbor, if remote, learns about the new sublink via a single
// bypass_peer_with_link message rather than the lock/authorize round trip
// Case A needs.

// HandleBypassPeer runs on the proxy's inward-neighbor Router. It is asked
// to stop routing through the proxy and instead reach targetNode/
// targetSublink directly. The proxy has already locked the shared state of
// the link it used to send this request (via maybeRequestBypassLocked),
// naming targetNode as the authorized bypass source, so r only needs to
// verify that the proxy's lock names targetNode before beginning to decay
// that link while the new path comes up.
func (r *Router) HandleBypassPeer(targetNode NodeName, targetSublink SublinkID) error {
	unlock := lockRouters(r)

	if r.outward == nil || !r.outward.HasPrimary() {
		unlock()
		return ErrFailedPrecondition
	}
	current := r.outward.PrimaryLink()
	if current.GetType() != LinkCentral {
		unlock()
		return ErrFailedPrecondition
	}
	if !current.CanNodeRequestBypass(targetNode) {
		unlock()
		return ErrFailedPrecondition
	}

	if err := r.outward.BeginPrimaryLinkDecay(); err != nil {
		unlock()
		return err
	}
	r.outward.SetLengthToDecaying(r.nextOutboundSeq)
	r.outward.SetLengthFromDecaying(r.inbound.CurrentSequenceNumber())

	r.pendingBypass = &pendingBypassTarget{
		node:          targetNode,
		sublink:       targetSublink,
		inboundLength: r.nextOutboundSeq,
	}
	unlock()

	r.Flush(FlushDefault)
	return nil
}

// pendingBypassTarget records a Case A bypass authorized by HandleBypassPeer
// but not yet completed because the caller has not supplied a live link to
// the target node. inboundLength is the boundary the far side's new link
// must use as its own inLen when it completes the swap, carried verbatim
// from the value this router already computed for its own decaying edge.
type pendingBypassTarget struct {
	node          NodeName
	sublink       SublinkID
	inboundLength SequenceNumber
}

// BypassResolver reaches target (over sublink, if nonzero, or by live handle
// for a local target) and exchanges whatever handshake Case A needs to bring
// up a live RouterLink to it, returning that link once ready. Installed on
// every router a Registry manages via Registry.SetBypassResolver.
type BypassResolver func(r *Router, target NodeName, targetSublink SublinkID, inboundLength SequenceNumber) (RouterLink, error)

// InstallBypassLink completes a Case A bypass previously authorized by
// HandleBypassPeer, once the node's link-establishment layer has a live
// RouterLink reaching the target this router recorded. It fails with
// ErrFailedPrecondition if no bypass is pending.
func (r *Router) InstallBypassLink(link RouterLink) error {
	unlock := lockRouters(r)
	if r.pendingBypass == nil {
		unlock()
		return ErrFailedPrecondition
	}
	r.outward.SetPrimaryLink(link)
	r.pendingBypass = nil
	r.bypassResolving = false
	unlock()

	r.Flush(FlushDefault)
	return nil
}

// resolvePendingBypassLocked returns the call that completes an outstanding
// Case A bypass via bypassResolver, or nil if none is pending, one is
// already being resolved, or this router has no resolver installed (a
// router built directly by a test, with no node runtime behind it). Caller
// must hold mu; the returned call must run after mu is released, since
// bypassResolver may block on I/O.
func (r *Router) resolvePendingBypassLocked() func() error {
	if r.pendingBypass == nil || r.bypassResolving || r.bypassResolver == nil {
		return nil
	}
	r.bypassResolving = true
	target := r.pendingBypass.node
	targetSublink := r.pendingBypass.sublink
	inLen := r.pendingBypass.inboundLength
	resolver := r.bypassResolver
	return func() error {
		link, err := resolver(r, target, targetSublink, inLen)
		if err != nil {
			r.mu.Lock()
			r.bypassResolving = false
			r.mu.Unlock()
			return err
		}
		return r.InstallBypassLink(link)
	}
}

// HandleBypassPeerWithLink is the Case B/C fast path: the proxy hands its
// inward neighbor a ready-made link straight to the outward neighbor,
// along with the shared state both sides will use to coordinate future
// decay, and the inbound-direction boundary at which traffic can safely
// switch over. r decays its current path to the proxy and installs
// newLink as the new primary. It also serves Case A's receiving side (see
// dispatch.go's acceptBypassLink), which needs the returned outbound
// boundary to report back to the proxy via stop_proxying.
func (r *Router) HandleBypassPeerWithLink(newLink RouterLink, state *RouterLinkState, inLen SequenceNumber) (SequenceNumber, error) {
	unlock := lockRouters(r)
	defer unlock()

	if r.outward == nil || !r.outward.HasPrimary() {
		return 0, ErrFailedPrecondition
	}
	if err := r.outward.BeginPrimaryLinkDecay(); err != nil {
		return 0, err
	}
	outLen := r.nextOutboundSeq
	r.outward.SetLengthToDecaying(outLen)
	r.outward.SetLengthFromDecaying(inLen)
	r.outward.SetPrimaryLink(newLink)
	return outLen, nil
}

// HandleStopProxying runs on the relay router itself (a proxy's inward
// neighbor has adopted the bypass, or a bridge collapse has begun), once
// its relay partner has adopted the bypass. It records the boundary each of
// the router's two edges must reach before they may finish decaying and
// drop it from the route entirely. It operates on relayEdge() generically,
// so the same bookkeeping serves a proxy's inward edge and a merged
// router's bridge edge identically, matching how Flush already treats the
// two.
func (r *Router) HandleStopProxying(inLen, outLen SequenceNumber) error {
	unlock := lockRouters(r)
	defer unlock()

	relay := r.relayEdge()
	if relay == nil {
		return ErrFailedPrecondition
	}
	if r.outward.IsStable() {
		if err := r.outward.BeginPrimaryLinkDecay(); err != nil {
			return err
		}
	}
	if relay.IsStable() {
		if err := relay.BeginPrimaryLinkDecay(); err != nil {
			return err
		}
	}
	r.outward.SetLengthToDecaying(outLen)
	r.outward.SetLengthFromDecaying(inLen)
	relay.SetLengthToDecaying(inLen)
	relay.SetLengthFromDecaying(outLen)
	return nil
}

// HandleProxyWillStop runs on the proxy's outward neighbor, warning it that
// the proxy is decaying and that the link reaching it will stop delivering
// once inLen inbound-direction parcels have arrived.
func (r *Router) HandleProxyWillStop(inLen SequenceNumber) error {
	unlock := lockRouters(r)
	defer unlock()

	if r.outward == nil || !r.outward.HasDecaying() {
		return nil
	}
	r.outward.SetLengthFromDecaying(inLen)
	return nil
}

// HandleStopProxyingToLocalPeer runs on the proxy itself at the end of a
// Case B/C bypass: the neighbor that installed the new link calls it through
// its old link to the proxy (over the wire from nodelink's
// installBypassLink, or directly through a LocalRouterLink). It sets outLen
// as the boundary at which the proxy's decaying outward link finishes.
func (r *Router) HandleStopProxyingToLocalPeer(outLen SequenceNumber) error {
	unlock := lockRouters(r)
	defer unlock()

	if r.outward == nil || !r.outward.HasDecaying() {
		return nil
	}
	r.outward.SetLengthToDecaying(outLen)
	return nil
}
