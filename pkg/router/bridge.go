package router

// This file implements the fully-local half of bridge removal: once
// MergeRoute has joined two routers r/partner with a bridge and each side's
// own outward edge is also a local link to a terminal router, the four
// routers collapse into a single direct link between the two terminal
// peers, the same all-local fast path bypass.go uses for a plain proxy's two
// neighbors. A bridge with any remote endpoint on either side is left in
// place: nothing here negotiates a cross-node or mixed-locality handoff for
// it, since collapsing a bridge needs both outward neighbors locked and
// authorized together rather than the single neighbor a plain proxy's Case
// A/B/C negotiates. See DESIGN.md's open questions for this narrowed scope.

// maybeRequestBridgeBypassLocked returns the call that collapses r's bridge
// if r is one half of a fully local, stable merge eligible to be removed
// from its route, or nil otherwise.
func (r *Router) maybeRequestBridgeBypassLocked() func() error {
	if !r.hasBridge() || r.outward == nil {
		return nil
	}
	if !r.outward.IsStable() || !r.bridge.IsStable() {
		return nil
	}
	outLink := r.outward.PrimaryLink()
	bridgeLink := r.bridge.PrimaryLink()
	if outLink == nil || bridgeLink == nil {
		return nil
	}
	if outLink.GetType() != LinkCentral || bridgeLink.GetType() != LinkBridge {
		return nil
	}
	partner := bridgeLink.LocalPeer()
	if partner == nil {
		return nil
	}
	// Only the lower-addressed side drives the collapse, so the two bridge
	// routers' independent Flush calls don't race to attempt it twice.
	if routerAddr(r) > routerAddr(partner) {
		return nil
	}
	return func() error { return collapseBridge(r, partner) }
}

// collapseBridge removes r and partner, the two routers a prior MergeRoute
// joined, from their route, linking their outward peers p1 and p2 directly.
// Every precondition is re-checked from the start under a fresh lock: r's
// own mu, held by maybeRequestBridgeBypassLocked's caller, was released
// before this ran.
func collapseBridge(r, partner *Router) error {
	unlock := lockRouters(r, partner)

	if !r.hasBridge() || !partner.hasBridge() || r.bridge.PrimaryLink() == nil {
		unlock()
		return nil
	}
	if r.bridge.PrimaryLink().LocalPeer() != partner {
		unlock()
		return nil
	}
	if !r.outward.IsStable() || !partner.outward.IsStable() || !r.bridge.IsStable() {
		unlock()
		return nil
	}
	outLink, partnerOutLink := r.outward.PrimaryLink(), partner.outward.PrimaryLink()
	if outLink == nil || partnerOutLink == nil {
		unlock()
		return nil
	}
	if outLink.GetType() != LinkCentral || partnerOutLink.GetType() != LinkCentral {
		unlock()
		return nil
	}
	p1, p2 := outLink.LocalPeer(), partnerOutLink.LocalPeer()
	if p1 == nil || p2 == nil {
		// One of the two outward peers lives on another node; unsupported.
		unlock()
		return nil
	}

	rIn, rOut := r.inbound.CurrentSequenceNumber(), r.nextOutboundSeq
	partnerIn, partnerOut := partner.inbound.CurrentSequenceNumber(), partner.nextOutboundSeq

	if err := r.outward.BeginPrimaryLinkDecay(); err != nil {
		unlock()
		return err
	}
	if err := partner.outward.BeginPrimaryLinkDecay(); err != nil {
		unlock()
		return err
	}
	if err := r.bridge.BeginPrimaryLinkDecay(); err != nil {
		unlock()
		return err
	}
	if err := partner.bridge.BeginPrimaryLinkDecay(); err != nil {
		unlock()
		return err
	}

	r.outward.SetLengthToDecaying(rOut)
	r.outward.SetLengthFromDecaying(rIn)
	r.bridge.SetLengthToDecaying(rIn)
	r.bridge.SetLengthFromDecaying(rOut)

	partner.outward.SetLengthToDecaying(partnerOut)
	partner.outward.SetLengthFromDecaying(partnerIn)
	partner.bridge.SetLengthToDecaying(partnerIn)
	partner.bridge.SetLengthFromDecaying(partnerOut)

	unlock()

	state := NewRouterLinkState()
	newP1, newP2 := NewLocalRouterLinkPair(p1, p2, LinkCentral, state)
	if err := outLink.BypassPeerWithLink(newP1, state, rIn); err != nil {
		return err
	}
	return partnerOutLink.BypassPeerWithLink(newP2, state, partnerOut)
}
