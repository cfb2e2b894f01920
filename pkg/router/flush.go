package router

// FlushBehavior tunes what an otherwise-routine Flush also attempts.
type FlushBehavior uint8

const (
	// FlushDefault performs only the reconciliation every mutation needs:
	// draining ready queue contents onto their edges and finishing any
	// decay that has drained.
	FlushDefault FlushBehavior = iota
	// FlushForceBypassAttempt additionally asks a stable, single-link proxy
	// to request its own bypass even though nothing else changed, used
	// after installing a fresh RouterLinkState so a proxy that was created
	// already-bypassable does not wait for unrelated traffic to notice.
	FlushForceBypassAttempt
)

// Flush is the sole place Router reconciles its queues against its edges,
// finishes decay, releases links whose direction has run dry, and looks
// for a fresh bypass opportunity. It must be called with the router mutex
// NOT held: it takes the lock itself, gathers a bounded batch of outgoing
// calls while holding it, releases it, and only then executes those
// calls. This ordering is what lets a local link's Accept* call back into
// a peer Router without the two ever holding overlapping locks for the
// duration of an I/O call, and what makes reentrant Flush calls (an
// Accept* handler triggering another Flush) safe: each invocation only
// ever crosses the mutex boundary once per batch.
func (r *Router) Flush(behavior FlushBehavior) {
	r.mu.Lock()

	var calls []func() error
	dispatcher := r.newDispatcher()

	var (
		outwardLink, inwardLink, bridgeLink RouterLink
		decayingOutward, decayingInward     RouterLink
		outwardDecayed, inwardDecayed       bool
		onCentralLink                       bool
		deadOutward, deadInward, deadBridge RouterLink
		finalOutwardLen, finalInwardLen     SequenceNumber
		haveFinalOutwardLen                 bool
		haveFinalInwardLen                  bool
	)

	if r.outward != nil {
		outwardLink = r.outward.PrimaryLink()
		decayingOutward = r.outward.DecayingLink()
		onCentralLink = outwardLink != nil && outwardLink.GetType() == LinkCentral

		calls = append(calls, r.drainOutboundLocked()...)
		if r.outward.MaybeFinishDecay(r.nextOutboundSeq, r.inbound.CurrentSequenceNumber()) {
			outwardDecayed = true
		}
	}

	if r.inward != nil {
		inwardLink = r.inward.PrimaryLink()
		decayingInward = r.inward.DecayingLink()

		calls = append(calls, r.drainInboundRelayLocked(r.inward)...)
		if r.inward.MaybeFinishDecay(r.inbound.CurrentSequenceNumber(), r.outbound.CurrentSequenceNumber()) {
			inwardDecayed = true
		}
	} else if r.bridge != nil {
		bridgeLink = r.bridge.PrimaryLink()
		if bridgeLink == nil {
			bridgeLink = r.bridge.DecayingLink()
		}
		calls = append(calls, r.drainInboundRelayLocked(r.bridge)...)
	}

	if r.bridge != nil {
		if r.bridge.MaybeFinishDecay(r.inbound.CurrentSequenceNumber(), r.outbound.CurrentSequenceNumber()) {
			// A bridge has either a primary or a decaying link, never
			// both; once its one link fully decays there is nothing left
			// on it at all, so the bridge edge itself is dropped rather
			// than left stable-but-empty.
			r.bridge = nil
		}
	}

	if outwardDecayed {
		l := decayingOutward
		calls = append(calls, func() error { l.Deactivate(); return nil })
	}
	if inwardDecayed {
		l := decayingInward
		calls = append(calls, func() error { l.Deactivate(); return nil })
	}

	// If we just dropped the last of our decaying links, our outward link
	// may now be stable on both sides. This may unblock a bypass attempt
	// that a peer already has queued up behind this link's lock.
	inwardEdgeStable := decayingInward == nil || inwardDecayed
	outwardEdgeStable := outwardLink != nil && (decayingOutward == nil || outwardDecayed)
	bothEdgesStable := inwardEdgeStable && outwardEdgeStable
	eitherLinkDecayed := inwardDecayed || outwardDecayed
	droppedLastDecayingLink := false
	if onCentralLink && eitherLinkDecayed && bothEdgesStable {
		l := outwardLink
		calls = append(calls, func() error { l.MarkSideStable(); return nil })
		droppedLastDecayingLink = true
	}

	if onCentralLink && r.outbound.IsSequenceFullyConsumed() && outwardLink.TryLockForClosure() {
		// Notify the other end of the route that this end is closed, and
		// drop both the outward and (below) the inward link: there are no
		// more outbound parcels to send outward, and no destination left
		// for anything forwarded inbound.
		if f, ok := r.outbound.FinalSequenceLength(); ok {
			finalOutwardLen, haveFinalOutwardLen = f, true
		}
		deadOutward = r.outward.TakePrimaryLink()
	} else if r.outward != nil && !r.inbound.ExpectsMoreElements() {
		// The other end of the route is gone and we've received
		// everything it sent; the outward link is simply dropped.
		deadOutward = r.outward.TakePrimaryLink()
	}

	if r.inbound.IsSequenceFullyConsumed() {
		// We won't receive anything new from our peer, and if we're a
		// proxy or bridge we've already forwarded everything we had.
		// Propagate closure onward and drop whichever link relayed it.
		if f, ok := r.inbound.FinalSequenceLength(); ok {
			finalInwardLen, haveFinalInwardLen = f, true
		}
		if r.inward != nil {
			deadInward = r.inward.TakePrimaryLink()
		} else if r.bridge != nil || bridgeLink != nil {
			deadBridge = bridgeLink
			r.bridge = nil
		}
	}

	if call := r.maybeRequestBridgeBypassLocked(); call != nil {
		calls = append(calls, call)
	}

	if deadOutward != nil {
		l, length, haveLen := deadOutward, finalOutwardLen, haveFinalOutwardLen
		calls = append(calls, func() error {
			if haveLen {
				_ = l.AcceptRouteClosure(length)
			}
			l.Deactivate()
			return nil
		})
	}
	if deadInward != nil {
		l, length, haveLen := deadInward, finalInwardLen, haveFinalInwardLen
		calls = append(calls, func() error {
			if haveLen {
				_ = l.AcceptRouteClosure(length)
			}
			l.Deactivate()
			return nil
		})
	}
	if deadBridge != nil {
		l, length, haveLen := deadBridge, finalInwardLen, haveFinalInwardLen
		calls = append(calls, func() error {
			if haveLen {
				_ = l.AcceptRouteClosure(length)
			}
			l.Deactivate()
			return nil
		})
	}

	// Once the outward link is gone, or this was never a central link to
	// begin with, there is no further bypass work this router could ever
	// initiate.
	if deadOutward == nil && onCentralLink && (droppedLastDecayingLink || behavior == FlushForceBypassAttempt) {
		attempted := false
		if inwardLink != nil {
			if call := r.maybeRequestBypassLocked(); call != nil {
				calls = append(calls, call)
				attempted = true
			}
		}
		if !attempted && outwardLink != nil {
			l := outwardLink
			calls = append(calls, func() error { l.FlushOtherSideIfWaiting(); return nil })
		}
	}

	if call := r.resolvePendingBypassLocked(); call != nil {
		calls = append(calls, call)
	}

	r.traps.UpdatePortalStatus(r.statusSnapshot(), ReasonRemoteStateUpdate, dispatcher)

	hook, dead := r.registryHook, r.dead
	r.mu.Unlock()

	for _, call := range calls {
		_ = call()
	}
	dispatcher.Dispatch()

	if dead && hook != nil {
		hook(r)
	}
}

// drainOutboundLocked pops every outbound parcel that is ready to be sent
// and whose target link is known, in sequence order, returning the I/O
// calls to perform once the lock is released.
func (r *Router) drainOutboundLocked() []func() error {
	var calls []func() error
	for {
		p, ok := r.outbound.PeekNext()
		if !ok {
			break
		}
		link, ok := r.outward.LinkFor(p.Sequence)
		if !ok {
			break
		}
		r.outbound.Pop()
		l := link
		parcel := p
		calls = append(calls, func() error { return l.AcceptParcel(parcel) })
	}
	return calls
}

// drainInboundRelayLocked forwards inbound-direction parcels this router is
// proxying or bridging onward through edge. A terminal router with no relay
// edge never calls this; its inbound queue is drained by the receive API
// instead.
func (r *Router) drainInboundRelayLocked(edge *RouteEdge) []func() error {
	var calls []func() error
	for {
		p, ok := r.inbound.PeekNext()
		if !ok {
			break
		}
		link, ok := edge.LinkFor(p.Sequence)
		if !ok {
			break
		}
		r.inbound.Pop()
		r.syncInboundQueueLen()
		l := link
		parcel := p
		calls = append(calls, func() error { return l.AcceptParcel(parcel) })
	}
	return calls
}

// maybeRequestBypassLocked returns the call that removes this router from
// its route if it is a stable, unlocked, single-hop proxy eligible to
// request its own bypass, or nil otherwise. It picks between the all-local
// fast path, Case B/C's mixed-locality fast path, and Case A's cross-node
// negotiation depending on which of the proxy's two neighbors, if any,
// live in this process.
func (r *Router) maybeRequestBypassLocked() func() error {
	if !r.isProxy() || r.hasBridge() {
		return nil
	}
	if !r.outward.IsStable() || !r.inward.IsStable() {
		return nil
	}
	outLink := r.outward.PrimaryLink()
	inLink := r.inward.PrimaryLink()
	if outLink == nil || inLink == nil {
		return nil
	}
	if outLink.GetType() != LinkCentral {
		return nil
	}

	pPeer, qPeer := inLink.LocalPeer(), outLink.LocalPeer()
	if pPeer != nil && qPeer != nil {
		return r.bypassWithLocalLinkLocked(inLink, outLink, pPeer, qPeer)
	}

	outRemote, inRemote := outLink.AsRemote(), inLink.AsRemote()

	if qPeer != nil && inRemote != nil {
		// Case B: outward peer local, inward peer remote. The proxy locks
		// its outward link for the bypass first.
		if !outLink.TryLockForBypass(inRemote.NodeName()) {
			return nil
		}
		call := r.bypassToLocalOutwardPeerLocked(inRemote, qPeer)
		if call == nil {
			outLink.Unlock()
		}
		return call
	}
	if pPeer != nil && outRemote != nil {
		// Case C: inward peer local, outward peer remote.
		return r.bypassToLocalInwardPeerLocked(pPeer, outRemote)
	}

	if outRemote == nil || inRemote == nil {
		// Neither neighbor is a Router this process knows about nor a
		// RemoteRouterLink (e.g. a peripheral test stub); nothing more to
		// attempt.
		return nil
	}
	targetNode := outRemote.NodeName()
	inwardNode := inRemote.NodeName()

	if !inLink.TryLockForBypass(targetNode) {
		return nil
	}
	if !outLink.TryLockForBypass(inwardNode) {
		inLink.Unlock()
		return nil
	}
	l := inLink
	sub := outLink
	return func() error {
		if err := sub.AuthorizeBypass(inwardNode); err != nil {
			return err
		}
		return l.BypassPeer(targetNode, sublinkOf(sub))
	}
}

// bypassWithLocalLinkLocked implements the all-local fast path: both of this
// proxy's neighbors already live in this process, so instead of negotiating
// a bypass over the wire the proxy builds a fresh central link between them
// directly and pushes one end to each, then begins decaying its own two
// edges the same way HandleStopProxying would once a Case A negotiation
// completed.
func (r *Router) bypassWithLocalLinkLocked(inLink, outLink RouterLink, pPeer, qPeer *Router) func() error {
	state := NewRouterLinkState()
	newP, newQ := NewLocalRouterLinkPair(pPeer, qPeer, LinkCentral, state)
	inLen := r.inbound.CurrentSequenceNumber()
	outLen := r.nextOutboundSeq
	return func() error {
		if err := inLink.BypassPeerWithLink(newP, state, inLen); err != nil {
			return err
		}
		if err := outLink.BypassPeerWithLink(newQ, state, outLen); err != nil {
			return err
		}
		return r.HandleStopProxying(inLen, outLen)
	}
}

// bypassToLocalOutwardPeerLocked implements Case B: this proxy's outward
// peer (qPeer) already lives in this process but its inward peer is remote,
// reached over inRemote. R allocates a fresh sublink on inRemote's node link
// and builds a new RemoteRouterLink for it there, then hands that link
// straight to qPeer - no wire round trip is needed on the local side, since R
// can just call qPeer directly. The inward peer must be told about the new
// sublink before qPeer starts sending on it, so the remote side always knows
// where to route the first message; the returned call performs the two
// steps in that order. Mirrors ipcz's Router::StartSelfBypassToLocalPeer.
func (r *Router) bypassToLocalOutwardPeerLocked(inRemote *RemoteRouterLink, qPeer *Router) func() error {
	sender := inRemote.sender
	if sender == nil {
		return nil
	}
	ids := sender.AllocateSublinkIDs(1)
	if len(ids) != 1 {
		return nil
	}
	newSublink := ids[0]
	state := NewRouterLinkState()
	inLen := r.inbound.CurrentSequenceNumber()
	outLen := r.nextOutboundSeq
	return func() error {
		newLink := NewRemoteRouterLink(LinkCentral, SideA, state, newSublink, sender)
		if err := sender.AddRemoteRouterLink(newSublink, newLink, qPeer); err != nil {
			return err
		}
		if err := inRemote.BypassPeerWithRemoteLink(newSublink, state, inLen); err != nil {
			return err
		}
		if _, err := qPeer.HandleBypassPeerWithLink(newLink, state, outLen); err != nil {
			return err
		}
		return r.HandleStopProxying(inLen, outLen)
	}
}

// bypassToLocalInwardPeerLocked implements Case C, the mirror of Case B:
// this proxy's inward peer (pPeer) lives in this process but its outward
// peer is remote, reached over outRemote. The steps are the same as Case B
// with the two peers swapped.
func (r *Router) bypassToLocalInwardPeerLocked(pPeer *Router, outRemote *RemoteRouterLink) func() error {
	sender := outRemote.sender
	if sender == nil {
		return nil
	}
	ids := sender.AllocateSublinkIDs(1)
	if len(ids) != 1 {
		return nil
	}
	newSublink := ids[0]
	state := NewRouterLinkState()
	inLen := r.inbound.CurrentSequenceNumber()
	outLen := r.nextOutboundSeq
	return func() error {
		newLink := NewRemoteRouterLink(LinkCentral, SideA, state, newSublink, sender)
		if err := sender.AddRemoteRouterLink(newSublink, newLink, pPeer); err != nil {
			return err
		}
		if err := outRemote.BypassPeerWithRemoteLink(newSublink, state, outLen); err != nil {
			return err
		}
		if _, err := pPeer.HandleBypassPeerWithLink(newLink, state, inLen); err != nil {
			return err
		}
		return r.HandleStopProxying(inLen, outLen)
	}
}

// sublinkOf extracts the sublink id addressing a link for a bypass request,
// or zero for a local link (whose recipient will resolve the target by
// live handle instead, via BypassPeerWithLink).
func sublinkOf(l RouterLink) SublinkID {
	if remote := l.AsRemote(); remote != nil {
		return remote.Sublink()
	}
	return 0
}
