package router

// RouterDescriptor is the wire-transferable snapshot of a terminal Router,
// used to move one end of a route to a new node. It carries just enough
// state for the receiving node to build a Router that continues the
// sequence exactly where the original left off.
type RouterDescriptor struct {
	NewSublink                 SublinkID
	NextOutgoingSequenceNumber SequenceNumber
	NextIncomingSequenceNumber SequenceNumber
	PeerClosed                 bool
	ClosedPeerSequenceLength   SequenceNumber
}

// SublinkAllocator is the slice of a NodeLink that router serialization
// needs: a source of fresh sublink ids scoped to the node the router is
// moving to. Satisfied by *nodelink.NodeLink.
type SublinkAllocator interface {
	AllocateSublinkIDs(n int) []SublinkID
}

// SerializeNewRouter turns r into a proxy-in-waiting: it reserves a sublink
// on alloc for the router that will be deserialized at the far end, clears
// r's traps (a proxy never dispatches local traps), and records the
// sequence-number state the new router must resume from. It fails if r is
// already a proxy or has merged with another route, since only an
// untouched terminal router can be relocated.
func (r *Router) SerializeNewRouter(alloc SublinkAllocator) (RouterDescriptor, error) {
	unlock := lockRouters(r)
	defer unlock()

	if r.isProxy() || r.hasBridge() {
		return RouterDescriptor{}, ErrInvalidArgument
	}

	ids := alloc.AllocateSublinkIDs(1)
	desc := RouterDescriptor{
		NewSublink:                 ids[0],
		NextOutgoingSequenceNumber: r.nextOutboundSeq,
		NextIncomingSequenceNumber: r.inbound.CurrentSequenceNumber(),
	}
	if f, ok := r.inbound.FinalSequenceLength(); ok {
		desc.PeerClosed = true
		desc.ClosedPeerSequenceLength = f
	}

	r.traps.Clear()
	r.inward = NewRouteEdge(nil)
	if desc.PeerClosed {
		// The inward edge has no link yet, so there is nothing to decay;
		// the boundary is recorded on the empty edge now, and
		// BeginProxyingToNewRouter later only attaches the primary link.
		r.inward.SetLengthFromDecaying(desc.ClosedPeerSequenceLength)
	}
	return desc, nil
}

// Deserialize builds the terminal router at the far end of a serialized
// transfer: a fresh Router whose outward link is a peripheral-outward
// remote link addressed by desc.NewSublink, with sequence-number state
// resumed exactly from desc.
func Deserialize(desc RouterDescriptor, sender NodeLinkSender) *Router {
	r := newRouter()
	r.nextOutboundSeq = desc.NextOutgoingSequenceNumber
	r.inbound.base = desc.NextIncomingSequenceNumber

	if desc.PeerClosed {
		r.peerClosed = true
		r.inbound.SetFinalSequenceLength(desc.ClosedPeerSequenceLength)
		if r.inbound.IsSequenceFullyConsumed() {
			r.dead = true
		}
	}

	state := NewRouterLinkState()
	link := NewRemoteRouterLink(LinkPeripheralOutward, SideB, state, desc.NewSublink, sender)
	r.outward = NewRouteEdge(link)
	state.MarkSideStable(SideB)
	return r
}

// BeginProxyingToNewRouter completes the sending side of a transfer: it
// attaches a peripheral-inward remote link (addressed by desc.NewSublink on
// sender) as r's inward edge primary, then flushes with
// FlushForceBypassAttempt so the newly formed three-hop route immediately
// tries to collapse to a direct link.
func (r *Router) BeginProxyingToNewRouter(desc RouterDescriptor, sender NodeLinkSender) error {
	unlock := lockRouters(r)
	if r.inward == nil {
		unlock()
		return ErrFailedPrecondition
	}

	state := NewRouterLinkState()
	link := NewRemoteRouterLink(LinkPeripheralInward, SideA, state, desc.NewSublink, sender)
	r.inward.SetPrimaryLink(link)
	state.MarkSideStable(SideA)
	unlock()

	r.Flush(FlushForceBypassAttempt)
	return nil
}
