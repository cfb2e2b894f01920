package router

// RouteEdge is a pair (primary link, decaying link) plus the sequence
// number boundaries that divide responsibility between them while a link
// handoff is in progress. Like ParcelQueue, it carries no lock of its own:
// every RouteEdge is a field of Router and is only touched under the
// owning Router's mutex.
type RouteEdge struct {
	primary  RouterLink
	decaying RouterLink

	// lengthToDecaying divides outbound-direction responsibility: sequence
	// numbers below it still belong to the decaying link.
	lengthToDecaying *SequenceNumber
	// lengthFromDecaying divides inbound-direction responsibility: the
	// decaying link is expected to deliver up to (not including) this
	// number before it can be dropped.
	lengthFromDecaying *SequenceNumber
}

// NewRouteEdge returns an edge whose primary link is l (l may be nil,
// meaning retention is required until a link is installed).
func NewRouteEdge(l RouterLink) *RouteEdge {
	return &RouteEdge{primary: l}
}

// PrimaryLink returns the current primary link, or nil.
func (e *RouteEdge) PrimaryLink() RouterLink { return e.primary }

// DecayingLink returns the current decaying link, or nil.
func (e *RouteEdge) DecayingLink() RouterLink { return e.decaying }

// SetPrimaryLink installs l as the primary link. Used when a fresh edge is
// first wired up (e.g. serialization, bypass completion).
func (e *RouteEdge) SetPrimaryLink(l RouterLink) { e.primary = l }

// HasPrimary reports whether a primary link is installed.
func (e *RouteEdge) HasPrimary() bool { return e.primary != nil }

// HasDecaying reports whether a decaying link is installed.
func (e *RouteEdge) HasDecaying() bool { return e.decaying != nil }

// IsStable reports that no decay is in progress on this edge.
func (e *RouteEdge) IsStable() bool { return e.decaying == nil }

// LengthToDecaying and LengthFromDecaying report the current decay
// boundaries, if set.
func (e *RouteEdge) LengthToDecaying() (SequenceNumber, bool) {
	if e.lengthToDecaying == nil {
		return 0, false
	}
	return *e.lengthToDecaying, true
}

func (e *RouteEdge) LengthFromDecaying() (SequenceNumber, bool) {
	if e.lengthFromDecaying == nil {
		return 0, false
	}
	return *e.lengthFromDecaying, true
}

// SetLengthToDecaying and SetLengthFromDecaying fix the decay boundaries
// once they become known from a peer's control message.
func (e *RouteEdge) SetLengthToDecaying(n SequenceNumber) { e.lengthToDecaying = &n }

func (e *RouteEdge) SetLengthFromDecaying(n SequenceNumber) { e.lengthFromDecaying = &n }

// BeginPrimaryLinkDecay moves the primary link into the decaying slot,
// clearing any previously-fixed boundaries. It fails if a decaying link is
// already present or there is no primary to decay.
func (e *RouteEdge) BeginPrimaryLinkDecay() error {
	if e.decaying != nil {
		return ErrInvalidArgument
	}
	if e.primary == nil {
		return ErrFailedPrecondition
	}
	e.decaying = e.primary
	e.primary = nil
	e.lengthToDecaying = nil
	e.lengthFromDecaying = nil
	return nil
}

// LinkFor returns the link that sequence number n must travel over, per the
// decay routing rule: route to the decaying link while its boundary is
// either unknown or not yet reached, otherwise route to the primary link.
// The second return is false only when neither link is available, meaning
// the parcel must be retained until one is.
func (e *RouteEdge) LinkFor(n SequenceNumber) (RouterLink, bool) {
	if e.decaying != nil {
		if e.lengthToDecaying == nil || n < *e.lengthToDecaying {
			return e.decaying, true
		}
	}
	if e.primary != nil {
		return e.primary, true
	}
	return nil, false
}

// MaybeFinishDecay reports whether the decaying link has drained fully in
// both directions -- sent reaching lengthToDecaying and received reaching
// lengthFromDecaying -- and if so, drops it.
func (e *RouteEdge) MaybeFinishDecay(sent, received SequenceNumber) bool {
	if e.decaying == nil {
		return false
	}
	if e.lengthToDecaying == nil || e.lengthFromDecaying == nil {
		return false
	}
	if sent < *e.lengthToDecaying || received < *e.lengthFromDecaying {
		return false
	}
	e.decaying = nil
	e.lengthToDecaying = nil
	e.lengthFromDecaying = nil
	return true
}

// TakeDecayedLink clears and returns the decaying link without checking the
// boundaries, used when an edge is torn down wholesale (disconnect).
func (e *RouteEdge) TakeDecayedLink() RouterLink {
	l := e.decaying
	e.decaying = nil
	e.lengthToDecaying = nil
	e.lengthFromDecaying = nil
	return l
}

// TakePrimaryLink clears and returns the primary link.
func (e *RouteEdge) TakePrimaryLink() RouterLink {
	l := e.primary
	e.primary = nil
	return l
}
