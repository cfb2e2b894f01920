package router

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Router is the internal representative of a portal, or of a proxy hop
// along a route. Every field below is guarded by mu; nothing on Router may
// be read or written without holding it, and mu must never be held across
// a call into a RouterLink's Accept*/bypass methods, because a local link
// would re-enter this same mutex. Flush is the one place that gathers such
// calls under the lock and executes them after release.
type Router struct {
	mu sync.Mutex

	// outward always points toward the route's destination side. A
	// terminal router has only this edge.
	outward *RouteEdge
	// inward points toward the source side; present only while this
	// Router is acting as a proxy.
	inward *RouteEdge
	// bridge joins two locally-merged routes; present only after a
	// successful MergeRoute.
	bridge *RouteEdge

	outbound *ParcelQueue
	inbound  *ParcelQueue

	// inboundQueueLen mirrors inbound.Len(), updated under mu alongside
	// every push/pop, so LocalRouterLink.SyncRemoteQueueState can report a
	// peer's queue depth without acquiring the peer's mutex from inside a
	// caller that may already hold its own.
	inboundQueueLen atomic.Int64

	nextOutboundSeq SequenceNumber

	peerClosed   bool
	dead         bool
	disconnected bool

	monitorRemoteQueue bool

	// pendingGet tracks an in-flight two-phase inbound get, enforcing
	// Begin/Commit pairing.
	pendingGet *pendingGet

	// pendingBypass tracks a Case A bypass this router authorized as the
	// proxy's inward neighbor, awaiting a live link to the target node.
	pendingBypass *pendingBypassTarget
	// bypassResolving is set while a resolvePendingBypassLocked call is
	// outstanding, so a second Flush racing the first does not dial or send
	// accept_bypass_link twice for the same pendingBypass.
	bypassResolving bool
	// bypassResolver completes a Case A bypass once pendingBypass is set,
	// by reaching the target node and exchanging accept_bypass_link.
	// Installed by whatever owns this node's NodeLinks (see
	// Registry.SetBypassResolver); nil on a router with no node runtime,
	// e.g. every router built directly by the tests in this package.
	bypassResolver BypassResolver

	traps *TrapSet

	// log, if set, receives warnings for recovered trap panics. Installed
	// by Registry.add alongside registryHook.
	log *zap.Logger

	// registryHook, if set, is invoked once this router transitions to
	// dead with an empty trap set, letting a Registry drop its reference.
	registryHook func(*Router)
}

// TrapCount reports the number of pending trap registrations. Registry
// uses this instead of reaching into traps directly so the read is
// properly synchronized against concurrent Trap/Flush/CloseRoute calls.
func (r *Router) TrapCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.traps.Len()
}

func (r *Router) newDispatcher() *TrapDispatcher {
	return &TrapDispatcher{log: r.log}
}

// syncInboundQueueLen refreshes inboundQueueLen from inbound.Len(). Must be
// called under mu after any push, pop, or force-termination of inbound.
func (r *Router) syncInboundQueueLen() {
	r.inboundQueueLen.Store(int64(r.inbound.Len()))
}

type pendingGet struct {
	sequence  SequenceNumber
	dataLen   int
	handleLen int
}

func newRouter() *Router {
	return &Router{
		outbound: NewParcelQueue(),
		inbound:  NewParcelQueue(),
		traps:    NewTrapSet(),
	}
}

// NewRouterPair builds two terminal routers linked by a single local
// central link, as when both endpoints of a route are created together in
// the same process.
func NewRouterPair() (*Router, *Router) {
	a := newRouter()
	b := newRouter()
	state := NewRouterLinkState()
	la, lb := NewLocalRouterLinkPair(a, b, LinkCentral, state)
	a.outward = NewRouteEdge(la)
	b.outward = NewRouteEdge(lb)
	state.MarkSideStable(SideA)
	state.MarkSideStable(SideB)
	return a, b
}

// NewSingletonRouter builds a single terminal router with no peer and no
// outward edge. Deserialize does not use it; it builds its router with
// newRouter and wires the outward edge itself.
func NewSingletonRouter() *Router {
	return newRouter()
}

func (r *Router) isProxy() bool   { return r.inward != nil }
func (r *Router) hasBridge() bool { return r.bridge != nil }

// relayEdge returns whichever of inward/bridge this router uses to forward
// inbound-direction traffic onward, or nil if this router delivers inbound
// parcels to a local consumer instead. The proxy path and MergeRoute's
// bridge are mutually exclusive by construction, so at most one of
// inward/bridge is ever non-nil.
func (r *Router) relayEdge() *RouteEdge {
	if r.inward != nil {
		return r.inward
	}
	return r.bridge
}

func (r *Router) statusSnapshot() PortalStatus {
	return PortalStatus{
		PeerClosed:          r.peerClosed,
		Dead:                r.dead,
		QueuedLocalParcels:  uint64(r.inbound.Len()),
		RemoteQueuedParcels: r.remoteQueuedParcelsLocked(),
		RemoteQueueKnown:    r.remoteQueueKnownLocked(),
	}
}

func (r *Router) remoteQueuedParcelsLocked() uint64 {
	if !r.monitorRemoteQueue || r.outward == nil {
		return 0
	}
	link := r.outward.PrimaryLink()
	if link == nil || link.GetType() != LinkCentral {
		return 0
	}
	n, _ := link.SyncRemoteQueueState()
	return n
}

func (r *Router) remoteQueueKnownLocked() bool {
	if !r.monitorRemoteQueue || r.outward == nil {
		return false
	}
	link := r.outward.PrimaryLink()
	if link == nil || link.GetType() != LinkCentral {
		return false
	}
	_, known := link.SyncRemoteQueueState()
	return known
}

// QueryStatus returns a snapshot of this router's externally-visible
// status.
func (r *Router) QueryStatus() PortalStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusSnapshot()
}

// IsPeerClosed reports whether the peer has closed its side of the route.
// Once true, per I5, it is never cleared.
func (r *Router) IsPeerClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peerClosed
}

// IsRouteDead reports whether the route is fully finished: nothing more
// will ever be delivered. Once true, per I5, it is never cleared.
func (r *Router) IsRouteDead() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dead
}

// HasLocalPeer reports whether this router's outward central link connects
// directly to another Router in this process.
func (r *Router) HasLocalPeer() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outward == nil {
		return false
	}
	link := r.outward.PrimaryLink()
	return link != nil && link.LocalPeer() != nil
}

// SendOutboundParcel assigns the next outbound sequence number to p and
// hands it toward the outward edge. It fails with ErrNotFound once the
// route has been closed locally or the peer is definitively gone.
func (r *Router) SendOutboundParcel(p Parcel) error {
	r.mu.Lock()
	if _, closed := r.outbound.FinalSequenceLength(); closed || r.dead {
		r.mu.Unlock()
		return ErrNotFound
	}
	if _, peerGone := r.inbound.FinalSequenceLength(); peerGone {
		r.mu.Unlock()
		return ErrNotFound
	}

	seq := r.nextOutboundSeq
	r.nextOutboundSeq++
	p.Sequence = seq

	if r.outward.HasPrimary() && r.outbound.MaybeSkipSequenceNumber(seq) {
		link := r.outward.PrimaryLink()
		r.mu.Unlock()
		_ = link.AcceptParcel(p)
		r.Flush(FlushDefault)
		return nil
	}

	_ = r.outbound.Push(seq, p)
	r.mu.Unlock()
	r.Flush(FlushDefault)
	return nil
}

// CloseRoute finalizes the outbound sequence at its current length, clears
// this router's pending traps and flushes. It is idempotent: a second call
// finds the outbound sequence already finalized and is a no-op beyond the
// flush.
func (r *Router) CloseRoute() {
	r.mu.Lock()
	r.outbound.SetFinalSequenceLength(r.nextOutboundSeq)
	r.traps.Clear()
	r.mu.Unlock()
	r.Flush(FlushDefault)
}

// AcceptInboundParcel is called by whatever RouterLink sits on this
// router's outward edge when a parcel arrives from that direction. On a
// terminal router it queues the parcel for local delivery; on a proxy or
// merged terminal it queues for onward relay through the inward/bridge
// edge, performed by the next Flush.
func (r *Router) AcceptInboundParcel(p Parcel) error {
	r.mu.Lock()
	if err := r.inbound.Push(p.Sequence, p); err != nil {
		// A push rejected for being at/beyond an already-finalized
		// sequence is a late or duplicate arrival past closure; I5 still
		// holds, so this is reported as success to the sender.
		r.mu.Unlock()
		return nil
	}
	r.syncInboundQueueLen()

	dispatcher := r.newDispatcher()
	if r.relayEdge() == nil {
		r.traps.UpdatePortalStatus(r.statusSnapshot(), ReasonNewLocalParcel, dispatcher)
	}
	central := r.outward.PrimaryLink() != nil && r.outward.PrimaryLink().GetType() == LinkCentral
	r.mu.Unlock()

	dispatcher.Dispatch()
	if central {
		r.notifyQueueState()
	}
	r.Flush(FlushDefault)
	return nil
}

// AcceptOutboundParcel is called by whatever RouterLink sits on this
// router's inward or bridge edge, forwarding a parcel that must continue
// toward the destination through this router's outward edge. It is only
// meaningful on a proxy or a merged terminal.
func (r *Router) AcceptOutboundParcel(p Parcel) error {
	r.mu.Lock()
	if err := r.outbound.Push(p.Sequence, p); err != nil {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	r.Flush(FlushDefault)
	return nil
}

// AcceptRouteClosureFrom handles a route_closed control message arriving
// on a link of the given type.
func (r *Router) AcceptRouteClosureFrom(lt LinkType, finalLength SequenceNumber) error {
	r.mu.Lock()
	dispatcher := r.newDispatcher()

	switch lt {
	case LinkBridge:
		if !r.acceptRelayClosureLocked(finalLength) {
			r.mu.Unlock()
			return ErrInvalidArgument
		}
		r.bridge = nil
	case LinkPeripheralInward:
		if !r.acceptRelayClosureLocked(finalLength) {
			r.mu.Unlock()
			return ErrInvalidArgument
		}
	default: // LinkCentral or LinkPeripheralOutward: peer-originated
		// closure of their outbound is our inbound.
		if !r.acceptInboundClosureLocked(finalLength) {
			r.mu.Unlock()
			return ErrInvalidArgument
		}
		r.peerClosed = true
		if r.inbound.IsSequenceFullyConsumed() {
			r.dead = true
		}
		r.traps.UpdatePortalStatus(r.statusSnapshot(), ReasonPeerClosed, dispatcher)
	}

	r.mu.Unlock()
	dispatcher.Dispatch()
	r.Flush(FlushDefault)
	return nil
}

// acceptRelayClosureLocked applies finalLength to the outbound sequence,
// which is what a bridge/inward-originated closure finalizes (the flow
// this router relays onward). A repeat that only shortens the sequence
// further is rejected; a repeat equal or larger is silently accepted.
func (r *Router) acceptRelayClosureLocked(finalLength SequenceNumber) bool {
	if r.outbound.SetFinalSequenceLength(finalLength) {
		return true
	}
	f, ok := r.outbound.FinalSequenceLength()
	return ok && finalLength >= f
}

func (r *Router) acceptInboundClosureLocked(finalLength SequenceNumber) bool {
	if r.inbound.SetFinalSequenceLength(finalLength) {
		return true
	}
	f, ok := r.inbound.FinalSequenceLength()
	return ok && finalLength >= f
}

// AcceptRouteDisconnectedFrom handles a transport failure reported on a
// link of the given type: it force-terminates the affected direction,
// marks the route disconnected, steals every remaining link and forwards
// disconnection along each of them.
func (r *Router) AcceptRouteDisconnectedFrom(lt LinkType) error {
	r.mu.Lock()
	r.disconnected = true

	switch lt {
	case LinkBridge, LinkPeripheralInward:
		r.outbound.ForceTerminateSequence()
	default:
		r.inbound.ForceTerminateSequence()
		r.syncInboundQueueLen()
	}

	dispatcher := r.newDispatcher()
	isTerminal := r.relayEdge() == nil
	if isTerminal {
		r.peerClosed = true
		r.dead = true
		r.traps.UpdatePortalStatus(r.statusSnapshot(), ReasonPeerClosed, dispatcher)
	}

	links := r.stealAllLinksLocked()
	r.mu.Unlock()

	dispatcher.Dispatch()
	for _, l := range links {
		_ = l.AcceptRouteDisconnected()
		l.Deactivate()
	}
	return nil
}

// IsDisconnected reports whether this route was torn down by a transport
// failure rather than a graceful close.
func (r *Router) IsDisconnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnected
}

// stealAllLinksLocked clears primary+decaying on every edge this router
// owns and returns them for disconnection forwarding. Caller must hold mu.
func (r *Router) stealAllLinksLocked() []RouterLink {
	var out []RouterLink
	take := func(e *RouteEdge) {
		if e == nil {
			return
		}
		if l := e.TakePrimaryLink(); l != nil {
			out = append(out, l)
		}
		if l := e.TakeDecayedLink(); l != nil {
			out = append(out, l)
		}
	}
	take(r.outward)
	take(r.inward)
	take(r.bridge)
	r.inward = nil
	r.bridge = nil
	return out
}

// notifyQueueState wakes this router's outward central peer through
// FlushOtherSideIfWaiting, so that peer's TrapRemoteQueueBelowThreshold
// registrations can be re-evaluated. It does nothing unless the peer has
// set its waiting bit, and it does not read or send this router's queue
// length itself. It is a best-effort, fire-and-forget notification,
// matching the async philosophy of the core.
func (r *Router) notifyQueueState() {
	r.mu.Lock()
	var link RouterLink
	if r.outward != nil {
		link = r.outward.PrimaryLink()
	}
	r.mu.Unlock()
	if link == nil || link.GetType() != LinkCentral {
		return
	}
	link.FlushOtherSideIfWaiting()
}

// MergeRoute fuses two untouched terminal routers at the same process so
// their outward peers form one logical route, connected by a fresh bridge
// link pair. It is rejected if either router has already carried traffic,
// or already has an inward edge or bridge.
func (r *Router) MergeRoute(other *Router) error {
	unlock := lockRouters(r, other)
	defer unlock()

	if r == other {
		return ErrInvalidArgument
	}
	if !r.untouchedForMergeLocked() || !other.untouchedForMergeLocked() {
		return ErrInvalidArgument
	}

	state := NewRouterLinkState()
	la, lb := NewLocalRouterLinkPair(r, other, LinkBridge, state)
	r.bridge = NewRouteEdge(la)
	other.bridge = NewRouteEdge(lb)
	state.MarkSideStable(SideA)
	state.MarkSideStable(SideB)
	return nil
}

func (r *Router) untouchedForMergeLocked() bool {
	if r.inward != nil || r.bridge != nil {
		return false
	}
	if r.nextOutboundSeq != 0 {
		return false
	}
	if r.inbound.CurrentSequenceNumber() != 0 || r.inbound.Len() != 0 {
		return false
	}
	return true
}

// Trap installs a trap registration. If cond is already satisfied by the
// current status, it returns immediately without installing anything.
// Otherwise the trap is added to the pending set and, for a condition that
// needs remote queue-state visibility, monitoring is enabled on the
// outward central link before a self-poll closes the race between
// enabling monitoring and any state change the peer makes concurrently.
func (r *Router) Trap(cond TrapConditions, handler TrapHandler, ctx any) (immediate PortalStatus, satisfied bool) {
	r.mu.Lock()
	status := r.statusSnapshot()
	if cond.Satisfied(status) {
		r.mu.Unlock()
		return status, true
	}

	needsRemote := cond.Flags&TrapRemoteQueueBelowThreshold != 0
	if needsRemote {
		r.monitorRemoteQueue = true
	}
	r.traps.Add(cond, handler, ctx)
	r.mu.Unlock()

	if needsRemote {
		r.pollRemoteQueueState()
	}
	return PortalStatus{}, false
}

// pollRemoteQueueState re-reads the last-known remote queue state and
// re-evaluates traps against it, closing the race between Trap enabling
// monitoring and a state change the peer made just before or after.
func (r *Router) pollRemoteQueueState() {
	r.mu.Lock()
	dispatcher := r.newDispatcher()
	r.traps.UpdatePortalStatus(r.statusSnapshot(), ReasonRemoteStateUpdate, dispatcher)
	r.mu.Unlock()
	dispatcher.Dispatch()
}

// GetNextInboundParcel is the one-shot receive path. It fails with
// ErrNotFound once the inbound sequence is fully consumed, or
// ErrUnavailable if the next parcel has not arrived yet. If the parcel
// does not fit in the caller's buffers and allowPartial is false, it fails
// with ErrResourceExhausted without consuming anything; if allowPartial is
// true, it consumes as much as fits and leaves the remainder queued at the
// same sequence number for a subsequent call.
func (r *Router) GetNextInboundParcel(maxData, maxHandles int, allowPartial bool) (Parcel, error) {
	r.mu.Lock()
	if r.isProxy() || r.hasBridge() {
		r.mu.Unlock()
		return Parcel{}, ErrFailedPrecondition
	}
	if r.pendingGet != nil {
		r.mu.Unlock()
		return Parcel{}, ErrFailedPrecondition
	}
	if r.inbound.IsSequenceFullyConsumed() {
		r.mu.Unlock()
		return Parcel{}, ErrNotFound
	}
	p, ok := r.inbound.PeekNext()
	if !ok {
		r.mu.Unlock()
		return Parcel{}, ErrUnavailable
	}

	dataN, handleN := len(p.Data), len(p.Handles)
	if !allowPartial && (dataN > maxData || handleN > maxHandles) {
		r.mu.Unlock()
		return Parcel{}, ErrResourceExhausted
	}
	if dataN > maxData {
		dataN = maxData
	}
	if handleN > maxHandles {
		handleN = maxHandles
	}

	out := Parcel{
		Sequence: p.Sequence,
		Data:     append([]byte(nil), p.Data[:dataN]...),
		Handles:  append([]Handle(nil), p.Handles[:handleN]...),
	}

	fullyConsumed := dataN == len(p.Data) && handleN == len(p.Handles)
	dispatcher := r.newDispatcher()
	var central bool
	if fullyConsumed {
		r.inbound.Pop()
		r.syncInboundQueueLen()
		central = r.finishConsumeLocked(dispatcher)
	} else {
		r.inbound.ReplaceHead(Parcel{Sequence: p.Sequence, Data: p.Data[dataN:], Handles: p.Handles[handleN:]})
	}
	r.mu.Unlock()

	dispatcher.Dispatch()
	if central {
		r.notifyQueueState()
	}
	r.Flush(FlushDefault)
	return out, nil
}

// BeginGetNextInboundParcel starts the two-phase, zero-copy receive path:
// it returns a view of the head parcel's data/handles without popping it.
// A single Begin may be outstanding at a time; a second Begin before a
// matching Commit fails with ErrFailedPrecondition.
func (r *Router) BeginGetNextInboundParcel() (data []byte, handles []Handle, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isProxy() || r.hasBridge() {
		return nil, nil, ErrFailedPrecondition
	}
	if r.pendingGet != nil {
		return nil, nil, ErrFailedPrecondition
	}
	if r.inbound.IsSequenceFullyConsumed() {
		return nil, nil, ErrNotFound
	}
	p, ok := r.inbound.PeekNext()
	if !ok {
		return nil, nil, ErrUnavailable
	}
	r.pendingGet = &pendingGet{sequence: p.Sequence, dataLen: len(p.Data), handleLen: len(p.Handles)}
	return p.Data, p.Handles, nil
}

// CommitGetNextInboundParcel finishes a two-phase receive begun by
// BeginGetNextInboundParcel, consuming consumedData bytes and
// consumedHandles handles. It fails with ErrFailedPrecondition if there is
// no matching Begin outstanding, and ErrOutOfRange if the caller claims to
// have consumed more than was staged.
func (r *Router) CommitGetNextInboundParcel(consumedData, consumedHandles int) error {
	r.mu.Lock()
	pg := r.pendingGet
	if pg == nil {
		r.mu.Unlock()
		return ErrFailedPrecondition
	}
	if consumedData > pg.dataLen || consumedHandles > pg.handleLen || consumedData < 0 || consumedHandles < 0 {
		r.mu.Unlock()
		return ErrOutOfRange
	}
	r.pendingGet = nil

	p, ok := r.inbound.PeekNext()
	if !ok || p.Sequence != pg.sequence {
		// The staged parcel disappeared from under us (force-terminated by
		// a disconnect between Begin and Commit); treat the commit as a
		// no-op rather than corrupting the queue.
		r.mu.Unlock()
		return nil
	}

	fullyConsumed := consumedData == pg.dataLen && consumedHandles == pg.handleLen
	dispatcher := r.newDispatcher()
	var central bool
	if fullyConsumed {
		r.inbound.Pop()
		r.syncInboundQueueLen()
		central = r.finishConsumeLocked(dispatcher)
	} else {
		r.inbound.ReplaceHead(Parcel{Sequence: p.Sequence, Data: p.Data[consumedData:], Handles: p.Handles[consumedHandles:]})
	}
	r.mu.Unlock()

	dispatcher.Dispatch()
	if central {
		r.notifyQueueState()
	}
	r.Flush(FlushDefault)
	return nil
}

// finishConsumeLocked updates dead/status after a full parcel pop and
// queues the LocalParcelConsumed trap evaluation. Caller must hold mu. It
// returns whether the outward link is central, so the caller can notify
// the peer's queue-state trap after releasing the lock.
func (r *Router) finishConsumeLocked(dispatcher *TrapDispatcher) bool {
	if r.inbound.IsSequenceFullyConsumed() {
		r.dead = true
	}
	r.traps.UpdatePortalStatus(r.statusSnapshot(), ReasonLocalParcelConsumed, dispatcher)
	return r.outward.PrimaryLink() != nil && r.outward.PrimaryLink().GetType() == LinkCentral
}
