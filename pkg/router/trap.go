package router

import "go.uber.org/zap"

// TrapFlag is a bitmask of conditions a caller can register interest in.
type TrapFlag uint32

const (
	// TrapNonEmptyQueue fires whenever the local inbound queue holds at
	// least one parcel ready to be consumed.
	TrapNonEmptyQueue TrapFlag = 1 << iota
	// TrapNewParcelCountAboveThreshold fires when the number of queued
	// local parcels exceeds Conditions.MinLocalParcels.
	TrapNewParcelCountAboveThreshold
	// TrapPeerClosed fires once the peer has closed its side of the route.
	TrapPeerClosed
	// TrapDead fires once the route is fully dead (nothing left to
	// deliver, ever).
	TrapDead
	// TrapRemoteQueueBelowThreshold fires when the peer's queued-parcel
	// count, as last observed, drops below Conditions.MaxRemoteParcels.
	// Requires enabling remote queue-state monitoring on the outward
	// central link.
	TrapRemoteQueueBelowThreshold
)

// TrapUpdateReason names why UpdatePortalStatus was called, so a firing
// trap's handler can distinguish "queue grew" from "peer closed" without
// re-deriving it from the status snapshot.
type TrapUpdateReason uint8

const (
	ReasonNewLocalParcel TrapUpdateReason = iota
	ReasonLocalParcelConsumed
	ReasonPeerClosed
	ReasonRemoteStateUpdate
)

// PortalStatus is the observable state a trap condition is evaluated
// against.
type PortalStatus struct {
	PeerClosed          bool
	Dead                bool
	QueuedLocalParcels  uint64
	QueuedLocalBytes    uint64
	RemoteQueuedParcels uint64
	RemoteQueueKnown    bool
}

// TrapConditions is the set of flags plus any thresholds a single trap
// registration cares about.
type TrapConditions struct {
	Flags            TrapFlag
	MinLocalParcels  uint64
	MaxRemoteParcels uint64
}

// Satisfied reports whether status already satisfies any flag in c, so the
// caller of Trap can be told immediately instead of waiting for a future
// update.
func (c TrapConditions) Satisfied(status PortalStatus) bool {
	if c.Flags&TrapNonEmptyQueue != 0 && status.QueuedLocalParcels > 0 {
		return true
	}
	if c.Flags&TrapNewParcelCountAboveThreshold != 0 && status.QueuedLocalParcels > c.MinLocalParcels {
		return true
	}
	if c.Flags&TrapPeerClosed != 0 && status.PeerClosed {
		return true
	}
	if c.Flags&TrapDead != 0 && status.Dead {
		return true
	}
	if c.Flags&TrapRemoteQueueBelowThreshold != 0 && status.RemoteQueueKnown && status.RemoteQueuedParcels < c.MaxRemoteParcels {
		return true
	}
	return false
}

// TrapHandler is invoked by a TrapDispatcher after the router mutex has
// been released, so handlers may safely re-enter the router.
type TrapHandler func(status PortalStatus, reason TrapUpdateReason, ctx any)

type trapEntry struct {
	cond    TrapConditions
	handler TrapHandler
	ctx     any
}

// TrapSet holds pending trap registrations for one Router. Like ParcelQueue
// it has no lock of its own and is only touched under the router mutex.
type TrapSet struct {
	entries []*trapEntry
}

// NewTrapSet returns an empty trap set.
func NewTrapSet() *TrapSet { return &TrapSet{} }

// Len reports the number of pending registrations. CloseRoute and
// SerializeNewRouter both require this to be zero before the router may be
// destroyed.
func (t *TrapSet) Len() int { return len(t.entries) }

// Add installs a new trap registration.
func (t *TrapSet) Add(cond TrapConditions, handler TrapHandler, ctx any) {
	t.entries = append(t.entries, &trapEntry{cond: cond, handler: handler, ctx: ctx})
}

// Clear drops every pending registration without firing it, used by
// CloseRoute and SerializeNewRouter.
func (t *TrapSet) Clear() { t.entries = nil }

// UpdatePortalStatus evaluates every pending trap against status and
// reason. Traps whose condition is now satisfied are removed from the set
// and queued on dispatcher to run once the caller releases the router
// mutex.
func (t *TrapSet) UpdatePortalStatus(status PortalStatus, reason TrapUpdateReason, dispatcher *TrapDispatcher) {
	if len(t.entries) == 0 {
		return
	}
	remaining := t.entries[:0]
	for _, e := range t.entries {
		if e.cond.Satisfied(status) {
			dispatcher.queue(e.handler, status, reason, e.ctx)
			continue
		}
		remaining = append(remaining, e)
	}
	t.entries = remaining
}

type queuedTrap struct {
	handler TrapHandler
	status  PortalStatus
	reason  TrapUpdateReason
	ctx     any
}

// TrapDispatcher accumulates fired traps under the router mutex and runs
// their handlers afterward, forbidding reentrant deadlock. A dispatcher is
// scoped to a single Flush/mutation call.
type TrapDispatcher struct {
	log   *zap.Logger
	fired []queuedTrap
}

func (d *TrapDispatcher) queue(h TrapHandler, status PortalStatus, reason TrapUpdateReason, ctx any) {
	d.fired = append(d.fired, queuedTrap{handler: h, status: status, reason: reason, ctx: ctx})
}

// Dispatch runs every queued handler. It must be called only after the
// router mutex that produced these firings has been released. A panicking
// handler is recovered and logged: trap-handler execution errors are opaque
// to the core, but not silent.
func (d *TrapDispatcher) Dispatch() {
	for _, f := range d.fired {
		runTrap(f, d.log)
	}
	d.fired = nil
}

func runTrap(f queuedTrap, log *zap.Logger) {
	defer func() {
		if rec := recover(); rec != nil && log != nil {
			log.Warn("trap handler panicked", zap.Any("recovered", rec), zap.Uint8("reason", uint8(f.reason)))
		}
	}()
	f.handler(f.status, f.reason, f.ctx)
}
