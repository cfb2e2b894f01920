package router

import "sync/atomic"

// Status bits for RouterLinkState. A stable bit is monotonic: once set it
// is never cleared. Lock bits are mutually exclusive across sides.
const (
	statusSideAStable uint32 = 1 << iota
	statusSideBStable
	statusLockedByA
	statusLockedByB
	statusWaitingA
	statusWaitingB
)

func stableBit(s LinkSide) uint32 {
	if s == SideA {
		return statusSideAStable
	}
	return statusSideBStable
}

func lockedBit(s LinkSide) uint32 {
	if s == SideA {
		return statusLockedByA
	}
	return statusLockedByB
}

func waitingBit(s LinkSide) uint32 {
	if s == SideA {
		return statusWaitingA
	}
	return statusWaitingB
}

// RouterLinkState is the record shared by both sides of a central link. In
// a true multi-process deployment it would live in a cross-process shared
// memory fragment (see the sharedmem package); here it is an in-process
// atomic record with the same CAS/ordering discipline so the two
// deployments are interchangeable. All field updates use release/acquire
// ordering pairs: the stability bit is set with release, and the opposite
// side observes it with acquire before deciding to attempt a bypass.
type RouterLinkState struct {
	status         atomic.Uint32
	allowedSource  atomic.Value // NodeName
	frag           fragmentHandle
}

// fragmentHandle is implemented by sharedmem.Fragment; kept as an unexported
// interface here so this package does not import sharedmem for its core
// logic, only for the optional pool-backed allocation path used by
// NodeLink.
type fragmentHandle interface {
	Release()
}

// NewRouterLinkState returns a fresh, unlocked, unstable link state.
func NewRouterLinkState() *RouterLinkState {
	return &RouterLinkState{}
}

// AttachFragment records the pool fragment backing this state, so that
// releasing the link state also releases the fragment's reference count.
func (s *RouterLinkState) AttachFragment(f fragmentHandle) { s.frag = f }

// Release drops the backing fragment's reference, if any. Safe to call
// more than once; only the first call has an effect on the fragment.
func (s *RouterLinkState) Release() {
	if s.frag != nil {
		s.frag.Release()
		s.frag = nil
	}
}

// MarkSideStable sets the stability bit for side with release ordering.
// Once set it is never cleared.
func (s *RouterLinkState) MarkSideStable(side LinkSide) {
	bit := stableBit(side)
	for {
		old := s.status.Load()
		if old&bit != 0 {
			return
		}
		if s.status.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

// IsSideStable reads the stability bit for side with acquire ordering.
func (s *RouterLinkState) IsSideStable(side LinkSide) bool {
	return s.status.Load()&stableBit(side) != 0
}

// BothSidesStable reports whether both sides have gone stable.
func (s *RouterLinkState) BothSidesStable() bool {
	const both = statusSideAStable | statusSideBStable
	return s.status.Load()&both == both
}

// TryLockForBypass attempts to acquire the bypass lock on behalf of side.
// It only succeeds when that side is itself stable and neither side
// currently holds the lock. On success it records the authorized bypass
// requester with release ordering.
func (s *RouterLinkState) TryLockForBypass(side LinkSide, src NodeName) bool {
	if !s.IsSideStable(side) {
		return false
	}
	bit := lockedBit(side)
	const bothLocks = statusLockedByA | statusLockedByB
	for {
		old := s.status.Load()
		if old&bothLocks != 0 {
			return false
		}
		if s.status.CompareAndSwap(old, old|bit) {
			s.allowedSource.Store(src)
			return true
		}
	}
}

// TryLockForClosure reuses the same lock bit to serialize route closure
// against a concurrent bypass attempt from side.
func (s *RouterLinkState) TryLockForClosure(side LinkSide) bool {
	bit := lockedBit(side)
	const bothLocks = statusLockedByA | statusLockedByB
	for {
		old := s.status.Load()
		if old&bothLocks != 0 {
			return false
		}
		if s.status.CompareAndSwap(old, old|bit) {
			return true
		}
	}
}

// Unlock clears the lock bit held by side.
func (s *RouterLinkState) Unlock(side LinkSide) {
	bit := lockedBit(side)
	for {
		old := s.status.Load()
		if old&bit == 0 {
			return
		}
		if s.status.CompareAndSwap(old, old&^bit) {
			return
		}
	}
}

// IsLockedBy reports whether side currently holds the lock, with acquire
// ordering.
func (s *RouterLinkState) IsLockedBy(side LinkSide) bool {
	return s.status.Load()&lockedBit(side) != 0
}

// AllowedBypassSource returns the node name authorized to initiate bypass
// once the link is locked. Only meaningful while IsLockedBy is true for the
// locking side.
func (s *RouterLinkState) AllowedBypassSource() NodeName {
	v, _ := s.allowedSource.Load().(NodeName)
	return v
}

// CanNodeRequestBypass validates a bypass request arriving as if from the
// opposite side: the opposite side must hold the lock, and its recorded
// authorized source must match src.
func (s *RouterLinkState) CanNodeRequestBypass(requestingSide LinkSide, src NodeName) bool {
	other := requestingSide.Opposite()
	return s.IsLockedBy(other) && s.AllowedBypassSource() == src
}

// SetWaiting records that side has parked waiting for the peer to make
// progress; returns the previous value.
func (s *RouterLinkState) SetWaiting(side LinkSide, waiting bool) (previous bool) {
	bit := waitingBit(side)
	for {
		old := s.status.Load()
		previous = old&bit != 0
		var next uint32
		if waiting {
			next = old | bit
		} else {
			next = old &^ bit
		}
		if old == next || s.status.CompareAndSwap(old, next) {
			return previous
		}
	}
}

// IsWaiting reports whether side is currently parked waiting.
func (s *RouterLinkState) IsWaiting(side LinkSide) bool {
	return s.status.Load()&waitingBit(side) != 0
}
