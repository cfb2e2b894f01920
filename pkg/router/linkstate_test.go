package router

import "testing"

func TestRouterLinkStateStableIsMonotonic(t *testing.T) {
	s := NewRouterLinkState()
	if s.IsSideStable(SideA) {
		t.Fatalf("expected unstable initially")
	}
	s.MarkSideStable(SideA)
	if !s.IsSideStable(SideA) {
		t.Fatalf("expected stable after mark")
	}
	s.MarkSideStable(SideA) // idempotent, must not panic or toggle off
	if !s.IsSideStable(SideA) {
		t.Fatalf("expected stable to remain set")
	}
	if s.BothSidesStable() {
		t.Fatalf("expected not both stable yet")
	}
	s.MarkSideStable(SideB)
	if !s.BothSidesStable() {
		t.Fatalf("expected both stable")
	}
}

func TestRouterLinkStateBypassLockMutualExclusion(t *testing.T) {
	s := NewRouterLinkState()
	s.MarkSideStable(SideA)
	s.MarkSideStable(SideB)

	if !s.TryLockForBypass(SideA, "node-1") {
		t.Fatalf("expected A to acquire lock")
	}
	if s.TryLockForBypass(SideB, "node-2") {
		t.Fatalf("expected B to fail while A holds lock")
	}
	if !s.CanNodeRequestBypass(SideB, "node-1") {
		t.Fatalf("expected B to see A's authorized source")
	}
	if s.CanNodeRequestBypass(SideA, "node-1") {
		t.Fatalf("A should not see its own lock as the opposite side's")
	}
	s.Unlock(SideA)
	if s.IsLockedBy(SideA) {
		t.Fatalf("expected unlocked after Unlock")
	}
	if !s.TryLockForBypass(SideB, "node-2") {
		t.Fatalf("expected B to acquire lock after A released")
	}
}

func TestRouterLinkStateBypassRequiresStable(t *testing.T) {
	s := NewRouterLinkState()
	if s.TryLockForBypass(SideA, "node-1") {
		t.Fatalf("expected lock to fail on unstable side")
	}
}

func TestRouterLinkStateWaitingBit(t *testing.T) {
	s := NewRouterLinkState()
	if s.IsWaiting(SideA) {
		t.Fatalf("expected not waiting initially")
	}
	prev := s.SetWaiting(SideA, true)
	if prev {
		t.Fatalf("expected previous value false")
	}
	if !s.IsWaiting(SideA) {
		t.Fatalf("expected waiting set")
	}
	prev = s.SetWaiting(SideA, false)
	if !prev {
		t.Fatalf("expected previous value true")
	}
}

func TestRouterLinkStateReleaseReleasesFragmentOnce(t *testing.T) {
	s := NewRouterLinkState()
	f := &countingFragment{}
	s.AttachFragment(f)
	s.Release()
	s.Release()
	if f.releases != 1 {
		t.Fatalf("expected exactly one release, got %d", f.releases)
	}
}

type countingFragment struct{ releases int }

func (f *countingFragment) Release() { f.releases++ }
