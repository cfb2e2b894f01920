package router

import "testing"

type stubLink struct {
	linkType     LinkType
	deactivated  bool
}

func (s *stubLink) GetType() LinkType                  { return s.linkType }
func (s *stubLink) LinkState() *RouterLinkState         { return nil }
func (s *stubLink) Side() LinkSide                      { return SideA }
func (s *stubLink) AcceptParcel(Parcel) error           { return nil }
func (s *stubLink) AcceptRouteClosure(SequenceNumber) error { return nil }
func (s *stubLink) AcceptRouteDisconnected() error      { return nil }
func (s *stubLink) MarkSideStable()                     {}
func (s *stubLink) TryLockForBypass(NodeName) bool      { return false }
func (s *stubLink) TryLockForClosure() bool             { return true }
func (s *stubLink) Unlock()                             {}
func (s *stubLink) FlushOtherSideIfWaiting()            {}
func (s *stubLink) CanNodeRequestBypass(NodeName) bool  { return false }
func (s *stubLink) AuthorizeBypass(NodeName) error      { return nil }
func (s *stubLink) SyncRemoteQueueState() (uint64, bool) { return 0, false }
func (s *stubLink) BypassPeer(NodeName, SublinkID) error { return nil }
func (s *stubLink) StopProxying(SequenceNumber, SequenceNumber) error { return nil }
func (s *stubLink) ProxyWillStop(SequenceNumber) error  { return nil }
func (s *stubLink) BypassPeerWithLink(RouterLink, *RouterLinkState, SequenceNumber) error {
	return nil
}
func (s *stubLink) StopProxyingToLocalPeer(SequenceNumber) error { return nil }
func (s *stubLink) LocalPeer() *Router                  { return nil }
func (s *stubLink) AsRemote() *RemoteRouterLink          { return nil }
func (s *stubLink) Deactivate()                          { s.deactivated = true }

func TestRouteEdgeLinkForRoutesToDecayingBelowBoundary(t *testing.T) {
	oldLink := &stubLink{linkType: LinkCentral}
	newLink := &stubLink{linkType: LinkCentral}
	e := NewRouteEdge(oldLink)
	if err := e.BeginPrimaryLinkDecay(); err != nil {
		t.Fatalf("begin decay: %v", err)
	}
	e.SetLengthToDecaying(5)
	e.SetPrimaryLink(newLink)

	link, ok := e.LinkFor(3)
	if !ok || link != oldLink {
		t.Fatalf("expected decaying link below boundary, got %v ok=%v", link, ok)
	}
	link, ok = e.LinkFor(5)
	if !ok || link != newLink {
		t.Fatalf("expected primary link at/above boundary, got %v ok=%v", link, ok)
	}
}

func TestRouteEdgeBeginPrimaryLinkDecay(t *testing.T) {
	l := &stubLink{linkType: LinkCentral}
	e := NewRouteEdge(l)
	if !e.IsStable() {
		t.Fatalf("expected stable before decay")
	}
	if err := e.BeginPrimaryLinkDecay(); err != nil {
		t.Fatalf("begin decay: %v", err)
	}
	if e.IsStable() {
		t.Fatalf("expected unstable during decay")
	}
	if e.HasPrimary() {
		t.Fatalf("expected no primary during decay")
	}
	if err := e.BeginPrimaryLinkDecay(); err != ErrInvalidArgument {
		t.Fatalf("expected second decay rejected, got %v", err)
	}
}

func TestRouteEdgeBeginPrimaryLinkDecayNoPrimary(t *testing.T) {
	e := &RouteEdge{}
	if err := e.BeginPrimaryLinkDecay(); err != ErrFailedPrecondition {
		t.Fatalf("expected failed precondition, got %v", err)
	}
}

func TestRouteEdgeMaybeFinishDecay(t *testing.T) {
	l := &stubLink{linkType: LinkCentral}
	e := NewRouteEdge(l)
	if err := e.BeginPrimaryLinkDecay(); err != nil {
		t.Fatalf("begin decay: %v", err)
	}
	e.SetLengthToDecaying(10)
	e.SetLengthFromDecaying(20)

	if e.MaybeFinishDecay(9, 20) {
		t.Fatalf("expected not finished: sent boundary unmet")
	}
	if e.MaybeFinishDecay(10, 19) {
		t.Fatalf("expected not finished: received boundary unmet")
	}
	if !e.MaybeFinishDecay(10, 20) {
		t.Fatalf("expected finished once both boundaries met")
	}
	if e.HasDecaying() {
		t.Fatalf("expected decaying link cleared")
	}
}
