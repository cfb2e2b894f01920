package router

import (
	"testing"
	"time"
)

func TestRouterPairDeliversInOrder(t *testing.T) {
	a, b := NewRouterPair()
	for i := 0; i < 5; i++ {
		if err := a.SendOutboundParcel(Parcel{Data: []byte{byte(i)}}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		p, err := b.GetNextInboundParcel(64, 0, false)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if len(p.Data) != 1 || p.Data[0] != byte(i) {
			t.Fatalf("out of order at %d: got %+v", i, p)
		}
	}
	if _, err := b.GetNextInboundParcel(64, 0, false); err != ErrNotFound && err != ErrUnavailable {
		t.Fatalf("expected empty queue signal, got %v", err)
	}
}

func TestRouterCloseRouteMarksDeadAfterConsumption(t *testing.T) {
	a, b := NewRouterPair()
	if err := a.SendOutboundParcel(Parcel{Data: []byte("x")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	a.CloseRoute()

	if !b.IsPeerClosed() {
		t.Fatalf("expected peer closed observed")
	}
	if b.IsRouteDead() {
		t.Fatalf("expected not dead until queued parcel consumed")
	}
	if _, err := b.GetNextInboundParcel(64, 0, false); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !b.IsRouteDead() {
		t.Fatalf("expected dead once fully consumed")
	}
	if _, err := b.GetNextInboundParcel(64, 0, false); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after closure drained, got %v", err)
	}
}

func TestRouterGetNextInboundResourceExhausted(t *testing.T) {
	a, b := NewRouterPair()
	if err := a.SendOutboundParcel(Parcel{Data: []byte("hello")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := b.GetNextInboundParcel(2, 0, false); err != ErrResourceExhausted {
		t.Fatalf("expected resource exhausted, got %v", err)
	}
	p, err := b.GetNextInboundParcel(2, 0, true)
	if err != nil {
		t.Fatalf("partial get: %v", err)
	}
	if string(p.Data) != "he" {
		t.Fatalf("expected partial data 'he', got %q", p.Data)
	}
	p, err = b.GetNextInboundParcel(64, 0, false)
	if err != nil {
		t.Fatalf("remainder get: %v", err)
	}
	if string(p.Data) != "llo" {
		t.Fatalf("expected remainder 'llo', got %q", p.Data)
	}
}

func TestRouterTwoPhaseGetBeginCommitPairing(t *testing.T) {
	a, b := NewRouterPair()
	if err := a.SendOutboundParcel(Parcel{Data: []byte("abcd")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	data, _, err := b.BeginGetNextInboundParcel()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if string(data) != "abcd" {
		t.Fatalf("expected staged data, got %q", data)
	}
	if _, _, err := b.BeginGetNextInboundParcel(); err != ErrFailedPrecondition {
		t.Fatalf("expected second begin rejected, got %v", err)
	}
	if err := b.CommitGetNextInboundParcel(10, 0); err != ErrOutOfRange {
		t.Fatalf("expected out of range for overclaim, got %v", err)
	}
	if err := b.CommitGetNextInboundParcel(4, 0); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := b.CommitGetNextInboundParcel(0, 0); err != ErrFailedPrecondition {
		t.Fatalf("expected no pending get, got %v", err)
	}
}

func TestRouterTrapFiresOnNonEmptyQueue(t *testing.T) {
	a, b := NewRouterPair()
	fired := make(chan PortalStatus, 1)
	_, satisfied := b.Trap(TrapConditions{Flags: TrapNonEmptyQueue}, func(status PortalStatus, reason TrapUpdateReason, ctx any) {
		fired <- status
	}, nil)
	if satisfied {
		t.Fatalf("expected trap not immediately satisfied on empty queue")
	}
	if err := a.SendOutboundParcel(Parcel{Data: []byte("x")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case status := <-fired:
		if status.QueuedLocalParcels != 1 {
			t.Fatalf("expected queued count 1, got %d", status.QueuedLocalParcels)
		}
	case <-time.After(time.Second):
		t.Fatalf("trap did not fire")
	}
}

func TestRouterTrapSatisfiedImmediately(t *testing.T) {
	a, b := NewRouterPair()
	if err := a.SendOutboundParcel(Parcel{Data: []byte("x")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	status, satisfied := b.Trap(TrapConditions{Flags: TrapNonEmptyQueue}, nil, nil)
	if !satisfied {
		t.Fatalf("expected immediate satisfaction")
	}
	if status.QueuedLocalParcels != 1 {
		t.Fatalf("expected queued count 1, got %d", status.QueuedLocalParcels)
	}
}

func TestRouterMergeRouteRejectsUsedRouters(t *testing.T) {
	a, b := NewRouterPair()
	c, _ := NewRouterPair()
	if err := a.SendOutboundParcel(Parcel{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := a.MergeRoute(c); err != ErrInvalidArgument {
		t.Fatalf("expected merge of used router rejected, got %v", err)
	}
	_ = b
}

func TestRouterMergeRouteConnectsBridgedRoutes(t *testing.T) {
	p1, q1 := NewRouterPair()
	p2, q2 := NewRouterPair()
	if err := q1.MergeRoute(q2); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := p1.SendOutboundParcel(Parcel{Data: []byte("hi")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	p, err := p2.GetNextInboundParcel(64, 0, false)
	if err != nil {
		t.Fatalf("get across bridge: %v", err)
	}
	if string(p.Data) != "hi" {
		t.Fatalf("expected 'hi' across bridge, got %q", p.Data)
	}
}

func TestRouterSendOutboundParcelAfterCloseFails(t *testing.T) {
	a, _ := NewRouterPair()
	a.CloseRoute()
	if err := a.SendOutboundParcel(Parcel{}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after close, got %v", err)
	}
}

// TestRouterSendOutboundParcelAfterPeerCloseFails covers the other half of
// SendOutboundParcel's reject gate: a hasn't closed its own side, but b (the
// peer) has, and its route_closed has already reached a's inbound edge. a
// must refuse to send instead of queuing a parcel nobody on the other end
// will ever read.
func TestRouterSendOutboundParcelAfterPeerCloseFails(t *testing.T) {
	a, b := NewRouterPair()
	b.CloseRoute()
	if err := a.SendOutboundParcel(Parcel{}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound once peer closed, got %v", err)
	}
}

func TestRouterTrapPeerClosedFiresExactlyOnce(t *testing.T) {
	a, b := NewRouterPair()

	fireCount := 0
	fired := make(chan PortalStatus, 1)
	_, satisfied := a.Trap(TrapConditions{Flags: TrapPeerClosed}, func(status PortalStatus, reason TrapUpdateReason, ctx any) {
		fireCount++
		fired <- status
	}, nil)
	if satisfied {
		t.Fatalf("expected trap not immediately satisfied before peer closes")
	}

	b.CloseRoute()

	select {
	case status := <-fired:
		if !status.PeerClosed {
			t.Fatalf("expected peer-closed status on fire")
		}
	case <-time.After(time.Second):
		t.Fatalf("trap did not fire")
	}

	// Further state changes on the now-closed route must not invoke the
	// handler again: it was removed from the trap set on its first firing.
	b.CloseRoute()
	if err := a.SendOutboundParcel(Parcel{Data: []byte("x")}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound once peer closed, got %v", err)
	}
	a.Flush(FlushDefault)

	if fireCount != 1 {
		t.Fatalf("expected handler invoked exactly once, got %d", fireCount)
	}
}

func TestRouterAcceptRouteDisconnectedTerminatesBothSides(t *testing.T) {
	a, b := NewRouterPair()
	if err := a.SendOutboundParcel(Parcel{Data: []byte("x")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := b.AcceptRouteDisconnectedFrom(LinkCentral); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if !b.IsDisconnected() {
		t.Fatalf("expected disconnected")
	}
	if !b.IsRouteDead() {
		t.Fatalf("expected dead after disconnect on terminal router")
	}
}
