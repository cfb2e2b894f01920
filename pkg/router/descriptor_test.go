package router

import "testing"

// fakeSender is a minimal NodeLinkSender that records what was sent instead
// of touching any real transport, for exercising RemoteRouterLink and the
// serialization protocol in isolation.
type fakeSender struct {
	name        NodeName
	nextSublink SublinkID
	removed     []SublinkID
	closed      []SequenceNumber
	registered  map[SublinkID]*Router
}

func (f *fakeSender) NodeName() NodeName { return f.name }
func (f *fakeSender) AllocateSublinkIDs(n int) []SublinkID {
	ids := make([]SublinkID, n)
	for i := range ids {
		f.nextSublink++
		ids[i] = f.nextSublink
	}
	return ids
}
func (f *fakeSender) SendAcceptParcel(SublinkID, Parcel) error                      { return nil }
func (f *fakeSender) SendRouteClosed(sub SublinkID, n SequenceNumber) error {
	f.closed = append(f.closed, n)
	return nil
}
func (f *fakeSender) SendRouteDisconnected(SublinkID) error { return nil }
func (f *fakeSender) SendBypassPeer(SublinkID, NodeName, SublinkID) error { return nil }
func (f *fakeSender) SendAcceptBypassLink(SublinkID, SublinkID, *RouterLinkState, SequenceNumber) error {
	return nil
}
func (f *fakeSender) SendStopProxying(SublinkID, SequenceNumber, SequenceNumber) error { return nil }
func (f *fakeSender) SendProxyWillStop(SublinkID, SequenceNumber) error                { return nil }
func (f *fakeSender) SendBypassPeerWithLink(SublinkID, SublinkID, *RouterLinkState, SequenceNumber) error {
	return nil
}
func (f *fakeSender) SendStopProxyingToLocalPeer(SublinkID, SequenceNumber) error { return nil }
func (f *fakeSender) SendFlushRouter(SublinkID, uint64, bool) error               { return nil }
func (f *fakeSender) SendAuthorizeBypass(SublinkID, NodeName) error               { return nil }
func (f *fakeSender) RemoveRemoteRouterLink(sub SublinkID)                        { f.removed = append(f.removed, sub) }
func (f *fakeSender) AddRemoteRouterLink(sub SublinkID, link RouterLink, r *Router) error {
	if f.registered == nil {
		f.registered = make(map[SublinkID]*Router)
	}
	if _, dup := f.registered[sub]; dup {
		return ErrInvalidArgument
	}
	f.registered[sub] = r
	return nil
}

func TestSerializeNewRouterRejectsProxy(t *testing.T) {
	_, proxy, _ := newLocalProxyChain()
	sender := &fakeSender{name: "far"}
	if _, err := proxy.SerializeNewRouter(sender); err != ErrInvalidArgument {
		t.Fatalf("expected rejection of a proxy, got %v", err)
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	a, b := NewRouterPair()
	if err := a.SendOutboundParcel(Parcel{Data: []byte("one")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := b.GetNextInboundParcel(64, 0, false); err != nil {
		t.Fatalf("get: %v", err)
	}

	sender := &fakeSender{name: "node-b"}
	desc, err := b.SerializeNewRouter(sender)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if desc.NewSublink != 1 {
		t.Fatalf("expected first allocated sublink, got %d", desc.NewSublink)
	}
	if desc.NextOutgoingSequenceNumber != 0 {
		t.Fatalf("expected no outbound traffic yet, got %d", desc.NextOutgoingSequenceNumber)
	}
	if desc.NextIncomingSequenceNumber != 1 {
		t.Fatalf("expected inbound base advanced past the consumed parcel, got %d", desc.NextIncomingSequenceNumber)
	}
	if !b.isProxy() {
		t.Fatalf("expected b to become a proxy-in-waiting after serialization")
	}

	moved := Deserialize(desc, sender)
	if moved.nextOutboundSeq != desc.NextOutgoingSequenceNumber {
		t.Fatalf("expected outbound sequence resumed from descriptor")
	}
	if moved.inbound.CurrentSequenceNumber() != desc.NextIncomingSequenceNumber {
		t.Fatalf("expected inbound base resumed from descriptor")
	}

	// Complete the transfer on the original node: b becomes the middle hop
	// of a three-router route and attempts its own bypass on the resulting
	// force-flush. Its outward peer a is local, so that is a Case B bypass,
	// which leaves the link to the new router's sublink decaying.
	if err := b.BeginProxyingToNewRouter(desc, sender); err != nil {
		t.Fatalf("begin proxying: %v", err)
	}
	if !b.isProxy() {
		t.Fatalf("expected b to remain a proxy pending the far side completing the bypass")
	}
	if l := b.inward.DecayingLink(); l == nil || l.AsRemote() == nil || l.AsRemote().Sublink() != desc.NewSublink {
		t.Fatalf("expected b's inward link to the new router's sublink left decaying by its Case B bypass")
	}
}

func TestSerializeNewRouterCarriesPeerClosure(t *testing.T) {
	a, b := NewRouterPair()
	a.CloseRoute()

	sender := &fakeSender{name: "node-b"}
	desc, err := b.SerializeNewRouter(sender)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if !desc.PeerClosed {
		t.Fatalf("expected descriptor to record the peer closure")
	}

	moved := Deserialize(desc, sender)
	if !moved.IsPeerClosed() {
		t.Fatalf("expected the deserialized router to observe the peer closed")
	}
}
