package router

import "testing"

// newLocalProxyChain builds three terminal-shaped routers p - proxy - q,
// each edge a stable central local link, matching how a route looks right
// after a portal has been relayed through one intermediate hop.
func newLocalProxyChain() (p, proxy, q *Router) {
	p = newRouter()
	proxy = newRouter()
	q = newRouter()

	inState := NewRouterLinkState()
	pLink, proxyInLink := NewLocalRouterLinkPair(p, proxy, LinkCentral, inState)
	p.outward = NewRouteEdge(pLink)
	proxy.inward = NewRouteEdge(proxyInLink)
	inState.MarkSideStable(SideA)
	inState.MarkSideStable(SideB)

	outState := NewRouterLinkState()
	proxyOutLink, qLink := NewLocalRouterLinkPair(proxy, q, LinkCentral, outState)
	proxy.outward = NewRouteEdge(proxyOutLink)
	q.outward = NewRouteEdge(qLink)
	outState.MarkSideStable(SideA)
	outState.MarkSideStable(SideB)

	return p, proxy, q
}

func TestRouterBypassLocalFastPathCollapsesProxy(t *testing.T) {
	p, proxy, q := newLocalProxyChain()

	proxy.Flush(FlushForceBypassAttempt)

	pLink := p.outward.PrimaryLink()
	if pLink == nil || pLink.LocalPeer() != q {
		t.Fatalf("expected p's outward link to point directly at q, got %+v", pLink)
	}
	qLink := q.outward.PrimaryLink()
	if qLink == nil || qLink.LocalPeer() != p {
		t.Fatalf("expected q's outward link to point directly at p, got %+v", qLink)
	}
	if proxy.outward.IsStable() || proxy.inward.IsStable() {
		t.Fatalf("expected both of the proxy's edges to be decaying")
	}

	if err := p.SendOutboundParcel(Parcel{Data: []byte("direct")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := q.GetNextInboundParcel(64, 0, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Data) != "direct" {
		t.Fatalf("expected parcel delivered over the bypassed link, got %q", got.Data)
	}
}

func TestRouterBypassChainsTwoLocalFastPathBypassesInARow(t *testing.T) {
	p := newRouter()
	proxy1 := newRouter()
	proxy2 := newRouter()
	q := newRouter()

	stateA := NewRouterLinkState()
	pLink, proxy1InLink := NewLocalRouterLinkPair(p, proxy1, LinkCentral, stateA)
	p.outward = NewRouteEdge(pLink)
	proxy1.inward = NewRouteEdge(proxy1InLink)
	stateA.MarkSideStable(SideA)
	stateA.MarkSideStable(SideB)

	stateB := NewRouterLinkState()
	proxy1OutLink, proxy2InLink := NewLocalRouterLinkPair(proxy1, proxy2, LinkCentral, stateB)
	proxy1.outward = NewRouteEdge(proxy1OutLink)
	proxy2.inward = NewRouteEdge(proxy2InLink)
	stateB.MarkSideStable(SideA)
	stateB.MarkSideStable(SideB)

	stateC := NewRouterLinkState()
	proxy2OutLink, qLink := NewLocalRouterLinkPair(proxy2, q, LinkCentral, stateC)
	proxy2.outward = NewRouteEdge(proxy2OutLink)
	q.outward = NewRouteEdge(qLink)
	stateC.MarkSideStable(SideA)
	stateC.MarkSideStable(SideB)

	// Collapse proxy2 first, splicing proxy1 directly to q. The link this
	// produces starts out unstable on both sides: nothing has marked it
	// stable yet, only decay completion does that (Flush step 6).
	proxy2.Flush(FlushForceBypassAttempt)

	splicedLink := proxy1.outward.PrimaryLink()
	if splicedLink == nil || splicedLink.LocalPeer() != q {
		t.Fatalf("expected proxy1's outward link to point directly at q, got %+v", splicedLink)
	}
	if q.outward.PrimaryLink() == nil || q.outward.PrimaryLink().LocalPeer() != proxy1 {
		t.Fatalf("expected q's outward link to point directly at proxy1")
	}
	splicedState := splicedLink.LinkState()
	if splicedState.BothSidesStable() {
		t.Fatalf("expected freshly spliced link not yet stable on either side")
	}

	// Flushing proxy1 finishes decaying its old link to proxy2, which marks
	// proxy1's side of the freshly spliced link stable (Flush step 6). A
	// proxy that just dropped its last decaying link retries its own bypass
	// immediately, without needing FlushForceBypassAttempt, so this single
	// call also drives the second bypass: proxy1 collapses itself and
	// splices p directly to q. Without the step 6 fix this second collapse
	// would never fire on a plain FlushDefault call and the route would be
	// left stuck at p -> proxy1 -> q.
	proxy1.Flush(FlushDefault)

	if !splicedState.IsSideStable(SideA) {
		t.Fatalf("expected proxy1's side of the spliced link marked stable once its decay finished")
	}

	pLinkNow := p.outward.PrimaryLink()
	if pLinkNow == nil || pLinkNow.LocalPeer() != q {
		t.Fatalf("expected p's outward link to point directly at q, got %+v", pLinkNow)
	}
	qLinkNow := q.outward.PrimaryLink()
	if qLinkNow == nil || qLinkNow.LocalPeer() != p {
		t.Fatalf("expected q's outward link to point directly at p, got %+v", qLinkNow)
	}

	if err := p.SendOutboundParcel(Parcel{Data: []byte("chained")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := q.GetNextInboundParcel(64, 0, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Data) != "chained" {
		t.Fatalf("expected parcel delivered over the twice-bypassed link, got %q", got.Data)
	}
}

func TestRouterBypassLocalFastPathNoOpWithoutBothLocalPeers(t *testing.T) {
	proxy := newRouter()
	p := newRouter()

	inState := NewRouterLinkState()
	pLink, proxyInLink := NewLocalRouterLinkPair(p, proxy, LinkCentral, inState)
	p.outward = NewRouteEdge(pLink)
	proxy.inward = NewRouteEdge(proxyInLink)
	inState.MarkSideStable(SideA)
	inState.MarkSideStable(SideB)

	// A peripheral outward link is never eligible for bypass regardless of
	// locality.
	proxy.outward = NewRouteEdge(&stubLink{linkType: LinkPeripheralOutward})

	proxy.Flush(FlushForceBypassAttempt)

	if !proxy.inward.IsStable() {
		t.Fatalf("expected no bypass attempted against a non-central outward link")
	}
}

func TestRouterHandleBypassPeerRequiresAuthorization(t *testing.T) {
	p, proxy, _ := newLocalProxyChain()
	inLink := proxy.inward.PrimaryLink()
	// Nobody has locked the shared state yet, so the neighbor's request must
	// be refused.
	if err := p.HandleBypassPeer("some-node", 0); err != ErrFailedPrecondition {
		t.Fatalf("expected unauthorized bypass rejected, got %v", err)
	}
	_ = inLink
}

func TestRouterHandleBypassPeerSucceedsOnceLocked(t *testing.T) {
	p, proxy, _ := newLocalProxyChain()
	inLink := proxy.inward.PrimaryLink()

	if !inLink.TryLockForBypass("far-node") {
		t.Fatalf("expected proxy to lock its inward link for the bypass request")
	}
	if err := p.HandleBypassPeer("far-node", 7); err != nil {
		t.Fatalf("expected authorized bypass accepted, got %v", err)
	}
	if p.outward.IsStable() {
		t.Fatalf("expected p's outward edge decaying after accepting the bypass")
	}
	if p.pendingBypass == nil || p.pendingBypass.node != "far-node" || p.pendingBypass.sublink != 7 {
		t.Fatalf("expected pending bypass recorded, got %+v", p.pendingBypass)
	}
}

func TestRouterInstallBypassLinkCompletesPendingCaseA(t *testing.T) {
	p, proxy, _ := newLocalProxyChain()
	inLink := proxy.inward.PrimaryLink()
	if !inLink.TryLockForBypass("far-node") {
		t.Fatalf("lock: expected success")
	}
	if err := p.HandleBypassPeer("far-node", 3); err != nil {
		t.Fatalf("handle: %v", err)
	}

	newLink := &stubLink{linkType: LinkCentral}
	if err := p.InstallBypassLink(newLink); err != nil {
		t.Fatalf("install: %v", err)
	}
	if p.pendingBypass != nil {
		t.Fatalf("expected pending bypass cleared")
	}
	if p.outward.PrimaryLink() != newLink {
		t.Fatalf("expected new link installed as primary")
	}
}

func TestRouterInstallBypassLinkFailsWithoutPending(t *testing.T) {
	p, _ := NewRouterPair()
	if err := p.InstallBypassLink(&stubLink{linkType: LinkCentral}); err != ErrFailedPrecondition {
		t.Fatalf("expected failed precondition, got %v", err)
	}
}

// loopbackSender is a minimal pair of NodeLinkSenders wired to each other,
// standing in for a real connection between two nodes well enough to drive
// the mixed-locality bypass fast path (Case B/C) end to end: sending
// bypass_peer_with_link or accept_parcel on one side is delivered straight
// to whatever Router the other side has registered at that sublink, the
// same way pkg/nodelink's dispatch would.
type loopbackSender struct {
	name        NodeName
	nextSublink SublinkID
	registered  map[SublinkID]*Router
	peer        *loopbackSender
}

func newLoopbackPair(nameA, nameB NodeName) (a, b *loopbackSender) {
	a = &loopbackSender{name: nameA}
	b = &loopbackSender{name: nameB}
	a.peer, b.peer = b, a
	return a, b
}

func (s *loopbackSender) NodeName() NodeName { return s.name }

func (s *loopbackSender) AllocateSublinkIDs(n int) []SublinkID {
	ids := make([]SublinkID, n)
	for i := range ids {
		s.nextSublink++
		ids[i] = s.nextSublink
	}
	return ids
}

func (s *loopbackSender) AddRemoteRouterLink(sub SublinkID, link RouterLink, r *Router) error {
	if s.registered == nil {
		s.registered = make(map[SublinkID]*Router)
	}
	if _, dup := s.registered[sub]; dup {
		return ErrInvalidArgument
	}
	s.registered[sub] = r
	return nil
}

func (s *loopbackSender) RemoveRemoteRouterLink(sub SublinkID) { delete(s.registered, sub) }

func (s *loopbackSender) SendAcceptParcel(sub SublinkID, p Parcel) error {
	r, ok := s.peer.registered[sub]
	if !ok {
		return ErrNotFound
	}
	return r.AcceptInboundParcel(p)
}

func (s *loopbackSender) SendRouteClosed(SublinkID, SequenceNumber) error     { return nil }
func (s *loopbackSender) SendRouteDisconnected(SublinkID) error              { return nil }
func (s *loopbackSender) SendBypassPeer(SublinkID, NodeName, SublinkID) error { return nil }
func (s *loopbackSender) SendAcceptBypassLink(SublinkID, SublinkID, *RouterLinkState, SequenceNumber) error {
	return nil
}
func (s *loopbackSender) SendStopProxying(SublinkID, SequenceNumber, SequenceNumber) error { return nil }
func (s *loopbackSender) SendProxyWillStop(SublinkID, SequenceNumber) error                { return nil }
func (s *loopbackSender) SendStopProxyingToLocalPeer(SublinkID, SequenceNumber) error       { return nil }
func (s *loopbackSender) SendFlushRouter(SublinkID, uint64, bool) error                     { return nil }
func (s *loopbackSender) SendAuthorizeBypass(SublinkID, NodeName) error                     { return nil }

// SendBypassPeerWithLink plays the far node's receiving role for the
// bypass_peer_with_link message, exactly like pkg/nodelink's
// installBypassLink: it looks up the Router this sender's peer has
// registered at existingSublink, builds a fresh RemoteRouterLink for
// newSublink pointed back at us, registers it, and hands it over.
func (s *loopbackSender) SendBypassPeerWithLink(existingSublink, newSublink SublinkID, state *RouterLinkState, inLen SequenceNumber) error {
	r, ok := s.peer.registered[existingSublink]
	if !ok {
		return ErrNotFound
	}
	newLink := NewRemoteRouterLink(LinkCentral, SideB, state, newSublink, s.peer)
	if err := s.peer.AddRemoteRouterLink(newSublink, newLink, r); err != nil {
		return err
	}
	_, err := r.HandleBypassPeerWithLink(newLink, state, inLen)
	return err
}

// TestRouterBypassCaseBSplicesLocalOutwardPeerToRemoteInwardPeer builds a
// proxy whose outward peer (q) is local and whose inward peer (p) sits
// across a simulated connection, then drives a self-bypass and confirms
// both q and p end up wired straight to each other's new sublink and can
// exchange a parcel without the proxy relaying it.
func TestRouterBypassCaseBSplicesLocalOutwardPeerToRemoteInwardPeer(t *testing.T) {
	toP, toProxy := newLoopbackPair("node-proxy", "node-p")

	existingSublink := toP.AllocateSublinkIDs(1)[0]

	proxy := newRouter()
	q := newRouter()
	p := newRouter()

	oldState := NewRouterLinkState()
	proxyInLink := NewRemoteRouterLink(LinkCentral, SideA, oldState, existingSublink, toP)
	proxy.inward = NewRouteEdge(proxyInLink)
	oldState.MarkSideStable(SideA)
	oldState.MarkSideStable(SideB)
	if err := toP.AddRemoteRouterLink(existingSublink, proxyInLink, proxy); err != nil {
		t.Fatalf("register old link: %v", err)
	}

	pOldLink := NewRemoteRouterLink(LinkCentral, SideB, oldState, existingSublink, toProxy)
	p.outward = NewRouteEdge(pOldLink)
	if err := toProxy.AddRemoteRouterLink(existingSublink, pOldLink, p); err != nil {
		t.Fatalf("register p's old link: %v", err)
	}

	outState := NewRouterLinkState()
	proxyOutLink, qLink := NewLocalRouterLinkPair(proxy, q, LinkCentral, outState)
	proxy.outward = NewRouteEdge(proxyOutLink)
	q.outward = NewRouteEdge(qLink)
	outState.MarkSideStable(SideA)
	outState.MarkSideStable(SideB)

	proxy.Flush(FlushForceBypassAttempt)

	if proxy.outward.IsStable() || proxy.inward.IsStable() {
		t.Fatalf("expected the proxy's edges left decaying after the bypass")
	}

	qRemote := q.outward.PrimaryLink().AsRemote()
	if qRemote == nil {
		t.Fatalf("expected q's outward link replaced with a remote link to p")
	}
	pRemote := p.outward.PrimaryLink().AsRemote()
	if pRemote == nil {
		t.Fatalf("expected p's outward link replaced with a remote link to q")
	}
	if qRemote.Sublink() != pRemote.Sublink() {
		t.Fatalf("expected q and p to agree on the new sublink, got %d vs %d", qRemote.Sublink(), pRemote.Sublink())
	}

	if err := q.SendOutboundParcel(Parcel{Data: []byte("bypassed")}); err != nil {
		t.Fatalf("send from q: %v", err)
	}
	got, err := p.GetNextInboundParcel(64, 0, false)
	if err != nil {
		t.Fatalf("get at p: %v", err)
	}
	if string(got.Data) != "bypassed" {
		t.Fatalf("expected parcel delivered directly to p, got %q", got.Data)
	}
}

// TestRouterBypassCaseCSplicesLocalInwardPeerToRemoteOutwardPeer is the
// mirror of the Case B test above: this time the proxy's inward peer (p) is
// local and its outward peer (q) sits across the simulated connection.
func TestRouterBypassCaseCSplicesLocalInwardPeerToRemoteOutwardPeer(t *testing.T) {
	toQ, toProxy := newLoopbackPair("node-proxy", "node-q")

	existingSublink := toQ.AllocateSublinkIDs(1)[0]

	proxy := newRouter()
	p := newRouter()
	q := newRouter()

	outState := NewRouterLinkState()
	proxyOutLink := NewRemoteRouterLink(LinkCentral, SideA, outState, existingSublink, toQ)
	proxy.outward = NewRouteEdge(proxyOutLink)
	outState.MarkSideStable(SideA)
	outState.MarkSideStable(SideB)
	if err := toQ.AddRemoteRouterLink(existingSublink, proxyOutLink, proxy); err != nil {
		t.Fatalf("register old link: %v", err)
	}

	qOldLink := NewRemoteRouterLink(LinkCentral, SideB, outState, existingSublink, toProxy)
	q.outward = NewRouteEdge(qOldLink)
	if err := toProxy.AddRemoteRouterLink(existingSublink, qOldLink, q); err != nil {
		t.Fatalf("register q's old link: %v", err)
	}

	inState := NewRouterLinkState()
	pLink, proxyInLink := NewLocalRouterLinkPair(p, proxy, LinkCentral, inState)
	p.outward = NewRouteEdge(pLink)
	proxy.inward = NewRouteEdge(proxyInLink)
	inState.MarkSideStable(SideA)
	inState.MarkSideStable(SideB)

	proxy.Flush(FlushForceBypassAttempt)

	if proxy.outward.IsStable() || proxy.inward.IsStable() {
		t.Fatalf("expected the proxy's edges left decaying after the bypass")
	}

	pRemote := p.outward.PrimaryLink().AsRemote()
	if pRemote == nil {
		t.Fatalf("expected p's outward link replaced with a remote link to q")
	}
	qRemote := q.outward.PrimaryLink().AsRemote()
	if qRemote == nil {
		t.Fatalf("expected q's outward link replaced with a remote link to p")
	}
	if pRemote.Sublink() != qRemote.Sublink() {
		t.Fatalf("expected p and q to agree on the new sublink, got %d vs %d", pRemote.Sublink(), qRemote.Sublink())
	}

	if err := p.SendOutboundParcel(Parcel{Data: []byte("bypassed-c")}); err != nil {
		t.Fatalf("send from p: %v", err)
	}
	got, err := q.GetNextInboundParcel(64, 0, false)
	if err != nil {
		t.Fatalf("get at q: %v", err)
	}
	if string(got.Data) != "bypassed-c" {
		t.Fatalf("expected parcel delivered directly to q, got %q", got.Data)
	}
}
