package nodelink

import (
	"errors"
	"io"

	"go.uber.org/zap"

	"parcelmesh/pkg/protocol"
	"parcelmesh/pkg/router"
	"parcelmesh/pkg/wiremsg"
)

// ReadLoop decodes frames off the router stream until it errs or Close is
// called, dispatching each to the sublink's Router. It is meant to run in
// its own goroutine for the lifetime of the NodeLink.
func (nl *NodeLink) ReadLoop() {
	for {
		raw, err := nl.stream.RecvBytes()
		if err != nil {
			if nl.log != nil && !nl.closed.Load() && !errors.Is(err, io.EOF) {
				nl.log.Warn("nodelink read failed", zap.String("peer", string(nl.nodeName)), zap.Error(err))
			}
			nl.disconnectAll()
			return
		}
		if err := nl.dispatch(raw); err != nil && nl.log != nil {
			nl.log.Warn("nodelink dispatch failed", zap.String("peer", string(nl.nodeName)), zap.Error(err))
		}
	}
}

// dispatch decodes one frame and delivers it to the Router registered for
// its sublink.
func (nl *NodeLink) dispatch(raw []byte) error {
	var env protocol.Envelope
	if err := env.DecodeFrame(raw); err != nil {
		return err
	}
	sublink := router.SublinkID(env.Header.Dest)
	t := wiremsg.Type(env.Header.Type)

	link, r, ok := nl.GetSublink(sublink)
	if !ok {
		switch t {
		case wiremsg.TypeAcceptBypassLink:
			// The sublink this message names need not exist in this
			// NodeLink's table; acceptBypassLink resolves the router and
			// authorizing link itself, keyed by node name.
		case wiremsg.TypeBypassPeerWithLink:
			// handled below without a preexisting entry at newSublink
		default:
			return router.ErrNotFound
		}
	}

	switch t {
	case wiremsg.TypeAcceptParcel:
		var body wiremsg.AcceptParcel
		if _, err := protocol.DecodeBody(bodyCodec, env.Payload, &body); err != nil {
			return err
		}
		return deliverParcel(link, r, decodeParcel(body))

	case wiremsg.TypeRouteClosed:
		var body wiremsg.RouteClosed
		if _, err := protocol.DecodeBody(bodyCodec, env.Payload, &body); err != nil {
			return err
		}
		return r.AcceptRouteClosureFrom(link.GetType(), router.SequenceNumber(body.FinalLength))

	case wiremsg.TypeRouteDisconnected:
		return r.AcceptRouteDisconnectedFrom(link.GetType())

	case wiremsg.TypeBypassPeer:
		var body wiremsg.BypassPeer
		if _, err := protocol.DecodeBody(bodyCodec, env.Payload, &body); err != nil {
			return err
		}
		return r.HandleBypassPeer(router.NodeName(body.TargetNode), router.SublinkID(body.TargetSublink))

	case wiremsg.TypeAcceptBypassLink:
		var body wiremsg.AcceptBypassLink
		if _, err := protocol.DecodeBody(bodyCodec, env.Payload, &body); err != nil {
			return err
		}
		state := router.NewRouterLinkState()
		return nl.acceptBypassLink(router.SublinkID(body.NewSublink), state, router.SequenceNumber(body.InboundLength))

	case wiremsg.TypeBypassPeerWithLink:
		var body wiremsg.BypassPeerWithLink
		if _, err := protocol.DecodeBody(bodyCodec, env.Payload, &body); err != nil {
			return err
		}
		return nl.installBypassLink(sublink, router.SublinkID(body.NewSublink), router.SequenceNumber(body.InboundLength))

	case wiremsg.TypeStopProxying:
		var body wiremsg.StopProxying
		if _, err := protocol.DecodeBody(bodyCodec, env.Payload, &body); err != nil {
			return err
		}
		return r.HandleStopProxying(router.SequenceNumber(body.InboundLength), router.SequenceNumber(body.OutboundLength))

	case wiremsg.TypeProxyWillStop:
		var body wiremsg.ProxyWillStop
		if _, err := protocol.DecodeBody(bodyCodec, env.Payload, &body); err != nil {
			return err
		}
		return r.HandleProxyWillStop(router.SequenceNumber(body.InboundLength))

	case wiremsg.TypeStopProxyingToLocalPeer:
		var body wiremsg.StopProxyingToLocalPeer
		if _, err := protocol.DecodeBody(bodyCodec, env.Payload, &body); err != nil {
			return err
		}
		return r.HandleStopProxyingToLocalPeer(router.SequenceNumber(body.OutboundLength))

	case wiremsg.TypeFlushRouter:
		var body wiremsg.FlushRouter
		if _, err := protocol.DecodeBody(bodyCodec, env.Payload, &body); err != nil {
			return err
		}
		if rl := link.AsRemote(); rl != nil {
			rl.ObserveRemoteQueueState(body.QueuedLocalParcels)
		}
		r.Flush(router.FlushDefault)
		return nil

	case wiremsg.TypeAuthorizeBypass:
		var body wiremsg.AuthorizeBypass
		if _, err := protocol.DecodeBody(bodyCodec, env.Payload, &body); err != nil {
			return err
		}
		if nl.bypass != nil {
			nl.bypass.Authorize(router.NodeName(body.Source), link, r)
		}
		return nil

	case wiremsg.TypeAddBlockBuffer:
		// Fragment-backed shared memory registration is not yet consulted
		// by the router core; the frame is accepted and dropped so a peer
		// running the fuller allocator protocol doesn't stall on us.
		return nil

	default:
		return router.ErrInvalidArgument
	}
}

// deliverParcel mirrors LocalRouterLink.AcceptParcel's direction switch for
// a parcel arriving from a remote peer.
func deliverParcel(link router.RouterLink, r *router.Router, p router.Parcel) error {
	switch link.GetType() {
	case router.LinkPeripheralInward, router.LinkBridge:
		return r.AcceptOutboundParcel(p)
	default:
		return r.AcceptInboundParcel(p)
	}
}

func decodeParcel(body wiremsg.AcceptParcel) router.Parcel {
	handles := make([]router.Handle, len(body.Handles))
	for i, h := range body.Handles {
		handles[i] = router.Handle{Kind: h.Kind, ID: h.ID}
	}
	return router.Parcel{
		Sequence: router.SequenceNumber(body.Sequence),
		Data:     body.Data,
		Handles:  handles,
	}
}

// installBypassLink completes the wire-carried half of a bypass: it
// registers newSublink on this NodeLink as a fresh RemoteRouterLink back to
// the sender, then hands it to the Router already registered at existingSublink
// exactly as HandleBypassPeerWithLink expects from a local caller. Because
// oldLink and newLink both live on this same NodeLink, the proxy at the far
// end of oldLink has already conspired with its local outward peer to set
// this up (that peer is what sent us newSublink), so the proxy only needs a
// stop_proxying_to_local_peer, not the fuller stop_proxying/proxy_will_stop
// pair a cross-node handoff would require.
func (nl *NodeLink) installBypassLink(existingSublink, newSublink router.SublinkID, inLen router.SequenceNumber) error {
	oldLink, r, ok := nl.GetSublink(existingSublink)
	if !ok {
		return router.ErrNotFound
	}
	state := router.NewRouterLinkState()
	newLink := router.NewRemoteRouterLink(router.LinkCentral, router.SideB, state, newSublink, nl)
	if err := nl.AddRemoteRouterLink(newSublink, newLink, r); err != nil {
		return err
	}
	outLen, err := r.HandleBypassPeerWithLink(newLink, state, inLen)
	if err != nil {
		return err
	}
	return oldLink.StopProxyingToLocalPeer(outLen)
}

// acceptBypassLink completes the receiving side of a Case A bypass: source
// has sent accept_bypass_link over its NodeLink to this node, addressed by a
// sublink that need not exist in this NodeLink's table, so the router and
// existing link to authorize against are resolved from the AuthorizeBypass
// this NodeLink's peer (the proxy's outward neighbor, from Q's perspective)
// pre-registered over the still-live proxy connection.
func (nl *NodeLink) acceptBypassLink(newSublink router.SublinkID, state *router.RouterLinkState, inLen router.SequenceNumber) error {
	if nl.bypass == nil {
		return router.ErrFailedPrecondition
	}
	link, r, ok := nl.bypass.Resolve(nl.nodeName)
	if !ok {
		return router.ErrNotFound
	}
	if !link.CanNodeRequestBypass(nl.nodeName) {
		return router.ErrFailedPrecondition
	}

	newLink := router.NewRemoteRouterLink(router.LinkCentral, router.SideB, state, newSublink, nl)
	if err := nl.AddRemoteRouterLink(newSublink, newLink, r); err != nil {
		return err
	}
	outLen, err := r.HandleBypassPeerWithLink(newLink, state, inLen)
	if err != nil {
		return err
	}
	// proxy_will_stop is deliberately not sent here: this node's peer
	// already computed its own decaying boundary against its own inbound
	// sequence in HandleBypassPeer, and overwriting it with outLen (a
	// value from this exchange, unrelated to that boundary) would corrupt
	// it. stop_proxying alone is sufficient to let the proxy finish decay.
	return link.StopProxying(inLen, outLen)
}

// disconnectAll notifies every sublink still registered on this NodeLink
// that its transport has failed, then empties the table.
func (nl *NodeLink) disconnectAll() {
	nl.mu.Lock()
	entries := make([]*sublinkEntry, 0, len(nl.sublinks))
	for _, e := range nl.sublinks {
		entries = append(entries, e)
	}
	nl.sublinks = make(map[router.SublinkID]*sublinkEntry)
	nl.mu.Unlock()

	for _, e := range entries {
		_ = e.router.AcceptRouteDisconnectedFrom(e.link.GetType())
	}
}
