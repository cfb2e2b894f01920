package nodelink

import (
	"parcelmesh/pkg/protocol"
	"parcelmesh/pkg/protocol/codec"
	"parcelmesh/pkg/router"
	"parcelmesh/pkg/wiremsg"
	"parcelmesh/pkg/xmit"
)

// classOf ranks accept_parcel traffic below every route-graph control
// message, so a data-heavy destination never delays closure or bypass
// negotiation addressed the same way.
func classOf(t wiremsg.Type) xmit.Class {
	if t == wiremsg.TypeAcceptParcel {
		return xmit.ClassData
	}
	return xmit.ClassControl
}

var bodyCodec = mustCBOR()

func mustCBOR() *codec.Registry {
	r := codec.NewRegistry()
	c, err := codec.CBOR()
	if err != nil {
		panic(err)
	}
	r.Register(c)
	return r
}

// Transmit encodes v as the CBOR body of a sublink-scoped frame of type t
// and writes it to the router stream, respecting NodeLink's transmission
// scheduler if one is configured.
func (nl *NodeLink) Transmit(sublink router.SublinkID, t wiremsg.Type, v any) error {
	payload, err := protocol.EncodeBody(bodyCodec, protocol.FormatCBOR, v)
	if err != nil {
		return err
	}
	env := protocol.Envelope{
		Header:  protocol.Header{Version: 1, Type: uint8(t), Dest: uint64(sublink)},
		Payload: payload,
	}
	frame, err := env.EncodeFrame()
	if err != nil {
		return err
	}

	send := func() error { return nl.stream.SendBytes(frame) }
	if nl.sched == nil {
		return send()
	}
	nl.sched.Enqueue(xmit.Item{
		Dest:  string(nl.nodeName),
		Size:  len(frame),
		Class: classOf(t),
		Send:  send,
	})
	return nil
}

func (nl *NodeLink) SendAcceptParcel(sublink router.SublinkID, p router.Parcel) error {
	handles := make([]wiremsg.Handle, len(p.Handles))
	for i, h := range p.Handles {
		handles[i] = wiremsg.Handle{Kind: h.Kind, ID: h.ID}
	}
	return nl.Transmit(sublink, wiremsg.TypeAcceptParcel, wiremsg.AcceptParcel{
		Sequence: uint64(p.Sequence),
		Data:     p.Data,
		Handles:  handles,
	})
}

func (nl *NodeLink) SendRouteClosed(sublink router.SublinkID, finalLength router.SequenceNumber) error {
	return nl.Transmit(sublink, wiremsg.TypeRouteClosed, wiremsg.RouteClosed{FinalLength: uint64(finalLength)})
}

func (nl *NodeLink) SendRouteDisconnected(sublink router.SublinkID) error {
	return nl.Transmit(sublink, wiremsg.TypeRouteDisconnected, wiremsg.RouteDisconnected{})
}

func (nl *NodeLink) SendBypassPeer(sublink router.SublinkID, targetNode router.NodeName, targetSublink router.SublinkID) error {
	return nl.Transmit(sublink, wiremsg.TypeBypassPeer, wiremsg.BypassPeer{
		TargetNode:    string(targetNode),
		TargetSublink: uint64(targetSublink),
	})
}

func (nl *NodeLink) SendAcceptBypassLink(sublink router.SublinkID, newSublink router.SublinkID, state *router.RouterLinkState, inboundLength router.SequenceNumber) error {
	return nl.Transmit(sublink, wiremsg.TypeAcceptBypassLink, wiremsg.AcceptBypassLink{
		NewSublink:    uint64(newSublink),
		LinkState:     encodeLinkState(state),
		InboundLength: uint64(inboundLength),
	})
}

func (nl *NodeLink) SendStopProxying(sublink router.SublinkID, inboundLength, outboundLength router.SequenceNumber) error {
	return nl.Transmit(sublink, wiremsg.TypeStopProxying, wiremsg.StopProxying{
		InboundLength:  uint64(inboundLength),
		OutboundLength: uint64(outboundLength),
	})
}

func (nl *NodeLink) SendProxyWillStop(sublink router.SublinkID, inboundLength router.SequenceNumber) error {
	return nl.Transmit(sublink, wiremsg.TypeProxyWillStop, wiremsg.ProxyWillStop{InboundLength: uint64(inboundLength)})
}

func (nl *NodeLink) SendBypassPeerWithLink(sublink router.SublinkID, newSublink router.SublinkID, state *router.RouterLinkState, inboundLength router.SequenceNumber) error {
	return nl.Transmit(sublink, wiremsg.TypeBypassPeerWithLink, wiremsg.BypassPeerWithLink{
		NewSublink:    uint64(newSublink),
		LinkState:     encodeLinkState(state),
		InboundLength: uint64(inboundLength),
	})
}

func (nl *NodeLink) SendStopProxyingToLocalPeer(sublink router.SublinkID, outboundLength router.SequenceNumber) error {
	return nl.Transmit(sublink, wiremsg.TypeStopProxyingToLocalPeer, wiremsg.StopProxyingToLocalPeer{OutboundLength: uint64(outboundLength)})
}

func (nl *NodeLink) SendFlushRouter(sublink router.SublinkID, queuedLocalParcels uint64, peerClosed bool) error {
	return nl.Transmit(sublink, wiremsg.TypeFlushRouter, wiremsg.FlushRouter{
		QueuedLocalParcels: queuedLocalParcels,
		PeerClosed:         peerClosed,
	})
}

func (nl *NodeLink) SendAuthorizeBypass(sublink router.SublinkID, source router.NodeName) error {
	return nl.Transmit(sublink, wiremsg.TypeAuthorizeBypass, wiremsg.AuthorizeBypass{Source: string(source)})
}

// encodeLinkState captures the one field of RouterLinkState that crosses
// the wire meaningfully: the node currently authorized to request a
// bypass. Status bits are re-derived locally by each side as decay
// proceeds rather than mirrored verbatim.
func encodeLinkState(state *router.RouterLinkState) wiremsg.LinkState {
	if state == nil {
		return wiremsg.LinkState{}
	}
	return wiremsg.LinkState{AllowedBypassSource: string(state.AllowedBypassSource())}
}
