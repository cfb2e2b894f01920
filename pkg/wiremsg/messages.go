// Package wiremsg defines the sublink-scoped message bodies NodeLink
// exchanges with a peer node, CBOR-encoded per pkg/protocol/body.go and
// framed with the fixed binary header of pkg/protocol/header.go. The
// header's Type field carries one of the constants below; its Dest field
// carries the target SublinkID.
package wiremsg

// Type identifies which body follows the fixed header.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeAcceptParcel
	TypeRouteClosed
	TypeRouteDisconnected
	TypeBypassPeer
	TypeAcceptBypassLink
	TypeStopProxying
	TypeProxyWillStop
	TypeBypassPeerWithLink
	TypeStopProxyingToLocalPeer
	TypeFlushRouter
	TypeAddBlockBuffer
	TypeAuthorizeBypass
)

// Handle mirrors router.Handle on the wire.
type Handle struct {
	Kind string `cbor:"kind"`
	ID   uint64 `cbor:"id"`
}

// AcceptParcel carries one parcel's payload and attached handles.
type AcceptParcel struct {
	Sequence uint64   `cbor:"seq"`
	Data     []byte   `cbor:"data"`
	Handles  []Handle `cbor:"handles,omitempty"`
}

// RouteClosed announces the final sequence length for one direction.
type RouteClosed struct {
	FinalLength uint64 `cbor:"final_length"`
}

// RouteDisconnected carries no fields; its arrival is the whole message.
type RouteDisconnected struct{}

// BypassPeer asks the receiving router to reach targetNode/targetSublink
// directly instead of through the sender.
type BypassPeer struct {
	TargetNode    string `cbor:"target_node"`
	TargetSublink uint64 `cbor:"target_sublink"`
}

// LinkState mirrors the observable fields of a router.RouterLinkState at
// the moment it is handed across the wire, so the receiving node can
// reconstruct an equivalent shared state record.
type LinkState struct {
	AllowedBypassSource string `cbor:"allowed_bypass_source,omitempty"`
}

// AcceptBypassLink completes a Case A bypass: newSublink is a freshly
// allocated sublink on the sender's NodeLink that the receiver should wire
// up as its new outward link.
type AcceptBypassLink struct {
	NewSublink      uint64    `cbor:"new_sublink"`
	LinkState       LinkState `cbor:"link_state"`
	InboundLength   uint64    `cbor:"inbound_length"`
}

// StopProxying tells a proxy it may finish decaying both edges once the
// given boundaries are reached.
type StopProxying struct {
	InboundLength  uint64 `cbor:"inbound_length"`
	OutboundLength uint64 `cbor:"outbound_length"`
}

// ProxyWillStop warns a proxy's outward neighbor of the inbound boundary
// its decaying link will stop delivering at.
type ProxyWillStop struct {
	InboundLength uint64 `cbor:"inbound_length"`
}

// BypassPeerWithLink is the wire-carrying counterpart of the Case B/C fast
// path, used when the proxy's neighbor learns of the new link over the
// wire rather than through a same-process handle.
type BypassPeerWithLink struct {
	NewSublink    uint64    `cbor:"new_sublink"`
	LinkState     LinkState `cbor:"link_state"`
	InboundLength uint64    `cbor:"inbound_length"`
}

// StopProxyingToLocalPeer is the Case B/C analogue of ProxyWillStop.
type StopProxyingToLocalPeer struct {
	OutboundLength uint64 `cbor:"outbound_length"`
}

// FlushRouter carries best-effort queue-depth and closure state so the
// peer's TrapRemoteQueueBelowThreshold registrations can be re-evaluated.
type FlushRouter struct {
	QueuedLocalParcels uint64 `cbor:"queued_local_parcels"`
	PeerClosed         bool   `cbor:"peer_closed"`
}

// AuthorizeBypass travels over a proxy's existing link to its outward
// neighbor ahead of a Case A bypass, pre-authorizing that neighbor to accept
// an accept_bypass_link arriving from source over a connection with no
// preexisting sublink for this route.
type AuthorizeBypass struct {
	Source string `cbor:"source"`
}

// AddBlockBuffer announces a shared-memory fragment allocation to the
// peer, named per the distilled wire message list; this expansion's
// sharedmem.Pool is process-local, so the receiving side accepts and drops
// the announcement without recording it or mapping any memory.
type AddBlockBuffer struct {
	ID        uint64 `cbor:"id"`
	BlockSize uint32 `cbor:"block_size"`
}
