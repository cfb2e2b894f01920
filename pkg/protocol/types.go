package protocol

// Header.Type on a NodeLink router-stream frame is always a
// parcelmesh/pkg/wiremsg.Type value cast to uint8; this package carries the
// frame but does not interpret it. MsgUnknown is reserved as the zero
// value so an unset Type is always detectable as invalid.
const (
    MsgUnknown uint8 = iota
    MsgControl
    MsgTask
    MsgResult
)

// Flags bitmask (uint32)
const (
    FlagCompressed uint32 = 1 << 0 // payload compressed
    FlagEncrypted  uint32 = 1 << 1 // payload encrypted
    FlagAck        uint32 = 1 << 2 // ack requested
    FlagStream     uint32 = 1 << 3 // streaming payload
    FlagFragment   uint32 = 1 << 4 // this envelope is a fragment
    FlagLastFrag   uint32 = 1 << 5 // last fragment
    FlagTunnel     uint32 = 1 << 6 // requires/through tunnel
)

// ContentType is optional hint for payload decoding.
// Kept as constants to avoid coupling; not serialized in header.
const (
    ContentUnknown = "application/octet-stream"
    ContentCBOR    = "application/cbor"
    ContentJSON    = "application/json"
    ContentProto   = "application/x-protobuf"
)

