package netstack

import (
    "context"
    "crypto/ed25519"
    "time"

    "go.uber.org/zap"

    "parcelmesh/pkg/handshake"
    "parcelmesh/pkg/nodelink"
    "parcelmesh/pkg/protocol"
    "parcelmesh/pkg/protocol/codec"
    "parcelmesh/pkg/router"
    "parcelmesh/pkg/transport"
)

// helloMsgType marks a hello frame's Header.Type. It shares no namespace
// with wiremsg.Type: hello only ever crosses a StreamControl stream before
// any NodeLink exists on it.
const helloMsgType uint8 = 1

var helloCodec = mustHelloCodec()

func mustHelloCodec() *codec.Registry {
    r := codec.NewRegistry()
    c, err := codec.CBOR()
    if err != nil {
        panic(err)
    }
    r.Register(c)
    return r
}

// exchangeHello runs the identity handshake over st: it signs and sends
// this node's Hello while concurrently waiting for the peer's, so that a
// blocking stream implementation (net.Pipe-backed mem sessions in
// particular) doesn't deadlock both sides writing before either reads.
func exchangeHello(st transport.Stream, priv ed25519.PrivateKey, nodeName string, maxSkew time.Duration) (transport.PeerID, string, error) {
    h, _, err := handshake.BuildHello(nodeName, priv)
    if err != nil {
        return "", "", err
    }

    sendErr := make(chan error, 1)
    go func() { sendErr <- sendHello(st, h) }()

    peer, err := recvHello(st)
    if err != nil {
        return "", "", err
    }
    if err := <-sendErr; err != nil {
        return "", "", err
    }

    pid, err := handshake.VerifyHello(peer, maxSkew)
    if err != nil {
        return "", "", err
    }
    return pid, peer.NodeName, nil
}

func sendHello(st transport.Stream, h handshake.Hello) error {
    payload, err := protocol.EncodeBody(helloCodec, protocol.FormatCBOR, h)
    if err != nil {
        return err
    }
    env := protocol.Envelope{Header: protocol.Header{Version: 1, Type: helloMsgType}, Payload: payload}
    frame, err := env.EncodeFrame()
    if err != nil {
        return err
    }
    return st.SendBytes(frame)
}

func recvHello(st transport.Stream) (handshake.Hello, error) {
    raw, err := st.RecvBytes()
    if err != nil {
        return handshake.Hello{}, err
    }
    var env protocol.Envelope
    if err := env.DecodeFrame(raw); err != nil {
        return handshake.Hello{}, err
    }
    var h handshake.Hello
    if _, err := protocol.DecodeBody(helloCodec, env.Payload, &h); err != nil {
        return handshake.Hello{}, err
    }
    return h, nil
}

// establishNodeLink runs the hello handshake over a fresh control stream
// on sess, then wires the result into a NodeLink registered under the
// remote node's declared name. It rebinds sess in rt's transport.Manager
// from whatever provisional PeerID it was tracked under to the canonical
// one the handshake just proved.
func (rt *Runtime) establishNodeLink(ctx context.Context, sess transport.Session, provisional transport.PeerID, opts Options) (*nodelink.NodeLink, error) {
    ctrl, err := sess.OpenStream(ctx, transport.StreamControl)
    if err != nil {
        return nil, err
    }
    skew := opts.HelloMaxSkew
    if skew <= 0 {
        skew = 5 * time.Minute
    }
    peerID, remoteName, err := exchangeHello(ctrl, rt.priv, rt.nodeName, skew)
    _ = ctrl.Close()
    if err != nil {
        return nil, err
    }

    if rt.mgr != nil && provisional != "" && provisional != peerID {
        rt.mgr.RebindPeer(provisional, peerID)
    }

    nl, err := nodelink.New(nodelink.Config{
        Logger:    rt.log,
        NodeName:  router.NodeName(remoteName),
        Session:   sess,
        Pool:      rt.mem,
        Scheduler: rt.sched,
        Bypass:    rt,
    })
    if err != nil {
        return nil, err
    }
    rt.adopt(nl)

    if rt.log != nil {
        rt.log.Info("node link established",
            zap.String("peer", string(peerID)),
            zap.String("node", remoteName),
            zap.String("kind", sess.TransportKind().String()))
    }

    return nl, nil
}
