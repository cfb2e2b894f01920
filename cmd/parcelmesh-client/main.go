// Command parcelmesh-client is a manual smoke-test tool: it dials a node,
// completes the hello handshake, opens a NodeLink over the resulting
// session, and pushes an accept_parcel wire message followed by a
// route_closed down a freshly allocated sublink. It exercises the transport, handshake and NodeLink
// transmit path end to end without needing a live Router on either side —
// the receiving node logs and drops the unmapped sublink, which is the
// documented behavior for a wire message addressed to a router that does
// not exist.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"time"

	netstack "parcelmesh/pkg/core/netstack"
	"parcelmesh/pkg/handshake"
	"parcelmesh/pkg/nodelink"
	"parcelmesh/pkg/protocol"
	"parcelmesh/pkg/protocol/codec"
	"parcelmesh/pkg/router"
	"parcelmesh/pkg/sharedmem"
	"parcelmesh/pkg/transport"
)

const helloMsgType uint8 = 1

func main() {
	kind := flag.String("kind", "tcp", "transport kind: tcp|udp|quic|mem|winpipe")
	addr := flag.String("addr", ":7777", "node address to connect to")
	name := flag.String("name", "parcelmesh-client", "logical node name for hello")
	message := flag.String("data", "hello from parcelmesh-client", "payload bytes to send in the test parcel")
	timeout := flag.Duration("timeout", 5*time.Second, "dial/handshake timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	tr, err := netstack.NewByKind(*kind)
	if err != nil {
		fatalf("new transport: %v", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fatalf("gen key: %v", err)
	}

	sess, err := tr.Dial(ctx, *addr, transport.PeerInfo{ID: transport.PeerID("temp:client"), Addr: *addr})
	if err != nil {
		fatalf("dial: %v", err)
	}
	defer sess.Close()

	ctrl, err := sess.OpenStream(ctx, transport.StreamControl)
	if err != nil {
		fatalf("open stream: %v", err)
	}
	peer, err := exchangeHello(ctrl, priv, *name)
	_ = ctrl.Close()
	if err != nil {
		fatalf("handshake: %v", err)
	}
	fmt.Printf("handshake ok: peer node=%s\n", peer.NodeName)

	nl, err := nodelink.New(nodelink.Config{
		NodeName: router.NodeName(peer.NodeName),
		Session:  sess,
		Pool:     sharedmem.New(sharedmem.Options{}),
	})
	if err != nil {
		fatalf("nodelink: %v", err)
	}
	defer nl.Close()

	sublinks := nl.AllocateSublinkIDs(1)
	sublink := sublinks[0]

	p := router.Parcel{Sequence: 0, Data: []byte(*message)}
	if err := nl.SendAcceptParcel(sublink, p); err != nil {
		fatalf("send accept_parcel: %v", err)
	}
	if err := nl.SendRouteClosed(sublink, 1); err != nil {
		fatalf("send route_closed: %v", err)
	}

	fmt.Printf("sent parcel %s on sublink %d\n", p, sublink)
}

func exchangeHello(st transport.Stream, priv ed25519.PrivateKey, nodeName string) (handshake.Hello, error) {
	h, _, err := handshake.BuildHello(nodeName, priv)
	if err != nil {
		return handshake.Hello{}, err
	}

	sendErr := make(chan error, 1)
	go func() { sendErr <- sendHello(st, h) }()

	peer, err := recvHello(st)
	if err != nil {
		return handshake.Hello{}, err
	}
	if err := <-sendErr; err != nil {
		return handshake.Hello{}, err
	}
	if _, err := handshake.VerifyHello(peer, 5*time.Minute); err != nil {
		return handshake.Hello{}, err
	}
	return peer, nil
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

func fatalf(format string, a ...any) {
	fmt.Printf(format+"\n", a...)
	os.Exit(1)
}
