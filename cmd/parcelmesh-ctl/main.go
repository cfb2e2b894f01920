// Command parcelmesh-ctl is a diagnostic client: it dials a node's control
// transport, runs the signed hello handshake, and prints the peer identity
// it proves. It does not query or mutate routes — route introspection now
// lives entirely in-process behind a node's router.Registry, with no wire
// analogue for a remote client to ask for a snapshot.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"time"

	netstack "parcelmesh/pkg/core/netstack"
	"parcelmesh/pkg/handshake"
	"parcelmesh/pkg/protocol"
	"parcelmesh/pkg/protocol/codec"
	"parcelmesh/pkg/transport"
)

const helloMsgType uint8 = 1

func main() {
	kind := flag.String("kind", "tcp", "transport kind: tcp|udp|quic|mem|winpipe")
	addr := flag.String("addr", ":7777", "node address to connect to")
	name := flag.String("name", "parcelmesh-ctl", "logical node name for hello")
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

	sess, err := tr.Dial(ctx, *addr, transport.PeerInfo{ID: transport.PeerID("temp:ctl"), Addr: *addr})
	if err != nil {
		fatalf("dial: %v", err)
	}
	defer sess.Close()

	st, err := sess.OpenStream(ctx, transport.StreamControl)
	if err != nil {
		fatalf("open stream: %v", err)
	}
	defer st.Close()

	peer, err := exchangeHello(st, priv, *name)
	if err != nil {
		fatalf("handshake: %v", err)
	}

	fmt.Printf("Connected node: name=%s alg=%s pubkey=%s ts=%d\n",
		peer.NodeName, peer.Alg, base64.RawURLEncoding.EncodeToString(peer.PubKey), peer.Timestamp)
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
