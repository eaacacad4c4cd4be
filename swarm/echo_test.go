package swarm

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stephanfeb/dart-libp2p-sub010/event"
	ma "github.com/stephanfeb/dart-libp2p-sub010/ma"
	"github.com/stephanfeb/dart-libp2p-sub010/mss"
	"github.com/stephanfeb/dart-libp2p-sub010/peer"
)

// newUDXSwarm assembles the real stack: UDX transport, Noise security,
// yamux muxer.
func newUDXSwarm(t *testing.T, listen bool) *Swarm {
	t.Helper()
	kp, err := peer.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	opts := Options{
		Identity:  kp,
		Transport: NewUDXTransport(),
		Security:  NoiseSecurity{},
		Muxer:     YamuxMuxer{},
	}
	if listen {
		addr, err := ma.NewMultiaddr("/ip4/127.0.0.1/udp/0/udx")
		if err != nil {
			t.Fatalf("parse listen addr: %v", err)
		}
		opts.ListenAddrs = []ma.Multiaddr{addr}
	}
	sw, err := New(opts)
	if err != nil {
		t.Fatalf("new swarm: %v", err)
	}
	return sw
}

// TestEchoRoundTripOverUDX drives the full upgrade pipeline end to
// end: a dialed UDX socket, a Noise XX handshake, a yamux session, and
// a multistream-negotiated echo protocol carrying 1 MiB each way.
func TestEchoRoundTripOverUDX(t *testing.T) {
	if testing.Short() {
		t.Skip("1 MiB loopback transfer")
	}
	const proto = mss.ProtocolID("/echo/1.0.0")
	const payloadSize = 1 << 20

	server := newUDXSwarm(t, true)
	defer server.Close()
	client := newUDXSwarm(t, false)
	defer client.Close()

	server.SetStreamHandler(proto, func(s MuxedStream, remote peer.ID) {
		defer s.Close()
		io.Copy(s, s)
	})

	addrs := server.Addrs()
	if len(addrs) == 0 {
		t.Fatal("server swarm advertises no listen addresses")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := client.NewStream(ctx, server.LocalPeer(), addrs, proto)
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}

	payload := bytes.Repeat([]byte{0xAB}, payloadSize)
	writeErr := make(chan error, 1)
	go func() {
		if _, err := st.Write(payload); err != nil {
			writeErr <- err
			return
		}
		writeErr <- st.Close()
	}()

	echoed, err := io.ReadAll(st)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(echoed) != payloadSize {
		t.Fatalf("echoed %d bytes, want %d", len(echoed), payloadSize)
	}
	if !bytes.Equal(echoed, payload) {
		t.Fatal("echoed bytes differ from the payload written")
	}
}

// TestDialRejectsMismatchedPeerID dials a live listener while
// expecting a different identity; the initiator rejects the identity
// in the responder's handshake message, so the dial must fail and the
// client must hold no connection to the listener.
func TestDialRejectsMismatchedPeerID(t *testing.T) {
	server := newUDXSwarm(t, true)
	defer server.Close()
	client := newUDXSwarm(t, false)
	defer client.Close()

	wrongKP, err := peer.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	wrongID, err := wrongKP.ID()
	if err != nil {
		t.Fatalf("derive id: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = client.NewStream(ctx, wrongID, server.Addrs(), mss.ProtocolID("/echo/1.0.0"))
	if err == nil {
		t.Fatal("expected dial to fail on peer id mismatch")
	}
	if client.Connectedness(server.LocalPeer()) == event.Connected {
		t.Fatal("client retained a connection to the mismatched peer")
	}
}
