package swarm

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stephanfeb/dart-libp2p-sub010/event"
	ma "github.com/stephanfeb/dart-libp2p-sub010/ma"
	"github.com/stephanfeb/dart-libp2p-sub010/mss"
	"github.com/stephanfeb/dart-libp2p-sub010/peer"
)

// fakeTransport simulates a network of listeners keyed by multiaddr
// string, so dial/accept can be exercised without real sockets.
type fakeTransport struct {
	mu        sync.Mutex
	listeners map[string]*fakeListener
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{listeners: make(map[string]*fakeListener)}
}

func (t *fakeTransport) CanDial(addr ma.Multiaddr) bool { return true }

func (t *fakeTransport) Dial(ctx context.Context, addr ma.Multiaddr) (io.ReadWriteCloser, error) {
	t.mu.Lock()
	l, ok := t.listeners[addr.String()]
	t.mu.Unlock()
	if !ok {
		return nil, errors.New("fake transport: no listener at " + addr.String())
	}
	client, server := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Listen(addr ma.Multiaddr) (Listener, error) {
	l := &fakeListener{addr: addr, conns: make(chan net.Conn, 8)}
	t.mu.Lock()
	t.listeners[addr.String()] = l
	t.mu.Unlock()
	return l, nil
}

type fakeListener struct {
	addr  ma.Multiaddr
	conns chan net.Conn
}

func (l *fakeListener) Accept() (io.ReadWriteCloser, error) {
	c, ok := <-l.conns
	if !ok {
		return nil, io.EOF
	}
	return c, nil
}

func (l *fakeListener) Multiaddr() ma.Multiaddr { return l.addr }
func (l *fakeListener) Close() error            { close(l.conns); return nil }

// idExchangeSecurity skips real cryptography and simply exchanges each
// side's already-known PeerID over the wire, so swarm-level behavior
// (dedup, gating, dispatch) can be tested independently of noise.
type idExchangeSecurity struct{}

func writeID(w io.Writer, id peer.ID) error {
	b := []byte(id)
	if _, err := w.Write([]byte{byte(len(b))}); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readID(r io.Reader) (peer.ID, error) {
	var lenBuf [1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	buf := make([]byte, lenBuf[0])
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return peer.ID(buf), nil
}

func (idExchangeSecurity) SecureOutbound(rw io.ReadWriteCloser, local peer.KeyPair, expected peer.ID) (SecureConn, error) {
	localID, err := local.ID()
	if err != nil {
		return nil, err
	}
	if err := writeID(rw, localID); err != nil {
		return nil, err
	}
	remoteID, err := readID(rw)
	if err != nil {
		return nil, err
	}
	if expected != "" && remoteID != expected {
		return nil, ErrPeerIDMismatch
	}
	return &fakeSecureConn{ReadWriteCloser: rw, remote: remoteID}, nil
}

func (idExchangeSecurity) SecureInbound(rw io.ReadWriteCloser, local peer.KeyPair) (SecureConn, error) {
	localID, err := local.ID()
	if err != nil {
		return nil, err
	}
	remoteID, err := readID(rw)
	if err != nil {
		return nil, err
	}
	if err := writeID(rw, localID); err != nil {
		return nil, err
	}
	return &fakeSecureConn{ReadWriteCloser: rw, remote: remoteID}, nil
}

type fakeSecureConn struct {
	io.ReadWriteCloser
	remote peer.ID
}

func (c *fakeSecureConn) RemotePeer() peer.ID { return c.remote }

func newTestSwarm(t *testing.T, tr Transport, listenAddr ma.Multiaddr) *Swarm {
	t.Helper()
	kp, err := peer.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	var addrs []ma.Multiaddr
	if listenAddr != nil {
		addrs = []ma.Multiaddr{listenAddr}
	}
	sw, err := New(Options{
		Identity:    kp,
		Transport:   tr,
		Security:    idExchangeSecurity{},
		Muxer:       YamuxMuxer{},
		ListenAddrs: addrs,
	})
	if err != nil {
		t.Fatalf("new swarm: %v", err)
	}
	return sw
}

func mustAddr(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	a, err := ma.NewMultiaddr(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return a
}

func TestNewStreamNegotiatesAndDeliversBytes(t *testing.T) {
	network := newFakeTransport()
	serverAddr := mustAddr(t, "/ip4/127.0.0.1/udp/4001/udx")

	server := newTestSwarm(t, network, serverAddr)
	defer server.Close()
	client := newTestSwarm(t, network, nil)
	defer client.Close()

	const proto = mss.ProtocolID("/echo/1.0.0")
	received := make(chan string, 1)
	server.SetStreamHandler(proto, func(s MuxedStream, remote peer.ID) {
		defer s.Close()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(s, buf); err != nil {
			return
		}
		received <- string(buf)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := client.NewStream(ctx, server.LocalPeer(), []ma.Multiaddr{serverAddr}, proto)
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	defer st.Close()

	if _, err := st.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-received:
		if got != "hello" {
			t.Fatalf("expected %q, got %q", "hello", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the stream's payload")
	}
}

func TestNewStreamFailsWithNoAddresses(t *testing.T) {
	client := newTestSwarm(t, newFakeTransport(), nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := client.NewStream(ctx, peer.ID("unknown"), nil, mss.ProtocolID("/echo/1.0.0"))
	if !errors.Is(err, ErrNoAddresses) {
		t.Fatalf("expected ErrNoAddresses, got %v", err)
	}
}

func TestConnectionGaterRejectsInbound(t *testing.T) {
	network := newFakeTransport()
	serverAddr := mustAddr(t, "/ip4/127.0.0.1/udp/4002/udx")

	kp, err := peer.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	server, err := New(Options{
		Identity:        kp,
		Transport:       network,
		Security:        idExchangeSecurity{},
		Muxer:           YamuxMuxer{},
		ListenAddrs:     []ma.Multiaddr{serverAddr},
		ConnectionGater: rejectAll{},
	})
	if err != nil {
		t.Fatalf("new swarm: %v", err)
	}
	defer server.Close()

	client := newTestSwarm(t, network, nil)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err = client.NewStream(ctx, server.LocalPeer(), []ma.Multiaddr{serverAddr}, mss.ProtocolID("/echo/1.0.0"))
	if err == nil {
		t.Fatal("expected dial to fail once the gater rejects the inbound connection")
	}
}

type rejectAll struct{}

func (rejectAll) Allow(remote peer.ID, addr ma.Multiaddr, dir Direction) bool { return false }

type noopSession struct{}

func (noopSession) OpenStream() (MuxedStream, error)   { return nil, errors.New("noop") }
func (noopSession) AcceptStream() (MuxedStream, error) { return nil, errors.New("noop") }
func (noopSession) Close() error                       { return nil }

func TestRegisterConnDedupPrefersLowerSessionID(t *testing.T) {
	sw := &Swarm{
		conns:       make(map[uint64]*Connection),
		connsByPeer: make(map[peer.ID]map[Direction]*Connection),
		handlers:    make(map[mss.ProtocolID]StreamHandler),
		events:      event.NewBus(),
	}
	c1 := &Connection{id: 1, remotePeer: "p", direction: DirInbound, sess: noopSession{}}
	c2 := &Connection{id: 2, remotePeer: "p", direction: DirInbound, sess: noopSession{}}

	winner1, _ := sw.registerConn(c1)
	if winner1 != c1 {
		t.Fatalf("expected c1 to win as the first registration")
	}
	winner2, _ := sw.registerConn(c2)
	if winner2 != c1 {
		t.Fatalf("expected the lower-session-ID connection c1 to remain the winner, got id %d", winner2.id)
	}
}
