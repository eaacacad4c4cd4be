package peerstore

import (
	"testing"
	"time"

	ma "github.com/stephanfeb/dart-libp2p-sub010/ma"
	"github.com/stephanfeb/dart-libp2p-sub010/mss"
	"github.com/stephanfeb/dart-libp2p-sub010/peer"
)

func mustAddr(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	a, err := ma.NewMultiaddr(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return a
}

func TestAddAddrsExpireAfterTTL(t *testing.T) {
	ps := NewPeerstore()
	p := peer.ID("peer-1")
	addr := mustAddr(t, "/ip4/127.0.0.1/udp/4001/udx")

	ps.AddAddr(p, addr, 10*time.Millisecond)
	if got := ps.Addrs(p); len(got) != 1 {
		t.Fatalf("expected 1 address before expiry, got %d", len(got))
	}

	time.Sleep(20 * time.Millisecond)
	if got := ps.Addrs(p); len(got) != 0 {
		t.Fatalf("expected 0 addresses after expiry, got %d", len(got))
	}
}

func TestAddAddrZeroTTLNeverExpires(t *testing.T) {
	ps := NewPeerstore()
	p := peer.ID("peer-1")
	addr := mustAddr(t, "/ip4/127.0.0.1/udp/4001/udx")

	ps.AddAddr(p, addr, 0)
	time.Sleep(10 * time.Millisecond)
	if got := ps.Addrs(p); len(got) != 1 {
		t.Fatalf("expected permanent address to survive, got %d", len(got))
	}
}

func TestProtocolsRoundTrip(t *testing.T) {
	ps := NewPeerstore()
	p := peer.ID("peer-1")
	ps.SetProtocols(p, mss.ProtocolID("/echo/1.0.0"), mss.ProtocolID("/ping/1.0.0"))

	got := ps.Protocols(p)
	if len(got) != 2 {
		t.Fatalf("expected 2 protocols, got %d", len(got))
	}
}

func TestMetadataPutGet(t *testing.T) {
	ps := NewPeerstore()
	p := peer.ID("peer-1")

	if _, ok := ps.Get(p, "rtt"); ok {
		t.Fatal("expected no metadata for unknown key")
	}
	ps.Put(p, "rtt", 42*time.Millisecond)
	v, ok := ps.Get(p, "rtt")
	if !ok || v.(time.Duration) != 42*time.Millisecond {
		t.Fatalf("unexpected metadata: %v, %v", v, ok)
	}
}

func TestRemovePeerDropsEverything(t *testing.T) {
	ps := NewPeerstore()
	p := peer.ID("peer-1")
	ps.AddAddr(p, mustAddr(t, "/ip4/127.0.0.1/udp/4001/udx"), 0)
	ps.Put(p, "k", "v")

	ps.removePeer(p)

	if got := ps.Addrs(p); len(got) != 0 {
		t.Fatalf("expected no addresses after removal, got %d", len(got))
	}
	if _, ok := ps.Get(p, "k"); ok {
		t.Fatal("expected no metadata after removal")
	}
}
