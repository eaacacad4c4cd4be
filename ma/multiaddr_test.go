package ma

import (
	"testing"

	"github.com/stephanfeb/dart-libp2p-sub010/peer"
)

func TestMultiaddrParseSerializeIsIdentity(t *testing.T) {
	const s = "/ip4/127.0.0.1/udp/4001/udx"
	addr, err := NewMultiaddr(s)
	if err != nil {
		t.Fatalf("NewMultiaddr(%q): %v", s, err)
	}
	if addr.String() != s {
		t.Fatalf("round trip mismatch: got %q, want %q", addr.String(), s)
	}
	again, err := NewMultiaddr(addr.String())
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if !Equal(addr, again) {
		t.Fatalf("re-parsed multiaddr not structurally equal")
	}
}

func TestParseUDXEndpoint(t *testing.T) {
	addr, err := NewMultiaddr("/ip4/10.0.0.5/udp/1337/udx")
	if err != nil {
		t.Fatalf("NewMultiaddr: %v", err)
	}
	ep, err := ParseUDXEndpoint(addr)
	if err != nil {
		t.Fatalf("ParseUDXEndpoint: %v", err)
	}
	if ep.Host != "10.0.0.5" || ep.Port != 1337 || ep.IPv6 {
		t.Fatalf("unexpected endpoint: %+v", ep)
	}
}

func TestParseUDXEndpointRejectsNonUDX(t *testing.T) {
	addr, err := NewMultiaddr("/ip4/10.0.0.5/tcp/1337")
	if err != nil {
		t.Fatalf("NewMultiaddr: %v", err)
	}
	if _, err := ParseUDXEndpoint(addr); err == nil {
		t.Fatalf("expected ParseUDXEndpoint to reject a non-udx address")
	}
}

func TestWithPeerIDAndExtract(t *testing.T) {
	addr, _ := NewMultiaddr("/ip4/127.0.0.1/udp/4001/udx")
	kp, err := peer.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	id, err := kp.ID()
	if err != nil {
		t.Fatalf("ID: %v", err)
	}
	pid := id.B58String()
	withID, err := WithPeerID(addr, pid)
	if err != nil {
		t.Fatalf("WithPeerID: %v", err)
	}
	got, ok := ExtractPeerID(withID)
	if !ok || got != pid {
		t.Fatalf("ExtractPeerID = (%q, %v), want (%q, true)", got, ok, pid)
	}
	stripped, extracted := SplitPeerID(withID)
	if extracted != pid {
		t.Fatalf("SplitPeerID extracted %q, want %q", extracted, pid)
	}
	if !Equal(stripped, addr) {
		t.Fatalf("SplitPeerID did not restore the original address: %s != %s", stripped, addr)
	}
}
