package swarm

import (
	"testing"

	"github.com/stephanfeb/dart-libp2p-sub010/peer"
)

func TestConnManagerTrimsOnlyOverHighWater(t *testing.T) {
	var trimmed []peer.ID
	cm := NewConnManager(2, func(tags map[peer.ID]int) []peer.ID {
		trimmed = nil
		for p := range tags {
			trimmed = append(trimmed, p)
		}
		return trimmed
	})

	cm.TagPeer("p1", 1)
	if got := cm.TrimOpenConns(); got != nil {
		t.Fatalf("expected no trim below high water, got %v", got)
	}

	cm.TagPeer("p2", 1)
	cm.TagPeer("p3", 1)
	got := cm.TrimOpenConns()
	if len(got) != 3 {
		t.Fatalf("expected trim to be consulted once over high water, got %v", got)
	}
}

func TestNilConnManagerIsANoop(t *testing.T) {
	var cm *ConnManager
	cm.TagPeer("p1", 1)
	cm.UntagPeer("p1")
	if got := cm.TrimOpenConns(); got != nil {
		t.Fatalf("expected nil ConnManager to be a no-op, got %v", got)
	}
}
