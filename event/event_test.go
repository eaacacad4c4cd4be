package event

import (
	"testing"
	"time"
)

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(PeerConnectednessChanged{})
	defer sub.Close()

	bus.Publish(PeerConnectednessChanged{Peer: "p1", Connectedness: Connected})

	select {
	case evt := <-sub.Out():
		got := evt.(PeerConnectednessChanged)
		if got.Peer != "p1" || got.Connectedness != Connected {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribersOnlySeeTheirOwnType(t *testing.T) {
	bus := NewBus()
	connSub := bus.Subscribe(PeerConnectednessChanged{})
	addrSub := bus.Subscribe(LocalAddressesUpdated{})
	defer connSub.Close()
	defer addrSub.Close()

	bus.Publish(LocalAddressesUpdated{Addrs: []string{"/ip4/0.0.0.0/udp/0/udx"}})

	select {
	case <-connSub.Out():
		t.Fatal("connectedness subscriber should not see address events")
	case evt := <-addrSub.Out():
		got := evt.(LocalAddressesUpdated)
		if len(got.Addrs) != 1 {
			t.Fatalf("unexpected addrs: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(PeerConnectednessChanged{})
	sub.Close()

	bus.Publish(PeerConnectednessChanged{Peer: "p1", Connectedness: Connected})

	select {
	case _, ok := <-sub.Out():
		if ok {
			t.Fatal("closed subscription delivered an event")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("closed subscription's channel was never closed")
	}
}

func TestFullSubscriberDropsRatherThanBlocks(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(PeerConnectednessChanged{})
	defer sub.Close()

	for i := 0; i < subBufSize+10; i++ {
		bus.Publish(PeerConnectednessChanged{Peer: "p1", Connectedness: Connected})
	}
	// Publish must not have blocked despite the full buffer; draining
	// should yield at most subBufSize events.
	count := 0
	for {
		select {
		case <-sub.Out():
			count++
		default:
			if count > subBufSize {
				t.Fatalf("received more events than the buffer could hold: %d", count)
			}
			return
		}
	}
}
