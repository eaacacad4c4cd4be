// Package event implements the typed publish/subscribe bus that the
// swarm uses to announce connectedness and address changes to
// collaborators such as the peerstore manager (spec.md §4.7).
//
// Delivery order matches spec.md §5: per peer, a Connected event for a
// connection is always published before the NotConnected event for
// that same connection, but there is no ordering guarantee across
// different peers. A subscriber that falls behind stays subscribed but
// misses the events published while its buffer is full, so publishers
// never block, matching the single-writer discipline used throughout
// the rest of the module.
package event

import (
	"sync"

	logging "github.com/ipfs/go-log"
)

var log = logging.Logger("event")

// Connectedness records whether the swarm currently holds an open
// connection to a peer.
type Connectedness int

const (
	NotConnected Connectedness = iota
	Connected
)

func (c Connectedness) String() string {
	if c == Connected {
		return "Connected"
	}
	return "NotConnected"
}

// PeerConnectednessChanged fires whenever a peer's Connectedness
// transitions (spec.md §4.7).
type PeerConnectednessChanged struct {
	Peer          string
	Connectedness Connectedness
}

// LocalAddressesUpdated fires when the swarm's own listen addresses
// change.
type LocalAddressesUpdated struct {
	Addrs []string
}

// subBufSize bounds how many events a lagging subscriber can queue
// before further events to it are dropped.
const subBufSize = 64

// Subscription delivers events of a single registered type.
type Subscription struct {
	ch     chan interface{}
	bus    *Bus
	closed bool
	mu     sync.Mutex
}

// Out returns the channel events arrive on.
func (s *Subscription) Out() <-chan interface{} { return s.ch }

// Close unregisters the subscription.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.bus.unsubscribe(s)
	return nil
}

// Bus is an in-process typed event bus, keyed by the dynamic type of
// the event value passed to Publish.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*Subscription
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

func typeKey(evt interface{}) string {
	switch evt.(type) {
	case PeerConnectednessChanged:
		return "PeerConnectednessChanged"
	case LocalAddressesUpdated:
		return "LocalAddressesUpdated"
	default:
		return "unknown"
	}
}

// Subscribe registers interest in events of the same dynamic type as
// sample (e.g. PeerConnectednessChanged{}).
func (b *Bus) Subscribe(sample interface{}) *Subscription {
	sub := &Subscription{ch: make(chan interface{}, subBufSize), bus: b}
	key := typeKey(sample)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], sub)
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, subs := range b.subs {
		for i, s := range subs {
			if s == sub {
				b.subs[key] = append(subs[:i], subs[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
}

// Publish delivers evt to every current subscriber of its type.
// Subscribers that are full are logged and skipped rather than
// allowed to block the publisher.
func (b *Bus) Publish(evt interface{}) {
	key := typeKey(evt)
	b.mu.RLock()
	subs := b.subs[key]
	b.mu.RUnlock()
	for _, s := range subs {
		select {
		case s.ch <- evt:
		default:
			log.Warnf("event: dropping %s, subscriber buffer full", key)
		}
	}
}
