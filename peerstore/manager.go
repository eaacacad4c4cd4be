package peerstore

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/stephanfeb/dart-libp2p-sub010/event"
	"github.com/stephanfeb/dart-libp2p-sub010/peer"
)

var log = logging.Logger("peerstore")

// DefaultGracePeriod is the time a disconnected peer's records survive
// before eviction, absent a Connected event that cancels it (spec.md
// §4.7).
const DefaultGracePeriod = 60 * time.Second

// Manager watches a swarm's connectedness events and evicts peers from
// a Peerstore once they have been disconnected for longer than the
// grace period (spec.md §4.7). It is the sole caller of
// Peerstore.removePeer.
//
// Decision (Open Question, spec.md §9): shutdown is a rendezvous, not
// a lock handed between Stop and the sweep. Stop closes the stop
// channel; the event/sweep goroutine itself then flushes the pending
// candidates and exits, and Stop waits for that exit on the done
// channel. handleEvent, sweep and flush all run on that one goroutine,
// so they never race on the pending map (m.mu guards it all the same).
type Manager struct {
	ps    *Peerstore
	bus   *event.Bus
	grace time.Duration
	src   ConnectednessSource

	mu      sync.Mutex
	pending map[peer.ID]time.Time

	sub  *event.Subscription
	stop chan struct{}
	done chan struct{}
}

// ConnectednessSource reports a peer's live connectedness; the swarm
// implements it. A sweep consults it so that a dropped or reordered
// event can never evict a peer that is in fact still connected
// (spec.md §4.7: "AND whose current connectedness is still
// NotConnected").
type ConnectednessSource interface {
	Connectedness(p peer.ID) event.Connectedness
}

// NewManager constructs a Manager for ps, subscribing to bus. A grace
// of zero uses DefaultGracePeriod.
func NewManager(ps *Peerstore, bus *event.Bus, grace time.Duration) *Manager {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Manager{
		ps:      ps,
		bus:     bus,
		grace:   grace,
		pending: make(map[peer.ID]time.Time),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetConnectednessSource installs the live connectedness check the
// sweep consults. Must be called before Start; a Manager without one
// trusts the event stream alone.
func (m *Manager) SetConnectednessSource(src ConnectednessSource) {
	m.src = src
}

// Start subscribes to the event bus and begins the periodic sweep. It
// must be called at most once.
func (m *Manager) Start() {
	m.sub = m.bus.Subscribe(event.PeerConnectednessChanged{})
	go m.run()
}

func (m *Manager) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.grace / 2)
	defer ticker.Stop()
	for {
		select {
		case evt, ok := <-m.sub.Out():
			if !ok {
				return
			}
			m.handleEvent(evt.(event.PeerConnectednessChanged))
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			m.flush()
			return
		}
	}
}

func (m *Manager) handleEvent(evt event.PeerConnectednessChanged) {
	p := peer.ID(evt.Peer)
	m.mu.Lock()
	defer m.mu.Unlock()
	switch evt.Connectedness {
	case event.NotConnected:
		m.pending[p] = time.Now()
	case event.Connected:
		delete(m.pending, p)
	}
}

// sweep evicts every pending peer whose grace period has elapsed. A
// peer only remains in pending while its connectedness is
// NotConnected, since handleEvent removes it the moment a Connected
// event arrives.
func (m *Manager) sweep() {
	now := time.Now()
	m.mu.Lock()
	var evict []peer.ID
	for p, ts := range m.pending {
		if now.Sub(ts) >= m.grace {
			evict = append(evict, p)
		}
	}
	for _, p := range evict {
		delete(m.pending, p)
	}
	m.mu.Unlock()
	for _, p := range evict {
		if m.src != nil && m.src.Connectedness(p) == event.Connected {
			// the Connected event must have been dropped; treat the
			// peer as reconnected rather than evicting it
			continue
		}
		log.Debugf("peerstore: evicting %s after grace period", p)
		m.ps.removePeer(p)
	}
}

// flush evicts every still-pending peer immediately, regardless of
// whether its grace period has elapsed (spec.md §4.7: "on shutdown,
// flushes all pending eviction candidates").
func (m *Manager) flush() {
	m.mu.Lock()
	evict := make([]peer.ID, 0, len(m.pending))
	for p := range m.pending {
		evict = append(evict, p)
	}
	m.pending = make(map[peer.ID]time.Time)
	m.mu.Unlock()
	for _, p := range evict {
		m.ps.removePeer(p)
	}
}

// Stop ends the sweep loop, flushing any pending eviction candidates,
// and blocks until it has exited.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
	m.sub.Close()
}
