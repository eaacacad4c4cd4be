package swarm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/stephanfeb/dart-libp2p-sub010/event"
	ma "github.com/stephanfeb/dart-libp2p-sub010/ma"
	"github.com/stephanfeb/dart-libp2p-sub010/mss"
	"github.com/stephanfeb/dart-libp2p-sub010/peer"
)

// StreamHandler is invoked for every inbound stream that negotiates
// its protocol. It owns the stream's lifetime; the swarm never times
// it out (spec.md §4.6).
type StreamHandler func(s MuxedStream, remote peer.ID)

// ConnectionGater is consulted after the security handshake and before
// the muxer upgrade, so a rejected connection is never exposed to the
// rest of the swarm (spec.md
// §4.6: "an optional predicate consulted before accepting a
// connection (post-handshake)").
type ConnectionGater interface {
	Allow(remote peer.ID, addr ma.Multiaddr, dir Direction) bool
}

// Options configures a Swarm (spec.md §9: the enumerated options
// record `{identity, connManager, transport, security, muxer,
// listenAddrs, addrsFactory, connectionGater}`).
type Options struct {
	Identity        peer.KeyPair
	Transport       Transport
	Security        Security
	Muxer           Muxer
	ListenAddrs     []ma.Multiaddr
	ConnectionGater ConnectionGater
	ConnManager     *ConnManager

	// AddrsFactory transforms the swarm's raw listen addresses into the
	// addresses it advertises to the rest of the system (e.g. rewriting
	// an unspecified bind address to a NAT-mapped external one). A nil
	// factory advertises the raw listen addresses unchanged.
	AddrsFactory func([]ma.Multiaddr) []ma.Multiaddr
}

// Swarm owns the connection table, the handler registry, and the
// dialing policy (spec.md §4.6). Cyclic references between swarm and
// connections are broken by an arena-plus-index design (spec.md §9):
// the swarm indexes connections by session-ID, and callers hold those
// IDs (or *Connection handles scoped to a single call) rather than
// threading pointers back into the swarm.
type Swarm struct {
	identity peer.KeyPair
	localID  peer.ID

	transport    Transport
	security     Security
	muxer        Muxer
	gater        ConnectionGater
	connMgr      *ConnManager
	addrsFactory func([]ma.Multiaddr) []ma.Multiaddr

	mu          sync.Mutex
	conns       map[uint64]*Connection
	connsByPeer map[peer.ID]map[Direction]*Connection
	handlers    map[mss.ProtocolID]StreamHandler

	listeners []Listener

	events *event.Bus
}

// New constructs a Swarm from opts. The caller must supply a
// Transport, Security, and Muxer; ListenAddrs is optional (a swarm
// with none only dials out).
func New(opts Options) (*Swarm, error) {
	id, err := opts.Identity.ID()
	if err != nil {
		return nil, fmt.Errorf("swarm: derive local peer id: %w", err)
	}
	sw := &Swarm{
		identity:     opts.Identity,
		localID:      id,
		transport:    opts.Transport,
		security:     opts.Security,
		muxer:        opts.Muxer,
		gater:        opts.ConnectionGater,
		connMgr:      opts.ConnManager,
		addrsFactory: opts.AddrsFactory,
		conns:        make(map[uint64]*Connection),
		connsByPeer:  make(map[peer.ID]map[Direction]*Connection),
		handlers:     make(map[mss.ProtocolID]StreamHandler),
		events:       event.NewBus(),
	}
	for _, addr := range opts.ListenAddrs {
		if err := sw.listen(addr); err != nil {
			sw.Close()
			return nil, err
		}
	}
	if len(opts.ListenAddrs) > 0 {
		sw.publishLocalAddrs()
	}
	return sw, nil
}

// Addrs returns the swarm's advertised listen addresses, passed
// through AddrsFactory if one was configured (spec.md §9).
func (sw *Swarm) Addrs() []ma.Multiaddr {
	sw.mu.Lock()
	raw := make([]ma.Multiaddr, 0, len(sw.listeners))
	for _, l := range sw.listeners {
		raw = append(raw, l.Multiaddr())
	}
	sw.mu.Unlock()
	if sw.addrsFactory != nil {
		return sw.addrsFactory(raw)
	}
	return raw
}

func (sw *Swarm) publishLocalAddrs() {
	addrs := sw.Addrs()
	strs := make([]string, 0, len(addrs))
	for _, a := range addrs {
		strs = append(strs, a.String())
	}
	sw.events.Publish(event.LocalAddressesUpdated{Addrs: strs})
}

// LocalPeer returns the swarm's own PeerID.
func (sw *Swarm) LocalPeer() peer.ID { return sw.localID }

// Connectedness reports whether the swarm currently holds at least one
// open connection to p, for collaborators (like the peerstore manager)
// that need a live answer rather than an event-derived one.
func (sw *Swarm) Connectedness(p peer.ID) event.Connectedness {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if byDir, ok := sw.connsByPeer[p]; ok && len(byDir) > 0 {
		return event.Connected
	}
	return event.NotConnected
}

// Events returns the swarm's PeerConnectednessChanged/
// LocalAddressesUpdated event bus (spec.md §4.7).
func (sw *Swarm) Events() *event.Bus { return sw.events }

// SetStreamHandler registers fn to run on each inbound stream that
// negotiates proto (spec.md §4.6).
func (sw *Swarm) SetStreamHandler(proto mss.ProtocolID, fn StreamHandler) {
	sw.mu.Lock()
	sw.handlers[proto] = fn
	sw.mu.Unlock()
}

func (sw *Swarm) protocolLookup() mss.HandlerLookup {
	return swarmLookup{sw: sw}
}

// swarmLookup resolves negotiation requests against the live handler
// registry, so handlers registered after a connection opened are still
// reachable on its later streams.
type swarmLookup struct {
	sw *Swarm
}

func (l swarmLookup) Supports(p mss.ProtocolID) bool {
	l.sw.mu.Lock()
	defer l.sw.mu.Unlock()
	_, ok := l.sw.handlers[p]
	return ok
}

func (l swarmLookup) List() []mss.ProtocolID {
	l.sw.mu.Lock()
	defer l.sw.mu.Unlock()
	protos := make([]mss.ProtocolID, 0, len(l.sw.handlers))
	for p := range l.sw.handlers {
		protos = append(protos, p)
	}
	return protos
}

var sessionIDCounter atomic.Uint64

func nextSessionID() uint64 { return sessionIDCounter.Add(1) }

// registerConn adds c to the connection table, keeping at most one
// connection per (peer, direction) slot in connsByPeer (spec.md §4.6:
// "at most one connection per (peer, direction) outlives handshake
// simultaneously"). It returns the connection that holds the slot
// afterwards, and whether an existing connection was replaced.
func (sw *Swarm) registerConn(c *Connection) (winner *Connection, replaced bool) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	byDir, ok := sw.connsByPeer[c.remotePeer]
	if !ok {
		byDir = make(map[Direction]*Connection)
		sw.connsByPeer[c.remotePeer] = byDir
	}
	existing, hasExisting := byDir[c.direction]
	if hasExisting {
		// prefer the connection with the lower session-ID as the winner
		if existing.id < c.id {
			return existing, false
		}
		delete(sw.conns, existing.id)
		go existing.sess.Close()
	}
	byDir[c.direction] = c
	sw.conns[c.id] = c
	sw.events.Publish(event.PeerConnectednessChanged{
		Peer:          string(c.remotePeer),
		Connectedness: event.Connected,
	})
	sw.connMgr.TagPeer(c.remotePeer, 1)
	go sw.trimOverWater()
	return c, hasExisting
}

// trimOverWater asks the connection manager which peers to evict once
// the tagged-peer count crosses its high-water mark, and closes every
// connection to each one it names.
func (sw *Swarm) trimOverWater() {
	for _, p := range sw.connMgr.TrimOpenConns() {
		for _, c := range sw.connsFor(p) {
			c.Close()
		}
	}
}

func (sw *Swarm) removeConn(c *Connection) {
	sw.mu.Lock()
	delete(sw.conns, c.id)
	stillPresent := false
	if byDir, ok := sw.connsByPeer[c.remotePeer]; ok {
		if byDir[c.direction] == c {
			delete(byDir, c.direction)
		}
		if len(byDir) == 0 {
			delete(sw.connsByPeer, c.remotePeer)
		} else {
			stillPresent = true
		}
	}
	sw.mu.Unlock()
	if stillPresent {
		// another connection to this peer survives; its eventual
		// removal reports the NotConnected transition
		return
	}
	sw.connMgr.UntagPeer(c.remotePeer)
	sw.events.Publish(event.PeerConnectednessChanged{
		Peer:          string(c.remotePeer),
		Connectedness: event.NotConnected,
	})
}

func (sw *Swarm) connsFor(p peer.ID) []*Connection {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	byDir, ok := sw.connsByPeer[p]
	if !ok {
		return nil
	}
	out := make([]*Connection, 0, len(byDir))
	for _, c := range byDir {
		out = append(out, c)
	}
	return out
}

// NewStream implements spec.md §4.6's newStream: it reuses an existing
// connection to peer if one exists, otherwise races dials across
// candidateAddrs, then opens a muxer stream and negotiates proto.
func (sw *Swarm) NewStream(ctx context.Context, p peer.ID, candidateAddrs []ma.Multiaddr, proto mss.ProtocolID) (MuxedStream, error) {
	if conns := sw.connsFor(p); len(conns) > 0 {
		return conns[0].NewStream(ctx, proto)
	}
	c, err := sw.dial(ctx, p, candidateAddrs)
	if err != nil {
		return nil, err
	}
	return c.NewStream(ctx, proto)
}

// Close shuts down every listener and connection the swarm owns.
func (sw *Swarm) Close() error {
	sw.mu.Lock()
	listeners := sw.listeners
	conns := make([]*Connection, 0, len(sw.conns))
	for _, c := range sw.conns {
		conns = append(conns, c)
	}
	sw.mu.Unlock()
	for _, l := range listeners {
		l.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	return nil
}
