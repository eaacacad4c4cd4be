// Package peerstore implements the address book and the
// grace-period eviction manager described in spec.md §4.7: a mapping
// from PeerID to public key, TTL-tagged known multiaddrs, supported
// protocols, and metadata, garbage-collected by a manager that watches
// the swarm's connectedness events rather than by any timer owned by
// the store itself.
package peerstore

import (
	"sync"
	"time"

	ma "github.com/stephanfeb/dart-libp2p-sub010/ma"
	"github.com/stephanfeb/dart-libp2p-sub010/mss"
	"github.com/stephanfeb/dart-libp2p-sub010/peer"
)

type addrEntry struct {
	addr      ma.Multiaddr
	expiresAt time.Time
}

type peerRecord struct {
	pubKey    []byte
	addrs     map[string]addrEntry
	protocols map[mss.ProtocolID]struct{}
	metadata  map[string]interface{}
}

func newPeerRecord() *peerRecord {
	return &peerRecord{
		addrs:     make(map[string]addrEntry),
		protocols: make(map[mss.ProtocolID]struct{}),
		metadata:  make(map[string]interface{}),
	}
}

// Peerstore is the PeerID -> {public key, addrs, protocols, metadata}
// store (spec.md §3). All methods are safe for concurrent use.
type Peerstore struct {
	mu    sync.RWMutex
	peers map[peer.ID]*peerRecord
}

// NewPeerstore returns an empty Peerstore.
func NewPeerstore() *Peerstore {
	return &Peerstore{peers: make(map[peer.ID]*peerRecord)}
}

func (ps *Peerstore) record(p peer.ID) *peerRecord {
	r, ok := ps.peers[p]
	if !ok {
		r = newPeerRecord()
		ps.peers[p] = r
	}
	return r
}

// AddPubKey records p's public key, overwriting any previous value.
func (ps *Peerstore) AddPubKey(p peer.ID, pub []byte) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.record(p).pubKey = pub
}

// PubKey returns p's recorded public key, or nil if unknown.
func (ps *Peerstore) PubKey(p peer.ID) []byte {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	r, ok := ps.peers[p]
	if !ok {
		return nil
	}
	return r.pubKey
}

// AddAddr records addr for p, expiring it after ttl. A ttl of zero
// means the address never expires on its own (it is still removed by
// removePeer).
func (ps *Peerstore) AddAddr(p peer.ID, addr ma.Multiaddr, ttl time.Duration) {
	ps.AddAddrs(p, []ma.Multiaddr{addr}, ttl)
}

// AddAddrs records every addr in addrs for p with the same ttl.
func (ps *Peerstore) AddAddrs(p peer.ID, addrs []ma.Multiaddr, ttl time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	r := ps.record(p)
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	for _, a := range addrs {
		r.addrs[a.String()] = addrEntry{addr: a, expiresAt: expires}
	}
}

// Addrs returns every non-expired address known for p.
func (ps *Peerstore) Addrs(p peer.ID) []ma.Multiaddr {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	r, ok := ps.peers[p]
	if !ok {
		return nil
	}
	now := time.Now()
	out := make([]ma.Multiaddr, 0, len(r.addrs))
	for _, e := range r.addrs {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			continue
		}
		out = append(out, e.addr)
	}
	return out
}

// SetProtocols replaces p's supported-protocol set.
func (ps *Peerstore) SetProtocols(p peer.ID, protos ...mss.ProtocolID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	r := ps.record(p)
	r.protocols = make(map[mss.ProtocolID]struct{}, len(protos))
	for _, proto := range protos {
		r.protocols[proto] = struct{}{}
	}
}

// Protocols returns p's recorded protocol set.
func (ps *Peerstore) Protocols(p peer.ID) []mss.ProtocolID {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	r, ok := ps.peers[p]
	if !ok {
		return nil
	}
	out := make([]mss.ProtocolID, 0, len(r.protocols))
	for proto := range r.protocols {
		out = append(out, proto)
	}
	return out
}

// Put stores an arbitrary metadata value for p under key.
func (ps *Peerstore) Put(p peer.ID, key string, value interface{}) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.record(p).metadata[key] = value
}

// Get retrieves a metadata value previously stored with Put.
func (ps *Peerstore) Get(p peer.ID, key string) (interface{}, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	r, ok := ps.peers[p]
	if !ok {
		return nil, false
	}
	v, ok := r.metadata[key]
	return v, ok
}

// Peers lists every PeerID currently recorded.
func (ps *Peerstore) Peers() []peer.ID {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]peer.ID, 0, len(ps.peers))
	for p := range ps.peers {
		out = append(out, p)
	}
	return out
}

// removePeer drops every record for p. Called only by the eviction
// manager once a peer's grace period has elapsed (spec.md §4.7).
func (ps *Peerstore) removePeer(p peer.ID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.peers, p)
}
