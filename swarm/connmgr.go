package swarm

import (
	"sync"

	"github.com/stephanfeb/dart-libp2p-sub010/peer"
)

// ConnManager is the advisory high-water-mark trimming trait named
// but left unspecified by spec.md §9's options record; it has no
// low-water mark. The swarm calls TagPeer and then TrimOpenConns on
// every newly registered connection; TrimOpenConns consults the trim
// policy only while the number of distinct tagged peers exceeds the
// high-water mark, and the policy decides which peers, if any, to
// evict. The zero value is a no-op policy.
type ConnManager struct {
	mu        sync.Mutex
	tags      map[peer.ID]int
	highWater int
	trim      func(tags map[peer.ID]int) []peer.ID
}

// NewConnManager builds a ConnManager that calls trim once the number
// of distinct tagged peers exceeds highWater. A nil trim makes every
// call to TrimOpenConns a no-op.
func NewConnManager(highWater int, trim func(tags map[peer.ID]int) []peer.ID) *ConnManager {
	return &ConnManager{tags: make(map[peer.ID]int), highWater: highWater, trim: trim}
}

// TagPeer records that p has an open connection, weighted by value
// (higher value peers are less likely to be trimmed by a policy that
// respects the tag).
func (cm *ConnManager) TagPeer(p peer.ID, value int) {
	if cm == nil {
		return
	}
	cm.mu.Lock()
	if cm.tags == nil {
		cm.tags = make(map[peer.ID]int)
	}
	cm.tags[p] += value
	cm.mu.Unlock()
}

// UntagPeer removes p's bookkeeping entry once its last connection
// closes.
func (cm *ConnManager) UntagPeer(p peer.ID) {
	if cm == nil {
		return
	}
	cm.mu.Lock()
	delete(cm.tags, p)
	cm.mu.Unlock()
}

// TrimOpenConns asks the configured policy which peers to evict, given
// the current count exceeds the high-water mark. The swarm is
// responsible for actually closing the returned peers' connections.
func (cm *ConnManager) TrimOpenConns() []peer.ID {
	if cm == nil || cm.trim == nil {
		return nil
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if len(cm.tags) <= cm.highWater {
		return nil
	}
	snapshot := make(map[peer.ID]int, len(cm.tags))
	for p, v := range cm.tags {
		snapshot[p] = v
	}
	return cm.trim(snapshot)
}
