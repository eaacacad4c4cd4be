package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	ma "github.com/stephanfeb/dart-libp2p-sub010/ma"
	"github.com/stephanfeb/dart-libp2p-sub010/mss"
	"github.com/stephanfeb/dart-libp2p-sub010/peer"
)

// Direction records which side of a Connection dialed.
type Direction int

const (
	DirOutbound Direction = iota
	DirInbound
)

// Connection owns exactly one transport byte-stream and exactly one
// muxer session (spec.md §3). It is never exposed to the swarm's
// connection table until both the security and muxer upgrades have
// completed.
type Connection struct {
	id         uint64
	localPeer  peer.ID
	remotePeer peer.ID
	localAddr  ma.Multiaddr
	remoteAddr ma.Multiaddr
	direction  Direction
	openedAt   time.Time

	sess MuxedSession
	sw   *Swarm

	mu     sync.Mutex
	closed bool
}

// ID returns the connection's monotonic session ID, used as the index
// key in the swarm's arena-plus-index connection table (spec.md §9).
func (c *Connection) ID() uint64 { return c.id }

func (c *Connection) LocalPeer() peer.ID            { return c.localPeer }
func (c *Connection) RemotePeer() peer.ID           { return c.remotePeer }
func (c *Connection) LocalMultiaddr() ma.Multiaddr  { return c.localAddr }
func (c *Connection) RemoteMultiaddr() ma.Multiaddr { return c.remoteAddr }
func (c *Connection) Direction() Direction          { return c.direction }
func (c *Connection) OpenedAt() time.Time           { return c.openedAt }

// NewStream opens a new muxer stream on this connection and runs
// multistream-select as the initiator for proto (spec.md §4.6).
func (c *Connection) NewStream(ctx context.Context, proto mss.ProtocolID) (MuxedStream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrSessionShutdown
	}
	c.mu.Unlock()

	st, err := c.sess.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionShutdown, err)
	}
	done := make(chan error, 1)
	go func() { done <- mss.Negotiate(st, proto) }()
	select {
	case err := <-done:
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("%w: %v", ErrProtocolNegotiationFailed, err)
		}
		return st, nil
	case <-ctx.Done():
		st.Reset()
		return nil, ctx.Err()
	}
}

// Close tears down the muxer session, which in turn closes every open
// stream, and removes the connection from its owning swarm's table
// (spec.md §8 scenario 6: "Both streams observe EOF ... a subsequent
// newStream ... fails with SessionShutdown").
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.sw.removeConn(c)
	return c.sess.Close()
}
