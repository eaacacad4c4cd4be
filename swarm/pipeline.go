package swarm

import (
	"context"
	"fmt"
	"io"
	"time"

	logging "github.com/ipfs/go-log"

	ma "github.com/stephanfeb/dart-libp2p-sub010/ma"
	"github.com/stephanfeb/dart-libp2p-sub010/mss"
	"github.com/stephanfeb/dart-libp2p-sub010/peer"
)

var log = logging.Logger("swarm")

// dialResult carries the outcome of one candidate-address dial.
type dialResult struct {
	addr ma.Multiaddr
	conn *Connection
	err  error
}

// dial races a connection attempt across every addr in candidates
// that the transport can dial, upgrading the winner through
// security then the muxer (spec.md §4.6, §9 transport -> security ->
// muxer). Losers' underlying dials are left to their own context
// cancellation; only the first success is kept.
func (sw *Swarm) dial(ctx context.Context, p peer.ID, candidates []ma.Multiaddr) (*Connection, error) {
	var dialable []ma.Multiaddr
	for _, a := range candidates {
		if sw.transport.CanDial(a) {
			dialable = append(dialable, a)
		}
	}
	if len(dialable) == 0 {
		return nil, ErrNoAddresses
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan dialResult, len(dialable))
	for _, addr := range dialable {
		addr := addr
		go func() {
			c, err := sw.upgradeOutbound(attemptCtx, p, addr)
			results <- dialResult{addr: addr, conn: c, err: err}
		}()
	}

	// any attempt that completes its upgrade after we have stopped
	// listening must still be torn down, or its session would leak
	drainLosers := func(outstanding int) {
		go func() {
			for i := 0; i < outstanding; i++ {
				if r := <-results; r.conn != nil {
					r.conn.sess.Close()
				}
			}
		}()
	}

	perAddr := make(map[string]error, len(dialable))
	for i := 0; i < len(dialable); i++ {
		select {
		case r := <-results:
			if r.err == nil {
				cancel()
				drainLosers(len(dialable) - i - 1)
				winner, _ := sw.registerConn(r.conn)
				if winner != r.conn {
					r.conn.sess.Close()
				} else {
					go sw.acceptLoop(winner)
				}
				return winner, nil
			}
			perAddr[r.addr.String()] = r.err
		case <-ctx.Done():
			drainLosers(len(dialable) - i)
			return nil, ctx.Err()
		}
	}
	return nil, &DialError{PerAddress: perAddr}
}

// upgradeOutbound dials addr and runs the full upgrade as the
// initiating side: multistream-select for the security protocol, the
// security handshake, then (unless the handshake already agreed on a
// muxer via extensions) multistream-select for the muxer (spec.md §6,
// §9: transport -> security -> muxer).
func (sw *Swarm) upgradeOutbound(ctx context.Context, expected peer.ID, addr ma.Multiaddr) (*Connection, error) {
	raw, err := sw.transport.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	if err := mss.Negotiate(raw, ProtoNoise); err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: security: %v", ErrProtocolNegotiationFailed, err)
	}
	sec, err := sw.security.SecureOutbound(raw, sw.identity, expected)
	if err != nil {
		raw.Close()
		return nil, err
	}
	if sec.RemotePeer() != expected && expected != "" {
		sec.Close()
		return nil, ErrPeerIDMismatch
	}
	if sw.gater != nil && !sw.gater.Allow(sec.RemotePeer(), addr, DirOutbound) {
		sec.Close()
		return nil, ErrGated
	}
	if !earlyMuxerAgreed(sec) {
		if err := mss.Negotiate(sec, ProtoYamux); err != nil {
			sec.Close()
			return nil, fmt.Errorf("%w: muxer: %v", ErrProtocolNegotiationFailed, err)
		}
	}
	sess := sw.muxer.NewSession(sec, true)
	return &Connection{
		id:         nextSessionID(),
		localPeer:  sw.localID,
		remotePeer: sec.RemotePeer(),
		remoteAddr: addr,
		direction:  DirOutbound,
		openedAt:   time.Now(),
		sess:       sess,
		sw:         sw,
	}, nil
}

// earlyMuxerAgreed reports whether the security handshake's extensions
// already named our muxer on the remote side, making the muxer's
// multistream-select round redundant.
func earlyMuxerAgreed(sec SecureConn) bool {
	e, ok := sec.(earlyMuxerNegotiator)
	if !ok {
		return false
	}
	for _, m := range e.RemoteStreamMuxers() {
		if m == string(ProtoYamux) {
			return true
		}
	}
	return false
}

// singleProto is the HandlerLookup for the upgrade pipeline's own
// negotiation rounds, where exactly one protocol is acceptable.
type singleProto mss.ProtocolID

func (p singleProto) Supports(q mss.ProtocolID) bool { return q == mss.ProtocolID(p) }
func (p singleProto) List() []mss.ProtocolID         { return []mss.ProtocolID{mss.ProtocolID(p)} }

// listen binds addr via the swarm's transport and spawns an accept
// loop that upgrades every inbound raw connection through security
// and the muxer before exposing it.
func (sw *Swarm) listen(addr ma.Multiaddr) error {
	l, err := sw.transport.Listen(addr)
	if err != nil {
		return err
	}
	sw.mu.Lock()
	sw.listeners = append(sw.listeners, l)
	sw.mu.Unlock()
	go sw.acceptConns(l)
	return nil
}

func (sw *Swarm) acceptConns(l Listener) {
	for {
		raw, err := l.Accept()
		if err != nil {
			log.Debugf("swarm: listener %s closed: %v", l.Multiaddr(), err)
			return
		}
		go sw.upgradeInbound(raw, l.Multiaddr())
	}
}

func (sw *Swarm) upgradeInbound(raw io.ReadWriteCloser, local ma.Multiaddr) {
	if _, err := mss.Respond(raw, singleProto(ProtoNoise)); err != nil {
		log.Debugf("swarm: inbound security negotiation failed: %v", err)
		raw.Close()
		return
	}
	sec, err := sw.security.SecureInbound(raw, sw.identity)
	if err != nil {
		log.Debugf("swarm: inbound security upgrade failed: %v", err)
		raw.Close()
		return
	}
	if sw.gater != nil && !sw.gater.Allow(sec.RemotePeer(), local, DirInbound) {
		log.Debugf("swarm: inbound connection from %s rejected: %v", sec.RemotePeer(), ErrGated)
		sec.Close()
		return
	}
	if !earlyMuxerAgreed(sec) {
		if _, err := mss.Respond(sec, singleProto(ProtoYamux)); err != nil {
			log.Debugf("swarm: inbound muxer negotiation failed: %v", err)
			sec.Close()
			return
		}
	}
	sess := sw.muxer.NewSession(sec, false)
	c := &Connection{
		id:         nextSessionID(),
		localPeer:  sw.localID,
		remotePeer: sec.RemotePeer(),
		localAddr:  local,
		direction:  DirInbound,
		openedAt:   time.Now(),
		sess:       sess,
		sw:         sw,
	}
	winner, _ := sw.registerConn(c)
	if winner != c {
		// a lower-session-ID connection to this peer/direction already
		// won the race; close this one (spec.md §4.6 dedup).
		c.sess.Close()
		return
	}
	sw.acceptLoop(winner)
}

// acceptLoop accepts inbound muxer streams on c, negotiates their
// protocol, and dispatches each to its registered handler. It returns
// once the session is shut down, at which point the connection is
// retired from the swarm's table.
func (sw *Swarm) acceptLoop(c *Connection) {
	defer c.Close()
	lookup := sw.protocolLookup()
	for {
		st, err := c.sess.AcceptStream()
		if err != nil {
			return
		}
		go func() {
			proto, err := mss.Respond(st, lookup)
			if err != nil {
				st.Close()
				return
			}
			sw.mu.Lock()
			fn, ok := sw.handlers[proto]
			sw.mu.Unlock()
			if !ok {
				st.Close()
				return
			}
			fn(st, c.remotePeer)
		}()
	}
}
