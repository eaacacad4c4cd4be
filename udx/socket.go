package udx

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	pool "github.com/libp2p/go-buffer-pool"
)

const maxPacketSize = 64 * 1024

// Endpoint binds one datagram socket and demultiplexes many logical
// UDX streams, keyed by local stream-ID, onto it (spec.md §4.1, §4.2).
// It is stateless beyond the bound socket; all reliability lives in
// Stream.
type Endpoint struct {
	pc net.PacketConn

	mu      sync.Mutex
	streams map[uint32]*Stream
	pending map[uint32]chan *packet // localID -> channel awaiting a SYN-ACK, for in-flight Dial calls
	synSeen map[string]inboundSYN   // remote (addr, srcID) -> responder state, for duplicate-SYN idempotence
	accept  chan *Stream
	done    chan struct{}
	closed  bool
}

// inboundSYN remembers how a previous SYN from one remote stream was
// answered, so a retransmitted SYN elicits the same SYN-ACK rather
// than a second stream (spec.md §8: "duplicate SYN MUST be
// idempotent").
type inboundSYN struct {
	localID uint32
	isn     uint32
	ack     uint32
}

// NewEndpoint binds pc and starts demultiplexing inbound packets.
func NewEndpoint(pc net.PacketConn) *Endpoint {
	ep := &Endpoint{
		pc:      pc,
		streams: make(map[uint32]*Stream),
		pending: make(map[uint32]chan *packet),
		synSeen: make(map[string]inboundSYN),
		accept:  make(chan *Stream, 64),
		done:    make(chan struct{}),
	}
	tuneSocketBuffers(pc)
	go ep.readLoop()
	return ep
}

func (ep *Endpoint) LocalAddr() net.Addr { return ep.pc.LocalAddr() }

func (ep *Endpoint) writeTo(buf []byte, addr net.Addr) {
	ep.mu.Lock()
	closed := ep.closed
	ep.mu.Unlock()
	if closed {
		return
	}
	if _, err := ep.pc.WriteTo(buf, addr); err != nil {
		log.Debugw("udx write failed", "addr", addr, "err", err)
	}
}

func (ep *Endpoint) removeStream(localID uint32) {
	ep.mu.Lock()
	if s, ok := ep.streams[localID]; ok && s.synKey != "" {
		delete(ep.synSeen, s.synKey)
	}
	delete(ep.streams, localID)
	ep.mu.Unlock()
}

// sendRaw encodes and transmits a packet not owned by any Stream, such
// as the re-sent SYN-ACK for a duplicate SYN.
func (ep *Endpoint) sendRaw(pkt packet, addr net.Addr) {
	buf := pool.Get(pkt.encodedSize())
	defer pool.Put(buf)
	ep.writeTo(pkt.encode(buf), addr)
}

// Close closes the underlying socket. Accept and any blocked Dial
// calls return ErrEndpointClosed; every open Stream observes
// ErrConnectionReset.
func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	streams := make([]*Stream, 0, len(ep.streams))
	for _, s := range ep.streams {
		streams = append(streams, s)
	}
	ep.mu.Unlock()
	for _, s := range streams {
		s.setErr(ErrConnectionReset)
	}
	close(ep.done)
	return ep.pc.Close()
}

// Accept returns the next inbound Stream whose SYN has been answered
// with a SYN-ACK; it does not wait for the initiator's final ACK.
func (ep *Endpoint) Accept() (*Stream, error) {
	select {
	case s := <-ep.accept:
		return s, nil
	case <-ep.done:
		return nil, ErrEndpointClosed
	}
}

// Dial opens a new Stream to raddr, blocking until the three-way SYN
// handshake completes or ctx is done. Fails with ErrConnectionRefused
// if no SYN-ACK arrives before ctx's deadline (spec.md §4.1).
func (ep *Endpoint) Dial(ctx context.Context, raddr net.Addr) (*Stream, error) {
	localID := randomStreamID()
	isn := randomStreamID()
	ch := make(chan *packet, 1)

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil, ErrEndpointClosed
	}
	ep.pending[localID] = ch
	ep.mu.Unlock()
	defer func() {
		ep.mu.Lock()
		delete(ep.pending, localID)
		ep.mu.Unlock()
	}()

	synPkt := packet{header: header{srcID: localID, destID: 0, seq: isn, flags: flagSYN, window: defaultRecvWindow}}
	buf := pool.Get(synPkt.encodedSize())
	out := synPkt.encode(buf)
	retry := time.NewTicker(500 * time.Millisecond)
	defer retry.Stop()
	ep.writeTo(out, raddr)
	pool.Put(buf)

	for {
		select {
		case p := <-ch:
			if p.flags&flagRST != 0 {
				return nil, ErrConnectionRefused
			}
			s := newStream(ep, localID, p.srcID, raddr, true, isn+1)
			s.st = stateEstablished
			s.recvNext = p.seq
			if p.flags&flagSYN != 0 {
				s.recvNext++
			}
			ep.mu.Lock()
			ep.streams[localID] = s
			ep.mu.Unlock()
			// ack the SYN-ACK
			s.sendPacket(packet{header: header{srcID: localID, destID: s.remoteID, ack: s.recvNext, flags: flagACK, window: defaultRecvWindow}})
			return s, nil
		case <-retry.C:
			ep.writeTo(synPkt.encode(make([]byte, synPkt.encodedSize())), raddr)
		case <-ep.done:
			return nil, ErrEndpointClosed
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrConnectionRefused, ctx.Err())
		}
	}
}

// readLoop is the Endpoint's single reader task; it demultiplexes
// every inbound packet to its Stream (spec.md §5: "Yamux receive-side
// is single-reader" — the same discipline applies here one layer down).
func (ep *Endpoint) readLoop() {
	buf := make([]byte, maxPacketSize)
	for {
		n, addr, err := ep.pc.ReadFrom(buf)
		if err != nil {
			ep.mu.Lock()
			closed := ep.closed
			ep.mu.Unlock()
			if !closed {
				log.Debugw("udx readLoop exiting", "err", err)
			}
			return
		}
		p, err := decodePacket(buf[:n])
		if err != nil {
			log.Debugw("udx dropping malformed packet", "addr", addr, "err", err)
			continue
		}
		ep.dispatch(p, addr)
	}
}

func (ep *Endpoint) dispatch(p packet, addr net.Addr) {
	if p.flags&flagSYN != 0 && p.destID == 0 {
		ep.handleInboundSYN(p, addr)
		return
	}

	ep.mu.Lock()
	if ch, ok := ep.pending[p.destID]; ok {
		pcopy := p
		pcopy.data = append([]byte(nil), p.data...)
		ep.mu.Unlock()
		select {
		case ch <- &pcopy:
		default:
		}
		return
	}
	s, ok := ep.streams[p.destID]
	ep.mu.Unlock()
	if !ok {
		return // unknown stream; silently ignore, mirroring UDP's unreliable semantics
	}

	switch {
	case p.flags&flagRST != 0:
		s.handleRst()
	case p.flags&flagFIN != 0:
		s.handleFin(p.seq)
	case p.flags&flagDATA != 0:
		s.handleData(p.seq, p.data)
		if p.flags&flagACK != 0 {
			s.handleAck(p.ack, p.sacks, p.window)
		}
	case p.flags&flagACK != 0:
		s.handleAck(p.ack, p.sacks, p.window)
	}
}

// handleInboundSYN runs the responder side of the three-way
// handshake: SYN_RCVD -> (send SYN+ACK) -> ESTABLISHED, delivered via
// Accept as soon as the SYN+ACK is sent, without waiting for the
// initiator's ACK. A retransmitted SYN re-elicits the original SYN-ACK
// instead of a second stream.
func (ep *Endpoint) handleInboundSYN(p packet, addr net.Addr) {
	synKey := fmt.Sprintf("%s/%d", addr.String(), p.srcID)

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return
	}
	if seen, ok := ep.synSeen[synKey]; ok {
		ep.mu.Unlock()
		ep.sendRaw(packet{header: header{srcID: seen.localID, destID: p.srcID, seq: seen.isn, ack: seen.ack, flags: flagSYN | flagACK, window: defaultRecvWindow}}, addr)
		return
	}
	localID := randomStreamID()
	isn := randomStreamID()
	s := newStream(ep, localID, p.srcID, addr, false, isn+1)
	s.st = stateSynRcvd
	s.recvNext = p.seq + 1
	s.synKey = synKey
	ep.synSeen[synKey] = inboundSYN{localID: localID, isn: isn, ack: s.recvNext}
	ep.streams[localID] = s
	ep.mu.Unlock()

	s.sendPacket(packet{header: header{srcID: localID, destID: s.remoteID, seq: isn, ack: s.recvNext, flags: flagSYN | flagACK, window: defaultRecvWindow}})

	// The initiator's ack of our SYN+ACK arrives as an ordinary ACK
	// frame routed through dispatch once the stream is in the table;
	// nothing gates delivery to Accept on it, mirroring a kernel
	// listen backlog's behavior under SYN-ACK loss.
	s.mu.Lock()
	s.st = stateEstablished
	s.mu.Unlock()
	select {
	case ep.accept <- s:
	case <-ep.done:
		s.setErr(ErrConnectionReset)
	default:
		// backlog full; drop the connection rather than block the
		// reader task indefinitely.
		s.setErr(ErrConnectionReset)
		ep.removeStream(localID)
	}
}
