package udx

import (
	"encoding/binary"
	"io"
	"net"
	"os"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"
	pool "github.com/libp2p/go-buffer-pool"
	"lukechampine.com/frand"
)

var log = logging.Logger("udx")

// state is a UDX stream's lifecycle state (spec.md §4.1):
//
//	CLOSED -> SYN_SENT/SYN_RCVD -> ESTABLISHED -> (FIN_SENT, FIN_RCVD) -> CLOSED
type state int

const (
	stateSynSent state = iota
	stateSynRcvd
	stateEstablished
	stateClosed
)

const (
	mss               = 1200 // max segment data size, conservative for IPv6 paths
	defaultRecvWindow = 256 * 1024
	rtoFloor          = 200 * time.Millisecond
	rtoCeiling        = 60 * time.Second
	deadPeerInterval  = 30 * time.Second
	maxRetransmits    = 16
	dupAckThreshold   = 3
)

// outSegment is one unacknowledged segment awaiting an ack or timeout.
type outSegment struct {
	seq         uint32
	data        []byte
	sentAt      time.Time
	retransmits int
}

// Stream is a single reliable, ordered UDX byte stream multiplexed by
// stream-ID pairs over one Endpoint's datagram socket.
type Stream struct {
	ep         *Endpoint
	localID    uint32
	remoteID   uint32
	remoteAddr net.Addr
	initiator  bool
	synKey     string // responder side: key into the endpoint's duplicate-SYN table

	mu   sync.Mutex
	cond sync.Cond

	st      state
	err     error // sticky, fatal
	finSent bool
	finRcvd bool
	finSeq  uint32

	// send side
	nextSeq       uint32
	sendBuf       map[uint32]*outSegment
	bytesInFlight int
	cwnd          float64
	ssthresh      float64
	srtt, rttvar  time.Duration
	rto           time.Duration
	hasSample     bool
	dupAcks       int
	peerWindow    uint32

	// receive side
	recvNext  uint32
	recvBuf   map[uint32][]byte
	readQueue []byte
	recvBytes int
	lastAckAt time.Time

	rd, wd time.Time // read/write deadlines

	retransmitTimer *time.Timer
	closeCh         chan struct{}
}

func newStream(ep *Endpoint, localID, remoteID uint32, remoteAddr net.Addr, initiator bool, isn uint32) *Stream {
	s := &Stream{
		ep:         ep,
		localID:    localID,
		remoteID:   remoteID,
		remoteAddr: remoteAddr,
		initiator:  initiator,
		nextSeq:    isn,
		recvNext:   0,
		sendBuf:    make(map[uint32]*outSegment),
		recvBuf:    make(map[uint32][]byte),
		cwnd:       4,
		ssthresh:   64,
		rto:        rtoFloor * 3,
		peerWindow: defaultRecvWindow,
		lastAckAt:  time.Now(),
		closeCh:    make(chan struct{}),
	}
	s.cond.L = &s.mu
	return s
}

// setErr sets the sticky fatal error and wakes every blocked caller.
// A no-op if an error is already set.
func (s *Stream) setErr(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
		s.st = stateClosed
		log.Debugw("udx stream closed", "localID", s.localID, "remoteID", s.remoteID, "err", err)
		s.cond.Broadcast()
		select {
		case <-s.closeCh:
		default:
			close(s.closeCh)
		}
	}
	return s.err
}

// --- send path ---------------------------------------------------------

// Write implements io.Writer. It blocks while the congestion window is
// full (spec.md §4.1: "bound the send buffer by the congestion window
// x MSS"), resuming as acks free up room.
func (s *Stream) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		chunk := p[written:]
		if len(chunk) > mss {
			chunk = chunk[:mss]
		}
		n, err := s.writeSegment(chunk)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (s *Stream) writeSegment(data []byte) (int, error) {
	s.mu.Lock()
	for {
		if s.err != nil {
			s.mu.Unlock()
			return 0, s.err
		}
		if !s.wd.IsZero() && !time.Now().Before(s.wd) {
			s.mu.Unlock()
			return 0, os.ErrDeadlineExceeded
		}
		// bounded by both the congestion window and the peer's
		// advertised flow-control window (spec.md §4.1)
		maxInFlight := int(s.cwnd) * mss
		if int(s.peerWindow) < maxInFlight {
			maxInFlight = int(s.peerWindow)
		}
		if s.bytesInFlight+len(data) <= maxInFlight {
			break
		}
		if s.wd.IsZero() {
			s.cond.Wait()
		} else {
			timer := time.AfterFunc(time.Until(s.wd), s.cond.Broadcast)
			s.cond.Wait()
			timer.Stop()
		}
	}
	seq := s.nextSeq
	s.nextSeq++
	buf := make([]byte, len(data))
	copy(buf, data)
	seg := &outSegment{seq: seq, data: buf, sentAt: time.Now()}
	s.sendBuf[seq] = seg
	s.bytesInFlight += len(buf)
	s.armRetransmitTimer()
	ack := s.recvNext
	window := uint32(s.recvWindowAvailable())
	s.mu.Unlock()

	s.sendPacket(packet{
		header: header{srcID: s.localID, destID: s.remoteID, seq: seq, ack: ack, flags: flagDATA, window: window},
		data:   buf,
	})
	return len(data), nil
}

// sendPacket serializes and writes pkt to the endpoint's socket.
func (s *Stream) sendPacket(pkt packet) {
	buf := pool.Get(pkt.encodedSize())
	defer pool.Put(buf)
	out := pkt.encode(buf)
	s.ep.writeTo(out, s.remoteAddr)
}

// armRetransmitTimer (re)starts the RTO timer for the oldest unacked
// segment. Must be called with s.mu held.
func (s *Stream) armRetransmitTimer() {
	if s.retransmitTimer != nil {
		s.retransmitTimer.Stop()
	}
	if len(s.sendBuf) == 0 {
		return
	}
	s.retransmitTimer = time.AfterFunc(s.rto, s.onRTO)
}

// onRTO fires when the oldest unacked segment's RTO has elapsed: it is
// retransmitted, RTO backs off exponentially (clamped), and the
// congestion window collapses to slow-start (spec.md §4.1).
func (s *Stream) onRTO() {
	s.mu.Lock()
	if s.err != nil || len(s.sendBuf) == 0 {
		s.mu.Unlock()
		return
	}
	var oldest *outSegment
	for _, seg := range s.sendBuf {
		if oldest == nil || seg.seq < oldest.seq {
			oldest = seg
		}
	}
	if oldest.retransmits >= maxRetransmits || time.Since(s.lastAckAt) > deadPeerInterval {
		s.mu.Unlock()
		log.Warnw("udx dead peer, resetting stream", "localID", s.localID, "seq", oldest.seq)
		s.setErr(ErrConnectionReset)
		return
	}
	oldest.retransmits++
	oldest.sentAt = time.Now()
	s.ssthresh = max1(s.cwnd / 2)
	s.cwnd = 1
	s.rto *= 2
	if s.rto > rtoCeiling {
		s.rto = rtoCeiling
	}
	recvNext := s.recvNext
	window := s.recvWindowAvailable()
	data := oldest.data
	destID := s.remoteID
	s.armRetransmitTimer()
	s.mu.Unlock()

	s.sendPacket(packet{header: header{srcID: s.localID, destID: destID, seq: oldest.seq, ack: recvNext, flags: flagDATA, window: uint32(window)}, data: data})
}

func max1(f float64) float64 {
	if f < 1 {
		return 1
	}
	return f
}

// handleAck applies a cumulative+selective ack to the send buffer.
func (s *Stream) handleAck(ack uint32, sacks []sackRange, windowAdvertised uint32) {
	s.mu.Lock()
	s.peerWindow = windowAdvertised
	advanced := false
	for seq, seg := range s.sendBuf {
		if seqLess(seq, ack) {
			s.bytesInFlight -= len(seg.data)
			delete(s.sendBuf, seq)
			if seg.retransmits == 0 {
				s.updateRTO(time.Since(seg.sentAt))
			}
			advanced = true
		}
	}
	for _, r := range sacks {
		for seq := r.start; seqLE(seq, r.end); seq++ {
			if seg, ok := s.sendBuf[seq]; ok {
				s.bytesInFlight -= len(seg.data)
				delete(s.sendBuf, seq)
				if seg.retransmits == 0 {
					s.updateRTO(time.Since(seg.sentAt))
				}
			}
			if seq == r.end {
				break
			}
		}
	}
	if advanced {
		s.dupAcks = 0
		s.lastAckAt = time.Now()
		if s.cwnd < s.ssthresh {
			s.cwnd++ // slow start
		} else {
			s.cwnd += 1 / s.cwnd // congestion avoidance
		}
		s.armRetransmitTimer()
	} else if len(sacks) > 0 || ack == s.nextUnacked() {
		s.dupAcks++
		if s.dupAcks >= dupAckThreshold {
			s.dupAcks = 0
			s.fastRetransmit()
		}
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Stream) nextUnacked() uint32 {
	min := s.nextSeq
	for seq := range s.sendBuf {
		if seqLess(seq, min) {
			min = seq
		}
	}
	return min
}

// fastRetransmit resends the oldest unacked segment after three
// duplicate acks, without waiting for the RTO (spec.md §4.1). Must be
// called with s.mu held.
func (s *Stream) fastRetransmit() {
	if len(s.sendBuf) == 0 {
		return
	}
	var oldest *outSegment
	for _, seg := range s.sendBuf {
		if oldest == nil || seg.seq < oldest.seq {
			oldest = seg
		}
	}
	oldest.retransmits++
	oldest.sentAt = time.Now()
	s.ssthresh = max1(s.cwnd / 2)
	s.cwnd = s.ssthresh
	destID, recvNext, window, data, seq := s.remoteID, s.recvNext, s.recvWindowAvailable(), oldest.data, oldest.seq
	go s.sendPacket(packet{header: header{srcID: s.localID, destID: destID, seq: seq, ack: recvNext, flags: flagDATA, window: uint32(window)}, data: data})
}

// updateRTO applies the Jacobson/Karels SRTT/RTTVAR estimator. Must be
// called with s.mu held.
func (s *Stream) updateRTO(sample time.Duration) {
	if !s.hasSample {
		s.srtt = sample
		s.rttvar = sample / 2
		s.hasSample = true
	} else {
		diff := s.srtt - sample
		if diff < 0 {
			diff = -diff
		}
		s.rttvar = s.rttvar - s.rttvar/4 + diff/4
		s.srtt = s.srtt - s.srtt/8 + sample/8
	}
	rto := s.srtt + 4*s.rttvar
	if rto < rtoFloor {
		rto = rtoFloor
	} else if rto > rtoCeiling {
		rto = rtoCeiling
	}
	s.rto = rto
}

func seqLess(a, b uint32) bool { return int32(a-b) < 0 }
func seqLE(a, b uint32) bool   { return a == b || seqLess(a, b) }

// --- receive path -------------------------------------------------------

func (s *Stream) recvWindowAvailable() int {
	avail := defaultRecvWindow - s.recvBytes
	if avail < 0 {
		return 0
	}
	return avail
}

// handleData buffers and/or delivers an inbound DATA segment, then
// schedules an ack. Never delivers bytes out of order to the consumer
// (spec.md §8): data is only appended to readQueue in sequence order.
func (s *Stream) handleData(seq uint32, data []byte) {
	s.mu.Lock()
	switch {
	case seqLess(seq, s.recvNext):
		// duplicate of already-delivered data; ack is still sent below
	case seq == s.recvNext:
		s.appendInOrder(data)
		s.drainReorderBuffer()
		s.maybeConsumeFin()
	default:
		_, exists := s.recvBuf[seq]
		if !exists && s.recvBytes+len(data) > defaultRecvWindow {
			// past the receive window; dropped, not acked (spec.md §8)
			s.mu.Unlock()
			return
		}
		if !exists {
			buf := make([]byte, len(data))
			copy(buf, data)
			s.recvBuf[seq] = buf
			s.recvBytes += len(buf)
		}
	}
	s.cond.Broadcast()
	ack := s.recvNext
	sacks := s.buildSACKs()
	window := s.recvWindowAvailable()
	s.mu.Unlock()

	s.sendPacket(packet{header: header{srcID: s.localID, destID: s.remoteID, ack: ack, flags: flagACK, window: uint32(window)}, sacks: sacks})
}

// appendInOrder must be called with s.mu held and seq == s.recvNext.
func (s *Stream) appendInOrder(data []byte) {
	s.readQueue = append(s.readQueue, data...)
	s.recvNext++
}

// drainReorderBuffer must be called with s.mu held.
func (s *Stream) drainReorderBuffer() {
	for {
		data, ok := s.recvBuf[s.recvNext]
		if !ok {
			return
		}
		delete(s.recvBuf, s.recvNext)
		s.recvBytes -= len(data)
		s.appendInOrder(data)
	}
}

// buildSACKs reports contiguous ranges currently held in the reorder
// buffer. Must be called with s.mu held.
func (s *Stream) buildSACKs() []sackRange {
	if len(s.recvBuf) == 0 {
		return nil
	}
	seqs := make([]uint32, 0, len(s.recvBuf))
	for seq := range s.recvBuf {
		seqs = append(seqs, seq)
	}
	sortUint32(seqs)
	var ranges []sackRange
	start := seqs[0]
	end := seqs[0]
	for _, seq := range seqs[1:] {
		if seq == end+1 {
			end = seq
			continue
		}
		ranges = append(ranges, sackRange{start, end})
		start, end = seq, seq
	}
	ranges = append(ranges, sackRange{start, end})
	return ranges
}

func sortUint32(s []uint32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.readQueue) == 0 {
		if s.finConsumed() {
			return 0, io.EOF
		}
		if s.err != nil {
			return 0, s.err
		}
		if !s.rd.IsZero() {
			if !time.Now().Before(s.rd) {
				return 0, os.ErrDeadlineExceeded
			}
			timer := time.AfterFunc(time.Until(s.rd), s.cond.Broadcast)
			s.cond.Wait()
			timer.Stop()
			continue
		}
		s.cond.Wait()
	}
	n := copy(p, s.readQueue)
	s.readQueue = s.readQueue[n:]
	return n, nil
}

// handleFin marks the remote half-closed and wakes Read to observe EOF
// once all prior bytes have been delivered (spec.md §5).
func (s *Stream) handleFin(seq uint32) {
	s.mu.Lock()
	s.finRcvd = true
	s.finSeq = seq
	s.maybeConsumeFin()
	ack := s.recvNext
	s.cond.Broadcast()
	s.mu.Unlock()
	s.sendPacket(packet{header: header{srcID: s.localID, destID: s.remoteID, flags: flagACK, ack: ack}})
}

// maybeConsumeFin advances recvNext past the FIN's sequence slot once
// every data byte before it has been delivered, so Read can observe
// EOF only after all prior bytes (spec.md §5). Must be called with
// s.mu held.
func (s *Stream) maybeConsumeFin() {
	if s.finRcvd && s.recvNext == s.finSeq {
		s.recvNext++
	}
}

// finConsumed reports whether the remote half-close has been reached
// in sequence order. Must be called with s.mu held.
func (s *Stream) finConsumed() bool {
	return s.finRcvd && seqLess(s.finSeq, s.recvNext)
}

func (s *Stream) handleRst() {
	s.setErr(ErrConnectionReset)
}

// Close sends one FIN (spec.md §4.1: "emit a FIN exactly once per
// direction at stream close") and marks the stream locally closed. The
// underlying Endpoint is unaffected.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.finSent {
		s.mu.Unlock()
		return nil
	}
	s.finSent = true
	seq := s.nextSeq
	s.nextSeq++
	destID := s.remoteID
	ack := s.recvNext
	s.mu.Unlock()

	s.sendPacket(packet{header: header{srcID: s.localID, destID: destID, seq: seq, ack: ack, flags: flagFIN}})
	s.ep.removeStream(s.localID)
	s.setErr(ErrClosed)
	return nil
}

// Reset aborts the stream immediately by emitting RST (spec.md §4.1).
func (s *Stream) Reset() error {
	s.mu.Lock()
	destID := s.remoteID
	s.mu.Unlock()
	s.sendPacket(packet{header: header{srcID: s.localID, destID: destID, flags: flagRST}})
	s.ep.removeStream(s.localID)
	s.setErr(ErrConnectionReset)
	return nil
}

func (s *Stream) LocalAddr() net.Addr  { return s.ep.LocalAddr() }
func (s *Stream) RemoteAddr() net.Addr { return s.remoteAddr }

func (s *Stream) SetDeadline(t time.Time) error {
	s.SetReadDeadline(t)
	s.SetWriteDeadline(t)
	return nil
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.rd = t
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	s.wd = t
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

var _ net.Conn = (*Stream)(nil)

// randomStreamID returns a random 32-bit value, used both as a local
// stream identifier and as an initial sequence number, drawn from
// frand's fast cryptographically secure generator.
func randomStreamID() uint32 {
	var b [4]byte
	frand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
