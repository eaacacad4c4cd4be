package yamux

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	pool "github.com/libp2p/go-buffer-pool"
	"lukechampine.com/frand"
)

const (
	defaultKeepaliveInterval = 30 * time.Second
	keepaliveRTO             = 10 * time.Second
)

// Session multiplexes many Streams over one underlying secured
// connection (spec.md §4.4), following the teacher's discipline of a
// single writer and a single reader goroutine per connection plus a
// sticky session-level error broadcast to every blocked caller.
type Session struct {
	conn   io.ReadWriteCloser
	client bool

	mu      sync.Mutex
	cond    sync.Cond
	streams map[uint32]*Stream
	nextID  uint32
	err     error

	writeMu sync.Mutex

	acceptQueue []*Stream

	pingMu      sync.Mutex
	pingWaiters map[uint32]chan struct{}

	goAwaySent bool
	goAwayRecv bool

	sendCh  chan []byte
	closeCh chan struct{}

	keepaliveInterval time.Duration
}

// NewSession wraps conn in a yamux Session. client selects the stream-
// ID parity (spec.md §4.4: "client uses odd IDs starting at 1; server
// uses even IDs starting at 2").
func NewSession(conn io.ReadWriteCloser, client bool) *Session {
	s := &Session{
		conn:              conn,
		client:            client,
		streams:           make(map[uint32]*Stream),
		pingWaiters:       make(map[uint32]chan struct{}),
		sendCh:            make(chan []byte, 64),
		closeCh:           make(chan struct{}),
		keepaliveInterval: defaultKeepaliveInterval,
	}
	if client {
		s.nextID = 1
	} else {
		s.nextID = 2
	}
	s.cond.L = &s.mu
	go s.readLoop()
	go s.writeLoop()
	go s.keepaliveLoop()
	return s
}

func (s *Session) LocalAddr() net.Addr {
	if c, ok := s.conn.(interface{ LocalAddr() net.Addr }); ok {
		return c.LocalAddr()
	}
	return nil
}

func (s *Session) RemoteAddr() net.Addr {
	if c, ok := s.conn.(interface{ RemoteAddr() net.Addr }); ok {
		return c.RemoteAddr()
	}
	return nil
}

// setErr sets the sticky session error and wakes every blocked caller,
// mirroring the teacher's setErr (spec.md §4.4: fatal ProtocolError
// "tears down session"). An ordinary peer close is reported as
// ErrSessionShutdown; streams on a shut-down session observe a clean
// EOF rather than an error, since all bytes written before the close
// were delivered.
func (s *Session) setErr(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if isConnCloseError(err) {
		err = ErrSessionShutdown
	}
	s.err = err
	for _, st := range s.streams {
		if err == ErrSessionShutdown {
			st.closeClean(err)
		} else {
			st.setErr(err)
		}
	}
	s.conn.Close()
	s.cond.Broadcast()
	select {
	case <-s.closeCh:
	default:
		close(s.closeCh)
	}
	return err
}

// sendFrame serializes and enqueues one frame for the writeLoop. It
// blocks only as long as it takes to hand the buffer to the channel;
// actual I/O happens asynchronously, matching the teacher's rationale
// that a successful buffer hand-off doesn't guarantee peer receipt
// anyway. Only DATA frames carry a body: for every other type the
// length field holds a value (window delta, ping token, go-away
// reason), which the caller has already set.
func (s *Session) sendFrame(h frameHeader, payload []byte) error {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return s.err
	}
	s.mu.Unlock()

	h.version = protoVersion
	if h.typ == typeData {
		h.length = uint32(len(payload))
	}
	buf := make([]byte, headerSize+len(payload))
	h.encode(buf)
	copy(buf[headerSize:], payload)

	select {
	case s.sendCh <- buf:
		return nil
	case <-s.closeCh:
		return s.err
	}
}

// writeConn is the only path that touches conn's write side, keeping
// header framing intact under concurrent senders (spec.md §5: "muxer
// send-side is serialised per session").
func (s *Session) writeConn(buf []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(buf)
	return err
}

func (s *Session) writeLoop() {
	for {
		select {
		case buf := <-s.sendCh:
			if err := s.writeConn(buf); err != nil {
				s.setErr(fmt.Errorf("yamux: write: %w", err))
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

func (s *Session) readLoop() {
	hdrBuf := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(s.conn, hdrBuf); err != nil {
			s.setErr(fmt.Errorf("yamux: read header: %w", err))
			return
		}
		h, err := decodeFrameHeader(hdrBuf)
		if err != nil {
			s.setErr(ErrProtocolError)
			return
		}
		// only DATA frames have a body; everywhere else length is a
		// window delta, ping token, or go-away reason.
		var payload []byte
		if h.typ == typeData && h.length > 0 {
			if h.length > maxFramePayload {
				s.goAwayAndFail(GoAwayProtocolError)
				return
			}
			payload = pool.Get(int(h.length))
			if _, err := io.ReadFull(s.conn, payload); err != nil {
				pool.Put(payload)
				s.setErr(fmt.Errorf("yamux: read payload: %w", err))
				return
			}
		}
		s.dispatch(h, payload)
		if payload != nil {
			pool.Put(payload)
		}
	}
}

// goAwayAndFail notifies the peer of a protocol violation, then tears
// the session down (spec.md §4.4: "ProtocolError (fatal, tears down
// session)"). The GO_AWAY is written directly so it reaches the wire
// before setErr closes the connection.
func (s *Session) goAwayAndFail(reason uint32) {
	s.mu.Lock()
	alreadySent := s.goAwaySent
	s.goAwaySent = true
	s.mu.Unlock()
	if !alreadySent {
		var buf [headerSize]byte
		frameHeader{version: protoVersion, typ: typeGoAway, length: reason}.encode(buf[:])
		s.writeConn(buf[:])
	}
	s.setErr(ErrProtocolError)
}

func (s *Session) dispatch(h frameHeader, payload []byte) {
	switch h.typ {
	case typePing:
		s.handlePing(h)
		return
	case typeGoAway:
		s.mu.Lock()
		s.goAwayRecv = true
		s.mu.Unlock()
		if h.length == GoAwayProtocolError || h.length == GoAwayInternalError {
			s.setErr(ErrSessionShutdown)
		}
		return
	case typeData, typeWindowUpdate:
		// handled below, per-stream
	default:
		s.goAwayAndFail(GoAwayProtocolError)
		return
	}

	st, protoErr := s.getOrCreateStream(h)
	if protoErr {
		// a SYN for a stream-ID already in use (spec.md §8 boundary)
		s.goAwayAndFail(GoAwayProtocolError)
		return
	}
	if st == nil {
		return
	}
	if h.flags&flagRST != 0 {
		st.handleRst()
		return
	}
	if h.typ == typeWindowUpdate {
		st.handleWindowUpdate(h.length, h.flags)
		if h.flags&flagFIN != 0 {
			st.handleFin()
		}
		return
	}
	if len(payload) > 0 {
		data := make([]byte, len(payload))
		copy(data, payload)
		if !st.handleData(data, h.flags) {
			s.goAwayAndFail(GoAwayProtocolError)
			return
		}
	} else if h.flags&(flagSYN|flagACK) != 0 {
		st.handleData(nil, h.flags)
	}
	if h.flags&flagFIN != 0 {
		st.handleFin()
	}
}

func (s *Session) getOrCreateStream(h frameHeader) (st *Stream, protoErr bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[h.streamID]; ok {
		if h.flags&flagSYN != 0 {
			return nil, true
		}
		return st, false
	}
	if h.flags&flagSYN == 0 {
		return nil, false // frame for an already-closed or unknown stream; ignore
	}
	if s.goAwaySent {
		return nil, false
	}
	st = newStream(s, h.streamID, streamInit)
	s.streams[h.streamID] = st
	s.acceptQueue = append(s.acceptQueue, st)
	s.cond.Broadcast()
	return st, false
}

func (s *Session) removeStream(id uint32) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

// OpenStream allocates a new locally-initiated Stream. No I/O occurs
// until the first Write (spec.md §4.4 diagram: "INIT -- send SYN -->
// SYN_SENT"), matching the teacher's DialStream semantics.
func (s *Session) OpenStream() (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.goAwaySent || s.goAwayRecv {
		return nil, ErrGoAway
	}
	id := s.nextID
	if _, exists := s.streams[id]; exists {
		return nil, errDuplicateStreamID
	}
	s.nextID += 2
	st := newStream(s, id, streamInit)
	s.streams[id] = st
	return st, nil
}

// AcceptStream waits for and returns the next peer-initiated Stream,
// acknowledging its SYN (spec.md §4.4 diagram: "SYN_RCVD -- send ACK
// --> ESTABLISHED").
func (s *Session) AcceptStream() (*Stream, error) {
	s.mu.Lock()
	for len(s.acceptQueue) == 0 {
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		s.cond.Wait()
	}
	st := s.acceptQueue[0]
	s.acceptQueue = s.acceptQueue[1:]
	s.mu.Unlock()

	st.acceptEstablish()
	s.sendFrame(frameHeader{typ: typeWindowUpdate, flags: flagACK, streamID: st.id}, nil)
	return st, nil
}

// GoAway signals that no new streams will be accepted, and notifies
// the peer with the given reason carried in the length field (spec.md
// §4.4). The frame is written directly rather than queued, so a Close
// immediately afterwards cannot race it out of the send buffer.
func (s *Session) GoAway(reason uint32) error {
	s.mu.Lock()
	if s.goAwaySent {
		s.mu.Unlock()
		return nil
	}
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.goAwaySent = true
	s.mu.Unlock()
	var buf [headerSize]byte
	frameHeader{version: protoVersion, typ: typeGoAway, length: reason}.encode(buf[:])
	return s.writeConn(buf[:])
}

// Close tears the session down, sending a normal GO_AWAY first.
func (s *Session) Close() error {
	s.GoAway(GoAwayNormal)
	if err := s.setErr(ErrSessionShutdown); err != ErrSessionShutdown {
		return err
	}
	return nil
}

func (s *Session) handlePing(h frameHeader) {
	if h.flags&flagACK != 0 {
		s.pingMu.Lock()
		if ch, ok := s.pingWaiters[h.length]; ok {
			close(ch)
			delete(s.pingWaiters, h.length)
		}
		s.pingMu.Unlock()
		return
	}
	// SYN: echo back the same token, carried in the length field.
	s.sendFrame(frameHeader{typ: typePing, flags: flagACK, length: h.length}, nil)
}

// ping sends a keepalive PING and blocks until the ACK arrives or
// keepaliveRTO elapses.
func (s *Session) ping() error {
	token := frand.Uint64n(1 << 32)
	ch := make(chan struct{})
	s.pingMu.Lock()
	s.pingWaiters[uint32(token)] = ch
	s.pingMu.Unlock()

	if err := s.sendFrame(frameHeader{typ: typePing, flags: flagSYN, length: uint32(token)}, nil); err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-time.After(keepaliveRTO):
		s.pingMu.Lock()
		delete(s.pingWaiters, uint32(token))
		s.pingMu.Unlock()
		return ErrTimeout
	case <-s.closeCh:
		return s.err
	}
}

func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.ping(); err != nil {
				s.setErr(err)
				return
			}
		case <-s.closeCh:
			return
		}
	}
}
