package yamux

import (
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// streamState enumerates the per-stream state machine named in
// spec.md §4.4.
type streamState int

const (
	streamInit streamState = iota
	streamSynSent
	streamSynRcvd
	streamEstablished
	streamLocalClose
	streamRemoteClose
	streamReset
	streamClosed
)

const defaultStreamWindow = 256 * 1024

// Stream is a single duplex byte stream multiplexed over a Session.
// It implements net.Conn.
type Stream struct {
	session *Session
	id      uint32

	mu   sync.Mutex
	cond sync.Cond

	state streamState
	err   error
	werr  error // set on clean session shutdown: Read drains to EOF, Write fails

	sendWindow  uint32 // bytes we may still send before blocking on WINDOW_UPDATE
	recvWindow  uint32 // bytes the peer may still send before it must block
	recvBuf     []byte // buffered DATA payload awaiting Read
	unannounced uint32 // bytes read since the last WINDOW_UPDATE we sent

	rd, wd time.Time
}

func newStream(session *Session, id uint32, state streamState) *Stream {
	s := &Stream{
		session:    session,
		id:         id,
		state:      state,
		sendWindow: defaultStreamWindow,
		recvWindow: defaultStreamWindow,
	}
	s.cond.L = &s.mu
	return s
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
		s.state = streamClosed
		s.cond.Broadcast()
	}
}

// closeClean marks the stream's session as shut down without treating
// it as a stream fault: buffered bytes (and then EOF) remain readable,
// while writes fail with err (spec.md §8 scenario 6: streams on a
// closed connection "observe EOF (clean close) and no RST").
func (s *Stream) closeClean(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil || s.werr != nil {
		return
	}
	s.werr = err
	switch s.state {
	case streamLocalClose, streamClosed, streamReset:
		s.state = streamClosed
	default:
		s.state = streamRemoteClose
	}
	s.cond.Broadcast()
}

// acceptEstablish moves a peer-initiated stream out of its SYN state
// when the local side accepts it.
func (s *Stream) acceptEstablish() {
	s.mu.Lock()
	if s.state == streamInit || s.state == streamSynRcvd {
		s.state = streamEstablished
	}
	s.mu.Unlock()
}

// Read implements io.Reader, blocking until data arrives, the stream
// is closed by the peer, or a read deadline expires.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.recvBuf) == 0 {
		if s.state == streamRemoteClose || (s.state == streamClosed && s.err == nil) {
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
	n := copy(p, s.recvBuf)
	s.recvBuf = s.recvBuf[n:]
	s.unannounced += uint32(n)
	// spec.md §4.4: announce more window once consumption drains the
	// advertised window to half its size.
	if s.unannounced >= defaultStreamWindow/2 {
		inc := s.unannounced
		s.unannounced = 0
		s.recvWindow += inc
		id, incCopy := s.id, inc
		s.mu.Unlock()
		s.session.sendFrame(frameHeader{typ: typeWindowUpdate, streamID: id, length: incCopy}, nil)
		s.mu.Lock()
	}
	return n, nil
}

// Write implements io.Writer, blocking while the peer's advertised
// window is exhausted (spec.md §4.4: "blocks at zero, resumes on
// WINDOW_UPDATE").
func (s *Stream) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := s.writeChunk(p[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (s *Stream) writeChunk(p []byte) (int, error) {
	s.mu.Lock()
	for {
		if s.err != nil {
			s.mu.Unlock()
			return 0, s.err
		}
		if s.werr != nil {
			s.mu.Unlock()
			return 0, s.werr
		}
		if s.sendWindow > 0 {
			break
		}
		if !s.wd.IsZero() && !time.Now().Before(s.wd) {
			s.mu.Unlock()
			return 0, os.ErrDeadlineExceeded
		}
		if s.wd.IsZero() {
			s.cond.Wait()
		} else {
			timer := time.AfterFunc(time.Until(s.wd), s.cond.Broadcast)
			s.cond.Wait()
			timer.Stop()
		}
	}
	chunk := p
	if uint32(len(chunk)) > s.sendWindow {
		chunk = chunk[:s.sendWindow]
	}
	var flags uint16
	if s.state == streamInit {
		flags |= flagSYN
		s.state = streamSynSent
	}
	s.sendWindow -= uint32(len(chunk))
	s.mu.Unlock()

	if err := s.session.sendFrame(frameHeader{typ: typeData, flags: flags, streamID: s.id, length: uint32(len(chunk))}, chunk); err != nil {
		return 0, err
	}
	return len(chunk), nil
}

// handleData appends an inbound DATA payload, charging it against the
// advertised receive window. It reports false when the peer overruns
// the window, which the session treats as a protocol violation
// (spec.md §4.4: "the session MUST never deliver more bytes than the
// advertised window").
func (s *Stream) handleData(payload []byte, flags uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if flags&flagSYN != 0 && s.state == streamInit {
		s.state = streamSynRcvd
	}
	if flags&flagACK != 0 && s.state == streamSynSent {
		s.state = streamEstablished
	}
	if uint32(len(payload)) > s.recvWindow {
		return false
	}
	s.recvWindow -= uint32(len(payload))
	s.recvBuf = append(s.recvBuf, payload...)
	s.cond.Broadcast()
	return true
}

func (s *Stream) handleWindowUpdate(inc uint32, flags uint16) {
	s.mu.Lock()
	if flags&flagACK != 0 && s.state == streamSynSent {
		s.state = streamEstablished
	}
	s.sendWindow += inc
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Stream) handleFin() {
	s.mu.Lock()
	resolved := false
	switch s.state {
	case streamEstablished, streamSynSent, streamSynRcvd, streamInit:
		s.state = streamRemoteClose
	case streamLocalClose:
		// both directions are now closed; only here may the stream
		// leave the session's table, or a locally-half-closed stream
		// would stop observing the peer's remaining DATA and FIN
		s.state = streamClosed
		resolved = true
	}
	s.cond.Broadcast()
	s.mu.Unlock()
	if resolved {
		s.session.removeStream(s.id)
	}
}

func (s *Stream) handleRst() {
	s.setErr(ErrStreamReset)
}

// Close half-closes the stream by sending FIN exactly once. The read
// side stays live until the peer's own FIN (or RST) arrives, so the
// stream is only removed from the session once both directions have
// resolved.
func (s *Stream) Close() error {
	s.mu.Lock()
	fullyClosed := false
	switch s.state {
	case streamClosed, streamReset, streamLocalClose:
		s.mu.Unlock()
		return nil
	case streamRemoteClose:
		s.state = streamClosed
		fullyClosed = true
	default:
		s.state = streamLocalClose
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	err := s.session.sendFrame(frameHeader{typ: typeData, flags: flagFIN, streamID: s.id}, nil)
	if fullyClosed {
		s.session.removeStream(s.id)
	}
	return err
}

// Reset aborts the stream immediately via RST (spec.md §4.4).
func (s *Stream) Reset() error {
	s.setErr(ErrStreamReset)
	err := s.session.sendFrame(frameHeader{typ: typeData, flags: flagRST, streamID: s.id}, nil)
	s.session.removeStream(s.id)
	return err
}

func (s *Stream) LocalAddr() net.Addr  { return s.session.LocalAddr() }
func (s *Stream) RemoteAddr() net.Addr { return s.session.RemoteAddr() }

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
