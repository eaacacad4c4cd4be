package noise

import (
	"io"
	"sync"

	flynnnoise "github.com/flynn/noise"

	"github.com/stephanfeb/dart-libp2p-sub010/peer"
)

const (
	maxPlaintext  = 65519
	noiseTagSize  = 16
	maxCiphertext = maxPlaintext + noiseTagSize

	// maxNonce is the last usable value of a direction's message
	// counter; reaching it aborts the connection (spec.md §4.3).
	maxNonce = 1<<64 - 1
)

// SecureSession is a Noise-secured byte stream over an underlying
// io.ReadWriter (typically a udx.Stream), producing PeerID-
// authenticated, encrypted, ordered delivery (spec.md §4.3).
type SecureSession struct {
	rw        io.ReadWriter
	remoteID  peer.ID
	remoteExt *Extensions

	encMu   sync.Mutex
	enc     *flynnnoise.CipherState
	encSent uint64

	decMu   sync.Mutex
	dec     *flynnnoise.CipherState
	decRecv uint64

	readBuf []byte
}

func newSecureSession(rw io.ReadWriter, remoteID peer.ID, remoteExt *Extensions, enc, dec *flynnnoise.CipherState) *SecureSession {
	return &SecureSession{rw: rw, remoteID: remoteID, remoteExt: remoteExt, enc: enc, dec: dec}
}

// RemotePeer returns the verified identity of the peer on the other
// end of the handshake.
func (s *SecureSession) RemotePeer() peer.ID { return s.remoteID }

// RemoteStreamMuxers returns the muxer protocol IDs the peer offered in
// its handshake payload's extensions, or nil if it sent none. A muxer
// both sides listed can be selected without a multistream-select round.
func (s *SecureSession) RemoteStreamMuxers() []string {
	if s.remoteExt == nil {
		return nil
	}
	return s.remoteExt.StreamMuxers
}

// Write encrypts and frames p as one or more Noise transport messages,
// each carrying at most maxPlaintext bytes of plaintext (spec.md §4.3).
func (s *SecureSession) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		chunk := p[written:]
		if len(chunk) > maxPlaintext {
			chunk = chunk[:maxPlaintext]
		}
		if err := s.writeFrame(chunk); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}

func (s *SecureSession) writeFrame(plaintext []byte) error {
	s.encMu.Lock()
	defer s.encMu.Unlock()
	ciphertext, err := s.enc.Encrypt(nil, nil, plaintext)
	if err != nil {
		// only ever nonce exhaustion; the connection must be abandoned
		// rather than reuse a counter value.
		return ErrNonceWrapped
	}
	s.encSent++
	return writeFramed(s.rw, ciphertext)
}

// Read copies decrypted plaintext into p. Plaintext left over from the
// previous frame is returned first; only when none is left does Read
// read and decrypt the next wire frame, so one call consumes at most
// one frame.
func (s *SecureSession) Read(p []byte) (int, error) {
	if len(s.readBuf) == 0 {
		plaintext, err := s.readFrame()
		if err != nil {
			return 0, err
		}
		s.readBuf = plaintext
	}
	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	return n, nil
}

func (s *SecureSession) readFrame() ([]byte, error) {
	ciphertext, err := readFramed(s.rw)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) > maxCiphertext {
		return nil, ErrFrameTooLarge
	}
	s.decMu.Lock()
	defer s.decMu.Unlock()
	if s.decRecv == maxNonce {
		return nil, ErrNonceWrapped
	}
	plaintext, err := s.dec.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, ErrDecryption
	}
	s.decRecv++
	return plaintext, nil
}

// Close closes the underlying stream if it supports io.Closer.
func (s *SecureSession) Close() error {
	if c, ok := s.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
