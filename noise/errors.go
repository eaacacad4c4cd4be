package noise

import "errors"

// Error kinds from spec.md §4.3.
var (
	// ErrHandshakeFailed covers any MAC check, signature check, or
	// protobuf decode failure during the handshake.
	ErrHandshakeFailed = errors.New("noise: handshake failed")
	// ErrFrameTooLarge is returned when a received length prefix
	// exceeds 65535.
	ErrFrameTooLarge = errors.New("noise: frame too large")
	// ErrDecryption is returned on an AEAD tag mismatch in the
	// post-handshake transport. Fatal, not retryable.
	ErrDecryption = errors.New("noise: decryption failed")
	// ErrNonceWrapped is returned once a direction's 96-bit nonce
	// counter would wrap; the connection must be abandoned rather than
	// reuse a nonce.
	ErrNonceWrapped = errors.New("noise: nonce counter wrapped")
	// ErrPeerIDMismatch is returned when the handshake's verified
	// identity does not match the PeerID the dialer expected.
	ErrPeerIDMismatch = errors.New("noise: remote peer id mismatch")
)
