package udx

import "errors"

// Error kinds from spec.md §4.1.
var (
	// ErrConnectionRefused is returned by Dial when no SYN-ACK arrives
	// within the dial timeout.
	ErrConnectionRefused = errors.New("udx: connection refused")
	// ErrConnectionReset is returned to Read/Write once the peer has
	// sent RST, or once the retransmission budget for a segment is
	// exhausted (dead-peer timeout).
	ErrConnectionReset = errors.New("udx: connection reset")
	// ErrClosed is returned to Read/Write after a local Close.
	ErrClosed = errors.New("udx: stream closed")
	// ErrEndpointClosed is returned by Accept/Dial once the owning
	// Endpoint has been closed.
	ErrEndpointClosed = errors.New("udx: endpoint closed")
)
