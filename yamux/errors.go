package yamux

import "errors"

// Error kinds from spec.md §4.4.
var (
	// ErrSessionShutdown is returned by any operation on a Session
	// after Close or a fatal protocol error.
	ErrSessionShutdown = errors.New("yamux: session shut down")
	// ErrStreamReset is returned once the peer (or we) send RST for a
	// stream.
	ErrStreamReset = errors.New("yamux: stream reset")
	// ErrProtocolError is fatal: it tears down the whole session.
	ErrProtocolError = errors.New("yamux: protocol error")
	// ErrTimeout is returned when a scheduled keepalive ping goes
	// unanswered within its RTO.
	ErrTimeout = errors.New("yamux: keepalive timeout")
	// ErrGoAway is returned by OpenStream once a GO_AWAY has been sent
	// or received.
	ErrGoAway = errors.New("yamux: session going away, no new streams")

	errDuplicateStreamID = errors.New("yamux: duplicate stream id")
)
