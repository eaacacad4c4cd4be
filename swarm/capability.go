// Package swarm implements the core's connection table, dialing
// policy, connection gating, and handler registry (spec.md §4.6),
// composing pluggable transport/security/muxer capability traits in
// the order transport -> security -> muxer (spec.md §9).
package swarm

import (
	"context"
	"io"
	"time"

	ma "github.com/stephanfeb/dart-libp2p-sub010/ma"
	"github.com/stephanfeb/dart-libp2p-sub010/mss"
	"github.com/stephanfeb/dart-libp2p-sub010/peer"
)

// Wire-visible protocol identifiers reserved by spec.md §6.
const (
	// ProtoNoise is negotiated on the raw transport stream before the
	// Noise handshake begins.
	ProtoNoise mss.ProtocolID = "/noise"
	// ProtoYamux is negotiated on the secured stream before the muxer
	// session starts, unless both sides already agreed on it through
	// the Noise extensions' stream_muxers field.
	ProtoYamux mss.ProtocolID = "/yamux/1.0.0"
)

// Transport is the capability trait {listen, dial} (spec.md §9).
type Transport interface {
	CanDial(addr ma.Multiaddr) bool
	Dial(ctx context.Context, addr ma.Multiaddr) (io.ReadWriteCloser, error)
	Listen(addr ma.Multiaddr) (Listener, error)
}

// Listener is the listen-side half of a Transport.
type Listener interface {
	Accept() (io.ReadWriteCloser, error)
	Multiaddr() ma.Multiaddr
	Close() error
}

// SecureConn is the result of a successful security upgrade: an
// encrypted, peer-authenticated byte stream.
type SecureConn interface {
	io.ReadWriteCloser
	RemotePeer() peer.ID
}

// Security is the capability trait {secure_inbound, secure_outbound}
// (spec.md §9).
type Security interface {
	SecureOutbound(rw io.ReadWriteCloser, local peer.KeyPair, expectedPeer peer.ID) (SecureConn, error)
	SecureInbound(rw io.ReadWriteCloser, local peer.KeyPair) (SecureConn, error)
}

// MuxedStream is a capability-trait stream: a byte channel bound to
// one muxer session. Close half-closes the local write side; Reset
// aborts both directions immediately.
type MuxedStream interface {
	io.ReadWriteCloser
	Reset() error
	SetDeadline(t time.Time) error
}

// earlyMuxerNegotiator is implemented by secure connections whose
// handshake already carried the peer's supported muxers, letting the
// upgrade pipeline skip the muxer's multistream-select round.
type earlyMuxerNegotiator interface {
	RemoteStreamMuxers() []string
}

// MuxedSession is the capability trait {open_stream, accept_stream,
// close} (spec.md §9).
type MuxedSession interface {
	OpenStream() (MuxedStream, error)
	AcceptStream() (MuxedStream, error)
	Close() error
}

// Muxer upgrades a SecureConn into a MuxedSession.
type Muxer interface {
	NewSession(conn SecureConn, client bool) MuxedSession
}
