package swarm

import (
	"context"
	"io"

	ma "github.com/stephanfeb/dart-libp2p-sub010/ma"
	"github.com/stephanfeb/dart-libp2p-sub010/noise"
	"github.com/stephanfeb/dart-libp2p-sub010/peer"
	"github.com/stephanfeb/dart-libp2p-sub010/udx"
	"github.com/stephanfeb/dart-libp2p-sub010/yamux"
)

// UDXTransport adapts udx.Transport to the swarm's Transport
// capability trait; Go's lack of covariant interface satisfaction
// means each concrete-typed method needs a thin wrapper here.
type UDXTransport struct {
	t *udx.Transport
}

// NewUDXTransport wraps a udx.Transport for swarm use.
func NewUDXTransport() *UDXTransport { return &UDXTransport{t: udx.NewTransport()} }

func (u *UDXTransport) CanDial(addr ma.Multiaddr) bool { return u.t.CanDial(addr) }

func (u *UDXTransport) Dial(ctx context.Context, addr ma.Multiaddr) (io.ReadWriteCloser, error) {
	return u.t.Dial(ctx, addr)
}

func (u *UDXTransport) Listen(addr ma.Multiaddr) (Listener, error) {
	l, err := u.t.Listen(addr)
	if err != nil {
		return nil, err
	}
	return &udxListener{l: l}, nil
}

type udxListener struct {
	l *udx.Listener
}

func (l *udxListener) Accept() (io.ReadWriteCloser, error) { return l.l.Accept() }
func (l *udxListener) Multiaddr() ma.Multiaddr             { return l.l.Multiaddr() }
func (l *udxListener) Close() error                        { return l.l.Close() }

// NoiseSecurity adapts the noise package's handshake functions to the
// swarm's Security capability trait. Every handshake advertises the
// yamux muxer in the payload extensions so that two peers running this
// stack can skip the muxer's multistream-select round.
type NoiseSecurity struct{}

func localExtensions() *noise.Extensions {
	return &noise.Extensions{StreamMuxers: []string{string(ProtoYamux)}}
}

func (NoiseSecurity) SecureOutbound(rw io.ReadWriteCloser, local peer.KeyPair, expectedPeer peer.ID) (SecureConn, error) {
	return noise.HandshakeOutbound(rw, local, expectedPeer, localExtensions())
}

func (NoiseSecurity) SecureInbound(rw io.ReadWriteCloser, local peer.KeyPair) (SecureConn, error) {
	return noise.HandshakeInbound(rw, local, localExtensions())
}

// YamuxMuxer adapts the yamux package to the swarm's Muxer capability
// trait.
type YamuxMuxer struct{}

func (YamuxMuxer) NewSession(conn SecureConn, client bool) MuxedSession {
	return &yamuxSession{s: yamux.NewSession(conn, client)}
}

type yamuxSession struct {
	s *yamux.Session
}

func (y *yamuxSession) OpenStream() (MuxedStream, error)   { return y.s.OpenStream() }
func (y *yamuxSession) AcceptStream() (MuxedStream, error) { return y.s.AcceptStream() }
func (y *yamuxSession) Close() error                       { return y.s.Close() }
