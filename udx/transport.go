package udx

import (
	"context"
	"fmt"
	"net"

	ma "github.com/stephanfeb/dart-libp2p-sub010/ma"
)

// Transport adapts Endpoint to the swarm's transport capability trait
// (spec.md §4.2): {listen, dial}, recognizing only multiaddrs of the
// form /ip4|ip6/.../udp/<port>/udx.
type Transport struct{}

// NewTransport returns a Transport. It carries no state of its own;
// every dial or listen call binds its own Endpoint.
func NewTransport() *Transport { return &Transport{} }

// CanDial reports whether addr is a UDX multiaddr this transport knows
// how to dial.
func (t *Transport) CanDial(addr ma.Multiaddr) bool {
	_, err := ma.ParseUDXEndpoint(addr)
	return err == nil
}

// Listener is the UDX transport's listen-side handle: an Endpoint plus
// the multiaddr it is bound to.
type Listener struct {
	ep   *Endpoint
	addr ma.Multiaddr
}

// Listen binds a UDX listener on addr, which must end in /udp/<port>/udx.
func (t *Transport) Listen(addr ma.Multiaddr) (*Listener, error) {
	ep, err := ma.ParseUDXEndpoint(addr)
	if err != nil {
		return nil, fmt.Errorf("udx: listen: %w", err)
	}
	udpAddr := &net.UDPAddr{IP: net.ParseIP(ep.Host), Port: ep.Port}
	pc, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("udx: listen %s: %w", addr, err)
	}
	laddr, err := ma.FromNetAddr(pc.LocalAddr().(*net.UDPAddr))
	if err != nil {
		pc.Close()
		return nil, err
	}
	return &Listener{ep: NewEndpoint(pc), addr: laddr}, nil
}

// Accept blocks until an inbound Stream's SYN has been answered with a
// SYN-ACK (see Endpoint.Accept).
func (l *Listener) Accept() (*Stream, error) { return l.ep.Accept() }

// Multiaddr returns the address this listener is bound to.
func (l *Listener) Multiaddr() ma.Multiaddr { return l.addr }

// Close shuts down the listener's Endpoint and every Stream it owns.
func (l *Listener) Close() error { return l.ep.Close() }

// Dial opens a UDX Stream to addr, which must end in /udp/<port>/udx.
// Each dial binds a fresh ephemeral-port Endpoint; the transport keeps
// no dial-side connection cache of its own (that is the swarm's job).
func (t *Transport) Dial(ctx context.Context, addr ma.Multiaddr) (*Stream, error) {
	ep, err := ma.ParseUDXEndpoint(addr)
	if err != nil {
		return nil, fmt.Errorf("udx: dial: %w", err)
	}
	raddr := &net.UDPAddr{IP: net.ParseIP(ep.Host), Port: ep.Port}
	pc, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("udx: dial: bind local socket: %w", err)
	}
	endpoint := NewEndpoint(pc)
	s, err := endpoint.Dial(ctx, raddr)
	if err != nil {
		endpoint.Close()
		return nil, err
	}
	// the endpoint exists only for this one stream; release the socket
	// once the stream ends so a dial can never leak a descriptor
	go func() {
		<-s.closeCh
		endpoint.Close()
	}()
	return s, nil
}
