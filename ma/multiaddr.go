// Package ma restricts and names the multiaddr protocol codes the core
// actually consumes (spec.md §6: ip4, ip6, udp, udx, p2p), on top of
// the real multiformats/go-multiaddr codec.
package ma

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/multiformats/go-multiaddr"
)

// P_UDX is a locally-registered multiaddr protocol code for the UDX
// reliable-transport-over-datagram protocol. It sits in the
// experimental/private range so it never collides with an officially
// assigned multicodec.
const P_UDX = 0x01F8

func init() {
	// Idempotent: re-running init (e.g. from multiple packages importing
	// ma) would otherwise panic on "protocol already exists".
	if p := multiaddr.ProtocolWithName("udx"); p.Code == P_UDX {
		return
	}
	if err := multiaddr.AddProtocol(multiaddr.Protocol{
		Name:  "udx",
		Code:  P_UDX,
		VCode: multiaddr.CodeToVarint(P_UDX),
		Size:  0,
	}); err != nil {
		panic(fmt.Sprintf("ma: register udx protocol: %v", err))
	}
}

// Multiaddr is a self-describing, immutable composable address. It is
// a thin alias over the real multiaddr.Multiaddr so that callers of
// this module never need to import multiformats/go-multiaddr directly.
type Multiaddr = multiaddr.Multiaddr

// NewMultiaddr parses s into a Multiaddr.
func NewMultiaddr(s string) (Multiaddr, error) {
	return multiaddr.NewMultiaddr(s)
}

// Equal reports whether a and b are structurally identical.
func Equal(a, b Multiaddr) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}

// UDXEndpoint is the (host, port) pair an /ip4|ip6/.../udp/<port>/udx
// multiaddr describes, as consumed by the udx transport adapter.
type UDXEndpoint struct {
	Host string
	Port int
	IPv6 bool
}

// ParseUDXEndpoint extracts the UDP endpoint from a multiaddr ending in
// .../udp/<port>/udx, per spec.md §4.2: "The adapter recognises only
// multiaddrs ending in /udp/<port>/udx."
func ParseUDXEndpoint(addr Multiaddr) (UDXEndpoint, error) {
	comps := multiaddr.Split(addr)
	if len(comps) < 3 {
		return UDXEndpoint{}, fmt.Errorf("ma: %s is not a udx multiaddr", addr)
	}
	last := comps[len(comps)-1]
	if p := last.Protocols(); len(p) != 1 || p[0].Code != P_UDX {
		return UDXEndpoint{}, fmt.Errorf("ma: %s does not end in /udx", addr)
	}
	udp := comps[len(comps)-2]
	udpProtos := udp.Protocols()
	if len(udpProtos) != 1 || udpProtos[0].Code != multiaddr.P_UDP {
		return UDXEndpoint{}, fmt.Errorf("ma: %s does not have /udp before /udx", addr)
	}
	portStr, err := udp.ValueForProtocol(multiaddr.P_UDP)
	if err != nil {
		return UDXEndpoint{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return UDXEndpoint{}, fmt.Errorf("ma: invalid udp port in %s: %w", addr, err)
	}
	ipComp := comps[len(comps)-3]
	ipProtos := ipComp.Protocols()
	if len(ipProtos) != 1 {
		return UDXEndpoint{}, fmt.Errorf("ma: %s does not have an ip4/ip6 component", addr)
	}
	host, err := ipComp.ValueForProtocol(ipProtos[0].Code)
	if err != nil {
		return UDXEndpoint{}, err
	}
	return UDXEndpoint{
		Host: host,
		Port: port,
		IPv6: ipProtos[0].Code == multiaddr.P_IP6,
	}, nil
}

// FromNetAddr builds a /ip4|ip6/.../udp/.../udx multiaddr from a UDP
// net.Addr, as used when a listener reports the address it actually
// bound to (port 0 resolved to a concrete ephemeral port).
func FromNetAddr(addr *net.UDPAddr) (Multiaddr, error) {
	ipProto := "ip4"
	if addr.IP.To4() == nil {
		ipProto = "ip6"
	}
	s := fmt.Sprintf("/%s/%s/udp/%d/udx", ipProto, addr.IP.String(), addr.Port)
	return multiaddr.NewMultiaddr(s)
}

// WithPeerID appends a /p2p/<peer-id> component to addr. The p2p
// component takes the bare base58 PeerID form (peer.ID.B58String),
// not the multibase-prefixed canonical one.
func WithPeerID(addr Multiaddr, peerIDString string) (Multiaddr, error) {
	p2p, err := multiaddr.NewMultiaddr("/p2p/" + peerIDString)
	if err != nil {
		return nil, err
	}
	return addr.Encapsulate(p2p), nil
}

// ExtractPeerID returns the /p2p/<peer-id> component's value, if addr
// has one.
func ExtractPeerID(addr Multiaddr) (string, bool) {
	v, err := addr.ValueForProtocol(multiaddr.P_P2P)
	if err != nil {
		return "", false
	}
	return v, true
}

// SplitPeerID returns addr with any trailing /p2p/<peer-id> component
// removed, plus the extracted peer id string (empty if none present).
func SplitPeerID(addr Multiaddr) (Multiaddr, string) {
	pidStr, ok := ExtractPeerID(addr)
	if !ok {
		return addr, ""
	}
	comps := multiaddr.Split(addr)
	trimmed := comps[:len(comps)-1]
	var sb strings.Builder
	for _, c := range trimmed {
		sb.WriteString(c.String())
	}
	out, err := multiaddr.NewMultiaddr(sb.String())
	if err != nil {
		return addr, pidStr
	}
	return out, pidStr
}
