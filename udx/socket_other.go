//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !windows

package udx

import "net"

// tuneSocketBuffers is a no-op on platforms without a dedicated
// implementation; the kernel default buffer sizes apply.
func tuneSocketBuffers(net.PacketConn) {}
