//go:build linux || darwin || freebsd || netbsd || openbsd

package udx

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// socketBufferSize is the SO_RCVBUF/SO_SNDBUF target. Larger than the
// kernel default so a full congestion window of segments can sit in
// the socket without drops under bursty scheduling.
const socketBufferSize = 4 * 1024 * 1024

// tuneSocketBuffers raises the kernel socket buffers on pc's underlying
// fd, mirroring the teacher's errors_windows.go practice of reaching
// below net.Conn for OS-level knobs the standard library doesn't expose.
func tuneSocketBuffers(pc net.PacketConn) {
	sc, ok := pc.(syscall.Conn)
	if !ok {
		return
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		log.Debugw("udx: no raw conn for socket tuning", "err", err)
		return
	}
	ctrlErr := raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufferSize)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufferSize)
	})
	if ctrlErr != nil {
		log.Debugw("udx: socket tuning control failed", "err", ctrlErr)
	}
}
