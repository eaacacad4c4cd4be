//go:build windows

package udx

import (
	"net"
	"syscall"

	"golang.org/x/sys/windows"
)

const socketBufferSize = 4 * 1024 * 1024

// tuneSocketBuffers is the windows counterpart of socket_unix.go's
// tuning routine, following the teacher's errors_windows.go convention
// of a dedicated platform file for windows-specific syscalls.
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
		h := windows.Handle(fd)
		_ = windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_RCVBUF, socketBufferSize)
		_ = windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_SNDBUF, socketBufferSize)
	})
	if ctrlErr != nil {
		log.Debugw("udx: socket tuning control failed", "err", ctrlErr)
	}
}
