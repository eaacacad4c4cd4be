//go:build windows

package yamux

import (
	"errors"
	"io"
	"syscall"
)

// isConnCloseError reports whether err is the ordinary result of the
// peer closing its end of the connection, as opposed to a genuine
// fault, so setErr can report the former as ErrSessionShutdown rather
// than leaking a raw Windows errno.
func isConnCloseError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.Errno(10041)) || // WSAEPROTOTYPE
		errors.Is(err, syscall.WSAECONNABORTED) ||
		errors.Is(err, syscall.WSAECONNRESET)
}
