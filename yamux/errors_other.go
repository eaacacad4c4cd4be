//go:build !windows

package yamux

import (
	"errors"
	"io"
)

// isConnCloseError reports whether err is the ordinary result of the
// peer closing its end of the connection. Non-Windows platforms
// surface this uniformly as io.EOF, so there is no errno table to
// check.
func isConnCloseError(err error) bool {
	return errors.Is(err, io.EOF)
}
