package swarm

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds from spec.md §7.
var (
	ErrNoAddresses               = errors.New("swarm: no addresses for peer")
	ErrDialFailed                = errors.New("swarm: all dial attempts failed")
	ErrProtocolNegotiationFailed = errors.New("swarm: protocol negotiation failed")
	ErrPeerIDMismatch            = errors.New("swarm: peer id mismatch")
	ErrGated                     = errors.New("swarm: connection rejected by gater")
	ErrSessionShutdown           = errors.New("swarm: session shut down")
	ErrClosed                    = errors.New("swarm: closed")
)

// DialError carries the per-address failure detail of a fully failed
// dial (spec.md §7: "per-address detail aggregated into DialFailed").
// errors.Is(err, ErrDialFailed) holds for every DialError.
type DialError struct {
	PerAddress map[string]error
}

func (e *DialError) Error() string {
	var sb strings.Builder
	sb.WriteString(ErrDialFailed.Error())
	for addr, err := range e.PerAddress {
		fmt.Fprintf(&sb, "\n  %s: %v", addr, err)
	}
	return sb.String()
}

func (e *DialError) Unwrap() error { return ErrDialFailed }
