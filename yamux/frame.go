// Package yamux implements the symmetric stream multiplexer that runs
// over one secured connection (spec.md §4.4): a 12-byte header per
// frame, per-stream flow-control windows, and session-level keepalive
// and shutdown.
package yamux

import (
	"encoding/binary"
	"errors"
)

const protoVersion = 0

// Frame types.
const (
	typeData         uint8 = 0
	typeWindowUpdate uint8 = 1
	typePing         uint8 = 2
	typeGoAway       uint8 = 3
)

// Frame flags, combinable as a bitmask.
const (
	flagSYN uint16 = 1 << iota
	flagACK
	flagFIN
	flagRST
)

// GO_AWAY reason codes.
const (
	GoAwayNormal        uint32 = 0
	GoAwayProtocolError uint32 = 1
	GoAwayInternalError uint32 = 2
)

const headerSize = 12

// maxFramePayload caps a single DATA frame's body (spec.md §6: 16 MiB
// ceiling); a peer announcing more is committing a protocol violation.
const maxFramePayload = 16 << 20

var errShortFrameHeader = errors.New("yamux: frame header shorter than 12 bytes")

// frameHeader is the decoded form of a yamux frame's fixed header.
type frameHeader struct {
	version  uint8
	typ      uint8
	flags    uint16
	streamID uint32
	length   uint32
}

func (h frameHeader) encode(buf []byte) {
	buf[0] = h.version
	buf[1] = h.typ
	binary.BigEndian.PutUint16(buf[2:], h.flags)
	binary.BigEndian.PutUint32(buf[4:], h.streamID)
	binary.BigEndian.PutUint32(buf[8:], h.length)
}

func decodeFrameHeader(buf []byte) (frameHeader, error) {
	if len(buf) < headerSize {
		return frameHeader{}, errShortFrameHeader
	}
	return frameHeader{
		version:  buf[0],
		typ:      buf[1],
		flags:    binary.BigEndian.Uint16(buf[2:]),
		streamID: binary.BigEndian.Uint32(buf[4:]),
		length:   binary.BigEndian.Uint32(buf[8:]),
	}, nil
}
