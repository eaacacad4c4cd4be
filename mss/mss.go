// Package mss implements multistream-select, the line-oriented
// protocol-negotiation handshake that runs at the start of every
// yamux stream (spec.md §4.5).
package mss

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// ProtocolID is the wire-form name of an application protocol, e.g.
// "/ipfs/id/1.0.0".
type ProtocolID string

const (
	multistreamProtoID = "/multistream/1.0.0"
	lsCommand          = "ls"
	naResponse         = "na"
)

// ErrProtocolNegotiationFailed is returned whenever either side closes
// the stream before agreeing on a protocol (spec.md §4.5).
var ErrProtocolNegotiationFailed = errors.New("mss: protocol negotiation failed")

// writeLine writes s as one unsigned-varint-length-prefixed line,
// where the length includes the trailing '\n' (spec.md §4.5).
func writeLine(w io.Writer, s string) error {
	line := s + "\n"
	var buf []byte
	buf = protowire.AppendVarint(buf, uint64(len(line)))
	buf = append(buf, line...)
	_, err := w.Write(buf)
	return err
}

// readLine reads one unsigned-varint-length-prefixed line and returns
// it without its trailing '\n'.
func readLine(r *bufio.Reader) (string, error) {
	length, err := readVarint(r)
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", fmt.Errorf("%w: zero-length line", ErrProtocolNegotiationFailed)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if buf[length-1] != '\n' {
		return "", fmt.Errorf("%w: line not newline-terminated", ErrProtocolNegotiationFailed)
	}
	return string(buf[:length-1]), nil
}

// readVarint reads a single LEB128 unsigned varint byte-by-byte, since
// protowire's ConsumeVarint needs the bytes already in a buffer.
func readVarint(r *bufio.Reader) (uint64, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		buf = append(buf, b)
		if b < 0x80 {
			break
		}
		if len(buf) > 10 {
			return 0, fmt.Errorf("%w: varint too long", ErrProtocolNegotiationFailed)
		}
	}
	v, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return 0, fmt.Errorf("%w: bad varint", ErrProtocolNegotiationFailed)
	}
	return v, nil
}

// Negotiate runs the initiator side of multistream-select over rw,
// requesting proto. It returns ErrProtocolNegotiationFailed if the
// responder refuses or the stream closes before agreement.
func Negotiate(rw io.ReadWriter, proto ProtocolID) error {
	r := bufio.NewReader(rw)
	if err := writeLine(rw, multistreamProtoID); err != nil {
		return err
	}
	got, err := readLine(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolNegotiationFailed, err)
	}
	if got != multistreamProtoID {
		return fmt.Errorf("%w: unexpected header %q", ErrProtocolNegotiationFailed, got)
	}
	if err := writeLine(rw, string(proto)); err != nil {
		return err
	}
	resp, err := readLine(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolNegotiationFailed, err)
	}
	if resp == naResponse {
		return fmt.Errorf("%w: peer refused %q", ErrProtocolNegotiationFailed, proto)
	}
	if resp != string(proto) {
		return fmt.Errorf("%w: unexpected response %q", ErrProtocolNegotiationFailed, resp)
	}
	return nil
}

// HandlerLookup resolves a requested protocol to a boolean indicating
// whether the responder supports it, and the canonical list of
// supported protocols for `ls`.
type HandlerLookup interface {
	Supports(proto ProtocolID) bool
	List() []ProtocolID
}

// Respond runs the responder side of multistream-select over rw,
// echoing the header, then accepting or refusing each requested
// protocol (and answering `ls`) until the initiator requests a
// protocol that lookup.Supports, at which point Respond returns it.
func Respond(rw io.ReadWriter, lookup HandlerLookup) (ProtocolID, error) {
	r := bufio.NewReader(rw)
	got, err := readLine(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProtocolNegotiationFailed, err)
	}
	if got != multistreamProtoID {
		return "", fmt.Errorf("%w: unexpected header %q", ErrProtocolNegotiationFailed, got)
	}
	if err := writeLine(rw, multistreamProtoID); err != nil {
		return "", err
	}
	for {
		req, err := readLine(r)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrProtocolNegotiationFailed, err)
		}
		if req == lsCommand {
			if err := writeLSResponse(rw, lookup.List()); err != nil {
				return "", err
			}
			continue
		}
		proto := ProtocolID(req)
		if lookup.Supports(proto) {
			if err := writeLine(rw, req); err != nil {
				return "", err
			}
			return proto, nil
		}
		if err := writeLine(rw, naResponse); err != nil {
			return "", err
		}
	}
}

// writeLSResponse answers `ls\n` with one length-prefixed line
// containing the varint count of supported protocols followed by each
// protocol's own length-prefixed line, matching the upstream
// multistream-select `ls` response framing (a SUPPLEMENTED FEATURE
// beyond the bare negotiation loop).
func writeLSResponse(w io.Writer, protos []ProtocolID) error {
	var inner []byte
	inner = protowire.AppendVarint(inner, uint64(len(protos)))
	for _, p := range protos {
		line := string(p) + "\n"
		inner = protowire.AppendVarint(inner, uint64(len(line)))
		inner = append(inner, line...)
	}
	var buf []byte
	buf = protowire.AppendVarint(buf, uint64(len(inner)+1))
	buf = append(buf, inner...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}
