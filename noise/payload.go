// Package noise implements the Noise_XX_25519_ChaChaPoly_SHA256
// handshake that upgrades a raw byte stream into a secure, peer-
// authenticated channel (spec.md §4.3).
package noise

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// HandshakePayload is the identity payload exchanged in handshake
// messages 2 and 3: the wire schema is the NoiseHandshakePayload
// protobuf message (spec.md §6), hand-encoded with protowire since the
// module has no generated .pb.go stubs.
type HandshakePayload struct {
	IdentityKey []byte
	IdentitySig []byte
	Extensions  *Extensions
}

// Extensions is the wire schema of NoiseExtensions (spec.md §6).
type Extensions struct {
	WebtransportCerthashes [][]byte
	StreamMuxers           []string
}

const (
	fieldIdentityKey = 1
	fieldIdentitySig = 2
	fieldExtensions  = 4

	fieldCerthashes  = 1
	fieldStreamMuxer = 2
)

func marshalExtensions(e *Extensions) []byte {
	if e == nil {
		return nil
	}
	var buf []byte
	for _, h := range e.WebtransportCerthashes {
		buf = protowire.AppendTag(buf, fieldCerthashes, protowire.BytesType)
		buf = protowire.AppendBytes(buf, h)
	}
	for _, m := range e.StreamMuxers {
		buf = protowire.AppendTag(buf, fieldStreamMuxer, protowire.BytesType)
		buf = protowire.AppendString(buf, m)
	}
	return buf
}

func unmarshalExtensions(buf []byte) (*Extensions, error) {
	var e Extensions
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("noise: extensions: bad tag: %w", protowire.ParseError(n))
		}
		buf = buf[n:]
		switch {
		case num == fieldCerthashes && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("noise: extensions: bad certhash: %w", protowire.ParseError(n))
			}
			e.WebtransportCerthashes = append(e.WebtransportCerthashes, append([]byte(nil), v...))
			buf = buf[n:]
		case num == fieldStreamMuxer && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return nil, fmt.Errorf("noise: extensions: bad stream muxer: %w", protowire.ParseError(n))
			}
			e.StreamMuxers = append(e.StreamMuxers, v)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("noise: extensions: bad field: %w", protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	return &e, nil
}

// Marshal encodes p as a NoiseHandshakePayload message.
func (p *HandshakePayload) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldIdentityKey, protowire.BytesType)
	buf = protowire.AppendBytes(buf, p.IdentityKey)
	buf = protowire.AppendTag(buf, fieldIdentitySig, protowire.BytesType)
	buf = protowire.AppendBytes(buf, p.IdentitySig)
	if p.Extensions != nil {
		buf = protowire.AppendTag(buf, fieldExtensions, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalExtensions(p.Extensions))
	}
	return buf
}

// errMalformedPayload is returned by UnmarshalPayload for any protobuf decode
// failure (spec.md §4.3: "HandshakeFailed ... any protobuf decode").
var errMalformedPayload = errors.New("noise: malformed handshake payload")

// UnmarshalPayload decodes a NoiseHandshakePayload message.
func UnmarshalPayload(buf []byte) (*HandshakePayload, error) {
	var p HandshakePayload
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, errMalformedPayload
		}
		buf = buf[n:]
		switch {
		case num == fieldIdentityKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, errMalformedPayload
			}
			p.IdentityKey = append([]byte(nil), v...)
			buf = buf[n:]
		case num == fieldIdentitySig && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, errMalformedPayload
			}
			p.IdentitySig = append([]byte(nil), v...)
			buf = buf[n:]
		case num == fieldExtensions && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, errMalformedPayload
			}
			ext, err := unmarshalExtensions(v)
			if err != nil {
				return nil, errMalformedPayload
			}
			p.Extensions = ext
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, errMalformedPayload
			}
			buf = buf[n:]
		}
	}
	if p.IdentityKey == nil || p.IdentitySig == nil {
		return nil, errMalformedPayload
	}
	return &p, nil
}
