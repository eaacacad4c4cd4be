// Package peer implements the PeerID and KeyPair primitives of the
// core's identity model (spec.md §3): a PeerID is a content hash of a
// peer's public key, and is never derived from an address.
package peer

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// ID is a content-hash identifier of a peer's public key. Two IDs are
// equal iff their byte representations are equal.
type ID string

// ErrEmptyPeerID is returned by Decode when given an empty string.
var ErrEmptyPeerID = errors.New("peer: empty peer id")

// The public-key envelope built by marshalPublicKeyEnvelope is a
// one-byte key-type tag, a one-byte key length, then the raw key bytes.
// This is deliberately minimal — the core only ever produces and
// consumes Ed25519 keys (spec.md §3), so the envelope carries no other
// key-type branches.
const keyTypeEd25519 = 1

func marshalPublicKeyEnvelope(pub ed25519.PublicKey) []byte {
	buf := make([]byte, 0, 2+len(pub))
	buf = append(buf, keyTypeEd25519, byte(len(pub)))
	buf = append(buf, pub...)
	return buf
}

func unmarshalPublicKeyEnvelope(envelope []byte) (ed25519.PublicKey, error) {
	if len(envelope) < 2 || envelope[0] != keyTypeEd25519 {
		return nil, errors.New("peer: unsupported public key envelope")
	}
	n := int(envelope[1])
	if len(envelope) != 2+n || n != ed25519.PublicKeySize {
		return nil, errors.New("peer: malformed public key envelope")
	}
	pub := make(ed25519.PublicKey, n)
	copy(pub, envelope[2:])
	return pub, nil
}

// FromPublicKey derives the PeerID that corresponds to pub. It is
// deterministic: the same public key always yields the same ID.
func FromPublicKey(pub ed25519.PublicKey) (ID, error) {
	envelope := marshalPublicKeyEnvelope(pub)
	mh, err := multihash.Sum(envelope, multihash.IDENTITY, -1)
	if err != nil {
		return "", fmt.Errorf("peer: hash public key: %w", err)
	}
	return ID(mh), nil
}

// FromEnvelope derives the PeerID from an already-marshaled public-key
// envelope, as carried over the wire in a Noise handshake payload.
func FromEnvelope(envelope []byte) (ID, error) {
	if _, err := unmarshalPublicKeyEnvelope(envelope); err != nil {
		return "", err
	}
	mh, err := multihash.Sum(envelope, multihash.IDENTITY, -1)
	if err != nil {
		return "", fmt.Errorf("peer: hash envelope: %w", err)
	}
	return ID(mh), nil
}

// Validate reports whether p is well-formed (a decodable multihash),
// without checking it against any particular public key.
func (p ID) Validate() error {
	if len(p) == 0 {
		return ErrEmptyPeerID
	}
	_, err := multihash.Cast([]byte(p))
	return err
}

// String returns the canonical textual form of p: the multihash bytes
// with an explicit multibase prefix (base58btc), per spec.md §3.
func (p ID) String() string {
	s, err := multibase.Encode(multibase.Base58BTC, []byte(p))
	if err != nil {
		// multibase.Encode only fails on an unsupported base, which
		// Base58BTC never is.
		return p.B58String()
	}
	return s
}

// B58String returns the bare base58btc legacy form, without a
// multibase prefix. This is the textual PeerID form the multiaddr
// /p2p/<peer-id> component consumes (spec.md §6).
func (p ID) B58String() string {
	return base58.Encode([]byte(p))
}

// Decode parses the canonical multibase form produced by String, plus
// the bare legacy base58btc form for compatibility.
func Decode(s string) (ID, error) {
	if s == "" {
		return "", ErrEmptyPeerID
	}
	if s[0] == 'z' || s[0] == 'Z' {
		if _, data, err := multibase.Decode(s); err == nil {
			if _, err := multihash.Cast(data); err == nil {
				return ID(data), nil
			}
		}
	}
	data, err := base58.Decode(s)
	if err != nil {
		return "", fmt.Errorf("peer: decode %q: %w", s, err)
	}
	if _, err := multihash.Cast(data); err != nil {
		return "", fmt.Errorf("peer: decode %q: %w", s, err)
	}
	return ID(data), nil
}

// MatchesPublicKey reports whether p is the PeerID of pub.
func (p ID) MatchesPublicKey(pub ed25519.PublicKey) bool {
	want, err := FromPublicKey(pub)
	return err == nil && want == p
}
