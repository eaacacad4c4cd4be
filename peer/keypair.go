package peer

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// KeyPair is the process-wide long-term identity (spec.md §3): an
// Ed25519 private key (Go's 64-byte seed-plus-public-key form) and its
// corresponding 32-byte public key.
// Exactly one KeyPair exists per process; its PeerID is derived
// deterministically from the public key and never changes.
type KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateKeyPair creates a new random Ed25519 identity.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Private: priv, Public: pub}, nil
}

// ID returns the PeerID derived from kp's public key.
func (kp KeyPair) ID() (ID, error) {
	return FromPublicKey(kp.Public)
}

// Envelope returns the wire-format public-key envelope carried in a
// Noise handshake payload's identity_key field.
func (kp KeyPair) Envelope() []byte {
	return marshalPublicKeyEnvelope(kp.Public)
}

// Sign signs msg with the identity's private key.
func (kp KeyPair) Sign(msg []byte) ([]byte, error) {
	if len(kp.Private) != ed25519.PrivateKeySize {
		return nil, errors.New("peer: key pair has no private key")
	}
	return ed25519.Sign(kp.Private, msg), nil
}

// VerifyEnvelope reports whether sig is a valid Ed25519 signature over msg
// made by the envelope's public key.
func VerifyEnvelope(envelope, msg, sig []byte) bool {
	pub, err := unmarshalPublicKeyEnvelope(envelope)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
