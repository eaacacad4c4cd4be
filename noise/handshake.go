package noise

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	flynnnoise "github.com/flynn/noise"

	"github.com/stephanfeb/dart-libp2p-sub010/peer"
)

var cipherSuite = flynnnoise.NewCipherSuite(flynnnoise.DH25519, flynnnoise.CipherChaChaPoly, flynnnoise.HashSHA256)

const staticKeySigPrefix = "noise-libp2p-static-key:"

func signStaticKey(local peer.KeyPair, staticPub []byte) ([]byte, error) {
	msg := append([]byte(staticKeySigPrefix), staticPub...)
	return local.Sign(msg)
}

func verifyStaticKeySig(identityKeyEnvelope, staticPub, sig []byte) error {
	msg := append([]byte(staticKeySigPrefix), staticPub...)
	if !peer.VerifyEnvelope(identityKeyEnvelope, msg, sig) {
		return ErrHandshakeFailed
	}
	return nil
}

// writeFramed writes one big-endian-length-prefixed frame to w.
func writeFramed(w io.Writer, msg []byte) error {
	if len(msg) > 0xFFFF {
		return ErrFrameTooLarge
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(msg)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

// readFramed reads one big-endian-length-prefixed frame from r.
func readFramed(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// HandshakeOutbound runs the Noise XX handshake as initiator over rw
// (spec.md §4.3: "three messages, initiator sends first"). expectedPeer
// may be empty, in which case the remote's PeerID is accepted as-is
// (the typical first-dial case where only the address, not the
// identity, is known in advance). ext, if non-nil, is carried in the
// identity payload's extensions field; the peer's own extensions are
// available on the returned session.
func HandshakeOutbound(rw io.ReadWriter, local peer.KeyPair, expectedPeer peer.ID, ext *Extensions) (*SecureSession, error) {
	staticKP, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("noise: generate static keypair: %w", err)
	}
	hs, err := flynnnoise.NewHandshakeState(flynnnoise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       flynnnoise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: staticKP,
	})
	if err != nil {
		return nil, fmt.Errorf("noise: init handshake state: %w", err)
	}

	// message 1: -> e
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: write msg1: %v", ErrHandshakeFailed, err)
	}
	if err := writeFramed(rw, msg1); err != nil {
		return nil, err
	}

	// message 2: <- e, ee, s, es, payload
	raw2, err := readFramed(rw)
	if err != nil {
		return nil, err
	}
	payload2, _, _, err := hs.ReadMessage(nil, raw2)
	if err != nil {
		return nil, fmt.Errorf("%w: read msg2: %v", ErrHandshakeFailed, err)
	}
	remotePayload, err := UnmarshalPayload(payload2)
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	remotePeerStatic := hs.PeerStatic()
	if err := verifyStaticKeySig(remotePayload.IdentityKey, remotePeerStatic, remotePayload.IdentitySig); err != nil {
		return nil, err
	}
	remoteID, err := peer.FromEnvelope(remotePayload.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if expectedPeer != "" && remoteID != expectedPeer {
		return nil, ErrPeerIDMismatch
	}

	// message 3: -> s, se, payload
	localEnvelope := local.Envelope()
	sig, err := signStaticKey(local, staticKP.Public)
	if err != nil {
		return nil, fmt.Errorf("noise: sign static key: %w", err)
	}
	outPayload := (&HandshakePayload{IdentityKey: localEnvelope, IdentitySig: sig, Extensions: ext}).Marshal()
	msg3, cs1, cs2, err := hs.WriteMessage(nil, outPayload)
	if err != nil {
		return nil, fmt.Errorf("%w: write msg3: %v", ErrHandshakeFailed, err)
	}
	if err := writeFramed(rw, msg3); err != nil {
		return nil, err
	}

	return newSecureSession(rw, remoteID, remotePayload.Extensions, cs1, cs2), nil
}

// HandshakeInbound runs the Noise XX handshake as responder over rw.
// ext, if non-nil, is carried in the identity payload's extensions
// field.
func HandshakeInbound(rw io.ReadWriter, local peer.KeyPair, ext *Extensions) (*SecureSession, error) {
	staticKP, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("noise: generate static keypair: %w", err)
	}
	hs, err := flynnnoise.NewHandshakeState(flynnnoise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       flynnnoise.HandshakeXX,
		Initiator:     false,
		StaticKeypair: staticKP,
	})
	if err != nil {
		return nil, fmt.Errorf("noise: init handshake state: %w", err)
	}

	// message 1: <- e
	raw1, err := readFramed(rw)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, raw1); err != nil {
		return nil, fmt.Errorf("%w: read msg1: %v", ErrHandshakeFailed, err)
	}

	// message 2: -> e, ee, s, es, payload
	localEnvelope := local.Envelope()
	sig, err := signStaticKey(local, staticKP.Public)
	if err != nil {
		return nil, fmt.Errorf("noise: sign static key: %w", err)
	}
	outPayload := (&HandshakePayload{IdentityKey: localEnvelope, IdentitySig: sig, Extensions: ext}).Marshal()
	msg2, _, _, err := hs.WriteMessage(nil, outPayload)
	if err != nil {
		return nil, fmt.Errorf("%w: write msg2: %v", ErrHandshakeFailed, err)
	}
	if err := writeFramed(rw, msg2); err != nil {
		return nil, err
	}

	// message 3: <- s, se, payload
	raw3, err := readFramed(rw)
	if err != nil {
		return nil, err
	}
	// XX's split() always names the initiator->responder keys cs1 and
	// the responder->initiator keys cs2, regardless of which side
	// calls it; as responder we encrypt with cs2 and decrypt with cs1.
	payload3, initToResp, respToInit, err := hs.ReadMessage(nil, raw3)
	if err != nil {
		return nil, fmt.Errorf("%w: read msg3: %v", ErrHandshakeFailed, err)
	}
	remotePayload, err := UnmarshalPayload(payload3)
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	remotePeerStatic := hs.PeerStatic()
	if err := verifyStaticKeySig(remotePayload.IdentityKey, remotePeerStatic, remotePayload.IdentitySig); err != nil {
		return nil, err
	}
	remoteID, err := peer.FromEnvelope(remotePayload.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	return newSecureSession(rw, remoteID, remotePayload.Extensions, respToInit, initToResp), nil
}
