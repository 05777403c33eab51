// Package transport establishes the authenticated encrypted duplex
// channel between a host and a satellite, frames messages on it, and
// recovers it across reconnects.
//
// The channel stack, bottom up:
//   - an outer transport carrying opaque records (plain TCP with a
//     4-byte length prefix, or a TLS WebSocket pinned by fingerprint)
//   - an AEAD record layer with one ChaCha20-Poly1305 key and one
//     strictly monotonic 64-bit sequence counter per direction
//   - UTF-8 JSON frames (cmd/reply/event/ping/pong/bye)
//
// Key agreement is an X25519 Diffie-Hellman between ephemeral keys;
// both sides sign the handshake transcript with their long-lived
// Ed25519 identity keys. On first pairing the identities are taken on
// trust pending user confirmation; on reconnect the host checks the
// offered identity against the device registry.
package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/curve25519"

	remoteErrors "github.com/veilchat/remote/internal/errors"
)

// Identity is a long-lived Ed25519 identity key pair. The host holds
// one per device binding (from the registry); the satellite holds one
// for itself.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// NewIdentity generates a fresh identity key pair.
func NewIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, remoteErrors.Internal("generate identity key", err)
	}
	return &Identity{Public: pub, Private: priv}, nil
}

// IdentityFromKeys rebuilds an Identity from registry key material.
func IdentityFromKeys(pub, priv []byte) (*Identity, error) {
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return nil, remoteErrors.New(remoteErrors.CodeInternal, "identity key material has wrong length")
	}
	return &Identity{
		Public:  ed25519.PublicKey(append([]byte(nil), pub...)),
		Private: ed25519.PrivateKey(append([]byte(nil), priv...)),
	}, nil
}

// ephemeralKeyPair is a single-handshake X25519 key pair.
type ephemeralKeyPair struct {
	private [32]byte
	public  [32]byte
}

// newEphemeralKeyPair generates a fresh X25519 key pair.
func newEphemeralKeyPair() (*ephemeralKeyPair, error) {
	var kp ephemeralKeyPair
	if _, err := rand.Read(kp.private[:]); err != nil {
		return nil, remoteErrors.Internal("generate ephemeral key", err)
	}

	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, remoteErrors.Internal("derive ephemeral public key", err)
	}
	copy(kp.public[:], pub)
	return &kp, nil
}

// sharedSecret computes the X25519 shared secret with the peer's
// ephemeral public key.
func (kp *ephemeralKeyPair) sharedSecret(peerPublic []byte) ([]byte, error) {
	secret, err := curve25519.X25519(kp.private[:], peerPublic)
	if err != nil {
		return nil, remoteErrors.Wrap(remoteErrors.CodeAuthFail, "X25519 agreement failed", err)
	}
	return secret, nil
}

// Fingerprint renders a public key as colon-separated uppercase hex of
// its SHA-256, the format shown to users and embedded in mDNS TXT
// records.
func Fingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	hexStr := hex.EncodeToString(sum[:])

	var parts []string
	for i := 0; i < len(hexStr); i += 2 {
		parts = append(parts, strings.ToUpper(hexStr[i:i+2]))
	}
	return strings.Join(parts, ":")
}
