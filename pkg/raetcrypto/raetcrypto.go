// Package raetcrypto binds the NaCl primitives the protocol treats as
// external collaborators: Ed25519 signing for long-term identity and
// Curve25519/XSalsa20-Poly1305 boxing for session key agreement and
// message sealing.
package raetcrypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrOpenFailed is returned when a box or secretbox open fails
// authentication. It is deliberately generic: it must not leak whether the
// ciphertext, nonce, or key was at fault.
var ErrOpenFailed = errors.New("raetcrypto: open failed")

// NonceSize is the XSalsa20-Poly1305 nonce size used by both box and secretbox.
const NonceSize = 24

// KeySize is the Curve25519/XSalsa20-Poly1305 key size.
const KeySize = 32

// GenerateSigner creates a fresh long-term Ed25519 signing keypair.
func GenerateSigner() (priv ed25519.PrivateKey, pub ed25519.PublicKey, err error) {
	pub, priv, err = ed25519.GenerateKey(rand.Reader)
	return priv, pub, err
}

// Sign signs data with the long-term signing key. Used for Join request/
// response envelopes and for the short-term keys in the Allow hello and
// cookie steps.
func Sign(signer ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(signer, data)
}

// Verify checks a signature made with Sign.
func Verify(verfer ed25519.PublicKey, data, sig []byte) bool {
	if len(verfer) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(verfer, data, sig)
}

// GenerateBoxKeypair creates a fresh Curve25519 keypair, used both for the
// long-term priver/pubber pair and for per-Allow ephemeral keys.
func GenerateBoxKeypair() (priv, pub *[KeySize]byte, err error) {
	pub, priv, err = box.GenerateKey(rand.Reader)
	return priv, pub, err
}

// NewNonce returns a fresh random nonce suitable for SealAllow/SealMessage.
func NewNonce() (*[NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	return &nonce, nil
}

// SealAllow seals plaintext to the peer's short-term public key during the
// Allow handshake, authenticated under the local short-term private key.
func SealAllow(priv, peerPub *[KeySize]byte, nonce *[NonceSize]byte, plaintext []byte) []byte {
	return box.Seal(nil, plaintext, nonce, peerPub, priv)
}

// OpenAllow is the inverse of SealAllow.
func OpenAllow(priv, peerPub *[KeySize]byte, nonce *[NonceSize]byte, sealed []byte) ([]byte, error) {
	out, ok := box.Open(nil, sealed, nonce, peerPub, priv)
	if !ok {
		return nil, ErrOpenFailed
	}
	return out, nil
}

// DeriveSessionKey computes the shared symmetric key from a completed Allow
// exchange (self short-term private key, peer short-term public key). The
// derived key feeds SealMessage/OpenMessage for the lifetime of the session.
func DeriveSessionKey(priv, peerPub *[KeySize]byte) (*[KeySize]byte, error) {
	var shared [KeySize]byte
	box.Precompute(&shared, peerPub, priv)
	return &shared, nil
}

// SealMessage authenticates and encrypts a Message-transaction body under
// the per-session key established by Allow.
func SealMessage(sessionKey *[KeySize]byte, nonce *[NonceSize]byte, plaintext []byte) []byte {
	return secretbox.Seal(nil, plaintext, nonce, sessionKey)
}

// OpenMessage is the inverse of SealMessage.
func OpenMessage(sessionKey *[KeySize]byte, nonce *[NonceSize]byte, sealed []byte) ([]byte, error) {
	out, ok := secretbox.Open(nil, sealed, nonce, sessionKey)
	if !ok {
		return nil, ErrOpenFailed
	}
	return out, nil
}

// Zeroize overwrites key material in place. The other packages of this
// module do not call it: estate.Remote.Renew clears the session key with its
// own loop, and removing a remote or rejoining does not zero key material.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
