package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// EphemeralKeyPair is a per-session X25519 keypair used only for the
// duration of one key-exchange handshake (§4.4): it binds the session
// secret that wraps sender keys in transit, independent of the long-lived
// Ed25519 identity used for challenge-response signatures.
type EphemeralKeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateEphemeralKeyPair creates a new X25519 keypair.
func GenerateEphemeralKeyPair() (*EphemeralKeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive ephemeral public key: %w", err)
	}
	var kp EphemeralKeyPair
	kp.Private = priv
	copy(kp.Public[:], pub)
	return &kp, nil
}

// SessionSecret derives the symmetric secret shared by both sides of a
// key-exchange handshake from the local private key and the peer's public
// key, via X25519 ECDH followed by HKDF-SHA256 to produce a uniform
// chacha20poly1305 key.
func SessionSecret(localPrivate, remotePublic [32]byte, contextID []byte) ([]byte, error) {
	shared, err := curve25519.X25519(localPrivate[:], remotePublic[:])
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}

	out := make([]byte, SenderKeySize)
	kdf := hkdf.New(sha256.New, shared, contextID, []byte("calimero-key-exchange-session"))
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return out, nil
}
