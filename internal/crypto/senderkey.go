package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// SenderKeySize is the width of a per-author symmetric sender key.
const SenderKeySize = chacha20poly1305.KeySize

// NonceSize is the width of the AEAD nonce carried alongside each
// encrypted delta payload.
const NonceSize = chacha20poly1305.NonceSizeX

// GenerateSenderKey creates a new random sender key for a context member's
// own authored deltas.
func GenerateSenderKey() ([]byte, error) {
	key := make([]byte, SenderKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate sender key: %w", err)
	}
	return key, nil
}

// EncryptPayload encrypts plaintext under the author's sender key, binding
// additionalData (typically context_id || delta_id) so ciphertexts cannot
// be replayed against a different context or delta. Returns nonce and
// ciphertext separately, matching the wire message's encrypted_artifact +
// nonce fields.
func EncryptPayload(senderKey, plaintext, additionalData []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.NewX(senderKey)
	if err != nil {
		return nil, nil, fmt.Errorf("init aead: %w", err)
	}
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, additionalData)
	return nonce, ciphertext, nil
}

// DecryptPayload reverses EncryptPayload. A non-nil error here means the
// delta cannot be decrypted with the given key (wrong/stale sender key or
// tampered wire content) and must be dropped per the broadcast handler's
// failure semantics.
func DecryptPayload(senderKey, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(senderKey)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}
	return plaintext, nil
}

// EncryptSenderKey wraps a sender key for transport during key exchange,
// under the per-session Diffie-Hellman secret.
func EncryptSenderKey(sessionSecret, senderKey, additionalData []byte) (nonce, ciphertext []byte, err error) {
	return EncryptPayload(sessionSecret, senderKey, additionalData)
}

// DecryptSenderKey reverses EncryptSenderKey.
func DecryptSenderKey(sessionSecret, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	return DecryptPayload(sessionSecret, nonce, ciphertext, additionalData)
}
