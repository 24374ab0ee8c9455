// Package crypto provides the node core's cryptographic primitives:
// Ed25519 node identities, per-author sender-key AEAD encryption, and the
// Diffie-Hellman session secret used during key exchange.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/calimero-network/core-sub003/internal/primitives"
)

// Identity is a node's signing keypair; its public key doubles as the
// node's context member public key (primitives.PublicKey).
type Identity struct {
	PrivateKey libp2pcrypto.PrivKey
	PublicKey  libp2pcrypto.PubKey
	PeerID     peer.ID
}

// storedIdentity is the on-disk representation of an Identity.
type storedIdentity struct {
	Type       string `json:"type"`
	PrivateKey string `json:"private_key"`
	PeerID     string `json:"peer_id"`
}

// GenerateIdentity creates a new Ed25519 node identity.
func GenerateIdentity() (*Identity, error) {
	priv, pub, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	pid, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("derive peer id: %w", err)
	}
	return &Identity{PrivateKey: priv, PublicKey: pub, PeerID: pid}, nil
}

// PublicKeyID returns the identity's public key as a context member ID: the
// raw 32-byte Ed25519 public key.
func (id *Identity) PublicKeyID() (primitives.PublicKey, error) {
	raw, err := id.PublicKey.Raw()
	if err != nil {
		return primitives.ID{}, fmt.Errorf("marshal public key: %w", err)
	}
	pk, ok := primitives.IDFromBytes(raw)
	if !ok {
		return primitives.ID{}, fmt.Errorf("unexpected public key length %d", len(raw))
	}
	return pk, nil
}

// Sign signs msg with the identity's private key.
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	return id.PrivateKey.Sign(msg)
}

// Verify checks sig against msg using pub.
func Verify(pub libp2pcrypto.PubKey, msg, sig []byte) (bool, error) {
	return pub.Verify(msg, sig)
}

// SaveIdentity persists id to path with owner-only permissions.
func SaveIdentity(id *Identity, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	privBytes, err := libp2pcrypto.MarshalPrivateKey(id.PrivateKey)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	stored := storedIdentity{
		Type:       "Ed25519",
		PrivateKey: base64.StdEncoding.EncodeToString(privBytes),
		PeerID:     id.PeerID.String(),
	}
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

// LoadIdentity loads an identity from path, rejecting files with loose
// permissions.
func LoadIdentity(path string) (*Identity, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat identity file: %w", err)
	}
	if info.Mode().Perm()&0077 != 0 {
		return nil, fmt.Errorf("insecure identity file permissions %o, want 0600 or stricter", info.Mode().Perm())
	}
	if err := validateFileOwnership(info); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	var stored storedIdentity
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}

	privBytes, err := base64.StdEncoding.DecodeString(stored.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	priv, err := libp2pcrypto.UnmarshalPrivateKey(privBytes)
	if err != nil {
		return nil, fmt.Errorf("unmarshal private key: %w", err)
	}
	pub := priv.GetPublic()
	pid, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("derive peer id: %w", err)
	}

	return &Identity{PrivateKey: priv, PublicKey: pub, PeerID: pid}, nil
}

// IdentityExists reports whether a key file is present at path.
func IdentityExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// DefaultIdentityPath returns the default per-user identity path.
func DefaultIdentityPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".calimero", "identity.json"), nil
}
