// Package identity provides the node's signing key, its node id and role.
// Node ids are libp2p peer ids, which embed the ed25519 public key, so any
// node can verify a signature from the signer's id alone.
package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/blake2b"
)

// Provider answers who this node is.
type Provider interface {
	LocalNodeID() string
	LocalRole() Role
}

// Keyring holds the local private key. It implements ledger.Crypto and Provider.
type Keyring struct {
	priv crypto.PrivKey
	id   peer.ID
	role Role
}

// Generate creates a Keyring with a fresh ed25519 key.
func Generate(role Role) (*Keyring, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return FromPrivKey(priv, role)
}

// FromPrivKey wraps an existing key.
func FromPrivKey(priv crypto.PrivKey, role Role) (*Keyring, error) {
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("derive node id: %w", err)
	}
	return &Keyring{priv: priv, id: id, role: role}, nil
}

// LoadOrCreate reads the key at path, creating and persisting one if the file
// does not exist. The bool result is true when a new key was written.
func LoadOrCreate(path string, role Role) (*Keyring, bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, false, fmt.Errorf("key file %s: %w", path, err)
		}
		k, err := FromPrivKey(priv, role)
		return k, false, err
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("read key file: %w", err)
	}

	k, err := Generate(role)
	if err != nil {
		return nil, false, err
	}
	if err := k.Save(path); err != nil {
		return nil, false, err
	}
	return k, true, nil
}

// Save writes the private key to path with owner-only permissions.
func (k *Keyring) Save(path string) error {
	data, err := crypto.MarshalPrivateKey(k.priv)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("key dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// PrivKey exposes the key for the libp2p host identity.
func (k *Keyring) PrivKey() crypto.PrivKey { return k.priv }

// PeerID returns the node id in libp2p form.
func (k *Keyring) PeerID() peer.ID { return k.id }

// LocalNodeID returns the node id string.
func (k *Keyring) LocalNodeID() string { return k.id.String() }

// LocalRole returns the configured role.
func (k *Keyring) LocalRole() Role { return k.role }

// Hash returns the 32-byte BLAKE2b digest of data.
func (k *Keyring) Hash(data []byte) []byte {
	return Hash(data)
}

// Sign signs digest with the local key.
func (k *Keyring) Sign(digest []byte) ([]byte, error) {
	return k.priv.Sign(digest)
}

// Verify checks signature against the key embedded in nodeID.
func (k *Keyring) Verify(digest, signature []byte, nodeID string) (bool, error) {
	return Verify(digest, signature, nodeID)
}

// Hash returns the 32-byte BLAKE2b digest of data.
func Hash(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}

// Verify checks signature against the public key embedded in nodeID.
func Verify(digest, signature []byte, nodeID string) (bool, error) {
	pub, err := publicKey(nodeID)
	if err != nil {
		return false, err
	}
	return pub.Verify(digest, signature)
}

// publicKey decodes the key inlined in an ed25519 peer id. Decoding is cheap
// and ids arrive from untrusted peers, so nothing is cached.
func publicKey(nodeID string) (crypto.PubKey, error) {
	pid, err := peer.Decode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("decode node id %q: %w", nodeID, err)
	}
	pub, err := pid.ExtractPublicKey()
	if err != nil {
		return nil, fmt.Errorf("node id %s carries no public key: %w", nodeID, err)
	}
	return pub, nil
}

// Verifier checks hashes and signatures without holding a key. Sign always
// fails; use it for offline audits of a stored chain.
type Verifier struct{}

func (Verifier) Hash(data []byte) []byte { return Hash(data) }

func (Verifier) Sign([]byte) ([]byte, error) {
	return nil, errors.New("verifier holds no private key")
}

func (Verifier) Verify(digest, signature []byte, nodeID string) (bool, error) {
	return Verify(digest, signature, nodeID)
}
