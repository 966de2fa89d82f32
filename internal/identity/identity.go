// Package identity holds the local signing keypair and derives content ids for events.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidKey       = errors.New("invalid identity key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Keypair is the local identity. The public half, hex encoded, is the sender key
// every outgoing event is attributed to.
type Keypair struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Generate creates a fresh keypair.
func Generate() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Keypair{priv: priv, pub: pub}, nil
}

// FromSeedHex rebuilds a keypair from a hex encoded 32 byte seed.
func FromSeedHex(seedHex string) (*Keypair, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("%w: seed is not hex", ErrInvalidKey)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrInvalidKey, ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// PublicKeyHex returns the sender identity.
func (k *Keypair) PublicKeyHex() string {
	return hex.EncodeToString(k.pub)
}

// SeedHex returns the persisted form of the private key.
func (k *Keypair) SeedHex() string {
	return hex.EncodeToString(k.priv.Seed())
}

// Seed exposes the raw seed for key derivation (P2P TLS certificates).
func (k *Keypair) Seed() []byte {
	return k.priv.Seed()
}

// Sign signs payload and returns the hex signature.
func (k *Keypair) Sign(payload []byte) (string, error) {
	if k == nil || len(k.priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("%w: private key missing or truncated", ErrInvalidKey)
	}
	return hex.EncodeToString(ed25519.Sign(k.priv, payload)), nil
}

// Verify checks a hex signature made by pubkeyHex over payload.
func Verify(pubkeyHex string, payload []byte, sigHex string) error {
	pub, err := hex.DecodeString(pubkeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public key", ErrInvalidKey)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), payload, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// DeriveContentID hashes the canonical tuple [0, pubkey, created_at, kind, tags, content].
// Identical content from the same sender in the same second yields the same id.
func DeriveContentID(pubkey string, createdAt int64, kind int, tags [][]string, content string) string {
	if tags == nil {
		tags = [][]string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a fixed tuple of strings, ints and string slices cannot fail.
	_ = enc.Encode([]any{0, pubkey, createdAt, kind, tags, content})
	sum := sha256.Sum256(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
	return hex.EncodeToString(sum[:])
}
