// Package crypto provides Ed25519 signing for mandates and sealed
// Merkle roots, plus deterministic sub-key derivation via HKDF-SHA256.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const hkdfSalt = "caracal-key-derivation"

// KeyProvider defines the interface for signing operations.
// This allows swapping the in-memory backend for an HSM, Vault, or Cloud KMS.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// MemoryKeyProvider is an in-memory KeyProvider backed by a raw Ed25519 key.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func NewMemoryKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

// NewMemoryKeyProviderFromSeed builds a provider from a 32-byte seed.
func NewMemoryKeyProviderFromSeed(seed []byte) (*MemoryKeyProvider, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &MemoryKeyProvider{
		pub:  priv.Public().(ed25519.PublicKey),
		priv: priv,
	}, nil
}

// NewMemoryKeyProviderFromHex builds a provider from a hex-encoded private key
// as stored for principals.
func NewMemoryKeyProviderFromHex(privHex string) (*MemoryKeyProvider, error) {
	raw, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	priv := ed25519.PrivateKey(raw)
	return &MemoryKeyProvider{
		pub:  priv.Public().(ed25519.PublicKey),
		priv: priv,
	}, nil
}

func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, msg), nil
}

func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey {
	return m.pub
}

// PrivateKeyHex returns the hex encoding of the full private key.
func (m *MemoryKeyProvider) PrivateKeyHex() string {
	return hex.EncodeToString(m.priv)
}

// PublicKeyHex returns the hex encoding of the public key.
func (m *MemoryKeyProvider) PublicKeyHex() string {
	return hex.EncodeToString(m.pub)
}

// DeriveForPurpose derives a purpose-specific provider using HKDF-SHA256.
// The master key's seed is the IKM and the purpose string is the info, so
// each purpose (for example "ledger-root-signing") gets a unique,
// deterministic Ed25519 keypair that never reuses the master key directly.
func (m *MemoryKeyProvider) DeriveForPurpose(purpose string) (*MemoryKeyProvider, error) {
	if purpose == "" {
		return nil, fmt.Errorf("purpose must not be empty")
	}

	hkdfReader := hkdf.New(sha256.New, m.priv.Seed(), []byte(hkdfSalt), []byte(purpose))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdfReader, seed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return NewMemoryKeyProviderFromSeed(seed)
}

// GenerateKeypair creates a fresh Ed25519 keypair hex-encoded for storage
// on a principal record.
func GenerateKeypair() (pubHex, privHex string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("key generation failed: %w", err)
	}
	return hex.EncodeToString(pub), hex.EncodeToString(priv), nil
}

// ParsePublicKey decodes a hex-encoded Ed25519 public key.
func ParsePublicKey(pubHex string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
