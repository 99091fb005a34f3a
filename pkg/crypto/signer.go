package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/Garudex-Labs/caracal/pkg/canonical"
	"github.com/Garudex-Labs/caracal/pkg/contracts"
)

// SignMandate signs the canonical encoding of m with the issuer's key and
// stores the base64 signature on the mandate. The signature covers every
// authority-bearing field; mutating any of them afterwards invalidates it.
func SignMandate(m *contracts.Mandate, provider KeyProvider) error {
	payload, err := canonical.MandateSigningBytes(m)
	if err != nil {
		return fmt.Errorf("canonicalize mandate: %w", err)
	}
	sig, err := provider.Sign(payload)
	if err != nil {
		return fmt.Errorf("sign mandate: %w", err)
	}
	m.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// VerifyMandate checks m's signature against the issuer's hex-encoded
// public key. A false return with nil error means the signature simply
// does not verify; errors are reserved for malformed inputs.
func VerifyMandate(m *contracts.Mandate, issuerPubHex string) (bool, error) {
	if m.Signature == "" {
		return false, fmt.Errorf("missing signature")
	}
	pub, err := ParsePublicKey(issuerPubHex)
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature base64: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("signature must be %d bytes, got %d", ed25519.SignatureSize, len(sig))
	}
	payload, err := canonical.MandateSigningBytes(m)
	if err != nil {
		return false, fmt.Errorf("canonicalize mandate: %w", err)
	}
	return ed25519.Verify(pub, payload, sig), nil
}

// SignRoot signs a sealed Merkle root with the ledger signing key.
func SignRoot(r *contracts.MerkleRoot, provider KeyProvider) error {
	payload, err := canonical.RootSigningBytes(r)
	if err != nil {
		return fmt.Errorf("canonicalize root: %w", err)
	}
	sig, err := provider.Sign(payload)
	if err != nil {
		return fmt.Errorf("sign root: %w", err)
	}
	r.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// VerifyRoot checks a sealed root's signature against the ledger public key.
func VerifyRoot(r *contracts.MerkleRoot, pub ed25519.PublicKey) (bool, error) {
	if r.Signature == "" {
		return false, fmt.Errorf("missing signature")
	}
	sig, err := base64.StdEncoding.DecodeString(r.Signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature base64: %w", err)
	}
	payload, err := canonical.RootSigningBytes(r)
	if err != nil {
		return false, fmt.Errorf("canonicalize root: %w", err)
	}
	return ed25519.Verify(pub, payload, sig), nil
}
