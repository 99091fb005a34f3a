package crypto

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/Garudex-Labs/caracal/pkg/contracts"
)

func testMandate() *contracts.Mandate {
	return &contracts.Mandate{
		ID:            "mnd-1",
		IssuerID:      "prn-issuer",
		SubjectID:     "prn-subject",
		ValidFrom:     time.UnixMilli(1700000000000).UTC(),
		ValidUntil:    time.UnixMilli(1700003600000).UTC(),
		ResourceScope: []string{"api://billing/*"},
		ActionScope:   []string{"invoke"},
	}
}

func TestSignMandate_Integrity(t *testing.T) {
	provider, err := NewMemoryKeyProvider()
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	m := testMandate()

	// 1. Sign
	if err := SignMandate(m, provider); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if m.Signature == "" {
		t.Error("Signature empty")
	}

	// 2. Verify valid
	valid, err := VerifyMandate(m, provider.PublicKeyHex())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !valid {
		t.Error("Valid mandate rejected")
	}

	// 3. Verify tampered
	m.ActionScope = []string{"invoke", "delete"}
	valid, _ = VerifyMandate(m, provider.PublicKeyHex())
	if valid {
		t.Error("Tampered mandate accepted")
	}
}

func TestVerifyMandate_WrongKey(t *testing.T) {
	issuer, err := NewMemoryKeyProvider()
	if err != nil {
		t.Fatal(err)
	}
	other, err := NewMemoryKeyProvider()
	if err != nil {
		t.Fatal(err)
	}

	m := testMandate()
	if err := SignMandate(m, issuer); err != nil {
		t.Fatal(err)
	}

	valid, err := VerifyMandate(m, other.PublicKeyHex())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if valid {
		t.Error("Signature verified against the wrong key")
	}
}

func TestVerifyMandate_MalformedInputs(t *testing.T) {
	provider, err := NewMemoryKeyProvider()
	if err != nil {
		t.Fatal(err)
	}

	m := testMandate()
	if _, err := VerifyMandate(m, provider.PublicKeyHex()); err == nil {
		t.Error("expected error for missing signature")
	}

	m.Signature = "not-base64!!!"
	if _, err := VerifyMandate(m, provider.PublicKeyHex()); err == nil {
		t.Error("expected error for bad base64")
	}

	m.Signature = base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := VerifyMandate(m, provider.PublicKeyHex()); err == nil {
		t.Error("expected error for truncated signature")
	}

	if err := SignMandate(m, provider); err != nil {
		t.Fatal(err)
	}
	if _, err := VerifyMandate(m, "zzzz"); err == nil {
		t.Error("expected error for bad public key hex")
	}
}

func TestSignatureIs64Bytes(t *testing.T) {
	provider, err := NewMemoryKeyProvider()
	if err != nil {
		t.Fatal(err)
	}

	m := testMandate()
	if err := SignMandate(m, provider); err != nil {
		t.Fatal(err)
	}

	raw, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil {
		t.Fatalf("signature is not standard base64: %v", err)
	}
	if len(raw) != 64 {
		t.Errorf("expected 64-byte signature, got %d", len(raw))
	}
}

func TestDeriveForPurpose_DeterministicAndDistinct(t *testing.T) {
	master, err := NewMemoryKeyProvider()
	if err != nil {
		t.Fatal(err)
	}

	a1, err := master.DeriveForPurpose("ledger-root-signing")
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	a2, err := master.DeriveForPurpose("ledger-root-signing")
	if err != nil {
		t.Fatal(err)
	}
	b, err := master.DeriveForPurpose("snapshot-signing")
	if err != nil {
		t.Fatal(err)
	}

	if a1.PublicKeyHex() != a2.PublicKeyHex() {
		t.Error("same purpose must derive the same key")
	}
	if a1.PublicKeyHex() == b.PublicKeyHex() {
		t.Error("different purposes must derive different keys")
	}
	if a1.PublicKeyHex() == master.PublicKeyHex() {
		t.Error("derived key must not equal the master key")
	}

	if _, err := master.DeriveForPurpose(""); err == nil {
		t.Error("expected error for empty purpose")
	}
}

func TestSignRoot_RoundTrip(t *testing.T) {
	provider, err := NewMemoryKeyProvider()
	if err != nil {
		t.Fatal(err)
	}

	root := &contracts.MerkleRoot{
		RootHash:     "abc123",
		FirstEventID: 1,
		LastEventID:  1000,
		EventCount:   1000,
		CreatedAt:    time.UnixMilli(1700000000000).UTC(),
	}

	if err := SignRoot(root, provider); err != nil {
		t.Fatalf("SignRoot failed: %v", err)
	}

	valid, err := VerifyRoot(root, provider.PublicKey())
	if err != nil {
		t.Fatalf("VerifyRoot failed: %v", err)
	}
	if !valid {
		t.Error("Valid root rejected")
	}

	root.EventCount = 999
	valid, _ = VerifyRoot(root, provider.PublicKey())
	if valid {
		t.Error("Tampered root accepted")
	}
}

func TestGenerateKeypair_ParseRoundTrip(t *testing.T) {
	pubHex, privHex, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}

	provider, err := NewMemoryKeyProviderFromHex(privHex)
	if err != nil {
		t.Fatalf("rebuild from hex failed: %v", err)
	}
	if provider.PublicKeyHex() != pubHex {
		t.Error("public key mismatch after round trip")
	}

	if _, err := ParsePublicKey(pubHex); err != nil {
		t.Errorf("ParsePublicKey rejected a generated key: %v", err)
	}
	if _, err := ParsePublicKey("abcd"); err == nil {
		t.Error("expected error for wrong-size key")
	}
}
