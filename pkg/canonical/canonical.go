// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing and signing of Caracal objects.
//
// Every implementation that signs or verifies mandates must agree on these
// bytes exactly: sorted keys, no HTML escaping, UTC epoch-millisecond
// timestamps, explicit nulls for absent optional mandate fields, and
// omitted nulls for ledger events.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"

	"github.com/Garudex-Labs/caracal/pkg/contracts"
)

// Transform canonicalizes an already-serialized JSON document per RFC 8785.
func Transform(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform failed: %w", err)
	}
	return out, nil
}

// Marshal serializes v with encoding/json and canonicalizes the result.
// Struct json tags are respected; key order and number formatting follow
// RFC 8785 regardless of input order.
func Marshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	return Transform(intermediate)
}

// Hash returns the hex SHA-256 digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the hex SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NFC normalizes a string to Unicode NFC. Principal names and scope
// patterns are normalized before uniqueness checks and signing so that
// visually identical identifiers hash identically.
func NFC(s string) string {
	return norm.NFC.String(s)
}

// NFCSlice normalizes every element of a slice, returning a new slice.
func NFCSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = NFC(s)
	}
	return out
}

// MandateSigningBytes produces the canonical byte encoding a mandate
// signature covers. Optional fields are encoded as explicit JSON null so
// their absence is itself signed.
func MandateSigningBytes(m *contracts.Mandate) ([]byte, error) {
	doc := map[string]any{
		"issuer_id":        m.IssuerID,
		"subject_id":       m.SubjectID,
		"valid_from":       m.ValidFrom.UTC().UnixMilli(),
		"valid_until":      m.ValidUntil.UTC().UnixMilli(),
		"resource_scope":   NFCSlice(m.ResourceScope),
		"action_scope":     NFCSlice(m.ActionScope),
		"delegation_depth": m.DelegationDepth,
	}
	if m.ParentID != "" {
		doc["parent_mandate_id"] = m.ParentID
	} else {
		doc["parent_mandate_id"] = nil
	}
	if m.IntentHash != "" {
		doc["intent_hash"] = m.IntentHash
	} else {
		doc["intent_hash"] = nil
	}
	return Marshal(doc)
}

// EventBytes produces the canonical wire encoding of a ledger event
// (schema_version 1): sorted keys, epoch-millisecond timestamp, null
// fields omitted. These are the bytes Merkle leaves commit to.
func EventBytes(ev *contracts.LedgerEvent) ([]byte, error) {
	doc := map[string]any{
		"event_id":         ev.ID,
		"schema_version":   contracts.SchemaVersionCurrent,
		"kind":             string(ev.Kind),
		"timestamp_millis": ev.Timestamp.UTC().UnixMilli(),
		"principal_id":     ev.PrincipalID,
	}
	if ev.MandateID != "" {
		doc["mandate_id"] = ev.MandateID
	}
	if ev.Decision != "" {
		doc["decision"] = ev.Decision
	}
	if ev.DenialReason != "" {
		doc["denial_reason"] = ev.DenialReason
	}
	if ev.Action != "" {
		doc["requested_action"] = ev.Action
	}
	if ev.Resource != "" {
		doc["requested_resource"] = ev.Resource
	}
	if ev.CorrelationID != "" {
		doc["correlation_id"] = ev.CorrelationID
	}
	if len(ev.Metadata) > 0 {
		doc["metadata"] = ev.Metadata
	}
	return Marshal(doc)
}

// RootSigningBytes produces the canonical encoding a Merkle root signature
// covers.
func RootSigningBytes(r *contracts.MerkleRoot) ([]byte, error) {
	doc := map[string]any{
		"root_hash":         r.RootHash,
		"first_event_id":    r.FirstEventID,
		"last_event_id":     r.LastEventID,
		"event_count":       r.EventCount,
		"created_at_millis": r.CreatedAt.UTC().UnixMilli(),
	}
	return Marshal(doc)
}
