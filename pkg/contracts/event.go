package contracts

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind classifies an authority ledger event.
type EventKind string

const (
	EventIssued    EventKind = "issued"
	EventValidated EventKind = "validated"
	EventDenied    EventKind = "denied"
	EventRevoked   EventKind = "revoked"
	// EventPolicyChanged records policy creation and supersession. It is
	// published on its own topic and materialized like the other kinds.
	EventPolicyChanged EventKind = "policy_changed"
)

// Valid reports whether the kind is known.
func (k EventKind) Valid() bool {
	switch k {
	case EventIssued, EventValidated, EventDenied, EventRevoked, EventPolicyChanged:
		return true
	}
	return false
}

// LedgerEvent is an immutable record of one authority decision. Rows are
// append-only; the only permitted mutation is attaching the Merkle root
// pointer once the event's batch seals.
type LedgerEvent struct {
	// ID is assigned by the store on append, strictly monotonic.
	ID int64 `json:"event_id"`
	// EventUID is the producer-assigned identity used for bus dedup.
	EventUID      string            `json:"event_uid"`
	SchemaVersion int               `json:"schema_version"`
	Kind          EventKind         `json:"kind"`
	Timestamp     time.Time         `json:"timestamp"`
	PrincipalID   string            `json:"principal_id"`
	MandateID     string            `json:"mandate_id,omitempty"`
	Decision      string            `json:"decision,omitempty"`
	DenialReason  string            `json:"denial_reason,omitempty"`
	Action        string            `json:"requested_action,omitempty"`
	Resource      string            `json:"requested_resource,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	MerkleRootID  string            `json:"merkle_root_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// SchemaVersionCurrent is the wire schema version for ledger events.
const SchemaVersionCurrent = 1

// DecisionAllowed / DecisionDenied are the two legal values of
// LedgerEvent.Decision for validation events.
const (
	DecisionAllowed = "allowed"
	DecisionDenied  = "denied"
)

// NewIssuedEvent records a successful mandate issuance for the subject.
func NewIssuedEvent(subjectID, mandateID string, now time.Time) *LedgerEvent {
	return &LedgerEvent{
		EventUID:      uuid.New().String(),
		SchemaVersion: SchemaVersionCurrent,
		Kind:          EventIssued,
		Timestamp:     now.UTC(),
		PrincipalID:   subjectID,
		MandateID:     mandateID,
	}
}

// NewValidationEvent records an allowed or denied validation decision.
func NewValidationEvent(d *Decision, action, resource string) *LedgerEvent {
	ev := &LedgerEvent{
		EventUID:      uuid.New().String(),
		SchemaVersion: SchemaVersionCurrent,
		Timestamp:     d.Timestamp.UTC(),
		PrincipalID:   d.PrincipalID,
		MandateID:     d.MandateID,
		Action:        action,
		Resource:      resource,
		CorrelationID: d.CorrelationID,
	}
	if d.Allowed {
		ev.Kind = EventValidated
		ev.Decision = DecisionAllowed
	} else {
		ev.Kind = EventDenied
		ev.Decision = DecisionDenied
		ev.DenialReason = string(d.Reason)
	}
	return ev
}

// NewDeniedIssueEvent records a pre-issuance policy denial. The mandate id
// stays empty because no mandate was created.
func NewDeniedIssueEvent(subjectID string, reason DenialReason, now time.Time) *LedgerEvent {
	return &LedgerEvent{
		EventUID:      uuid.New().String(),
		SchemaVersion: SchemaVersionCurrent,
		Kind:          EventDenied,
		Timestamp:     now.UTC(),
		PrincipalID:   subjectID,
		Decision:      DecisionDenied,
		DenialReason:  string(reason),
	}
}

// NewRevokedEvent records a revocation of one mandate.
func NewRevokedEvent(subjectID, mandateID, reason string, now time.Time) *LedgerEvent {
	return &LedgerEvent{
		EventUID:      uuid.New().String(),
		SchemaVersion: SchemaVersionCurrent,
		Kind:          EventRevoked,
		Timestamp:     now.UTC(),
		PrincipalID:   subjectID,
		MandateID:     mandateID,
		Metadata:      map[string]string{"reason": reason},
	}
}

// NewPolicyChangedEvent records creation or supersession of a policy.
func NewPolicyChangedEvent(principalID, policyID string, version int64, now time.Time) *LedgerEvent {
	return &LedgerEvent{
		EventUID:      uuid.New().String(),
		SchemaVersion: SchemaVersionCurrent,
		Kind:          EventPolicyChanged,
		Timestamp:     now.UTC(),
		PrincipalID:   principalID,
		Metadata: map[string]string{
			"policy_id":      policyID,
			"policy_version": fmt.Sprintf("%d", version),
		},
	}
}

// MerkleRoot seals a contiguous batch of ledger events. Never mutated.
type MerkleRoot struct {
	ID           string    `json:"root_id"`
	RootHash     string    `json:"root_hash"` // hex SHA-256
	FirstEventID int64     `json:"first_event_id"`
	LastEventID  int64     `json:"last_event_id"`
	EventCount   int       `json:"event_count"`
	CreatedAt    time.Time `json:"created_at"`
	SignerID     string    `json:"signer_id"`
	// Signature covers (root_hash, first_event_id, last_event_id,
	// event_count, created_at) in canonical encoding.
	Signature string `json:"signature"`
}

// SnapshotTrigger records why a snapshot was taken.
type SnapshotTrigger string

const (
	SnapshotScheduled SnapshotTrigger = "scheduled"
	SnapshotManual    SnapshotTrigger = "manual"
	SnapshotRecovery  SnapshotTrigger = "recovery"
)

// Snapshot is a point-in-time projection of authority state, anchored to
// the last ledger event it includes.
type Snapshot struct {
	ID                  string          `json:"snapshot_id"`
	CreatedAt           time.Time       `json:"created_at"`
	LastIncludedEventID int64           `json:"last_included_event_id"`
	SizeBytes           int64           `json:"size_bytes"`
	EventCount          int64           `json:"event_count"`
	ContentHash         string          `json:"content_hash"`
	Trigger             SnapshotTrigger `json:"trigger"`
}

// SnapshotState is the projected content stored alongside (or referenced
// by) a Snapshot row: everything needed to resume validation without
// replaying the full ledger.
type SnapshotState struct {
	Principals     []*Principal       `json:"principals"`
	ActivePolicies []*AuthorityPolicy `json:"active_policies"`
	LiveMandates   []*Mandate         `json:"live_mandates"`
	LastSealedRoot *MerkleRoot        `json:"last_sealed_root,omitempty"`
	LastEventID    int64              `json:"last_event_id"`
}
