package contracts

import (
	"time"
)

// Mandate is the central authority token: a signed, time-bounded,
// scope-bounded authorization for a subject to perform specific actions on
// specific resources. Immutable after issuance except the revocation triplet.
type Mandate struct {
	ID            string    `json:"id"`
	IssuerID      string    `json:"issuer_id"`
	SubjectID     string    `json:"subject_id"`
	ValidFrom     time.Time `json:"valid_from"`
	ValidUntil    time.Time `json:"valid_until"`
	ResourceScope []string  `json:"resource_scope"`
	ActionScope   []string  `json:"action_scope"`
	// Signature is the issuer's Ed25519 signature over the canonical
	// encoding of the mandate fields, base64 (std) of the 64-byte raw form.
	Signature string    `json:"signature"`
	CreatedAt time.Time `json:"created_at"`

	// Delegation chain. Root mandates have no parent and depth 0.
	ParentID        string `json:"parent_id,omitempty"`
	DelegationDepth int    `json:"delegation_depth"`

	// Revocation triplet. The only mutable fields after issuance.
	Revoked          bool       `json:"revoked"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`

	// IntentHash commits the mandate to one pre-declared operation.
	IntentHash string `json:"intent_hash,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// ActiveAt reports whether t falls inside the mandate's validity window.
// Both endpoints are inclusive.
func (m *Mandate) ActiveAt(t time.Time) bool {
	return !t.Before(m.ValidFrom) && !t.After(m.ValidUntil)
}

// ExpiredAt reports whether the mandate's window has closed at t.
func (m *Mandate) ExpiredAt(t time.Time) bool {
	return t.After(m.ValidUntil)
}

// AllowsAction reports whether the action name appears in the action scope.
func (m *Mandate) AllowsAction(action string) bool {
	for _, a := range m.ActionScope {
		if a == action {
			return true
		}
	}
	return false
}

// ValidationRequest carries one pre-execution check against a mandate.
type ValidationRequest struct {
	MandateID     string `json:"mandate_id"`
	Action        string `json:"requested_action"`
	Resource      string `json:"requested_resource"`
	CorrelationID string `json:"correlation_id,omitempty"`
	// Intent is the caller-supplied digest matched against the mandate's
	// intent hash when one was committed at issuance.
	Intent string `json:"intent,omitempty"`
}

// Decision is the outcome of a validation: allowed, or denied with a
// stable reason. Decisions are products, not errors.
type Decision struct {
	Allowed       bool         `json:"allowed"`
	MandateID     string       `json:"mandate_id"`
	PrincipalID   string       `json:"principal_id"`
	Reason        DenialReason `json:"denial_reason,omitempty"`
	Timestamp     time.Time    `json:"decision_timestamp"`
	CorrelationID string       `json:"correlation_id,omitempty"`
}

// Allow constructs an allowed decision.
func Allow(mandateID, principalID, correlationID string, at time.Time) Decision {
	return Decision{
		Allowed:       true,
		MandateID:     mandateID,
		PrincipalID:   principalID,
		Timestamp:     at,
		CorrelationID: correlationID,
	}
}

// Deny constructs a denied decision with the given reason.
func Deny(mandateID, principalID string, reason DenialReason, correlationID string, at time.Time) Decision {
	return Decision{
		Allowed:       false,
		MandateID:     mandateID,
		PrincipalID:   principalID,
		Reason:        reason,
		Timestamp:     at,
		CorrelationID: correlationID,
	}
}
