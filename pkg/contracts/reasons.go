package contracts

// DenialReason is the stable, enumerable reason attached to every denied
// decision. The set is part of the API contract; values are never renamed.
type DenialReason string

const (
	// Policy evaluation failures (issuance path).
	DenyPolicyInactive          DenialReason = "policy_inactive"
	DenyValidityExceeded        DenialReason = "validity_exceeded"
	DenyResourceNotAllowed      DenialReason = "resource_not_allowed"
	DenyActionNotAllowed        DenialReason = "action_not_allowed"
	DenyDelegationNotAllowed    DenialReason = "delegation_not_allowed"
	DenyDelegationDepthExceeded DenialReason = "delegation_depth_exceeded"
	DenyConditionNotMet         DenialReason = "condition_not_met"

	// Validation failures.
	DenyUnknownMandate     DenialReason = "unknown_mandate"
	DenyExpired            DenialReason = "expired"
	DenyNotYetValid        DenialReason = "not_yet_valid"
	DenyRevoked            DenialReason = "revoked"
	DenyParentRevoked      DenialReason = "parent_revoked"
	DenySignatureInvalid   DenialReason = "signature_invalid"
	DenyActionOutOfScope   DenialReason = "action_out_of_scope"
	DenyResourceOutOfScope DenialReason = "resource_out_of_scope"
	DenyIntentMismatch     DenialReason = "intent_mismatch"

	// Operational denials.
	DenyRateLimited           DenialReason = "rate_limited"
	DenyDownstreamUnavailable DenialReason = "downstream_unavailable"
)

// String implements fmt.Stringer.
func (r DenialReason) String() string { return string(r) }
