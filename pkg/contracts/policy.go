package contracts

import (
	"time"
)

// AuthorityPolicy constrains the mandates a principal may issue or receive.
// A principal has at most one active policy; superseding a policy creates a
// new version and deactivates the previous one, so the full history is kept.
type AuthorityPolicy struct {
	ID                 string   `json:"id"`
	PrincipalID        string   `json:"principal_id"`
	AllowedResources   []string `json:"allowed_resources"`
	AllowedActions     []string `json:"allowed_actions"`
	MaxValiditySeconds int64    `json:"max_validity_seconds"`
	AllowDelegation    bool     `json:"allow_delegation"`
	MaxDelegationDepth int      `json:"max_delegation_depth"`
	// Condition is an optional CEL expression evaluated against the
	// requested mandate after the built-in checks pass. Empty means
	// unconditional.
	Condition string    `json:"condition,omitempty"`
	Active    bool      `json:"active"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
}

// MaxValidity returns the maximum mandate validity as a duration.
func (p *AuthorityPolicy) MaxValidity() time.Duration {
	return time.Duration(p.MaxValiditySeconds) * time.Second
}
