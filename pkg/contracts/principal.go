// Package contracts defines the domain objects shared by every Caracal
// component: principals, authority policies, execution mandates, ledger
// events, Merkle roots, and snapshots. Contracts carry no behavior beyond
// validation; persistence and orchestration live elsewhere.
package contracts

import (
	"time"
)

// PrincipalKind classifies the holder of authority.
type PrincipalKind string

const (
	PrincipalUser    PrincipalKind = "user"
	PrincipalAgent   PrincipalKind = "agent"
	PrincipalService PrincipalKind = "service"
)

// Valid reports whether the kind is one of the three known values.
func (k PrincipalKind) Valid() bool {
	switch k {
	case PrincipalUser, PrincipalAgent, PrincipalService:
		return true
	}
	return false
}

// Principal is a named identity that may hold or issue mandates.
// Immutable after creation except Metadata; deletion is a tombstone so
// prior ledger references stay resolvable.
type Principal struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Kind      PrincipalKind `json:"kind"`
	ParentID  string        `json:"parent_id,omitempty"`
	PublicKey string        `json:"public_key"`
	// PrivateKey is only populated for principals the engine signs on
	// behalf of. Never serialized to API responses.
	PrivateKey string            `json:"-"`
	CreatedAt  time.Time         `json:"created_at"`
	Deleted    bool              `json:"deleted,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// IsAdmin reports whether the principal carries the administrative role
// marker in its metadata. Admin principals may revoke any mandate.
func (p *Principal) IsAdmin() bool {
	return p.Metadata["role"] == "admin"
}
