// Package store persists principals, policies, mandates, the authority
// ledger, sealed Merkle roots, and snapshots. Three implementations share
// one contract: Postgres for production, SQLite for single-node lite
// deployments, and an in-memory store for tests.
//
// Every operation is atomic under read-committed isolation. The ledger is
// append-only; the only permitted update to an event row is attaching the
// Merkle root pointer when its batch seals.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Garudex-Labs/caracal/pkg/contracts"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned on uniqueness violations (duplicate id or
	// principal name).
	ErrConflict = errors.New("conflict")
	// ErrAlreadyRevoked is returned when revoking a mandate that is
	// already revoked.
	ErrAlreadyRevoked = errors.New("mandate already revoked")
	// ErrSchemaIncompatible is returned when the database schema carries a
	// newer major version than this binary supports.
	ErrSchemaIncompatible = errors.New("schema version incompatible")
)

// LedgerFilter narrows a ledger query. Zero values mean "no constraint".
type LedgerFilter struct {
	PrincipalID string
	MandateID   string
	Kind        contracts.EventKind
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

// RevocationResult reports the outcome of a (possibly cascading) revoke.
type RevocationResult struct {
	// MandateIDs lists every mandate flipped to revoked, target first,
	// descendants in breadth-first order.
	MandateIDs []string
	// SubjectIDs lists the distinct subjects of the affected mandates, for
	// cache invalidation.
	SubjectIDs []string
	// EventIDs lists the ledger event ids appended for the revocations,
	// aligned with MandateIDs.
	EventIDs []int64
}

// Store is the persistence contract for the authority plane.
type Store interface {
	// Init creates or migrates the schema and verifies the stored schema
	// version is compatible.
	Init(ctx context.Context) error

	// Principals. Rows are immutable after creation except metadata;
	// DeletePrincipal tombstones rather than removes.
	PutPrincipal(ctx context.Context, p *contracts.Principal) error
	GetPrincipal(ctx context.Context, id string) (*contracts.Principal, error)
	GetPrincipalByName(ctx context.Context, name string) (*contracts.Principal, error)
	ListPrincipals(ctx context.Context, page, size int) ([]*contracts.Principal, error)
	UpdatePrincipalMetadata(ctx context.Context, id string, metadata map[string]string) error
	DeletePrincipal(ctx context.Context, id string) error

	// Policies. PutPolicy assigns the next version for the principal and
	// deactivates the previous active policy in the same transaction.
	PutPolicy(ctx context.Context, pol *contracts.AuthorityPolicy) (*contracts.AuthorityPolicy, error)
	GetActivePolicy(ctx context.Context, principalID string) (*contracts.AuthorityPolicy, error)
	ListPolicyVersions(ctx context.Context, principalID string) ([]*contracts.AuthorityPolicy, error)

	// Mandates. PutMandateWithEvent inserts the mandate and appends its
	// issued event in one transaction, returning the assigned event id.
	// RevokeMandate locks the target row, flips the revocation triplet on
	// the target (and every descendant when cascade is set), and appends
	// one revoked event per affected mandate, all in one transaction.
	GetMandate(ctx context.Context, id string) (*contracts.Mandate, error)
	PutMandateWithEvent(ctx context.Context, m *contracts.Mandate, ev *contracts.LedgerEvent) (int64, error)
	RevokeMandate(ctx context.Context, id, reason string, cascade bool, now time.Time) (*RevocationResult, error)
	// ListLiveMandates returns every mandate that is neither revoked nor
	// expired at now, in creation order. Used by the snapshot projection.
	ListLiveMandates(ctx context.Context, now time.Time) ([]*contracts.Mandate, error)

	// Ledger.
	AppendEvent(ctx context.Context, ev *contracts.LedgerEvent) (int64, error)
	QueryLedger(ctx context.Context, f LedgerFilter) ([]*contracts.LedgerEvent, error)
	// CountLedger returns the number of events matching f, ignoring the
	// filter's Limit and Offset.
	CountLedger(ctx context.Context, f LedgerFilter) (int, error)
	GetEventsByIDRange(ctx context.Context, first, last int64) ([]*contracts.LedgerEvent, error)
	ListUnsealedEvents(ctx context.Context, limit int) ([]*contracts.LedgerEvent, error)
	AttachMerkleRoot(ctx context.Context, first, last int64, rootID string) error

	// Merkle roots.
	PutMerkleRoot(ctx context.Context, r *contracts.MerkleRoot) error
	GetMerkleRoot(ctx context.Context, id string) (*contracts.MerkleRoot, error)
	LatestMerkleRoot(ctx context.Context) (*contracts.MerkleRoot, error)
	ListMerkleRoots(ctx context.Context, limit, offset int) ([]*contracts.MerkleRoot, error)

	// Snapshots.
	PutSnapshot(ctx context.Context, s *contracts.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*contracts.Snapshot, error)
	GetLatestSnapshot(ctx context.Context) (*contracts.Snapshot, error)
	PruneSnapshots(ctx context.Context, olderThan time.Time) (int, error)

	// MarkEventProcessed records that a consumer group has handled an
	// event uid. The first call returns true; repeats return false, which
	// is how consumers deduplicate redelivered messages.
	MarkEventProcessed(ctx context.Context, consumerGroup, eventUID string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// Partitioned is implemented by stores that maintain time-partitioned
// ledger tables and need periodic partition pre-creation.
type Partitioned interface {
	EnsureLedgerPartitions(ctx context.Context, now time.Time) error
}
