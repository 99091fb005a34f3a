package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/Garudex-Labs/caracal/pkg/contracts"
	"github.com/Garudex-Labs/caracal/pkg/store"
)

// StoreBenign classifies store sentinel errors as completed round-trips:
// the database answered, the answer just wasn't a row.
func StoreBenign(err error) bool {
	return errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrConflict) ||
		errors.Is(err, store.ErrAlreadyRevoked) ||
		errors.Is(err, store.ErrSchemaIncompatible)
}

func storeTransient(err error) bool {
	if StoreBenign(err) {
		return false
	}
	return Transient(err)
}

// WrapStore decorates s with br and the retry policy. Reads are retried on
// transient failure. Writes run once behind the breaker: of the mutating
// operations only metadata updates and MarkEventProcessed are provably
// idempotent, so only those retry.
func WrapStore(s store.Store, br *Breaker, cfg RetryConfig) store.Store {
	return &guardedStore{next: s, br: br, cfg: cfg}
}

type guardedStore struct {
	next store.Store
	br   *Breaker
	cfg  RetryConfig
}

func (g *guardedStore) retried(ctx context.Context, op func(context.Context) error) error {
	return Retry(ctx, g.cfg, storeTransient, func(ctx context.Context) error {
		return g.br.Do(ctx, func() error { return op(ctx) })
	})
}

func (g *guardedStore) once(ctx context.Context, op func() error) error {
	return g.br.Do(ctx, op)
}

func (g *guardedStore) Init(ctx context.Context) error {
	return g.once(ctx, func() error { return g.next.Init(ctx) })
}

func (g *guardedStore) PutPrincipal(ctx context.Context, p *contracts.Principal) error {
	return g.once(ctx, func() error { return g.next.PutPrincipal(ctx, p) })
}

func (g *guardedStore) GetPrincipal(ctx context.Context, id string) (*contracts.Principal, error) {
	var out *contracts.Principal
	err := g.retried(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.GetPrincipal(ctx, id)
		return err
	})
	return out, err
}

func (g *guardedStore) GetPrincipalByName(ctx context.Context, name string) (*contracts.Principal, error) {
	var out *contracts.Principal
	err := g.retried(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.GetPrincipalByName(ctx, name)
		return err
	})
	return out, err
}

func (g *guardedStore) ListPrincipals(ctx context.Context, page, size int) ([]*contracts.Principal, error) {
	var out []*contracts.Principal
	err := g.retried(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.ListPrincipals(ctx, page, size)
		return err
	})
	return out, err
}

func (g *guardedStore) UpdatePrincipalMetadata(ctx context.Context, id string, metadata map[string]string) error {
	return g.retried(ctx, func(ctx context.Context) error {
		return g.next.UpdatePrincipalMetadata(ctx, id, metadata)
	})
}

func (g *guardedStore) DeletePrincipal(ctx context.Context, id string) error {
	return g.once(ctx, func() error { return g.next.DeletePrincipal(ctx, id) })
}

func (g *guardedStore) PutPolicy(ctx context.Context, pol *contracts.AuthorityPolicy) (*contracts.AuthorityPolicy, error) {
	var out *contracts.AuthorityPolicy
	err := g.once(ctx, func() error {
		var err error
		out, err = g.next.PutPolicy(ctx, pol)
		return err
	})
	return out, err
}

func (g *guardedStore) GetActivePolicy(ctx context.Context, principalID string) (*contracts.AuthorityPolicy, error) {
	var out *contracts.AuthorityPolicy
	err := g.retried(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.GetActivePolicy(ctx, principalID)
		return err
	})
	return out, err
}

func (g *guardedStore) ListPolicyVersions(ctx context.Context, principalID string) ([]*contracts.AuthorityPolicy, error) {
	var out []*contracts.AuthorityPolicy
	err := g.retried(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.ListPolicyVersions(ctx, principalID)
		return err
	})
	return out, err
}

func (g *guardedStore) GetMandate(ctx context.Context, id string) (*contracts.Mandate, error) {
	var out *contracts.Mandate
	err := g.retried(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.GetMandate(ctx, id)
		return err
	})
	return out, err
}

func (g *guardedStore) PutMandateWithEvent(ctx context.Context, m *contracts.Mandate, ev *contracts.LedgerEvent) (int64, error) {
	var out int64
	err := g.once(ctx, func() error {
		var err error
		out, err = g.next.PutMandateWithEvent(ctx, m, ev)
		return err
	})
	return out, err
}

func (g *guardedStore) RevokeMandate(ctx context.Context, id, reason string, cascade bool, now time.Time) (*store.RevocationResult, error) {
	var out *store.RevocationResult
	err := g.once(ctx, func() error {
		var err error
		out, err = g.next.RevokeMandate(ctx, id, reason, cascade, now)
		return err
	})
	return out, err
}

func (g *guardedStore) ListLiveMandates(ctx context.Context, now time.Time) ([]*contracts.Mandate, error) {
	var out []*contracts.Mandate
	err := g.retried(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.ListLiveMandates(ctx, now)
		return err
	})
	return out, err
}

func (g *guardedStore) AppendEvent(ctx context.Context, ev *contracts.LedgerEvent) (int64, error) {
	var out int64
	err := g.once(ctx, func() error {
		var err error
		out, err = g.next.AppendEvent(ctx, ev)
		return err
	})
	return out, err
}

func (g *guardedStore) QueryLedger(ctx context.Context, f store.LedgerFilter) ([]*contracts.LedgerEvent, error) {
	var out []*contracts.LedgerEvent
	err := g.retried(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.QueryLedger(ctx, f)
		return err
	})
	return out, err
}

func (g *guardedStore) CountLedger(ctx context.Context, f store.LedgerFilter) (int, error) {
	var out int
	err := g.retried(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.CountLedger(ctx, f)
		return err
	})
	return out, err
}

func (g *guardedStore) GetEventsByIDRange(ctx context.Context, first, last int64) ([]*contracts.LedgerEvent, error) {
	var out []*contracts.LedgerEvent
	err := g.retried(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.GetEventsByIDRange(ctx, first, last)
		return err
	})
	return out, err
}

func (g *guardedStore) ListUnsealedEvents(ctx context.Context, limit int) ([]*contracts.LedgerEvent, error) {
	var out []*contracts.LedgerEvent
	err := g.retried(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.ListUnsealedEvents(ctx, limit)
		return err
	})
	return out, err
}

func (g *guardedStore) AttachMerkleRoot(ctx context.Context, first, last int64, rootID string) error {
	return g.once(ctx, func() error { return g.next.AttachMerkleRoot(ctx, first, last, rootID) })
}

func (g *guardedStore) PutMerkleRoot(ctx context.Context, r *contracts.MerkleRoot) error {
	return g.once(ctx, func() error { return g.next.PutMerkleRoot(ctx, r) })
}

func (g *guardedStore) GetMerkleRoot(ctx context.Context, id string) (*contracts.MerkleRoot, error) {
	var out *contracts.MerkleRoot
	err := g.retried(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.GetMerkleRoot(ctx, id)
		return err
	})
	return out, err
}

func (g *guardedStore) LatestMerkleRoot(ctx context.Context) (*contracts.MerkleRoot, error) {
	var out *contracts.MerkleRoot
	err := g.retried(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.LatestMerkleRoot(ctx)
		return err
	})
	return out, err
}

func (g *guardedStore) ListMerkleRoots(ctx context.Context, limit, offset int) ([]*contracts.MerkleRoot, error) {
	var out []*contracts.MerkleRoot
	err := g.retried(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.ListMerkleRoots(ctx, limit, offset)
		return err
	})
	return out, err
}

func (g *guardedStore) PutSnapshot(ctx context.Context, snap *contracts.Snapshot) error {
	return g.once(ctx, func() error { return g.next.PutSnapshot(ctx, snap) })
}

func (g *guardedStore) GetSnapshot(ctx context.Context, id string) (*contracts.Snapshot, error) {
	var out *contracts.Snapshot
	err := g.retried(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.GetSnapshot(ctx, id)
		return err
	})
	return out, err
}

func (g *guardedStore) GetLatestSnapshot(ctx context.Context) (*contracts.Snapshot, error) {
	var out *contracts.Snapshot
	err := g.retried(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.GetLatestSnapshot(ctx)
		return err
	})
	return out, err
}

func (g *guardedStore) PruneSnapshots(ctx context.Context, olderThan time.Time) (int, error) {
	var out int
	err := g.once(ctx, func() error {
		var err error
		out, err = g.next.PruneSnapshots(ctx, olderThan)
		return err
	})
	return out, err
}

func (g *guardedStore) MarkEventProcessed(ctx context.Context, consumerGroup, eventUID string) (bool, error) {
	var out bool
	err := g.retried(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.MarkEventProcessed(ctx, consumerGroup, eventUID)
		return err
	})
	return out, err
}

func (g *guardedStore) Ping(ctx context.Context) error {
	return g.retried(ctx, func(ctx context.Context) error { return g.next.Ping(ctx) })
}

func (g *guardedStore) Close() error { return g.next.Close() }

var _ store.Store = (*guardedStore)(nil)
