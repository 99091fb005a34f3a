package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Garudex-Labs/caracal/pkg/contracts"
)

// MemoryStore is an in-process implementation of Store for tests and for
// ephemeral single-node runs. It mirrors the SQL stores' semantics,
// including event id assignment and revocation walk order.
type MemoryStore struct {
	mu sync.RWMutex

	principals map[string]*contracts.Principal
	policies   map[string][]*contracts.AuthorityPolicy // principal id -> versions ascending
	policyIDs  map[string]struct{}
	mandates   map[string]*contracts.Mandate
	events     []*contracts.LedgerEvent // index i holds event id i+1
	roots      map[string]*contracts.MerkleRoot
	snapshots  map[string]*contracts.Snapshot
	processed  map[string]struct{} // consumer_group + "\x00" + event_uid
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		principals: make(map[string]*contracts.Principal),
		policies:   make(map[string][]*contracts.AuthorityPolicy),
		policyIDs:  make(map[string]struct{}),
		mandates:   make(map[string]*contracts.Mandate),
		roots:      make(map[string]*contracts.MerkleRoot),
		snapshots:  make(map[string]*contracts.Snapshot),
		processed:  make(map[string]struct{}),
	}
}

func (s *MemoryStore) Init(ctx context.Context) error { return nil }
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

// --- principals ---

func (s *MemoryStore) PutPrincipal(ctx context.Context, p *contracts.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.principals[p.ID]; ok {
		return fmt.Errorf("principal %s: %w", p.ID, ErrConflict)
	}
	for _, existing := range s.principals {
		if existing.Name == p.Name {
			return fmt.Errorf("principal %s: %w", p.ID, ErrConflict)
		}
	}
	s.principals[p.ID] = clonePrincipal(p)
	return nil
}

func (s *MemoryStore) GetPrincipal(ctx context.Context, id string) (*contracts.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.principals[id]
	if !ok {
		return nil, fmt.Errorf("principal: %w", ErrNotFound)
	}
	return clonePrincipal(p), nil
}

func (s *MemoryStore) GetPrincipalByName(ctx context.Context, name string) (*contracts.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.principals {
		if p.Name == name {
			return clonePrincipal(p), nil
		}
	}
	return nil, fmt.Errorf("principal: %w", ErrNotFound)
}

func (s *MemoryStore) ListPrincipals(ctx context.Context, page, size int) ([]*contracts.Principal, error) {
	if size <= 0 {
		size = 50
	}
	if page < 0 {
		page = 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*contracts.Principal, 0, len(s.principals))
	for _, p := range s.principals {
		if p.Deleted {
			continue
		}
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	start := page * size
	if start >= len(all) {
		return nil, nil
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	out := make([]*contracts.Principal, 0, end-start)
	for _, p := range all[start:end] {
		out = append(out, clonePrincipal(p))
	}
	return out, nil
}

func (s *MemoryStore) UpdatePrincipalMetadata(ctx context.Context, id string, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.principals[id]
	if !ok || p.Deleted {
		return fmt.Errorf("principal: %w", ErrNotFound)
	}
	p.Metadata = cloneMeta(metadata)
	return nil
}

func (s *MemoryStore) DeletePrincipal(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.principals[id]
	if !ok || p.Deleted {
		return fmt.Errorf("principal: %w", ErrNotFound)
	}
	p.Deleted = true
	return nil
}

// --- policies ---

func (s *MemoryStore) PutPolicy(ctx context.Context, pol *contracts.AuthorityPolicy) (*contracts.AuthorityPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policyIDs[pol.ID]; ok {
		return nil, fmt.Errorf("policy %s: %w", pol.ID, ErrConflict)
	}

	versions := s.policies[pol.PrincipalID]
	for _, prev := range versions {
		prev.Active = false
	}

	stored := clonePolicy(pol)
	stored.Version = len(versions) + 1
	stored.Active = true
	s.policies[pol.PrincipalID] = append(versions, stored)
	s.policyIDs[pol.ID] = struct{}{}
	return clonePolicy(stored), nil
}

func (s *MemoryStore) GetActivePolicy(ctx context.Context, principalID string) (*contracts.AuthorityPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.policies[principalID]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Active {
			return clonePolicy(versions[i]), nil
		}
	}
	return nil, fmt.Errorf("active policy for %s: %w", principalID, ErrNotFound)
}

func (s *MemoryStore) ListPolicyVersions(ctx context.Context, principalID string) ([]*contracts.AuthorityPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.policies[principalID]
	out := make([]*contracts.AuthorityPolicy, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		out = append(out, clonePolicy(versions[i]))
	}
	return out, nil
}

// --- mandates ---

func (s *MemoryStore) GetMandate(ctx context.Context, id string) (*contracts.Mandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mandates[id]
	if !ok {
		return nil, fmt.Errorf("mandate %s: %w", id, ErrNotFound)
	}
	return cloneMandate(m), nil
}

func (s *MemoryStore) PutMandateWithEvent(ctx context.Context, m *contracts.Mandate, ev *contracts.LedgerEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mandates[m.ID]; ok {
		return 0, fmt.Errorf("mandate %s: %w", m.ID, ErrConflict)
	}
	s.mandates[m.ID] = cloneMandate(m)
	return s.appendLocked(ev), nil
}

func (s *MemoryStore) RevokeMandate(ctx context.Context, id, reason string, cascade bool, now time.Time) (*RevocationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.mandates[id]
	if !ok {
		return nil, fmt.Errorf("mandate %s: %w", id, ErrNotFound)
	}
	if target.Revoked {
		return nil, fmt.Errorf("mandate %s: %w", id, ErrAlreadyRevoked)
	}

	targets := []string{id}
	if cascade {
		targets = s.descendantsLocked(id)
	}

	at := now.UTC()
	result := &RevocationResult{}
	subjects := make(map[string]struct{})
	for _, mandateID := range targets {
		m := s.mandates[mandateID]
		if m == nil || m.Revoked {
			continue
		}
		m.Revoked = true
		t := at
		m.RevokedAt = &t
		m.RevocationReason = reason

		result.MandateIDs = append(result.MandateIDs, mandateID)
		if _, seen := subjects[m.SubjectID]; !seen {
			subjects[m.SubjectID] = struct{}{}
			result.SubjectIDs = append(result.SubjectIDs, m.SubjectID)
		}
		ev := contracts.NewRevokedEvent(m.SubjectID, mandateID, reason, now)
		result.EventIDs = append(result.EventIDs, s.appendLocked(ev))
	}
	return result, nil
}

func (s *MemoryStore) ListLiveMandates(ctx context.Context, now time.Time) ([]*contracts.Mandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*contracts.Mandate
	for _, m := range s.mandates {
		if m.Revoked || m.ExpiredAt(now) {
			continue
		}
		out = append(out, cloneMandate(m))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// descendantsLocked returns root plus every transitive child, breadth-first
// by depth then id, matching the SQL recursive walk.
func (s *MemoryStore) descendantsLocked(root string) []string {
	out := []string{root}
	frontier := map[string]struct{}{root: {}}
	for depth := 0; depth < maxCascadeDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, m := range s.mandates {
			if _, ok := frontier[m.ParentID]; ok {
				next = append(next, m.ID)
			}
		}
		sort.Strings(next)
		frontier = make(map[string]struct{}, len(next))
		for _, id := range next {
			frontier[id] = struct{}{}
		}
		out = append(out, next...)
	}
	return out
}

// --- ledger ---

func (s *MemoryStore) appendLocked(ev *contracts.LedgerEvent) int64 {
	stored := cloneEvent(ev)
	stored.ID = int64(len(s.events)) + 1
	s.events = append(s.events, stored)
	ev.ID = stored.ID
	return stored.ID
}

func (s *MemoryStore) AppendEvent(ctx context.Context, ev *contracts.LedgerEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(ev), nil
}

func (s *MemoryStore) QueryLedger(ctx context.Context, f LedgerFilter) ([]*contracts.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []*contracts.LedgerEvent
	skipped := 0
	for _, ev := range s.events {
		if !matchesFilter(ev, f) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, cloneEvent(ev))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CountLedger(ctx context.Context, f LedgerFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, ev := range s.events {
		if matchesFilter(ev, f) {
			n++
		}
	}
	return n, nil
}

func matchesFilter(ev *contracts.LedgerEvent, f LedgerFilter) bool {
	if f.PrincipalID != "" && ev.PrincipalID != f.PrincipalID {
		return false
	}
	if f.MandateID != "" && ev.MandateID != f.MandateID {
		return false
	}
	if f.Kind != "" && ev.Kind != f.Kind {
		return false
	}
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !ev.Timestamp.Before(f.To) {
		return false
	}
	return true
}

func (s *MemoryStore) GetEventsByIDRange(ctx context.Context, first, last int64) ([]*contracts.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*contracts.LedgerEvent
	for _, ev := range s.events {
		if ev.ID >= first && ev.ID <= last {
			out = append(out, cloneEvent(ev))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListUnsealedEvents(ctx context.Context, limit int) ([]*contracts.LedgerEvent, error) {
	if limit <= 0 {
		limit = 1000
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*contracts.LedgerEvent
	for _, ev := range s.events {
		if ev.MerkleRootID != "" {
			continue
		}
		out = append(out, cloneEvent(ev))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) AttachMerkleRoot(ctx context.Context, first, last int64, rootID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, ev := range s.events {
		if ev.ID >= first && ev.ID <= last && ev.MerkleRootID == "" {
			ev.MerkleRootID = rootID
			n++
		}
	}
	if want := last - first + 1; n != want {
		return fmt.Errorf("attach merkle root %s sealed %d of %d events", rootID, n, want)
	}
	return nil
}

// --- merkle roots ---

func (s *MemoryStore) PutMerkleRoot(ctx context.Context, r *contracts.MerkleRoot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.roots[r.ID]; ok {
		return fmt.Errorf("merkle root %s: %w", r.ID, ErrConflict)
	}
	cp := *r
	s.roots[r.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMerkleRoot(ctx context.Context, id string) (*contracts.MerkleRoot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.roots[id]
	if !ok {
		return nil, fmt.Errorf("merkle root %s: %w", id, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) LatestMerkleRoot(ctx context.Context) (*contracts.MerkleRoot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *contracts.MerkleRoot
	for _, r := range s.roots {
		if latest == nil || r.LastEventID > latest.LastEventID {
			latest = r
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("merkle root: %w", ErrNotFound)
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) ListMerkleRoots(ctx context.Context, limit, offset int) ([]*contracts.MerkleRoot, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*contracts.MerkleRoot, 0, len(s.roots))
	for _, r := range s.roots {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].FirstEventID < all[j].FirstEventID })

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	out := make([]*contracts.MerkleRoot, 0, end-offset)
	for _, r := range all[offset:end] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// --- snapshots ---

func (s *MemoryStore) PutSnapshot(ctx context.Context, snap *contracts.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshots[snap.ID]; ok {
		return fmt.Errorf("snapshot %s: %w", snap.ID, ErrConflict)
	}
	cp := *snap
	s.snapshots[snap.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSnapshot(ctx context.Context, id string) (*contracts.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	cp := *snap
	return &cp, nil
}

func (s *MemoryStore) GetLatestSnapshot(ctx context.Context) (*contracts.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *contracts.Snapshot
	for _, snap := range s.snapshots {
		if latest == nil ||
			snap.LastIncludedEventID > latest.LastIncludedEventID ||
			(snap.LastIncludedEventID == latest.LastIncludedEventID && snap.CreatedAt.After(latest.CreatedAt)) {
			latest = snap
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("snapshot: %w", ErrNotFound)
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) PruneSnapshots(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, snap := range s.snapshots {
		if snap.CreatedAt.Before(olderThan) {
			delete(s.snapshots, id)
			n++
		}
	}
	return n, nil
}

// --- consumer dedup ---

func (s *MemoryStore) MarkEventProcessed(ctx context.Context, consumerGroup, eventUID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := consumerGroup + "\x00" + eventUID
	if _, ok := s.processed[key]; ok {
		return false, nil
	}
	s.processed[key] = struct{}{}
	return true, nil
}

// --- clone helpers ---

func clonePrincipal(p *contracts.Principal) *contracts.Principal {
	cp := *p
	cp.Metadata = cloneMeta(p.Metadata)
	return &cp
}

func clonePolicy(pol *contracts.AuthorityPolicy) *contracts.AuthorityPolicy {
	cp := *pol
	cp.AllowedResources = cloneStrings(pol.AllowedResources)
	cp.AllowedActions = cloneStrings(pol.AllowedActions)
	return &cp
}

func cloneMandate(m *contracts.Mandate) *contracts.Mandate {
	cp := *m
	cp.ResourceScope = cloneStrings(m.ResourceScope)
	cp.ActionScope = cloneStrings(m.ActionScope)
	cp.Metadata = cloneMeta(m.Metadata)
	if m.RevokedAt != nil {
		t := *m.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}

func cloneEvent(ev *contracts.LedgerEvent) *contracts.LedgerEvent {
	cp := *ev
	cp.Metadata = cloneMeta(ev.Metadata)
	return &cp
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

// interface guard
var _ Store = (*MemoryStore)(nil)
