package ledger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Garudex-Labs/caracal/pkg/contracts"
	"github.com/Garudex-Labs/caracal/pkg/crypto"
	"github.com/Garudex-Labs/caracal/pkg/store"
)

func addSnapshotFixture(t *testing.T, st *store.MemoryStore, now time.Time) {
	t.Helper()
	ctx := context.Background()

	for _, name := range []string{"orchestrator", "worker"} {
		pub, _, err := crypto.GenerateKeypair()
		require.NoError(t, err)
		require.NoError(t, st.PutPrincipal(ctx, &contracts.Principal{
			ID: "prn-" + name, Name: name, Kind: contracts.PrincipalAgent,
			PublicKey: pub, CreatedAt: now,
		}))
	}
	_, err := st.PutPolicy(ctx, &contracts.AuthorityPolicy{
		ID: uuid.New().String(), PrincipalID: "prn-orchestrator",
		AllowedResources: []string{"api:*"}, AllowedActions: []string{"api_call"},
		MaxValiditySeconds: 3600, CreatedBy: "test",
	})
	require.NoError(t, err)

	put := func(id string, validUntil time.Time, revoked bool) {
		m := &contracts.Mandate{
			ID: id, IssuerID: "prn-orchestrator", SubjectID: "prn-worker",
			ValidFrom: now.Add(-time.Hour), ValidUntil: validUntil,
			ResourceScope: []string{"api:*"}, ActionScope: []string{"api_call"},
			Signature: "sig", CreatedAt: now.Add(-time.Hour),
		}
		_, err := st.PutMandateWithEvent(ctx, m, contracts.NewIssuedEvent("prn-worker", id, now))
		require.NoError(t, err)
		if revoked {
			_, err := st.RevokeMandate(ctx, id, "test", false, now)
			require.NoError(t, err)
		}
	}
	put("m-live", now.Add(time.Hour), false)
	put("m-expired", now.Add(-time.Minute), false)
	put("m-revoked", now.Add(time.Hour), true)
}

func TestSnapshotProjectionAndArchive(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	addSnapshotFixture(t, st, now)

	dir := t.TempDir()
	snapper := NewSnapshotter(st, &FileArchive{Dir: dir}, SnapshotterConfig{}, nil).
		WithClock(func() time.Time { return now })

	snap, err := snapper.Create(context.Background(), contracts.SnapshotManual)
	require.NoError(t, err)
	require.Equal(t, contracts.SnapshotManual, snap.Trigger)
	require.NotEmpty(t, snap.ContentHash)
	// Three issued events plus one revoked event.
	require.Equal(t, int64(4), snap.LastIncludedEventID)
	require.Equal(t, int64(4), snap.EventCount)

	stored, err := st.GetSnapshot(context.Background(), snap.ID)
	require.NoError(t, err)
	require.Equal(t, snap.ContentHash, stored.ContentHash)

	// The archived document is the full projection.
	raw, err := os.ReadFile(filepath.Join(dir, "snapshots", now.Format("2006/01/02"), snap.ID+".json"))
	require.NoError(t, err)
	require.Equal(t, int64(len(raw)), snap.SizeBytes)

	var state contracts.SnapshotState
	require.NoError(t, json.Unmarshal(raw, &state))
	require.Len(t, state.Principals, 2)
	require.Len(t, state.ActivePolicies, 1)
	require.Len(t, state.LiveMandates, 1)
	require.Equal(t, "m-live", state.LiveMandates[0].ID)
	require.Equal(t, int64(4), state.LastEventID)
}

func TestSnapshotIncludesLastSealedRoot(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	addSnapshotFixture(t, st, now)

	sealer := NewSealer(st, testSigner(t), SealerConfig{BatchSize: 2}, nil).
		WithClock(func() time.Time { return now })
	root, err := sealer.SealPending(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, root)

	dir := t.TempDir()
	snapper := NewSnapshotter(st, &FileArchive{Dir: dir}, SnapshotterConfig{}, nil).
		WithClock(func() time.Time { return now })
	snap, err := snapper.Create(context.Background(), contracts.SnapshotManual)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "snapshots", now.Format("2006/01/02"), snap.ID+".json"))
	require.NoError(t, err)
	var state contracts.SnapshotState
	require.NoError(t, json.Unmarshal(raw, &state))
	require.NotNil(t, state.LastSealedRoot)
	require.Equal(t, root.ID, state.LastSealedRoot.ID)
	// Two events sealed, two still in the unsealed tail.
	require.Equal(t, int64(4), state.LastEventID)
}

// detachedPartitionStore mimics a ledger whose oldest month partition was
// detached by the operator: event ids no longer start at 1, so the count
// and the last id diverge.
type detachedPartitionStore struct {
	store.Store
}

func (s *detachedPartitionStore) CountLedger(ctx context.Context, f store.LedgerFilter) (int, error) {
	n, err := s.Store.CountLedger(ctx, f)
	if n > 0 {
		n--
	}
	return n, err
}

func TestSnapshotEventCountSurvivesIDGaps(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	addSnapshotFixture(t, st, now)

	snapper := NewSnapshotter(&detachedPartitionStore{Store: st}, nil, SnapshotterConfig{}, nil).
		WithClock(func() time.Time { return now })
	snap, err := snapper.Create(context.Background(), contracts.SnapshotManual)
	require.NoError(t, err)

	require.Equal(t, int64(4), snap.LastIncludedEventID)
	require.Equal(t, int64(3), snap.EventCount)
}

func TestSnapshotRetentionReaping(t *testing.T) {
	st := store.NewMemoryStore()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := old.Add(120 * 24 * time.Hour)

	clock := old
	snapper := NewSnapshotter(st, nil, SnapshotterConfig{}, nil).
		WithClock(func() time.Time { return clock })

	first, err := snapper.Create(context.Background(), contracts.SnapshotManual)
	require.NoError(t, err)

	clock = now
	_, err = snapper.Create(context.Background(), contracts.SnapshotScheduled)
	require.NoError(t, err)

	// The first snapshot is past the 90-day horizon.
	_, err = st.GetSnapshot(context.Background(), first.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestOpenArchiveSchemes(t *testing.T) {
	dir := t.TempDir()

	a, err := OpenArchive(context.Background(), "file://"+dir)
	require.NoError(t, err)
	require.IsType(t, &FileArchive{}, a)
	require.NoError(t, a.Put(context.Background(), "snapshots/x.json", []byte(`{}`)))

	data, err := os.ReadFile(filepath.Join(dir, "snapshots", "x.json"))
	require.NoError(t, err)
	require.Equal(t, `{}`, string(data))

	_, err = OpenArchive(context.Background(), "ftp://nope")
	require.Error(t, err)
}
