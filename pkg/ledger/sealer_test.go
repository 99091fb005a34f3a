package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Garudex-Labs/caracal/pkg/contracts"
	"github.com/Garudex-Labs/caracal/pkg/crypto"
	"github.com/Garudex-Labs/caracal/pkg/store"
)

func testSigner(t *testing.T) *crypto.MemoryKeyProvider {
	t.Helper()
	master, err := crypto.NewMemoryKeyProvider()
	require.NoError(t, err)
	signer, err := master.DeriveForPurpose("ledger-root-signing")
	require.NoError(t, err)
	return signer
}

func seedEvents(t *testing.T, st *store.MemoryStore, n int, ts time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev := contracts.NewIssuedEvent(
			fmt.Sprintf("principal-%d", i%3),
			fmt.Sprintf("mandate-%d", i),
			ts,
		)
		_, err := st.AppendEvent(context.Background(), ev)
		require.NoError(t, err)
	}
}

func TestSealPendingClosesFullBatch(t *testing.T) {
	st := store.NewMemoryStore()
	signer := testSigner(t)
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	s := NewSealer(st, signer, SealerConfig{BatchSize: 5, SignerID: "system"}, nil).
		WithClock(func() time.Time { return now })
	seedEvents(t, st, 5, now)

	root, err := s.SealPending(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, root)
	require.Equal(t, int64(1), root.FirstEventID)
	require.Equal(t, int64(5), root.LastEventID)
	require.Equal(t, 5, root.EventCount)
	require.Equal(t, "system", root.SignerID)
	require.NotEmpty(t, root.Signature)

	ok, err := crypto.VerifyRoot(root, signer.PublicKey())
	require.NoError(t, err)
	require.True(t, ok)

	unsealed, err := st.ListUnsealedEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, unsealed)

	stored, err := st.GetMerkleRoot(context.Background(), root.ID)
	require.NoError(t, err)
	require.Equal(t, root.RootHash, stored.RootHash)
}

func TestSealPendingAgeTrigger(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	s := NewSealer(st, testSigner(t), SealerConfig{BatchSize: 100}, nil).
		WithClock(func() time.Time { return now })

	// Fresh partial batch stays open.
	seedEvents(t, st, 3, now.Add(-10*time.Second))
	root, err := s.SealPending(context.Background(), false)
	require.NoError(t, err)
	require.Nil(t, root)

	// Once the oldest event crosses the age threshold it seals.
	now = now.Add(DefaultMaxBatchAge)
	root, err = s.SealPending(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, root)
	require.Equal(t, 3, root.EventCount)
}

func TestSealPendingForceFlushesPartialBatch(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	s := NewSealer(st, testSigner(t), SealerConfig{BatchSize: 100}, nil).
		WithClock(func() time.Time { return now })
	seedEvents(t, st, 2, now)

	root, err := s.SealPending(context.Background(), true)
	require.NoError(t, err)
	require.NotNil(t, root)
	require.Equal(t, 2, root.EventCount)

	// Nothing left: force on an empty backlog is a no-op.
	root, err = s.SealPending(context.Background(), true)
	require.NoError(t, err)
	require.Nil(t, root)
}

func TestSealedRangesAreContiguous(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	s := NewSealer(st, testSigner(t), SealerConfig{BatchSize: 4}, nil).
		WithClock(func() time.Time { return now })

	seedEvents(t, st, 8, now)
	first, err := s.SealPending(context.Background(), false)
	require.NoError(t, err)
	second, err := s.SealPending(context.Background(), false)
	require.NoError(t, err)

	require.Equal(t, int64(1), first.FirstEventID)
	require.Equal(t, int64(4), first.LastEventID)
	require.Equal(t, int64(5), second.FirstEventID)
	require.Equal(t, int64(8), second.LastEventID)
}
