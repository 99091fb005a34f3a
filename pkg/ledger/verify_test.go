package ledger

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Garudex-Labs/caracal/pkg/contracts"
	"github.com/Garudex-Labs/caracal/pkg/crypto"
	"github.com/Garudex-Labs/caracal/pkg/merkle"
	"github.com/Garudex-Labs/caracal/pkg/store"
)

func TestVerifyLedgerCleanRun(t *testing.T) {
	st := store.NewMemoryStore()
	signer := testSigner(t)
	now := time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC)

	sealer := NewSealer(st, signer, SealerConfig{BatchSize: 3}, nil).
		WithClock(func() time.Time { return now })
	seedEvents(t, st, 6, now)
	for i := 0; i < 2; i++ {
		root, err := sealer.SealPending(context.Background(), false)
		require.NoError(t, err)
		require.NotNil(t, root)
	}

	report, err := VerifyLedger(context.Background(), st, signer.PublicKey())
	require.NoError(t, err)
	require.True(t, report.OK(), "problems: %v", report.Problems)
	require.Equal(t, 2, report.RootsChecked)
	require.Equal(t, 6, report.EventsChecked)
}

func TestVerifyLedgerDetectsTamperedRoot(t *testing.T) {
	st := store.NewMemoryStore()
	signer := testSigner(t)
	now := time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC)
	seedEvents(t, st, 2, now)

	// A root whose hash does not commit to the stored events.
	bogus := &contracts.MerkleRoot{
		ID:           "root-bogus",
		RootHash:     strings.Repeat("ab", 32),
		FirstEventID: 1,
		LastEventID:  2,
		EventCount:   2,
		CreatedAt:    now,
		SignerID:     "system",
	}
	require.NoError(t, crypto.SignRoot(bogus, signer))
	require.NoError(t, st.PutMerkleRoot(context.Background(), bogus))
	require.NoError(t, st.AttachMerkleRoot(context.Background(), 1, 2, bogus.ID))

	report, err := VerifyLedger(context.Background(), st, signer.PublicKey())
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Contains(t, report.Problems[0], "recomputed hash")
}

func TestVerifyLedgerDetectsBadSignature(t *testing.T) {
	st := store.NewMemoryStore()
	signer := testSigner(t)
	now := time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC)

	sealer := NewSealer(st, signer, SealerConfig{BatchSize: 2}, nil).
		WithClock(func() time.Time { return now })
	seedEvents(t, st, 2, now)
	_, err := sealer.SealPending(context.Background(), false)
	require.NoError(t, err)

	// Verifying against the wrong public key flags every root.
	other := testSigner(t)
	report, err := VerifyLedger(context.Background(), st, other.PublicKey())
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Contains(t, report.Problems[0], "signature")
}

func TestProveInclusionRoundTrip(t *testing.T) {
	st := store.NewMemoryStore()
	signer := testSigner(t)
	now := time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC)

	sealer := NewSealer(st, signer, SealerConfig{BatchSize: 5}, nil).
		WithClock(func() time.Time { return now })
	seedEvents(t, st, 5, now)
	root, err := sealer.SealPending(context.Background(), false)
	require.NoError(t, err)

	for id := int64(1); id <= 5; id++ {
		proof, err := ProveInclusion(context.Background(), st, id)
		require.NoError(t, err)
		require.Equal(t, root.ID, proof.RootID)
		require.Equal(t, root.RootHash, proof.RootHashHex)
		require.Equal(t, root.Signature, proof.RootSignatureB64)

		ok := merkle.VerifyInclusion(&merkle.InclusionProof{
			LeafHash: proof.LeafHashHex,
			Root:     proof.RootHashHex,
			Path:     proof.Siblings,
		}, root.RootHash)
		require.True(t, ok, "event %d", id)
	}
}

func TestProveInclusionUnsealedEvent(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC)
	seedEvents(t, st, 1, now)

	_, err := ProveInclusion(context.Background(), st, 1)
	require.ErrorContains(t, err, "not sealed")

	_, err = ProveInclusion(context.Background(), st, 99)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestExportJSONLines(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC)
	seedEvents(t, st, 7, now)

	var buf bytes.Buffer
	n, err := Export(context.Background(), st, store.LedgerFilter{}, &buf)
	require.NoError(t, err)
	require.Equal(t, 7, n)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 7)
	require.Contains(t, lines[0], `"kind":"issued"`)

	// Limit caps the export.
	buf.Reset()
	n, err = Export(context.Background(), st, store.LedgerFilter{Limit: 3}, &buf)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}
