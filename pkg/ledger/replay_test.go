package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Garudex-Labs/caracal/pkg/bus"
	"github.com/Garudex-Labs/caracal/pkg/contracts"
	"github.com/Garudex-Labs/caracal/pkg/store"
)

func appendEnvelope(t *testing.T, transport bus.Transport, ev *contracts.LedgerEvent) {
	t.Helper()
	topic := bus.TopicFor(ev.Kind)
	partition := bus.Partition(ev.PrincipalID, bus.DefaultPartitions[topic])
	payload, err := bus.EncodeEnvelope(&bus.Envelope{
		Topic:       topic,
		Partition:   partition,
		Sequence:    uint64(ev.ID),
		PublishedAt: ev.Timestamp,
		Event:       ev,
	})
	require.NoError(t, err)
	_, err = transport.Append(context.Background(), bus.StreamName(topic, partition), payload)
	require.NoError(t, err)
}

func issuedAt(id int64, principal, mandate string, ts time.Time) *contracts.LedgerEvent {
	ev := contracts.NewIssuedEvent(principal, mandate, ts)
	ev.ID = id
	return ev
}

func TestReplayStreamsAllTopicsFromStart(t *testing.T) {
	st := store.NewMemoryStore()
	transport := bus.NewMemoryTransport()
	base := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)

	appendEnvelope(t, transport, issuedAt(1, "p1", "m1", base))
	appendEnvelope(t, transport, issuedAt(2, "p2", "m2", base.Add(time.Second)))
	rev := contracts.NewRevokedEvent("p1", "m1", "compromised", base.Add(2*time.Second))
	rev.ID = 3
	appendEnvelope(t, transport, rev)

	var applied []int64
	r := NewReplayer(st, transport, nil, nil)
	r.Apply = func(ctx context.Context, ev *contracts.LedgerEvent) error {
		applied = append(applied, ev.ID)
		return nil
	}

	report, err := r.Replay(context.Background(), ReplayRequest{Group: "audit-1"})
	require.NoError(t, err)
	require.Equal(t, 3, report.Streamed)
	require.Zero(t, report.Skipped)
	require.Empty(t, report.Duplicates)
	require.ElementsMatch(t, []int64{1, 2, 3}, applied)
}

func TestReplayReportsDuplicatesWithoutSuppressing(t *testing.T) {
	st := store.NewMemoryStore()
	transport := bus.NewMemoryTransport()
	base := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)

	// Same (kind, principal, mandate, timestamp) published twice.
	appendEnvelope(t, transport, issuedAt(1, "p1", "m1", base))
	appendEnvelope(t, transport, issuedAt(1, "p1", "m1", base))
	appendEnvelope(t, transport, issuedAt(2, "p1", "m2", base))

	r := NewReplayer(st, transport, nil, nil)
	report, err := r.Replay(context.Background(), ReplayRequest{Group: "audit-2"})
	require.NoError(t, err)
	require.Equal(t, 3, report.Streamed)
	require.Len(t, report.Duplicates, 1)
	require.Equal(t, "m1", report.Duplicates[0].MandateID)
}

func TestReplayFromTimestampSkipsEarlierEvents(t *testing.T) {
	st := store.NewMemoryStore()
	transport := bus.NewMemoryTransport()
	base := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)

	appendEnvelope(t, transport, issuedAt(1, "p1", "m1", base))
	appendEnvelope(t, transport, issuedAt(2, "p1", "m2", base.Add(time.Minute)))

	r := NewReplayer(st, transport, nil, nil)
	report, err := r.Replay(context.Background(), ReplayRequest{
		Group: "audit-3",
		From:  base.Add(30 * time.Second),
	})
	require.NoError(t, err)
	require.Equal(t, 1, report.Streamed)
	require.Equal(t, 1, report.Skipped)
}

func TestReplayFromSnapshotSkipsIncludedEvents(t *testing.T) {
	st := store.NewMemoryStore()
	transport := bus.NewMemoryTransport()
	base := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)

	require.NoError(t, st.PutSnapshot(context.Background(), &contracts.Snapshot{
		ID: "snap-1", CreatedAt: base, LastIncludedEventID: 2,
		Trigger: contracts.SnapshotManual,
	}))
	for i := int64(1); i <= 4; i++ {
		appendEnvelope(t, transport, issuedAt(i, "p1", "m", base.Add(time.Duration(i)*time.Second)))
	}

	r := NewReplayer(st, transport, nil, nil)
	report, err := r.Replay(context.Background(), ReplayRequest{
		Group:      "audit-4",
		SnapshotID: "snap-1",
	})
	require.NoError(t, err)
	require.Equal(t, 2, report.Streamed)
	require.Equal(t, 2, report.Skipped)
}

func TestReplayRejectsBadRequests(t *testing.T) {
	r := NewReplayer(store.NewMemoryStore(), bus.NewMemoryTransport(), nil, nil)

	_, err := r.Replay(context.Background(), ReplayRequest{})
	require.Error(t, err)

	_, err = r.Replay(context.Background(), ReplayRequest{
		Group:      "g",
		SnapshotID: "snap",
		From:       time.Now(),
	})
	require.Error(t, err)

	_, err = r.Replay(context.Background(), ReplayRequest{
		Group:      "g",
		SnapshotID: "missing",
	})
	require.ErrorIs(t, err, store.ErrNotFound)
}
