package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Garudex-Labs/caracal/pkg/canonical"
	"github.com/Garudex-Labs/caracal/pkg/contracts"
	"github.com/Garudex-Labs/caracal/pkg/store"
)

// Snapshot defaults.
const (
	DefaultSnapshotRetention = 90 * 24 * time.Hour
	principalPageSize        = 200
	unsealedScanLimit        = 10000
)

// SnapshotterConfig tunes the snapshot scheduler.
type SnapshotterConfig struct {
	// Retention is how long snapshots are kept before reaping.
	Retention time.Duration
}

// Snapshotter projects authority state into snapshot rows on a daily
// schedule (00:00 UTC) or on demand, and reaps snapshots past retention.
type Snapshotter struct {
	store   store.Store
	archive Archive // optional off-box copy
	cfg     SnapshotterConfig
	clock   func() time.Time
	log     *slog.Logger
}

func NewSnapshotter(st store.Store, archive Archive, cfg SnapshotterConfig, log *slog.Logger) *Snapshotter {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultSnapshotRetention
	}
	if log == nil {
		log = slog.Default()
	}
	return &Snapshotter{
		store:   st,
		archive: archive,
		cfg:     cfg,
		clock:   func() time.Time { return time.Now().UTC() },
		log:     log.With("component", "snapshotter"),
	}
}

// WithClock overrides the clock. Test hook.
func (s *Snapshotter) WithClock(clock func() time.Time) *Snapshotter {
	s.clock = clock
	return s
}

// Run takes a snapshot at every 00:00 UTC boundary until ctx is
// cancelled.
func (s *Snapshotter) Run(ctx context.Context) error {
	for {
		now := s.clock()
		next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if _, err := s.Create(ctx, contracts.SnapshotScheduled); err != nil {
				s.log.Error("scheduled snapshot failed", "error", err)
			}
		}
	}
}

// Create projects the current authority state into a snapshot row,
// optionally archives the document, and reaps expired snapshots. The
// projection holds everything needed to resume validation without
// replaying the full ledger.
func (s *Snapshotter) Create(ctx context.Context, trigger contracts.SnapshotTrigger) (*contracts.Snapshot, error) {
	now := s.clock()

	state, err := s.project(ctx, now)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot state: %w", err)
	}

	// Event ids are not gap-free (sequence gaps, detached partitions), so
	// the count is counted, never derived from the last id.
	eventCount, err := s.store.CountLedger(ctx, store.LedgerFilter{})
	if err != nil {
		return nil, fmt.Errorf("count ledger events: %w", err)
	}

	snap := &contracts.Snapshot{
		ID:                  uuid.New().String(),
		CreatedAt:           now,
		LastIncludedEventID: state.LastEventID,
		SizeBytes:           int64(len(data)),
		EventCount:          int64(eventCount),
		ContentHash:         canonical.HashBytes(data),
		Trigger:             trigger,
	}
	if err := s.store.PutSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}

	if s.archive != nil {
		name := "snapshots/" + now.Format("2006/01/02") + "/" + snap.ID + ".json"
		if err := s.archive.Put(ctx, name, data); err != nil {
			// The store row is authoritative; the archive copy is best
			// effort.
			s.log.Warn("snapshot archive write failed", "snapshot", snap.ID, "error", err)
		}
	}

	if pruned, err := s.store.PruneSnapshots(ctx, now.Add(-s.cfg.Retention)); err != nil {
		s.log.Warn("snapshot prune failed", "error", err)
	} else if pruned > 0 {
		s.log.Info("snapshots pruned", "count", pruned)
	}

	s.log.Info("snapshot created", "snapshot", snap.ID, "trigger", trigger,
		"last_event", snap.LastIncludedEventID, "bytes", snap.SizeBytes)
	return snap, nil
}

func (s *Snapshotter) project(ctx context.Context, now time.Time) (*contracts.SnapshotState, error) {
	state := &contracts.SnapshotState{}

	for page := 0; ; page++ {
		batch, err := s.store.ListPrincipals(ctx, page, principalPageSize)
		if err != nil {
			return nil, fmt.Errorf("list principals: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		state.Principals = append(state.Principals, batch...)
	}

	for _, p := range state.Principals {
		pol, err := s.store.GetActivePolicy(ctx, p.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("active policy for %s: %w", p.ID, err)
		}
		state.ActivePolicies = append(state.ActivePolicies, pol)
	}

	mandates, err := s.store.ListLiveMandates(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list live mandates: %w", err)
	}
	state.LiveMandates = mandates

	root, err := s.store.LatestMerkleRoot(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("latest merkle root: %w", err)
	}
	if root != nil {
		state.LastSealedRoot = root
		state.LastEventID = root.LastEventID
	}

	// Unsealed tail past the last root. The backlog is bounded by the
	// sealer batch size in steady state.
	unsealed, err := s.store.ListUnsealedEvents(ctx, unsealedScanLimit)
	if err != nil {
		return nil, fmt.Errorf("list unsealed events: %w", err)
	}
	for _, ev := range unsealed {
		if ev.ID > state.LastEventID {
			state.LastEventID = ev.ID
		}
	}
	return state, nil
}
