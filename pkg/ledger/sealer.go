// Package ledger materializes the authority event stream: it batches
// appended events into signed Merkle roots, projects periodic snapshots
// of authority state, replays streams for audit, and verifies the sealed
// ledger offline.
//
// The ledger rows themselves are written synchronously by the engine's
// store transactions; everything here runs behind that write path and
// never blocks a decision.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Garudex-Labs/caracal/pkg/canonical"
	"github.com/Garudex-Labs/caracal/pkg/contracts"
	"github.com/Garudex-Labs/caracal/pkg/crypto"
	"github.com/Garudex-Labs/caracal/pkg/merkle"
	"github.com/Garudex-Labs/caracal/pkg/store"
)

// Sealer batch defaults.
const (
	DefaultBatchSize   = 1000
	DefaultMaxBatchAge = 60 * time.Second
	defaultSealPoll    = 5 * time.Second
	shutdownFlushGrace = 10 * time.Second
)

// SealerConfig tunes the Merkle batcher.
type SealerConfig struct {
	// BatchSize closes a batch when this many unsealed events accumulate.
	BatchSize int
	// MaxBatchAge closes a partial batch once its oldest event is this old.
	MaxBatchAge time.Duration
	// PollInterval is how often the sealer scans for unsealed events.
	PollInterval time.Duration
	// SignerID is recorded on every sealed root.
	SignerID string
}

func (c *SealerConfig) withDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxBatchAge <= 0 {
		c.MaxBatchAge = DefaultMaxBatchAge
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultSealPoll
	}
}

// Sealer closes batches of unsealed ledger events into signed Merkle
// roots. It is the only writer of merkle_roots and of the event rows'
// root pointers, so it needs no coordination with the engine.
type Sealer struct {
	store  store.Store
	signer crypto.KeyProvider
	cfg    SealerConfig
	clock  func() time.Time
	log    *slog.Logger
}

func NewSealer(st store.Store, signer crypto.KeyProvider, cfg SealerConfig, log *slog.Logger) *Sealer {
	cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Sealer{
		store:  st,
		signer: signer,
		cfg:    cfg,
		clock:  func() time.Time { return time.Now().UTC() },
		log:    log.With("component", "sealer"),
	}
}

// WithClock overrides the clock. Test hook.
func (s *Sealer) WithClock(clock func() time.Time) *Sealer {
	s.clock = clock
	return s
}

// Run polls for sealable batches until ctx is cancelled, then force-seals
// whatever is pending so no events are left unsealed across a restart
// longer than necessary.
func (s *Sealer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownFlushGrace)
			defer cancel()
			if _, err := s.SealPending(flushCtx, true); err != nil {
				s.log.Error("shutdown flush failed", "error", err)
			}
			return ctx.Err()
		case <-ticker.C:
			s.sealAll(ctx)
		}
	}
}

// sealAll drains every closeable batch; a burst can leave more than one
// full batch behind a single poll tick.
func (s *Sealer) sealAll(ctx context.Context) {
	for {
		root, err := s.SealPending(ctx, false)
		if err != nil {
			s.log.Error("seal failed", "error", err)
			return
		}
		if root == nil {
			return
		}
		s.log.Info("batch sealed", "root", root.ID, "first", root.FirstEventID,
			"last", root.LastEventID, "count", root.EventCount)
	}
}

// SealPending closes one batch if it is sealable: full, or (oldest event
// older than MaxBatchAge), or force. Returns nil when nothing was sealed.
func (s *Sealer) SealPending(ctx context.Context, force bool) (*contracts.MerkleRoot, error) {
	events, err := s.store.ListUnsealedEvents(ctx, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list unsealed events: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	now := s.clock()
	if !force && len(events) < s.cfg.BatchSize &&
		now.Sub(events[0].Timestamp) < s.cfg.MaxBatchAge {
		return nil, nil
	}
	return s.seal(ctx, events, now)
}

func (s *Sealer) seal(ctx context.Context, events []*contracts.LedgerEvent, now time.Time) (*contracts.MerkleRoot, error) {
	first, last := events[0].ID, events[len(events)-1].ID
	if last-first+1 != int64(len(events)) {
		return nil, fmt.Errorf("unsealed range [%d,%d] has gaps: %d events", first, last, len(events))
	}

	leaves := make([][]byte, len(events))
	for i, ev := range events {
		b, err := canonical.EventBytes(ev)
		if err != nil {
			return nil, fmt.Errorf("canonicalize event %d: %w", ev.ID, err)
		}
		leaves[i] = b
	}
	tree := merkle.BuildFromData(leaves)

	root := &contracts.MerkleRoot{
		ID:           uuid.New().String(),
		RootHash:     tree.Root,
		FirstEventID: first,
		LastEventID:  last,
		EventCount:   len(events),
		CreatedAt:    now,
		SignerID:     s.cfg.SignerID,
	}
	if err := crypto.SignRoot(root, s.signer); err != nil {
		return nil, fmt.Errorf("sign root: %w", err)
	}

	if err := s.store.PutMerkleRoot(ctx, root); err != nil {
		return nil, fmt.Errorf("persist root %s: %w", root.ID, err)
	}
	if err := s.store.AttachMerkleRoot(ctx, first, last, root.ID); err != nil {
		// The events stay unsealed, so the next pass recomputes the same
		// batch and retries; the unattached root row is inert.
		return nil, fmt.Errorf("attach root %s: %w", root.ID, err)
	}
	return root, nil
}
