package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Garudex-Labs/caracal/pkg/bus"
	"github.com/Garudex-Labs/caracal/pkg/contracts"
	"github.com/Garudex-Labs/caracal/pkg/store"
)

// replayPollBlock is the per-stream read block during replay. Replay ends
// after idleRounds consecutive empty passes over every stream.
const (
	replayPollBlock = 50 * time.Millisecond
	idleRounds      = 2
	replayBatch     = 100
)

// ReplayRequest asks for the authority topics to be re-streamed into a
// fresh consumer group, starting from a snapshot or an instant.
type ReplayRequest struct {
	// SnapshotID anchors the replay: events at or before the snapshot's
	// last included event id are skipped. Mutually exclusive with From.
	SnapshotID string
	// From skips events before this instant. Zero means stream start.
	From time.Time
	// Topics defaults to all four authority topics.
	Topics []string
	// Group is the new consumer group name; it must not collide with the
	// materializer's group.
	Group string
}

// DuplicateKey identifies replayed events that collide on the audit
// identity (kind, principal, mandate, timestamp). Duplicates are reported,
// never suppressed: replay is an explicit audit operation and the auditor
// decides what a duplicate means.
type DuplicateKey struct {
	Kind        contracts.EventKind `json:"kind"`
	PrincipalID string              `json:"principal_id"`
	MandateID   string              `json:"mandate_id,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
}

// ReplayReport summarizes one replay run.
type ReplayReport struct {
	Streamed   int            `json:"streamed"`
	Skipped    int            `json:"skipped"`
	Duplicates []DuplicateKey `json:"duplicates,omitempty"`
}

// Replayer re-streams authority topics through a new consumer group,
// optionally feeding each event to an apply callback.
type Replayer struct {
	store      store.Store
	transport  bus.Transport
	partitions map[string]int
	log        *slog.Logger

	// Apply, when set, receives every replayed event in stream order. A
	// returned error aborts the replay.
	Apply func(ctx context.Context, ev *contracts.LedgerEvent) error
}

func NewReplayer(st store.Store, transport bus.Transport, partitions map[string]int, log *slog.Logger) *Replayer {
	if partitions == nil {
		partitions = bus.DefaultPartitions
	}
	if log == nil {
		log = slog.Default()
	}
	return &Replayer{
		store:      st,
		transport:  transport,
		partitions: partitions,
		log:        log.With("component", "replayer"),
	}
}

// Replay seeks the group to the requested start on every partition of the
// requested topics and streams forward until the streams run dry.
func (r *Replayer) Replay(ctx context.Context, req ReplayRequest) (*ReplayReport, error) {
	if req.Group == "" {
		return nil, fmt.Errorf("replay: consumer group is required")
	}
	if req.SnapshotID != "" && !req.From.IsZero() {
		return nil, fmt.Errorf("replay: snapshot_id and from are mutually exclusive")
	}
	topics := req.Topics
	if len(topics) == 0 {
		topics = bus.Topics
	}

	var afterEventID int64
	if req.SnapshotID != "" {
		snap, err := r.store.GetSnapshot(ctx, req.SnapshotID)
		if err != nil {
			return nil, fmt.Errorf("replay: resolve snapshot %s: %w", req.SnapshotID, err)
		}
		afterEventID = snap.LastIncludedEventID
	}

	// Transports with time-indexed offsets seek straight to the instant;
	// the others rewind to the start and the timestamp filter below does
	// the skipping.
	offset := "0"
	if !req.From.IsZero() {
		if ti, ok := r.transport.(bus.TimeIndexed); ok {
			offset = ti.OffsetForTime(req.From)
		}
	}

	var streams []string
	for _, topic := range topics {
		n := r.partitions[topic]
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			stream := bus.StreamName(topic, i)
			if err := r.transport.SeekGroup(ctx, stream, req.Group, offset); err != nil {
				return nil, fmt.Errorf("replay: seek %s: %w", stream, err)
			}
			streams = append(streams, stream)
		}
	}

	consumer := "replay-" + uuid.New().String()[:8]
	report := &ReplayReport{}
	seen := make(map[DuplicateKey]struct{})

	idle := 0
	for idle < idleRounds {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		got := false
		for _, stream := range streams {
			deliveries, err := r.transport.Read(ctx, stream, req.Group, consumer, replayBatch, replayPollBlock)
			if err != nil {
				return report, fmt.Errorf("replay: read %s: %w", stream, err)
			}
			for _, d := range deliveries {
				got = true
				if err := r.handle(ctx, d, req, afterEventID, seen, report); err != nil {
					return report, err
				}
				if err := r.transport.Ack(ctx, stream, req.Group, d.Offset); err != nil {
					r.log.Warn("replay ack failed", "stream", stream, "offset", d.Offset, "error", err)
				}
			}
		}
		if got {
			idle = 0
		} else {
			idle++
		}
	}

	r.log.Info("replay complete", "group", req.Group, "streamed", report.Streamed,
		"skipped", report.Skipped, "duplicates", len(report.Duplicates))
	return report, nil
}

func (r *Replayer) handle(ctx context.Context, d bus.Delivery, req ReplayRequest, afterEventID int64, seen map[DuplicateKey]struct{}, report *ReplayReport) error {
	env, err := bus.DecodeEnvelope(d.Payload)
	if err != nil {
		// Undecodable payloads are counted, not fatal: the live consumer
		// already parked them.
		r.log.Warn("replay skipping undecodable payload", "stream", d.Stream, "offset", d.Offset, "error", err)
		report.Skipped++
		return nil
	}
	ev := env.Event

	if afterEventID > 0 && ev.ID <= afterEventID {
		report.Skipped++
		return nil
	}
	if !req.From.IsZero() && ev.Timestamp.Before(req.From) {
		report.Skipped++
		return nil
	}

	key := DuplicateKey{
		Kind:        ev.Kind,
		PrincipalID: ev.PrincipalID,
		MandateID:   ev.MandateID,
		Timestamp:   ev.Timestamp,
	}
	if _, dup := seen[key]; dup {
		report.Duplicates = append(report.Duplicates, key)
	} else {
		seen[key] = struct{}{}
	}

	if r.Apply != nil {
		if err := r.Apply(ctx, ev); err != nil {
			return fmt.Errorf("replay: apply event %d: %w", ev.ID, err)
		}
	}
	report.Streamed++
	return nil
}
