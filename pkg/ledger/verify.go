package ledger

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"

	"github.com/Garudex-Labs/caracal/pkg/canonical"
	"github.com/Garudex-Labs/caracal/pkg/crypto"
	"github.com/Garudex-Labs/caracal/pkg/merkle"
	"github.com/Garudex-Labs/caracal/pkg/store"
)

const verifyPageSize = 100

// VerifyReport is the outcome of a full offline ledger verification.
type VerifyReport struct {
	RootsChecked  int      `json:"roots_checked"`
	EventsChecked int      `json:"events_checked"`
	Problems      []string `json:"problems,omitempty"`
}

// OK reports whether verification found no problems.
func (r *VerifyReport) OK() bool { return len(r.Problems) == 0 }

// VerifyLedger recomputes every sealed Merkle root from the stored events
// and checks root signatures and range contiguity. A non-nil error means
// verification could not run; tampering shows up as report problems.
func VerifyLedger(ctx context.Context, st store.Store, pub ed25519.PublicKey) (*VerifyReport, error) {
	report := &VerifyReport{}

	var prevLast int64
	for offset := 0; ; offset += verifyPageSize {
		roots, err := st.ListMerkleRoots(ctx, verifyPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("list merkle roots: %w", err)
		}
		if len(roots) == 0 {
			break
		}
		for _, root := range roots {
			report.RootsChecked++

			if prevLast > 0 && root.FirstEventID != prevLast+1 {
				report.Problems = append(report.Problems, fmt.Sprintf(
					"root %s: range starts at %d, previous root ended at %d",
					root.ID, root.FirstEventID, prevLast))
			}
			prevLast = root.LastEventID

			events, err := st.GetEventsByIDRange(ctx, root.FirstEventID, root.LastEventID)
			if err != nil {
				return nil, fmt.Errorf("load events for root %s: %w", root.ID, err)
			}
			if len(events) != root.EventCount {
				report.Problems = append(report.Problems, fmt.Sprintf(
					"root %s: claims %d events, store holds %d",
					root.ID, root.EventCount, len(events)))
				continue
			}

			leaves := make([][]byte, len(events))
			for i, ev := range events {
				if ev.MerkleRootID != root.ID {
					report.Problems = append(report.Problems, fmt.Sprintf(
						"event %d: sealed by %q, expected root %s", ev.ID, ev.MerkleRootID, root.ID))
				}
				b, err := canonical.EventBytes(ev)
				if err != nil {
					return nil, fmt.Errorf("canonicalize event %d: %w", ev.ID, err)
				}
				leaves[i] = b
			}
			report.EventsChecked += len(events)

			tree := merkle.BuildFromData(leaves)
			if tree.Root != root.RootHash {
				report.Problems = append(report.Problems, fmt.Sprintf(
					"root %s: recomputed hash %s does not match stored %s",
					root.ID, tree.Root, root.RootHash))
			}

			if pub != nil {
				ok, err := crypto.VerifyRoot(root, pub)
				if err != nil || !ok {
					report.Problems = append(report.Problems, fmt.Sprintf(
						"root %s: signature verification failed", root.ID))
				}
			}
		}
	}
	return report, nil
}

// InclusionProof is the wire form of a Merkle membership proof for one
// ledger event, verifiable offline against the signed root.
type InclusionProof struct {
	EventID          int64              `json:"event_id"`
	LeafHashHex      string             `json:"leaf_hash_hex"`
	Siblings         []merkle.ProofStep `json:"siblings"`
	RootID           string             `json:"root_id"`
	RootHashHex      string             `json:"root_hash_hex"`
	RootSignatureB64 string             `json:"root_signature_b64"`
	FirstEventID     int64              `json:"first_event_id"`
	LastEventID      int64              `json:"last_event_id"`
}

// ProveInclusion builds the inclusion proof for a sealed event.
func ProveInclusion(ctx context.Context, st store.Store, eventID int64) (*InclusionProof, error) {
	events, err := st.GetEventsByIDRange(ctx, eventID, eventID)
	if err != nil {
		return nil, fmt.Errorf("load event %d: %w", eventID, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("event %d: %w", eventID, store.ErrNotFound)
	}
	ev := events[0]
	if ev.MerkleRootID == "" {
		return nil, fmt.Errorf("event %d is not sealed yet", eventID)
	}

	root, err := st.GetMerkleRoot(ctx, ev.MerkleRootID)
	if err != nil {
		return nil, fmt.Errorf("load root %s: %w", ev.MerkleRootID, err)
	}
	batch, err := st.GetEventsByIDRange(ctx, root.FirstEventID, root.LastEventID)
	if err != nil {
		return nil, fmt.Errorf("load batch for root %s: %w", root.ID, err)
	}

	leaves := make([][]byte, len(batch))
	index := -1
	for i, e := range batch {
		b, err := canonical.EventBytes(e)
		if err != nil {
			return nil, fmt.Errorf("canonicalize event %d: %w", e.ID, err)
		}
		leaves[i] = b
		if e.ID == eventID {
			index = i
		}
	}
	if index < 0 {
		return nil, fmt.Errorf("event %d missing from its root's batch", eventID)
	}

	tree := merkle.BuildFromData(leaves)
	proof, err := tree.Prove(index)
	if err != nil {
		return nil, err
	}
	return &InclusionProof{
		EventID:          eventID,
		LeafHashHex:      proof.LeafHash,
		Siblings:         proof.Path,
		RootID:           root.ID,
		RootHashHex:      root.RootHash,
		RootSignatureB64: root.Signature,
		FirstEventID:     root.FirstEventID,
		LastEventID:      root.LastEventID,
	}, nil
}

// Export streams the filtered ledger as JSON lines, one event per line,
// in event-id order. Returns the number of events written.
func Export(ctx context.Context, st store.Store, f store.LedgerFilter, w io.Writer) (int, error) {
	const pageSize = 500
	max := f.Limit // 0 means unbounded

	enc := json.NewEncoder(w)
	total := 0
	offset := f.Offset
	for {
		page := f
		page.Limit = pageSize
		if max > 0 && max-total < pageSize {
			page.Limit = max - total
		}
		page.Offset = offset
		events, err := st.QueryLedger(ctx, page)
		if err != nil {
			return total, fmt.Errorf("query ledger: %w", err)
		}
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return total, fmt.Errorf("encode event %d: %w", ev.ID, err)
			}
			total++
		}
		if len(events) < page.Limit || (max > 0 && total >= max) {
			return total, nil
		}
		offset += len(events)
	}
}
