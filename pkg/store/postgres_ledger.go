package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Garudex-Labs/caracal/pkg/contracts"
)

const eventColumns = `id, event_uid, schema_version, kind, timestamp, principal_id, mandate_id,
	decision, denial_reason, requested_action, requested_resource, correlation_id,
	merkle_root_id, metadata`

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *contracts.LedgerEvent) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := appendEventTx(ctx, tx, ev)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit event: %w", err)
	}
	return id, nil
}

func appendEventTx(ctx context.Context, tx *sql.Tx, ev *contracts.LedgerEvent) (int64, error) {
	metaJSON, err := marshalMeta(ev.Metadata)
	if err != nil {
		return 0, err
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO ledger_events (event_uid, schema_version, kind, timestamp,
			principal_id, mandate_id, decision, denial_reason, requested_action,
			requested_resource, correlation_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		ev.EventUID, ev.SchemaVersion, string(ev.Kind), ev.Timestamp.UTC(),
		ev.PrincipalID, nullString(ev.MandateID), nullString(ev.Decision),
		nullString(ev.DenialReason), nullString(ev.Action), nullString(ev.Resource),
		nullString(ev.CorrelationID), metaJSON,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	ev.ID = id
	return id, nil
}

func (s *PostgresStore) QueryLedger(ctx context.Context, f LedgerFilter) ([]*contracts.LedgerEvent, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, cond+"$"+strconv.Itoa(len(args)))
	}
	if f.PrincipalID != "" {
		add("principal_id = ", f.PrincipalID)
	}
	if f.MandateID != "" {
		add("mandate_id = ", f.MandateID)
	}
	if f.Kind != "" {
		add("kind = ", string(f.Kind))
	}
	if !f.From.IsZero() {
		add("timestamp >= ", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("timestamp < ", f.To.UTC())
	}

	query := `SELECT ` + eventColumns + ` FROM ledger_events`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY id`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	return s.queryEvents(ctx, query, args...)
}

func (s *PostgresStore) CountLedger(ctx context.Context, f LedgerFilter) (int, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, cond+"$"+strconv.Itoa(len(args)))
	}
	if f.PrincipalID != "" {
		add("principal_id = ", f.PrincipalID)
	}
	if f.MandateID != "" {
		add("mandate_id = ", f.MandateID)
	}
	if f.Kind != "" {
		add("kind = ", string(f.Kind))
	}
	if !f.From.IsZero() {
		add("timestamp >= ", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("timestamp < ", f.To.UTC())
	}

	query := `SELECT COUNT(*) FROM ledger_events`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) GetEventsByIDRange(ctx context.Context, first, last int64) ([]*contracts.LedgerEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM ledger_events
		WHERE id >= $1 AND id <= $2 ORDER BY id`
	return s.queryEvents(ctx, query, first, last)
}

func (s *PostgresStore) ListUnsealedEvents(ctx context.Context, limit int) ([]*contracts.LedgerEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT ` + eventColumns + ` FROM ledger_events
		WHERE merkle_root_id IS NULL ORDER BY id LIMIT $1`
	return s.queryEvents(ctx, query, limit)
}

func (s *PostgresStore) queryEvents(ctx context.Context, query string, args ...any) ([]*contracts.LedgerEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.LedgerEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AttachMerkleRoot sets the root pointer on every event in [first, last].
// This is the single permitted mutation of ledger rows.
func (s *PostgresStore) AttachMerkleRoot(ctx context.Context, first, last int64, rootID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger_events SET merkle_root_id = $3
		WHERE id >= $1 AND id <= $2 AND merkle_root_id IS NULL`,
		first, last, rootID)
	if err != nil {
		return fmt.Errorf("failed to attach merkle root: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if want := last - first + 1; n != want {
		return fmt.Errorf("attach merkle root %s sealed %d of %d events", rootID, n, want)
	}
	return nil
}

// --- merkle roots ---

const rootColumns = `id, root_hash, first_event_id, last_event_id, event_count, created_at, signer_id, signature`

func (s *PostgresStore) PutMerkleRoot(ctx context.Context, r *contracts.MerkleRoot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merkle_roots (id, root_hash, first_event_id, last_event_id,
			event_count, created_at, signer_id, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.RootHash, r.FirstEventID, r.LastEventID,
		r.EventCount, r.CreatedAt.UTC(), r.SignerID, r.Signature,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("merkle root %s: %w", r.ID, ErrConflict)
		}
		return fmt.Errorf("failed to insert merkle root: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMerkleRoot(ctx context.Context, id string) (*contracts.MerkleRoot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+rootColumns+` FROM merkle_roots WHERE id = $1`, id)
	r, err := scanRoot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("merkle root %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) LatestMerkleRoot(ctx context.Context) (*contracts.MerkleRoot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+rootColumns+` FROM merkle_roots ORDER BY last_event_id DESC LIMIT 1`)
	r, err := scanRoot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("merkle root: %w", ErrNotFound)
		}
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) ListMerkleRoots(ctx context.Context, limit, offset int) ([]*contracts.MerkleRoot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+rootColumns+` FROM merkle_roots ORDER BY first_event_id LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.MerkleRoot
	for rows.Next() {
		r, err := scanRoot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- snapshots ---

func (s *PostgresStore) PutSnapshot(ctx context.Context, snap *contracts.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, created_at, last_event_id, size_bytes,
			event_count, content_hash, trigger_kind)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snap.ID, snap.CreatedAt.UTC(), snap.LastIncludedEventID, snap.SizeBytes,
		snap.EventCount, snap.ContentHash, string(snap.Trigger),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("snapshot %s: %w", snap.ID, ErrConflict)
		}
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, id string) (*contracts.Snapshot, error) {
	var (
		snap    contracts.Snapshot
		trigger string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, last_event_id, size_bytes, event_count, content_hash, trigger_kind
		FROM snapshots WHERE id = $1`, id,
	).Scan(&snap.ID, &snap.CreatedAt, &snap.LastIncludedEventID, &snap.SizeBytes,
		&snap.EventCount, &snap.ContentHash, &trigger)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	snap.Trigger = contracts.SnapshotTrigger(trigger)
	return &snap, nil
}

func (s *PostgresStore) GetLatestSnapshot(ctx context.Context) (*contracts.Snapshot, error) {
	var (
		snap    contracts.Snapshot
		trigger string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, last_event_id, size_bytes, event_count, content_hash, trigger_kind
		FROM snapshots ORDER BY last_event_id DESC, created_at DESC LIMIT 1`,
	).Scan(&snap.ID, &snap.CreatedAt, &snap.LastIncludedEventID, &snap.SizeBytes,
		&snap.EventCount, &snap.ContentHash, &trigger)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	snap.Trigger = contracts.SnapshotTrigger(trigger)
	return &snap, nil
}

func (s *PostgresStore) PruneSnapshots(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE created_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- consumer dedup ---

func (s *PostgresStore) MarkEventProcessed(ctx context.Context, consumerGroup, eventUID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (consumer_group, event_uid, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer_group, event_uid) DO NOTHING`,
		consumerGroup, eventUID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanEvent(row rowScanner) (*contracts.LedgerEvent, error) {
	var (
		ev        contracts.LedgerEvent
		kind      string
		mandateID sql.NullString
		decision  sql.NullString
		reason    sql.NullString
		action    sql.NullString
		resource  sql.NullString
		corrID    sql.NullString
		rootID    sql.NullString
		metaJSON  []byte
	)
	err := row.Scan(&ev.ID, &ev.EventUID, &ev.SchemaVersion, &kind, &ev.Timestamp,
		&ev.PrincipalID, &mandateID, &decision, &reason, &action, &resource,
		&corrID, &rootID, &metaJSON)
	if err != nil {
		return nil, err
	}
	ev.Kind = contracts.EventKind(kind)
	ev.MandateID = mandateID.String
	ev.Decision = decision.String
	ev.DenialReason = reason.String
	ev.Action = action.String
	ev.Resource = resource.String
	ev.CorrelationID = corrID.String
	ev.MerkleRootID = rootID.String
	ev.Metadata = unmarshalMeta(metaJSON)
	return &ev, nil
}

func scanRoot(row rowScanner) (*contracts.MerkleRoot, error) {
	var r contracts.MerkleRoot
	err := row.Scan(&r.ID, &r.RootHash, &r.FirstEventID, &r.LastEventID,
		&r.EventCount, &r.CreatedAt, &r.SignerID, &r.Signature)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
