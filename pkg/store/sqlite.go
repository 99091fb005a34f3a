package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Garudex-Labs/caracal/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore backs single-node "lite" deployments and local development.
// Same contract as Postgres minus table partitioning; the ledger lives in
// one table with the same indexes.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.Init(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (or creates) a SQLite database at path and initializes
// the schema. Use ":memory:" for throwaway stores.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite breaks under concurrent writers on one connection pool.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS schema_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS principals (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	parent_id TEXT,
	public_key TEXT NOT NULL,
	private_key TEXT,
	created_at DATETIME NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	metadata JSON
);

CREATE TABLE IF NOT EXISTS policies (
	id TEXT PRIMARY KEY,
	principal_id TEXT NOT NULL,
	allowed_resources JSON NOT NULL,
	allowed_actions JSON NOT NULL,
	max_validity_seconds INTEGER NOT NULL,
	allow_delegation INTEGER NOT NULL,
	max_delegation_depth INTEGER NOT NULL,
	condition TEXT,
	active INTEGER NOT NULL,
	version INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	created_by TEXT,
	UNIQUE (principal_id, version)
);

CREATE TABLE IF NOT EXISTS mandates (
	id TEXT PRIMARY KEY,
	issuer_id TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	valid_from DATETIME NOT NULL,
	valid_until DATETIME NOT NULL,
	resource_scope JSON NOT NULL,
	action_scope JSON NOT NULL,
	signature TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	parent_mandate_id TEXT,
	delegation_depth INTEGER NOT NULL DEFAULT 0,
	revoked INTEGER NOT NULL DEFAULT 0,
	revoked_at DATETIME,
	revocation_reason TEXT,
	intent_hash TEXT,
	metadata JSON
);
CREATE INDEX IF NOT EXISTS idx_mandates_parent ON mandates(parent_mandate_id);
CREATE INDEX IF NOT EXISTS idx_mandates_subject ON mandates(subject_id);

CREATE TABLE IF NOT EXISTS ledger_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_uid TEXT NOT NULL,
	schema_version INTEGER NOT NULL,
	kind TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	principal_id TEXT NOT NULL,
	mandate_id TEXT,
	decision TEXT,
	denial_reason TEXT,
	requested_action TEXT,
	requested_resource TEXT,
	correlation_id TEXT,
	merkle_root_id TEXT,
	metadata JSON
);
CREATE INDEX IF NOT EXISTS idx_ledger_principal_time ON ledger_events(principal_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_ledger_mandate_time ON ledger_events(mandate_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_ledger_kind_time ON ledger_events(kind, timestamp DESC);

CREATE TABLE IF NOT EXISTS merkle_roots (
	id TEXT PRIMARY KEY,
	root_hash TEXT NOT NULL,
	first_event_id INTEGER NOT NULL,
	last_event_id INTEGER NOT NULL,
	event_count INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	signer_id TEXT NOT NULL,
	signature TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	id TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL,
	last_event_id INTEGER NOT NULL,
	size_bytes INTEGER NOT NULL,
	event_count INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	trigger_kind TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_events (
	consumer_group TEXT NOT NULL,
	event_uid TEXT NOT NULL,
	processed_at DATETIME NOT NULL,
	PRIMARY KEY (consumer_group, event_uid)
);
`

func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return s.checkSchemaVersion(ctx)
}

func (s *SQLiteStore) checkSchemaVersion(ctx context.Context) error {
	supported := semver.MustParse(SchemaVersion)

	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM schema_meta WHERE key = 'schema_version'`).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO schema_meta (key, value) VALUES ('schema_version', ?)`,
			SchemaVersion)
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	found, err := semver.NewVersion(stored)
	if err != nil {
		return fmt.Errorf("stored schema version %q is not semver: %w", stored, err)
	}
	if found.Major() > supported.Major() {
		return fmt.Errorf("%w: database has %s, binary supports %s",
			ErrSchemaIncompatible, stored, SchemaVersion)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- principals ---

func (s *SQLiteStore) PutPrincipal(ctx context.Context, p *contracts.Principal) error {
	metaJSON, err := marshalMeta(p.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO principals (id, name, kind, parent_id, public_key, private_key, created_at, deleted, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(p.Kind), nullString(p.ParentID),
		p.PublicKey, nullString(p.PrivateKey), fmtTime(p.CreatedAt), p.Deleted, metaJSON,
	)
	if err != nil {
		if isSQLiteUnique(err) {
			return fmt.Errorf("principal %s: %w", p.ID, ErrConflict)
		}
		return fmt.Errorf("failed to insert principal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPrincipal(ctx context.Context, id string) (*contracts.Principal, error) {
	return s.queryPrincipal(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = ?`, id)
}

func (s *SQLiteStore) GetPrincipalByName(ctx context.Context, name string) (*contracts.Principal, error) {
	return s.queryPrincipal(ctx, `SELECT `+principalColumns+` FROM principals WHERE name = ?`, name)
}

func (s *SQLiteStore) queryPrincipal(ctx context.Context, query string, arg any) (*contracts.Principal, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	p, err := scanPrincipalLite(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("principal: %w", ErrNotFound)
		}
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) ListPrincipals(ctx context.Context, page, size int) ([]*contracts.Principal, error) {
	if size <= 0 {
		size = 50
	}
	if page < 0 {
		page = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+principalColumns+` FROM principals
		WHERE deleted = 0 ORDER BY created_at, id LIMIT ? OFFSET ?`, size, page*size)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Principal
	for rows.Next() {
		p, err := scanPrincipalLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdatePrincipalMetadata(ctx context.Context, id string, metadata map[string]string) error {
	metaJSON, err := marshalMeta(metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE principals SET metadata = ? WHERE id = ? AND deleted = 0`, metaJSON, id)
	if err != nil {
		return fmt.Errorf("failed to update principal metadata: %w", err)
	}
	return requireRow(res, "principal")
}

func (s *SQLiteStore) DeletePrincipal(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE principals SET deleted = 1 WHERE id = ? AND deleted = 0`, id)
	if err != nil {
		return fmt.Errorf("failed to delete principal: %w", err)
	}
	return requireRow(res, "principal")
}

// --- policies ---

func (s *SQLiteStore) PutPolicy(ctx context.Context, pol *contracts.AuthorityPolicy) (*contracts.AuthorityPolicy, error) {
	resources, err := json.Marshal(pol.AllowedResources)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resources: %w", err)
	}
	actions, err := json.Marshal(pol.AllowedActions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal actions: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE policies SET active = 0 WHERE principal_id = ? AND active = 1`,
		pol.PrincipalID); err != nil {
		return nil, fmt.Errorf("failed to deactivate previous policy: %w", err)
	}

	var version int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM policies WHERE principal_id = ?`,
		pol.PrincipalID).Scan(&version); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO policies (id, principal_id, allowed_resources, allowed_actions,
			max_validity_seconds, allow_delegation, max_delegation_depth, condition,
			active, version, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		pol.ID, pol.PrincipalID, resources, actions,
		pol.MaxValiditySeconds, pol.AllowDelegation, pol.MaxDelegationDepth,
		nullString(pol.Condition), version, fmtTime(pol.CreatedAt), nullString(pol.CreatedBy),
	)
	if err != nil {
		if isSQLiteUnique(err) {
			return nil, fmt.Errorf("policy %s: %w", pol.ID, ErrConflict)
		}
		return nil, fmt.Errorf("failed to insert policy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit policy: %w", err)
	}
	stored := *pol
	stored.Active = true
	stored.Version = int(version)
	return &stored, nil
}

func (s *SQLiteStore) GetActivePolicy(ctx context.Context, principalID string) (*contracts.AuthorityPolicy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+policyColumns+` FROM policies
		WHERE principal_id = ? AND active = 1 ORDER BY version DESC LIMIT 1`, principalID)
	pol, err := scanPolicyLite(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("active policy for %s: %w", principalID, ErrNotFound)
		}
		return nil, err
	}
	return pol, nil
}

func (s *SQLiteStore) ListPolicyVersions(ctx context.Context, principalID string) ([]*contracts.AuthorityPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+policyColumns+` FROM policies
		WHERE principal_id = ? ORDER BY version DESC`, principalID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.AuthorityPolicy
	for rows.Next() {
		pol, err := scanPolicyLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pol)
	}
	return out, rows.Err()
}

// --- mandates ---

func (s *SQLiteStore) GetMandate(ctx context.Context, id string) (*contracts.Mandate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mandateColumns+` FROM mandates WHERE id = ?`, id)
	m, err := scanMandateLite(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("mandate %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return m, nil
}

func (s *SQLiteStore) PutMandateWithEvent(ctx context.Context, m *contracts.Mandate, ev *contracts.LedgerEvent) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.insertMandateTx(ctx, tx, m); err != nil {
		return 0, err
	}
	eventID, err := s.appendEventTx(ctx, tx, ev)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit mandate: %w", err)
	}
	return eventID, nil
}

func (s *SQLiteStore) insertMandateTx(ctx context.Context, tx *sql.Tx, m *contracts.Mandate) error {
	resources, err := json.Marshal(m.ResourceScope)
	if err != nil {
		return fmt.Errorf("failed to marshal resource scope: %w", err)
	}
	actions, err := json.Marshal(m.ActionScope)
	if err != nil {
		return fmt.Errorf("failed to marshal action scope: %w", err)
	}
	metaJSON, err := marshalMeta(m.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO mandates (id, issuer_id, subject_id, valid_from, valid_until,
			resource_scope, action_scope, signature, created_at, parent_mandate_id,
			delegation_depth, revoked, intent_hash, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		m.ID, m.IssuerID, m.SubjectID, fmtTime(m.ValidFrom), fmtTime(m.ValidUntil),
		resources, actions, m.Signature, fmtTime(m.CreatedAt),
		nullString(m.ParentID), m.DelegationDepth, nullString(m.IntentHash), metaJSON,
	)
	if err != nil {
		if isSQLiteUnique(err) {
			return fmt.Errorf("mandate %s: %w", m.ID, ErrConflict)
		}
		return fmt.Errorf("failed to insert mandate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListLiveMandates(ctx context.Context, now time.Time) ([]*contracts.Mandate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mandateColumns+` FROM mandates
		WHERE revoked = 0 AND valid_until >= ?
		ORDER BY created_at, id`, fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list live mandates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Mandate
	for rows.Next() {
		m, err := scanMandateLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RevokeMandate(ctx context.Context, id, reason string, cascade bool, now time.Time) (*RevocationResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var revoked bool
	err = tx.QueryRowContext(ctx,
		`SELECT revoked FROM mandates WHERE id = ?`, id).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mandate %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mandate: %w", err)
	}
	if revoked {
		return nil, fmt.Errorf("mandate %s: %w", id, ErrAlreadyRevoked)
	}

	targets := []string{id}
	if cascade {
		rows, err := tx.QueryContext(ctx, `
			WITH RECURSIVE descendants(id, depth) AS (
				SELECT id, 0 FROM mandates WHERE id = ?
				UNION ALL
				SELECT m.id, d.depth + 1 FROM mandates m
				JOIN descendants d ON m.parent_mandate_id = d.id
				WHERE d.depth < ?
			)
			SELECT id FROM descendants ORDER BY depth, id`, id, maxCascadeDepth)
		if err != nil {
			return nil, fmt.Errorf("failed to walk descendants: %w", err)
		}
		targets = targets[:0]
		for rows.Next() {
			var mid string
			if err := rows.Scan(&mid); err != nil {
				_ = rows.Close()
				return nil, err
			}
			targets = append(targets, mid)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}

	result := &RevocationResult{}
	subjects := make(map[string]struct{})
	for _, mandateID := range targets {
		res, err := tx.ExecContext(ctx, `
			UPDATE mandates SET revoked = 1, revoked_at = ?, revocation_reason = ?
			WHERE id = ? AND revoked = 0`,
			fmtTime(now), reason, mandateID)
		if err != nil {
			return nil, fmt.Errorf("failed to revoke mandate %s: %w", mandateID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue // already revoked descendant
		}

		var subjectID string
		if err := tx.QueryRowContext(ctx,
			`SELECT subject_id FROM mandates WHERE id = ?`, mandateID).Scan(&subjectID); err != nil {
			return nil, err
		}

		result.MandateIDs = append(result.MandateIDs, mandateID)
		if _, seen := subjects[subjectID]; !seen {
			subjects[subjectID] = struct{}{}
			result.SubjectIDs = append(result.SubjectIDs, subjectID)
		}

		ev := contracts.NewRevokedEvent(subjectID, mandateID, reason, now)
		eventID, err := s.appendEventTx(ctx, tx, ev)
		if err != nil {
			return nil, err
		}
		result.EventIDs = append(result.EventIDs, eventID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit revocation: %w", err)
	}
	return result, nil
}

// --- ledger ---

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *contracts.LedgerEvent) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := s.appendEventTx(ctx, tx, ev)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit event: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) appendEventTx(ctx context.Context, tx *sql.Tx, ev *contracts.LedgerEvent) (int64, error) {
	metaJSON, err := marshalMeta(ev.Metadata)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_events (event_uid, schema_version, kind, timestamp,
			principal_id, mandate_id, decision, denial_reason, requested_action,
			requested_resource, correlation_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventUID, ev.SchemaVersion, string(ev.Kind), fmtTime(ev.Timestamp),
		ev.PrincipalID, nullString(ev.MandateID), nullString(ev.Decision),
		nullString(ev.DenialReason), nullString(ev.Action), nullString(ev.Resource),
		nullString(ev.CorrelationID), metaJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	ev.ID = id
	return id, nil
}

func (s *SQLiteStore) QueryLedger(ctx context.Context, f LedgerFilter) ([]*contracts.LedgerEvent, error) {
	var (
		conds []string
		args  []any
	)
	if f.PrincipalID != "" {
		conds = append(conds, "principal_id = ?")
		args = append(args, f.PrincipalID)
	}
	if f.MandateID != "" {
		conds = append(conds, "mandate_id = ?")
		args = append(args, f.MandateID)
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if !f.From.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, fmtTime(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "timestamp < ?")
		args = append(args, fmtTime(f.To))
	}

	query := `SELECT ` + eventColumns + ` FROM ledger_events`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY id LIMIT ` + strconv.Itoa(limit)
	if f.Offset > 0 {
		query += ` OFFSET ` + strconv.Itoa(f.Offset)
	}
	return s.queryEvents(ctx, query, args...)
}

func (s *SQLiteStore) CountLedger(ctx context.Context, f LedgerFilter) (int, error) {
	var (
		conds []string
		args  []any
	)
	if f.PrincipalID != "" {
		conds = append(conds, "principal_id = ?")
		args = append(args, f.PrincipalID)
	}
	if f.MandateID != "" {
		conds = append(conds, "mandate_id = ?")
		args = append(args, f.MandateID)
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if !f.From.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, fmtTime(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "timestamp < ?")
		args = append(args, fmtTime(f.To))
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

func (s *SQLiteStore) GetEventsByIDRange(ctx context.Context, first, last int64) ([]*contracts.LedgerEvent, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM ledger_events WHERE id >= ? AND id <= ? ORDER BY id`,
		first, last)
}

func (s *SQLiteStore) ListUnsealedEvents(ctx context.Context, limit int) ([]*contracts.LedgerEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM ledger_events WHERE merkle_root_id IS NULL ORDER BY id LIMIT ?`,
		limit)
}

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...any) ([]*contracts.LedgerEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.LedgerEvent
	for rows.Next() {
		ev, err := scanEventLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AttachMerkleRoot(ctx context.Context, first, last int64, rootID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger_events SET merkle_root_id = ?
		WHERE id >= ? AND id <= ? AND merkle_root_id IS NULL`,
		rootID, first, last)
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

func (s *SQLiteStore) PutMerkleRoot(ctx context.Context, r *contracts.MerkleRoot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merkle_roots (id, root_hash, first_event_id, last_event_id,
			event_count, created_at, signer_id, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RootHash, r.FirstEventID, r.LastEventID,
		r.EventCount, fmtTime(r.CreatedAt), r.SignerID, r.Signature,
	)
	if err != nil {
		if isSQLiteUnique(err) {
			return fmt.Errorf("merkle root %s: %w", r.ID, ErrConflict)
		}
		return fmt.Errorf("failed to insert merkle root: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMerkleRoot(ctx context.Context, id string) (*contracts.MerkleRoot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+rootColumns+` FROM merkle_roots WHERE id = ?`, id)
	r, err := scanRootLite(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("merkle root %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) LatestMerkleRoot(ctx context.Context) (*contracts.MerkleRoot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+rootColumns+` FROM merkle_roots ORDER BY last_event_id DESC LIMIT 1`)
	r, err := scanRootLite(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("merkle root: %w", ErrNotFound)
		}
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) ListMerkleRoots(ctx context.Context, limit, offset int) ([]*contracts.MerkleRoot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+rootColumns+` FROM merkle_roots ORDER BY first_event_id LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.MerkleRoot
	for rows.Next() {
		r, err := scanRootLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- snapshots ---

func (s *SQLiteStore) PutSnapshot(ctx context.Context, snap *contracts.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, created_at, last_event_id, size_bytes,
			event_count, content_hash, trigger_kind)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, fmtTime(snap.CreatedAt), snap.LastIncludedEventID, snap.SizeBytes,
		snap.EventCount, snap.ContentHash, string(snap.Trigger),
	)
	if err != nil {
		if isSQLiteUnique(err) {
			return fmt.Errorf("snapshot %s: %w", snap.ID, ErrConflict)
		}
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, id string) (*contracts.Snapshot, error) {
	var (
		snap      contracts.Snapshot
		createdAt string
		trigger   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, last_event_id, size_bytes, event_count, content_hash, trigger_kind
		FROM snapshots WHERE id = ?`, id,
	).Scan(&snap.ID, &createdAt, &snap.LastIncludedEventID, &snap.SizeBytes,
		&snap.EventCount, &snap.ContentHash, &trigger)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if snap.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", snap.ID, err)
	}
	snap.Trigger = contracts.SnapshotTrigger(trigger)
	return &snap, nil
}

func (s *SQLiteStore) GetLatestSnapshot(ctx context.Context) (*contracts.Snapshot, error) {
	var (
		snap      contracts.Snapshot
		createdAt string
		trigger   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, last_event_id, size_bytes, event_count, content_hash, trigger_kind
		FROM snapshots ORDER BY last_event_id DESC, created_at DESC LIMIT 1`,
	).Scan(&snap.ID, &createdAt, &snap.LastIncludedEventID, &snap.SizeBytes,
		&snap.EventCount, &snap.ContentHash, &trigger)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if snap.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", snap.ID, err)
	}
	snap.Trigger = contracts.SnapshotTrigger(trigger)
	return &snap, nil
}

func (s *SQLiteStore) PruneSnapshots(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE created_at < ?`, fmtTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) MarkEventProcessed(ctx context.Context, consumerGroup, eventUID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_events (consumer_group, event_uid, processed_at)
		VALUES (?, ?, ?)`,
		consumerGroup, eventUID, fmtTime(time.Now()))
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// --- scan helpers (string timestamps) ---

func scanPrincipalLite(row rowScanner) (*contracts.Principal, error) {
	var (
		p         contracts.Principal
		kind      string
		parentID  sql.NullString
		privKey   sql.NullString
		createdAt string
		metaJSON  sql.NullString
	)
	err := row.Scan(&p.ID, &p.Name, &kind, &parentID, &p.PublicKey, &privKey,
		&createdAt, &p.Deleted, &metaJSON)
	if err != nil {
		return nil, err
	}
	p.Kind = contracts.PrincipalKind(kind)
	p.ParentID = parentID.String
	p.PrivateKey = privKey.String
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("principal %s: %w", p.ID, err)
	}
	p.Metadata = unmarshalMeta([]byte(metaJSON.String))
	return &p, nil
}

func scanPolicyLite(row rowScanner) (*contracts.AuthorityPolicy, error) {
	var (
		pol       contracts.AuthorityPolicy
		resources []byte
		actions   []byte
		condition sql.NullString
		createdAt string
		createdBy sql.NullString
	)
	err := row.Scan(&pol.ID, &pol.PrincipalID, &resources, &actions,
		&pol.MaxValiditySeconds, &pol.AllowDelegation, &pol.MaxDelegationDepth,
		&condition, &pol.Active, &pol.Version, &createdAt, &createdBy)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(resources, &pol.AllowedResources); err != nil {
		return nil, fmt.Errorf("corrupt resource patterns on policy %s: %w", pol.ID, err)
	}
	if err := json.Unmarshal(actions, &pol.AllowedActions); err != nil {
		return nil, fmt.Errorf("corrupt action list on policy %s: %w", pol.ID, err)
	}
	pol.Condition = condition.String
	if pol.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("policy %s: %w", pol.ID, err)
	}
	pol.CreatedBy = createdBy.String
	return &pol, nil
}

func scanMandateLite(row rowScanner) (*contracts.Mandate, error) {
	var (
		m          contracts.Mandate
		validFrom  string
		validUntil string
		resources  []byte
		actions    []byte
		createdAt  string
		parentID   sql.NullString
		revokedAt  sql.NullString
		revReason  sql.NullString
		intentHash sql.NullString
		metaJSON   sql.NullString
	)
	err := row.Scan(&m.ID, &m.IssuerID, &m.SubjectID, &validFrom, &validUntil,
		&resources, &actions, &m.Signature, &createdAt, &parentID,
		&m.DelegationDepth, &m.Revoked, &revokedAt, &revReason, &intentHash, &metaJSON)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(resources, &m.ResourceScope); err != nil {
		return nil, fmt.Errorf("corrupt resource scope on mandate %s: %w", m.ID, err)
	}
	if err := json.Unmarshal(actions, &m.ActionScope); err != nil {
		return nil, fmt.Errorf("corrupt action scope on mandate %s: %w", m.ID, err)
	}
	if m.ValidFrom, err = parseTime(validFrom); err != nil {
		return nil, fmt.Errorf("mandate %s: %w", m.ID, err)
	}
	if m.ValidUntil, err = parseTime(validUntil); err != nil {
		return nil, fmt.Errorf("mandate %s: %w", m.ID, err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("mandate %s: %w", m.ID, err)
	}
	m.ParentID = parentID.String
	if revokedAt.Valid && revokedAt.String != "" {
		t, err := parseTime(revokedAt.String)
		if err != nil {
			return nil, fmt.Errorf("mandate %s: %w", m.ID, err)
		}
		m.RevokedAt = &t
	}
	m.RevocationReason = revReason.String
	m.IntentHash = intentHash.String
	m.Metadata = unmarshalMeta([]byte(metaJSON.String))
	return &m, nil
}

func scanEventLite(row rowScanner) (*contracts.LedgerEvent, error) {
	var (
		ev        contracts.LedgerEvent
		kind      string
		timestamp string
		mandateID sql.NullString
		decision  sql.NullString
		reason    sql.NullString
		action    sql.NullString
		resource  sql.NullString
		corrID    sql.NullString
		rootID    sql.NullString
		metaJSON  sql.NullString
	)
	err := row.Scan(&ev.ID, &ev.EventUID, &ev.SchemaVersion, &kind, &timestamp,
		&ev.PrincipalID, &mandateID, &decision, &reason, &action, &resource,
		&corrID, &rootID, &metaJSON)
	if err != nil {
		return nil, err
	}
	ev.Kind = contracts.EventKind(kind)
	if ev.Timestamp, err = parseTime(timestamp); err != nil {
		return nil, fmt.Errorf("ledger event %d: %w", ev.ID, err)
	}
	ev.MandateID = mandateID.String
	ev.Decision = decision.String
	ev.DenialReason = reason.String
	ev.Action = action.String
	ev.Resource = resource.String
	ev.CorrelationID = corrID.String
	ev.MerkleRootID = rootID.String
	ev.Metadata = unmarshalMeta([]byte(metaJSON.String))
	return &ev, nil
}

func scanRootLite(row rowScanner) (*contracts.MerkleRoot, error) {
	var (
		r         contracts.MerkleRoot
		createdAt string
	)
	err := row.Scan(&r.ID, &r.RootHash, &r.FirstEventID, &r.LastEventID,
		&r.EventCount, &createdAt, &r.SignerID, &r.Signature)
	if err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("merkle root %s: %w", r.ID, err)
	}
	return &r, nil
}

// fmtTime uses fixed-width fractional seconds so stored strings compare
// lexicographically in timestamp order.
func fmtTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt stored timestamp %q: %w", value, err)
	}
	return t, nil
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
