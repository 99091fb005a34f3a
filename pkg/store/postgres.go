package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/lib/pq"

	"github.com/Garudex-Labs/caracal/pkg/contracts"
)

// SchemaVersion is the schema this binary writes. Init refuses to run
// against a database whose stored major version is higher.
const SchemaVersion = "1.0.0"

// maxCascadeDepth bounds the recursive descendant walk during cascading
// revocation. Delegation depth ceilings are far below this in practice.
const maxCascadeDepth = 64

// PostgresStore is the durable production implementation.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgSchema = `
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
	created_at TIMESTAMPTZ NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	metadata JSONB
);

CREATE TABLE IF NOT EXISTS policies (
	id TEXT PRIMARY KEY,
	principal_id TEXT NOT NULL,
	allowed_resources JSONB NOT NULL,
	allowed_actions JSONB NOT NULL,
	max_validity_seconds BIGINT NOT NULL,
	allow_delegation BOOLEAN NOT NULL,
	max_delegation_depth INT NOT NULL,
	condition TEXT,
	active BOOLEAN NOT NULL,
	version BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	created_by TEXT,
	UNIQUE (principal_id, version)
);
CREATE INDEX IF NOT EXISTS idx_policies_principal_active ON policies(principal_id) WHERE active;

CREATE TABLE IF NOT EXISTS mandates (
	id TEXT PRIMARY KEY,
	issuer_id TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	valid_from TIMESTAMPTZ NOT NULL,
	valid_until TIMESTAMPTZ NOT NULL,
	resource_scope JSONB NOT NULL,
	action_scope JSONB NOT NULL,
	signature TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	parent_mandate_id TEXT,
	delegation_depth INT NOT NULL DEFAULT 0,
	revoked BOOLEAN NOT NULL DEFAULT FALSE,
	revoked_at TIMESTAMPTZ,
	revocation_reason TEXT,
	intent_hash TEXT,
	metadata JSONB
);
CREATE INDEX IF NOT EXISTS idx_mandates_parent ON mandates(parent_mandate_id);
CREATE INDEX IF NOT EXISTS idx_mandates_subject ON mandates(subject_id);

CREATE SEQUENCE IF NOT EXISTS ledger_events_id_seq;
CREATE TABLE IF NOT EXISTS ledger_events (
	id BIGINT NOT NULL DEFAULT nextval('ledger_events_id_seq'),
	event_uid TEXT NOT NULL,
	schema_version INT NOT NULL,
	kind TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	principal_id TEXT NOT NULL,
	mandate_id TEXT,
	decision TEXT,
	denial_reason TEXT,
	requested_action TEXT,
	requested_resource TEXT,
	correlation_id TEXT,
	merkle_root_id TEXT,
	metadata JSONB,
	PRIMARY KEY (id, timestamp)
) PARTITION BY RANGE (timestamp);
CREATE INDEX IF NOT EXISTS idx_ledger_principal_time ON ledger_events(principal_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_ledger_mandate_time ON ledger_events(mandate_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_ledger_kind_time ON ledger_events(kind, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_ledger_unsealed ON ledger_events(id) WHERE merkle_root_id IS NULL;

CREATE TABLE IF NOT EXISTS merkle_roots (
	id TEXT PRIMARY KEY,
	root_hash TEXT NOT NULL,
	first_event_id BIGINT NOT NULL,
	last_event_id BIGINT NOT NULL,
	event_count INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	signer_id TEXT NOT NULL,
	signature TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_merkle_roots_range ON merkle_roots(first_event_id);

CREATE TABLE IF NOT EXISTS snapshots (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	last_event_id BIGINT NOT NULL,
	size_bytes BIGINT NOT NULL,
	event_count BIGINT NOT NULL,
	content_hash TEXT NOT NULL,
	trigger_kind TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_events (
	consumer_group TEXT NOT NULL,
	event_uid TEXT NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (consumer_group, event_uid)
);
`

// Init creates the schema, verifies version compatibility, and pre-creates
// the current ledger partitions.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if err := s.checkSchemaVersion(ctx); err != nil {
		return err
	}
	return s.EnsureLedgerPartitions(ctx, time.Now().UTC())
}

func (s *PostgresStore) checkSchemaVersion(ctx context.Context) error {
	supported := semver.MustParse(SchemaVersion)

	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM schema_meta WHERE key = 'schema_version'`).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO schema_meta (key, value) VALUES ('schema_version', $1)
			 ON CONFLICT (key) DO NOTHING`, SchemaVersion)
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

// EnsureLedgerPartitions creates monthly range partitions for the current
// month and the next three, so inserts never race partition creation.
func (s *PostgresStore) EnsureLedgerPartitions(ctx context.Context, now time.Time) error {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		from := start.AddDate(0, i, 0)
		to := start.AddDate(0, i+1, 0)
		name := fmt.Sprintf("ledger_events_p%04d_%02d", from.Year(), int(from.Month()))
		stmt := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF ledger_events FOR VALUES FROM ('%s') TO ('%s')`,
			name, from.Format("2006-01-02"), to.Format("2006-01-02"),
		)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create partition %s: %w", name, err)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- principals ---

func (s *PostgresStore) PutPrincipal(ctx context.Context, p *contracts.Principal) error {
	metaJSON, err := marshalMeta(p.Metadata)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO principals (id, name, kind, parent_id, public_key, private_key, created_at, deleted, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = s.db.ExecContext(ctx, query,
		p.ID, p.Name, string(p.Kind), nullString(p.ParentID),
		p.PublicKey, nullString(p.PrivateKey), p.CreatedAt.UTC(), p.Deleted, metaJSON,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("principal %s: %w", p.ID, ErrConflict)
		}
		return fmt.Errorf("failed to insert principal: %w", err)
	}
	return nil
}

const principalColumns = `id, name, kind, parent_id, public_key, private_key, created_at, deleted, metadata`

func (s *PostgresStore) GetPrincipal(ctx context.Context, id string) (*contracts.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE id = $1`
	return s.queryPrincipal(ctx, query, id)
}

func (s *PostgresStore) GetPrincipalByName(ctx context.Context, name string) (*contracts.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE name = $1`
	return s.queryPrincipal(ctx, query, name)
}

func (s *PostgresStore) queryPrincipal(ctx context.Context, query string, arg any) (*contracts.Principal, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	p, err := scanPrincipal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("principal: %w", ErrNotFound)
		}
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) ListPrincipals(ctx context.Context, page, size int) ([]*contracts.Principal, error) {
	if size <= 0 {
		size = 50
	}
	if page < 0 {
		page = 0
	}
	query := `SELECT ` + principalColumns + ` FROM principals
		WHERE NOT deleted ORDER BY created_at, id LIMIT $1 OFFSET $2`
	rows, err := s.db.QueryContext(ctx, query, size, page*size)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdatePrincipalMetadata(ctx context.Context, id string, metadata map[string]string) error {
	metaJSON, err := marshalMeta(metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE principals SET metadata = $2 WHERE id = $1 AND NOT deleted`, id, metaJSON)
	if err != nil {
		return fmt.Errorf("failed to update principal metadata: %w", err)
	}
	return requireRow(res, "principal")
}

func (s *PostgresStore) DeletePrincipal(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE principals SET deleted = TRUE WHERE id = $1 AND NOT deleted`, id)
	if err != nil {
		return fmt.Errorf("failed to delete principal: %w", err)
	}
	return requireRow(res, "principal")
}

// --- policies ---

const policyColumns = `id, principal_id, allowed_resources, allowed_actions, max_validity_seconds,
	allow_delegation, max_delegation_depth, condition, active, version, created_at, created_by`

// PutPolicy inserts pol as the next version for its principal and
// deactivates the previous active policy in the same transaction.
func (s *PostgresStore) PutPolicy(ctx context.Context, pol *contracts.AuthorityPolicy) (*contracts.AuthorityPolicy, error) {
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
		`UPDATE policies SET active = FALSE WHERE principal_id = $1 AND active`,
		pol.PrincipalID); err != nil {
		return nil, fmt.Errorf("failed to deactivate previous policy: %w", err)
	}

	stored := *pol
	err = tx.QueryRowContext(ctx, `
		INSERT INTO policies (id, principal_id, allowed_resources, allowed_actions,
			max_validity_seconds, allow_delegation, max_delegation_depth, condition,
			active, version, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE,
			COALESCE((SELECT MAX(version) FROM policies WHERE principal_id = $2), 0) + 1,
			$9, $10)
		RETURNING version`,
		pol.ID, pol.PrincipalID, resources, actions,
		pol.MaxValiditySeconds, pol.AllowDelegation, pol.MaxDelegationDepth,
		nullString(pol.Condition), pol.CreatedAt.UTC(), nullString(pol.CreatedBy),
	).Scan(&stored.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("policy %s: %w", pol.ID, ErrConflict)
		}
		return nil, fmt.Errorf("failed to insert policy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit policy: %w", err)
	}
	stored.Active = true
	return &stored, nil
}

func (s *PostgresStore) GetActivePolicy(ctx context.Context, principalID string) (*contracts.AuthorityPolicy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies
		WHERE principal_id = $1 AND active ORDER BY version DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, principalID)
	pol, err := scanPolicy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("active policy for %s: %w", principalID, ErrNotFound)
		}
		return nil, err
	}
	return pol, nil
}

func (s *PostgresStore) ListPolicyVersions(ctx context.Context, principalID string) ([]*contracts.AuthorityPolicy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies
		WHERE principal_id = $1 ORDER BY version DESC`
	rows, err := s.db.QueryContext(ctx, query, principalID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.AuthorityPolicy
	for rows.Next() {
		pol, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pol)
	}
	return out, rows.Err()
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row rowScanner) (*contracts.Principal, error) {
	var (
		p        contracts.Principal
		kind     string
		parentID sql.NullString
		privKey  sql.NullString
		metaJSON []byte
	)
	err := row.Scan(&p.ID, &p.Name, &kind, &parentID, &p.PublicKey, &privKey,
		&p.CreatedAt, &p.Deleted, &metaJSON)
	if err != nil {
		return nil, err
	}
	p.Kind = contracts.PrincipalKind(kind)
	p.ParentID = parentID.String
	p.PrivateKey = privKey.String
	p.Metadata = unmarshalMeta(metaJSON)
	return &p, nil
}

func scanPolicy(row rowScanner) (*contracts.AuthorityPolicy, error) {
	var (
		pol       contracts.AuthorityPolicy
		resources []byte
		actions   []byte
		condition sql.NullString
		createdBy sql.NullString
	)
	err := row.Scan(&pol.ID, &pol.PrincipalID, &resources, &actions,
		&pol.MaxValiditySeconds, &pol.AllowDelegation, &pol.MaxDelegationDepth,
		&condition, &pol.Active, &pol.Version, &pol.CreatedAt, &createdBy)
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
	pol.CreatedBy = createdBy.String
	return &pol, nil
}

func marshalMeta(meta map[string]string) ([]byte, error) {
	if meta == nil {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return b, nil
}

func unmarshalMeta(raw []byte) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var meta map[string]string
	_ = json.Unmarshal(raw, &meta)
	return meta
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
