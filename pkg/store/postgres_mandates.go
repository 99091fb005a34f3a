package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/Garudex-Labs/caracal/pkg/contracts"
)

const mandateColumns = `id, issuer_id, subject_id, valid_from, valid_until, resource_scope,
	action_scope, signature, created_at, parent_mandate_id, delegation_depth,
	revoked, revoked_at, revocation_reason, intent_hash, metadata`

func (s *PostgresStore) GetMandate(ctx context.Context, id string) (*contracts.Mandate, error) {
	query := `SELECT ` + mandateColumns + ` FROM mandates WHERE id = $1`
	row := s.db.QueryRowContext(ctx, query, id)
	m, err := scanMandate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("mandate %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return m, nil
}

// PutMandateWithEvent inserts the mandate and its issued ledger event in
// one transaction, so a mandate never exists without its issuance record.
func (s *PostgresStore) PutMandateWithEvent(ctx context.Context, m *contracts.Mandate, ev *contracts.LedgerEvent) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertMandateTx(ctx, tx, m); err != nil {
		return 0, err
	}
	eventID, err := appendEventTx(ctx, tx, ev)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit mandate: %w", err)
	}
	return eventID, nil
}

func insertMandateTx(ctx context.Context, tx *sql.Tx, m *contracts.Mandate) error {
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

	query := `
		INSERT INTO mandates (id, issuer_id, subject_id, valid_from, valid_until,
			resource_scope, action_scope, signature, created_at, parent_mandate_id,
			delegation_depth, revoked, intent_hash, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, FALSE, $12, $13)
	`
	_, err = tx.ExecContext(ctx, query,
		m.ID, m.IssuerID, m.SubjectID, m.ValidFrom.UTC(), m.ValidUntil.UTC(),
		resources, actions, m.Signature, m.CreatedAt.UTC(),
		nullString(m.ParentID), m.DelegationDepth, nullString(m.IntentHash), metaJSON,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("mandate %s: %w", m.ID, ErrConflict)
		}
		return fmt.Errorf("failed to insert mandate: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLiveMandates(ctx context.Context, now time.Time) ([]*contracts.Mandate, error) {
	query := `SELECT ` + mandateColumns + ` FROM mandates
		WHERE NOT revoked AND valid_until >= $1
		ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list live mandates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Mandate
	for rows.Next() {
		m, err := scanMandate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RevokeMandate flips the revocation triplet on the target, and on every
// transitive descendant when cascade is set, appending one revoked event
// per affected mandate. The whole operation is a single transaction with
// the target row locked first.
func (s *PostgresStore) RevokeMandate(ctx context.Context, id, reason string, cascade bool, now time.Time) (*RevocationResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var revoked bool
	err = tx.QueryRowContext(ctx,
		`SELECT revoked FROM mandates WHERE id = $1 FOR UPDATE`, id).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mandate %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock mandate: %w", err)
	}
	if revoked {
		return nil, fmt.Errorf("mandate %s: %w", id, ErrAlreadyRevoked)
	}

	targets := []string{id}
	if cascade {
		targets, err = descendantIDsTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
	}

	rows, err := tx.QueryContext(ctx, `
		UPDATE mandates
		SET revoked = TRUE, revoked_at = $2, revocation_reason = $3
		WHERE id = ANY($1) AND NOT revoked
		RETURNING id, subject_id`,
		pq.Array(targets), now.UTC(), reason,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke mandates: %w", err)
	}

	result := &RevocationResult{}
	subjects := make(map[string]struct{})
	affected := make(map[string]string)
	for rows.Next() {
		var mandateID, subjectID string
		if err := rows.Scan(&mandateID, &subjectID); err != nil {
			_ = rows.Close()
			return nil, err
		}
		affected[mandateID] = subjectID
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	// Preserve walk order: target first, then descendants by depth.
	for _, mandateID := range targets {
		subjectID, ok := affected[mandateID]
		if !ok {
			continue
		}
		result.MandateIDs = append(result.MandateIDs, mandateID)
		if _, seen := subjects[subjectID]; !seen {
			subjects[subjectID] = struct{}{}
			result.SubjectIDs = append(result.SubjectIDs, subjectID)
		}

		ev := contracts.NewRevokedEvent(subjectID, mandateID, reason, now)
		eventID, err := appendEventTx(ctx, tx, ev)
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

// descendantIDsTx walks parent_mandate_id downward from root via a
// recursive CTE, bounded by maxCascadeDepth.
func descendantIDsTx(ctx context.Context, tx *sql.Tx, root string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		WITH RECURSIVE descendants AS (
			SELECT id, 0 AS depth FROM mandates WHERE id = $1
			UNION ALL
			SELECT m.id, d.depth + 1 FROM mandates m
			JOIN descendants d ON m.parent_mandate_id = d.id
			WHERE d.depth < $2
		)
		SELECT id FROM descendants ORDER BY depth, id`,
		root, maxCascadeDepth,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to walk descendants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanMandate(row rowScanner) (*contracts.Mandate, error) {
	var (
		m          contracts.Mandate
		resources  []byte
		actions    []byte
		parentID   sql.NullString
		revokedAt  sql.NullTime
		revReason  sql.NullString
		intentHash sql.NullString
		metaJSON   []byte
	)
	err := row.Scan(&m.ID, &m.IssuerID, &m.SubjectID, &m.ValidFrom, &m.ValidUntil,
		&resources, &actions, &m.Signature, &m.CreatedAt, &parentID,
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
	m.ParentID = parentID.String
	if revokedAt.Valid {
		t := revokedAt.Time
		m.RevokedAt = &t
	}
	m.RevocationReason = revReason.String
	m.IntentHash = intentHash.String
	m.Metadata = unmarshalMeta(metaJSON)
	return &m, nil
}
