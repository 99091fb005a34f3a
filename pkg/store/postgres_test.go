package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Garudex-Labs/caracal/pkg/contracts"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_PutPrincipal_Conflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO principals")).
		WillReturnError(&pq.Error{Code: "23505"})

	err := s.PutPrincipal(context.Background(), &contracts.Principal{
		ID: "prn-1", Name: "orchestrator", Kind: contracts.PrincipalAgent,
		PublicKey: "aabb", CreatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetMandate_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs("mnd-missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetMandate(context.Background(), "mnd-missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnsureLedgerPartitions(t *testing.T) {
	s, mock := newMockStore(t)

	// November: current month plus three ahead, crossing the year boundary.
	now := time.Date(2025, 11, 14, 9, 30, 0, 0, time.UTC)
	for _, name := range []string{
		"ledger_events_p2025_11",
		"ledger_events_p2025_12",
		"ledger_events_p2026_01",
		"ledger_events_p2026_02",
	} {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + name + " PARTITION OF ledger_events").
			WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, s.EnsureLedgerPartitions(context.Background(), now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SchemaVersionGate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM schema_meta")).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("2.0.0"))

	err := s.checkSchemaVersion(context.Background())
	assert.ErrorIs(t, err, ErrSchemaIncompatible)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutMandateWithEvent_SingleTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO mandates")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO ledger_events")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectCommit()

	m := testMandate("mnd-1", "prn-issuer", "prn-a", "", 0, base)
	ev := contracts.NewIssuedEvent("prn-a", "mnd-1", base)
	id, err := s.PutMandateWithEvent(context.Background(), m, ev)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, int64(7), ev.ID, "assigned id is written back onto the event")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RevokeMandate_AlreadyRevoked(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT revoked FROM mandates WHERE id = $1 FOR UPDATE")).
		WithArgs("mnd-1").
		WillReturnRows(sqlmock.NewRows([]string{"revoked"}).AddRow(true))
	mock.ExpectRollback()

	_, err := s.RevokeMandate(context.Background(), "mnd-1", "reason", false, time.Now())
	assert.ErrorIs(t, err, ErrAlreadyRevoked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AttachMerkleRoot_CountMismatch(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE ledger_events SET merkle_root_id")).
		WithArgs(int64(1), int64(10), "root-1").
		WillReturnResult(sqlmock.NewResult(0, 4))

	err := s.AttachMerkleRoot(context.Background(), 1, 10, "root-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sealed 4 of 10")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkEventProcessed(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO processed_events")).
		WithArgs("materializer", "uid-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO processed_events")).
		WithArgs("materializer", "uid-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := s.MarkEventProcessed(context.Background(), "materializer", "uid-1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.MarkEventProcessed(context.Background(), "materializer", "uid-1")
	require.NoError(t, err)
	assert.False(t, again)
	assert.NoError(t, mock.ExpectationsWereMet())
}
