package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
	"github.com/Mindburn-Labs/helm-audit/pkg/report"
)

const headQuery = `SELECT COALESCE(MAX(version), 0) FROM audit_reports WHERE lineage_id = $1`

func TestSQLStore_AppendReport_StaleHead(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(headQuery)).
		WithArgs("scope-a").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(3))
	mock.ExpectRollback()

	err = NewSQLStore(db).AppendReport(context.Background(), newReport("scope-a", 3))
	assert.ErrorIs(t, err, report.ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_AppendReport_ConcurrentInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(headQuery)).
		WithArgs("scope-a").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_reports")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})
	mock.ExpectRollback()

	err = NewSQLStore(db).AppendReport(context.Background(), newReport("scope-a", 2))
	assert.ErrorIs(t, err, report.ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_AppendReport_Commit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	r := newReport("scope-a", 1)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(headQuery)).
		WithArgs("scope-a").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_reports")).
		WithArgs(r.ID, r.LineageID, r.Version, r.ContentHash, r.GeneratedAt, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, NewSQLStore(db).AppendReport(context.Background(), r))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetRecord_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT body FROM declaration_records WHERE id = $1`)).
		WithArgs("decl-x").
		WillReturnRows(sqlmock.NewRows([]string{"body"}))

	_, err = NewSQLStore(db).GetRecord(context.Background(), "decl-x")
	assert.ErrorIs(t, err, declaration.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_QueryErrorPropagates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	boom := errors.New("connection reset")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT entry FROM catalog_journal ORDER BY revision`)).
		WillReturnError(boom)

	_, err = NewSQLStore(db).LoadJournal(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("disk full")))
}
