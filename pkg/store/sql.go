package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Mindburn-Labs/helm-audit/pkg/declaration"
	"github.com/Mindburn-Labs/helm-audit/pkg/regulation"
	"github.com/Mindburn-Labs/helm-audit/pkg/report"
)

// SQLStore implements Store using database/sql.
// It supports both Postgres and SQLite; queries use $n placeholders, which
// both drivers accept.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Open connects to driver ("sqlite" or "postgres") and creates the schema.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if driver == "sqlite" && strings.Contains(dsn, ":memory:") {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", driver, err)
	}
	s := NewSQLStore(db)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS catalog_journal (
		revision BIGINT PRIMARY KEY,
		parameter_id TEXT NOT NULL,
		entry TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS declaration_records (
		id TEXT PRIMARY KEY,
		lineage_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		subject_id TEXT NOT NULL,
		period TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		body TEXT NOT NULL,
		UNIQUE (lineage_id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS declaration_records_subject ON declaration_records (subject_id, period)`,
	`CREATE TABLE IF NOT EXISTS audit_reports (
		id TEXT PRIMARY KEY,
		lineage_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		content_hash TEXT NOT NULL,
		generated_at TIMESTAMP NOT NULL,
		body TEXT NOT NULL,
		UNIQUE (lineage_id, version)
	)`,
}

// Init creates the schema.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) SaveRecord(ctx context.Context, rec *declaration.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM declaration_records WHERE id = $1`, rec.ID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return nil
	}

	var head int
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM declaration_records WHERE lineage_id = $1`, rec.LineageID).Scan(&head)
	if err != nil {
		return err
	}
	if head != rec.Version-1 {
		return fmt.Errorf("%w: %s v%d, head is v%d", ErrRecordConflict, rec.LineageID, rec.Version, head)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO declaration_records (id, lineage_id, version, subject_id, period, content_hash, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.LineageID, rec.Version, rec.SubjectID, rec.Period.String(), rec.ContentHash, string(body),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s v%d", ErrRecordConflict, rec.LineageID, rec.Version)
		}
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) GetRecord(ctx context.Context, id string) (*declaration.Record, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM declaration_records WHERE id = $1`, id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", declaration.ErrNotFound, id)
		}
		return nil, err
	}
	return decodeRecord([]byte(body))
}

func (s *SQLStore) ListRecords(ctx context.Context, subjectID string, from, to declaration.Period) ([]*declaration.Record, error) {
	query := `
		SELECT r.body FROM declaration_records r
		WHERE r.subject_id = $1 AND r.period >= $2 AND r.period <= $3
		AND r.version = (SELECT MAX(h.version) FROM declaration_records h WHERE h.lineage_id = r.lineage_id)
		ORDER BY r.period, r.lineage_id`
	rows, err := s.db.QueryContext(ctx, query, subjectID, from.String(), to.String())
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (s *SQLStore) RecordHistory(ctx context.Context, lineageID string) ([]*declaration.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM declaration_records WHERE lineage_id = $1 ORDER BY version`, lineageID)
	if err != nil {
		return nil, err
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: lineage %s", declaration.ErrNotFound, lineageID)
	}
	return recs, nil
}

func scanRecords(rows *sql.Rows) ([]*declaration.Record, error) {
	defer func() { _ = rows.Close() }()
	result := make([]*declaration.Record, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		rec, err := decodeRecord([]byte(body))
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// AppendReport inserts r if its version directly follows the lineage head.
// The check and the insert share a transaction and the (lineage_id,
// version) constraint catches concurrent writers the check cannot see.
func (s *SQLStore) AppendReport(ctx context.Context, r *report.Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: encode report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var head int
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM audit_reports WHERE lineage_id = $1`, r.LineageID).Scan(&head)
	if err != nil {
		return err
	}
	if r.Version != head+1 {
		return fmt.Errorf("%w: %s head is v%d, got v%d", report.ErrVersionConflict, r.LineageID, head, r.Version)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_reports (id, lineage_id, version, content_hash, generated_at, body)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.LineageID, r.Version, r.ContentHash, r.GeneratedAt, string(body),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s v%d", report.ErrVersionConflict, r.LineageID, r.Version)
		}
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) HeadReport(ctx context.Context, lineageID string) (*report.Report, error) {
	query := `SELECT body FROM audit_reports WHERE lineage_id = $1 ORDER BY version DESC LIMIT 1`
	return s.queryReport(ctx, query, lineageID)
}

func (s *SQLStore) GetReport(ctx context.Context, id string) (*report.Report, error) {
	return s.queryReport(ctx, `SELECT body FROM audit_reports WHERE id = $1`, id)
}

func (s *SQLStore) queryReport(ctx context.Context, query, arg string) (*report.Report, error) {
	var body string
	if err := s.db.QueryRowContext(ctx, query, arg).Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", report.ErrNotFound, arg)
		}
		return nil, err
	}
	return decodeReport([]byte(body))
}

func (s *SQLStore) ReportHistory(ctx context.Context, lineageID string) ([]*report.Report, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM audit_reports WHERE lineage_id = $1 ORDER BY version`, lineageID)
	if err != nil {
		return nil, err
	}
	result, err := scanReports(rows)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: lineage %s", report.ErrNotFound, lineageID)
	}
	return result, nil
}

func (s *SQLStore) ReportHeads(ctx context.Context) ([]*report.Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.body FROM audit_reports r
		WHERE r.version = (SELECT MAX(h.version) FROM audit_reports h WHERE h.lineage_id = r.lineage_id)
		ORDER BY r.lineage_id`)
	if err != nil {
		return nil, err
	}
	return scanReports(rows)
}

func scanReports(rows *sql.Rows) ([]*report.Report, error) {
	defer func() { _ = rows.Close() }()

	result := make([]*report.Report, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		r, err := decodeReport([]byte(body))
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *SQLStore) AppendJournal(ctx context.Context, e regulation.JournalEntry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store: encode journal entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO catalog_journal (revision, parameter_id, entry) VALUES ($1, $2, $3)`,
		int64(e.Revision), e.ParameterID, string(body),
	)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("store: journal revision %d already written: %w", e.Revision, err)
	}
	return err
}

func (s *SQLStore) LoadJournal(ctx context.Context) ([]regulation.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entry FROM catalog_journal ORDER BY revision`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]regulation.JournalEntry, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e regulation.JournalEntry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("store: decode journal entry: %w", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
