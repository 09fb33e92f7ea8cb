package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"execution_core/internal/core"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	seq           INTEGER PRIMARY KEY,
	ts            INTEGER NOT NULL,
	kind          TEXT    NOT NULL,
	payload       TEXT    NOT NULL,
	prev_checksum TEXT    NOT NULL,
	checksum      TEXT    NOT NULL
);
CREATE TRIGGER IF NOT EXISTS audit_log_no_update BEFORE UPDATE ON audit_log
BEGIN SELECT RAISE(ABORT, 'audit log is append-only'); END;
CREATE TRIGGER IF NOT EXISTS audit_log_no_delete BEFORE DELETE ON audit_log
BEGIN SELECT RAISE(ABORT, 'audit log is append-only'); END;
`

// SQLiteSink persists records in a WAL-mode SQLite database.
// Triggers reject UPDATE and DELETE, and the primary key rejects a reused sequence.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the database at path and ensures the schema
func NewSQLiteSink(ctx context.Context, path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	// One writer; the Logger already serializes appends.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	sink := NewSQLiteSinkFromDB(db)
	if err := sink.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return sink, nil
}

// NewSQLiteSinkFromDB wraps an already opened handle without touching the schema
func NewSQLiteSinkFromDB(db *sql.DB) *SQLiteSink {
	return &SQLiteSink{db: db}
}

// Migrate creates the table and append-only triggers if missing
func (s *SQLiteSink) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create audit schema: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Append(ctx context.Context, rec core.AuditRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_log (seq, ts, kind, payload, prev_checksum, checksum) VALUES (?, ?, ?, ?, ?, ?)`,
		int64(rec.Sequence), rec.Timestamp.UnixNano(), string(rec.Kind), string(rec.Payload), rec.PrevChecksum, rec.Checksum)
	if err != nil {
		return fmt.Errorf("failed to insert audit record %d: %w", rec.Sequence, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit record %d: %w", rec.Sequence, err)
	}
	return nil
}

func (s *SQLiteSink) Last(ctx context.Context) (uint64, string, error) {
	var (
		seq      int64
		checksum string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, checksum FROM audit_log ORDER BY seq DESC LIMIT 1`).Scan(&seq, &checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to read audit high-water mark: %w", err)
	}
	return uint64(seq), checksum, nil
}

func (s *SQLiteSink) Read(ctx context.Context, fromSeq uint64, limit int) ([]core.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, ts, kind, payload, prev_checksum, checksum FROM audit_log WHERE seq >= ? ORDER BY seq ASC LIMIT ?`,
		int64(fromSeq), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	records := make([]core.AuditRecord, 0, limit)
	for rows.Next() {
		var (
			seq     int64
			ts      int64
			kind    string
			payload string
			rec     core.AuditRecord
		)
		if err := rows.Scan(&seq, &ts, &kind, &payload, &rec.PrevChecksum, &rec.Checksum); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.Sequence = uint64(seq)
		rec.Timestamp = time.Unix(0, ts).UTC()
		rec.Kind = core.AuditKind(kind)
		rec.Payload = []byte(payload)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteSink) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
