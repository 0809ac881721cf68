package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/g960059/vlab/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) InsertSession(ctx context.Context, rec model.SessionRecord) error {
	if rec.SessionID == "" {
		return fmt.Errorf("insert session: empty session id")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, client_identity, experiment, created_at)
VALUES (?, ?, ?, ?)
`, rec.SessionID, rec.ClientIdentity, rec.Experiment, ts(rec.CreatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// EndSession closes an open session. Ending an already ended session keeps
// the first end time and reason.
func (s *Store) EndSession(ctx context.Context, sessionID string, reason model.EndReason, at time.Time) error {
	if !reason.Valid() {
		return fmt.Errorf("end session: invalid reason %q", reason)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET ended_at = ?, end_reason = ?
WHERE session_id = ? AND ended_at IS NULL
`, ts(at), string(reason), sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end session rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return err
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (model.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, client_identity, experiment, created_at, ended_at, end_reason
FROM sessions
WHERE session_id = ?
`, sessionID)
	rec, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SessionRecord{}, ErrNotFound
		}
		return model.SessionRecord{}, err
	}
	return rec, nil
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(ctx context.Context, filter model.SessionFilter) ([]model.SessionRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.ClientIdentity != "" {
		where = append(where, "client_identity = ?")
		args = append(args, filter.ClientIdentity)
	}
	if filter.OpenOnly {
		where = append(where, "ended_at IS NULL")
	}
	query := `SELECT session_id, client_identity, experiment, created_at, ended_at, end_reason FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, session_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]model.SessionRecord, 0)
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter sessions: %w", err)
	}
	return out, nil
}

func (s *Store) InsertCommandError(ctx context.Context, rec model.CommandError) (model.CommandError, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO command_errors(id, session_id, port, command, error_code, message, occurred_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, rec.ID, rec.SessionID, rec.Port, rec.Command, rec.ErrorCode, rec.Message, ts(rec.OccurredAt))
	if err != nil {
		if isForeignKeyErr(err) {
			return model.CommandError{}, ErrNotFound
		}
		if isUniqueErr(err) {
			return model.CommandError{}, ErrDuplicate
		}
		return model.CommandError{}, fmt.Errorf("insert command error: %w", err)
	}
	return rec, nil
}

// ListCommandErrors returns the errors of one session oldest first.
func (s *Store) ListCommandErrors(ctx context.Context, sessionID string, limit int) ([]model.CommandError, error) {
	query := `
SELECT id, session_id, port, command, error_code, message, occurred_at
FROM command_errors
WHERE session_id = ?
ORDER BY occurred_at ASC, rowid ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list command errors: %w", err)
	}
	defer rows.Close()

	out := make([]model.CommandError, 0)
	for rows.Next() {
		var (
			rec        model.CommandError
			occurredAt string
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Port, &rec.Command, &rec.ErrorCode, &rec.Message, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan command error: %w", err)
		}
		rec.OccurredAt, err = parseTS(occurredAt)
		if err != nil {
			return nil, fmt.Errorf("parse command error occurred_at: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter command errors: %w", err)
	}
	return out, nil
}

// PruneBefore deletes sessions that ended before cutoff together with their
// command errors. Open sessions are never pruned.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin retention tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM command_errors
WHERE session_id IN (SELECT session_id FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?)
`, ts(cutoff)); err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, fmt.Errorf("delete old command errors: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`, ts(cutoff))
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, fmt.Errorf("delete old sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return 0, fmt.Errorf("retention rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit retention tx: %w", err)
	}
	return n, nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	switch table {
	case "sessions", "command_errors":
	default:
		return 0, fmt.Errorf("count rows: unknown table %q", table)
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table))
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows %s: %w", table, err)
	}
	return count, nil
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (model.SessionRecord, error) {
	var (
		rec       model.SessionRecord
		createdAt string
		endedAt   sql.NullString
		endReason sql.NullString
	)
	if err := scanner.Scan(&rec.SessionID, &rec.ClientIdentity, &rec.Experiment, &createdAt, &endedAt, &endReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SessionRecord{}, err
		}
		return model.SessionRecord{}, fmt.Errorf("scan session: %w", err)
	}
	var err error
	rec.CreatedAt, err = parseTS(createdAt)
	if err != nil {
		return model.SessionRecord{}, fmt.Errorf("parse session created_at: %w", err)
	}
	if endedAt.Valid {
		v, err := parseTS(endedAt.String)
		if err != nil {
			return model.SessionRecord{}, fmt.Errorf("parse session ended_at: %w", err)
		}
		rec.EndedAt = &v
	}
	rec.EndReason = model.EndReason(endReason.String)
	return rec, nil
}

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(),
		"UNIQUE constraint failed",
		"constraint failed: UNIQUE",
	)
}

func isForeignKeyErr(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(),
		"FOREIGN KEY constraint failed",
		"constraint failed: FOREIGN KEY",
	)
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}
