package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTempDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	require.NoError(t, err, "open sqlite")
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db, ctx
}

func TestApplyAndRollbackMigrations(t *testing.T) {
	db, ctx := openTempDB(t)
	require.NoError(t, ApplyMigrations(ctx, db), "apply migrations")
	require.NoError(t, ApplyMigrations(ctx, db), "reapply migrations")

	var applied int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, len(migrations), applied)

	mustExist := []string{"sessions", "command_errors"}
	for _, table := range mustExist {
		var name string
		err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}

	require.NoError(t, RollbackAll(ctx, db), "rollback migrations")
	for _, table := range append(mustExist, "schema_migrations") {
		var count int
		require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&count))
		assert.Zero(t, count, "table %s still exists after rollback", table)
	}
}

func TestCoreConstraints(t *testing.T) {
	db, ctx := openTempDB(t)
	require.NoError(t, ApplyMigrations(ctx, db))
	now := "2026-03-01T00:00:00.000000000Z"
	_, err := db.ExecContext(ctx, `INSERT INTO sessions(session_id, client_identity, experiment, created_at) VALUES('s1','10.0.0.1','ohm',?)`, now)
	require.NoError(t, err, "insert session")

	_, err = db.ExecContext(ctx, `UPDATE sessions SET ended_at = ?, end_reason = 'crashed' WHERE session_id = 's1'`, now)
	assert.Error(t, err, "end_reason check")
	_, err = db.ExecContext(ctx, `INSERT INTO command_errors(id, session_id, port, command, error_code, message, occurred_at) VALUES('e1','missing',9001,':X',-113,'x',?)`, now)
	assert.Error(t, err, "foreign key")
	_, err = db.ExecContext(ctx, `INSERT INTO command_errors(id, session_id, port, command, error_code, message, occurred_at) VALUES('e2','s1',0,':X',-113,'x',?)`, now)
	assert.Error(t, err, "port check")
}
