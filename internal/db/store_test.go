package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/vlab/internal/model"
)

func openStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err, "open store")
	t.Cleanup(func() {
		_ = store.Close()
	})
	require.NoError(t, ApplyMigrations(ctx, store.DB()), "apply migrations")
	return store, ctx
}

func sessionForTest(id, identity string, createdAt time.Time) model.SessionRecord {
	return model.SessionRecord{
		SessionID:      id,
		ClientIdentity: identity,
		Experiment:     "ohm",
		CreatedAt:      createdAt,
	}
}

func TestSessionLifecycle(t *testing.T) {
	store, ctx := openStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.InsertSession(ctx, sessionForTest("s1", "10.0.0.1", base)))
	assert.ErrorIs(t, store.InsertSession(ctx, sessionForTest("s1", "10.0.0.1", base)), ErrDuplicate)

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.Open())
	assert.True(t, got.CreatedAt.Equal(base), "created at %v", got.CreatedAt)
	assert.Equal(t, "ohm", got.Experiment)

	end := base.Add(time.Minute)
	require.NoError(t, store.EndSession(ctx, "s1", model.EndIdle, end))
	require.NoError(t, store.EndSession(ctx, "s1", model.EndShutdown, end.Add(time.Hour)), "second end")
	got, err = store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, got.Open())
	assert.True(t, got.EndedAt.Equal(end), "first end must win, got %v", got.EndedAt)
	assert.Equal(t, model.EndIdle, got.EndReason)

	assert.ErrorIs(t, store.EndSession(ctx, "missing", model.EndIdle, end), ErrNotFound)
	assert.Error(t, store.EndSession(ctx, "s1", model.EndReason("crashed"), end), "invalid reason")
	_, err = store.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessionsFilters(t *testing.T) {
	store, ctx := openStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"s1", "s2", "s3"} {
		identity := "10.0.0.1"
		if id == "s2" {
			identity = "10.0.0.2"
		}
		// Sub-second offsets exercise timestamp ordering.
		created := base.Add(time.Duration(i) * 500 * time.Millisecond)
		require.NoError(t, store.InsertSession(ctx, sessionForTest(id, identity, created)), "insert %s", id)
	}
	require.NoError(t, store.EndSession(ctx, "s1", model.EndDisconnect, base.Add(time.Minute)))

	all, err := store.ListSessions(ctx, model.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "s3", all[0].SessionID, "newest first")
	assert.Equal(t, "s1", all[2].SessionID)

	open, err := store.ListSessions(ctx, model.SessionFilter{ClientIdentity: "10.0.0.1", OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "s3", open[0].SessionID)

	limited, err := store.ListSessions(ctx, model.SessionFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestCommandErrors(t *testing.T) {
	store, ctx := openStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertSession(ctx, sessionForTest("s1", "10.0.0.1", base)))

	first, err := store.InsertCommandError(ctx, model.CommandError{
		SessionID: "s1", Port: 9001, Command: ":NOPE?", ErrorCode: -113, Message: "undefined header :NOPE?", OccurredAt: base,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID, "generated id")
	_, err = store.InsertCommandError(ctx, model.CommandError{
		SessionID: "s1", Port: 9002, Command: ":CURR 11", ErrorCode: -222, Message: "out of range", OccurredAt: base,
	})
	require.NoError(t, err)
	_, err = store.InsertCommandError(ctx, model.CommandError{SessionID: "ghost", Port: 9001, Command: "x", ErrorCode: -113, Message: "x"})
	assert.ErrorIs(t, err, ErrNotFound, "unknown session")

	got, err := store.ListCommandErrors(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ":NOPE?", got[0].Command)
	assert.Equal(t, -222, got[1].ErrorCode)

	limited, err := store.ListCommandErrors(ctx, "s1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestPruneBeforeKeepsOpenAndRecentSessions(t *testing.T) {
	store, ctx := openStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"old", "recent", "open"} {
		require.NoError(t, store.InsertSession(ctx, sessionForTest(id, id, base)), "insert %s", id)
		_, err := store.InsertCommandError(ctx, model.CommandError{SessionID: id, Port: 9001, Command: ":X", ErrorCode: -113, Message: "x", OccurredAt: base})
		require.NoError(t, err, "insert error %s", id)
	}
	require.NoError(t, store.EndSession(ctx, "old", model.EndIdle, base.Add(time.Hour)))
	require.NoError(t, store.EndSession(ctx, "recent", model.EndIdle, base.Add(48*time.Hour)))

	n, err := store.PruneBefore(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = store.GetSession(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound, "old session survived prune")
	for _, table := range []string{"sessions", "command_errors"} {
		count, err := store.CountRows(ctx, table)
		require.NoError(t, err, "count %s", table)
		assert.EqualValues(t, 2, count, "rows in %s", table)
	}
	_, err = store.CountRows(ctx, "sqlite_master")
	assert.Error(t, err, "unknown table")
}
