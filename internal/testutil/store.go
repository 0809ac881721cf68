package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/g960059/vlab/internal/db"
	"github.com/g960059/vlab/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "vlab-test.db"))
	require.NoError(t, err, "open test store")
	t.Cleanup(func() {
		_ = store.Close()
	})
	require.NoError(t, db.ApplyMigrations(ctx, store.DB()), "apply migrations")
	return store, ctx
}

func SeedSession(t *testing.T, store *db.Store, ctx context.Context, sessionID, identity string, createdAt time.Time) model.SessionRecord {
	t.Helper()
	rec := model.SessionRecord{
		SessionID:      sessionID,
		ClientIdentity: identity,
		Experiment:     "ohm",
		CreatedAt:      createdAt,
	}
	require.NoError(t, store.InsertSession(ctx, rec), "seed session")
	return rec
}
