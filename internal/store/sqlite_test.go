package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/jigsync/internal/store"
	"github.com/roach88/jigsync/internal/store/storetest"
)

func openTestSQLite(t *testing.T) *store.SQLite {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return s
}

func TestSQLite_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return openTestSQLite(t)
	})
}

func TestOpenSQLite_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := store.OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpenSQLite_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := store.OpenSQLite(path)
		require.NoError(t, err, "open iteration %d", i)
		require.NoError(t, s.Close())
	}

	s, err := store.OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	for _, table := range []string{"sessions", "fields", "disconnect_intents", "counters"} {
		var name string
		err := s.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		assert.NoError(t, err, "table %q missing", table)
	}

	var version int
	require.NoError(t, s.DB().QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, 1, version)
}

func TestOpenSQLite_WALMode(t *testing.T) {
	s := openTestSQLite(t)
	defer s.Close()

	var mode string
	require.NoError(t, s.DB().QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := store.OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s1.Create(ctx, "s1", store.Fields{"status": "playing"}))
	require.NoError(t, s1.Patch(ctx, "s1", store.PiecePath("p_1_2"), store.Fields{"placed": true, "rotation": 90}))
	before, err := s1.Read(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := store.OpenSQLite(path)
	require.NoError(t, err)
	defer s2.Close()

	after, err := s2.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// The seq counter resumes instead of restarting.
	require.NoError(t, s2.Patch(ctx, "s1", store.Root, store.Fields{"timerSeconds": 4}))
	latest, err := s2.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Greater(t, latest.Seq, before.Seq)
}

func TestSQLite_IntentsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := store.OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s1.Create(ctx, "s1", nil))
	require.NoError(t, s1.Patch(ctx, "s1", store.PlayerPath("a"), store.Fields{"score": 0}))
	require.NoError(t, s1.OnDisconnect(ctx, "s1", "conn-a",
		store.RemoveOnDisconnect(store.PlayerPath("a")),
		store.DeleteIfEmptyOnDisconnect(),
	))
	require.NoError(t, s1.Close())

	s2, err := store.OpenSQLite(path)
	require.NoError(t, err)
	defer s2.Close()

	require.NoError(t, s2.Disconnect(ctx, "conn-a"))
	_, err = s2.Read(ctx, "s1")
	assert.True(t, store.IsNotFound(err))
}
