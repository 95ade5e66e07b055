package baseline

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSQLiteStorePersistAndLoadLatestRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	dbPath := filepath.Join(t.TempDir(), "baselines.db")
	store, err := OpenSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	b := &Baseline{
		Version:   1,
		CreatedAt: time.Now().UTC(),
		DeviceID:  "device-a",
		Entries: map[string]Entry{
			"/a/b.txt": {Path: "/a/b.txt", Hash: "abc123", Size: 42, Permissions: 0o600},
		},
	}
	b.Sign(priv)

	require.NoError(t, store.Persist("path-1", b))

	got, err := store.LoadLatest("path-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, b.Version, got.Version)
	require.Equal(t, b.DeviceID, got.DeviceID)

	entry, ok := got.Entries["/a/b.txt"]
	require.True(t, ok)
	require.Equal(t, "abc123", entry.Hash)
	require.NoError(t, got.Verify(pub))
}

func TestSQLiteStoreLoadLatestReturnsNilWhenAbsent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "baselines.db")
	store, err := OpenSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.LoadLatest("unknown-path")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSQLiteStorePruneOlderThan(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	dbPath := filepath.Join(t.TempDir(), "baselines.db")
	store, err := OpenSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	for v := 1; v <= 3; v++ {
		b := &Baseline{Version: v, CreatedAt: time.Now().UTC(), DeviceID: "d", Entries: map[string]Entry{}}
		b.Sign(priv)
		require.NoError(t, store.Persist("path-1", b))
	}

	require.NoError(t, store.PruneOlderThan("path-1", 3))

	got, err := store.LoadVersion("path-1", 1)
	require.NoError(t, err)
	require.Nil(t, got, "expected version 1 to be pruned")

	got, err = store.LoadVersion("path-1", 3)
	require.NoError(t, err)
	require.NotNil(t, got, "expected version 3 to survive pruning")
}

func TestSQLiteStoreDeleteAllRemovesEveryVersion(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	dbPath := filepath.Join(t.TempDir(), "baselines.db")
	store, err := OpenSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	b := &Baseline{Version: 1, CreatedAt: time.Now().UTC(), DeviceID: "d", Entries: map[string]Entry{}}
	b.Sign(priv)
	require.NoError(t, store.Persist("path-1", b))

	require.NoError(t, store.DeleteAll("path-1"))

	got, err := store.LoadLatest("path-1")
	require.NoError(t, err)
	require.Nil(t, got)
}
