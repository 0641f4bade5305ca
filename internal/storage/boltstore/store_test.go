package boltstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/SteelMorgan/projector/internal/storage/storetest"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "offsets.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOffsetStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend[*bbolt.Tx] {
		db := openTestDB(t)
		return storetest.Backend[*bbolt.Tx]{Store: NewOffsetStore(db, ""), Sessions: db.Sessions()}
	})
}

func TestOpenLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locked.db")
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	_, err = Open(path)
	require.Error(t, err)
}
