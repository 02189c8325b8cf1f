package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemDBMissingKey(t *testing.T) {
	db := NewMemDB()
	_, err := db.Get([]byte("absent"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemDBIterateOrder(t *testing.T) {
	db := NewMemDB()
	pairs := map[string]string{
		"ban:10.0.0.0/24":  "a",
		"ban:192.168.0.5":  "b",
		"dest:example.org": "c",
	}
	for k, v := range pairs {
		require.NoError(t, db.Put([]byte(k), []byte(v)))
	}

	var keys []string
	err := db.Iterate([]byte("ban:"), func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"ban:10.0.0.0/24", "ban:192.168.0.5"}, keys)
}

func TestLevelDBPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	db1, err := NewLevelDB(dir)
	require.NoError(t, err)
	require.NoError(t, db1.Put([]byte("ban:10.0.0.0/24"), []byte("entry")))
	db1.Close()

	db2, err := NewLevelDB(dir)
	require.NoError(t, err)
	defer db2.Close()

	got, err := db2.Get([]byte("ban:10.0.0.0/24"))
	require.NoError(t, err)
	require.Equal(t, []byte("entry"), got)

	require.NoError(t, db2.Delete([]byte("ban:10.0.0.0/24")))
	_, err = db2.Get([]byte("ban:10.0.0.0/24"))
	require.ErrorIs(t, err, ErrNotFound)
}
