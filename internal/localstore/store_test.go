package localstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsync/fieldsync/internal/db"
	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/syncerr"
)

// backend pairs a Store with a way to write undecodable bytes under a key.
type backend struct {
	store    Store
	writeRaw func(t *testing.T, key string, data []byte)
	reopen   func(t *testing.T) Store
}

func sqliteBackend(t *testing.T) backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.db")
	database, err := db.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	return backend{
		store: NewSQLite(database, CollectionRecords, nil),
		writeRaw: func(t *testing.T, key string, data []byte) {
			_, err := database.RawDB().Exec(
				`INSERT INTO entries (collection, key, value, updated_at) VALUES (?, ?, ?, '')`,
				CollectionRecords, key, data)
			require.NoError(t, err)
		},
		reopen: func(t *testing.T) Store {
			require.NoError(t, database.Close())
			again, err := db.Open(path)
			require.NoError(t, err)
			t.Cleanup(func() { again.Close() })
			return NewSQLite(again, CollectionRecords, nil)
		},
	}
}

func badgerBackend(t *testing.T) backend {
	t.Helper()
	cfg := DefaultBadgerConfig(filepath.Join(t.TempDir(), "badger"))
	cfg.GCInterval = 0
	bdb, err := OpenBadger(cfg)
	require.NoError(t, err)
	closed := false
	t.Cleanup(func() {
		if !closed {
			bdb.Close()
		}
	})

	return backend{
		store: NewBadger(bdb, CollectionRecords),
		writeRaw: func(t *testing.T, key string, data []byte) {
			err := bdb.Update(func(txn *badger.Txn) error {
				return txn.Set([]byte(CollectionRecords+"/"+key), data)
			})
			require.NoError(t, err)
		},
		reopen: func(t *testing.T) Store {
			require.NoError(t, bdb.Close())
			closed = true
			again, err := OpenBadger(cfg)
			require.NoError(t, err)
			t.Cleanup(func() { again.Close() })
			return NewBadger(again, CollectionRecords)
		},
	}
}

func eachBackend(t *testing.T, fn func(t *testing.T, b backend)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, sqliteBackend(t)) })
	t.Run("badger", func(t *testing.T) { fn(t, badgerBackend(t)) })
}

func order(id string, version int64, branch string) *schema.Record {
	return &schema.Record{
		ID:      id,
		Version: version,
		Status:  schema.StatusNew,
		Branch:  branch,
		Payload: map[string]any{"customer": "ACME"},
	}
}

func TestStore_PutGetReplace(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()

		_, err := b.store.Get(ctx, "O1")
		assert.ErrorIs(t, err, syncerr.ErrNotFound)

		require.NoError(t, b.store.Put(ctx, order("O1", 3, "BR001")))
		got, err := b.store.Get(ctx, "O1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Version)
		assert.Equal(t, "ACME", got.Payload["customer"])

		replacement := order("O1", 4, "BR001")
		replacement.Status = schema.StatusAssigned
		replacement.Payload = nil
		require.NoError(t, b.store.Put(ctx, replacement))

		got, err = b.store.Get(ctx, "O1")
		require.NoError(t, err)
		assert.Equal(t, int64(4), got.Version)
		assert.Equal(t, schema.StatusAssigned, got.Status)
		assert.Nil(t, got.Payload, "put replaces the whole record")
	})
}

func TestStore_PutRejectsInvalid(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		err := b.store.Put(context.Background(), &schema.Record{ID: "O1", Status: "bogus"})
		assert.Error(t, err)
	})
}

func TestStore_BulkPutAndScan(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		now := time.Now()
		optimistic := order("O3", 1, "BR002").Project(schema.Patch{Status: schema.StatusConfirmed}, now)

		require.NoError(t, b.store.BulkPut(ctx, []*schema.Record{
			order("O2", 1, "BR001"),
			order("O1", 1, "BR001"),
			optimistic,
		}))

		all, err := b.store.Scan(ctx, nil)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"O1", "O2", "O3"}, ids(all))

		br1, err := b.store.Scan(ctx, ByBranch("BR001"))
		require.NoError(t, err)
		assert.Equal(t, []string{"O1", "O2"}, ids(br1))

		pending, err := b.store.Scan(ctx, Optimistic())
		require.NoError(t, err)
		assert.Equal(t, []string{"O3"}, ids(pending))
	})
}

func TestStore_Delete(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		require.NoError(t, b.store.Put(ctx, order("O1", 1, "")))
		require.NoError(t, b.store.Delete(ctx, "O1"))
		require.NoError(t, b.store.Delete(ctx, "O1"))

		_, err := b.store.Get(ctx, "O1")
		assert.ErrorIs(t, err, syncerr.ErrNotFound)
	})
}

func TestStore_CorruptEntryDropped(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		require.NoError(t, b.store.Put(ctx, order("O1", 1, "")))
		b.writeRaw(t, "O2", []byte("{not json"))
		b.writeRaw(t, "O3", []byte("{not json either"))

		all, err := b.store.Scan(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"O1"}, ids(all))

		_, err = b.store.Get(ctx, "O3")
		assert.ErrorIs(t, err, syncerr.ErrNotFound)

		// Dropped, so a second scan sees only the good entry without work.
		all, err = b.store.Scan(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestStore_SurvivesReopen(t *testing.T) {
	eachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		require.NoError(t, b.store.Put(ctx, order("O1", 7, "BR001")))

		store := b.reopen(t)
		got, err := store.Get(ctx, "O1")
		require.NoError(t, err)
		assert.Equal(t, int64(7), got.Version)
	})
}

func TestStore_CollectionsAreIndependent(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	defer database.Close()

	ctx := context.Background()
	records := NewSQLite(database, CollectionRecords, nil)
	confirmed := NewSQLite(database, CollectionConfirmed, nil)

	require.NoError(t, records.Put(ctx, order("O1", 2, "")))
	_, err = confirmed.Get(ctx, "O1")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}

func ids(records []*schema.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
