package snapshot_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qldspatial/address-etl/internal/etl"
	"github.com/qldspatial/address-etl/internal/snapshot"
)

func TestRowHash_KnownDigest(t *testing.T) {
	got, err := snapshot.RowHash([]string{"a", "b", "c"}, []any{int64(1), int64(2), int64(3)})
	require.NoError(t, err)
	assert.Equal(t, "a80482d74631d666f097f2da3bccc534", got)
}

func TestRowHash_ColumnOrderMatters(t *testing.T) {
	forward, err := snapshot.RowHash([]string{"a", "b"}, []any{int64(1), int64(2)})
	require.NoError(t, err)
	reversed, err := snapshot.RowHash([]string{"b", "a"}, []any{int64(2), int64(1)})
	require.NoError(t, err)
	assert.NotEqual(t, forward, reversed)
}

func TestRowHash_LengthMismatch(t *testing.T) {
	_, err := snapshot.RowHash([]string{"a", "b"}, []any{int64(1)})
	require.Error(t, err)
	assert.True(t, etl.IsType(err, etl.ErrorTypeDataIntegrity))
}

func TestHashTable_FillsHashColumn(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	db := store.DB()
	mustExec(t, db, "CREATE TABLE sample (a INTEGER, b TEXT, c REAL, hash TEXT)")
	mustExec(t, db, "INSERT INTO sample (a, b, c) VALUES (1, '2', 3)")
	mustExec(t, db, "INSERT INTO sample (a, b, c) VALUES (7, NULL, -27.46858)")

	require.NoError(t, snapshot.HashTable(ctx, db, "sample", "hash"))

	var first string
	require.NoError(t, db.QueryRow("SELECT hash FROM sample WHERE a = 1").Scan(&first))
	assert.Equal(t, "a80482d74631d666f097f2da3bccc534", first)

	var unhashed int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sample WHERE hash IS NULL").Scan(&unhashed))
	assert.Zero(t, unhashed)
}

func TestHashTable_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	db := store.DB()
	mustExec(t, db, "CREATE TABLE sample (a INTEGER, b TEXT, hash TEXT)")
	mustExec(t, db, "INSERT INTO sample (a, b) VALUES (1, 'x'), (2, NULL), (3, 'y')")

	require.NoError(t, snapshot.HashTable(ctx, db, "sample", "hash"))
	var before []string
	rows, err := db.Query("SELECT hash FROM sample ORDER BY rowid")
	require.NoError(t, err)
	for rows.Next() {
		var h string
		require.NoError(t, rows.Scan(&h))
		before = append(before, h)
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())

	// Rehashing must not fold the hash column itself into the digest.
	require.NoError(t, snapshot.HashTable(ctx, db, "sample", "hash"))
	var after []string
	rows, err = db.Query("SELECT hash FROM sample ORDER BY rowid")
	require.NoError(t, err)
	for rows.Next() {
		var h string
		require.NoError(t, rows.Scan(&h))
		after = append(after, h)
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())

	assert.Equal(t, before, after)
}

func TestHashTable_MissingHashColumn(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustExec(t, store.DB(), "CREATE TABLE sample (a INTEGER)")

	err := snapshot.HashTable(ctx, store.DB(), "sample", "hash")
	require.Error(t, err)
	assert.True(t, etl.IsType(err, etl.ErrorTypeStorageFatal))
}

func TestTableColumns_DeclaredOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mustExec(t, store.DB(), "CREATE TABLE sample (z TEXT, a INTEGER, m REAL)")

	columns, err := snapshot.TableColumns(ctx, store.DB(), "sample")
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "m"}, columns)

	_, err = snapshot.TableColumns(ctx, store.DB(), "absent")
	require.Error(t, err)
	assert.True(t, etl.IsType(err, etl.ErrorTypeStorageFatal))
}
