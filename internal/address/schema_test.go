package address_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qldspatial/address-etl/internal/address"
	"github.com/qldspatial/address-etl/internal/etl"
)

func tableNames(t *testing.T, db *sql.DB, kind string) map[string]bool {
	t.Helper()
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type = ?", kind)
	require.NoError(t, err)
	defer rows.Close()
	names := map[string]bool{}
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names[name] = true
	}
	require.NoError(t, rows.Err())
	return names
}

func TestCreateTables_BuildsEveryWorkingTable(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	require.NoError(t, address.CreateTables(ctx, db, logger))

	names := tableNames(t, db, "table")
	for _, table := range []string{
		"geocode",
		"address_previous",
		"address_current_staging",
		"address_current",
		"address_current_loaded",
		"metadata",
	} {
		assert.True(t, names[table], "missing table %s", table)
	}
}

func TestCreateIndexes_CoversJoinAndDiffColumns(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	require.NoError(t, address.CreateTables(ctx, db, logger))
	require.NoError(t, address.CreateIndexes(ctx, db))

	names := tableNames(t, db, "index")
	for _, index := range []string{
		"idx_address_current_staging_address_pid",
		"idx_geocode_address_pid",
		"idx_address_current_address_pid",
		"idx_address_current_id",
		"idx_address_previous_address_pid",
		"idx_address_previous_id",
	} {
		assert.True(t, names[index], "missing index %s", index)
	}
}

func TestBuildCurrent_FansOutGeocodesAndDropsUnmatched(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	require.NoError(t, address.CreateTables(ctx, db, logger))

	_, err := db.Exec("INSERT INTO address_current_staging (address, address_pid) VALUES ('5 High Street Ipswich QLD', 10127)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO address_current_staging (address, address_pid) VALUES ('7 High Street Ipswich QLD', 99)")
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO geocode (geocode_id, geocode_type, address_pid, longitude, latitude) VALUES
		('1', 'PC', '10127', 152.76, -27.62),
		('2', 'BC', '10127', 152.77, -27.63)`)
	require.NoError(t, err)

	require.NoError(t, address.CreateIndexes(ctx, db))
	require.NoError(t, address.BuildCurrent(ctx, db, logger))

	// Two geocodes fan the address out to two rows; the address without a
	// geocode is dropped.
	assert.Equal(t, 2, tableCount(t, db, "address_current"))
	var unmatched int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM address_current WHERE address_pid = 99").Scan(&unmatched))
	assert.Zero(t, unmatched)

	rows, err := db.Query("SELECT geocode_type, latitude FROM address_current ORDER BY geocode_type")
	require.NoError(t, err)
	defer rows.Close()
	var types []string
	for rows.Next() {
		var geocodeType string
		var lat float64
		require.NoError(t, rows.Scan(&geocodeType, &lat))
		types = append(types, geocodeType)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"BC", "PC"}, types)
}

func TestEntity_DescribesTheLocationAddressingLayer(t *testing.T) {
	ent := address.Entity(etl.LayerURLs{
		QueryURL: "https://gis.example.com/location_addressing/query",
		EditsURL: "https://gis.example.com/location_addressing/applyEdits",
	})

	assert.Equal(t, "address_current", ent.Name)
	assert.Equal(t, "address_current", ent.Table)
	assert.Equal(t, "address_current_loaded", ent.QueueTable)
	assert.Equal(t, "address_pid", ent.IDColumn)
	assert.False(t, ent.StringID)
	assert.Equal(t, "https://gis.example.com/location_addressing/query", ent.QueryURL)
	assert.Equal(t, "https://gis.example.com/location_addressing/applyEdits", ent.EditsURL)

	assert.Contains(t, ent.Columns, "address")
	assert.Contains(t, ent.Columns, "geocode_type")
	assert.NotContains(t, ent.Columns, "id", "the row hash never leaves the snapshot")

	require.NotNil(t, ent.Geometry)
	assert.Equal(t, "longitude", ent.Geometry.Lon)
	assert.Equal(t, "latitude", ent.Geometry.Lat)
	assert.False(t, ent.Geometry.WithZ)
}
