package pls_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qldspatial/address-etl/internal/pls"
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

func columnNames(t *testing.T, db *sql.DB, table string) map[string]bool {
	t.Helper()
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
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

func TestCreateTables_BuildsEverySnapshotTable(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	require.NoError(t, pls.CreateTables(ctx, db, logger))

	names := tableNames(t, db, "table")
	entities := []string{
		"local_auth",
		"locality",
		"lf_road",
		"lf_parcel",
		"lf_site",
		"lf_place_name",
		"lf_geocode_sp_survey_point",
		"lf_address",
	}
	for _, entity := range entities {
		assert.True(t, names[entity], "missing table %s", entity)
		assert.True(t, names[entity+"_loaded"], "missing queue table for %s", entity)
		assert.True(t, names[entity+"_previous"], "missing previous twin for %s", entity)
	}
	for _, mapTable := range []string{
		"lf_road_id_map",
		"lf_parcel_id_map",
		"lf_site_id_map",
		"lf_place_name_id_map",
		"lf_address_id_map",
	} {
		assert.True(t, names[mapTable], "missing id map %s", mapTable)
	}
	assert.True(t, names["metadata"])
}

func TestCreateTables_EnforcesLengthAndValueChecks(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	require.NoError(t, pls.CreateTables(ctx, db, logger))

	_, err := db.Exec(
		"INSERT INTO local_auth (la_code, la_name) VALUES (1, ?)",
		"A NAME WELL PAST THE FORTY CHARACTER LIMIT OF THE LAYER")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHECK")

	_, err = db.Exec(`INSERT INTO locality (locality_code, locality_name, locality_type, la_code, state, status)
		VALUES ('L1', 'ASHGROVE', 'SUB', 1, 'NSW', 'P')`)
	require.Error(t, err, "state is pinned to QLD")

	_, err = db.Exec("INSERT INTO lf_parcel (parcel_id, plan_no, lot_no) VALUES ('p1', 'RP1', '9999')")
	require.NoError(t, err, "the lot zero sentinel must fit")
}

func TestCreateTables_PreviousTwinsCarryNoConstraints(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	require.NoError(t, pls.CreateTables(ctx, db, logger))

	// Rows copied from an older snapshot may predate today's checks.
	_, err := db.Exec(`INSERT INTO locality_previous (locality_code, locality_name, locality_type, la_code, state, status)
		VALUES ('L1', NULL, 'SUBURB', NULL, 'NSW', 'XX')`)
	require.NoError(t, err)
}

func TestCreateIndexes(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	require.NoError(t, pls.CreateTables(ctx, db, logger))
	require.NoError(t, pls.CreateIndexes(ctx, db))

	names := tableNames(t, db, "index")
	for _, idx := range []string{
		"idx_locality_la_code",
		"idx_lf_road_locality_code",
		"idx_lf_parcel_plan_lot",
		"idx_lf_site_parcel_id",
		"idx_lf_place_name_site_id",
		"idx_lf_geocode_sp_survey_point_address_pid",
		"idx_lf_address_address_pid",
		"idx_lf_address_road_id",
	} {
		assert.True(t, names[idx], "missing index %s", idx)
	}
}

func TestEntities_WalksParentsFirst(t *testing.T) {
	ents := pls.Entities(testLayers())

	var names []string
	for _, ent := range ents {
		names = append(names, ent.Name)
	}
	assert.Equal(t, []string{
		"local_auth",
		"locality",
		"lf_road",
		"lf_parcel",
		"lf_site",
		"lf_place_name",
		"lf_address",
		"lf_geocode_sp_survey_point",
	}, names)
}

func TestEntities_Shape(t *testing.T) {
	ents := pls.Entities(testLayers())

	byName := map[string]int{}
	for i, ent := range ents {
		byName[ent.Name] = i
	}

	// Rewritten and native integer keys post unquoted; locality codes and
	// geocode ids stay strings.
	for _, ent := range ents {
		switch ent.Name {
		case "locality", "lf_geocode_sp_survey_point":
			assert.True(t, ent.StringID, "%s must quote its ids", ent.Name)
		default:
			assert.False(t, ent.StringID, "%s must not quote its ids", ent.Name)
		}
	}

	geocode := ents[byName["lf_geocode_sp_survey_point"]]
	require.NotNil(t, geocode.Geometry)
	assert.Equal(t, "centoid_lon", geocode.Geometry.Lon)
	assert.Equal(t, "centoid_lat", geocode.Geometry.Lat)
	assert.True(t, geocode.Geometry.WithZ)
	for _, ent := range ents {
		if ent.Name != "lf_geocode_sp_survey_point" {
			assert.Nil(t, ent.Geometry, "%s is aspatial", ent.Name)
		}
	}

	locality := ents[byName["locality"]]
	assert.Equal(t, "https://gis.example.com/locality/query", locality.QueryURL)
	assert.Equal(t, "https://gis.example.com/locality/applyEdits", locality.EditsURL)
}

func TestEntities_ColumnsExistInSchema(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	require.NoError(t, pls.CreateTables(ctx, db, logger))

	for _, ent := range pls.Entities(testLayers()) {
		cols := columnNames(t, db, ent.Table)
		for _, col := range ent.Columns {
			assert.True(t, cols[col], "%s pushes column %s that %s does not have", ent.Name, col, ent.Table)
		}
		assert.True(t, cols[ent.IDColumn], "%s id column %s missing from %s", ent.Name, ent.IDColumn, ent.Table)
	}
}
