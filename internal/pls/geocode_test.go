package pls_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qldspatial/address-etl/internal/esri"
	"github.com/qldspatial/address-etl/internal/etl"
	"github.com/qldspatial/address-etl/internal/pls"
)

func upsertGeocodes(t *testing.T, db *sql.DB, features []esri.Feature) error {
	t.Helper()
	tx, err := db.Begin()
	require.NoError(t, err)
	if err := pls.UpsertGeocodes(context.Background(), tx, features); err != nil {
		require.NoError(t, tx.Rollback())
		return err
	}
	require.NoError(t, tx.Commit())
	return nil
}

func geocodeFeature(objectid float64, geocodeType, pid string, lon, lat float64) esri.Feature {
	return esri.Feature{
		Attributes: map[string]any{
			"objectid":     objectid,
			"geocode_type": geocodeType,
			"address_pid":  pid,
		},
		Geometry: &esri.Geometry{X: lon, Y: lat},
	}
}

func TestUpsertGeocodes_InsertAndUpdate(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	require.NoError(t, pls.CreateTables(ctx, db, logger))

	require.NoError(t, upsertGeocodes(t, db, []esri.Feature{
		geocodeFeature(7, "PC", "10127", 153.02342, -27.46858),
	}))

	var geocodeType, pid string
	var lat, lon float64
	row := db.QueryRow("SELECT geocode_type, address_pid, centoid_lat, centoid_lon FROM lf_geocode_sp_survey_point WHERE geocode_id = 7")
	require.NoError(t, row.Scan(&geocodeType, &pid, &lat, &lon))
	assert.Equal(t, "PC", geocodeType)
	assert.Equal(t, "10127", pid)
	assert.Equal(t, -27.46858, lat)
	assert.Equal(t, 153.02342, lon)

	// A re-imported geocode drops its site link until the next fill.
	_, err := db.Exec("UPDATE lf_geocode_sp_survey_point SET site_id = 'S1' WHERE geocode_id = 7")
	require.NoError(t, err)
	require.NoError(t, upsertGeocodes(t, db, []esri.Feature{
		geocodeFeature(7, "BC", "10127", 153.03000, -27.47000),
	}))

	var siteID sql.NullString
	row = db.QueryRow("SELECT geocode_type, site_id FROM lf_geocode_sp_survey_point WHERE geocode_id = 7")
	require.NoError(t, row.Scan(&geocodeType, &siteID))
	assert.Equal(t, "BC", geocodeType)
	assert.False(t, siteID.Valid)
	assert.Equal(t, 1, tableCount(t, db, "lf_geocode_sp_survey_point"))
}

func TestUpsertGeocodes_RejectsMissingGeometry(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	require.NoError(t, pls.CreateTables(ctx, db, logger))

	err := upsertGeocodes(t, db, []esri.Feature{
		{Attributes: map[string]any{"objectid": float64(9), "geocode_type": "PC", "address_pid": "10127"}},
	})
	require.Error(t, err)
	assert.True(t, etl.IsType(err, etl.ErrorTypeDataIntegrity))
}

func TestUpdateGeocodeSiteID(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	require.NoError(t, pls.CreateTables(ctx, db, logger))

	// Foreign keys are off, so the parents can stay minimal.
	_, err := db.Exec(`INSERT INTO lf_address (addr_id, address_pid, parcel_id, addr_status_code, road_id, site_id, address_standard)
		VALUES ('a1', '10127', 'p1', 'P', 'r1', 's1', 'QSAS')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO lf_geocode_sp_survey_point (geocode_id, geocode_type, address_pid, centoid_lat, centoid_lon)
		VALUES ('7', 'PC', '10127', -27.5, 153.0), ('8', 'PC', 'no-such-pid', -27.6, 153.1)`)
	require.NoError(t, err)
	require.NoError(t, pls.CreateIndexes(ctx, db))

	require.NoError(t, pls.UpdateGeocodeSiteID(ctx, db, logger))

	var siteID sql.NullString
	require.NoError(t, db.QueryRow("SELECT site_id FROM lf_geocode_sp_survey_point WHERE geocode_id = '7'").Scan(&siteID))
	require.True(t, siteID.Valid)
	assert.Equal(t, "s1", siteID.String)

	require.NoError(t, db.QueryRow("SELECT site_id FROM lf_geocode_sp_survey_point WHERE geocode_id = '8'").Scan(&siteID))
	assert.False(t, siteID.Valid, "a geocode without a matching address keeps NULL")

	// The rebuild adds the site foreign key and restores the indexes.
	var refTable, fromCol string
	row := db.QueryRow(`SELECT "table", "from" FROM pragma_foreign_key_list('lf_geocode_sp_survey_point')`)
	require.NoError(t, row.Scan(&refTable, &fromCol))
	assert.Equal(t, "lf_site", refTable)
	assert.Equal(t, "site_id", fromCol)

	indexes := tableNames(t, db, "index")
	assert.True(t, indexes["idx_lf_geocode_sp_survey_point_address_pid"])
	assert.True(t, indexes["idx_lf_geocode_sp_survey_point_site_id"])
}

func TestSeedFromAddressSnapshot(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	require.NoError(t, pls.CreateTables(ctx, db, logger))

	addressPath := filepath.Join(t.TempDir(), "address.db")
	addressDB, err := sql.Open("sqlite3", addressPath)
	require.NoError(t, err)
	_, err = addressDB.Exec(`CREATE TABLE geocode (
		geocode_id TEXT PRIMARY KEY,
		geocode_type TEXT,
		address_pid TEXT NOT NULL,
		longitude REAL,
		latitude REAL
	)`)
	require.NoError(t, err)
	_, err = addressDB.Exec(`INSERT INTO geocode VALUES
		('7', 'PC', '10127', 153.02342, -27.46858),
		('8', 'BC', '10128', 153.03000, -27.47000)`)
	require.NoError(t, err)
	require.NoError(t, addressDB.Close())

	rows, err := pls.SeedFromAddressSnapshot(ctx, db, logger, addressPath)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rows)

	var lat, lon float64
	var siteID sql.NullString
	row := db.QueryRow("SELECT centoid_lat, centoid_lon, site_id FROM lf_geocode_sp_survey_point WHERE geocode_id = '7'")
	require.NoError(t, row.Scan(&lat, &lon, &siteID))
	assert.Equal(t, -27.46858, lat)
	assert.Equal(t, 153.02342, lon)
	assert.False(t, siteID.Valid)
}

func TestImportGeocodesForExtracted(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	require.NoError(t, pls.CreateTables(ctx, db, logger))

	_, err := db.Exec(`INSERT INTO lf_address (addr_id, address_pid, parcel_id, addr_status_code, road_id, site_id, address_standard)
		VALUES ('a1', '10127', 'p1', 'P', 'r1', 's1', 'QSAS'),
		       ('a2', '10128', 'p1', 'P', 'r1', 's2', 'QSAS')`)
	require.NoError(t, err)

	service := &fakeService{t: t}
	service.queryBodies = []string{`{"features": [
		{"attributes": {"objectid": 7, "geocode_type": "PC", "address_pid": "10127"},
		 "geometry": {"x": 153.02342, "y": -27.46858}}
	]}`}

	err = pls.ImportGeocodesForExtracted(ctx, db, newESRIClient(t, service), logger, testQueryURL)
	require.NoError(t, err)

	require.Len(t, service.wheres, 1)
	assert.Contains(t, service.wheres[0], "geocode_source = 'LALF' AND address_pid IN (")
	assert.Contains(t, service.wheres[0], "10127")
	assert.Contains(t, service.wheres[0], "10128")

	assert.Equal(t, 1, tableCount(t, db, "lf_geocode_sp_survey_point"))
	var pid string
	require.NoError(t, db.QueryRow("SELECT address_pid FROM lf_geocode_sp_survey_point WHERE geocode_id = 7").Scan(&pid))
	assert.Equal(t, "10127", pid)
}
