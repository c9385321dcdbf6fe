// Package address implements the location-address pipeline: a denormalised
// address table extracted from the SPARQL graph, joined to feature-service
// geocodes, hashed, diffed against the previous snapshot and pushed to the
// location-addressing layer.
package address

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/qldspatial/address-etl/internal/etl"
	"github.com/qldspatial/address-etl/internal/snapshot"
	"github.com/qldspatial/address-etl/internal/syncer"
)

// addressColumnDefs is shared by address_current, address_current_staging
// and address_previous. The id column holds the row hash, computed after
// the geocode join.
const addressColumnDefs = `
	id TEXT,
	lot TEXT,
	plan TEXT,
	unit_type TEXT,
	unit_number TEXT,
	unit_suffix TEXT,
	floor_type TEXT,
	floor_number TEXT,
	floor_suffix TEXT,
	property_name TEXT,
	street_no_1 TEXT,
	street_no_1_suffix TEXT,
	street_no_2 TEXT,
	street_no_2_suffix TEXT,
	street_number TEXT,
	street_name TEXT,
	street_type TEXT,
	street_suffix TEXT,
	street_full TEXT,
	locality TEXT,
	local_authority TEXT,
	state TEXT,
	address TEXT,
	address_status TEXT,
	address_standard TEXT,
	lotplan_status TEXT,
	address_pid INTEGER,
	geocode_type TEXT,
	latitude REAL,
	longitude REAL`

// stagingColumns is the declared column order of the three address tables.
var stagingColumns = []string{
	"id",
	"lot",
	"plan",
	"unit_type",
	"unit_number",
	"unit_suffix",
	"floor_type",
	"floor_number",
	"floor_suffix",
	"property_name",
	"street_no_1",
	"street_no_1_suffix",
	"street_no_2",
	"street_no_2_suffix",
	"street_number",
	"street_name",
	"street_type",
	"street_suffix",
	"street_full",
	"locality",
	"local_authority",
	"state",
	"address",
	"address_status",
	"address_standard",
	"lotplan_status",
	"address_pid",
	"geocode_type",
	"latitude",
	"longitude",
}

// pushColumns is the subset of address_current posted to the feature
// service, in the order the layer schema expects. Latitude and longitude
// appear both as attributes and as the point geometry.
var pushColumns = []string{
	"lot",
	"plan",
	"address",
	"unit_number",
	"unit_type",
	"street_number",
	"street_name",
	"street_type",
	"state",
	"street_suffix",
	"property_name",
	"street_no_1",
	"street_no_1_suffix",
	"street_no_2",
	"street_no_2_suffix",
	"street_full",
	"locality",
	"local_authority",
	"address_status",
	"address_standard",
	"lotplan_status",
	"address_pid",
	"geocode_type",
	"latitude",
	"longitude",
}

// CreateTables creates the pipeline's working tables in a fresh snapshot:
// the geocode cache, the three address tables, the publication queue and
// the run metadata table.
func CreateTables(ctx context.Context, db *sql.DB, log *slog.Logger) error {
	tables := []struct {
		name string
		ddl  string
	}{
		{"geocode", `
			CREATE TABLE geocode (
				geocode_id TEXT PRIMARY KEY,
				geocode_type TEXT,
				address_pid TEXT NOT NULL,
				longitude REAL,
				latitude REAL
			)`},
		{"address_previous", fmt.Sprintf("CREATE TABLE IF NOT EXISTS address_previous (%s)", addressColumnDefs)},
		{"address_current_staging", fmt.Sprintf("CREATE TABLE address_current_staging (%s)", addressColumnDefs)},
		{"address_current", fmt.Sprintf("CREATE TABLE address_current (%s)", addressColumnDefs)},
		{"address_current_loaded", `
			CREATE TABLE address_current_loaded (
				address_pid TEXT,
				loaded BOOLEAN DEFAULT FALSE
			)`},
	}
	for _, table := range tables {
		log.Info("Creating table", "table", table.name)
		if _, err := db.ExecContext(ctx, table.ddl); err != nil {
			return etl.NewStorageFatal("schema", fmt.Sprintf("failed to create table %s", table.name), err)
		}
	}
	return snapshot.EnsureMetadata(ctx, db)
}

// CreateIndexes builds the lookup indexes. It runs after the staging and
// geocode loads so the bulk inserts stay append-only, and before the
// geocode join and the diff, which both depend on the address_pid indexes.
func CreateIndexes(ctx context.Context, db *sql.DB) error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_address_current_staging_address_pid ON address_current_staging (address_pid)",
		"CREATE INDEX IF NOT EXISTS idx_geocode_address_pid ON geocode (address_pid)",
		"CREATE INDEX IF NOT EXISTS idx_address_current_address_pid ON address_current (address_pid)",
		"CREATE INDEX IF NOT EXISTS idx_address_current_id ON address_current (id)",
		"CREATE INDEX IF NOT EXISTS idx_address_previous_address_pid ON address_previous (address_pid)",
		"CREATE INDEX IF NOT EXISTS idx_address_previous_id ON address_previous (id)",
	}
	for _, ddl := range indexes {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return etl.NewStorageFatal("schema", "failed to create index", err)
		}
	}
	return nil
}

// BuildCurrent forms the final snapshot table by joining staged addresses
// to their geocodes. Addresses without a geocode are dropped here (inner
// join semantics); one address with several geocodes fans out to several
// rows.
func BuildCurrent(ctx context.Context, db *sql.DB, log *slog.Logger) error {
	res, err := db.ExecContext(ctx, `
		INSERT INTO address_current
		SELECT
			a.id,
			a.lot,
			a.plan,
			a.unit_type,
			a.unit_number,
			a.unit_suffix,
			a.floor_type,
			a.floor_number,
			a.floor_suffix,
			a.property_name,
			a.street_no_1,
			a.street_no_1_suffix,
			a.street_no_2,
			a.street_no_2_suffix,
			a.street_number,
			a.street_name,
			a.street_type,
			a.street_suffix,
			a.street_full,
			a.locality,
			a.local_authority,
			a.state,
			a.address,
			a.address_status,
			a.address_standard,
			a.lotplan_status,
			a.address_pid,
			g.geocode_type,
			g.latitude,
			g.longitude
		FROM address_current_staging a
		JOIN geocode g ON a.address_pid = g.address_pid`)
	if err != nil {
		return etl.NewStorageFatal("address_current", "failed to join staging to geocodes", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return etl.NewStorageFatal("address_current", "failed to count joined rows", err)
	}
	log.Info("Built address_current", "rows", rows)
	return nil
}

// Entity describes the location-addressing layer to the sync engine.
func Entity(urls etl.LayerURLs) syncer.Entity {
	return syncer.Entity{
		Name:       "address_current",
		Table:      "address_current",
		QueueTable: "address_current_loaded",
		IDColumn:   "address_pid",
		QueryURL:   urls.QueryURL,
		EditsURL:   urls.EditsURL,
		Columns:    pushColumns,
		Geometry:   &syncer.GeometryColumns{Lon: "longitude", Lat: "latitude"},
	}
}
