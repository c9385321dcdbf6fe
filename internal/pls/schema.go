// Package pls implements the property-location pipeline: the normalised
// LALF entity tables, local authority down to address and geocode, are
// extracted from the SPARQL graph, rekeyed from IRIs to integer ids,
// hashed, diffed against the previous snapshot and pushed to the
// property-location service layers.
package pls

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/qldspatial/address-etl/internal/etl"
	"github.com/qldspatial/address-etl/internal/snapshot"
	"github.com/qldspatial/address-etl/internal/syncer"
)

// Push column order per entity, as the layer schemas expect them. The
// hash column never leaves the snapshot.
var (
	localAuthColumns = []string{"la_code", "la_name"}

	localityColumns = []string{
		"locality_code",
		"locality_name",
		"locality_type",
		"la_code",
		"state",
		"status",
	}

	roadColumns = []string{
		"road_id",
		"road_cat",
		"road_name",
		"road_name_suffix",
		"road_name_type",
		"locality_code",
		"road_cat_desc",
	}

	// roadInsertColumns omits road_cat: the graph carries no road
	// category, so the column stays NULL.
	roadInsertColumns = []string{
		"road_id",
		"road_name",
		"road_name_suffix",
		"road_name_type",
		"locality_code",
		"road_cat_desc",
	}

	parcelColumns = []string{"parcel_id", "plan_no", "lot_no"}

	siteColumns = []string{"site_id", "parent_site_id", "site_type", "parcel_id"}

	placeNameColumns = []string{
		"place_name_id",
		"pl_name_status_code",
		"pl_name_type_code",
		"pl_name",
		"site_id",
	}

	geocodeColumns = []string{
		"geocode_id",
		"geocode_type",
		"address_pid",
		"site_id",
		"centoid_lat",
		"centoid_lon",
	}

	addressColumns = []string{
		"addr_id",
		"address_pid",
		"parcel_id",
		"addr_status_code",
		"unit_type",
		"unit_no",
		"unit_suffix",
		"level_type",
		"level_no",
		"level_suffix",
		"street_no_first",
		"street_no_first_suffix",
		"street_no_last",
		"street_no_last_suffix",
		"road_id",
		"site_id",
		"location_desc",
		"address_standard",
	}
)

// Rebuilding a table during the integer-id rewrite drops its indexes, so
// each table's index DDL is shared between CreateIndexes and the rewrite.
var (
	localityIndexes = []string{
		"CREATE INDEX IF NOT EXISTS idx_locality_la_code ON locality (la_code)",
	}
	roadIndexes = []string{
		"CREATE INDEX IF NOT EXISTS idx_lf_road_locality_code ON lf_road (locality_code)",
	}
	parcelIndexes = []string{
		"CREATE INDEX IF NOT EXISTS idx_lf_parcel_plan_lot ON lf_parcel (plan_no, lot_no)",
	}
	siteIndexes = []string{
		"CREATE INDEX IF NOT EXISTS idx_lf_site_parcel_id ON lf_site (parcel_id)",
		"CREATE INDEX IF NOT EXISTS idx_lf_site_parent_site_id ON lf_site (parent_site_id)",
	}
	placeNameIndexes = []string{
		"CREATE INDEX IF NOT EXISTS idx_lf_place_name_site_id ON lf_place_name (site_id)",
	}
	geocodeIndexes = []string{
		"CREATE INDEX IF NOT EXISTS idx_lf_geocode_sp_survey_point_address_pid ON lf_geocode_sp_survey_point (address_pid)",
		"CREATE INDEX IF NOT EXISTS idx_lf_geocode_sp_survey_point_site_id ON lf_geocode_sp_survey_point (site_id)",
	}
	addressIndexes = []string{
		"CREATE INDEX IF NOT EXISTS idx_lf_address_address_pid ON lf_address (address_pid)",
		"CREATE INDEX IF NOT EXISTS idx_lf_address_parcel_id ON lf_address (parcel_id)",
		"CREATE INDEX IF NOT EXISTS idx_lf_address_road_id ON lf_address (road_id)",
		"CREATE INDEX IF NOT EXISTS idx_lf_address_site_id ON lf_address (site_id)",
	}
)

// idMaps are the IRI-to-integer maps, one per table whose primary key is
// rewritten after extraction, in rewrite order: each parent before the
// children whose foreign keys cascade off it. The maps are seeded from
// the previous snapshot so an IRI keeps its integer id across runs.
var idMaps = []struct {
	mapTable string
	table    string
	column   string
	indexes  []string
}{
	{"lf_road_id_map", "lf_road", "road_id", roadIndexes},
	{"lf_parcel_id_map", "lf_parcel", "parcel_id", parcelIndexes},
	{"lf_site_id_map", "lf_site", "site_id", siteIndexes},
	{"lf_place_name_id_map", "lf_place_name", "place_name_id", placeNameIndexes},
	{"lf_address_id_map", "lf_address", "addr_id", addressIndexes},
}

// CreateTables creates the entity tables with their length checks and
// foreign keys, a publication queue per entity, and a constraint-free
// _previous twin per entity for rows copied from the last snapshot. The
// id maps and the run metadata table come last.
func CreateTables(ctx context.Context, db *sql.DB, log *slog.Logger) error {
	tables := []struct {
		name string
		ddl  string
	}{
		{"local_auth", `
			CREATE TABLE local_auth (
				la_code INTEGER PRIMARY KEY,
				la_name TEXT CHECK (length(la_name) <= 40) NOT NULL,
				hash TEXT
			)`},
		{"local_auth_loaded", `
			CREATE TABLE local_auth_loaded (
				la_code INTEGER,
				loaded BOOLEAN DEFAULT FALSE
			)`},
		{"local_auth_previous", `
			CREATE TABLE IF NOT EXISTS local_auth_previous (
				la_code INTEGER,
				la_name TEXT,
				hash TEXT
			)`},
		{"locality", `
			CREATE TABLE locality (
				locality_code TEXT PRIMARY KEY CHECK (length(locality_code) <= 20),
				locality_name TEXT CHECK (length(locality_name) <= 40) NOT NULL,
				locality_type TEXT CHECK (length(locality_type) <= 5) NOT NULL,
				la_code INTEGER NOT NULL,
				state TEXT CHECK (state = 'QLD') NOT NULL,
				status TEXT CHECK (length(status) = 1) NOT NULL,
				hash TEXT,
				FOREIGN KEY (la_code) REFERENCES local_auth(la_code) ON UPDATE CASCADE
			)`},
		{"locality_loaded", `
			CREATE TABLE locality_loaded (
				locality_code TEXT,
				loaded BOOLEAN DEFAULT FALSE
			)`},
		{"locality_previous", `
			CREATE TABLE IF NOT EXISTS locality_previous (
				locality_code TEXT,
				locality_name TEXT,
				locality_type TEXT,
				la_code INTEGER,
				state TEXT,
				status TEXT,
				hash TEXT
			)`},
		{"lf_road", `
			CREATE TABLE lf_road (
				road_id TEXT PRIMARY KEY,
				road_cat TEXT CHECK (length(road_cat) <= 20),
				road_name TEXT CHECK (length(road_name) <= 50) NOT NULL,
				road_name_suffix TEXT CHECK (length(road_name_suffix) <= 30),
				road_name_type TEXT CHECK (length(road_name_type) <= 20),
				locality_code TEXT NOT NULL,
				road_cat_desc TEXT CHECK (length(road_cat_desc) = 1) NOT NULL,
				hash TEXT,
				FOREIGN KEY (locality_code) REFERENCES locality(locality_code) ON UPDATE CASCADE
			)`},
		{"lf_road_loaded", `
			CREATE TABLE lf_road_loaded (
				road_id TEXT,
				loaded BOOLEAN DEFAULT FALSE
			)`},
		{"lf_road_previous", `
			CREATE TABLE IF NOT EXISTS lf_road_previous (
				road_id TEXT,
				road_cat TEXT,
				road_name TEXT,
				road_name_suffix TEXT,
				road_name_type TEXT,
				locality_code TEXT,
				road_cat_desc TEXT,
				hash TEXT
			)`},
		{"lf_parcel", `
			CREATE TABLE lf_parcel (
				parcel_id TEXT PRIMARY KEY,
				plan_no TEXT CHECK (length(plan_no) <= 10),
				lot_no TEXT CHECK (length(lot_no) <= 5),
				hash TEXT
			)`},
		{"lf_parcel_loaded", `
			CREATE TABLE lf_parcel_loaded (
				parcel_id TEXT,
				loaded BOOLEAN DEFAULT FALSE
			)`},
		{"lf_parcel_previous", `
			CREATE TABLE IF NOT EXISTS lf_parcel_previous (
				parcel_id TEXT,
				plan_no TEXT,
				lot_no TEXT,
				hash TEXT
			)`},
		{"lf_site", `
			CREATE TABLE lf_site (
				site_id TEXT PRIMARY KEY,
				parent_site_id TEXT,
				site_type TEXT CHECK (length(site_type) <= 50) NOT NULL,
				parcel_id TEXT NOT NULL,
				hash TEXT,
				FOREIGN KEY (parent_site_id) REFERENCES lf_site(site_id) ON UPDATE CASCADE,
				FOREIGN KEY (parcel_id) REFERENCES lf_parcel(parcel_id) ON UPDATE CASCADE
			)`},
		{"lf_site_loaded", `
			CREATE TABLE lf_site_loaded (
				site_id TEXT,
				loaded BOOLEAN DEFAULT FALSE
			)`},
		{"lf_site_previous", `
			CREATE TABLE IF NOT EXISTS lf_site_previous (
				site_id TEXT,
				parent_site_id TEXT,
				site_type TEXT,
				parcel_id TEXT,
				hash TEXT
			)`},
		{"lf_place_name", `
			CREATE TABLE lf_place_name (
				place_name_id TEXT PRIMARY KEY,
				pl_name_status_code TEXT CHECK (length(pl_name_status_code) = 1) NOT NULL,
				pl_name_type_code TEXT CHECK (length(pl_name_type_code) <= 4) NOT NULL,
				pl_name TEXT CHECK (length(pl_name) <= 60) NOT NULL,
				site_id TEXT NOT NULL,
				hash TEXT,
				FOREIGN KEY (site_id) REFERENCES lf_site(site_id) ON UPDATE CASCADE
			)`},
		{"lf_place_name_loaded", `
			CREATE TABLE lf_place_name_loaded (
				place_name_id TEXT,
				loaded BOOLEAN DEFAULT FALSE
			)`},
		{"lf_place_name_previous", `
			CREATE TABLE IF NOT EXISTS lf_place_name_previous (
				place_name_id TEXT,
				pl_name_status_code TEXT,
				pl_name_type_code TEXT,
				pl_name TEXT,
				site_id TEXT,
				hash TEXT
			)`},
		{"lf_geocode_sp_survey_point", `
			CREATE TABLE lf_geocode_sp_survey_point (
				geocode_id TEXT PRIMARY KEY,
				geocode_type TEXT CHECK (length(geocode_type) <= 4) NOT NULL,
				address_pid TEXT NOT NULL,
				site_id TEXT,
				centoid_lat REAL NOT NULL,
				centoid_lon REAL NOT NULL,
				hash TEXT
			)`},
		{"lf_geocode_sp_survey_point_loaded", `
			CREATE TABLE lf_geocode_sp_survey_point_loaded (
				geocode_id TEXT,
				loaded BOOLEAN DEFAULT FALSE
			)`},
		{"lf_geocode_sp_survey_point_previous", `
			CREATE TABLE IF NOT EXISTS lf_geocode_sp_survey_point_previous (
				geocode_id TEXT,
				geocode_type TEXT,
				address_pid TEXT,
				site_id TEXT,
				centoid_lat REAL,
				centoid_lon REAL,
				hash TEXT
			)`},
		{"lf_address", `
			CREATE TABLE lf_address (
				addr_id TEXT PRIMARY KEY,
				address_pid TEXT NOT NULL,
				parcel_id TEXT NOT NULL,
				addr_status_code TEXT CHECK (length(addr_status_code) = 1) NOT NULL,
				unit_type TEXT CHECK (length(unit_type) <= 50),
				unit_no TEXT CHECK (length(unit_no) <= 5),
				unit_suffix TEXT CHECK (length(unit_suffix) <= 1),
				level_type TEXT CHECK (length(level_type) <= 20),
				level_no TEXT CHECK (length(level_no) <= 20),
				level_suffix TEXT CHECK (length(level_suffix) <= 5),
				street_no_first TEXT CHECK (length(street_no_first) <= 10),
				street_no_first_suffix TEXT CHECK (length(street_no_first_suffix) <= 10),
				street_no_last TEXT CHECK (length(street_no_last) <= 10),
				street_no_last_suffix TEXT CHECK (length(street_no_last_suffix) <= 10),
				road_id TEXT NOT NULL,
				site_id TEXT NOT NULL,
				location_desc TEXT CHECK (length(location_desc) <= 50),
				address_standard TEXT CHECK (length(address_standard) <= 10) NOT NULL,
				hash TEXT,
				FOREIGN KEY (parcel_id) REFERENCES lf_parcel(parcel_id) ON UPDATE CASCADE,
				FOREIGN KEY (road_id) REFERENCES lf_road(road_id) ON UPDATE CASCADE,
				FOREIGN KEY (site_id) REFERENCES lf_site(site_id) ON UPDATE CASCADE
			)`},
		{"lf_address_loaded", `
			CREATE TABLE lf_address_loaded (
				addr_id TEXT,
				loaded BOOLEAN DEFAULT FALSE
			)`},
		{"lf_address_previous", `
			CREATE TABLE IF NOT EXISTS lf_address_previous (
				addr_id TEXT,
				address_pid TEXT,
				parcel_id TEXT,
				addr_status_code TEXT,
				unit_type TEXT,
				unit_no TEXT,
				unit_suffix TEXT,
				level_type TEXT,
				level_no TEXT,
				level_suffix TEXT,
				street_no_first TEXT,
				street_no_first_suffix TEXT,
				street_no_last TEXT,
				street_no_last_suffix TEXT,
				road_id TEXT,
				site_id TEXT,
				location_desc TEXT,
				address_standard TEXT,
				hash TEXT
			)`},
	}
	for _, table := range tables {
		log.Info("Creating table", "table", table.name)
		if _, err := db.ExecContext(ctx, table.ddl); err != nil {
			return etl.NewStorageFatal("schema", fmt.Sprintf("failed to create table %s", table.name), err)
		}
	}
	for _, m := range idMaps {
		if err := snapshot.EnsureIDMap(ctx, db, m.mapTable); err != nil {
			return err
		}
	}
	return snapshot.EnsureMetadata(ctx, db)
}

// CreateIndexes builds the lookup indexes. It runs after the bulk inserts
// so the loads stay append-only, and before the geocode site_id update
// and the diffs, which lean on the address_pid indexes.
func CreateIndexes(ctx context.Context, db *sql.DB) error {
	groups := [][]string{
		localityIndexes,
		roadIndexes,
		parcelIndexes,
		siteIndexes,
		placeNameIndexes,
		geocodeIndexes,
		addressIndexes,
	}
	for _, group := range groups {
		for _, ddl := range group {
			if _, err := db.ExecContext(ctx, ddl); err != nil {
				return etl.NewStorageFatal("schema", "failed to create index", err)
			}
		}
	}
	return nil
}

// Entities describes the property-location layers to the sync engine, in
// foreign-key order: every parent before its children. Inserts walk the
// slice forwards, deletes backwards.
func Entities(layers etl.PLSLayers) []syncer.Entity {
	return []syncer.Entity{
		{
			Name:       "local_auth",
			Table:      "local_auth",
			QueueTable: "local_auth_loaded",
			IDColumn:   "la_code",
			QueryURL:   layers.LocalAuth.QueryURL,
			EditsURL:   layers.LocalAuth.EditsURL,
			Columns:    localAuthColumns,
		},
		{
			Name:       "locality",
			Table:      "locality",
			QueueTable: "locality_loaded",
			IDColumn:   "locality_code",
			StringID:   true,
			QueryURL:   layers.Locality.QueryURL,
			EditsURL:   layers.Locality.EditsURL,
			Columns:    localityColumns,
		},
		{
			Name:       "lf_road",
			Table:      "lf_road",
			QueueTable: "lf_road_loaded",
			IDColumn:   "road_id",
			QueryURL:   layers.Road.QueryURL,
			EditsURL:   layers.Road.EditsURL,
			Columns:    roadColumns,
		},
		{
			Name:       "lf_parcel",
			Table:      "lf_parcel",
			QueueTable: "lf_parcel_loaded",
			IDColumn:   "parcel_id",
			QueryURL:   layers.Parcel.QueryURL,
			EditsURL:   layers.Parcel.EditsURL,
			Columns:    parcelColumns,
		},
		{
			Name:       "lf_site",
			Table:      "lf_site",
			QueueTable: "lf_site_loaded",
			IDColumn:   "site_id",
			QueryURL:   layers.Site.QueryURL,
			EditsURL:   layers.Site.EditsURL,
			Columns:    siteColumns,
		},
		{
			Name:       "lf_place_name",
			Table:      "lf_place_name",
			QueueTable: "lf_place_name_loaded",
			IDColumn:   "place_name_id",
			QueryURL:   layers.PlaceName.QueryURL,
			EditsURL:   layers.PlaceName.EditsURL,
			Columns:    placeNameColumns,
		},
		{
			Name:       "lf_address",
			Table:      "lf_address",
			QueueTable: "lf_address_loaded",
			IDColumn:   "addr_id",
			QueryURL:   layers.Address.QueryURL,
			EditsURL:   layers.Address.EditsURL,
			Columns:    addressColumns,
		},
		{
			Name:       "lf_geocode_sp_survey_point",
			Table:      "lf_geocode_sp_survey_point",
			QueueTable: "lf_geocode_sp_survey_point_loaded",
			IDColumn:   "geocode_id",
			StringID:   true,
			QueryURL:   layers.Geocode.QueryURL,
			EditsURL:   layers.Geocode.EditsURL,
			Columns:    geocodeColumns,
			Geometry:   &syncer.GeometryColumns{Lon: "centoid_lon", Lat: "centoid_lat", WithZ: true},
		},
	}
}
