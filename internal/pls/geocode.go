package pls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/qldspatial/address-etl/internal/esri"
	"github.com/qldspatial/address-etl/internal/etl"
	"github.com/qldspatial/address-etl/internal/geocode"
)

const geocodeUpsertSQL = `
	INSERT INTO lf_geocode_sp_survey_point (geocode_id, geocode_type, address_pid, site_id, centoid_lat, centoid_lon)
	VALUES (?, ?, ?, NULL, ?, ?)
	ON CONFLICT (geocode_id) DO UPDATE SET
		geocode_type = excluded.geocode_type,
		address_pid = excluded.address_pid,
		site_id = excluded.site_id,
		centoid_lat = excluded.centoid_lat,
		centoid_lon = excluded.centoid_lon`

// UpsertGeocodes lands one page of geocode features, keyed by the
// service's objectid. A re-imported geocode resets site_id to NULL;
// UpdateGeocodeSiteID fills it back in after extraction.
func UpsertGeocodes(ctx context.Context, tx *sql.Tx, features []esri.Feature) error {
	stmt, err := tx.PrepareContext(ctx, geocodeUpsertSQL)
	if err != nil {
		return etl.NewStorageFatal("geocode_import", "failed to prepare geocode upsert", err)
	}
	defer stmt.Close()

	for _, f := range features {
		id, err := geocode.Int64Attr(f.Attributes, "objectid")
		if err != nil {
			return err
		}
		if f.Geometry == nil {
			return etl.NewDataIntegrity("geocode_import", fmt.Sprintf("geocode %d has no geometry", id), nil)
		}
		_, err = stmt.ExecContext(ctx, id,
			geocode.Attr(f.Attributes["geocode_type"]),
			geocode.Attr(f.Attributes["address_pid"]),
			f.Geometry.Y, f.Geometry.X)
		if err != nil {
			return etl.NewStorageFatal("geocode_import", "failed to upsert geocode", err)
		}
	}
	return nil
}

// ImportGeocodesForExtracted is the debug-mode geocode fetch: one query
// for the hand-maintained geocodes of the extracted addresses only,
// instead of a walk of the whole layer.
func ImportGeocodesForExtracted(ctx context.Context, db *sql.DB, client *esri.Client, log *slog.Logger, queryURL string) error {
	rows, err := db.QueryContext(ctx, "SELECT DISTINCT address_pid FROM lf_address")
	if err != nil {
		return etl.NewStorageFatal("geocode_import", "failed to read extracted address pids", err)
	}
	defer rows.Close()

	var pids []string
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return etl.NewStorageFatal("geocode_import", "failed to scan extracted address pid", err)
		}
		pids = append(pids, pid)
	}
	if err := rows.Err(); err != nil {
		return etl.NewStorageFatal("geocode_import", "failed to read extracted address pids", err)
	}
	log.Info("Fetching geocodes in debug mode", "address_pids", len(pids))

	params := url.Values{}
	params.Set("where", fmt.Sprintf("geocode_source = 'LALF' AND address_pid IN (%s)", strings.Join(pids, ", ")))
	params.Set("outFields", "objectid,geocode_type,address_pid")
	params.Set("returnGeometry", "true")
	res, err := client.Query(ctx, queryURL, params)
	if err != nil {
		return fmt.Errorf("failed to fetch debug geocodes: %w", err)
	}
	log.Info("Found geocodes for extracted addresses", "count", len(res.Features))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return etl.NewStorageFatal("geocode_import", "failed to begin transaction", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Error("Failed to rollback debug geocodes", "error", err)
		}
	}()

	if err := UpsertGeocodes(ctx, tx, res.Features); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return etl.NewStorageFatal("geocode_import", "failed to commit debug geocodes", err)
	}
	return nil
}

// UpdateGeocodeSiteID fills each geocode's site_id from the address row
// sharing its address_pid, then rebuilds the table so site_id carries the
// lf_site foreign key and rides the integer-id cascade. A geocode whose
// address_pid matches no extracted address keeps a NULL site_id.
func UpdateGeocodeSiteID(ctx context.Context, db *sql.DB, log *slog.Logger) error {
	log.Info("Updating geocode table with site_id")
	statements := []string{
		`UPDATE lf_geocode_sp_survey_point SET site_id = (
			SELECT site_id FROM lf_address
			WHERE lf_address.address_pid = lf_geocode_sp_survey_point.address_pid)`,
		`CREATE TABLE lf_geocode_sp_survey_point_new (
			geocode_id TEXT PRIMARY KEY,
			geocode_type TEXT CHECK (length(geocode_type) <= 4) NOT NULL,
			address_pid TEXT NOT NULL,
			site_id TEXT,
			centoid_lat REAL NOT NULL,
			centoid_lon REAL NOT NULL,
			hash TEXT,
			FOREIGN KEY (site_id) REFERENCES lf_site(site_id) ON UPDATE CASCADE
		)`,
		"INSERT INTO lf_geocode_sp_survey_point_new SELECT * FROM lf_geocode_sp_survey_point",
		"DROP TABLE lf_geocode_sp_survey_point",
		"ALTER TABLE lf_geocode_sp_survey_point_new RENAME TO lf_geocode_sp_survey_point",
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return etl.NewStorageFatal("geocode_site_id", "failed to rebuild geocode table", err)
		}
	}
	for _, ddl := range geocodeIndexes {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return etl.NewStorageFatal("geocode_site_id", "failed to recreate geocode index", err)
		}
	}
	return nil
}

// SeedFromAddressSnapshot copies the geocodes captured in a published
// address snapshot into lf_geocode_sp_survey_point, so a first
// property-location run starts from a warm geocode table instead of
// walking the whole layer.
func SeedFromAddressSnapshot(ctx context.Context, db *sql.DB, log *slog.Logger, addressPath string) (int64, error) {
	if _, err := db.ExecContext(ctx, "ATTACH DATABASE ? AS geocodes", addressPath); err != nil {
		return 0, etl.NewStorageFatal("geocode_seed", "failed to attach address snapshot", err)
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO lf_geocode_sp_survey_point
		SELECT geocode_id, geocode_type, address_pid, NULL, latitude, longitude, NULL
		FROM geocodes.geocode`)
	if err != nil {
		return 0, etl.NewStorageFatal("geocode_seed", "failed to copy geocodes from address snapshot", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, etl.NewStorageFatal("geocode_seed", "failed to count seeded geocodes", err)
	}
	if _, err := db.ExecContext(ctx, "DETACH DATABASE geocodes"); err != nil {
		return 0, etl.NewStorageFatal("geocode_seed", "failed to detach address snapshot", err)
	}
	log.Info("Seeded geocodes from address snapshot", "rows", rows)
	return rows, nil
}
