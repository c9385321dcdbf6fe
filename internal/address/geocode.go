package address

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
	INSERT INTO geocode (geocode_id, geocode_type, address_pid, longitude, latitude)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (geocode_id) DO UPDATE SET
		geocode_type = excluded.geocode_type,
		address_pid = excluded.address_pid,
		longitude = excluded.longitude,
		latitude = excluded.latitude`

// UpsertGeocodes lands one page of geocode features in the geocode table,
// keyed by the service's objectid so an incremental walk refreshes changed
// rows instead of duplicating them.
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
			f.Geometry.X, f.Geometry.Y)
		if err != nil {
			return etl.NewStorageFatal("geocode_import", "failed to upsert geocode", err)
		}
	}
	return nil
}

// ImportGeocodesForStaged is the debug-mode geocode fetch: one query for
// the hand-maintained geocodes of the staged addresses only, instead of a
// walk of the whole layer. The rows carry no objectid, so they are plain
// inserts.
func ImportGeocodesForStaged(ctx context.Context, db *sql.DB, client *esri.Client, log *slog.Logger, queryURL string) error {
	rows, err := db.QueryContext(ctx, "SELECT address_pid FROM address_current_staging")
	if err != nil {
		return etl.NewStorageFatal("geocode_import", "failed to read staged address pids", err)
	}
	defer rows.Close()

	var pids []string
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return etl.NewStorageFatal("geocode_import", "failed to scan staged address pid", err)
		}
		pids = append(pids, pid)
	}
	if err := rows.Err(); err != nil {
		return etl.NewStorageFatal("geocode_import", "failed to read staged address pids", err)
	}
	log.Info("Fetching geocodes in debug mode", "address_pids", len(pids))

	params := url.Values{}
	params.Set("where", fmt.Sprintf("geocode_source = 'LALF' AND address_pid IN (%s)", strings.Join(pids, ", ")))
	params.Set("outFields", "geocode_type,address_pid")
	params.Set("returnGeometry", "true")
	res, err := client.Query(ctx, queryURL, params)
	if err != nil {
		return fmt.Errorf("failed to fetch debug geocodes: %w", err)
	}
	log.Info("Found geocodes for staged addresses", "count", len(res.Features))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return etl.NewStorageFatal("geocode_import", "failed to begin transaction", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Error("Failed to rollback debug geocodes", "error", err)
		}
	}()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO geocode (address_pid, geocode_type, longitude, latitude) VALUES (?, ?, ?, ?)")
	if err != nil {
		return etl.NewStorageFatal("geocode_import", "failed to prepare geocode insert", err)
	}
	defer stmt.Close()

	for _, f := range res.Features {
		if f.Geometry == nil {
			return etl.NewDataIntegrity("geocode_import", "debug geocode has no geometry", nil)
		}
		_, err = stmt.ExecContext(ctx,
			geocode.Attr(f.Attributes["address_pid"]),
			geocode.Attr(f.Attributes["geocode_type"]),
			f.Geometry.X, f.Geometry.Y)
		if err != nil {
			return etl.NewStorageFatal("geocode_import", "failed to insert debug geocode", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return etl.NewStorageFatal("geocode_import", "failed to commit debug geocodes", err)
	}
	return nil
}
