// Package geocode scrapes the point geocode layer into a snapshot table.
// The address and property-location pipelines share the walk and differ
// only in the table each one lands rows in.
package geocode

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/qldspatial/address-etl/internal/esri"
	"github.com/qldspatial/address-etl/internal/etl"
	"github.com/qldspatial/address-etl/internal/snapshot"
)

// SourceFilter keeps historic geocodes and the bulk-imported sources out
// of every walk of the layer.
const SourceFilter = "(geocode_status IS NULL OR geocode_status <> 'H') AND LOWER(geocode_source) NOT LIKE 'derived from geoscape buildings%' AND LOWER(geocode_source) NOT LIKE 'asa geocodes%'"

const outFields = "objectid,geocode_type,address_pid"

// UpsertFunc lands one page of geocode features, inside the transaction
// the importer manages per page.
type UpsertFunc func(ctx context.Context, tx *sql.Tx, features []esri.Feature) error

type ImporterConfig struct {
	DB       *sql.DB
	Client   *esri.Client
	Logger   *slog.Logger
	QueryURL string
	Upsert   UpsertFunc

	// PageSize defaults to esri.MutatingPageSize.
	PageSize int
}

func (c *ImporterConfig) Validate() error {
	if c.DB == nil {
		return errors.New("db is required")
	}
	if c.Client == nil {
		return errors.New("esri client is required")
	}
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.QueryURL == "" {
		return errors.New("query url is required")
	}
	if c.Upsert == nil {
		return errors.New("upsert func is required")
	}
	if c.PageSize <= 0 {
		c.PageSize = esri.MutatingPageSize
	}
	return nil
}

type Importer struct {
	cfg ImporterConfig
	log *slog.Logger
}

func NewImporter(cfg ImporterConfig) (*Importer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid geocode importer config: %w", err)
	}
	return &Importer{cfg: cfg, log: cfg.Logger}, nil
}

// Import walks every geocode passing SourceFilter and upserts each page.
// A non-nil since narrows the walk to rows edited at or after it, which
// is how a run refreshes only what changed since the previous snapshot.
func (i *Importer) Import(ctx context.Context, since *time.Time) error {
	where := SourceFilter
	if since != nil {
		where += fmt.Sprintf(" AND last_edited_date >= DATE '%s'", snapshot.ToESRITimestamp(*since))
	}

	pager := &esri.Paginator{Client: i.cfg.Client, Logger: i.log, PageSize: i.cfg.PageSize}
	return pager.FetchAll(ctx, i.cfg.QueryURL, where, outFields, true, func(page esri.Page) error {
		return i.upsertPage(ctx, page.Features)
	})
}

func (i *Importer) upsertPage(ctx context.Context, features []esri.Feature) error {
	tx, err := i.cfg.DB.BeginTx(ctx, nil)
	if err != nil {
		return etl.NewStorageFatal("geocode_import", "failed to begin transaction", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			i.log.Error("Failed to rollback geocode page", "error", err)
		}
	}()

	if err := i.cfg.Upsert(ctx, tx, features); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return etl.NewStorageFatal("geocode_import", "failed to commit geocode page", err)
	}
	return nil
}

// Int64Attr reads a numeric attribute, tolerating the float64 the JSON
// decoder hands back.
func Int64Attr(attrs map[string]any, name string) (int64, error) {
	switch v := attrs[name].(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	default:
		return 0, etl.NewDataIntegrity("geocode_import", fmt.Sprintf("attribute %s is %T, want number", name, attrs[name]), nil)
	}
}

// Attr normalises a decoded attribute for storage. Integral floats become
// int64 so TEXT-affinity columns store "123" rather than "123.0".
func Attr(v any) any {
	if f, ok := v.(float64); ok && f == math.Trunc(f) {
		return int64(f)
	}
	return v
}
