package pls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/qldspatial/address-etl/internal/snapshot"
	"github.com/qldspatial/address-etl/internal/sparql"
)

// Chunk sizes for the two-phase extractions. The address detail query
// carries five terms per key, so its chunks run smaller than the place
// name pairs before the endpoint times out.
const (
	addressChunkSize   = 5000
	placeNameChunkSize = 10000
)

// siteAddressKey identifies one parcel-address pairing, the grain the
// place name detail query is chunked on.
type siteAddressKey struct {
	ParcelID   string
	AddressIRI string
}

// addressKey carries one pairing plus the road bindings the address
// detail query reuses instead of re-walking the road graph.
type addressKey struct {
	AddressIRI   string
	ParcelID     string
	Road         string
	LocalityCode string
	RoadName     string
}

type ExtractorConfig struct {
	Store  *snapshot.Store
	SPARQL *sparql.Client
	Logger *slog.Logger

	// Debug narrows the site, place name and address extractions to a
	// fixed parcel set.
	Debug bool
}

func (c *ExtractorConfig) Validate() error {
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.SPARQL == nil {
		return errors.New("sparql client is required")
	}
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Extractor pulls the property-location entities out of the SPARQL graph
// and lands them in their snapshot tables.
type Extractor struct {
	cfg ExtractorConfig
	log *slog.Logger
}

func NewExtractor(cfg ExtractorConfig) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid extractor config: %w", err)
	}
	return &Extractor{cfg: cfg, log: cfg.Logger}, nil
}

// Extract populates every entity table, parents before children so the
// foreign-key check at the end of the bulk load can pass.
func (e *Extractor) Extract(ctx context.Context) error {
	steps := []struct {
		table string
		fn    func(context.Context) (int64, error)
	}{
		{"local_auth", e.PopulateLocalAuth},
		{"locality", e.PopulateLocalities},
		{"lf_road", e.PopulateRoads},
		{"lf_parcel", e.PopulateParcels},
		{"lf_site", e.PopulateSites},
		{"lf_place_name", e.PopulatePlaceNames},
		{"lf_address", e.PopulateAddresses},
	}
	for _, step := range steps {
		rows, err := step.fn(ctx)
		if err != nil {
			return err
		}
		e.log.Info("Extracted table", "table", step.table, "rows", rows)
	}
	return nil
}

// PopulateLocalAuth loads every local government authority in one query.
func (e *Extractor) PopulateLocalAuth(ctx context.Context) (int64, error) {
	bindings, err := e.cfg.SPARQL.Select(ctx, localAuthQuery)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch local authorities: %w", err)
	}
	inserter := e.cfg.Store.NewBulkInserter("local_auth", localAuthColumns, false)
	rows := make([][]any, 0, len(bindings))
	for _, b := range bindings {
		rows = append(rows, []any{opt(b, "la_code"), opt(b, "lga_name")})
	}
	if err := inserter.InsertChunk(ctx, rows); err != nil {
		return 0, err
	}
	return inserter.Flush()
}

// PopulateLocalities loads every locality in one query.
func (e *Extractor) PopulateLocalities(ctx context.Context) (int64, error) {
	bindings, err := e.cfg.SPARQL.Select(ctx, localityQuery)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch localities: %w", err)
	}
	inserter := e.cfg.Store.NewBulkInserter("locality", localityColumns, false)
	rows := make([][]any, 0, len(bindings))
	for _, b := range bindings {
		rows = append(rows, []any{
			opt(b, "locality_code"),
			opt(b, "locality_name"),
			opt(b, "locality_type"),
			opt(b, "la_code"),
			opt(b, "state"),
			opt(b, "status"),
		})
	}
	if err := inserter.InsertChunk(ctx, rows); err != nil {
		return 0, err
	}
	return inserter.Flush()
}

// PopulateRoads loads every road referenced by an address in one query.
func (e *Extractor) PopulateRoads(ctx context.Context) (int64, error) {
	bindings, err := e.cfg.SPARQL.Select(ctx, roadQuery)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch roads: %w", err)
	}
	inserter := e.cfg.Store.NewBulkInserter("lf_road", roadInsertColumns, false)
	rows := make([][]any, 0, len(bindings))
	for _, b := range bindings {
		rows = append(rows, []any{
			opt(b, "road_id"),
			opt(b, "road_name"),
			opt(b, "road_name_suffix"),
			opt(b, "road_name_type"),
			opt(b, "locality_code"),
			opt(b, "road_cat_desc"),
		})
	}
	if err := inserter.InsertChunk(ctx, rows); err != nil {
		return 0, err
	}
	return inserter.Flush()
}

// PopulateParcels loads every addressable parcel in one query.
func (e *Extractor) PopulateParcels(ctx context.Context) (int64, error) {
	bindings, err := e.cfg.SPARQL.Select(ctx, parcelQuery)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch parcels: %w", err)
	}
	inserter := e.cfg.Store.NewBulkInserter("lf_parcel", parcelColumns, false)
	rows := make([][]any, 0, len(bindings))
	for _, b := range bindings {
		rows = append(rows, []any{
			opt(b, "parcel_id"),
			opt(b, "plan_no"),
			opt(b, "lot_no"),
		})
	}
	if err := inserter.InsertChunk(ctx, rows); err != nil {
		return 0, err
	}
	return inserter.Flush()
}

// PopulateSites loads one site per parcel-address pair in one query.
func (e *Extractor) PopulateSites(ctx context.Context) (int64, error) {
	bindings, err := e.cfg.SPARQL.Select(ctx, siteQuery(e.cfg.Debug))
	if err != nil {
		return 0, fmt.Errorf("failed to fetch sites: %w", err)
	}
	inserter := e.cfg.Store.NewBulkInserter("lf_site", siteColumns, false)
	rows := make([][]any, 0, len(bindings))
	for _, b := range bindings {
		rows = append(rows, []any{
			opt(b, "site_id"),
			opt(b, "parent_site_id"),
			opt(b, "site_type"),
			opt(b, "parcel_id"),
		})
	}
	if err := inserter.InsertChunk(ctx, rows); err != nil {
		return 0, err
	}
	return inserter.Flush()
}

// PopulatePlaceNames lists the parcel-address pairs, then pulls their
// property names in chunks. Most pairs have no property name and drop out
// in the detail query.
func (e *Extractor) PopulatePlaceNames(ctx context.Context) (int64, error) {
	bindings, err := e.cfg.SPARQL.Select(ctx, placeNameKeysQuery(e.cfg.Debug))
	if err != nil {
		return 0, fmt.Errorf("failed to list place name keys: %w", err)
	}
	keys := make([]siteAddressKey, 0, len(bindings))
	for _, b := range bindings {
		parcel, ok := b.Str("parcel_id")
		if !ok {
			continue
		}
		addr, ok := b.Str("addr_iri")
		if !ok {
			continue
		}
		keys = append(keys, siteAddressKey{ParcelID: parcel, AddressIRI: addr})
	}
	e.log.Info("Retrieved place name keys", "count", len(keys))

	inserter := e.cfg.Store.NewBulkInserter("lf_place_name", placeNameColumns, false)
	for start := 0; start < len(keys); start += placeNameChunkSize {
		end := min(start+placeNameChunkSize, len(keys))
		bindings, err := e.cfg.SPARQL.Select(ctx, placeNameRowsQuery(keys[start:end]))
		if err != nil {
			return 0, fmt.Errorf("failed to fetch place name rows: %w", err)
		}
		rows := make([][]any, 0, len(bindings))
		for _, b := range bindings {
			rows = append(rows, []any{
				opt(b, "place_name_id"),
				opt(b, "pl_name_status_code"),
				opt(b, "pl_name_type_code"),
				opt(b, "pl_name"),
				opt(b, "site_id"),
			})
		}
		if err := inserter.InsertChunk(ctx, rows); err != nil {
			return 0, err
		}
	}
	return inserter.Flush()
}

// PopulateAddresses lists the address keys, then pulls the denormalised
// rows in chunks.
func (e *Extractor) PopulateAddresses(ctx context.Context) (int64, error) {
	bindings, err := e.cfg.SPARQL.Select(ctx, addressKeysQuery(e.cfg.Debug))
	if err != nil {
		return 0, fmt.Errorf("failed to list address keys: %w", err)
	}
	keys := make([]addressKey, 0, len(bindings))
	for _, b := range bindings {
		key, ok := newAddressKey(b)
		if !ok {
			continue
		}
		keys = append(keys, key)
	}
	e.log.Info("Retrieved address keys", "count", len(keys))

	inserter := e.cfg.Store.NewBulkInserter("lf_address", addressColumns, false)
	for start := 0; start < len(keys); start += addressChunkSize {
		end := min(start+addressChunkSize, len(keys))
		bindings, err := e.cfg.SPARQL.Select(ctx, addressRowsQuery(keys[start:end]))
		if err != nil {
			return 0, fmt.Errorf("failed to fetch address rows: %w", err)
		}
		rows := make([][]any, 0, len(bindings))
		for _, b := range bindings {
			rows = append(rows, addressRow(b))
		}
		if err := inserter.InsertChunk(ctx, rows); err != nil {
			return 0, err
		}
	}
	return inserter.Flush()
}

// newAddressKey reads one keys-query solution. Solutions missing any
// binding are skipped; the detail query could not use them.
func newAddressKey(b sparql.Binding) (addressKey, bool) {
	var key addressKey
	var ok bool
	if key.AddressIRI, ok = b.Str("addr_iri"); !ok {
		return addressKey{}, false
	}
	if key.ParcelID, ok = b.Str("parcel_id"); !ok {
		return addressKey{}, false
	}
	if key.Road, ok = b.Str("road"); !ok {
		return addressKey{}, false
	}
	if key.LocalityCode, ok = b.Str("locality_code"); !ok {
		return addressKey{}, false
	}
	if key.RoadName, ok = b.Str("_road_name"); !ok {
		return addressKey{}, false
	}
	return key, true
}

// addressRow orders one solution's terms to match addressColumns.
// location_desc is never bound; the layer carries the column anyway.
func addressRow(b sparql.Binding) []any {
	return []any{
		opt(b, "addr_id"),
		opt(b, "address_pid"),
		opt(b, "parcel_id"),
		opt(b, "addr_status_code"),
		opt(b, "unit_type"),
		opt(b, "unit_no"),
		opt(b, "unit_suffix"),
		opt(b, "level_type"),
		opt(b, "level_no"),
		opt(b, "level_suffix"),
		opt(b, "street_no_first"),
		opt(b, "street_no_first_suffix"),
		opt(b, "street_no_last"),
		opt(b, "street_no_last_suffix"),
		opt(b, "road_id"),
		opt(b, "site_id"),
		opt(b, "location_desc"),
		opt(b, "address_standard"),
	}
}

// opt returns the bound value, or SQL NULL when the variable is unbound.
func opt(b sparql.Binding, name string) any {
	if v, ok := b.Str(name); ok {
		return v
	}
	return nil
}
