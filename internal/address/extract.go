package address

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/qldspatial/address-etl/internal/snapshot"
	"github.com/qldspatial/address-etl/internal/sparql"
)

// iriChunkSize is how many IRIs each row query carries in its VALUES
// block. Larger chunks time out on the endpoint.
const iriChunkSize = 1000

type ExtractorConfig struct {
	Store  *snapshot.Store
	SPARQL *sparql.Client
	Logger *slog.Logger

	// IRILimit caps the address listing. Zero means no limit; only debug
	// runs set it.
	IRILimit int
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

// Extractor pulls current addresses out of the SPARQL graph and lands them
// in address_current_staging.
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

// AddressIRIs lists the IRI of every address whose latest lifecycle stage
// is current and unended.
func (e *Extractor) AddressIRIs(ctx context.Context) ([]string, error) {
	bindings, err := e.cfg.SPARQL.Select(ctx, addressIRIsQuery(e.cfg.IRILimit))
	if err != nil {
		return nil, fmt.Errorf("failed to list address IRIs: %w", err)
	}
	iris := make([]string, 0, len(bindings))
	for _, b := range bindings {
		if iri, ok := b.Str("iri"); ok {
			iris = append(iris, iri)
		}
	}
	e.log.Info("Retrieved address IRIs to process", "count", len(iris))
	return iris, nil
}

// PopulateStaging fetches the denormalised row for each IRI, chunked to
// keep the VALUES blocks bounded, and bulk-inserts them into the staging
// table. It returns the number of rows written.
func (e *Extractor) PopulateStaging(ctx context.Context, iris []string) (int64, error) {
	chunks := sparql.ChunkStrings(iris, iriChunkSize)
	e.log.Info("Populating address staging table", "chunks", len(chunks))

	inserter := e.cfg.Store.NewBulkInserter("address_current_staging", stagingColumns, false)
	for i, chunk := range chunks {
		bindings, err := e.cfg.SPARQL.Select(ctx, addressRowsQuery(chunk))
		if err != nil {
			return 0, fmt.Errorf("failed to fetch address rows for chunk %d: %w", i+1, err)
		}
		rows := make([][]any, 0, len(bindings))
		for _, b := range bindings {
			rows = append(rows, stagingRow(b))
		}
		if err := inserter.InsertChunk(ctx, rows); err != nil {
			return 0, err
		}
	}
	return inserter.Flush()
}

// stagingRow orders one solution's terms to match stagingColumns. The id
// and geocode columns start NULL: geocodes arrive from the feature service
// later, and the hash is computed only after the join fills them in.
func stagingRow(b sparql.Binding) []any {
	return []any{
		nil, // id
		opt(b, "lot"),
		opt(b, "plan"),
		opt(b, "unit_type"),
		opt(b, "unit_number"),
		opt(b, "unit_suffix"),
		opt(b, "floor_type"),
		opt(b, "floor_number"),
		opt(b, "floor_suffix"),
		opt(b, "property_name"),
		opt(b, "street_no_1"),
		opt(b, "street_no_1_suffix"),
		opt(b, "street_no_2"),
		opt(b, "street_no_2_suffix"),
		opt(b, "street_number"),
		opt(b, "street_name"),
		opt(b, "street_type"),
		opt(b, "street_suffix"),
		opt(b, "street_full"),
		opt(b, "locality"),
		opt(b, "local_authority"),
		opt(b, "state"),
		ConcatenatedAddress(b),
		opt(b, "address_status"),
		opt(b, "address_standard"),
		opt(b, "lotplan_status"),
		opt(b, "address_pid"),
		nil, // geocode_type
		nil, // latitude
		nil, // longitude
	}
}

// opt returns the bound value, or SQL NULL when the variable is unbound.
func opt(b sparql.Binding, name string) any {
	if v, ok := b.Str(name); ok {
		return v
	}
	return nil
}

// ConcatenatedAddress renders the single-line address stored in the address
// column, e.g. "U36/148C Walker Street Townsville City QLD". The unit and
// number-range separators only appear when the parts they join are bound.
func ConcatenatedAddress(b sparql.Binding) string {
	v := func(name string) string {
		s, _ := b.Str(name)
		return s
	}
	unitSep := ""
	if v("unit_number") != "" {
		unitSep = "/"
	}
	rangeSep := ""
	if v("street_no_2") != "" {
		rangeSep = "-"
	}
	return fmt.Sprintf("%s%s%s%s%s%s%s%s%s %s %s %s",
		v("unit_type"), v("unit_number"), v("unit_suffix"), unitSep,
		v("street_no_1"), v("street_no_1_suffix"), rangeSep,
		v("street_no_2"), v("street_no_2_suffix"),
		v("street_full"), v("locality"), v("state"))
}
