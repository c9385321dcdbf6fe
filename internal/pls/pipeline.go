package pls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/qldspatial/address-etl/internal/esri"
	"github.com/qldspatial/address-etl/internal/etl"
	"github.com/qldspatial/address-etl/internal/geocode"
	"github.com/qldspatial/address-etl/internal/lease"
	"github.com/qldspatial/address-etl/internal/publish"
	"github.com/qldspatial/address-etl/internal/snapshot"
	"github.com/qldspatial/address-etl/internal/sparql"
	"github.com/qldspatial/address-etl/internal/syncer"
)

const (
	// LockID serialises property-location runs across process instances.
	// It differs from the location-address lock, so the two pipelines can
	// run concurrently.
	LockID = "address-etl-pls"

	// S3Prefix is where this pipeline's snapshots live in the bucket.
	S3Prefix = "pls-etl/"

	snapshotName = "pls.db"
	previousName = "pls_previous.db"
)

type PipelineConfig struct {
	Config    *etl.Config
	SPARQL    *sparql.Client
	ESRI      *esri.Client
	Publisher *publish.Publisher
	Lease     *lease.Lease
	Clock     clockwork.Clock
	Logger    *slog.Logger

	// DiffReport receives the per-entity diff table at the end of each
	// run. Defaults to stdout.
	DiffReport io.Writer
}

func (c *PipelineConfig) Validate() error {
	if c.Config == nil {
		return errors.New("config is required")
	}
	if c.SPARQL == nil {
		return errors.New("sparql client is required")
	}
	if c.ESRI == nil {
		return errors.New("esri client is required")
	}
	if c.Publisher == nil {
		return errors.New("publisher is required")
	}
	if c.Lease == nil {
		return errors.New("lease is required")
	}
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.DiffReport == nil {
		c.DiffReport = os.Stdout
	}
	return nil
}

// Pipeline is the property-location run coordinator.
type Pipeline struct {
	cfg PipelineConfig
	log *slog.Logger
}

func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	return &Pipeline{cfg: cfg, log: cfg.Logger}, nil
}

// Run executes one full refresh under the exclusive lease. The lease is
// released on every path out; a failed run publishes nothing.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.cfg.Lease.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if err := p.cfg.Lease.Release(context.WithoutCancel(ctx)); err != nil {
			p.log.Error("Failed to release lease", "error", err)
		}
	}()
	return p.run(ctx)
}

func (p *Pipeline) run(ctx context.Context) error {
	if err := p.cfg.Publisher.EnsureBucket(ctx); err != nil {
		return err
	}

	path := p.cfg.Config.PLSSQLitePath
	if err := snapshot.Reset(path); err != nil {
		return err
	}
	store, err := snapshot.Open(path, p.log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			p.log.Error("Failed to close snapshot store", "error", err)
		}
	}()
	db := store.DB()

	if err := store.BeginBulkLoad(ctx); err != nil {
		return err
	}
	if err := CreateTables(ctx, db, p.log); err != nil {
		return err
	}
	stamp, err := snapshot.RecordStart(ctx, db, p.cfg.Clock)
	if err != nil {
		return err
	}

	ents := Entities(p.cfg.Config.PLS)
	watermark, attached, err := p.loadPrevious(ctx, store, ents)
	if err != nil {
		return err
	}

	extractor, err := NewExtractor(ExtractorConfig{
		Store:  store,
		SPARQL: p.cfg.SPARQL,
		Logger: p.log,
		Debug:  p.cfg.Config.Debug,
	})
	if err != nil {
		return err
	}
	if err := extractor.Extract(ctx); err != nil {
		return err
	}

	if err := p.importGeocodes(ctx, db, watermark); err != nil {
		return err
	}

	if err := CreateIndexes(ctx, db); err != nil {
		return err
	}
	if err := UpdateGeocodeSiteID(ctx, db, p.log); err != nil {
		return err
	}
	if err := store.EndBulkLoad(ctx); err != nil {
		return err
	}

	// Primary keys are rewritten before hashing, so the hashes cover the
	// integer ids the layers receive.
	for _, m := range idMaps {
		if err := snapshot.RewritePKColumn(ctx, db, p.log, m.mapTable, m.table, m.column, m.indexes); err != nil {
			return err
		}
	}
	for _, ent := range ents {
		if err := snapshot.HashTable(ctx, db, ent.Table, "hash"); err != nil {
			return err
		}
	}

	diffs := make([]EntityDiff, len(ents))
	for i, ent := range ents {
		deleted, added, err := snapshot.TableDiff(ctx, db, "hash", ent.IDColumn, ent.Table+"_previous", ent.Table)
		if err != nil {
			return err
		}
		diffs[i] = EntityDiff{Entity: ent.Name, Deleted: deleted, Added: added}
	}
	WriteDiffReport(p.cfg.DiffReport, diffs)

	if err := p.sync(ctx, db, ents, diffs); err != nil {
		return err
	}

	if err := snapshot.RecordEnd(ctx, db, p.cfg.Clock); err != nil {
		return err
	}
	if attached {
		if err := store.DetachPrevious(ctx); err != nil {
			return err
		}
	}
	if err := store.Checkpoint(ctx); err != nil {
		return err
	}

	url, err := p.cfg.Publisher.PublishCurrent(ctx, path, stamp, snapshotName)
	if err != nil {
		return err
	}
	p.log.Info("Run finished", "snapshot_url", url)
	return nil
}

type tableCopy struct {
	dest, src string
}

// loadPrevious downloads and attaches the previous snapshot and copies
// forward everything a diffing run needs: each entity's rows into its
// _previous twin, the geocode table itself so the incremental import only
// refreshes what changed, and the id maps so every IRI keeps the integer
// id it was assigned in an earlier run. Returns the previous run's start
// time as the geocode watermark.
func (p *Pipeline) loadPrevious(ctx context.Context, store *snapshot.Store, ents []syncer.Entity) (*time.Time, bool, error) {
	previousPath := filepath.Join(filepath.Dir(store.Path()), previousName)
	found, err := p.cfg.Publisher.FetchPrevious(ctx, previousPath)
	if err != nil {
		return nil, false, err
	}
	if !found {
		p.log.Info("No previous snapshot, treating every record as new")
		return nil, false, nil
	}

	if err := store.AttachPrevious(ctx, previousPath); err != nil {
		return nil, false, err
	}
	copies := make([]tableCopy, 0, len(ents)+len(idMaps)+1)
	for _, ent := range ents {
		copies = append(copies, tableCopy{ent.Table + "_previous", ent.Table})
	}
	copies = append(copies, tableCopy{"lf_geocode_sp_survey_point", "lf_geocode_sp_survey_point"})
	for _, m := range idMaps {
		copies = append(copies, tableCopy{m.mapTable, m.mapTable})
	}
	for _, c := range copies {
		ok, err := store.PreviousHasTable(ctx, c.src)
		if err != nil {
			return nil, true, err
		}
		if !ok {
			p.log.Warn("Previous snapshot is missing a table", "table", c.src)
			continue
		}
		if err := store.CopyFromPrevious(ctx, c.dest, c.src); err != nil {
			return nil, true, err
		}
	}

	start, ok, err := snapshot.PreviousStartTime(ctx, store.DB())
	if err != nil {
		return nil, true, err
	}
	if !ok {
		p.log.Warn("Previous snapshot has no start time, pulling all geocodes")
		return nil, true, nil
	}
	return &start, true, nil
}

// importGeocodes refreshes the geocode table from the feature service. A
// debug run fetches only the extracted addresses' geocodes; otherwise the
// whole layer is walked, narrowed to the watermark when there is one.
func (p *Pipeline) importGeocodes(ctx context.Context, db *sql.DB, watermark *time.Time) error {
	if p.cfg.Config.GeocodeDebug {
		return ImportGeocodesForExtracted(ctx, db, p.cfg.ESRI, p.log, p.cfg.Config.Geocode.QueryURL)
	}
	importer, err := geocode.NewImporter(geocode.ImporterConfig{
		DB:       db,
		Client:   p.cfg.ESRI,
		Logger:   p.log,
		QueryURL: p.cfg.Config.Geocode.QueryURL,
		Upsert:   UpsertGeocodes,
	})
	if err != nil {
		return err
	}
	return importer.Import(ctx, watermark)
}

// sync applies the diffs to the layers. Deletes walk children before
// parents and inserts walk parents before children, so the service never
// holds a record whose parent is missing.
func (p *Pipeline) sync(ctx context.Context, db *sql.DB, ents []syncer.Entity, diffs []EntityDiff) error {
	sync, err := syncer.New(syncer.Config{DB: db, Client: p.cfg.ESRI, Logger: p.log})
	if err != nil {
		return err
	}
	for i := len(ents) - 1; i >= 0; i-- {
		if len(diffs[i].Deleted) == 0 {
			continue
		}
		if err := sync.Delete(ctx, ents[i], diffs[i].Deleted); err != nil {
			return err
		}
	}
	for i, ent := range ents {
		union := syncer.Union(diffs[i].Added, diffs[i].Deleted)
		if len(union) == 0 {
			continue
		}
		if err := sync.Insert(ctx, ent, union); err != nil {
			return err
		}
	}
	return nil
}
