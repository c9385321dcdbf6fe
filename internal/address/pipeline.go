package address

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
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
	// LockID serialises location-address runs across process instances.
	LockID = "address-etl"

	// S3Prefix is where this pipeline's snapshots live in the bucket.
	S3Prefix = "etl/"

	snapshotName = "address.db"
	previousName = "address_previous.db"
)

type PipelineConfig struct {
	Config    *etl.Config
	SPARQL    *sparql.Client
	ESRI      *esri.Client
	Publisher *publish.Publisher
	Lease     *lease.Lease
	Clock     clockwork.Clock
	Logger    *slog.Logger
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
	return nil
}

// Pipeline is the location-address run coordinator.
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

	path := p.cfg.Config.SQLitePath
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

	watermark, attached, err := p.loadPrevious(ctx, store)
	if err != nil {
		return err
	}

	extractor, err := NewExtractor(ExtractorConfig{
		Store:    store,
		SPARQL:   p.cfg.SPARQL,
		Logger:   p.log,
		IRILimit: p.cfg.Config.AddressIRILimit,
	})
	if err != nil {
		return err
	}
	iris, err := extractor.AddressIRIs(ctx)
	if err != nil {
		return err
	}
	staged, err := extractor.PopulateStaging(ctx, iris)
	if err != nil {
		return err
	}
	p.log.Info("Staged addresses", "rows", staged)

	if err := p.importGeocodes(ctx, db, watermark); err != nil {
		return err
	}

	if err := CreateIndexes(ctx, db); err != nil {
		return err
	}
	if err := BuildCurrent(ctx, db, p.log); err != nil {
		return err
	}
	if err := store.EndBulkLoad(ctx); err != nil {
		return err
	}

	if err := snapshot.HashTable(ctx, db, "address_current", "id"); err != nil {
		return err
	}
	deleted, added, err := snapshot.TableDiff(ctx, db, "id", "address_pid", "address_previous", "address_current")
	if err != nil {
		return err
	}

	sync, err := syncer.New(syncer.Config{DB: db, Client: p.cfg.ESRI, Logger: p.log})
	if err != nil {
		return err
	}
	if err := sync.Sync(ctx, Entity(p.cfg.Config.LocationAddressing), deleted, added); err != nil {
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

// loadPrevious downloads and attaches the previous snapshot, copies its
// current rows into address_previous for diffing, seeds the geocode table
// so the incremental import only has to refresh what changed, and returns
// the previous run's start time as the geocode watermark.
func (p *Pipeline) loadPrevious(ctx context.Context, store *snapshot.Store) (*time.Time, bool, error) {
	previousPath := filepath.Join(filepath.Dir(store.Path()), previousName)
	found, err := p.cfg.Publisher.FetchPrevious(ctx, previousPath)
	if err != nil {
		return nil, false, err
	}
	if !found {
		p.log.Info("No previous snapshot, treating every address as new")
		return nil, false, nil
	}

	if err := store.AttachPrevious(ctx, previousPath); err != nil {
		return nil, false, err
	}
	copies := []struct{ dest, src string }{
		{"address_previous", "address_current"},
		{"geocode", "geocode"},
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
// debug run fetches only the staged addresses' geocodes; otherwise the
// whole layer is walked, narrowed to the watermark when there is one.
func (p *Pipeline) importGeocodes(ctx context.Context, db *sql.DB, watermark *time.Time) error {
	if p.cfg.Config.GeocodeDebug {
		return ImportGeocodesForStaged(ctx, db, p.cfg.ESRI, p.log, p.cfg.Config.Geocode.QueryURL)
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
