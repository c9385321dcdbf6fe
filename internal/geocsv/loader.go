// Package geocsv bulk-loads geocode extracts from CSV into a feature
// service layer, batching rows and posting the batches from a worker
// pool. It exists for the one-off backfills that are too big for the
// incremental import.
package geocsv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/qldspatial/address-etl/internal/esri"
	"github.com/qldspatial/address-etl/internal/etl"
)

// DefaultFile is the extract filename the load command looks for when no
// path is given.
const DefaultFile = "geocodes_for_esri.csv"

// BulkHTTPTimeout is the per-request timeout for backfill batches, which
// run far longer than the pipeline's incremental edits.
const BulkHTTPTimeout = 600 * time.Second

const (
	defaultWorkers   = 4
	defaultBatchSize = 10000
)

type LoaderConfig struct {
	Client   *esri.Client
	EditsURL string
	Logger   *slog.Logger

	// Workers is the number of batches in flight at once.
	Workers int

	// BatchSize is the number of features per applyEdits call.
	BatchSize int
}

func (c *LoaderConfig) Validate() error {
	if c.Client == nil {
		return errors.New("esri client is required")
	}
	if c.EditsURL == "" {
		return errors.New("edits url is required")
	}
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	return nil
}

// Loader posts CSV rows to a layer as point features. Every CSV column
// rides along as a string attribute; longitude and latitude also become
// the feature's geometry.
type Loader struct {
	cfg  LoaderConfig
	log  *slog.Logger
	pool pond.ResultPool[int]
}

func New(cfg LoaderConfig) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid loader config: %w", err)
	}
	return &Loader{
		cfg:  cfg,
		log:  cfg.Logger,
		pool: pond.NewResultPool[int](cfg.Workers),
	}, nil
}

// LoadFile reads the CSV at path and loads it. See Load.
func (l *Loader) LoadFile(ctx context.Context, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, etl.NewStorageFatal("geocode_csv", fmt.Sprintf("failed to open %s", path), err)
	}
	defer f.Close()
	return l.Load(ctx, f)
}

// Load parses the CSV, batches its rows and posts the batches through the
// worker pool. The first failed batch cancels the rest; a partial load is
// safe to re-run because the layer is keyed on geocode_id. Returns the
// number of features posted.
func (l *Loader) Load(ctx context.Context, r io.Reader) (int64, error) {
	batches, err := l.readBatches(r)
	if err != nil {
		return 0, err
	}
	l.log.Info("Loading geocode batches", "batches", len(batches), "workers", l.cfg.Workers)

	group := l.pool.NewGroupContext(ctx)
	for i, batch := range batches {
		job := i + 1
		features := batch
		group.SubmitErr(func() (int, error) {
			if _, err := l.cfg.Client.ApplyEdits(ctx, l.cfg.EditsURL, features, nil); err != nil {
				return 0, fmt.Errorf("failed to load geocode batch %d: %w", job, err)
			}
			l.log.Info("Loaded geocode batch", "job", job, "count", len(features))
			return len(features), nil
		})
	}
	results, err := group.Wait()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, n := range results {
		total += int64(n)
	}
	l.log.Info("Finished geocode load", "total", total)
	return total, nil
}

// readBatches parses the CSV into feature batches. The header row names
// the attributes; longitude and latitude are required and must parse.
func (l *Loader) readBatches(r io.Reader) ([][]esri.Feature, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, etl.NewDataIntegrity("geocode_csv", "failed to read csv header", err)
	}
	lonCol, latCol := -1, -1
	for i, name := range header {
		switch name {
		case "longitude":
			lonCol = i
		case "latitude":
			latCol = i
		}
	}
	if lonCol < 0 || latCol < 0 {
		return nil, etl.NewDataIntegrity("geocode_csv", "csv is missing a longitude or latitude column", nil)
	}

	var batches [][]esri.Feature
	batch := make([]esri.Feature, 0, l.cfg.BatchSize)
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, etl.NewDataIntegrity("geocode_csv", "failed to read csv row", err)
		}
		line++

		lon, err := strconv.ParseFloat(record[lonCol], 64)
		if err != nil {
			return nil, etl.NewDataIntegrity("geocode_csv", fmt.Sprintf("row %d has a bad longitude", line), err)
		}
		lat, err := strconv.ParseFloat(record[latCol], 64)
		if err != nil {
			return nil, etl.NewDataIntegrity("geocode_csv", fmt.Sprintf("row %d has a bad latitude", line), err)
		}
		attrs := make(map[string]any, len(header))
		for i, name := range header {
			attrs[name] = record[i]
		}
		batch = append(batch, esri.Feature{
			Attributes: attrs,
			Geometry:   esri.PointZ(lon, lat, 0),
		})
		if len(batch) == l.cfg.BatchSize {
			batches = append(batches, batch)
			batch = make([]esri.Feature, 0, l.cfg.BatchSize)
		}
	}
	if len(batch) > 0 {
		batches = append(batches, batch)
	}
	return batches, nil
}
