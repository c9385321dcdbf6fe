package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/qldspatial/address-etl/internal/address"
	"github.com/qldspatial/address-etl/internal/esri"
	"github.com/qldspatial/address-etl/internal/etl"
	"github.com/qldspatial/address-etl/internal/geocsv"
	"github.com/qldspatial/address-etl/internal/lease"
	"github.com/qldspatial/address-etl/internal/pls"
	"github.com/qldspatial/address-etl/internal/publish"
	"github.com/qldspatial/address-etl/internal/snapshot"
	"github.com/qldspatial/address-etl/internal/sparql"
	"github.com/qldspatial/address-etl/internal/syncer"
)

const defaultEnvFile = ".env"

var (
	envFile       string
	verbose       bool
	geocodeFile   string
	addressDBPath string

	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "address-etl",
	Short: "Queensland address and property-location feature service loader",
	Long: `address-etl extracts addressing data from the QSAS SPARQL endpoint into
SQLite snapshots, diffs each snapshot against the previously published one
and pushes only the changed features to the ArcGIS layers.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("address-etl %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the location-address pipeline once",
	Run: func(cmd *cobra.Command, args []string) {
		log := etl.NewLogger(verbose)
		cfg := mustConfig(log)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		publisher, err := newPublisher(ctx, cfg, log, cfg.S3Bucket, address.S3Prefix)
		if err != nil {
			fatal(log, "Failed to build publisher", err)
		}
		lock, err := newLease(ctx, cfg, log, address.LockID)
		if err != nil {
			fatal(log, "Failed to build lease", err)
		}

		pipeline, err := address.NewPipeline(address.PipelineConfig{
			Config:    cfg,
			SPARQL:    newSPARQLClient(cfg, log),
			ESRI:      mustESRIClient(cfg, log, cfg.HTTPTimeout),
			Publisher: publisher,
			Lease:     lock,
			Logger:    log,
		})
		if err != nil {
			fatal(log, "Failed to build pipeline", err)
		}
		if err := pipeline.Run(ctx); err != nil {
			if etl.IsType(err, etl.ErrorTypeLeaseUnavailable) {
				log.Info("Another run holds the lease, exiting", "error", err)
				return
			}
			fatal(log, "Run failed", err)
		}
	},
}

var runPLSCmd = &cobra.Command{
	Use:   "run-pls",
	Short: "Run the property-location pipeline once",
	Run: func(cmd *cobra.Command, args []string) {
		log := etl.NewLogger(verbose)
		cfg := mustConfig(log)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		publisher, err := newPublisher(ctx, cfg, log, cfg.PLSS3Bucket, pls.S3Prefix)
		if err != nil {
			fatal(log, "Failed to build publisher", err)
		}
		lock, err := newLease(ctx, cfg, log, pls.LockID)
		if err != nil {
			fatal(log, "Failed to build lease", err)
		}

		pipeline, err := pls.NewPipeline(pls.PipelineConfig{
			Config:    cfg,
			SPARQL:    newSPARQLClient(cfg, log),
			ESRI:      mustESRIClient(cfg, log, cfg.HTTPTimeout),
			Publisher: publisher,
			Lease:     lock,
			Logger:    log,
		})
		if err != nil {
			fatal(log, "Failed to build pipeline", err)
		}
		if err := pipeline.Run(ctx); err != nil {
			if etl.IsType(err, etl.ErrorTypeLeaseUnavailable) {
				log.Info("Another run holds the lease, exiting", "error", err)
				return
			}
			fatal(log, "Run failed", err)
		}
	},
}

var loadGeocodesCmd = &cobra.Command{
	Use:   "load-geocodes",
	Short: "Bulk load a geocode CSV extract into the geocode layer",
	Run: func(cmd *cobra.Command, args []string) {
		log := etl.NewLogger(verbose)
		cfg := mustConfig(log)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		loader, err := geocsv.New(geocsv.LoaderConfig{
			Client:   mustESRIClient(cfg, log, geocsv.BulkHTTPTimeout),
			EditsURL: cfg.Geocode.EditsURL,
			Logger:   log,
		})
		if err != nil {
			fatal(log, "Failed to build loader", err)
		}
		total, err := loader.LoadFile(ctx, geocodeFile)
		if err != nil {
			fatal(log, "Load failed", err)
		}
		log.Info("Loaded geocodes", "file", geocodeFile, "rows", total)
	},
}

var seedGeocodesCmd = &cobra.Command{
	Use:   "seed-geocodes",
	Short: "Copy geocodes from an address snapshot into a fresh property-location snapshot",
	Long: `seed-geocodes builds a property-location snapshot whose geocode table is
copied from a published address snapshot. Publishing that snapshot lets the
first run-pls copy the geocodes forward instead of walking the whole layer.`,
	Run: func(cmd *cobra.Command, args []string) {
		log := etl.NewLogger(verbose)
		cfg := mustConfig(log)
		ctx := context.Background()

		if addressDBPath == "" {
			addressDBPath = cfg.SQLitePath
		}
		if err := snapshot.Reset(cfg.PLSSQLitePath); err != nil {
			fatal(log, "Failed to reset snapshot", err)
		}
		store, err := snapshot.Open(cfg.PLSSQLitePath, log)
		if err != nil {
			fatal(log, "Failed to open snapshot", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Error("Failed to close snapshot store", "error", err)
			}
		}()

		if err := pls.CreateTables(ctx, store.DB(), log); err != nil {
			fatal(log, "Failed to create tables", err)
		}
		rows, err := pls.SeedFromAddressSnapshot(ctx, store.DB(), log, addressDBPath)
		if err != nil {
			fatal(log, "Seed failed", err)
		}
		log.Info("Seeded snapshot", "path", cfg.PLSSQLitePath, "rows", rows)
	},
}

var purgeAddressesCmd = &cobra.Command{
	Use:   "purge-addresses",
	Short: "Delete every feature from the location addressing layer",
	Run: func(cmd *cobra.Command, args []string) {
		log := etl.NewLogger(verbose)
		cfg := mustConfig(log)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		total, err := syncer.Purge(ctx, mustESRIClient(cfg, log, cfg.HTTPTimeout), log, address.Entity(cfg.LocationAddressing), "1=1")
		if err != nil {
			fatal(log, "Purge failed", err)
		}
		log.Info("Purged addresses", "total", total)
	},
}

var purgeGeocodesCmd = &cobra.Command{
	Use:   "purge-geocodes",
	Short: "Delete every feature from the geocode layer",
	Run: func(cmd *cobra.Command, args []string) {
		log := etl.NewLogger(verbose)
		cfg := mustConfig(log)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		ent := syncer.Entity{
			Name:     "geocode",
			QueryURL: cfg.Geocode.QueryURL,
			EditsURL: cfg.Geocode.EditsURL,
		}
		total, err := syncer.Purge(ctx, mustESRIClient(cfg, log, cfg.HTTPTimeout), log, ent, "1=1")
		if err != nil {
			fatal(log, "Purge failed", err)
		}
		log.Info("Purged geocodes", "total", total)
	},
}

// mustConfig loads the .env file and the process configuration. A missing
// .env is an error only when the operator pointed at one explicitly.
func mustConfig(log *slog.Logger) *etl.Config {
	if err := godotenv.Load(envFile); err != nil {
		if envFile != defaultEnvFile || !errors.Is(err, os.ErrNotExist) {
			fatal(log, "Failed to load env file", err)
		}
	}
	cfg, err := etl.ConfigFromEnv()
	if err != nil {
		fatal(log, "Failed to read configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal(log, "Invalid configuration", err)
	}
	return cfg
}

func mustESRIClient(cfg *etl.Config, log *slog.Logger, timeout time.Duration) *esri.Client {
	httpClient := &http.Client{Timeout: timeout}
	broker, err := esri.NewTokenBroker(esri.TokenBrokerConfig{
		AuthURL:    cfg.ESRIAuthURL,
		Referer:    cfg.ESRIReferer,
		Username:   cfg.ESRIUsername,
		Password:   cfg.ESRIPassword,
		HTTPClient: httpClient,
		Logger:     log,
	})
	if err != nil {
		fatal(log, "Failed to build token broker", err)
	}
	client, err := esri.NewClient(esri.ClientConfig{
		HTTPClient:   httpClient,
		Broker:       broker,
		RetryMaxTime: cfg.HTTPRetryMaxTime,
		Logger:       log,
	})
	if err != nil {
		fatal(log, "Failed to build feature service client", err)
	}
	return client
}

func newSPARQLClient(cfg *etl.Config, log *slog.Logger) *sparql.Client {
	client, err := sparql.NewClient(sparql.ClientConfig{
		Endpoint:     cfg.SPARQLEndpoint,
		HTTPClient:   &http.Client{Timeout: cfg.HTTPTimeout},
		RetryMaxTime: cfg.HTTPRetryMaxTime,
		Logger:       log,
	})
	if err != nil {
		fatal(log, "Failed to build sparql client", err)
	}
	return client
}

func newPublisher(ctx context.Context, cfg *etl.Config, log *slog.Logger, bucket, prefix string) (*publish.Publisher, error) {
	client, err := publish.NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return publish.New(publish.Config{
		Bucket:        bucket,
		Prefix:        prefix,
		Client:        client,
		Presign:       s3.NewPresignClient(client),
		Logger:        log,
		PresignExpiry: cfg.PresignExpiry,
		CreateMissing: cfg.UseMinIO,
	})
}

func newLease(ctx context.Context, cfg *etl.Config, log *slog.Logger, lockID string) (*lease.Lease, error) {
	client, err := lease.NewDynamoDBClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return lease.New(lease.Config{
		Table:  cfg.LockTable,
		LockID: lockID,
		Client: client,
		Logger: log,
	})
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", defaultEnvFile, "Env file to load before reading ADDRESS_ETL_ variables")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	loadGeocodesCmd.Flags().StringVar(&geocodeFile, "file", geocsv.DefaultFile, "Geocode CSV extract to load")
	seedGeocodesCmd.Flags().StringVar(&addressDBPath, "address-db", "", "Address snapshot to copy geocodes from (defaults to the configured address snapshot path)")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(runPLSCmd)
	rootCmd.AddCommand(loadGeocodesCmd)
	rootCmd.AddCommand(seedGeocodesCmd)
	rootCmd.AddCommand(purgeAddressesCmd)
	rootCmd.AddCommand(purgeGeocodesCmd)
}

func main() {
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
