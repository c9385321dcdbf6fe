package etl

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const envPrefix = "ADDRESS_ETL_"

// LayerURLs is one feature layer's query and applyEdits endpoints.
type LayerURLs struct {
	QueryURL string
	EditsURL string
}

// PLSLayers holds the endpoint pair for every layer the property-location
// pipeline publishes to.
type PLSLayers struct {
	LocalAuth LayerURLs
	Locality  LayerURLs
	Road      LayerURLs
	Parcel    LayerURLs
	Site      LayerURLs
	PlaceName LayerURLs
	Address   LayerURLs
	Geocode   LayerURLs
}

// Config is the immutable process configuration. It is read once from the
// environment at startup and passed by value into each component's own
// config struct.
type Config struct {
	SPARQLEndpoint string

	ESRIUsername string
	ESRIPassword string
	ESRIAuthURL  string
	ESRIReferer  string

	LocationAddressing LayerURLs
	Geocode            LayerURLs
	PLS                PLSLayers

	SQLitePath    string
	PLSSQLitePath string

	S3Bucket    string
	PLSS3Bucket string
	LockTable   string

	HTTPTimeout      time.Duration
	HTTPRetryMaxTime time.Duration

	AddressIRILimit int
	Debug           bool
	GeocodeDebug    bool

	UseMinIO       bool
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIORegion    string

	PresignExpiry time.Duration
}

// ConfigFromEnv reads the ADDRESS_ETL_-prefixed environment. Callers are
// expected to have loaded any .env file first.
func ConfigFromEnv() (*Config, error) {
	cfg := &Config{
		SPARQLEndpoint: envStr("SPARQL_ENDPOINT"),

		ESRIUsername: envStr("ESRI_USERNAME"),
		ESRIPassword: envStr("ESRI_PASSWORD"),
		ESRIAuthURL:  envStr("ESRI_AUTH_URL"),
		ESRIReferer:  envStr("ESRI_REFERER"),

		LocationAddressing: LayerURLs{
			QueryURL: envStr("ESRI_LOCATION_ADDRESSING_QUERY_URL"),
			EditsURL: envStr("ESRI_LOCATION_ADDRESSING_EDITS_URL"),
		},
		Geocode: LayerURLs{
			QueryURL: envStr("ESRI_GEOCODE_QUERY_URL"),
			EditsURL: envStr("ESRI_GEOCODE_EDITS_URL"),
		},
		PLS: PLSLayers{
			LocalAuth: layerFromEnv("PLS_LOCAL_AUTH"),
			Locality:  layerFromEnv("PLS_LOCALITY"),
			Road:      layerFromEnv("PLS_ROAD"),
			Parcel:    layerFromEnv("PLS_PARCEL"),
			Site:      layerFromEnv("PLS_SITE"),
			PlaceName: layerFromEnv("PLS_PLACE_NAME"),
			Address:   layerFromEnv("PLS_ADDRESS"),
			Geocode:   layerFromEnv("PLS_GEOCODE"),
		},

		SQLitePath:    envStr("SQLITE_PATH"),
		PLSSQLitePath: envStr("PLS_SQLITE_PATH"),

		S3Bucket:    envStr("S3_BUCKET"),
		PLSS3Bucket: envStr("PLS_S3_BUCKET"),
		LockTable:   envStr("LOCK_TABLE"),

		MinIOEndpoint:  envStr("MINIO_ENDPOINT"),
		MinIOAccessKey: envStr("MINIO_ACCESS_KEY"),
		MinIOSecretKey: envStr("MINIO_SECRET_KEY"),
		MinIORegion:    envStr("MINIO_REGION"),
	}

	var err error
	if cfg.HTTPTimeout, err = envSeconds("HTTP_TIMEOUT_SECONDS"); err != nil {
		return nil, err
	}
	if cfg.HTTPRetryMaxTime, err = envSeconds("HTTP_RETRY_MAX_TIME_SECONDS"); err != nil {
		return nil, err
	}
	if cfg.AddressIRILimit, err = envInt("ADDRESS_IRI_LIMIT"); err != nil {
		return nil, err
	}
	if cfg.Debug, err = envBool("DEBUG"); err != nil {
		return nil, err
	}
	if cfg.GeocodeDebug, err = envBool("GEOCODE_DEBUG"); err != nil {
		return nil, err
	}
	if cfg.UseMinIO, err = envBool("USE_MINIO"); err != nil {
		return nil, err
	}
	presignHours, err := envInt("PRESIGN_EXPIRY_HOURS")
	if err != nil {
		return nil, err
	}
	cfg.PresignExpiry = time.Duration(presignHours) * time.Hour

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.SPARQLEndpoint == "" {
		return errors.New("sparql endpoint is required")
	}
	if c.ESRIUsername == "" {
		return errors.New("esri username is required")
	}
	if c.ESRIPassword == "" {
		return errors.New("esri password is required")
	}
	if c.ESRIAuthURL == "" {
		return errors.New("esri auth url is required")
	}
	if c.ESRIReferer == "" {
		return errors.New("esri referer is required")
	}
	if c.SQLitePath == "" {
		c.SQLitePath = "address.db"
	}
	if c.PLSSQLitePath == "" {
		c.PLSSQLitePath = "pls.db"
	}
	if c.LockTable == "" {
		c.LockTable = "address-etl-locks"
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 120 * time.Second
	}
	if c.HTTPRetryMaxTime <= 0 {
		c.HTTPRetryMaxTime = 3600 * time.Second
	}
	if c.PresignExpiry <= 0 {
		c.PresignExpiry = 168 * time.Hour
	}
	if c.UseMinIO && c.MinIORegion == "" {
		c.MinIORegion = "us-east-1"
	}
	return nil
}

func layerFromEnv(name string) LayerURLs {
	return LayerURLs{
		QueryURL: envStr("ESRI_" + name + "_QUERY_URL"),
		EditsURL: envStr("ESRI_" + name + "_EDITS_URL"),
	}
}

func envStr(key string) string {
	return os.Getenv(envPrefix + key)
}

func envInt(key string) (int, error) {
	raw := envStr(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
	}
	return v, nil
}

func envSeconds(key string) (time.Duration, error) {
	v, err := envInt(key)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Second, nil
}

func envBool(key string) (bool, error) {
	raw := envStr(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
	}
	return v, nil
}
