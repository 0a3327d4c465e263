// Package config resolves the runtime knobs this module needs — batch
// sizes, timeouts, cache TTLs, pushdown toggles — through a fixed
// precedence chain: JSON file, then environment variables, then functional
// options, then built-in defaults. Each layer only overrides fields the
// layer below it set, so a deployment can pin most knobs in a config file
// and override one or two at the process level without restating the rest.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// Config carries every runtime knob an attached catalog reads repeatedly.
// Field names match the JSON keys and environment variable suffixes they
// are loaded from.
type Config struct {
	BatchSizeDML           int  `json:"batch_size_dml"`
	MaxParameters          int  `json:"max_parameters"`
	InsertBatchSize        int  `json:"insert_batch_size"`
	InsertMaxSQLBytes      int  `json:"insert_max_sql_bytes"`
	CopyBatchRows          int  `json:"copy_batch_rows"`
	CopyMaxBatchBytes      int  `json:"copy_max_batch_bytes"`
	QueryTimeoutSeconds    int  `json:"query_timeout_seconds"`
	AcquireTimeoutSeconds  int  `json:"acquire_timeout_seconds"`
	IdleTimeoutSeconds     int  `json:"idle_timeout_seconds"`
	ConnectionTimeoutSecs  int  `json:"connection_timeout_seconds"`
	CatalogCacheTTLSeconds int  `json:"catalog_cache_ttl_seconds"`
	OrderPushdown          bool `json:"order_pushdown"`
	StatisticsLevel        int  `json:"statistics_level"`
}

// Defaults returns the built-in floor every other layer overrides from.
func Defaults() Config {
	return Config{
		BatchSizeDML:           500,
		MaxParameters:          2000,
		InsertBatchSize:        2000,
		InsertMaxSQLBytes:      8 << 20,
		CopyBatchRows:          10000,
		CopyMaxBatchBytes:      32 << 20,
		QueryTimeoutSeconds:    30,
		AcquireTimeoutSeconds:  30,
		IdleTimeoutSeconds:     300,
		ConnectionTimeoutSecs:  30,
		CatalogCacheTTLSeconds: 300,
		OrderPushdown:          true,
		StatisticsLevel:        1,
	}
}

// QueryTimeout, AcquireTimeout, IdleTimeout, and ConnectionTimeout convert
// the second-granularity fields into time.Duration for callers that need it.
func (c Config) QueryTimeout() time.Duration      { return time.Duration(c.QueryTimeoutSeconds) * time.Second }
func (c Config) AcquireTimeout() time.Duration    { return time.Duration(c.AcquireTimeoutSeconds) * time.Second }
func (c Config) IdleTimeout() time.Duration       { return time.Duration(c.IdleTimeoutSeconds) * time.Second }
func (c Config) ConnectionTimeout() time.Duration { return time.Duration(c.ConnectionTimeoutSecs) * time.Second }
func (c Config) CatalogCacheTTL() time.Duration {
	return time.Duration(c.CatalogCacheTTLSeconds) * time.Second
}

// Option is a functional override applied after the file and environment
// layers, so callers embedding this module can pin a knob regardless of
// what the deployment's config file or environment says.
type Option func(*Config)

func WithBatchSizeDML(n int) Option      { return func(c *Config) { c.BatchSizeDML = n } }
func WithMaxParameters(n int) Option     { return func(c *Config) { c.MaxParameters = n } }
func WithInsertBatchSize(n int) Option   { return func(c *Config) { c.InsertBatchSize = n } }
func WithCopyBatchRows(n int) Option     { return func(c *Config) { c.CopyBatchRows = n } }
func WithOrderPushdown(enabled bool) Option {
	return func(c *Config) { c.OrderPushdown = enabled }
}
func WithQueryTimeoutSeconds(n int) Option {
	return func(c *Config) { c.QueryTimeoutSeconds = n }
}

// envPrefix namespaces every environment variable this package reads.
const envPrefix = "MSSQLCLIENT_"

// Load resolves Config through the full precedence chain: defaults, then
// path (if non-empty and the file exists), then matching MSSQLCLIENT_*
// environment variables, then opts in order. A missing file is not an
// error — the layer is simply skipped — but a malformed one is, since a
// present-but-broken config file is more likely an operator mistake than
// an absent one.
func Load(path string, opts ...Option) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			if err := json.Unmarshal(b, &cfg); err != nil {
				return Config{}, err
			}
		} else if !os.IsNotExist(err) {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg, nil
}

func applyEnv(c *Config) {
	envInt(envPrefix+"BATCH_SIZE_DML", &c.BatchSizeDML)
	envInt(envPrefix+"MAX_PARAMETERS", &c.MaxParameters)
	envInt(envPrefix+"INSERT_BATCH_SIZE", &c.InsertBatchSize)
	envInt(envPrefix+"INSERT_MAX_SQL_BYTES", &c.InsertMaxSQLBytes)
	envInt(envPrefix+"COPY_BATCH_ROWS", &c.CopyBatchRows)
	envInt(envPrefix+"COPY_MAX_BATCH_BYTES", &c.CopyMaxBatchBytes)
	envInt(envPrefix+"QUERY_TIMEOUT_SECONDS", &c.QueryTimeoutSeconds)
	envInt(envPrefix+"ACQUIRE_TIMEOUT_SECONDS", &c.AcquireTimeoutSeconds)
	envInt(envPrefix+"IDLE_TIMEOUT_SECONDS", &c.IdleTimeoutSeconds)
	envInt(envPrefix+"CONNECTION_TIMEOUT_SECONDS", &c.ConnectionTimeoutSecs)
	envInt(envPrefix+"CATALOG_CACHE_TTL_SECONDS", &c.CatalogCacheTTLSeconds)
	envInt(envPrefix+"STATISTICS_LEVEL", &c.StatisticsLevel)
	envBool(envPrefix+"ORDER_PUSHDOWN", &c.OrderPushdown)
}

func envInt(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func envBool(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}
