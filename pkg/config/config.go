package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/ekaya-inc/ekaya-omop/pkg/dialect"
	"github.com/ekaya-inc/ekaya-omop/pkg/retry"
	sqlutil "github.com/ekaya-inc/ekaya-omop/pkg/sql"
)

// DefaultPath is the config file read when no -config flag is given.
const DefaultPath = "config.yaml"

// mssqlMaxParams is the SQL Server limit on bind parameters per statement.
const mssqlMaxParams = 2100

// usagiColumnsPerRow is the number of bound values per staged Usagi row.
const usagiColumnsPerRow = 9

// Config holds all configuration for ekaya-omop.
// Configuration can come from a YAML file or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, client secrets) must only come from environment variables.
type Config struct {
	Env     string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version string `yaml:"-"`

	Log LogConfig `yaml:"log"`

	// Dialect selects the backend holding the work and OMOP schemas.
	Dialect string `yaml:"dialect" env:"OMOP_DIALECT" env-default:"sqlite"`

	Schemas SchemasConfig `yaml:"schemas"`

	Postgres PostgresConfig `yaml:"postgres"`
	MSSQL    MSSQLConfig    `yaml:"mssql"`
	BigQuery BigQueryConfig `yaml:"bigquery"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`

	// Datasource connection management configuration
	Datasource DatasourceConfig `yaml:"datasource"`

	Pipeline PipelineConfig `yaml:"pipeline"`
	Retry    RetryConfig    `yaml:"retry"`
	Results  ResultsConfig  `yaml:"results"`

	// Database is the PostgreSQL results store, used when results.backend is "postgres".
	Database DatabaseConfig `yaml:"database"`

	DQD DQDConfig `yaml:"dqd"`

	ManifestPath string `yaml:"manifest" env:"OMOP_MANIFEST" env-default:"manifest.yaml"`
	// TemplateDir overlays the embedded templates and holds source queries.
	TemplateDir string `yaml:"template_dir" env:"OMOP_TEMPLATE_DIR" env-default:"etl"`
}

// LogConfig controls the root zap logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"console"`
}

// SchemasConfig names the catalogs and schemas templates qualify tables with.
// Catalogs are optional: PostgreSQL and SQLite ignore them, SQL Server uses
// them as the database and BigQuery as the project.
type SchemasConfig struct {
	WorkCatalog string `yaml:"work_catalog" env:"WORK_DATABASE_CATALOG"`
	WorkSchema  string `yaml:"work_schema" env:"WORK_DATABASE_SCHEMA" env-default:"work"`
	OmopCatalog string `yaml:"omop_catalog" env:"OMOP_DATABASE_CATALOG"`
	OmopSchema  string `yaml:"omop_schema" env:"OMOP_DATABASE_SCHEMA" env-default:"cdm"`
	RawCatalog  string `yaml:"raw_catalog" env:"RAW_DATABASE_CATALOG"`
	RawSchema   string `yaml:"raw_schema" env:"RAW_DATABASE_SCHEMA" env-default:"raw"`
}

// PostgresConfig is the target connection for the postgres dialect.
type PostgresConfig struct {
	Host     string `yaml:"host" env:"OMOP_PGHOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"OMOP_PGPORT" env-default:"5432"`
	User     string `yaml:"user" env:"OMOP_PGUSER" env-default:"omop"`
	Password string `yaml:"-" env:"OMOP_PGPASSWORD"` // Secret - not in YAML
	Database string `yaml:"database" env:"OMOP_PGDATABASE" env-default:"omop"`
	SSLMode  string `yaml:"ssl_mode" env:"OMOP_PGSSLMODE" env-default:"disable"`
}

// MSSQLConfig is the target connection for the mssql dialect.
type MSSQLConfig struct {
	Host                   string `yaml:"host" env:"MSSQL_HOST" env-default:"localhost"`
	Port                   int    `yaml:"port" env:"MSSQL_PORT" env-default:"1433"`
	Database               string `yaml:"database" env:"MSSQL_DATABASE"`
	AuthMethod             string `yaml:"auth_method" env:"MSSQL_AUTH_METHOD" env-default:"sql"`
	User                   string `yaml:"user" env:"MSSQL_USER"`
	Password               string `yaml:"-" env:"MSSQL_PASSWORD"` // Secret - not in YAML
	TenantID               string `yaml:"tenant_id" env:"MSSQL_TENANT_ID"`
	ClientID               string `yaml:"client_id" env:"MSSQL_CLIENT_ID"`
	ClientSecret           string `yaml:"-" env:"MSSQL_CLIENT_SECRET"` // Secret - not in YAML
	Encrypt                bool   `yaml:"encrypt" env:"MSSQL_ENCRYPT" env-default:"true"`
	TrustServerCertificate bool   `yaml:"trust_server_certificate" env:"MSSQL_TRUST_SERVER_CERTIFICATE" env-default:"false"`
	ConnectionTimeout      int    `yaml:"connection_timeout" env:"MSSQL_CONNECTION_TIMEOUT" env-default:"30"`
}

// BigQueryConfig is the target for the bigquery dialect.
type BigQueryConfig struct {
	ProjectID       string `yaml:"project_id" env:"BIGQUERY_PROJECT_ID"`
	Location        string `yaml:"location" env:"BIGQUERY_LOCATION" env-default:"US"`
	CredentialsFile string `yaml:"credentials_file" env:"GOOGLE_APPLICATION_CREDENTIALS"`
}

// SQLiteConfig is the target for the sqlite dialect. Every configured schema
// other than "main" is attached as <attach_dir>/<schema>.db.
type SQLiteConfig struct {
	Path      string `yaml:"path" env:"SQLITE_PATH" env-default:"omop.db"`
	AttachDir string `yaml:"attach_dir" env:"SQLITE_ATTACH_DIR" env-default:"."`
}

// DatasourceConfig holds datasource connection management settings.
type DatasourceConfig struct {
	// ConnectionTTLMinutes is how long idle datasource connections are kept alive.
	ConnectionTTLMinutes int `yaml:"connection_ttl_minutes" env:"DATASOURCE_CONNECTION_TTL_MINUTES" env-default:"30"`
	// PoolMaxConns is the maximum number of connections per datasource pool.
	PoolMaxConns int32 `yaml:"pool_max_conns" env:"DATASOURCE_POOL_MAX_CONNS" env-default:"10"`
	// PoolMinConns is the minimum number of connections per datasource pool.
	PoolMinConns int32 `yaml:"pool_min_conns" env:"DATASOURCE_POOL_MIN_CONNS" env-default:"1"`
}

// PipelineConfig holds the policy knobs of a run.
type PipelineConfig struct {
	ProcessSemiApprovedMappings bool `yaml:"process_semi_approved_mappings" env:"PROCESS_SEMI_APPROVED_MAPPINGS" env-default:"false"`
	MaxParallelTables           int  `yaml:"max_parallel_tables" env:"MAX_PARALLEL_TABLES" env-default:"9"`
	DuplicateSampleLimit        int  `yaml:"duplicate_sample_limit" env:"DUPLICATE_SAMPLE_LIMIT" env-default:"100"`
	// DuplicateTolerance is the number of violating groups a table may carry
	// and still load.
	DuplicateTolerance int `yaml:"duplicate_tolerance" env:"DUPLICATE_TOLERANCE" env-default:"0"`
	// WarnOnValidationFailure loads tables despite findings and records them as warnings.
	WarnOnValidationFailure bool   `yaml:"warn_on_validation_failure" env:"WARN_ON_VALIDATION_FAILURE" env-default:"false"`
	InsertBatchSize         int    `yaml:"insert_batch_size" env:"INSERT_BATCH_SIZE" env-default:"200"`
	TransactionalLoad       bool   `yaml:"transactional_load" env:"TRANSACTIONAL_LOAD" env-default:"true"`
	CSVEncoding             string `yaml:"csv_encoding" env:"CSV_ENCODING" env-default:"utf-8"`
	// ETLStart overrides the run date used to invalidate stale mappings (YYYY-MM-DD).
	ETLStart string `yaml:"etl_start" env:"ETL_START"`
}

// RetryConfig is the YAML form of retry.Config.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" env:"RETRY_MAX_ATTEMPTS" env-default:"5"`
	BaseDelayMS      int     `yaml:"base_delay_ms" env:"RETRY_BASE_DELAY_MS" env-default:"500"`
	MaxDelayMS       int     `yaml:"max_delay_ms" env:"RETRY_MAX_DELAY_MS" env-default:"30000"`
	Multiplier       float64 `yaml:"multiplier" env:"RETRY_MULTIPLIER" env-default:"2.0"`
	JitterFactor     float64 `yaml:"jitter_factor" env:"RETRY_JITTER_FACTOR" env-default:"0.1"`
	MaxSameErrorType int     `yaml:"max_same_error_type" env:"RETRY_MAX_SAME_ERROR_TYPE" env-default:"5"`
}

// ResultsConfig selects where run summaries are persisted.
type ResultsConfig struct {
	Backend        string `yaml:"backend" env:"RESULTS_BACKEND" env-default:"file"`
	Path           string `yaml:"path" env:"RESULTS_PATH" env-default:"results/etl_results.jsonl"`
	MigrationsPath string `yaml:"migrations_path" env:"RESULTS_MIGRATIONS_PATH" env-default:"migrations"`
}

// DatabaseConfig holds the PostgreSQL results database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"omop_results"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"5"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// DQDConfig describes the DataQualityDashboard command. An empty command disables it.
type DQDConfig struct {
	Command        string   `yaml:"command" env:"DQD_COMMAND"`
	Args           []string `yaml:"args" env:"DQD_ARGS" env-separator:" "`
	OutputDir      string   `yaml:"output_dir" env:"DQD_OUTPUT_DIR" env-default:"results/dqd"`
	TimeoutMinutes int      `yaml:"timeout_minutes" env:"DQD_TIMEOUT_MINUTES" env-default:"120"`
}

// Load reads configuration from path with environment variable overrides.
// A missing file is not an error: defaults and the environment apply.
func Load(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if path == "" {
		path = DefaultPath
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks values that cleanenv cannot.
func (c *Config) Validate() error {
	d, err := dialect.Parse(c.Dialect)
	if err != nil {
		return err
	}

	if c.Schemas.WorkSchema == "" || c.Schemas.OmopSchema == "" {
		return fmt.Errorf("work_schema and omop_schema are required")
	}
	for field, v := range map[string]string{
		"work_catalog": c.Schemas.WorkCatalog,
		"work_schema":  c.Schemas.WorkSchema,
		"omop_catalog": c.Schemas.OmopCatalog,
		"omop_schema":  c.Schemas.OmopSchema,
		"raw_catalog":  c.Schemas.RawCatalog,
		"raw_schema":   c.Schemas.RawSchema,
	} {
		if v == "" {
			continue
		}
		if err := sqlutil.ValidateIdentifier(v); err != nil {
			return fmt.Errorf("schemas.%s: %w", field, err)
		}
	}

	p := c.Pipeline
	if p.MaxParallelTables < 1 {
		return fmt.Errorf("pipeline.max_parallel_tables must be at least 1")
	}
	if p.DuplicateSampleLimit < 1 {
		return fmt.Errorf("pipeline.duplicate_sample_limit must be at least 1")
	}
	if p.DuplicateTolerance < 0 {
		return fmt.Errorf("pipeline.duplicate_tolerance cannot be negative")
	}
	if p.InsertBatchSize < 1 {
		return fmt.Errorf("pipeline.insert_batch_size must be at least 1")
	}
	if d == dialect.MSSQL && p.InsertBatchSize*usagiColumnsPerRow > mssqlMaxParams {
		return fmt.Errorf("pipeline.insert_batch_size %d exceeds the SQL Server limit of %d rows",
			p.InsertBatchSize, mssqlMaxParams/usagiColumnsPerRow)
	}
	if p.ETLStart != "" {
		if _, err := time.Parse(time.DateOnly, p.ETLStart); err != nil {
			return fmt.Errorf("pipeline.etl_start: %w", err)
		}
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor > 1 {
		return fmt.Errorf("retry.jitter_factor must be between 0 and 1")
	}

	switch c.Results.Backend {
	case "file", "postgres", "none":
	default:
		return fmt.Errorf("results.backend %q must be file, postgres or none", c.Results.Backend)
	}

	if d == dialect.BigQuery && c.BigQuery.ProjectID == "" {
		return fmt.Errorf("bigquery.project_id is required for the bigquery dialect")
	}
	return nil
}

// TargetDialect returns the parsed dialect. Validate has already accepted it.
func (c *Config) TargetDialect() dialect.Dialect {
	d, _ := dialect.Parse(c.Dialect)
	return d
}

// RetryPolicy converts the YAML retry settings.
func (c *Config) RetryPolicy() *retry.Config {
	return &retry.Config{
		MaxAttempts:      c.Retry.MaxAttempts,
		BaseDelay:        time.Duration(c.Retry.BaseDelayMS) * time.Millisecond,
		MaxDelay:         time.Duration(c.Retry.MaxDelayMS) * time.Millisecond,
		Multiplier:       c.Retry.Multiplier,
		JitterFactor:     c.Retry.JitterFactor,
		MaxSameErrorType: c.Retry.MaxSameErrorType,
	}
}

// ConnectionTTL is the idle lifetime of pooled datasource connections.
func (c *Config) ConnectionTTL() time.Duration {
	return time.Duration(c.Datasource.ConnectionTTLMinutes) * time.Minute
}

// ConnectionString returns a PostgreSQL URL for the results database.
func (c *DatabaseConfig) ConnectionString() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     ResolveHostForDocker(c.Host) + ":" + strconv.Itoa(c.Port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}
