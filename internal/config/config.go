// Package config provides configuration management for the crawler extractor service.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// SSL mode constants for database connections.
const (
	// SSLModeDisable disables SSL (use only for local development).
	SSLModeDisable = "disable"
	// SSLModeRequire requires SSL but does not verify certificates.
	SSLModeRequire = "require"
	// SSLModeVerifyCA verifies the server certificate against a CA.
	SSLModeVerifyCA = "verify-ca"
	// SSLModeVerifyFull verifies the server certificate and hostname.
	SSLModeVerifyFull = "verify-full"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "CRAWLER"

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Config holds all configuration for the crawler extractor service.
type Config struct {
	// Server contains HTTP server settings.
	Server ServerConfig `mapstructure:"server"`
	// Database contains PostgreSQL connection settings.
	Database DatabaseConfig `mapstructure:"database"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
	// Metrics contains Prometheus metrics exposure settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
	// Storage contains blob storage settings.
	Storage StorageConfig `mapstructure:"storage"`
	// Search contains web search settings used to locate PDFs.
	Search SearchConfig `mapstructure:"search"`
	// PDF contains downloader settings.
	PDF PDFConfig `mapstructure:"pdf"`
	// LLM contains LLM client settings for scoring and extraction.
	LLM LLMConfig `mapstructure:"llm"`
	// Prompts contains scoring prompt locations.
	Prompts PromptsConfig `mapstructure:"prompts"`
	// Pipeline contains batch processing settings.
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	// Scheduler contains cron schedules for unattended runs.
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	// Kafka contains outcome publishing and trigger consumption settings.
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Host is the address to bind the server to (default: 0.0.0.0).
	Host string `mapstructure:"host"`
	// HTTPPort is the HTTP server port (default: 8080).
	HTTPPort int `mapstructure:"http_port"`
	// MetricsPort is the metrics server port used by the worker (default: 9091).
	MetricsPort int `mapstructure:"metrics_port"`
	// ReadTimeout is the maximum duration for reading request body.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing response.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// MaxUploadBytes caps the size of an uploaded seed PDF.
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	// SSLMode controls SSL connection security (require, verify-ca, verify-full, disable).
	SSLMode string `mapstructure:"ssl_mode"`
	// MaxConns is the maximum number of connections in the pool (default: 20).
	MaxConns int32 `mapstructure:"max_conns"`
	// MinConns is the minimum number of connections to keep open (default: 2).
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	// MigrationPath is the path to migration files (relative or absolute).
	MigrationPath string `mapstructure:"migration_path"`
	// MigrationAutoRun enables automatic migration on startup (default: false).
	MigrationAutoRun bool `mapstructure:"migration_auto_run"`
	// StatementCacheCapacity is the size of the prepared statement cache.
	StatementCacheCapacity int `mapstructure:"statement_cache_capacity"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error, fatal, panic).
	Level string `mapstructure:"level"`
	// Format is the log format (json, console).
	Format string `mapstructure:"format"`
	// Output is the log output destination (stdout, stderr, file path).
	Output string `mapstructure:"output"`
	// AddSource adds source file and line to log output.
	AddSource bool `mapstructure:"add_source"`
	// TimeFormat is the timestamp format.
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// StorageConfig holds S3 compatible blob storage settings.
type StorageConfig struct {
	// Bucket receives uploaded and downloaded PDFs.
	Bucket string `mapstructure:"bucket"`
	// TextBucket receives extracted text. Empty means Bucket.
	TextBucket string `mapstructure:"text_bucket"`
	Region     string `mapstructure:"region"`
	// Endpoint overrides the S3 endpoint (MinIO, Supabase storage, localstack).
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
	// AccessKeyID and SecretAccessKey are loaded from the environment only.
	// When both are empty the default AWS credential chain is used.
	AccessKeyID     string `mapstructure:"-"`
	SecretAccessKey string `mapstructure:"-"`
}

// SearchConfig holds Google Custom Search settings.
type SearchConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
	// APIKey and EngineID are loaded from the environment only.
	APIKey   string `mapstructure:"-"`
	EngineID string `mapstructure:"-"`
	// RateLimit is the maximum requests per second.
	RateLimit  float64       `mapstructure:"rate_limit"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxResults int           `mapstructure:"max_results"`
}

// PDFConfig holds PDF downloader settings.
type PDFConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxSize   int64         `mapstructure:"max_size"`
	UserAgent string        `mapstructure:"user_agent"`
}

// LLMConfig holds LLM client configuration.
type LLMConfig struct {
	// Provider is the LLM provider (openai, anthropic).
	Provider string `mapstructure:"provider"`
	// Timeout is the timeout for LLM API calls.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxRetries is the maximum number of retries for failed calls.
	MaxRetries int `mapstructure:"max_retries"`
	// Temperature is the LLM temperature setting.
	Temperature float64         `mapstructure:"temperature"`
	OpenAI      OpenAIConfig    `mapstructure:"openai"`
	Anthropic   AnthropicConfig `mapstructure:"anthropic"`
}

// OpenAIConfig holds OpenAI-specific settings.
type OpenAIConfig struct {
	// APIKey is loaded from CRAWLER_LLM_OPENAI_API_KEY.
	APIKey  string `mapstructure:"-"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

// AnthropicConfig holds Anthropic-specific settings.
type AnthropicConfig struct {
	// APIKey is loaded from CRAWLER_LLM_ANTHROPIC_API_KEY.
	APIKey  string `mapstructure:"-"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

// PromptsConfig points at the scoring prompt files.
type PromptsConfig struct {
	// Dir is the directory prompt files are resolved against.
	Dir string `mapstructure:"dir"`
	// Default is the prompt used when a seed has no dedicated entry.
	Default string `mapstructure:"default"`
	// Seeds maps a seed number (as a string key) to a prompt file.
	Seeds map[string]string `mapstructure:"seeds"`
	// Citation is the prompt used by the LLM citation extractor. Empty
	// selects the line-number heuristic instead.
	Citation string `mapstructure:"citation"`
	// Pgx is the prompt used for PGX sample extraction.
	Pgx string `mapstructure:"pgx"`
}

// PipelineConfig holds batch processing settings.
type PipelineConfig struct {
	// ScoreThreshold is the minimum score for citation expansion (default: 7).
	ScoreThreshold float64 `mapstructure:"score_threshold"`
	// BatchSize is the default number of records per stage run.
	BatchSize int `mapstructure:"batch_size"`
	// Workers is the default worker pool size.
	Workers int `mapstructure:"workers"`
	// StoreLinks creates placeholders for hyperlinks found during text extraction.
	StoreLinks bool `mapstructure:"store_links"`
	// PgxTable receives PGX extraction rows.
	PgxTable string `mapstructure:"pgx_table"`
	// BlockedHosts lists hosts PDF acquisition refuses to fetch from.
	BlockedHosts []string `mapstructure:"blocked_hosts"`
	// PgxPagesPerChunk is the number of pages sent per PGX extraction call.
	PgxPagesPerChunk int `mapstructure:"pgx_pages_per_chunk"`
	// PgxMaxChunkChars caps the text sent per PGX extraction call.
	PgxMaxChunkChars int `mapstructure:"pgx_max_chunk_chars"`
	// BackfillWorkers is the worker pool size for PDF hash backfills.
	BackfillWorkers int `mapstructure:"backfill_workers"`
}

// SchedulerConfig holds cron schedules. An empty spec disables the job.
type SchedulerConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	CycleSpec string `mapstructure:"cycle_spec"`
	PgxSpec   string `mapstructure:"pgx_spec"`
	SweepSpec string `mapstructure:"sweep_spec"`
}

// KafkaConfig holds Kafka settings for outcome events and run triggers.
type KafkaConfig struct {
	// Enabled controls whether Kafka publishing and consumption are active.
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	// OutcomeTopic receives one message per stage outcome.
	OutcomeTopic string `mapstructure:"outcome_topic"`
	// TriggerTopic is consumed by the worker to start runs.
	TriggerTopic string `mapstructure:"trigger_topic"`
	// GroupID is the consumer group of the trigger listener.
	GroupID      string        `mapstructure:"group_id"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		params.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}
	if c.StatementCacheCapacity > 0 {
		params.Set("statement_cache_capacity", fmt.Sprintf("%d", c.StatementCacheCapacity))
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Name,
		params.Encode(),
	)
}

// HTTPAddress returns the HTTP server address.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// MetricsAddress returns the worker metrics server address.
func (c *ServerConfig) MetricsAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.MetricsPort)
}

// TextBucketName returns the bucket that receives extracted text.
func (c *StorageConfig) TextBucketName() string {
	if c.TextBucket != "" {
		return c.TextBucket
	}
	return c.Bucket
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/crawler-extractor")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Secrets use mapstructure:"-" so they never come from config files.
	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadSecrets populates secret fields exclusively from environment variables.
func loadSecrets(cfg *Config) {
	cfg.LLM.OpenAI.APIKey = os.Getenv(EnvPrefix + "_LLM_OPENAI_API_KEY")
	cfg.LLM.Anthropic.APIKey = os.Getenv(EnvPrefix + "_LLM_ANTHROPIC_API_KEY")

	cfg.Search.APIKey = os.Getenv(EnvPrefix + "_SEARCH_API_KEY")
	cfg.Search.EngineID = os.Getenv(EnvPrefix + "_SEARCH_ENGINE_ID")

	cfg.Storage.AccessKeyID = os.Getenv(EnvPrefix + "_STORAGE_ACCESS_KEY_ID")
	cfg.Storage.SecretAccessKey = os.Getenv(EnvPrefix + "_STORAGE_SECRET_ACCESS_KEY")
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_upload_bytes", 100<<20)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "crawler")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "crawler_extractor")
	// Use CRAWLER_DATABASE_SSL_MODE=disable for local development.
	v.SetDefault("database.ssl_mode", SSLModeRequire)
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "30s")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.migration_path", "migrations")
	v.SetDefault("database.migration_auto_run", false)
	v.SetDefault("database.statement_cache_capacity", 512)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("storage.bucket", "papers")
	v.SetDefault("storage.text_bucket", "")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.use_path_style", true)

	v.SetDefault("search.enabled", true)
	v.SetDefault("search.base_url", "https://www.googleapis.com/customsearch/v1")
	v.SetDefault("search.rate_limit", 1.0)
	v.SetDefault("search.timeout", "20s")
	v.SetDefault("search.max_results", 5)

	v.SetDefault("pdf.timeout", "60s")
	v.SetDefault("pdf.max_size", 100<<20)
	v.SetDefault("pdf.user_agent", "crawler-extractor/1.0")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.timeout", "120s")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.openai.model", "gpt-4o-mini")
	v.SetDefault("llm.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.anthropic.model", "claude-3-5-sonnet-20241022")
	v.SetDefault("llm.anthropic.base_url", "https://api.anthropic.com")

	v.SetDefault("prompts.dir", "prompts")
	v.SetDefault("prompts.default", "scoring_default.txt")
	v.SetDefault("prompts.seeds", map[string]string{
		"1": "pharmacogenetics_score_prompt.txt",
		"2": "pharmacogenetics_score_prompt.txt",
		"3": "heterogeneous_catalyst_prompt.txt",
		"4": "thermocatalytic_co2_to_methanol_prompt.txt",
	})
	v.SetDefault("prompts.citation", "citation_prompt.txt")
	v.SetDefault("prompts.pgx", "pgx_extraction_prompt.txt")

	v.SetDefault("pipeline.score_threshold", 7.0)
	v.SetDefault("pipeline.batch_size", 10)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.store_links", true)
	v.SetDefault("pipeline.pgx_table", "pgx_extractions")
	v.SetDefault("pipeline.blocked_hosts", []string{"hdl.handle.net"})
	v.SetDefault("pipeline.pgx_pages_per_chunk", 3)
	v.SetDefault("pipeline.pgx_max_chunk_chars", 12000)
	v.SetDefault("pipeline.backfill_workers", 4)

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.cycle_spec", "@every 10m")
	v.SetDefault("scheduler.pgx_spec", "")
	v.SetDefault("scheduler.sweep_spec", "@hourly")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.outcome_topic", "crawler.stage_outcomes")
	v.SetDefault("kafka.trigger_topic", "crawler.run_triggers")
	v.SetDefault("kafka.group_id", "crawler-extractor-worker")
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", "10ms")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Server.MetricsPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns (%d) must be >= min_conns (%d)", c.Database.MaxConns, c.Database.MinConns)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage bucket is required")
	}

	if c.Pipeline.ScoreThreshold < 0 || c.Pipeline.ScoreThreshold > 10 {
		return fmt.Errorf("pipeline score_threshold must be between 0 and 10")
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline batch_size must be positive")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline workers must be positive")
	}
	if !tableNamePattern.MatchString(c.Pipeline.PgxTable) {
		return fmt.Errorf("invalid pgx table name: %q", c.Pipeline.PgxTable)
	}
	if c.Pipeline.PgxPagesPerChunk <= 0 {
		return fmt.Errorf("pipeline pgx_pages_per_chunk must be positive")
	}

	if c.Scheduler.Enabled {
		for name, spec := range map[string]string{
			"cycle_spec": c.Scheduler.CycleSpec,
			"pgx_spec":   c.Scheduler.PgxSpec,
			"sweep_spec": c.Scheduler.SweepSpec,
		} {
			if spec == "" {
				continue
			}
			if _, err := cron.ParseStandard(spec); err != nil {
				return fmt.Errorf("invalid scheduler %s %q: %w", name, spec, err)
			}
		}
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required when kafka is enabled")
	}

	switch strings.ToLower(c.LLM.Provider) {
	case "openai":
		if c.LLM.OpenAI.APIKey == "" {
			return fmt.Errorf("LLM provider %q requires %s_LLM_OPENAI_API_KEY to be set", c.LLM.Provider, EnvPrefix)
		}
	case "anthropic":
		if c.LLM.Anthropic.APIKey == "" {
			return fmt.Errorf("LLM provider %q requires %s_LLM_ANTHROPIC_API_KEY to be set", c.LLM.Provider, EnvPrefix)
		}
	default:
		return fmt.Errorf("unsupported LLM provider: %q", c.LLM.Provider)
	}

	return nil
}

// ValidTableName reports whether name is safe to use as an unquoted table name.
func ValidTableName(name string) bool {
	return tableNamePattern.MatchString(name)
}
