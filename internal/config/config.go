// Package config provides configuration management for the paper pipeline service.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
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

// Config holds all configuration for the paper pipeline service.
type Config struct {
	// Server contains HTTP server settings.
	Server ServerConfig `mapstructure:"server"`
	// Database contains PostgreSQL connection settings.
	Database DatabaseConfig `mapstructure:"database"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
	// Metrics contains Prometheus metrics exposure settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
	// LLM contains LLM client settings for generation and OCR.
	LLM LLMConfig `mapstructure:"llm"`
	// Kafka contains Kafka publisher settings for progress events.
	Kafka KafkaConfig `mapstructure:"kafka"`
	// Pipeline contains default pipeline session settings.
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	// ArXiv contains arXiv search API settings.
	ArXiv ArXivConfig `mapstructure:"arxiv"`
	// PDF contains PDF download and rasterization settings.
	PDF PDFConfig `mapstructure:"pdf"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Host is the address to bind the server to (default: 0.0.0.0).
	Host string `mapstructure:"host"`
	// HTTPPort is the HTTP server port (default: 8080).
	HTTPPort int `mapstructure:"http_port" validate:"gt=0,lte=65535"`
	// ReadTimeout is the maximum duration for reading request body.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing response.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	// Host is the PostgreSQL server hostname.
	Host string `mapstructure:"host" validate:"required"`
	// Port is the PostgreSQL server port (default: 5432).
	Port int `mapstructure:"port" validate:"gt=0,lte=65535"`
	// User is the database username.
	User string `mapstructure:"user"`
	// Password is the database password (use environment variable in production).
	Password string `mapstructure:"password"`
	// Name is the database name.
	Name string `mapstructure:"name" validate:"required"`
	// SSLMode controls SSL connection security (require, verify-ca, verify-full, disable).
	// Default is "require" for production security. Use "disable" only for local development.
	SSLMode string `mapstructure:"ssl_mode"`
	// MaxConns is the maximum number of connections in the pool (default: 50).
	MaxConns int32 `mapstructure:"max_conns" validate:"gtefield=MinConns"`
	// MinConns is the minimum number of connections to keep open (default: 10).
	MinConns int32 `mapstructure:"min_conns"`
	// MaxConnLifetime is the maximum lifetime of a connection before it's closed.
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// MaxConnIdleTime is the maximum time a connection can be idle before it's closed.
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	// HealthCheckPeriod is the interval between health checks of idle connections.
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	// ConnectTimeout is the maximum time to wait for a connection.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
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
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn error fatal panic"`
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
	// Enabled enables metrics collection and exposure.
	Enabled bool `mapstructure:"enabled"`
	// Path is the HTTP path for metrics endpoint.
	Path string `mapstructure:"path"`
}

// LLMConfig holds LLM client configuration.
type LLMConfig struct {
	// Provider is the LLM provider (openai, anthropic).
	Provider string `mapstructure:"provider" validate:"oneof=openai anthropic"`
	// Timeout is the timeout for LLM API calls.
	Timeout time.Duration `mapstructure:"timeout"`
	// OpenAI contains OpenAI-specific settings.
	OpenAI OpenAIConfig `mapstructure:"openai"`
	// Anthropic contains Anthropic-specific settings.
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
}

// OpenAIConfig holds OpenAI-specific settings.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key (loaded from PAPERPIPE_LLM_OPENAI_API_KEY env var).
	APIKey string `mapstructure:"-"`
	// Model is the OpenAI model used for text generation.
	Model string `mapstructure:"model"`
	// VisionModel is the OpenAI model used for page OCR.
	VisionModel string `mapstructure:"vision_model"`
	// BaseURL is the OpenAI API base URL (for custom endpoints).
	BaseURL string `mapstructure:"base_url"`
}

// AnthropicConfig holds Anthropic-specific settings.
type AnthropicConfig struct {
	// APIKey is the Anthropic API key (loaded from PAPERPIPE_LLM_ANTHROPIC_API_KEY env var).
	APIKey string `mapstructure:"-"`
	// Model is the Anthropic model used for text generation.
	Model string `mapstructure:"model"`
	// VisionModel is the Anthropic model used for page OCR.
	VisionModel string `mapstructure:"vision_model"`
	// BaseURL is the Anthropic API base URL (for custom endpoints).
	BaseURL string `mapstructure:"base_url"`
}

// KafkaConfig holds Kafka publisher settings for progress events.
type KafkaConfig struct {
	// Enabled controls whether Kafka publishing is active.
	Enabled bool `mapstructure:"enabled"`
	// Brokers is the list of Kafka broker addresses.
	Brokers []string `mapstructure:"brokers"`
	// Topic is the Kafka topic to publish session progress events to.
	Topic string `mapstructure:"topic"`
	// BatchSize is the maximum number of messages to batch before sending.
	BatchSize int `mapstructure:"batch_size"`
	// BatchTimeout is the maximum time to wait for a batch to fill before sending.
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// PipelineConfig holds default pipeline session settings. Individual
// sessions may override these through the API.
type PipelineConfig struct {
	// KeywordCount is the number of search keywords the rewrite stage produces.
	KeywordCount int `mapstructure:"keyword_count" validate:"gt=0"`
	// TargetPaperCount is the number of papers to retain after dedupe.
	TargetPaperCount int `mapstructure:"target_paper_count" validate:"gt=0"`
	// MinSynthesisInputs is the minimum eligible methodology items for synthesis.
	MinSynthesisInputs int `mapstructure:"min_synthesis_inputs" validate:"gt=0"`
	// MaxConcurrentPapers bounds how many papers are ingested at once.
	MaxConcurrentPapers int `mapstructure:"max_concurrent_papers" validate:"gt=0"`
	// MaxConcurrentPages bounds how many pages are OCRed at once.
	MaxConcurrentPages int `mapstructure:"max_concurrent_pages" validate:"gt=0"`
	// MaxAttempts is the structured-output retry budget per LLM call.
	MaxAttempts int `mapstructure:"max_attempts" validate:"gt=0"`
	// KeywordDelay is the pause between consecutive keyword searches.
	KeywordDelay time.Duration `mapstructure:"keyword_delay" validate:"gte=0"`
	// MinMethodologyChars is the minimum markdown length sent to extraction.
	MinMethodologyChars int `mapstructure:"min_methodology_chars"`
	// WorkDir is the scratch directory for downloaded PDFs and page images.
	WorkDir string `mapstructure:"work_dir"`
}

// ArXivConfig holds arXiv search API settings.
type ArXivConfig struct {
	// BaseURL is the arXiv API base URL.
	BaseURL string `mapstructure:"base_url"`
	// Timeout is the timeout for API calls.
	Timeout time.Duration `mapstructure:"timeout"`
	// RateLimit is the maximum requests per second.
	RateLimit float64 `mapstructure:"rate_limit"`
	// MaxResults is the maximum results per query.
	MaxResults int `mapstructure:"max_results"`
}

// PDFConfig holds PDF download and rasterization settings.
type PDFConfig struct {
	// MaxDownloadSize is the maximum PDF size in bytes.
	MaxDownloadSize int64 `mapstructure:"max_download_size"`
	// DownloadTimeout is the timeout for a single PDF download.
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	// PdftoppmPath is the pdftoppm binary used for rasterization.
	PdftoppmPath string `mapstructure:"pdftoppm_path"`
	// RasterDPI is the rasterization resolution.
	RasterDPI int `mapstructure:"raster_dpi"`
	// MaxPages caps the number of pages rasterized per paper.
	MaxPages int `mapstructure:"max_pages"`
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

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables
	v.SetEnvPrefix("PAPERPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file if present
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/paper-pipeline-service")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use env vars and defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Load secrets exclusively from environment variables.
	// These fields use mapstructure:"-" to prevent loading from config files.
	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadSecrets populates secret fields exclusively from environment variables.
// These fields are tagged with mapstructure:"-" to prevent loading from config files.
func loadSecrets(cfg *Config) {
	cfg.LLM.OpenAI.APIKey = os.Getenv("PAPERPIPE_LLM_OPENAI_API_KEY")
	cfg.LLM.Anthropic.APIKey = os.Getenv("PAPERPIPE_LLM_ANTHROPIC_API_KEY")
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "paperpipe")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "paper_pipeline_service")
	// Default to "require" for production security. Use PAPERPIPE_DATABASE_SSL_MODE=disable for local development.
	v.SetDefault("database.ssl_mode", SSLModeRequire)
	v.SetDefault("database.max_conns", 50)
	v.SetDefault("database.min_conns", 10)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "30s")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.migration_path", "migrations")
	v.SetDefault("database.migration_auto_run", false)
	v.SetDefault("database.statement_cache_capacity", 512)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// LLM defaults
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.timeout", "120s")
	// API keys are loaded exclusively from environment variables (see loadSecrets).
	v.SetDefault("llm.openai.model", "gpt-4o")
	v.SetDefault("llm.openai.vision_model", "gpt-4o")
	v.SetDefault("llm.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.anthropic.vision_model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.anthropic.base_url", "https://api.anthropic.com")

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "events.paper_pipeline_service.progress")
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", "10ms")

	// Pipeline defaults
	v.SetDefault("pipeline.keyword_count", 4)
	v.SetDefault("pipeline.target_paper_count", 5)
	v.SetDefault("pipeline.min_synthesis_inputs", 3)
	v.SetDefault("pipeline.max_concurrent_papers", 2)
	v.SetDefault("pipeline.max_concurrent_pages", 5)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.keyword_delay", "3s")
	v.SetDefault("pipeline.min_methodology_chars", 100)
	v.SetDefault("pipeline.work_dir", os.TempDir())

	// arXiv defaults
	v.SetDefault("arxiv.base_url", "https://export.arxiv.org/api")
	v.SetDefault("arxiv.timeout", "30s")
	v.SetDefault("arxiv.rate_limit", 3.0) // arXiv recommends max 3 req/sec
	v.SetDefault("arxiv.max_results", 100)

	// PDF defaults
	v.SetDefault("pdf.max_download_size", 50*1024*1024)
	v.SetDefault("pdf.download_timeout", "120s")
	v.SetDefault("pdf.pdftoppm_path", "pdftoppm")
	v.SetDefault("pdf.raster_dpi", 150)
	v.SetDefault("pdf.max_pages", 40)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate validates the configuration. Field-level rules live in validate
// struct tags; the cross-field API key check cannot, because the keys are
// loaded outside the config tree.
func (c *Config) Validate() error {
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.LLM.Provider = strings.ToLower(c.LLM.Provider)

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return c.fieldError(fieldErrs[0])
		}
		return err
	}

	switch c.LLM.Provider {
	case "openai":
		if c.LLM.OpenAI.APIKey == "" {
			return fmt.Errorf("LLM provider %q requires PAPERPIPE_LLM_OPENAI_API_KEY to be set", c.LLM.Provider)
		}
	case "anthropic":
		if c.LLM.Anthropic.APIKey == "" {
			return fmt.Errorf("LLM provider %q requires PAPERPIPE_LLM_ANTHROPIC_API_KEY to be set", c.LLM.Provider)
		}
	}

	return nil
}

// fieldError renders one tag violation in the vocabulary operators see in
// startup logs.
func (c *Config) fieldError(fe validator.FieldError) error {
	switch fe.StructNamespace() {
	case "Config.Server.HTTPPort":
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	case "Config.Database.Host":
		return fmt.Errorf("database host is required")
	case "Config.Database.Port":
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	case "Config.Database.Name":
		return fmt.Errorf("database name is required")
	case "Config.Database.MaxConns":
		return fmt.Errorf("max_conns (%d) must be >= min_conns (%d)", c.Database.MaxConns, c.Database.MinConns)
	case "Config.Logging.Level":
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	case "Config.LLM.Provider":
		return fmt.Errorf("unsupported LLM provider: %s", c.LLM.Provider)
	case "Config.Pipeline.KeywordCount":
		return fmt.Errorf("pipeline keyword_count must be positive")
	case "Config.Pipeline.TargetPaperCount":
		return fmt.Errorf("pipeline target_paper_count must be positive")
	case "Config.Pipeline.MinSynthesisInputs":
		return fmt.Errorf("pipeline min_synthesis_inputs must be positive")
	case "Config.Pipeline.MaxConcurrentPapers", "Config.Pipeline.MaxConcurrentPages":
		return fmt.Errorf("pipeline concurrency limits must be positive")
	case "Config.Pipeline.MaxAttempts":
		return fmt.Errorf("pipeline max_attempts must be positive")
	case "Config.Pipeline.KeywordDelay":
		return fmt.Errorf("pipeline keyword_delay must not be negative")
	}
	return fmt.Errorf("invalid value for %s: failed %q validation", fe.StructNamespace(), fe.Tag())
}
