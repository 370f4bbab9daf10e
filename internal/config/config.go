// Package config provides configuration management for the sieve crawler pipeline
// Supports multiple configuration sources: YAML, JSON, environment variables, and command line flags
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Almahr1/sieve/internal/frontier"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config represents the complete application configuration
type Config struct {
	// Crawl driver settings
	Crawler CrawlerConfig `mapstructure:"crawler" yaml:"crawler" json:"crawler"`

	// Rate limiting configuration
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`

	// Page assessment and tokenization
	Content ContentConfig `mapstructure:"content" yaml:"content" json:"content"`

	// Link filtering rules
	Filter FilterConfig `mapstructure:"filter" yaml:"filter" json:"filter"`

	// Near-duplicate detection
	Dedup DedupConfig `mapstructure:"dedup" yaml:"dedup" json:"dedup"`

	// Aggregate statistics
	Analytics AnalyticsConfig `mapstructure:"analytics" yaml:"analytics" json:"analytics"`

	// Checkpoint persistence
	Checkpoint CheckpointConfig `mapstructure:"checkpoint" yaml:"checkpoint" json:"checkpoint"`

	// Redis configuration (optional checkpoint backend)
	Redis RedisConfig `mapstructure:"redis" yaml:"redis" json:"redis"`

	// Robots.txt settings
	Robots RobotsConfig `mapstructure:"robots" yaml:"robots" json:"robots"`

	// HTTP client settings
	HTTP HTTPConfig `mapstructure:"http" yaml:"http" json:"http"`

	// Logging
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring" json:"monitoring"`

	// Internal metadata (not serialized)
	configFileUsed string `json:"-" yaml:"-"`
}

// CrawlerConfig holds basic crawler settings
type CrawlerConfig struct {
	MaxPages          int           `mapstructure:"max_pages" yaml:"max_pages" json:"max_pages"`
	ConcurrentWorkers int           `mapstructure:"concurrent_workers" yaml:"concurrent_workers" json:"concurrent_workers"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" json:"request_timeout"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent" json:"user_agent"`
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	ProgressInterval  time.Duration `mapstructure:"progress_interval" yaml:"progress_interval" json:"progress_interval"`
	SeedURLs          []string      `mapstructure:"seed_urls" yaml:"seed_urls" json:"seed_urls"`
	AllowedDomains    []string      `mapstructure:"allowed_domains" yaml:"allowed_domains" json:"allowed_domains"`
}

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst" json:"burst"`
	PerHostLimit      bool    `mapstructure:"per_host_limit" yaml:"per_host_limit" json:"per_host_limit"`
}

// ContentConfig holds page assessment and tokenizer settings
type ContentConfig struct {
	MinTextLength   int     `mapstructure:"min_text_length" yaml:"min_text_length" json:"min_text_length"`
	MinTextFraction float64 `mapstructure:"min_text_fraction" yaml:"min_text_fraction" json:"min_text_fraction"`
	MaxPageSize     int64   `mapstructure:"max_page_size" yaml:"max_page_size" json:"max_page_size"`
	StopwordsFile   string  `mapstructure:"stopwords_file" yaml:"stopwords_file" json:"stopwords_file"`
	StemTokens      bool    `mapstructure:"stem_tokens" yaml:"stem_tokens" json:"stem_tokens"`
}

// FilterConfig holds the link acceptance rules
type FilterConfig struct {
	AllowedSchemes       []string `mapstructure:"allowed_schemes" yaml:"allowed_schemes" json:"allowed_schemes"`
	DisallowedExtensions []string `mapstructure:"disallowed_extensions" yaml:"disallowed_extensions" json:"disallowed_extensions"`
	DisallowedSegments   []string `mapstructure:"disallowed_segments" yaml:"disallowed_segments" json:"disallowed_segments"`
	RedirectParams       []string `mapstructure:"redirect_params" yaml:"redirect_params" json:"redirect_params"`
}

// DedupConfig holds near-duplicate detection settings
type DedupConfig struct {
	Enabled             bool    `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	NumPerm             int     `mapstructure:"num_perm" yaml:"num_perm" json:"num_perm"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold" json:"similarity_threshold"`
	Seed                uint64  `mapstructure:"seed" yaml:"seed" json:"seed"`
	ExactCacheMB        int     `mapstructure:"exact_cache_mb" yaml:"exact_cache_mb" json:"exact_cache_mb"`
}

// AnalyticsConfig holds aggregate statistics settings
type AnalyticsConfig struct {
	SubdomainSuffix   string  `mapstructure:"subdomain_suffix" yaml:"subdomain_suffix" json:"subdomain_suffix"`
	ExcludedHost      string  `mapstructure:"excluded_host" yaml:"excluded_host" json:"excluded_host"`
	TopTokens         int     `mapstructure:"top_tokens" yaml:"top_tokens" json:"top_tokens"`
	ExpectedPages     uint    `mapstructure:"expected_pages" yaml:"expected_pages" json:"expected_pages"`
	FalsePositiveRate float64 `mapstructure:"false_positive_rate" yaml:"false_positive_rate" json:"false_positive_rate"`
}

// CheckpointConfig holds checkpoint persistence settings
type CheckpointConfig struct {
	Storage    string `mapstructure:"storage" yaml:"storage" json:"storage"`
	Dir        string `mapstructure:"dir" yaml:"dir" json:"dir"`
	StateKey   string `mapstructure:"state_key" yaml:"state_key" json:"state_key"`
	ReportKey  string `mapstructure:"report_key" yaml:"report_key" json:"report_key"`
	FlushEvery int    `mapstructure:"flush_every" yaml:"flush_every" json:"flush_every"`
}

// RedisConfig holds Redis settings
type RedisConfig struct {
	Addr        string        `mapstructure:"addr" yaml:"addr" json:"addr"`
	Password    string        `mapstructure:"password" yaml:"password" json:"password"`
	Db          int           `mapstructure:"db" yaml:"db" json:"db"`
	PoolSize    int           `mapstructure:"pool_size" yaml:"pool_size" json:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" json:"dial_timeout"`
	KeyPrefix   string        `mapstructure:"key_prefix" yaml:"key_prefix" json:"key_prefix"`
}

// RobotsConfig holds robots.txt settings
type RobotsConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	CacheDuration time.Duration `mapstructure:"cache_duration" yaml:"cache_duration" json:"cache_duration"`
	UserAgent     string        `mapstructure:"user_agent" yaml:"user_agent" json:"user_agent"`
}

// HTTPConfig holds HTTP client settings
type HTTPConfig struct {
	MaxIdleConnections        int           `mapstructure:"max_idle_connections" yaml:"max_idle_connections" json:"max_idle_connections"`
	MaxIdleConnectionsPerHost int           `mapstructure:"max_idle_connections_per_host" yaml:"max_idle_connections_per_host" json:"max_idle_connections_per_host"`
	IdleConnectionTimeout     time.Duration `mapstructure:"idle_connection_timeout" yaml:"idle_connection_timeout" json:"idle_connection_timeout"`
	DialTimeout               time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" json:"dial_timeout"`
	TlsHandshakeTimeout       time.Duration `mapstructure:"tls_handshake_timeout" yaml:"tls_handshake_timeout" json:"tls_handshake_timeout"`
	ResponseHeaderTimeout     time.Duration `mapstructure:"response_header_timeout" yaml:"response_header_timeout" json:"response_header_timeout"`
}

// MonitoringConfig holds logging settings
type MonitoringConfig struct {
	LogLevel  string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format" json:"log_format"`
	LogFile   string `mapstructure:"log_file" yaml:"log_file" json:"log_file"`
}

// LoadConfig loads configuration from multiple sources in order of precedence:
// 1. Command line flags
// 2. Environment variables
// 3. Configuration file
// 4. Default values
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("specified config file does not exist: %s", configPath)
		}
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".sieve"))
		}
		v.AddConfigPath("/etc/sieve")
	}

	v.SetEnvPrefix("SIEVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	BindEnvVariables(v)

	configFileUsed := ""
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and env vars
	} else {
		configFileUsed = v.ConfigFileUsed()
	}

	if flags != nil {
		if err := BindFlags(v, flags); err != nil {
			return nil, fmt.Errorf("failed to bind command flags: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.configFileUsed = configFileUsed

	if err := ValidateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// Default returns the built-in configuration without reading files, the
// environment or flags.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Sprintf("invalid built-in defaults: %v", err))
	}
	return &config
}

// flagKeys maps command line flag names to configuration keys
var flagKeys = map[string]string{
	"max-pages": "crawler.max_pages",
	"workers":   "crawler.concurrent_workers",
	"seed":      "crawler.seed_urls",
	"log-level": "monitoring.log_level",
	"state-dir": "checkpoint.dir",
	"storage":   "checkpoint.storage",
}

// BindFlags binds the known command line flags to their configuration keys.
// Flags that are not present in the set are ignored.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// BindEnvVariables explicitly binds environment variables for better support
func BindEnvVariables(v *viper.Viper) {
	envMappings := map[string]string{
		"crawler.user_agent":             "SIEVE_USER_AGENT",
		"rate_limit.requests_per_second": "SIEVE_RATE_LIMIT_REQUESTS_PER_SECOND",
		"checkpoint.storage":             "SIEVE_CHECKPOINT_STORAGE",
		"checkpoint.dir":                 "SIEVE_CHECKPOINT_DIR",
		"dedup.similarity_threshold":     "SIEVE_SIMILARITY_THRESHOLD",
		"monitoring.log_level":           "SIEVE_LOG_LEVEL",
		"monitoring.log_file":            "SIEVE_LOG_FILE",
		"redis.addr":                     "SIEVE_REDIS_ADDR",
		"redis.password":                 "SIEVE_REDIS_PASSWORD",
	}

	for key, env := range envMappings {
		v.BindEnv(key, env)
	}
}

// SetDefaults sets all default configuration values
func SetDefaults(v *viper.Viper) {
	// Crawler defaults
	v.SetDefault("crawler.max_pages", 10000)
	v.SetDefault("crawler.concurrent_workers", 4)
	v.SetDefault("crawler.request_timeout", "30s")
	v.SetDefault("crawler.user_agent", "Sieve/1.0 (+https://github.com/Almahr1/sieve)")
	v.SetDefault("crawler.max_retries", 2)
	v.SetDefault("crawler.progress_interval", "30s")
	v.SetDefault("crawler.allowed_domains", []string{"ics.uci.edu", "cs.uci.edu", "informatics.uci.edu", "stat.uci.edu"})

	// Rate limiting defaults
	v.SetDefault("rate_limit.requests_per_second", 2.0)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("rate_limit.per_host_limit", true)

	// Content defaults
	v.SetDefault("content.min_text_length", 100)
	v.SetDefault("content.min_text_fraction", 0.02)
	v.SetDefault("content.max_page_size", 5*1024*1024)
	v.SetDefault("content.stopwords_file", "")
	v.SetDefault("content.stem_tokens", false)

	// Filter defaults
	v.SetDefault("filter.allowed_schemes", []string{"http", "https"})
	v.SetDefault("filter.disallowed_extensions", frontier.DefaultDisallowedExtensions)
	v.SetDefault("filter.disallowed_segments", frontier.DefaultDisallowedSegments)
	v.SetDefault("filter.redirect_params", []string{"url"})

	// Dedup defaults
	v.SetDefault("dedup.enabled", true)
	v.SetDefault("dedup.num_perm", 128)
	v.SetDefault("dedup.similarity_threshold", 0.75)
	v.SetDefault("dedup.seed", 1)
	v.SetDefault("dedup.exact_cache_mb", 64)

	// Analytics defaults
	v.SetDefault("analytics.subdomain_suffix", ".ics.uci.edu")
	v.SetDefault("analytics.excluded_host", "www.ics.uci.edu")
	v.SetDefault("analytics.top_tokens", 50)
	v.SetDefault("analytics.expected_pages", 1000000)
	v.SetDefault("analytics.false_positive_rate", 0.0001)

	// Checkpoint defaults
	v.SetDefault("checkpoint.storage", "file")
	v.SetDefault("checkpoint.dir", "./data")
	v.SetDefault("checkpoint.state_key", "checkpoint.json")
	v.SetDefault("checkpoint.report_key", "report.txt")
	v.SetDefault("checkpoint.flush_every", 100)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.key_prefix", "sieve:")

	// Robots defaults
	v.SetDefault("robots.enabled", true)
	v.SetDefault("robots.cache_duration", "24h")
	v.SetDefault("robots.user_agent", "*")

	// HTTP defaults
	v.SetDefault("http.max_idle_connections", 100)
	v.SetDefault("http.max_idle_connections_per_host", 10)
	v.SetDefault("http.idle_connection_timeout", "90s")
	v.SetDefault("http.dial_timeout", "5s")
	v.SetDefault("http.tls_handshake_timeout", "10s")
	v.SetDefault("http.response_header_timeout", "10s")

	// Monitoring defaults
	v.SetDefault("monitoring.log_level", "info")
	v.SetDefault("monitoring.log_format", "json")
	v.SetDefault("monitoring.log_file", "./logs/sieve.log")
}

// ValidateConfig performs validation of the configuration
func ValidateConfig(config *Config) error {
	// Validate crawler settings
	if config.Crawler.MaxPages <= 0 {
		return fmt.Errorf("crawler.max_pages must be positive, got %d", config.Crawler.MaxPages)
	}
	if config.Crawler.ConcurrentWorkers <= 0 {
		return fmt.Errorf("crawler.concurrent_workers must be positive, got %d", config.Crawler.ConcurrentWorkers)
	}
	if config.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be positive, got %v", config.Crawler.RequestTimeout)
	}
	if config.Crawler.MaxRetries < 0 {
		return fmt.Errorf("crawler.max_retries cannot be negative, got %d", config.Crawler.MaxRetries)
	}
	if config.Crawler.UserAgent == "" {
		return fmt.Errorf("crawler.user_agent cannot be empty")
	}
	for i, url := range config.Crawler.SeedURLs {
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return fmt.Errorf("crawler.seed_urls[%d] must be a valid HTTP/HTTPS URL, got: %s", i, url)
		}
	}

	// Validate rate limiting settings
	if config.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive, got %f", config.RateLimit.RequestsPerSecond)
	}
	if config.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit.burst must be positive, got %d", config.RateLimit.Burst)
	}

	// Validate content settings
	if config.Content.MinTextLength < 0 {
		return fmt.Errorf("content.min_text_length must be non-negative, got %d", config.Content.MinTextLength)
	}
	if config.Content.MinTextFraction < 0 || config.Content.MinTextFraction > 1 {
		return fmt.Errorf("content.min_text_fraction must be between 0 and 1, got %f", config.Content.MinTextFraction)
	}
	if config.Content.MaxPageSize <= 0 {
		return fmt.Errorf("content.max_page_size must be positive, got %d", config.Content.MaxPageSize)
	}

	// Validate filter settings
	if len(config.Filter.AllowedSchemes) == 0 {
		return fmt.Errorf("filter.allowed_schemes cannot be empty")
	}

	// Validate dedup settings
	if config.Dedup.NumPerm < 2 {
		return fmt.Errorf("dedup.num_perm must be at least 2, got %d", config.Dedup.NumPerm)
	}
	if config.Dedup.SimilarityThreshold <= 0 || config.Dedup.SimilarityThreshold >= 1 {
		return fmt.Errorf("dedup.similarity_threshold must be between 0 and 1 (exclusive), got %f",
			config.Dedup.SimilarityThreshold)
	}
	if config.Dedup.ExactCacheMB < 0 {
		return fmt.Errorf("dedup.exact_cache_mb must be non-negative, got %d", config.Dedup.ExactCacheMB)
	}

	// Validate analytics settings
	if config.Analytics.TopTokens <= 0 {
		return fmt.Errorf("analytics.top_tokens must be positive, got %d", config.Analytics.TopTokens)
	}
	if config.Analytics.ExpectedPages == 0 {
		return fmt.Errorf("analytics.expected_pages must be positive")
	}
	if config.Analytics.FalsePositiveRate <= 0 || config.Analytics.FalsePositiveRate >= 1 {
		return fmt.Errorf("analytics.false_positive_rate must be between 0 and 1 (exclusive), got %f",
			config.Analytics.FalsePositiveRate)
	}

	// Validate checkpoint settings
	validStorageTypes := map[string]bool{"file": true, "redis": true}
	if !validStorageTypes[config.Checkpoint.Storage] {
		return fmt.Errorf("invalid checkpoint.storage: %s. Valid options: file, redis", config.Checkpoint.Storage)
	}
	if config.Checkpoint.Storage == "file" && config.Checkpoint.Dir == "" {
		return fmt.Errorf("checkpoint.dir is required for file storage")
	}
	if config.Checkpoint.StateKey == "" {
		return fmt.Errorf("checkpoint.state_key cannot be empty")
	}
	if config.Checkpoint.FlushEvery <= 0 {
		return fmt.Errorf("checkpoint.flush_every must be positive, got %d", config.Checkpoint.FlushEvery)
	}

	// Validate Redis settings if Redis holds the checkpoint
	if config.Checkpoint.Storage == "redis" {
		if config.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when using Redis for checkpoints")
		}
		if config.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be positive, got %d", config.Redis.PoolSize)
		}
	}

	// Validate robots settings
	if config.Robots.Enabled && config.Robots.CacheDuration <= 0 {
		return fmt.Errorf("robots.cache_duration must be positive, got %v", config.Robots.CacheDuration)
	}

	// Validate HTTP settings
	if config.HTTP.MaxIdleConnectionsPerHost > config.HTTP.MaxIdleConnections {
		return fmt.Errorf("http.max_idle_connections_per_host (%d) cannot exceed max_idle_connections (%d)",
			config.HTTP.MaxIdleConnectionsPerHost, config.HTTP.MaxIdleConnections)
	}

	// Validate monitoring settings
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Monitoring.LogLevel] {
		return fmt.Errorf("invalid monitoring.log_level: %s. Valid options: debug, info, warn, error", config.Monitoring.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Monitoring.LogFormat] {
		return fmt.Errorf("invalid monitoring.log_format: %s. Valid options: json, text", config.Monitoring.LogFormat)
	}

	if err := CreateDirectories(config); err != nil {
		return fmt.Errorf("failed to create required directories: %w", err)
	}

	return nil
}

// CreateDirectories creates required directories based on configuration
func CreateDirectories(config *Config) error {
	var dirsToCreate []string

	if config.Checkpoint.Storage == "file" && config.Checkpoint.Dir != "" {
		dirsToCreate = append(dirsToCreate, config.Checkpoint.Dir)
	}

	if config.Monitoring.LogFile != "" {
		logDir := filepath.Dir(config.Monitoring.LogFile)
		if logDir != "." {
			dirsToCreate = append(dirsToCreate, logDir)
		}
	}

	for _, dir := range dirsToCreate {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// GetLogger creates a configured logger based on monitoring settings
func (c *Config) GetLogger() (*zap.Logger, error) {
	var zapConfig zap.Config

	if c.Monitoring.LogFormat == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	level := zap.InfoLevel
	switch c.Monitoring.LogLevel {
	case "debug":
		level = zap.DebugLevel
	case "info":
		level = zap.InfoLevel
	case "warn":
		level = zap.WarnLevel
	case "error":
		level = zap.ErrorLevel
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	if c.Monitoring.LogFile != "" {
		zapConfig.OutputPaths = []string{"stdout", c.Monitoring.LogFile}
	}

	return zapConfig.Build()
}

// String returns a string representation of the configuration (with sensitive data redacted)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Redis.Password = Redact(configCopy.Redis.Password)

	return fmt.Sprintf("%+v", configCopy)
}

// Redact replaces sensitive values with asterisks
func Redact(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return "****"
	}
	return value[:2] + strings.Repeat("*", len(value)-4) + value[len(value)-2:]
}

// ConfigFileUsed returns the path of the configuration file that was used to load the config
func (c *Config) ConfigFileUsed() string {
	return c.configFileUsed
}
