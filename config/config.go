// Package config provides configuration management for the nls harvester.
// It supports loading configuration from YAML files, environment variables, and command-line flags.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// OutputFormat defines the supported output formats for CLI results.
type OutputFormat string

const (
	// OutputFormatText is human-readable plain text output.
	OutputFormatText OutputFormat = "text"
	// OutputFormatJSON is JSON-formatted output for machine processing.
	OutputFormatJSON OutputFormat = "json"
	// OutputFormatYAML is YAML-formatted output for machine processing.
	OutputFormatYAML OutputFormat = "yaml"
)

// Default configuration values.
const (
	DefaultListingURL       = "https://nomadlist.com/"
	DefaultListingCacheFile = "~/.nls/listing.html"
	DefaultStoreDSN         = "sqlite://~/.nls/nls.db"
	DefaultConcurrency      = 8
	DefaultTimeout          = 30 * time.Second
	DefaultMaxConns         = 4
	DefaultMinConns         = 1
	DefaultLookupURL        = "http://api.aviationstack.com/v1"
	DefaultLookupCacheTTL   = 24 * time.Hour
	DefaultRedisKeyPrefix   = "nls:lookup:"
	DefaultLogLevel         = "info"
	DefaultOutputFormat     = OutputFormatText
	DefaultConfigDir        = ".nls"
	DefaultConfigFile       = "config.yaml"
	DefaultUserAgent        = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// SiteConfig describes the scraped site.
type SiteConfig struct {
	// ListingURL is the page listing every city.
	ListingURL string `yaml:"listing_url"`

	// Headers are sent with every detail request.
	Headers map[string]string `yaml:"headers,omitempty"`

	// ListingCacheFile stores the last rendered listing.
	ListingCacheFile string `yaml:"listing_cache_file,omitempty"`

	// LoadFromDisk reuses ListingCacheFile instead of rendering. Cleared by
	// LoadConfig and rejected by Validate when NLS_ENV is production.
	LoadFromDisk bool `yaml:"load_from_disk,omitempty"`

	// Headless runs the listing browser without a window.
	Headless bool `yaml:"headless"`
}

// FetchConfig tunes detail page retrieval.
type FetchConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
	RateLimit   float64       `yaml:"rate_limit,omitempty"`
	Burst       int           `yaml:"burst,omitempty"`
	MaxCities   int           `yaml:"max_cities,omitempty"`
	UserAgent   string        `yaml:"user_agent,omitempty"`
}

// StoreConfig selects the relational store.
type StoreConfig struct {
	// DSN is postgres://..., sqlite://path or memory://.
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns,omitempty"`
	MinConns int32  `yaml:"min_conns,omitempty"`
}

// PersistConfig tunes the upsert engine.
type PersistConfig struct {
	// AtomicRecords writes each record in one transaction.
	AtomicRecords bool `yaml:"atomic_records"`
}

// LookupConfig configures the country/city reference API.
type LookupConfig struct {
	Enabled  bool          `yaml:"enabled"`
	BaseURL  string        `yaml:"base_url,omitempty"`
	CacheTTL time.Duration `yaml:"cache_ttl,omitempty"`
	PageSize int           `yaml:"page_size,omitempty"`
	MaxPages int           `yaml:"max_pages,omitempty"`
}

// RedisConfig enables the lookup cache and run events. An empty Addr disables both.
type RedisConfig struct {
	Addr      string `yaml:"addr,omitempty"`
	DB        int    `yaml:"db,omitempty"`
	KeyPrefix string `yaml:"key_prefix,omitempty"`
}

// Enabled reports whether a Redis server is configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// ListenAddr serves /metrics when set, e.g. ":9102".
	ListenAddr string `yaml:"listen_addr,omitempty"`
}

// Config holds every harvester setting.
type Config struct {
	Site    SiteConfig    `yaml:"site"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Store   StoreConfig   `yaml:"store"`
	Persist PersistConfig `yaml:"persist"`
	Lookup  LookupConfig  `yaml:"lookup"`
	Redis   RedisConfig   `yaml:"redis,omitempty"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`

	// OutputFormat specifies the default output format for commands.
	OutputFormat OutputFormat `yaml:"output_format"`

	// Debug enables verbose debug logging.
	Debug bool `yaml:"debug,omitempty"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ListingURL:       DefaultListingURL,
			ListingCacheFile: DefaultListingCacheFile,
			Headless:         true,
		},
		Fetch: FetchConfig{
			Concurrency: DefaultConcurrency,
			Timeout:     DefaultTimeout,
			UserAgent:   DefaultUserAgent,
		},
		Store: StoreConfig{
			DSN:      DefaultStoreDSN,
			MaxConns: DefaultMaxConns,
			MinConns: DefaultMinConns,
		},
		Persist: PersistConfig{AtomicRecords: true},
		Lookup: LookupConfig{
			BaseURL:  DefaultLookupURL,
			CacheTTL: DefaultLookupCacheTTL,
		},
		Redis:        RedisConfig{KeyPrefix: DefaultRedisKeyPrefix},
		Log:          LogConfig{Level: DefaultLogLevel},
		OutputFormat: DefaultOutputFormat,
	}
}

// ConfigDir returns the configuration directory path.
// Uses $NLS_CONFIG_DIR if set, otherwise ~/.nls
func ConfigDir() (string, error) {
	if dir := os.Getenv("NLS_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, DefaultConfigDir), nil
}

// ConfigPath returns the full path to the configuration file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFile), nil
}

// LoadConfig loads the configuration from file and environment variables.
// Configuration is loaded in this order (later sources override earlier):
// 1. Default values
// 2. Config file (~/.nls/config.yaml or $NLS_CONFIG_DIR/config.yaml)
// 3. Environment variables (NLS_*)
// Command-line flags are applied on top by the caller.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	configPath, err := ConfigPath()
	if err != nil {
		return nil, fmt.Errorf("getting config path: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// configFile mirrors Config with durations as strings and optional booleans
// as pointers, so that absent keys keep their defaults.
type configFile struct {
	Site struct {
		ListingURL       string            `yaml:"listing_url,omitempty"`
		Headers          map[string]string `yaml:"headers,omitempty"`
		ListingCacheFile string            `yaml:"listing_cache_file,omitempty"`
		LoadFromDisk     *bool             `yaml:"load_from_disk,omitempty"`
		Headless         *bool             `yaml:"headless,omitempty"`
	} `yaml:"site"`
	Fetch struct {
		Concurrency int     `yaml:"concurrency,omitempty"`
		Timeout     string  `yaml:"timeout,omitempty"`
		RateLimit   float64 `yaml:"rate_limit,omitempty"`
		Burst       int     `yaml:"burst,omitempty"`
		MaxCities   int     `yaml:"max_cities,omitempty"`
		UserAgent   string  `yaml:"user_agent,omitempty"`
	} `yaml:"fetch"`
	Store   StoreConfig `yaml:"store"`
	Persist struct {
		AtomicRecords *bool `yaml:"atomic_records,omitempty"`
	} `yaml:"persist"`
	Lookup struct {
		Enabled  *bool  `yaml:"enabled,omitempty"`
		BaseURL  string `yaml:"base_url,omitempty"`
		CacheTTL string `yaml:"cache_ttl,omitempty"`
		PageSize int    `yaml:"page_size,omitempty"`
		MaxPages int    `yaml:"max_pages,omitempty"`
	} `yaml:"lookup"`
	Redis        RedisConfig   `yaml:"redis,omitempty"`
	Log          LogConfig     `yaml:"log,omitempty"`
	Metrics      MetricsConfig `yaml:"metrics,omitempty"`
	OutputFormat OutputFormat  `yaml:"output_format,omitempty"`
	Debug        bool          `yaml:"debug,omitempty"`
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var f configFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	if f.Site.ListingURL != "" {
		cfg.Site.ListingURL = f.Site.ListingURL
	}
	if f.Site.Headers != nil {
		cfg.Site.Headers = f.Site.Headers
	}
	if f.Site.ListingCacheFile != "" {
		cfg.Site.ListingCacheFile = f.Site.ListingCacheFile
	}
	if f.Site.LoadFromDisk != nil {
		cfg.Site.LoadFromDisk = *f.Site.LoadFromDisk
	}
	if f.Site.Headless != nil {
		cfg.Site.Headless = *f.Site.Headless
	}

	if f.Fetch.Concurrency != 0 {
		cfg.Fetch.Concurrency = f.Fetch.Concurrency
	}
	if f.Fetch.Timeout != "" {
		timeout, err := time.ParseDuration(f.Fetch.Timeout)
		if err != nil {
			return fmt.Errorf("parsing fetch.timeout: %w", err)
		}
		cfg.Fetch.Timeout = timeout
	}
	if f.Fetch.RateLimit != 0 {
		cfg.Fetch.RateLimit = f.Fetch.RateLimit
	}
	if f.Fetch.Burst != 0 {
		cfg.Fetch.Burst = f.Fetch.Burst
	}
	if f.Fetch.MaxCities != 0 {
		cfg.Fetch.MaxCities = f.Fetch.MaxCities
	}
	if f.Fetch.UserAgent != "" {
		cfg.Fetch.UserAgent = f.Fetch.UserAgent
	}

	if f.Store.DSN != "" {
		cfg.Store.DSN = f.Store.DSN
	}
	if f.Store.MaxConns != 0 {
		cfg.Store.MaxConns = f.Store.MaxConns
	}
	if f.Store.MinConns != 0 {
		cfg.Store.MinConns = f.Store.MinConns
	}

	if f.Persist.AtomicRecords != nil {
		cfg.Persist.AtomicRecords = *f.Persist.AtomicRecords
	}

	if f.Lookup.Enabled != nil {
		cfg.Lookup.Enabled = *f.Lookup.Enabled
	}
	if f.Lookup.BaseURL != "" {
		cfg.Lookup.BaseURL = f.Lookup.BaseURL
	}
	if f.Lookup.CacheTTL != "" {
		ttl, err := time.ParseDuration(f.Lookup.CacheTTL)
		if err != nil {
			return fmt.Errorf("parsing lookup.cache_ttl: %w", err)
		}
		cfg.Lookup.CacheTTL = ttl
	}
	if f.Lookup.PageSize != 0 {
		cfg.Lookup.PageSize = f.Lookup.PageSize
	}
	if f.Lookup.MaxPages != 0 {
		cfg.Lookup.MaxPages = f.Lookup.MaxPages
	}

	if f.Redis.Addr != "" {
		cfg.Redis.Addr = f.Redis.Addr
	}
	if f.Redis.DB != 0 {
		cfg.Redis.DB = f.Redis.DB
	}
	if f.Redis.KeyPrefix != "" {
		cfg.Redis.KeyPrefix = f.Redis.KeyPrefix
	}

	if f.Log.Level != "" {
		cfg.Log.Level = f.Log.Level
	}
	cfg.Log.JSON = f.Log.JSON
	if f.Metrics.ListenAddr != "" {
		cfg.Metrics.ListenAddr = f.Metrics.ListenAddr
	}
	if f.OutputFormat != "" {
		cfg.OutputFormat = f.OutputFormat
	}
	cfg.Debug = f.Debug

	return nil
}

// loadFromEnv overlays environment variables onto the configuration.
func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("NLS_LISTING_URL"); v != "" {
		cfg.Site.ListingURL = v
	}
	if v := os.Getenv("NLS_LISTING_CACHE_FILE"); v != "" {
		cfg.Site.ListingCacheFile = v
	}
	if v, ok := envBool("NLS_LOAD_FROM_DISK"); ok {
		cfg.Site.LoadFromDisk = v
	}
	if v, ok := envBool("NLS_HEADLESS"); ok {
		cfg.Site.Headless = v
	}

	if v := os.Getenv("NLS_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NLS_CONCURRENCY: %w", err)
		}
		cfg.Fetch.Concurrency = n
	}
	if v := os.Getenv("NLS_TIMEOUT"); v != "" {
		if timeout, err := time.ParseDuration(v); err == nil {
			cfg.Fetch.Timeout = timeout
		}
	}
	if v := os.Getenv("NLS_RATE_LIMIT"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("NLS_RATE_LIMIT: %w", err)
		}
		cfg.Fetch.RateLimit = r
	}
	if v := os.Getenv("NLS_MAX_CITIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NLS_MAX_CITIES: %w", err)
		}
		cfg.Fetch.MaxCities = n
	}

	if v := os.Getenv("NLS_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	} else if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DSN = v
	}
	if v, ok := envBool("NLS_ATOMIC_RECORDS"); ok {
		cfg.Persist.AtomicRecords = v
	}

	if v, ok := envBool("NLS_LOOKUP_ENABLED"); ok {
		cfg.Lookup.Enabled = v
	}
	if v := os.Getenv("NLS_LOOKUP_URL"); v != "" {
		cfg.Lookup.BaseURL = v
	}

	if v := os.Getenv("NLS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("NLS_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}

	if v := os.Getenv("NLS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v, ok := envBool("NLS_LOG_JSON"); ok {
		cfg.Log.JSON = v
	}
	if v := os.Getenv("NLS_METRICS_ADDR"); v != "" {
		cfg.Metrics.ListenAddr = v
	}
	if v := os.Getenv("NLS_OUTPUT_FORMAT"); v != "" {
		cfg.OutputFormat = OutputFormat(v)
	}
	if v, ok := envBool("NLS_DEBUG"); ok {
		cfg.Debug = v
	}

	if IsProduction() {
		cfg.Site.LoadFromDisk = false
	}
	return nil
}

// IsProduction reports whether NLS_ENV names the production environment.
func IsProduction() bool {
	return strings.EqualFold(os.Getenv("NLS_ENV"), "production")
}

func envBool(key string) (bool, bool) {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	}
	return false, false
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Site.ListingURL == "" {
		return fmt.Errorf("site.listing_url is required")
	}
	if u, err := url.Parse(c.Site.ListingURL); err != nil || u.Host == "" {
		return fmt.Errorf("site.listing_url %q is not an absolute url", c.Site.ListingURL)
	}
	if c.Site.LoadFromDisk && IsProduction() {
		return fmt.Errorf("site.load_from_disk is not allowed when NLS_ENV is production")
	}
	if c.Fetch.Concurrency <= 0 {
		return fmt.Errorf("fetch.concurrency must be positive")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be positive")
	}
	if c.Fetch.RateLimit < 0 || c.Fetch.Burst < 0 || c.Fetch.MaxCities < 0 {
		return fmt.Errorf("fetch.rate_limit, fetch.burst and fetch.max_cities must not be negative")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if c.Store.MinConns > c.Store.MaxConns {
		return fmt.Errorf("store.min_conns (%d) exceeds store.max_conns (%d)", c.Store.MinConns, c.Store.MaxConns)
	}
	if c.Lookup.Enabled && c.Lookup.BaseURL == "" {
		return fmt.Errorf("lookup.base_url is required when lookup is enabled")
	}
	if !c.OutputFormat.IsValid() {
		return fmt.Errorf("invalid output_format: %q (must be text, json, or yaml)", c.OutputFormat)
	}
	return nil
}

// IsValid checks if the output format is valid.
func (f OutputFormat) IsValid() bool {
	switch f {
	case OutputFormatText, OutputFormatJSON, OutputFormatYAML:
		return true
	default:
		return false
	}
}

// String returns the string representation of the output format.
func (f OutputFormat) String() string {
	return string(f)
}

// SaveConfig saves the configuration to the config file.
func SaveConfig(cfg *Config) error {
	configDir, err := ConfigDir()
	if err != nil {
		return fmt.Errorf("getting config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(configDir, DefaultConfigFile)

	var f configFile
	f.Site.ListingURL = cfg.Site.ListingURL
	f.Site.Headers = cfg.Site.Headers
	f.Site.ListingCacheFile = cfg.Site.ListingCacheFile
	f.Site.LoadFromDisk = &cfg.Site.LoadFromDisk
	f.Site.Headless = &cfg.Site.Headless
	f.Fetch.Concurrency = cfg.Fetch.Concurrency
	f.Fetch.Timeout = cfg.Fetch.Timeout.String()
	f.Fetch.RateLimit = cfg.Fetch.RateLimit
	f.Fetch.Burst = cfg.Fetch.Burst
	f.Fetch.MaxCities = cfg.Fetch.MaxCities
	f.Fetch.UserAgent = cfg.Fetch.UserAgent
	f.Store = cfg.Store
	f.Persist.AtomicRecords = &cfg.Persist.AtomicRecords
	f.Lookup.Enabled = &cfg.Lookup.Enabled
	f.Lookup.BaseURL = cfg.Lookup.BaseURL
	f.Lookup.CacheTTL = cfg.Lookup.CacheTTL.String()
	f.Lookup.PageSize = cfg.Lookup.PageSize
	f.Lookup.MaxPages = cfg.Lookup.MaxPages
	f.Redis = cfg.Redis
	f.Log = cfg.Log
	f.Metrics = cfg.Metrics
	f.OutputFormat = cfg.OutputFormat
	f.Debug = cfg.Debug

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// ExpandPath expands ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}
