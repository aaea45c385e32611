package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds scraper configuration.
type Config struct {
	BaseURL      string        `mapstructure:"base_url"`
	InputFile    string        `mapstructure:"input_file"`
	URLColumn    string        `mapstructure:"url_column"`
	BatchSize    int           `mapstructure:"batch_size"`
	Pause        time.Duration `mapstructure:"pause"`
	Parallelism  int           `mapstructure:"parallelism"`
	Timeout      time.Duration `mapstructure:"timeout"`
	UserAgent    string        `mapstructure:"user_agent"`
	OutputDir    string        `mapstructure:"output_dir"`
	OutputPrefix string        `mapstructure:"output_prefix"`
	OutputFormat string        `mapstructure:"output_format"` // csv, json, dual, sqlite or postgres
	SQLitePath   string        `mapstructure:"sqlite_path"`
	PostgresURL  string        `mapstructure:"postgres_url"`
	CacheSize    int           `mapstructure:"cache_size"`
	MetricsAddr  string        `mapstructure:"metrics_addr"`
	Verbose      bool          `mapstructure:"verbose"`
}

// Output formats accepted by Validate.
const (
	FormatCSV      = "csv"
	FormatJSON     = "json"
	FormatDual     = "dual"
	FormatSQLite   = "sqlite"
	FormatPostgres = "postgres"
)

// EnvPrefix namespaces environment overrides, e.g. SCRAPER_BATCH_SIZE.
const EnvPrefix = "SCRAPER"

// DefaultConfig returns the defaults for the review site run.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:      "https://www.tripadvisor.com",
		InputFile:    "ta_all_data.csv",
		URLColumn:    "URL_TA",
		BatchSize:    5000,
		Pause:        60 * time.Second,
		Parallelism:  100,
		Timeout:      5 * time.Minute,
		UserAgent:    "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		OutputDir:    ".",
		OutputPrefix: "ta_parsing_results",
		OutputFormat: FormatCSV,
		SQLitePath:   "ta_parsing_results.db",
		CacheSize:    1024,
	}
}

// Load layers defaults, an optional config file, SCRAPER_* environment
// variables and any flags already bound to v.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	def := DefaultConfig()
	v.SetDefault("base_url", def.BaseURL)
	v.SetDefault("input_file", def.InputFile)
	v.SetDefault("url_column", def.URLColumn)
	v.SetDefault("batch_size", def.BatchSize)
	v.SetDefault("pause", def.Pause)
	v.SetDefault("parallelism", def.Parallelism)
	v.SetDefault("timeout", def.Timeout)
	v.SetDefault("user_agent", def.UserAgent)
	v.SetDefault("output_dir", def.OutputDir)
	v.SetDefault("output_prefix", def.OutputPrefix)
	v.SetDefault("output_format", def.OutputFormat)
	v.SetDefault("sqlite_path", def.SQLitePath)
	v.SetDefault("postgres_url", def.PostgresURL)
	v.SetDefault("cache_size", def.CacheSize)
	v.SetDefault("metrics_addr", def.MetricsAddr)
	v.SetDefault("verbose", def.Verbose)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.OutputFormat = strings.ToLower(strings.TrimSpace(cfg.OutputFormat))
	return cfg, nil
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if c.InputFile == "" {
		return fmt.Errorf("input file cannot be empty")
	}
	if c.URLColumn == "" {
		return fmt.Errorf("url column cannot be empty")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Pause < 0 {
		return fmt.Errorf("pause cannot be negative")
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("parallelism cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("cache size cannot be negative")
	}

	switch c.OutputFormat {
	case FormatCSV, FormatJSON, FormatDual:
		if c.OutputPrefix == "" {
			return fmt.Errorf("output prefix cannot be empty")
		}
	case FormatSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite path cannot be empty")
		}
	case FormatPostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("postgres url cannot be empty")
		}
	default:
		return fmt.Errorf("output format must be csv, json, dual, sqlite, or postgres")
	}

	return nil
}
