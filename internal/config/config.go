// Package config loads seriesd settings from the environment and optional
// .env files.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/zaman-cal/seriesd/server/recurrence"
	"github.com/zaman-cal/seriesd/server/series"
)

// DefaultEnvFiles are read by LoadEnvFiles when present.
var DefaultEnvFiles = []string{".env", ".env.local"}

// Config holds every SERIESD_* setting.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	Mode       string `env:"MODE" envDefault:"materialized"`

	// DBPath selects the SQLite database file; empty keeps everything in memory.
	DBPath string `env:"DB_PATH"`

	Horizon        time.Duration `env:"HORIZON" envDefault:"17520h"`
	MaxOccurrences int           `env:"MAX_OCCURRENCES" envDefault:"5000"`
	CacheEnabled   bool          `env:"CACHE_ENABLED" envDefault:"true"`
	CacheTTL       time.Duration `env:"CACHE_TTL"`

	// CacheProfile picks the cache sizing preset (default, high-performance,
	// low-memory). A non-zero CacheTTL overrides the preset TTL.
	CacheProfile string `env:"CACHE_PROFILE" envDefault:"default"`

	TenantsFile string `env:"TENANTS_FILE"`

	// RefreshCron schedules horizon refreshes; empty disables the refresher.
	RefreshCron string `env:"REFRESH_CRON" envDefault:"@daily"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	MetricsEnabled bool   `env:"METRICS_ENABLED" envDefault:"true"`
	MetricsPath    string `env:"METRICS_PATH" envDefault:"/metrics"`
}

// Prefix is prepended to every variable name.
const Prefix = "SERIESD_"

// LoadEnvFiles loads the existing files among files into the process
// environment without overriding variables already set. It returns how many
// files were read.
func LoadEnvFiles(files []string) (int, error) {
	existing := make([]string, 0, len(files))
	for _, file := range files {
		if info, err := os.Stat(file); err == nil && !info.IsDir() {
			existing = append(existing, file)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return 0, fmt.Errorf("load env files: %w", err)
	}
	return len(existing), nil
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: Prefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, fmt.Errorf("%sLISTEN_ADDR is required", Prefix))
	}
	if _, err := series.ParseMode(c.Mode); err != nil {
		errs = append(errs, fmt.Errorf("%sMODE: %w", Prefix, err))
	}
	if c.Horizon <= 0 {
		errs = append(errs, fmt.Errorf("%sHORIZON must be positive", Prefix))
	}
	if c.MaxOccurrences < 0 {
		errs = append(errs, fmt.Errorf("%sMAX_OCCURRENCES must not be negative", Prefix))
	}
	if c.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("%sCACHE_TTL must not be negative", Prefix))
	}
	if _, ok := cacheProfiles[strings.ToLower(c.CacheProfile)]; !ok {
		errs = append(errs, fmt.Errorf("%sCACHE_PROFILE: unknown profile %q", Prefix, c.CacheProfile))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, fmt.Errorf("%sLOG_LEVEL: %w", Prefix, err))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("%sLOG_FORMAT must be text or json", Prefix))
	}
	if c.MetricsEnabled && !strings.HasPrefix(c.MetricsPath, "/") {
		errs = append(errs, fmt.Errorf("%sMETRICS_PATH must start with /", Prefix))
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}

var cacheProfiles = map[string]recurrence.CacheConfig{
	"":                 recurrence.DefaultEngineConfig.CacheConfig,
	"default":          recurrence.DefaultEngineConfig.CacheConfig,
	"high-performance": recurrence.HighPerformanceConfig.CacheConfig,
	"low-memory":       recurrence.LowMemoryConfig.CacheConfig,
}

// EngineConfig derives the recurrence engine settings.
func (c *Config) EngineConfig(logger *slog.Logger) recurrence.EngineConfig {
	cacheConfig, ok := cacheProfiles[strings.ToLower(c.CacheProfile)]
	if !ok {
		cacheConfig = recurrence.DefaultCacheConfig
	}
	if c.CacheTTL > 0 {
		cacheConfig.TTL = c.CacheTTL
	}
	return recurrence.EngineConfig{
		CacheEnabled:   c.CacheEnabled,
		CacheConfig:    cacheConfig,
		MaxOccurrences: c.MaxOccurrences,
		Horizon:        c.Horizon,
		Logger:         logger,
	}
}

// SeriesMode returns the parsed query mode. Validate has already checked it.
func (c *Config) SeriesMode() series.Mode {
	mode, _ := series.ParseMode(c.Mode)
	return mode
}
