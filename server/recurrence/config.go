package recurrence

import (
	"io"
	"log/slog"
	"time"
)

// EngineConfig holds configuration options for the recurrence engine
type EngineConfig struct {
	CacheEnabled bool
	CacheConfig  CacheConfig

	// MaxOccurrences caps a single Generate call; 0 disables the cap.
	MaxOccurrences int
	// Horizon bounds pre-materialization of rules without UNTIL or COUNT.
	Horizon time.Duration

	Logger *slog.Logger
}

// DefaultEngineConfig provides sensible defaults for production use
var DefaultEngineConfig = EngineConfig{
	CacheEnabled:   true,
	CacheConfig:    DefaultCacheConfig,
	MaxOccurrences: DefaultExpansionOptions.MaxOccurrences,
	Horizon:        DefaultExpansionOptions.Horizon,
}

// HighPerformanceConfig keeps more expansions cached for read-heavy deployments.
var HighPerformanceConfig = EngineConfig{
	CacheEnabled: true,
	CacheConfig: CacheConfig{
		TTL:             30 * time.Minute,
		MaxEntries:      5000,
		CleanupInterval: 10 * time.Minute,
	},
	MaxOccurrences: DefaultExpansionOptions.MaxOccurrences,
	Horizon:        DefaultExpansionOptions.Horizon,
}

// LowMemoryConfig shrinks the cache and the horizon.
var LowMemoryConfig = EngineConfig{
	CacheEnabled: true,
	CacheConfig: CacheConfig{
		TTL:             5 * time.Minute,
		MaxEntries:      100,
		CleanupInterval: 2 * time.Minute,
	},
	MaxOccurrences: 1000,
	Horizon:        365 * 24 * time.Hour,
}

// DisabledCacheConfig turns off caching entirely
var DisabledCacheConfig = EngineConfig{
	CacheEnabled:   false,
	MaxOccurrences: DefaultExpansionOptions.MaxOccurrences,
	Horizon:        DefaultExpansionOptions.Horizon,
}

// NewEngineWithConfig creates a recurrence engine. Engines with a cache must
// be closed.
func NewEngineWithConfig(config EngineConfig) *Engine {
	var cache *RecurrenceCache
	if config.CacheEnabled {
		cache = NewRecurrenceCache(config.CacheConfig)
	}
	if config.Horizon <= 0 {
		config.Horizon = DefaultExpansionOptions.Horizon
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Engine{
		cache:  cache,
		config: config,
		logger: logger,
	}
}
