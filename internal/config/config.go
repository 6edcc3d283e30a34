package config

import (
	"fmt"

	"github.com/manabihq/manabi/internal/cache"
	"github.com/manabihq/manabi/internal/database"
	"github.com/manabihq/manabi/internal/logging"
)

// Config is the full application configuration. Sections mirror the
// packages that consume them, every field can come from the YAML file or
// from a MANABI_* environment variable.
type Config struct {
	App       AppConfig                `yaml:"app"`
	Logging   logging.Config           `yaml:"logging"`
	Cache     cache.Config             `yaml:"cache"`
	Database  database.Config          `yaml:"database"`
	Analyzer  database.AnalyzerConfig  `yaml:"analyzer"`
	Optimizer database.OptimizerConfig `yaml:"optimizer"`
	Loader    database.LoaderConfig    `yaml:"loader"`
	LoadTest  database.LoadTestConfig  `yaml:"load_test"`
	Metrics   MetricsConfig            `yaml:"metrics"`
}

// AppConfig identifies the running instance.
type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns the configuration used when no file and no
// environment overrides are present.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "manabi",
			Environment: "development",
		},
		Logging:   logging.DefaultConfig(),
		Cache:     cache.DefaultConfig(),
		Database:  *database.DefaultConfig(),
		Analyzer:  *database.DefaultAnalyzerConfig(),
		Optimizer: *database.DefaultOptimizerConfig(),
		Loader:    *database.DefaultLoaderConfig(),
		LoadTest:  *database.MediumPreset(),
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: ":9090",
		},
	}
}

// Validate rejects configurations that would misbehave at runtime rather
// than fail fast at startup.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.WriteDSN == "" {
		return fmt.Errorf("database write DSN is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database max_open_conns must be positive, got %d", c.Database.MaxOpenConns)
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database max_idle_conns %d exceeds max_open_conns %d",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}
	if c.Database.QueryTimeout <= 0 {
		return fmt.Errorf("database query_timeout must be positive, got %s", c.Database.QueryTimeout)
	}

	if c.Analyzer.SlowQueryThreshold <= 0 {
		return fmt.Errorf("analyzer slow_query_threshold must be positive, got %s", c.Analyzer.SlowQueryThreshold)
	}
	if c.Analyzer.VerySlowQueryThreshold <= c.Analyzer.SlowQueryThreshold {
		return fmt.Errorf("analyzer very_slow_query_threshold %s must exceed slow_query_threshold %s",
			c.Analyzer.VerySlowQueryThreshold, c.Analyzer.SlowQueryThreshold)
	}
	if c.Analyzer.HighCostThreshold <= 0 {
		return fmt.Errorf("analyzer high_cost_threshold must be positive, got %v", c.Analyzer.HighCostThreshold)
	}

	if c.Optimizer.CacheEnabled {
		if c.Optimizer.ResultCacheTTL <= 0 {
			return fmt.Errorf("optimizer result_cache_ttl must be positive when caching is enabled, got %s",
				c.Optimizer.ResultCacheTTL)
		}
		if c.Optimizer.AnalysisCacheTTL <= 0 {
			return fmt.Errorf("optimizer analysis_cache_ttl must be positive when caching is enabled, got %s",
				c.Optimizer.AnalysisCacheTTL)
		}
	}

	if c.Loader.BatchWindow <= 0 {
		return fmt.Errorf("loader batch_window must be positive, got %s", c.Loader.BatchWindow)
	}
	if c.Loader.MaxBatchSize <= 0 {
		return fmt.Errorf("loader max_batch_size must be positive, got %d", c.Loader.MaxBatchSize)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics listen_addr is required when metrics are enabled")
	}
	return nil
}
