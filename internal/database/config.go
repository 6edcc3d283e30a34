package database

import (
	"time"
)

// Config holds the connection settings for the read and write pools.
type Config struct {
	Driver   string `yaml:"driver"`
	ReadDSN  string `yaml:"read_dsn"`
	WriteDSN string `yaml:"write_dsn"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`

	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// DefaultConfig returns a configuration with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Driver:          "sqlite3",
		ReadDSN:         "./data/manabi.db",
		WriteDSN:        "./data/manabi.db",
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 1 * time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// AnalyzerConfig holds the thresholds the plan analyzer checks against.
// Every comparison is strict, a value exactly at a threshold does not fire.
type AnalyzerConfig struct {
	SlowQueryThreshold     time.Duration `yaml:"slow_query_threshold"`
	VerySlowQueryThreshold time.Duration `yaml:"very_slow_query_threshold"`
	HighCostThreshold      float64       `yaml:"high_cost_threshold"`
	JoinCostThreshold      float64       `yaml:"join_cost_threshold"`
	RowEstimateVariance    float64       `yaml:"row_estimate_variance"`
	IndexlessRowThreshold  float64       `yaml:"indexless_row_threshold"`

	// Report shaping
	TopRecommendations int `yaml:"top_recommendations"`
	SlowestQueries     int `yaml:"slowest_queries"`
}

// DefaultAnalyzerConfig returns the default analysis thresholds.
func DefaultAnalyzerConfig() *AnalyzerConfig {
	return &AnalyzerConfig{
		SlowQueryThreshold:     1 * time.Second,
		VerySlowQueryThreshold: 5 * time.Second,
		HighCostThreshold:      10000,
		JoinCostThreshold:      1000,
		RowEstimateVariance:    0.5,
		IndexlessRowThreshold:  100,
		TopRecommendations:     5,
		SlowestQueries:         10,
	}
}

// OptimizerConfig tunes the execution orchestrator.
type OptimizerConfig struct {
	CacheEnabled       bool          `yaml:"cache_enabled"`
	ResultCacheTTL     time.Duration `yaml:"result_cache_ttl"`
	AnalysisCacheTTL   time.Duration `yaml:"analysis_cache_ttl"`
	MaxTrackedAnalyses int           `yaml:"max_tracked_analyses"`
}

// DefaultOptimizerConfig returns the default orchestrator settings.
func DefaultOptimizerConfig() *OptimizerConfig {
	return &OptimizerConfig{
		CacheEnabled:       true,
		ResultCacheTTL:     5 * time.Minute,
		AnalysisCacheTTL:   10 * time.Minute,
		MaxTrackedAnalyses: 1000,
	}
}

// LoaderConfig tunes the request-coalescing batch loader.
type LoaderConfig struct {
	BatchWindow  time.Duration `yaml:"batch_window"`
	MaxBatchSize int           `yaml:"max_batch_size"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	CachePrefix  string        `yaml:"cache_prefix"`
}

// DefaultLoaderConfig returns the default coalescing settings.
func DefaultLoaderConfig() *LoaderConfig {
	return &LoaderConfig{
		BatchWindow:  5 * time.Millisecond,
		MaxBatchSize: 100,
		FetchTimeout: 30 * time.Second,
		CacheTTL:     1 * time.Minute,
		CachePrefix:  "loader:",
	}
}
