package database

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/manabihq/manabi/internal/cache"
)

const (
	resultCachePrefix   = "query:"
	analysisCachePrefix = "analysis:"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

type optimizerStats struct {
	Queries     atomic.Uint64
	CacheHits   atomic.Uint64
	CacheMisses atomic.Uint64
	SlowQueries atomic.Uint64
	Errors      atomic.Uint64
}

// QueryOptimizer is the execution front door: it serves cached results,
// instruments every query, and keeps a rolling series of plan analyses for
// reporting.
type QueryOptimizer struct {
	logger   *zap.Logger
	config   *OptimizerConfig
	exec     Executor
	cache    cache.Store
	metrics  *Metrics
	analyzer *PlanAnalyzer
	stats    *optimizerStats

	slowThreshold time.Duration

	mu       sync.Mutex
	analyses []*QueryAnalysis
}

// NewQueryOptimizer wires the orchestrator. Cache and metrics may be nil,
// nil configs use the defaults.
func NewQueryOptimizer(logger *zap.Logger, exec Executor, store cache.Store, metrics *Metrics, config *OptimizerConfig, analyzerConfig *AnalyzerConfig) *QueryOptimizer {
	if config == nil {
		config = DefaultOptimizerConfig()
	}
	if analyzerConfig == nil {
		analyzerConfig = DefaultAnalyzerConfig()
	}
	return &QueryOptimizer{
		logger:        logger,
		config:        config,
		exec:          exec,
		cache:         store,
		metrics:       metrics,
		analyzer:      NewPlanAnalyzer(logger, exec, analyzerConfig),
		stats:         &optimizerStats{},
		slowThreshold: analyzerConfig.SlowQueryThreshold,
	}
}

// Analyzer exposes the underlying plan analyzer.
func (o *QueryOptimizer) Analyzer() *PlanAnalyzer {
	return o.analyzer
}

// Execute runs a read query, serving repeated queries from the cache.
// Only SELECT results are cached; cache trouble degrades to a miss.
func (o *QueryOptimizer) Execute(ctx context.Context, query string, args ...interface{}) ([]Row, error) {
	o.stats.Queries.Add(1)

	cacheable := o.cacheEnabled() && isCacheableQuery(query)
	key := resultCachePrefix + queryKey(query, args)

	if cacheable {
		var rows []Row
		if o.cacheGet(key, &rows) {
			o.stats.CacheHits.Add(1)
			if o.metrics != nil {
				o.metrics.RecordCacheEvent("result", "hit")
			}
			return rows, nil
		}
		o.stats.CacheMisses.Add(1)
		if o.metrics != nil {
			o.metrics.RecordCacheEvent("result", "miss")
		}
	}

	started := time.Now()
	rows, err := o.exec.Query(ctx, query, args...)
	duration := time.Since(started)

	if o.metrics != nil {
		o.metrics.RecordQuery("read", duration, err)
	}
	if err != nil {
		o.stats.Errors.Add(1)
		return nil, err
	}

	if duration > o.slowThreshold {
		o.stats.SlowQueries.Add(1)
		if o.metrics != nil {
			o.metrics.RecordSlowQuery()
		}
		o.logger.Warn("Slow query",
			zap.String("query", truncateQuery(query)),
			zap.Duration("duration", duration),
			zap.Int("rows", len(rows)),
		)
	}

	if cacheable {
		o.cacheSet(key, rows, o.config.ResultCacheTTL)
	}

	return rows, nil
}

// ExecuteAndAnalyze returns the plan analysis for a query, cached separately
// from results. Fresh analyses join the series behind Report. Analyses
// served from cache carry no plan tree.
func (o *QueryOptimizer) ExecuteAndAnalyze(ctx context.Context, query string, args ...interface{}) (*QueryAnalysis, error) {
	key := analysisCachePrefix + queryKey(query, args)

	if o.cacheEnabled() {
		var analysis QueryAnalysis
		if o.cacheGet(key, &analysis) {
			if o.metrics != nil {
				o.metrics.RecordCacheEvent("analysis", "hit")
			}
			return &analysis, nil
		}
		if o.metrics != nil {
			o.metrics.RecordCacheEvent("analysis", "miss")
		}
	}

	analysis, err := o.analyzer.AnalyzeQuery(ctx, query, args...)
	if err != nil {
		o.stats.Errors.Add(1)
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.RecordAnalysis(len(analysis.Recommendations))
	}
	o.track(analysis)

	if o.cacheEnabled() {
		o.cacheSet(key, analysis, o.config.AnalysisCacheTTL)
	}

	return analysis, nil
}

// Report aggregates every tracked analysis.
func (o *QueryOptimizer) Report() *OptimizationReport {
	o.mu.Lock()
	snapshot := make([]*QueryAnalysis, len(o.analyses))
	copy(snapshot, o.analyses)
	o.mu.Unlock()

	return o.analyzer.GenerateReport(snapshot)
}

// RefreshStatistics runs ANALYZE on one table so the planner's row
// estimates catch up with reality.
func (o *QueryOptimizer) RefreshStatistics(ctx context.Context, table string) error {
	if !identifierPattern.MatchString(table) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, table)
	}

	if _, err := o.exec.Exec(ctx, "ANALYZE "+table); err != nil {
		return fmt.Errorf("failed to refresh statistics for %s: %w", table, err)
	}

	o.logger.Info("Table statistics refreshed", zap.String("table", table))
	return nil
}

// InvalidateCache drops every cached entry under the given prefix and
// reports how many were removed.
func (o *QueryOptimizer) InvalidateCache(prefix string) (int, error) {
	if o.cache == nil {
		return 0, nil
	}
	return o.cache.DeletePattern(prefix)
}

// InvalidateResults drops all cached query results, typically after bulk
// writes.
func (o *QueryOptimizer) InvalidateResults() (int, error) {
	return o.InvalidateCache(resultCachePrefix)
}

// Stats returns orchestrator counters.
func (o *QueryOptimizer) Stats() map[string]interface{} {
	return map[string]interface{}{
		"queries":      o.stats.Queries.Load(),
		"cache_hits":   o.stats.CacheHits.Load(),
		"cache_misses": o.stats.CacheMisses.Load(),
		"slow_queries": o.stats.SlowQueries.Load(),
		"errors":       o.stats.Errors.Load(),
	}
}

func (o *QueryOptimizer) cacheEnabled() bool {
	return o.config.CacheEnabled && o.cache != nil
}

func (o *QueryOptimizer) cacheGet(key string, target interface{}) bool {
	data, found := o.cache.Get(key)
	if !found {
		return false
	}
	if err := json.Unmarshal(data, target); err != nil {
		o.logger.Debug("Dropping undecodable cached entry", zap.String("key", key), zap.Error(err))
		_ = o.cache.Delete(key)
		return false
	}
	return true
}

func (o *QueryOptimizer) cacheSet(key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := o.cache.SetWithTTL(key, data, ttl); err != nil {
		o.logger.Debug("Cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (o *QueryOptimizer) track(analysis *QueryAnalysis) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if max := o.config.MaxTrackedAnalyses; max > 0 && len(o.analyses) >= max {
		o.analyses = o.analyses[1:]
	}
	o.analyses = append(o.analyses, analysis)
}

// queryKey derives a stable cache key from the query text and arguments.
func queryKey(query string, args []interface{}) string {
	h := fnv.New64a()
	h.Write([]byte(query))
	for _, arg := range args {
		h.Write([]byte{0})
		fmt.Fprintf(h, "%v", arg)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func isCacheableQuery(query string) bool {
	trimmed := strings.ToUpper(strings.TrimSpace(query))
	return strings.HasPrefix(trimmed, "SELECT") || strings.HasPrefix(trimmed, "WITH")
}
