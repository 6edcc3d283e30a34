package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"github.com/panjf2000/ants/v2"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

const (
	stressMaxConnections = 100
	stressAcquireTimeout = time.Second
	maxErrorSamples      = 10
)

// ErrUnknownPreset is returned for a preset name that does not exist.
var ErrUnknownPreset = errors.New("database: unknown load test preset")

// LoadTestConfig describes one load test run.
type LoadTestConfig struct {
	Concurrency    int           `yaml:"concurrency" json:"concurrency"`
	Duration       time.Duration `yaml:"duration" json:"duration"`
	QueryInterval  time.Duration `yaml:"query_interval" json:"query_interval"`
	SampleInterval time.Duration `yaml:"sample_interval" json:"sample_interval"`

	// ReadWriteRatio is the fraction of operations that read, 0 through 1.
	ReadWriteRatio float64  `yaml:"read_write_ratio" json:"read_write_ratio"`
	ReadQueries    []string `yaml:"read_queries" json:"read_queries"`
	WriteQueries   []string `yaml:"write_queries" json:"write_queries"`
}

// Validate rejects configurations that cannot run. Runtime failures during
// the test are recorded in the result instead.
func (c *LoadTestConfig) Validate() error {
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.Duration <= 0 {
		return fmt.Errorf("duration must be positive, got %s", c.Duration)
	}
	if c.ReadWriteRatio < 0 || c.ReadWriteRatio > 1 {
		return fmt.Errorf("read/write ratio must be between 0 and 1, got %v", c.ReadWriteRatio)
	}
	if c.ReadWriteRatio > 0 && len(c.ReadQueries) == 0 {
		return errors.New("read queries required when the ratio includes reads")
	}
	if c.ReadWriteRatio < 1 && len(c.WriteQueries) == 0 {
		return errors.New("write queries required when the ratio includes writes")
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = time.Second
	}
	return nil
}

// LightPreset is a smoke-level workload.
func LightPreset() *LoadTestConfig {
	return &LoadTestConfig{
		Concurrency:    5,
		Duration:       30 * time.Second,
		QueryInterval:  100 * time.Millisecond,
		SampleInterval: time.Second,
		ReadWriteRatio: 0.9,
	}
}

// MediumPreset approximates steady production traffic.
func MediumPreset() *LoadTestConfig {
	return &LoadTestConfig{
		Concurrency:    20,
		Duration:       60 * time.Second,
		QueryInterval:  50 * time.Millisecond,
		SampleInterval: time.Second,
		ReadWriteRatio: 0.8,
	}
}

// HeavyPreset pushes the pools toward saturation.
func HeavyPreset() *LoadTestConfig {
	return &LoadTestConfig{
		Concurrency:    50,
		Duration:       120 * time.Second,
		QueryInterval:  10 * time.Millisecond,
		SampleInterval: time.Second,
		ReadWriteRatio: 0.7,
	}
}

// PresetConfig returns a named preset. Queries still have to be supplied by
// the caller, presets only shape the traffic.
func PresetConfig(name string) (*LoadTestConfig, error) {
	switch strings.ToLower(name) {
	case "light":
		return LightPreset(), nil
	case "medium":
		return MediumPreset(), nil
	case "heavy":
		return HeavyPreset(), nil
	default:
		return nil, fmt.Errorf("%w: %q (want light, medium, or heavy)", ErrUnknownPreset, name)
	}
}

// LatencySummary holds the latency distribution of a run.
type LatencySummary struct {
	Mean   time.Duration `json:"mean"`
	Median time.Duration `json:"median"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
	Max    time.Duration `json:"max"`
}

// PoolLoadStats summarizes one pool's behavior over the sampled run.
type PoolLoadStats struct {
	AvgUtilization    float64 `json:"avg_utilization"`
	PeakUtilization   float64 `json:"peak_utilization"`
	UtilizationStdDev float64 `json:"utilization_std_dev"`
	AvgWaiting        float64 `json:"avg_waiting"`
	PeakWaiting       float64 `json:"peak_waiting"`
}

// LoadTestResult is the outcome of one run.
type LoadTestResult struct {
	RunID              string         `json:"run_id"`
	StartedAt          time.Time      `json:"started_at"`
	Duration           time.Duration  `json:"duration"`
	TotalQueries       uint64         `json:"total_queries"`
	SuccessfulQueries  uint64         `json:"successful_queries"`
	FailedQueries      uint64         `json:"failed_queries"`
	ConnectionTimeouts uint64         `json:"connection_timeouts"`
	Throughput         float64        `json:"throughput_qps"`
	Latency            LatencySummary `json:"latency"`
	ReadPool           PoolLoadStats  `json:"read_pool"`
	WritePool          PoolLoadStats  `json:"write_pool"`
	HostCPUPercent     float64        `json:"host_cpu_percent"`
	HostMemoryPercent  float64        `json:"host_memory_percent"`
	Errors             []string       `json:"errors,omitempty"`
	Recommendations    []string       `json:"recommendations"`
}

// StressTestResult is the outcome of a pool exhaustion probe.
type StressTestResult struct {
	AcquisitionLatency  time.Duration `json:"acquisition_latency"`
	MaxConnections      int           `json:"max_connections"`
	AcquiredConnections int           `json:"acquired_connections"`
	Exhausted           bool          `json:"exhausted"`
	ExhaustedAt         int           `json:"exhausted_at,omitempty"`
}

// LoadTester drives synthetic traffic through both pools and reports how
// they hold up.
type LoadTester struct {
	logger  *zap.Logger
	db      *DB
	metrics *Metrics
}

// NewLoadTester creates a load tester. Metrics may be nil.
func NewLoadTester(logger *zap.Logger, db *DB, metrics *Metrics) *LoadTester {
	return &LoadTester{
		logger:  logger,
		db:      db,
		metrics: metrics,
	}
}

type loadCollector struct {
	success  atomic.Uint64
	failed   atomic.Uint64
	timeouts atomic.Uint64

	mu        sync.Mutex
	latencies []float64 // milliseconds
	errs      []string
}

func (c *loadCollector) record(d time.Duration, err error) {
	if err != nil {
		c.failed.Add(1)
		if isTimeoutError(err) {
			c.timeouts.Add(1)
		}
		c.mu.Lock()
		if len(c.errs) < maxErrorSamples {
			c.errs = append(c.errs, err.Error())
		}
		c.mu.Unlock()
		return
	}
	c.success.Add(1)
	c.mu.Lock()
	c.latencies = append(c.latencies, float64(d)/float64(time.Millisecond))
	c.mu.Unlock()
}

type poolSeries struct {
	util []float64
	wait []float64
}

type sampleSeries struct {
	read  poolSeries
	write poolSeries
	cpu   []float64
	memp  []float64
}

// Run executes the configured workload. Workers run until the deadline and
// failures are counted, not fatal; only a bad configuration returns an
// error.
func (lt *LoadTester) Run(ctx context.Context, config *LoadTestConfig) (*LoadTestResult, error) {
	if config == nil {
		return nil, errors.New("load test config required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid load test config: %w", err)
	}

	result := &LoadTestResult{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}

	lt.logger.Info("Load test starting",
		zap.String("run_id", result.RunID),
		zap.Int("concurrency", config.Concurrency),
		zap.Duration("duration", config.Duration),
		zap.Float64("read_ratio", config.ReadWriteRatio),
	)

	collector := &loadCollector{}
	series := &sampleSeries{}

	samplerStop := make(chan struct{})
	samplerDone := make(chan struct{})
	go lt.sampleLoop(config.SampleInterval, series, samplerStop, samplerDone)

	pool, err := ants.NewPool(config.Concurrency)
	if err != nil {
		close(samplerStop)
		<-samplerDone
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	deadline := time.Now().Add(config.Duration)
	var wg sync.WaitGroup
	for i := 0; i < config.Concurrency; i++ {
		worker := i
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			lt.runWorker(ctx, config, collector, deadline, worker)
		}); err != nil {
			wg.Done()
			lt.logger.Error("Failed to submit load worker", zap.Int("worker", worker), zap.Error(err))
		}
	}
	wg.Wait()

	close(samplerStop)
	<-samplerDone

	lt.finalize(config, collector, series, result)

	lt.logger.Info("Load test finished",
		zap.String("run_id", result.RunID),
		zap.Uint64("total_queries", result.TotalQueries),
		zap.Uint64("failed_queries", result.FailedQueries),
		zap.Float64("throughput_qps", result.Throughput),
	)

	return result, nil
}

func (lt *LoadTester) runWorker(ctx context.Context, config *LoadTestConfig, collector *loadCollector, deadline time.Time, worker int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(worker)<<32))

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		default:
		}

		read := rng.Float64() < config.ReadWriteRatio
		var query string
		if read {
			query = config.ReadQueries[rng.Intn(len(config.ReadQueries))]
		} else {
			query = config.WriteQueries[rng.Intn(len(config.WriteQueries))]
		}

		qctx, cancel := context.WithTimeout(ctx, lt.db.QueryTimeout())
		started := time.Now()
		var err error
		if read {
			_, err = lt.db.Query(qctx, query)
		} else {
			_, err = lt.db.Exec(qctx, query)
		}
		elapsed := time.Since(started)
		cancel()

		collector.record(elapsed, err)
		if lt.metrics != nil {
			poolName := "write"
			if read {
				poolName = "read"
			}
			lt.metrics.RecordQuery(poolName, elapsed, err)
		}

		if config.QueryInterval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(config.QueryInterval):
			}
		}
	}
}

// sampleLoop snapshots pool and host pressure until stopped. The series is
// owned by this goroutine; readers wait for done.
func (lt *LoadTester) sampleLoop(interval time.Duration, series *sampleSeries, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	readBase := lt.db.Read().Stats().WaitCount
	writeBase := lt.db.Write().Stats().WaitCount

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			readStats := lt.db.Read().Stats()
			writeStats := lt.db.Write().Stats()

			series.read.util = append(series.read.util, poolUtilization(readStats))
			series.write.util = append(series.write.util, poolUtilization(writeStats))
			series.read.wait = append(series.read.wait, float64(readStats.WaitCount-readBase))
			series.write.wait = append(series.write.wait, float64(writeStats.WaitCount-writeBase))
			readBase = readStats.WaitCount
			writeBase = writeStats.WaitCount

			if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
				series.cpu = append(series.cpu, percents[0])
			}
			if vm, err := mem.VirtualMemory(); err == nil {
				series.memp = append(series.memp, vm.UsedPercent)
			}

			if lt.metrics != nil {
				lt.metrics.UpdatePoolStats("read", readStats)
				lt.metrics.UpdatePoolStats("write", writeStats)
			}
		}
	}
}

func poolUtilization(s sql.DBStats) float64 {
	if s.MaxOpenConnections <= 0 {
		return 0
	}
	return float64(s.InUse) / float64(s.MaxOpenConnections) * 100
}

func (lt *LoadTester) finalize(config *LoadTestConfig, collector *loadCollector, series *sampleSeries, result *LoadTestResult) {
	result.Duration = time.Since(result.StartedAt)
	result.SuccessfulQueries = collector.success.Load()
	result.FailedQueries = collector.failed.Load()
	result.ConnectionTimeouts = collector.timeouts.Load()
	result.TotalQueries = result.SuccessfulQueries + result.FailedQueries

	if seconds := result.Duration.Seconds(); seconds > 0 {
		result.Throughput = float64(result.TotalQueries) / seconds
	}

	collector.mu.Lock()
	latencies := collector.latencies
	result.Errors = collector.errs
	collector.mu.Unlock()

	result.Latency = summarizeLatency(latencies)
	result.ReadPool = summarizePool(series.read)
	result.WritePool = summarizePool(series.write)
	if len(series.cpu) > 0 {
		result.HostCPUPercent = stat.Mean(series.cpu, nil)
	}
	if len(series.memp) > 0 {
		result.HostMemoryPercent = stat.Mean(series.memp, nil)
	}

	result.Recommendations = lt.recommend(config, result)
}

func summarizeLatency(latencies []float64) LatencySummary {
	if len(latencies) == 0 {
		return LatencySummary{}
	}

	mean, _ := stats.Mean(latencies)
	median, _ := stats.Median(latencies)
	p95, _ := stats.Percentile(latencies, 95)
	p99, _ := stats.Percentile(latencies, 99)
	max, _ := stats.Max(latencies)

	return LatencySummary{
		Mean:   millisToDuration(mean),
		Median: millisToDuration(median),
		P95:    millisToDuration(p95),
		P99:    millisToDuration(p99),
		Max:    millisToDuration(max),
	}
}

func summarizePool(series poolSeries) PoolLoadStats {
	out := PoolLoadStats{}
	if len(series.util) > 0 {
		out.AvgUtilization = stat.Mean(series.util, nil)
		if len(series.util) > 1 {
			out.UtilizationStdDev = stat.StdDev(series.util, nil)
		}
		for _, u := range series.util {
			if u > out.PeakUtilization {
				out.PeakUtilization = u
			}
		}
	}
	if len(series.wait) > 0 {
		out.AvgWaiting = stat.Mean(series.wait, nil)
		for _, w := range series.wait {
			if w > out.PeakWaiting {
				out.PeakWaiting = w
			}
		}
	}
	return out
}

func (lt *LoadTester) recommend(config *LoadTestConfig, result *LoadTestResult) []string {
	var recs []string

	if result.TotalQueries > 0 {
		failureRate := float64(result.FailedQueries) / float64(result.TotalQueries)
		if failureRate > 0.05 {
			recs = append(recs, fmt.Sprintf(
				"High failure rate (%.1f%%); investigate database errors and capacity", failureRate*100))
		}
	}

	peakUtil := result.ReadPool.PeakUtilization
	poolName := "read"
	if result.WritePool.PeakUtilization > peakUtil {
		peakUtil = result.WritePool.PeakUtilization
		poolName = "write"
	}
	if peakUtil > 90 {
		recs = append(recs, fmt.Sprintf(
			"Connection pool nearly exhausted (peak %.0f%% on the %s pool); increase max connections", peakUtil, poolName))
	}

	avgUtil := result.ReadPool.AvgUtilization
	if result.WritePool.AvgUtilization > avgUtil {
		avgUtil = result.WritePool.AvgUtilization
	}
	if avgUtil > 70 {
		recs = append(recs, fmt.Sprintf(
			"Sustained high pool utilization (avg %.0f%%); raise the pool size or reduce query cost", avgUtil))
	}

	if result.ConnectionTimeouts > 0 {
		recs = append(recs, fmt.Sprintf(
			"%d connection timeouts observed; increase the pool size or the acquisition timeout", result.ConnectionTimeouts))
	}

	peakWaiting := result.ReadPool.PeakWaiting
	if result.WritePool.PeakWaiting > peakWaiting {
		peakWaiting = result.WritePool.PeakWaiting
	}
	if peakWaiting > 10 {
		recs = append(recs, fmt.Sprintf(
			"Clients queued for connections (peak %.0f in one interval); the pool is a bottleneck", peakWaiting))
	}

	if result.Latency.P95 > time.Second {
		recs = append(recs, fmt.Sprintf(
			"p95 latency is %s; profile the slowest queries", result.Latency.P95.Round(time.Millisecond)))
	}

	if config.QueryInterval > 0 {
		expected := float64(config.Concurrency) * float64(time.Second) / float64(config.QueryInterval)
		if result.Throughput < expected*0.8 {
			recs = append(recs, fmt.Sprintf(
				"Throughput below expectation (%.0f of %.0f qps); workers are blocked on the database", result.Throughput, expected))
		}
	}

	if len(recs) == 0 {
		recs = append(recs, "Connection pool is healthy for this workload; no changes needed")
	}
	return recs
}

// QuickStressTest measures connection acquisition latency and probes how
// many connections the write pool hands out before blocking. Every acquired
// connection is released before returning.
func (lt *LoadTester) QuickStressTest(ctx context.Context) (*StressTestResult, error) {
	result := &StressTestResult{
		MaxConnections: lt.db.Write().Stats().MaxOpenConnections,
	}

	var conns []*sql.Conn
	defer func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()

	started := time.Now()
	first, err := lt.db.Write().Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire first connection: %w", err)
	}
	result.AcquisitionLatency = time.Since(started)
	conns = append(conns, first)

	for i := 1; i < stressMaxConnections; i++ {
		acquireCtx, cancel := context.WithTimeout(ctx, stressAcquireTimeout)
		conn, err := lt.db.Write().Conn(acquireCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				result.Exhausted = true
				result.ExhaustedAt = i
				break
			}
			return nil, fmt.Errorf("unexpected acquisition failure at %d connections: %w", i, err)
		}
		conns = append(conns, conn)
	}

	result.AcquiredConnections = len(conns)

	lt.logger.Info("Stress test finished",
		zap.Duration("acquisition_latency", result.AcquisitionLatency),
		zap.Int("acquired", result.AcquiredConnections),
		zap.Bool("exhausted", result.Exhausted),
	)

	return result, nil
}

// WriteReport writes the run artifact as indented JSON.
func (lt *LoadTester) WriteReport(path string, config *LoadTestConfig, result *LoadTestResult) error {
	report := struct {
		RunID       string          `json:"run_id"`
		GeneratedAt time.Time       `json:"generated_at"`
		Config      *LoadTestConfig `json:"config"`
		Pool        *Config         `json:"pool"`
		Result      *LoadTestResult `json:"result"`
	}{
		RunID:       result.RunID,
		GeneratedAt: time.Now(),
		Config:      config,
		Pool:        lt.db.config,
		Result:      result,
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	lt.logger.Info("Load test report written", zap.String("path", path))
	return nil
}

// isTimeoutError classifies failures that smell like pool or statement
// timeouts.
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline")
}
