package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/manabihq/manabi/internal/database"
)

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Run a load test against the connection pools",
	Long: `Drive concurrent read and write traffic at the database and report
throughput, latency percentiles, pool utilization, and tuning advice.

Examples:
  # One minute of medium traffic against the seeded catalog
  dbperf loadtest --preset medium

  # Heavy traffic with custom queries and a JSON artifact
  dbperf loadtest --preset heavy \
    --read-query "SELECT * FROM courses WHERE category = 'programming'" \
    --report reports/heavy.json`,
	RunE: runLoadTest,
}

func init() {
	rootCmd.AddCommand(loadtestCmd)

	loadtestCmd.Flags().String("preset", "medium", "Traffic preset (light, medium, heavy)")
	loadtestCmd.Flags().Int("concurrency", 0, "Override worker count")
	loadtestCmd.Flags().Duration("duration", 0, "Override test duration")
	loadtestCmd.Flags().Duration("interval", -1, "Override per-worker pause between queries")
	loadtestCmd.Flags().Float64("ratio", -1, "Override read fraction (0..1)")
	loadtestCmd.Flags().StringArray("read-query", nil, "Read query to run (repeatable)")
	loadtestCmd.Flags().StringArray("write-query", nil, "Write query to run (repeatable)")
	loadtestCmd.Flags().String("report", "", "Write a JSON report to this path")
}

// Default traffic shaped like the catalog hot path. Used when neither the
// config file nor the flags provide queries.
var (
	defaultReadQueries = []string{
		"SELECT id, title, category, published FROM courses ORDER BY created_at DESC LIMIT 20",
		"SELECT id, title FROM courses WHERE category = 'programming' LIMIT 20",
		"SELECT COUNT(*) FROM courses",
	}
	defaultWriteQueries = []string{
		"UPDATE courses SET updated_at = updated_at WHERE category = 'programming'",
	}
)

func runLoadTest(cmd *cobra.Command, args []string) error {
	preset, _ := cmd.Flags().GetString("preset")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	duration, _ := cmd.Flags().GetDuration("duration")
	interval, _ := cmd.Flags().GetDuration("interval")
	ratio, _ := cmd.Flags().GetFloat64("ratio")
	readQueries, _ := cmd.Flags().GetStringArray("read-query")
	writeQueries, _ := cmd.Flags().GetStringArray("write-query")
	reportPath, _ := cmd.Flags().GetString("report")

	env, err := newEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	config, err := database.PresetConfig(preset)
	if err != nil {
		return err
	}

	// Config file queries beat the defaults, flags beat both.
	if len(env.cfg.LoadTest.ReadQueries) > 0 {
		config.ReadQueries = env.cfg.LoadTest.ReadQueries
	}
	if len(env.cfg.LoadTest.WriteQueries) > 0 {
		config.WriteQueries = env.cfg.LoadTest.WriteQueries
	}
	if len(readQueries) > 0 {
		config.ReadQueries = readQueries
	}
	if len(writeQueries) > 0 {
		config.WriteQueries = writeQueries
	}
	if len(config.ReadQueries) == 0 {
		config.ReadQueries = defaultReadQueries
	}
	if len(config.WriteQueries) == 0 {
		config.WriteQueries = defaultWriteQueries
	}

	if concurrency > 0 {
		config.Concurrency = concurrency
	}
	if duration > 0 {
		config.Duration = duration
	}
	if interval >= 0 {
		config.QueryInterval = interval
	}
	if ratio >= 0 {
		config.ReadWriteRatio = ratio
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nInterrupted, collecting results...")
		cancel()
	}()

	fmt.Printf("Load test: %d workers for %s (%.0f%% reads)\n\n",
		config.Concurrency, config.Duration, config.ReadWriteRatio*100)

	result, err := env.tester.Run(ctx, config)
	if err != nil {
		return err
	}

	printLoadTestResult(result)

	if reportPath != "" {
		if err := env.tester.WriteReport(reportPath, config, result); err != nil {
			return err
		}
		fmt.Printf("\nReport written to %s\n", reportPath)
	}
	return nil
}

func printLoadTestResult(result *database.LoadTestResult) {
	fmt.Printf("Run %s finished in %s\n\n", result.RunID, result.Duration.Round(time.Millisecond))

	fmt.Println("Traffic:")
	fmt.Printf("  Total queries  : %s\n", humanize.Comma(int64(result.TotalQueries)))
	fmt.Printf("  Successful     : %s\n", humanize.Comma(int64(result.SuccessfulQueries)))
	fmt.Printf("  Failed         : %s\n", humanize.Comma(int64(result.FailedQueries)))
	fmt.Printf("  Timeouts       : %s\n", humanize.Comma(int64(result.ConnectionTimeouts)))
	fmt.Printf("  Throughput     : %.1f queries/sec\n", result.Throughput)

	fmt.Println("\nLatency:")
	fmt.Printf("  mean=%s median=%s p95=%s p99=%s max=%s\n",
		result.Latency.Mean.Round(time.Microsecond),
		result.Latency.Median.Round(time.Microsecond),
		result.Latency.P95.Round(time.Microsecond),
		result.Latency.P99.Round(time.Microsecond),
		result.Latency.Max.Round(time.Microsecond),
	)

	fmt.Println("\nPools:")
	printPoolStats("read", result.ReadPool)
	printPoolStats("write", result.WritePool)
	fmt.Printf("  host cpu=%.1f%% mem=%.1f%%\n", result.HostCPUPercent, result.HostMemoryPercent)

	if len(result.Errors) > 0 {
		fmt.Println("\nSampled errors:")
		for _, msg := range result.Errors {
			fmt.Printf("  - %s\n", msg)
		}
	}

	fmt.Println("\nRecommendations:")
	for _, rec := range result.Recommendations {
		fmt.Printf("  - %s\n", rec)
	}
}

func printPoolStats(name string, stats database.PoolLoadStats) {
	fmt.Printf("  %-5s avg=%.1f%% peak=%.1f%% stddev=%.1f waiting(avg=%.1f peak=%.0f)\n",
		name, stats.AvgUtilization, stats.PeakUtilization, stats.UtilizationStdDev,
		stats.AvgWaiting, stats.PeakWaiting)
}
