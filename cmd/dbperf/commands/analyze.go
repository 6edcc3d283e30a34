package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/manabihq/manabi/internal/database"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [query]",
	Short: "Run EXPLAIN ANALYZE on a query and report optimization hints",
	Long: `Run a query through EXPLAIN ANALYZE and report execution time, cost,
row estimates, index usage, and recommendations.

Examples:
  # Analyze a single query
  dbperf analyze "SELECT * FROM courses WHERE category = 'programming'"

  # Analyze every query in a file (one per line, # comments allowed)
  dbperf analyze --file hot-queries.sql

  # Machine readable output
  dbperf analyze --format json "SELECT count(*) FROM courses"`,
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)

	analyzeCmd.Flags().String("format", "table", "Output format (table, json, yaml)")
	analyzeCmd.Flags().String("file", "", "File with one query per line")
	analyzeCmd.Flags().String("refresh", "", "Run ANALYZE on this table before analyzing")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	file, _ := cmd.Flags().GetString("file")
	refresh, _ := cmd.Flags().GetString("refresh")

	if file == "" && len(args) == 0 {
		return fmt.Errorf("give a query argument or --file")
	}

	env, err := newEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if refresh != "" {
		if err := env.optimizer.RefreshStatistics(ctx, refresh); err != nil {
			return fmt.Errorf("failed to refresh statistics: %w", err)
		}
		fmt.Printf("Refreshed planner statistics for %s\n\n", refresh)
	}

	if file != "" {
		return analyzeFile(ctx, env, file, format)
	}

	analysis, err := env.optimizer.ExecuteAndAnalyze(ctx, args[0])
	if err != nil {
		return err
	}

	switch format {
	case "json":
		return printJSON(analysis)
	case "yaml":
		return printYAML(analysis)
	default:
		printAnalysis(analysis)
		return nil
	}
}

func analyzeFile(ctx context.Context, env *environment, path, format string) error {
	queries, err := readQueryFile(path)
	if err != nil {
		return err
	}
	if len(queries) == 0 {
		return fmt.Errorf("no queries found in %s", path)
	}

	requests := make([]database.AnalyzeRequest, 0, len(queries))
	for _, query := range queries {
		requests = append(requests, database.AnalyzeRequest{Query: query})
	}

	analyses := env.optimizer.Analyzer().BatchAnalyze(ctx, requests)
	report := env.optimizer.Analyzer().GenerateReport(analyses)

	switch format {
	case "json":
		return printJSON(report)
	case "yaml":
		return printYAML(report)
	default:
		for _, analysis := range analyses {
			printAnalysis(analysis)
			fmt.Println()
		}
		printReport(report)
		return nil
	}
}

func readQueryFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read query file: %w", err)
	}

	var queries []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "--") {
			continue
		}
		queries = append(queries, strings.TrimSuffix(line, ";"))
	}
	return queries, nil
}

func printAnalysis(analysis *database.QueryAnalysis) {
	fmt.Printf("Query     : %s\n", analysis.Query)
	fmt.Printf("Execution : %s (planning %s)\n",
		analysis.ExecutionTime.Round(time.Microsecond),
		analysis.PlanningTime.Round(time.Microsecond))
	fmt.Printf("Cost      : %.2f\n", analysis.TotalCost)
	fmt.Printf("Rows      : %.0f actual / %.0f estimated\n", analysis.ActualRows, analysis.EstimatedRows)
	if len(analysis.IndexesUsed) > 0 {
		fmt.Printf("Indexes   : %s\n", strings.Join(analysis.IndexesUsed, ", "))
	} else {
		fmt.Printf("Indexes   : none\n")
	}

	if !analysis.NeedsOptimization {
		fmt.Println("Verdict   : OK")
		return
	}
	fmt.Println("Verdict   : needs optimization")
	for _, rec := range analysis.Recommendations {
		fmt.Printf("  - %s\n", rec)
	}
}

func printReport(report *database.OptimizationReport) {
	fmt.Printf("=== Optimization Report ===\n")
	fmt.Printf("Queries analyzed  : %d\n", report.TotalQueries)
	fmt.Printf("Slow queries      : %d\n", report.SlowQueries)
	fmt.Printf("Avg execution     : %s\n", report.AverageTime.Round(time.Microsecond))

	if len(report.TopRecommendations) > 0 {
		fmt.Println("\nTop recommendations:")
		for _, rec := range report.TopRecommendations {
			fmt.Printf("  %3dx %s\n", rec.Count, rec.Message)
		}
	}
	if len(report.CriticalQueries) > 0 {
		fmt.Println("\nSlowest queries:")
		for _, analysis := range report.CriticalQueries {
			fmt.Printf("  %-10s %s\n", analysis.ExecutionTime.Round(time.Microsecond), analysis.Query)
		}
	}
}

func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func printYAML(v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}
