package database

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
)

const explainPrefix = "EXPLAIN (ANALYZE, BUFFERS, FORMAT JSON) "

// QueryAnalysis is the outcome of analyzing one query's execution plan.
type QueryAnalysis struct {
	Query             string        `json:"query"`
	ExecutionTime     time.Duration `json:"execution_time"`
	PlanningTime      time.Duration `json:"planning_time"`
	TotalCost         float64       `json:"total_cost"`
	ActualRows        float64       `json:"actual_rows"`
	EstimatedRows     float64       `json:"estimated_rows"`
	IndexesUsed       []string      `json:"indexes_used"`
	Recommendations   []string      `json:"recommendations"`
	NeedsOptimization bool          `json:"needs_optimization"`
	AnalyzedAt        time.Time     `json:"analyzed_at"`

	Plan *ExplainResult `json:"-"`
}

// AnalyzeRequest is one query to analyze in a batch.
type AnalyzeRequest struct {
	Query string
	Args  []interface{}
}

// Recommendation is an aggregated recommendation with its frequency.
type Recommendation struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// OptimizationReport aggregates a set of analyses.
type OptimizationReport struct {
	GeneratedAt        time.Time        `json:"generated_at"`
	TotalQueries       int              `json:"total_queries"`
	SlowQueries        int              `json:"slow_queries"`
	AverageTime        time.Duration    `json:"average_time"`
	TopRecommendations []Recommendation `json:"top_recommendations"`
	CriticalQueries    []*QueryAnalysis `json:"critical_queries"`
}

// PlanAnalyzer retrieves execution plans and turns them into tuning
// recommendations.
type PlanAnalyzer struct {
	logger *zap.Logger
	exec   Executor
	config *AnalyzerConfig
}

// NewPlanAnalyzer creates an analyzer. A nil config uses the defaults.
func NewPlanAnalyzer(logger *zap.Logger, exec Executor, config *AnalyzerConfig) *PlanAnalyzer {
	if config == nil {
		config = DefaultAnalyzerConfig()
	}
	return &PlanAnalyzer{
		logger: logger,
		exec:   exec,
		config: config,
	}
}

// AnalyzeQuery runs the query under EXPLAIN ANALYZE and derives metrics and
// recommendations from the plan. The query is executed for real, so
// analyzing a write statement performs the write.
func (a *PlanAnalyzer) AnalyzeQuery(ctx context.Context, query string, args ...interface{}) (*QueryAnalysis, error) {
	rows, err := a.exec.Query(ctx, explainPrefix+query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve execution plan: %w", err)
	}

	raw, err := explainPayload(rows)
	if err != nil {
		return nil, err
	}

	result, err := ParsePlan(raw)
	if err != nil {
		return nil, err
	}

	analysis := a.buildAnalysis(query, result)

	a.logger.Debug("Query analyzed",
		zap.Duration("execution_time", analysis.ExecutionTime),
		zap.Float64("total_cost", analysis.TotalCost),
		zap.Int("recommendations", len(analysis.Recommendations)),
	)

	return analysis, nil
}

// BatchAnalyze analyzes each request independently. Failures are logged and
// skipped so one broken query does not sink the batch.
func (a *PlanAnalyzer) BatchAnalyze(ctx context.Context, requests []AnalyzeRequest) []*QueryAnalysis {
	analyses := make([]*QueryAnalysis, 0, len(requests))
	for _, req := range requests {
		analysis, err := a.AnalyzeQuery(ctx, req.Query, req.Args...)
		if err != nil {
			a.logger.Warn("Skipping failed analysis",
				zap.String("query", truncateQuery(req.Query)),
				zap.Error(err),
			)
			continue
		}
		analyses = append(analyses, analysis)
	}
	return analyses
}

// GenerateReport aggregates analyses into slow counts, average timing, the
// most frequent recommendations, and the slowest queries.
func (a *PlanAnalyzer) GenerateReport(analyses []*QueryAnalysis) *OptimizationReport {
	report := &OptimizationReport{
		GeneratedAt:  time.Now(),
		TotalQueries: len(analyses),
	}
	if len(analyses) == 0 {
		return report
	}

	var total time.Duration
	counts := make(map[string]int)
	for _, analysis := range analyses {
		total += analysis.ExecutionTime
		if analysis.ExecutionTime > a.config.SlowQueryThreshold {
			report.SlowQueries++
		}
		for _, rec := range analysis.Recommendations {
			counts[rec]++
		}
	}
	report.AverageTime = total / time.Duration(len(analyses))

	recs := make([]Recommendation, 0, len(counts))
	for msg, count := range counts {
		recs = append(recs, Recommendation{Message: msg, Count: count})
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Count != recs[j].Count {
			return recs[i].Count > recs[j].Count
		}
		return recs[i].Message < recs[j].Message
	})
	if len(recs) > a.config.TopRecommendations {
		recs = recs[:a.config.TopRecommendations]
	}
	report.TopRecommendations = recs

	critical := make([]*QueryAnalysis, len(analyses))
	copy(critical, analyses)
	sort.Slice(critical, func(i, j int) bool {
		return critical[i].ExecutionTime > critical[j].ExecutionTime
	})
	if len(critical) > a.config.SlowestQueries {
		critical = critical[:a.config.SlowestQueries]
	}
	report.CriticalQueries = critical

	return report
}

func (a *PlanAnalyzer) buildAnalysis(query string, result *ExplainResult) *QueryAnalysis {
	analysis := &QueryAnalysis{
		Query:         query,
		ExecutionTime: millisToDuration(result.ExecutionTime),
		PlanningTime:  millisToDuration(result.PlanningTime),
		TotalCost:     result.Plan.TotalCost,
		ActualRows:    result.Plan.ActualRows,
		EstimatedRows: result.Plan.PlanRows,
		IndexesUsed:   result.Plan.CollectIndexes(),
		AnalyzedAt:    time.Now(),
		Plan:          result,
	}
	analysis.Recommendations = a.recommend(analysis)
	analysis.NeedsOptimization = analysis.ExecutionTime > a.config.SlowQueryThreshold ||
		analysis.TotalCost > a.config.HighCostThreshold ||
		len(analysis.Recommendations) > 0
	return analysis
}

func (a *PlanAnalyzer) recommend(analysis *QueryAnalysis) []string {
	var recs []string

	if analysis.ExecutionTime > a.config.VerySlowQueryThreshold {
		recs = append(recs, fmt.Sprintf(
			"Query is critically slow (%s); restructure it or precompute the result",
			analysis.ExecutionTime.Round(time.Millisecond)))
	} else if analysis.ExecutionTime > a.config.SlowQueryThreshold {
		recs = append(recs, fmt.Sprintf(
			"Query exceeds the slow query threshold (%s); review its plan",
			analysis.ExecutionTime.Round(time.Millisecond)))
	}

	if analysis.TotalCost > a.config.HighCostThreshold {
		recs = append(recs, fmt.Sprintf(
			"High query cost (%.0f); review the query structure and available indexes",
			analysis.TotalCost))
	}

	// Zero estimated rows would divide away; the indexless rule below still
	// covers degenerate plans.
	if analysis.EstimatedRows > 0 {
		variance := math.Abs(analysis.ActualRows-analysis.EstimatedRows) / analysis.EstimatedRows
		if variance > a.config.RowEstimateVariance {
			recs = append(recs, fmt.Sprintf(
				"Row estimates are off by %.0f%%; run ANALYZE on the involved tables",
				variance*100))
		}
	}

	seenRelations := make(map[string]bool)
	for _, node := range analysis.Plan.Plan.FindAll("Seq Scan") {
		relation := node.RelationName
		if relation == "" {
			relation = node.Alias
		}
		if relation == "" || seenRelations[relation] {
			continue
		}
		seenRelations[relation] = true
		recs = append(recs, fmt.Sprintf(
			"Sequential scan on %s; consider an index covering the filtered columns",
			relation))
	}

	for _, node := range analysis.Plan.Plan.FindAll("Nested Loop") {
		if node.TotalCost > a.config.JoinCostThreshold {
			recs = append(recs, "Expensive nested loop join; ensure the join columns are indexed")
			break
		}
	}

	if len(analysis.IndexesUsed) == 0 && analysis.ActualRows > a.config.IndexlessRowThreshold {
		recs = append(recs, fmt.Sprintf(
			"No indexes used while returning %.0f rows; add an index for this access path",
			analysis.ActualRows))
	}

	return recs
}

// explainPayload extracts the JSON document from the single row EXPLAIN
// returns. PostgreSQL labels the column QUERY PLAN.
func explainPayload(rows []Row) ([]byte, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no rows returned", ErrMalformedPlan)
	}
	if value, ok := rows[0]["QUERY PLAN"]; ok {
		return valueBytes(value)
	}
	for _, value := range rows[0] {
		return valueBytes(value)
	}
	return nil, fmt.Errorf("%w: empty row", ErrMalformedPlan)
}

func valueBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, fmt.Errorf("%w: unexpected payload type %T", ErrMalformedPlan, value)
	}
}

func millisToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func truncateQuery(query string) string {
	const max = 120
	if len(query) <= max {
		return query
	}
	return query[:max] + "..."
}
