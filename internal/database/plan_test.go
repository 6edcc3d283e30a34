package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePlanJSON = `[{
  "Plan": {
    "Node Type": "Nested Loop",
    "Join Type": "Inner",
    "Startup Cost": 0.29,
    "Total Cost": 1520.50,
    "Plan Rows": 100,
    "Plan Width": 244,
    "Actual Startup Time": 0.040,
    "Actual Total Time": 12.512,
    "Actual Rows": 98,
    "Actual Loops": 1,
    "Plans": [
      {
        "Node Type": "Seq Scan",
        "Parent Relationship": "Outer",
        "Relation Name": "enrollments",
        "Alias": "e",
        "Startup Cost": 0.00,
        "Total Cost": 155.00,
        "Plan Rows": 100,
        "Actual Rows": 98,
        "Filter": "(status = 'active'::text)"
      },
      {
        "Node Type": "Index Scan",
        "Parent Relationship": "Inner",
        "Relation Name": "courses",
        "Index Name": "courses_pkey",
        "Startup Cost": 0.29,
        "Total Cost": 8.30,
        "Plan Rows": 1,
        "Actual Rows": 1,
        "Actual Loops": 98
      }
    ]
  },
  "Planning Time": 0.420,
  "Execution Time": 13.102
}]`

func TestParsePlan(t *testing.T) {
	t.Run("FullDocument", func(t *testing.T) {
		result, err := ParsePlan([]byte(samplePlanJSON))
		require.NoError(t, err)

		assert.Equal(t, "Nested Loop", result.Plan.NodeType)
		assert.Equal(t, 1520.50, result.Plan.TotalCost)
		assert.Equal(t, float64(100), result.Plan.PlanRows)
		assert.Equal(t, float64(98), result.Plan.ActualRows)
		assert.InDelta(t, 13.102, result.ExecutionTime, 0.001)
		assert.InDelta(t, 0.420, result.PlanningTime, 0.001)

		require.Len(t, result.Plan.Plans, 2)
		assert.Equal(t, "Seq Scan", result.Plan.Plans[0].NodeType)
		assert.Equal(t, "enrollments", result.Plan.Plans[0].RelationName)
		assert.Equal(t, "courses_pkey", result.Plan.Plans[1].IndexName)
	})

	t.Run("MissingFieldsDecodeToZero", func(t *testing.T) {
		result, err := ParsePlan([]byte(`[{"Plan": {"Node Type": "Result"}}]`))
		require.NoError(t, err)

		assert.Equal(t, "Result", result.Plan.NodeType)
		assert.Zero(t, result.Plan.TotalCost)
		assert.Zero(t, result.ExecutionTime)
		assert.Empty(t, result.Plan.Plans)
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		_, err := ParsePlan([]byte(`{"Plan": }`))
		assert.ErrorIs(t, err, ErrMalformedPlan)
	})

	t.Run("EmptyArray", func(t *testing.T) {
		_, err := ParsePlan([]byte(`[]`))
		assert.ErrorIs(t, err, ErrMalformedPlan)
	})
}

func TestPlanNodeTraversal(t *testing.T) {
	result, err := ParsePlan([]byte(samplePlanJSON))
	require.NoError(t, err)

	t.Run("Walk", func(t *testing.T) {
		var types []string
		result.Plan.Walk(func(n *PlanNode) {
			types = append(types, n.NodeType)
		})
		assert.Equal(t, []string{"Nested Loop", "Seq Scan", "Index Scan"}, types)
	})

	t.Run("FindAll", func(t *testing.T) {
		scans := result.Plan.FindAll("Seq Scan")
		require.Len(t, scans, 1)
		assert.Equal(t, "enrollments", scans[0].RelationName)

		assert.Empty(t, result.Plan.FindAll("Hash Join"))
	})

	t.Run("CollectIndexes", func(t *testing.T) {
		assert.Equal(t, []string{"courses_pkey"}, result.Plan.CollectIndexes())
	})

	t.Run("CollectIndexesDeduplicates", func(t *testing.T) {
		node := &PlanNode{
			IndexName: "idx_a",
			Plans: []PlanNode{
				{IndexName: "idx_b"},
				{IndexName: "idx_a", Plans: []PlanNode{{IndexName: "idx_c"}}},
			},
		}
		assert.Equal(t, []string{"idx_a", "idx_b", "idx_c"}, node.CollectIndexes())
	})
}
