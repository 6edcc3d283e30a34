package database

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedPlan is returned when explain output cannot be decoded.
var ErrMalformedPlan = errors.New("database: malformed explain output")

// ExplainResult is the envelope of one EXPLAIN (FORMAT JSON) document.
// Times are milliseconds, matching PostgreSQL's output.
type ExplainResult struct {
	Plan          PlanNode `json:"Plan"`
	PlanningTime  float64  `json:"Planning Time"`
	ExecutionTime float64  `json:"Execution Time"`
}

// PlanNode is one node of the execution plan tree. Fields the server omits
// decode to their zero values, and a missing Plans list means a leaf node.
type PlanNode struct {
	NodeType           string  `json:"Node Type"`
	ParentRelationship string  `json:"Parent Relationship"`
	RelationName       string  `json:"Relation Name"`
	Alias              string  `json:"Alias"`
	IndexName          string  `json:"Index Name"`
	JoinType           string  `json:"Join Type"`
	StartupCost        float64 `json:"Startup Cost"`
	TotalCost          float64 `json:"Total Cost"`
	PlanRows           float64 `json:"Plan Rows"`
	PlanWidth          float64 `json:"Plan Width"`
	ActualStartupTime  float64 `json:"Actual Startup Time"`
	ActualTotalTime    float64 `json:"Actual Total Time"`
	ActualRows         float64 `json:"Actual Rows"`
	ActualLoops        float64 `json:"Actual Loops"`
	Filter             string  `json:"Filter"`
	SharedHitBlocks    float64 `json:"Shared Hit Blocks"`
	SharedReadBlocks   float64 `json:"Shared Read Blocks"`

	Plans []PlanNode `json:"Plans"`
}

// ParsePlan decodes EXPLAIN (FORMAT JSON) output. The server wraps the
// document in a one-element array.
func ParsePlan(data []byte) (*ExplainResult, error) {
	var results []ExplainResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPlan, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: empty result array", ErrMalformedPlan)
	}
	return &results[0], nil
}

// Walk visits the node and every descendant in pre-order.
func (n *PlanNode) Walk(visit func(*PlanNode)) {
	visit(n)
	for i := range n.Plans {
		n.Plans[i].Walk(visit)
	}
}

// FindAll returns every node in the tree with the given node type.
func (n *PlanNode) FindAll(nodeType string) []*PlanNode {
	var found []*PlanNode
	n.Walk(func(node *PlanNode) {
		if node.NodeType == nodeType {
			found = append(found, node)
		}
	})
	return found
}

// CollectIndexes gathers every index name used anywhere in the tree, in
// first-seen order without duplicates.
func (n *PlanNode) CollectIndexes() []string {
	seen := make(map[string]bool)
	var indexes []string
	n.Walk(func(node *PlanNode) {
		if node.IndexName != "" && !seen[node.IndexName] {
			seen[node.IndexName] = true
			indexes = append(indexes, node.IndexName)
		}
	})
	return indexes
}
