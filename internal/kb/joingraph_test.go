// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package kb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// microfinanceSnapshot builds a small but realistic catalog:
// loans -> borrowers, loans -> branches, repayments -> loans.
func microfinanceSnapshot() *Snapshot {
	return &Snapshot{
		SchemaName: "core",
		Tables: map[string]*Table{
			"core.borrowers": {
				Schema: "core", Name: "borrowers",
				Columns:     []Column{{Name: "id", DataType: "uuid"}, {Name: "full_name", DataType: "text"}},
				PrimaryKeys: []string{"id"},
			},
			"core.branches": {
				Schema: "core", Name: "branches",
				Columns:     []Column{{Name: "id", DataType: "uuid"}, {Name: "branch_name", DataType: "text"}},
				PrimaryKeys: []string{"id"},
			},
			"core.loans": {
				Schema: "core", Name: "loans",
				Columns:     []Column{{Name: "id", DataType: "uuid"}, {Name: "borrower_id", DataType: "uuid"}, {Name: "branch_id", DataType: "uuid"}, {Name: "principal", DataType: "numeric"}},
				PrimaryKeys: []string{"id"},
				ForeignKeys: []ForeignKey{
					{ConstraintName: "loans_borrower_id_fkey", Column: "borrower_id", RefSchema: "core", RefTable: "borrowers", RefColumn: "id"},
					{ConstraintName: "loans_branch_id_fkey", Column: "branch_id", RefSchema: "core", RefTable: "branches", RefColumn: "id"},
				},
			},
			"core.repayments": {
				Schema: "core", Name: "repayments",
				Columns:     []Column{{Name: "id", DataType: "uuid"}, {Name: "loan_id", DataType: "uuid"}, {Name: "amount", DataType: "numeric"}, {Name: "paid_at", DataType: "timestamp"}},
				PrimaryKeys: []string{"id"},
				ForeignKeys: []ForeignKey{
					{ConstraintName: "repayments_loan_id_fkey", Column: "loan_id", RefSchema: "core", RefTable: "loans", RefColumn: "id"},
				},
			},
		},
	}
}

/*
TestBuildGraph_FKEdges verifies only child->parent edges are reported as
canonical FK edges.
*/
func TestBuildGraph_FKEdges(t *testing.T) {
	graph := BuildGraph(microfinanceSnapshot())
	edges := graph.FKEdges()

	require.Len(t, edges, 3)

	byConstraint := make(map[string]FKEdge)
	for _, edge := range edges {
		byConstraint[edge.ConstraintName] = edge
	}

	loanBorrower := byConstraint["loans_borrower_id_fkey"]
	assert.Equal(t, "core.loans", loanBorrower.FromTable)
	assert.Equal(t, "borrower_id", loanBorrower.FromColumn)
	assert.Equal(t, "core.borrowers", loanBorrower.ToTable)
	assert.Equal(t, "id", loanBorrower.ToColumn)
}

/*
TestComputeJoinPaths checks shortest-path discovery, including routes
that traverse an FK against its direction (borrowers -> branches via loans).
*/
func TestComputeJoinPaths(t *testing.T) {
	graph := BuildGraph(microfinanceSnapshot())
	paths := graph.ComputeJoinPaths(4)

	// Direct child->parent hop.
	direct, ok := paths["core.loans->core.borrowers"]
	require.True(t, ok)
	assert.Equal(t, 1, direct.Depth)
	assert.Equal(t, []string{"core.loans", "core.borrowers"}, direct.Path)
	assert.Equal(t, "borrower_id", direct.Edges[0].Column)

	// Reverse traversal: parent->child.
	reverse, ok := paths["core.borrowers->core.loans"]
	require.True(t, ok)
	assert.Equal(t, 1, reverse.Depth)
	assert.Equal(t, "id", reverse.Edges[0].Column)

	// Two-hop route through the hub table.
	twoHop, ok := paths["core.repayments->core.branches"]
	require.True(t, ok)
	assert.Equal(t, 2, twoHop.Depth)
	assert.Equal(t, []string{"core.repayments", "core.loans", "core.branches"}, twoHop.Path)
}

/*
TestComputeJoinPaths_DepthCutoff verifies the BFS respects maxDepth.
*/
func TestComputeJoinPaths_DepthCutoff(t *testing.T) {
	graph := BuildGraph(microfinanceSnapshot())
	paths := graph.ComputeJoinPaths(1)

	_, ok := paths["core.repayments->core.branches"]
	assert.False(t, ok, "two-hop path must be cut off at depth 1")

	_, ok = paths["core.repayments->core.loans"]
	assert.True(t, ok)
}
