// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package nlq

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phamtuananh/sequana/internal/kb"
)

func testTable(schema, name string, aliases []string, columns ...string) kb.CompiledTable {
	cols := make([]kb.Column, 0, len(columns))
	for _, c := range columns {
		cols = append(cols, kb.Column{Name: c, DataType: "text"})
	}
	return kb.CompiledTable{
		Table: kb.Table{
			Schema:      schema,
			Name:        name,
			Columns:     cols,
			PrimaryKeys: []string{"id"},
		},
		SchemaQualifiedName: schema + "." + name,
		Aliases:             aliases,
	}
}

func testRules() *kb.CompiledRules {
	loans := testTable("core", "loans", []string{"loan", "credits"},
		"id", "borrower_id", "principal_amount", "outstanding_balance", "status", "disbursed_at")
	loans.ForeignKeys = []kb.ForeignKey{{Column: "borrower_id", RefSchema: "core", RefTable: "borrowers", RefColumn: "id"}}

	return &kb.CompiledRules{
		Version:    "v1",
		SchemaName: "core",
		Tables: map[string]kb.CompiledTable{
			"core.loans":     loans,
			"core.borrowers": testTable("core", "borrowers", []string{"borrower", "clients"}, "id", "full_name", "region"),
			"core.branches":  testTable("core", "branches", []string{"branch", "offices"}, "id", "branch_name", "region"),
			"core.audit_log": testTable("core", "audit_log", nil, "id", "actor", "payload"),
		},
		JoinPaths: map[string]kb.JoinPath{
			"core.loans->core.borrowers": {FromTable: "core.loans", ToTable: "core.borrowers", Depth: 1},
			"core.loans->core.audit_log": {FromTable: "core.loans", ToTable: "core.audit_log", Depth: 1},
		},
		FKEdges: []kb.FKEdge{
			{FromTable: "core.loans", FromColumn: "borrower_id", ToTable: "core.borrowers", ToColumn: "id"},
		},
		QueryPolicies: kb.QueryPolicies{
			DefaultLimit:            200,
			MaxLimit:                2000,
			MaxJoinDepth:            4,
			StatementTimeoutSeconds: 30,
		},
	}
}

func testCaps() RetrievalCaps {
	return RetrievalCaps{Enabled: true, MaxTables: 2, MaxColumnsPerTable: 4, MaxJoinPaths: 30}
}

func TestTokenize(t *testing.T) {
	tokens := tokenize("outstanding_balance by loan-officers")
	for _, want := range []string{"outstanding", "balance", "by", "loan", "officers"} {
		assert.Contains(t, tokens, want)
	}
}

func TestRetrieve_RanksByNameAliasAndColumns(t *testing.T) {
	r := NewRetriever(testCaps(), slog.Default())

	ctx := r.Retrieve("outstanding balance of loans per borrower", testRules(), RetrievalHints{})

	require.Len(t, ctx.Tables, 2)
	assert.Contains(t, ctx.Tables, "core.loans")
	assert.Contains(t, ctx.Tables, "core.borrowers")
	assert.True(t, ctx.Metadata.RAGEnabled)
	assert.False(t, ctx.Metadata.Fallback)

	// Only the path between selected tables survives.
	require.Len(t, ctx.JoinPaths, 1)
	assert.Contains(t, ctx.JoinPaths, "core.loans->core.borrowers")

	// FK edges pass through unfiltered.
	assert.Len(t, ctx.FKEdges, 1)
}

/*
TestRetrieve_ContextHintDominates checks the conversation boost: a table
preserved from the previous turn outranks pure token matches even when
the new question never names it.
*/
func TestRetrieve_ContextHintDominates(t *testing.T) {
	r := NewRetriever(testCaps(), slog.Default())

	ctx := r.Retrieve("what about the same for last month", testRules(), RetrievalHints{
		ContextTables: []string{"core.branches"},
	})

	assert.Contains(t, ctx.Tables, "core.branches")
	assert.Equal(t, 2, ctx.Metadata.ContextHints) // qualified + raw name
}

func TestRetrieve_PartialIntentBoost(t *testing.T) {
	r := NewRetriever(testCaps(), slog.Default())

	ctx := r.Retrieve("top 10 by region", testRules(), RetrievalHints{
		Intent: &PartialIntent{Entity: "branches", Tables: []string{"branches"}},
	})

	assert.Contains(t, ctx.Tables, "core.branches")
}

/*
TestRetrieve_KeyColumnsAlwaysKept verifies the column cap never evicts
PK or FK columns, and remaining slots go to the best question matches.
*/
func TestRetrieve_KeyColumnsAlwaysKept(t *testing.T) {
	r := NewRetriever(testCaps(), slog.Default())

	ctx := r.Retrieve("loans outstanding balance", testRules(), RetrievalHints{})

	loans, ok := ctx.Tables["core.loans"]
	require.True(t, ok)
	require.Len(t, loans.Columns, 4)

	names := make(map[string]bool, len(loans.Columns))
	for _, col := range loans.Columns {
		names[col.Name] = true
	}
	assert.True(t, names["id"], "primary key must survive the cap")
	assert.True(t, names["borrower_id"], "foreign key must survive the cap")
	assert.True(t, names["outstanding_balance"], "question-matched column should fill a free slot")
}

func TestRetrieve_ClarificationAnswerExtendsTokens(t *testing.T) {
	r := NewRetriever(testCaps(), slog.Default())

	ctx := r.Retrieve("show me the top ones", testRules(), RetrievalHints{
		ClarificationAnswer: "branches by region",
	})

	assert.Contains(t, ctx.Tables, "core.branches")
}

func TestRetrieve_DisabledFallsBack(t *testing.T) {
	caps := testCaps()
	caps.Enabled = false
	r := NewRetriever(caps, slog.Default())

	ctx := r.Retrieve("anything", testRules(), RetrievalHints{})

	assert.True(t, ctx.Metadata.Fallback)
	assert.False(t, ctx.Metadata.RAGEnabled)
	assert.Len(t, ctx.Tables, 4)
	assert.Empty(t, ctx.JoinPaths)
	// FK edges stay so joins remain groundable even in fallback mode.
	assert.Len(t, ctx.FKEdges, 1)
	assert.Equal(t, 200, ctx.Policies.DefaultLimit)
}

func TestRetrieve_Deterministic(t *testing.T) {
	r := NewRetriever(testCaps(), slog.Default())
	rules := testRules()

	first := r.Retrieve("loans per borrower", rules, RetrievalHints{})
	for i := 0; i < 5; i++ {
		next := r.Retrieve("loans per borrower", rules, RetrievalHints{})
		assert.Equal(t, first.Tables, next.Tables)
		assert.Equal(t, first.JoinPaths, next.JoinPaths)
	}
}
