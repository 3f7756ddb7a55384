// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package nlq

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResolver() *Resolver {
	return NewResolver(NewSessionStore(), slog.Default())
}

func seedAnchor(t *testing.T, r *Resolver, sessionID string) {
	t.Helper()
	r.AddTurn(sessionID, "top 10 branches by collections",
		"SELECT b.name, SUM(c.amount) FROM core.branches b JOIN core.collections c ON b.id = c.branch_id GROUP BY b.name ORDER BY 2 DESC LIMIT 10",
		IntentSummary{
			Subject: "branches",
			Metric:  "total collections",
			Limit:   10,
			Tables:  []string{"core.branches", "core.collections"},
		})
}

func TestNormalizeQuestion(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`  show   loans  `, "show loans"},
		{`"make it 5"`, "make it 5"},
		{"“make it 5?”", "make it 5"},
		{"top 10 branches!!!", "top 10 branches"},
		{"", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, NormalizeQuestion(tc.in), "input %q", tc.in)
	}
}

/*
TestResolve_NoHistory confirms everything is NEW before any turn with SQL
exists: no session, an empty session, and a session whose only turn was a
clarification.
*/
func TestResolve_NoHistory(t *testing.T) {
	r := testResolver()

	ctx := r.Resolve("s1", "make it 5")
	assert.Equal(t, ContinuationNew, ctx.Continuation)
	assert.False(t, ctx.IsRelated)

	// A clarification turn has no SQL and cannot anchor.
	r.AddTurn("s1", "show data", "", IntentSummary{})
	ctx = r.Resolve("s1", "make it 5")
	assert.Equal(t, ContinuationNew, ctx.Continuation)
	assert.Nil(t, ctx.AnchorTurn)
}

func TestResolve_LimitRefinement(t *testing.T) {
	r := testResolver()
	seedAnchor(t, r, "s1")

	for _, question := range []string{"make it 5", "5", "top 3", "limit 20", "show me 15 rows"} {
		ctx := r.Resolve("s1", question)
		assert.Equal(t, ContinuationRefine, ctx.Continuation, "question %q", question)
		assert.Equal(t, RefineLimit, ctx.Refinement, "question %q", question)
		require.NotNil(t, ctx.AnchorTurn)
		assert.Equal(t, 10, ctx.Preserved.Limit)
	}
}

func TestResolve_OtherRefinements(t *testing.T) {
	r := testResolver()
	seedAnchor(t, r, "s1")

	tests := []struct {
		question string
		want     string
	}{
		{"now by outstanding balance", RefineMetric},
		{"sort by branch_name asc", RefineOrder},
		{"only active ones", RefineFilter},
		{"last 3 months", RefineTimeWindow},
		{"in q2 2026", RefineTimeWindow},
	}
	for _, tc := range tests {
		ctx := r.Resolve("s1", tc.question)
		assert.Equal(t, ContinuationRefine, ctx.Continuation, "question %q", tc.question)
		assert.Equal(t, tc.want, ctx.Refinement, "question %q", tc.question)
	}
}

func TestResolve_Drilldown(t *testing.T) {
	r := testResolver()
	seedAnchor(t, r, "s1")

	ctx := r.Resolve("s1", "show their loan officers")
	assert.Equal(t, ContinuationDrilldown, ctx.Continuation)
	assert.True(t, ctx.IsRelated)
	assert.Empty(t, ctx.Refinement)
	assert.Equal(t, []string{"core.branches", "core.collections"}, ctx.Preserved.Tables)
}

/*
TestResolve_RefinementBeatsDrilldown pins the priority order: a question
containing both a refinement phrase and a pronoun classifies as REFINE.
*/
func TestResolve_RefinementBeatsDrilldown(t *testing.T) {
	r := testResolver()
	seedAnchor(t, r, "s1")

	ctx := r.Resolve("s1", "sort them by highest amount")
	assert.Equal(t, ContinuationRefine, ctx.Continuation)
	assert.Equal(t, RefineOrder, ctx.Refinement)
}

func TestResolve_Referential(t *testing.T) {
	r := testResolver()
	seedAnchor(t, r, "s1")

	ctx := r.Resolve("s1", "what about repayments")
	assert.Equal(t, ContinuationRefine, ctx.Continuation)
	assert.True(t, ctx.IsRelated)
	assert.Empty(t, ctx.Refinement)
}

func TestResolve_UnrelatedQuestionIsNew(t *testing.T) {
	r := testResolver()
	seedAnchor(t, r, "s1")

	ctx := r.Resolve("s1", "how many borrowers registered this morning in each region")
	// "this morning" matches no time-window pattern; no refinement,
	// drilldown, or referential cue fires.
	assert.Equal(t, ContinuationNew, ctx.Continuation)
	assert.False(t, ctx.IsRelated)
}

func TestResolve_AnchorSkipsClarificationTurns(t *testing.T) {
	r := testResolver()
	seedAnchor(t, r, "s1")
	r.AddTurn("s1", "show data", "", IntentSummary{})

	ctx := r.Resolve("s1", "make it 5")
	require.NotNil(t, ctx.AnchorTurn)
	assert.Equal(t, "top 10 branches by collections", ctx.AnchorTurn.Question)
}

func TestResolve_SessionsAreIsolated(t *testing.T) {
	r := testResolver()
	seedAnchor(t, r, "s1")

	ctx := r.Resolve("s2", "make it 5")
	assert.Equal(t, ContinuationNew, ctx.Continuation)
}

func TestSessionStore_RingEviction(t *testing.T) {
	store := NewSessionStore()
	for i := 0; i < 8; i++ {
		store.Append("s1", Turn{Question: string(rune('a' + i))})
	}

	turns := store.Turns("s1")
	require.Len(t, turns, 5)
	assert.Equal(t, "d", turns[0].Question)
	assert.Equal(t, "h", turns[4].Question)
}

func TestSessionStore_Clear(t *testing.T) {
	store := NewSessionStore()
	store.Append("s1", Turn{Question: "q"})
	store.Clear("s1")
	assert.Empty(t, store.Turns("s1"))
}
