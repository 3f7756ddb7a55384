// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package nlq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLimitValue(t *testing.T) {
	tests := []struct {
		question string
		want     int
	}{
		{"make it 5", 5},
		{"increase to 50", 50},
		{"change to 12", 12},
		{"10", 10},
		{"top 3", 3},
		{"limit 25", 25},
		{"show 7", 7},
		{"show me everything", 0},
		{"make it bigger", 0},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ParseLimitValue(tc.question), "question %q", tc.question)
	}
}

func TestRewriteLimit_ReplacesExisting(t *testing.T) {
	sql := "SELECT id FROM core.loans ORDER BY created_at DESC LIMIT 10"
	assert.Equal(t,
		"SELECT id FROM core.loans ORDER BY created_at DESC LIMIT 5",
		RewriteLimit(sql, 5))

	// Lowercase limit is still replaced.
	assert.Equal(t,
		"select id from core.loans LIMIT 5",
		RewriteLimit("select id from core.loans limit 10", 5))
}

func TestRewriteLimit_AppendsWhenMissing(t *testing.T) {
	assert.Equal(t,
		"SELECT id FROM core.loans\nLIMIT 5",
		RewriteLimit("SELECT id FROM core.loans", 5))

	// Trailing semicolon is stripped before appending.
	assert.Equal(t,
		"SELECT id FROM core.loans\nLIMIT 5",
		RewriteLimit("SELECT id FROM core.loans;", 5))
}

func TestRewriteLimit_Idempotent(t *testing.T) {
	once := RewriteLimit("SELECT id FROM core.loans LIMIT 10", 5)
	assert.Equal(t, once, RewriteLimit(once, 5))
}

func TestParseOrderClause(t *testing.T) {
	order := ParseOrderClause("sort by outstanding_balance desc")
	require.NotNil(t, order)
	assert.Equal(t, "outstanding_balance", order.Column)
	assert.Equal(t, "DESC", order.Direction)

	order = ParseOrderClause("order by branch_name ascending")
	require.NotNil(t, order)
	assert.Equal(t, "branch_name", order.Column)
	assert.Equal(t, "ASC", order.Direction)

	// Direction defaults to DESC.
	order = ParseOrderClause("sort by amount")
	require.NotNil(t, order)
	assert.Equal(t, "DESC", order.Direction)

	assert.Nil(t, ParseOrderClause("show the highest amounts"))
}

func TestRewriteOrder_ReplacesExisting(t *testing.T) {
	sql := "SELECT id FROM core.loans ORDER BY created_at DESC LIMIT 10"
	assert.Equal(t,
		"SELECT id FROM core.loans ORDER BY amount ASC LIMIT 10",
		RewriteOrder(sql, &Ordering{Column: "amount", Direction: "ASC"}))
}

func TestRewriteOrder_InsertsBeforeLimit(t *testing.T) {
	sql := "SELECT id FROM core.loans LIMIT 10"
	assert.Equal(t,
		"SELECT id FROM core.loans ORDER BY amount DESC\nLIMIT 10",
		RewriteOrder(sql, &Ordering{Column: "amount", Direction: "DESC"}))
}

func TestRewriteOrder_AppendsAtEnd(t *testing.T) {
	assert.Equal(t,
		"SELECT id FROM core.loans\nORDER BY amount DESC",
		RewriteOrder("SELECT id FROM core.loans;", &Ordering{Column: "amount", Direction: "DESC"}))

	assert.Equal(t, "", RewriteOrder("", &Ordering{Column: "x", Direction: "ASC"}))
	assert.Equal(t, "SELECT 1", RewriteOrder("SELECT 1", nil))
}
