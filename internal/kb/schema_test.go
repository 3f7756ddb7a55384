// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package kb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

/*
TestParseCheckValues covers the two clause shapes Postgres emits for
value constraints.
*/
func TestParseCheckValues(t *testing.T) {
	tests := []struct {
		name   string
		clause string
		want   []string
	}{
		{
			"any_array",
			"((status)::text = ANY ((ARRAY['active'::character varying, 'closed'::character varying, 'written_off'::character varying])::text[]))",
			[]string{"active", "closed", "written_off"},
		},
		{
			"single_equality",
			"((kind)::text = 'standard'::text)",
			[]string{"standard"},
		},
		{
			"no_literals",
			"(amount > 0)",
			nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseCheckValues(tt.clause))
		})
	}
}

/*
TestDeriveHints verifies the date/status/natural-key classification and
domain inference applied to introspected tables.
*/
func TestDeriveHints(t *testing.T) {
	table := &Table{
		Schema: "core",
		Name:   "loans",
		Columns: []Column{
			{Name: "id", DataType: "uuid"},
			{Name: "loan_number", DataType: "character varying"},
			{Name: "status", DataType: "character varying"},
			{Name: "loan_type", DataType: "USER-DEFINED"},
			{Name: "disbursed_at", DataType: "timestamp with time zone"},
			{Name: "maturity_date", DataType: "date"},
			{Name: "principal", DataType: "numeric"},
			{Name: "borrower_id", DataType: "uuid"},
		},
	}

	deriveHints(table)

	assert.Equal(t, []string{"disbursed_at", "maturity_date"}, table.DateColumns)
	assert.Equal(t, []string{"status", "loan_type"}, table.StatusColumns)
	assert.Equal(t, []string{"loan_number"}, table.NaturalKeyCandidates)
	assert.Equal(t, "microfinance", table.Domain)
}

/*
TestInferDomain pins the keyword precedence: earlier domain entries win
when a name matches several.
*/
func TestInferDomain(t *testing.T) {
	assert.Equal(t, "microfinance", inferDomain("field_officers"))
	assert.Equal(t, "ecommerce", inferDomain("order_items"))
	assert.Equal(t, "audit", inferDomain("event_log"))

	// "loan_status_history" contains both "loan" (microfinance) and
	// "history" (audit); microfinance is checked first.
	assert.Equal(t, "microfinance", inferDomain("loan_status_history"))
	assert.Equal(t, "general", inferDomain("settings"))
}
