// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package llm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phamtuananh/sequana/internal/platform/llm"
)

/*
TestExtractJSON covers the lexical extraction of JSON payloads from
the shapes models actually produce.
*/
func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			"bare_object",
			`{"sql": "SELECT 1"}`,
			`{"sql": "SELECT 1"}`,
		},
		{
			"json_fence",
			"```json\n{\"sql\": \"SELECT 1\"}\n```",
			`{"sql": "SELECT 1"}`,
		},
		{
			"plain_fence",
			"```\n{\"sql\": \"SELECT 1\"}\n```",
			`{"sql": "SELECT 1"}`,
		},
		{
			"prose_around_object",
			"Here is the query you asked for:\n{\"sql\": \"SELECT 1\"}\nLet me know!",
			`{"sql": "SELECT 1"}`,
		},
		{
			"array_payload",
			"result: [1, 2, 3] done",
			"[1, 2, 3]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, llm.ExtractJSON(tt.raw))
		})
	}
}

/*
TestDecodeJSON verifies the decode path, including the single retry after
stripping raw control characters inside string values.
*/
func TestDecodeJSON(t *testing.T) {
	type payload struct {
		SQL        string  `json:"sql"`
		Confidence float64 `json:"confidence"`
	}

	t.Run("fenced_payload", func(t *testing.T) {
		var got payload
		raw := "```json\n{\"sql\": \"SELECT count(*) FROM core.loans\", \"confidence\": 0.9}\n```"

		require.NoError(t, llm.DecodeJSON(raw, &got))
		assert.Equal(t, "SELECT count(*) FROM core.loans", got.SQL)
		assert.InDelta(t, 0.9, got.Confidence, 1e-9)
	})

	t.Run("unescaped_newline_recovered", func(t *testing.T) {
		var got payload
		raw := "{\"sql\": \"SELECT *\nFROM core.loans\", \"confidence\": 1}"

		require.NoError(t, llm.DecodeJSON(raw, &got))
		assert.Equal(t, "SELECT * FROM core.loans", got.SQL)
	})

	t.Run("garbage_rejected", func(t *testing.T) {
		var got payload
		assert.Error(t, llm.DecodeJSON("not even close", &got))
	})
}
