// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package nlq

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phamtuananh/sequana/internal/observe"
)

// stubCompleter replays a canned JSON response and captures the prompt.
type stubCompleter struct {
	response   string
	err        error
	lastPrompt string
	calls      int
}

func (s *stubCompleter) CompleteJSON(_ context.Context, prompt string, target any) error {
	s.calls++
	s.lastPrompt = prompt
	if s.err != nil {
		return s.err
	}
	return json.Unmarshal([]byte(s.response), target)
}

func testGenerator(stub *stubCompleter) *Generator {
	return NewGenerator(stub, NewRetriever(testCaps(), slog.Default()), observe.NewMetrics(), slog.Default())
}

func TestGenerate_RefusesModificationRequests(t *testing.T) {
	stub := &stubCompleter{}
	g := testGenerator(stub)

	for _, question := range []string{
		"delete all loans",
		"please DROP the borrowers table",
		"update loan 42 to paid",
		"insert a new branch",
		"truncate collections",
	} {
		result, err := g.Generate(context.Background(), GenerateInput{
			Question: question,
			Rules:    testRules(),
		})
		require.NoError(t, err, "question %q", question)
		assert.True(t, result.Refused, "question %q", question)
		assert.Empty(t, result.SQL)
	}
	assert.Zero(t, stub.calls, "refusals must never reach the LLM")
}

/*
TestGenerate_RefusalIsWordBounded guards the fix for natural-language
refinements: "change to 5" and "modify the sort" are not writes.
*/
func TestGenerate_RefusalIsWordBounded(t *testing.T) {
	stub := &stubCompleter{response: `{"sql":"SELECT 1","confidence":0.9,"tables_used":[],"intent_summary":{}}`}
	g := testGenerator(stub)

	result, err := g.Generate(context.Background(), GenerateInput{
		Question: "show loans with updated_at after january",
		Rules:    testRules(),
	})
	require.NoError(t, err)
	assert.False(t, result.Refused)
}

func TestGenerate_DeterministicLimitRewrite(t *testing.T) {
	stub := &stubCompleter{}
	g := testGenerator(stub)

	anchor := &Turn{
		Question: "top 10 branches by collections",
		SQL:      "SELECT name FROM core.branches ORDER BY total DESC LIMIT 10",
		Intent:   IntentSummary{Subject: "branches", Limit: 10, Tables: []string{"core.branches"}},
	}

	result, err := g.Generate(context.Background(), GenerateInput{
		Question: "make it 5",
		Rules:    testRules(),
		Resolved: &ResolvedContext{
			IsRelated:    true,
			Continuation: ContinuationRefine,
			AnchorTurn:   anchor,
			Preserved:    preservedFrom(anchor),
			Refinement:   RefineLimit,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "SELECT name FROM core.branches ORDER BY total DESC LIMIT 5", result.SQL)
	assert.Equal(t, 0.99, result.Confidence)
	assert.Equal(t, 5, result.Intent.Limit)
	assert.Equal(t, "branches", result.Intent.Subject)
	assert.Equal(t, []string{"core.branches"}, result.TablesUsed)
	assert.Zero(t, stub.calls)
}

func TestGenerate_DeterministicOrderRewrite(t *testing.T) {
	stub := &stubCompleter{}
	g := testGenerator(stub)

	anchor := &Turn{
		SQL:    "SELECT name, total FROM core.branches ORDER BY total DESC LIMIT 10",
		Intent: IntentSummary{Tables: []string{"core.branches"}},
	}

	result, err := g.Generate(context.Background(), GenerateInput{
		Question: "sort by name asc",
		Rules:    testRules(),
		Resolved: &ResolvedContext{
			IsRelated:    true,
			Continuation: ContinuationRefine,
			AnchorTurn:   anchor,
			Preserved:    preservedFrom(anchor),
			Refinement:   RefineOrder,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "SELECT name, total FROM core.branches ORDER BY name ASC LIMIT 10", result.SQL)
	require.NotNil(t, result.Intent.Ordering)
	assert.Equal(t, "name", result.Intent.Ordering.Column)
	assert.Equal(t, "ASC", result.Intent.Ordering.Direction)
	assert.Zero(t, stub.calls)
}

/*
TestGenerate_FilterRefinementGoesToLLM: only limit and order changes are
rewritten deterministically; filter changes need real generation.
*/
func TestGenerate_FilterRefinementGoesToLLM(t *testing.T) {
	stub := &stubCompleter{response: `{"sql":"SELECT 1","confidence":0.8,"tables_used":["core.branches"],"intent_summary":{}}`}
	g := testGenerator(stub)

	anchor := &Turn{SQL: "SELECT name FROM core.branches LIMIT 10"}

	result, err := g.Generate(context.Background(), GenerateInput{
		Question: "only the northern region",
		Rules:    testRules(),
		Resolved: &ResolvedContext{
			IsRelated:    true,
			Continuation: ContinuationRefine,
			AnchorTurn:   anchor,
			Refinement:   RefineFilter,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, stub.calls)
	assert.Equal(t, "SELECT 1", result.SQL)
	// The prompt must carry the strict-modification instructions.
	assert.Contains(t, stub.lastPrompt, "Previous SQL")
	assert.Contains(t, stub.lastPrompt, "REFINEMENT TYPE: filter_change")
}

func TestGenerate_ClarifiesVagueQuestions(t *testing.T) {
	stub := &stubCompleter{}
	g := testGenerator(stub)

	for _, question := range []string{"show me data", "show details", "give me stuff"} {
		result, err := g.Generate(context.Background(), GenerateInput{
			Question: question,
			Rules:    testRules(),
		})
		require.NoError(t, err, "question %q", question)
		require.NotNil(t, result.Clarification, "question %q", question)
		assert.True(t, result.Clarification.PartialIntent.NeedsTable)
		assert.Contains(t, result.Clarification.Question, "loans")
	}
	assert.Zero(t, stub.calls)
}

func TestGenerate_ClarifiesBareListRequests(t *testing.T) {
	g := testGenerator(&stubCompleter{})

	result, err := g.Generate(context.Background(), GenerateInput{
		Question: "show loans",
		Rules:    testRules(),
	})
	require.NoError(t, err)
	require.NotNil(t, result.Clarification)
	assert.Equal(t, "loans", result.Clarification.PartialIntent.Entity)
	assert.True(t, result.Clarification.PartialIntent.NeedsLimit)
}

func TestGenerate_ClarifiesTopBranchesWithoutMetric(t *testing.T) {
	g := testGenerator(&stubCompleter{})

	result, err := g.Generate(context.Background(), GenerateInput{
		Question: "top 5 branches",
		Rules:    testRules(),
	})
	require.NoError(t, err)
	require.NotNil(t, result.Clarification)
	assert.True(t, result.Clarification.PartialIntent.NeedsMetric)

	// With a metric named, no clarification fires.
	stub := &stubCompleter{response: `{"sql":"SELECT 1","confidence":0.9,"tables_used":[],"intent_summary":{}}`}
	g = testGenerator(stub)
	result, err = g.Generate(context.Background(), GenerateInput{
		Question: "top 5 branches by collections",
		Rules:    testRules(),
	})
	require.NoError(t, err)
	assert.Nil(t, result.Clarification)
}

/*
TestGenerate_NoClarificationForContinuations: refinements and answered
clarifications skip the incomplete-intent gate entirely.
*/
func TestGenerate_NoClarificationForContinuations(t *testing.T) {
	stub := &stubCompleter{response: `{"sql":"SELECT 1","confidence":0.9,"tables_used":[],"intent_summary":{}}`}
	g := testGenerator(stub)

	result, err := g.Generate(context.Background(), GenerateInput{
		Question: "show branches",
		Rules:    testRules(),
		Resolved: &ResolvedContext{
			IsRelated:    true,
			Continuation: ContinuationRefine,
			AnchorTurn:   &Turn{SQL: "SELECT 1"},
		},
	})
	require.NoError(t, err)
	assert.Nil(t, result.Clarification)

	result, err = g.Generate(context.Background(), GenerateInput{
		Question:            "show branches",
		Rules:               testRules(),
		ClarificationAnswer: "just the top 5 by region",
	})
	require.NoError(t, err)
	assert.Nil(t, result.Clarification)
	assert.Contains(t, stub.lastPrompt, "just the top 5 by region")
}

func TestGenerate_LLMPath(t *testing.T) {
	stub := &stubCompleter{response: `{
		"sql": "SELECT full_name FROM core.borrowers LIMIT 200",
		"confidence": 0.87,
		"tables_used": ["core.borrowers"],
		"intent_summary": {"subject": "borrowers", "limit": 200, "tables": ["core.borrowers"]}
	}`}
	g := testGenerator(stub)

	result, err := g.Generate(context.Background(), GenerateInput{
		Question: "list all borrowers with their full names",
		Rules:    testRules(),
	})
	require.NoError(t, err)

	assert.Equal(t, "SELECT full_name FROM core.borrowers LIMIT 200", result.SQL)
	assert.Equal(t, 0.87, result.Confidence)
	assert.Equal(t, []string{"core.borrowers"}, result.TablesUsed)
	assert.Equal(t, "borrowers", result.Intent.Subject)

	// Prompt carries the retrieved schema and the response contract.
	assert.Contains(t, stub.lastPrompt, "## SCHEMA")
	assert.Contains(t, stub.lastPrompt, "core.borrowers")
	assert.Contains(t, stub.lastPrompt, "Respond ONLY with JSON")
}

func TestGenerate_LLMFailurePropagates(t *testing.T) {
	stub := &stubCompleter{err: errors.New("provider down")}
	g := testGenerator(stub)

	_, err := g.Generate(context.Background(), GenerateInput{
		Question: "list all borrowers sorted by region",
		Rules:    testRules(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generate sql")
}
