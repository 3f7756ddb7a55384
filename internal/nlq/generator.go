// Copyright (c) 2026 Sequana. All rights reserved.
// Author: anh.phamtuan.vn@gmail.com

package nlq

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/phamtuananh/sequana/internal/kb"
	"github.com/phamtuananh/sequana/internal/observe"
)

// # SQL Generation

// Completer is the LLM surface the generator needs. The production
// implementation is platform/llm.Client.
type Completer interface {
	CompleteJSON(ctx context.Context, prompt string, target any) error
}

// PartialIntent captures what was understood from an incomplete
// question. It rides along with a clarification request and comes back
// with the user's answer.
type PartialIntent struct {
	Entity      string   `json:"entity,omitempty"`
	Metric      string   `json:"metric,omitempty"`
	Tables      []string `json:"tables,omitempty"`
	Vague       bool     `json:"vague,omitempty"`
	NeedsTable  bool     `json:"needs_table,omitempty"`
	NeedsMetric bool     `json:"needs_metric,omitempty"`
	NeedsLimit  bool     `json:"needs_limit,omitempty"`
}

// Clarification asks the user to complete an ambiguous question.
type Clarification struct {
	Question         string         `json:"clarification_question"`
	OriginalQuestion string         `json:"original_question"`
	PartialIntent    *PartialIntent `json:"partial_intent,omitempty"`
}

// GenerationResult is what one generation attempt produced: SQL, a
// clarification request, or a read-only refusal.
type GenerationResult struct {
	SQL           string
	Confidence    float64
	TablesUsed    []string
	Intent        IntentSummary
	Clarification *Clarification
	Refused       bool
}

// GenerateInput bundles everything a generation attempt needs.
type GenerateInput struct {
	Question            string
	Rules               *kb.CompiledRules
	CorrelationID       string
	Resolved            *ResolvedContext
	ClarificationAnswer string
	PartialIntent       *PartialIntent
}

// modificationRequest matches natural-language requests for writes or
// DDL. Words like "change" or "modify" are deliberately absent; they
// describe refinements, not database writes.
var modificationRequest = regexp.MustCompile(
	`\b(?:delete|remove|drop|update|insert|add row|create table|alter|truncate|grant|revoke)\b`)

// vaguePhrases are questions with no recoverable intent at all.
var vaguePhrases = map[string]struct{}{
	"show me data": {},
	"show data":    {},
	"show details": {},
	"show info":    {},
	"give me data": {},
	"tell me data": {},
}

var listVerbs = []string{"show", "list", "display", "give", "get"}

var branchMetricKeywords = []string{
	"collections", "repayments", "outstanding", "principal", "number of loans", "loan count",
}

// Generator turns natural language into SQL. Deterministic paths
// (refusals, refinement rewrites, clarification gating) run first; the
// LLM is only consulted when real generation is required.
type Generator struct {
	llm       Completer
	retriever *Retriever
	metrics   *observe.Metrics
	log       *slog.Logger
}

// NewGenerator wires a Generator.
func NewGenerator(llm Completer, retriever *Retriever, metrics *observe.Metrics, log *slog.Logger) *Generator {
	return &Generator{llm: llm, retriever: retriever, metrics: metrics, log: log}
}

// llmResponse is the JSON contract the prompt demands from the model.
type llmResponse struct {
	SQL        string        `json:"sql"`
	Confidence float64       `json:"confidence"`
	TablesUsed []string      `json:"tables_used"`
	Intent     IntentSummary `json:"intent_summary"`
}

// Generate runs the full generation pipeline for one question.
func (g *Generator) Generate(ctx context.Context, in GenerateInput) (*GenerationResult, error) {
	lower := strings.ToLower(in.Question)

	if modificationRequest.MatchString(lower) {
		g.log.Warn("modification_request_blocked",
			slog.String("correlation_id", in.CorrelationID),
			slog.String("question", in.Question),
		)
		return &GenerationResult{Refused: true}, nil
	}

	// Deterministic refinement: limit and order changes never reach the
	// LLM when the resolver identified them and an anchor SQL exists.
	if result := g.tryDeterministicRewrite(in); result != nil {
		return result, nil
	}

	// Clarification only applies to fresh questions that are not already
	// answering a clarification.
	if in.ClarificationAnswer == "" && (in.Resolved == nil || in.Resolved.Continuation == ContinuationNew) {
		if clarification := detectIncompleteIntent(in.Question, in.Rules); clarification != nil {
			g.log.Info("clarification_requested",
				slog.String("correlation_id", in.CorrelationID),
				slog.String("question", in.Question),
				slog.String("clarification_question", clarification.Question),
			)
			return &GenerationResult{
				Clarification: clarification,
				Intent:        IntentSummary{Subject: clarification.PartialIntent.Entity},
			}, nil
		}
	}

	hints := RetrievalHints{
		Intent:              in.PartialIntent,
		ClarificationAnswer: in.ClarificationAnswer,
	}
	if in.Resolved != nil && in.Resolved.IsRelated {
		hints.ContextTables = in.Resolved.Preserved.Tables
	}

	ragStart := time.Now()
	schema := g.retriever.Retrieve(in.Question, in.Rules, hints)
	g.metrics.RecordRAGRequest(true, float64(time.Since(ragStart).Milliseconds()))

	prompt := buildSQLPrompt(in.Question, schema, in.Resolved, in.ClarificationAnswer, in.PartialIntent)

	llmStart := time.Now()
	var response llmResponse
	err := g.llm.CompleteJSON(ctx, prompt, &response)
	llmMS := float64(time.Since(llmStart).Milliseconds())
	g.metrics.RecordLLMRequest(err == nil, llmMS)
	if err != nil {
		g.log.Error("sql_generation_failed",
			slog.String("correlation_id", in.CorrelationID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("nlq: generate sql: %w", err)
	}

	sql := strings.TrimSpace(response.SQL)
	g.log.Info("sql_generated",
		slog.String("correlation_id", in.CorrelationID),
		slog.Float64("confidence", response.Confidence),
		slog.Int("sql_length", len(sql)),
		slog.Bool("sql_empty", sql == ""),
		slog.Float64("llm_duration_ms", llmMS),
	)

	return &GenerationResult{
		SQL:        sql,
		Confidence: response.Confidence,
		TablesUsed: response.TablesUsed,
		Intent:     response.Intent,
	}, nil
}

// tryDeterministicRewrite handles limit and order refinements without
// the LLM. Returns nil when the question is not a rewritable
// refinement.
func (g *Generator) tryDeterministicRewrite(in GenerateInput) *GenerationResult {
	resolved := in.Resolved
	if resolved == nil || !resolved.IsRelated || resolved.AnchorTurn == nil || resolved.AnchorTurn.SQL == "" {
		return nil
	}

	prevSQL := resolved.AnchorTurn.SQL

	switch resolved.Refinement {
	case RefineLimit:
		newLimit := ParseLimitValue(in.Question)
		if newLimit == 0 {
			return nil
		}
		g.log.Info("deterministic_limit_refinement",
			slog.String("correlation_id", in.CorrelationID),
			slog.Int("new_limit", newLimit),
		)

		intent := resolved.AnchorTurn.Intent
		intent.Limit = newLimit
		return &GenerationResult{
			SQL:        RewriteLimit(prevSQL, newLimit),
			Confidence: 0.99,
			TablesUsed: resolved.Preserved.Tables,
			Intent:     intent,
		}

	case RefineOrder:
		order := ParseOrderClause(in.Question)
		if order == nil {
			return nil
		}
		g.log.Info("deterministic_order_refinement",
			slog.String("correlation_id", in.CorrelationID),
			slog.String("order_column", order.Column),
			slog.String("order_direction", order.Direction),
		)

		intent := resolved.AnchorTurn.Intent
		intent.Ordering = order
		return &GenerationResult{
			SQL:        RewriteOrder(prevSQL, order),
			Confidence: 0.99,
			TablesUsed: resolved.Preserved.Tables,
			Intent:     intent,
		}
	}

	return nil
}

// detectIncompleteIntent decides whether a fresh question is too
// ambiguous to compile. Returns nil when the question can proceed.
func detectIncompleteIntent(question string, rules *kb.CompiledRules) *Clarification {
	q := strings.ToLower(strings.TrimSpace(question))

	tableTokens := make(map[string]struct{}, len(rules.Tables)*2)
	var rawNames []string
	for qualified, table := range rules.Tables {
		tableTokens[strings.ToLower(qualified)] = struct{}{}
		tableTokens[strings.ToLower(table.Name)] = struct{}{}
		rawNames = append(rawNames, table.Name)
	}
	sort.Strings(rawNames)

	tableMentioned := false
	for token := range tableTokens {
		if strings.Contains(q, token) {
			tableMentioned = true
			break
		}
	}

	_, vague := vaguePhrases[q]
	startsWithListVerb := false
	for _, verb := range listVerbs {
		if strings.HasPrefix(q, verb) {
			startsWithListVerb = true
			break
		}
	}

	if vague || (startsWithListVerb && !tableMentioned && len(strings.Fields(q)) <= 4) {
		return &Clarification{
			Question: fmt.Sprintf("Which table do you want (%s)?",
				strings.Join(rawNames, ", ")),
			OriginalQuestion: question,
			PartialIntent:    &PartialIntent{Vague: true, NeedsTable: true},
		}
	}

	if strings.Contains(q, "top") && strings.Contains(q, "branch") && !containsAny(q, branchMetricKeywords) {
		return &Clarification{
			Question:         "Top branches by what metric: total collections, total repayments, total outstanding balance, total principal, or number of loans?",
			OriginalQuestion: question,
			PartialIntent:    &PartialIntent{Entity: "branches", NeedsMetric: true},
		}
	}

	// Bare "show <table>" / "list <table>" has no limit or ordering
	// intent to compile.
	fields := strings.Fields(q)
	if len(fields) == 2 && (fields[0] == "show" || fields[0] == "list") {
		if _, isTable := tableTokens[fields[1]]; isTable {
			return &Clarification{
				Question:         "How many records do you want (e.g., 10, 20, 50) and should it be latest-first?",
				OriginalQuestion: question,
				PartialIntent:    &PartialIntent{Entity: fields[1], NeedsLimit: true},
			}
		}
	}

	return nil
}

func containsAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}
